package storage

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pm-ju/anya-web-extension/internal/config"
	"github.com/pm-ju/anya-web-extension/internal/models"
)

// MySQLStore archives closed sessions for later analysis
type MySQLStore struct {
	db *gorm.DB
}

func NewMySQLStore(cfg config.MySQLConfig) (*MySQLStore, error) {
	db, err := gorm.Open(mysql.Open(DSN(cfg)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open mysql", goerr.V("host", cfg.Host), goerr.V("database", cfg.Database))
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get sql.DB")
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(&models.SessionSummary{}); err != nil {
		return nil, goerr.Wrap(err, "failed to migrate session summaries")
	}

	return &MySQLStore{db: db}, nil
}

// DSN builds the go-sql-driver connection string for cfg
func DSN(cfg config.MySQLConfig) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.Username,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)
}

func (s *MySQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ArchiveSession stores summary, replacing any earlier row for the session
func (s *MySQLStore) ArchiveSession(ctx context.Context, summary *models.SessionSummary) error {
	err := s.db.WithContext(ctx).
		Where(models.SessionSummary{SessionID: summary.SessionID}).
		Assign(*summary).
		FirstOrCreate(summary).Error
	if err != nil {
		return goerr.Wrap(err, "failed to archive session", goerr.V("session_id", summary.SessionID))
	}
	return nil
}

// RecentSessions returns the latest archived sessions, newest first
func (s *MySQLStore) RecentSessions(ctx context.Context, limit int) ([]models.SessionSummary, error) {
	if limit <= 0 {
		limit = 20
	}

	var summaries []models.SessionSummary
	if err := s.db.WithContext(ctx).Order("closed_at DESC").Limit(limit).Find(&summaries).Error; err != nil {
		return nil, goerr.Wrap(err, "failed to list sessions")
	}
	return summaries, nil
}
