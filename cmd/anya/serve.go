package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pm-ju/anya-web-extension/internal/config"
	"github.com/pm-ju/anya-web-extension/internal/engine"
	"github.com/pm-ju/anya-web-extension/internal/generators"
	"github.com/pm-ju/anya-web-extension/internal/infra"
	"github.com/pm-ju/anya-web-extension/internal/interfaces"
	"github.com/pm-ju/anya-web-extension/internal/logging"
	"github.com/pm-ju/anya-web-extension/internal/prompts"
	"github.com/pm-ju/anya-web-extension/internal/rag"
	"github.com/pm-ju/anya-web-extension/internal/session"
	"github.com/pm-ju/anya-web-extension/internal/storage"
	"github.com/pm-ju/anya-web-extension/internal/web"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the websocket server (default)",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.Component("main")

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := rag.OpenMemoryStore(ctx, cfg.Memory, embedder)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to release memory lock", "error", err)
		}
	}()
	logger.Info("memory loaded", "total_conversations", store.Count(), "dir", cfg.Memory.Dir)

	var sessionOpts []session.Option
	if cfg.Storage.Redis.Enabled {
		redisStore, err := storage.NewRedisStore(cfg.Storage.Redis)
		if err != nil {
			logger.Warn("redis unavailable, transcripts stay local", "error", err)
		} else {
			defer redisStore.Close()
			sessionOpts = append(sessionOpts, session.WithMirror(redisStore))
		}
	}
	if cfg.Storage.MySQL.Enabled {
		mysqlStore, err := storage.NewMySQLStore(cfg.Storage.MySQL)
		if err != nil {
			logger.Warn("mysql unavailable, sessions will not be archived", "error", err)
		} else {
			defer mysqlStore.Close()
			sessionOpts = append(sessionOpts, session.WithArchiver(mysqlStore))
		}
	}
	sessions := session.NewManager(cfg.Transcript.Dir, cfg.Pipeline, sessionOpts...)

	generator, err := engine.NewGenerator(cfg.LLM)
	if err != nil {
		return err
	}
	if launch := cfg.Speech.Synthesis.Launch; cfg.Speech.Synthesis.Provider == "http" && launch.Command != "" {
		healthCheck := generators.NewHTTPSynthesizer(cfg.Speech.Synthesis).HealthCheck
		ttsProcess := infra.NewProcessManager("tts", launch, healthCheck)
		if err := ttsProcess.Start(ctx); err != nil {
			logger.Warn("local tts server failed to start, replies will be text only", "error", err)
		}
		defer func() {
			if err := ttsProcess.Stop(context.Background()); err != nil {
				logger.Warn("failed to stop local tts server", "error", err)
			}
		}()
	}

	synthesizer, err := generators.NewSynthesizer(cfg.Speech.Synthesis)
	if err != nil {
		return err
	}
	builder, err := prompts.NewBuilder(cfg.Pipeline, cfg.LLM)
	if err != nil {
		return err
	}

	pipeline := engine.NewPipeline(cfg.Pipeline, engine.Deps{
		Transcriber: generators.NewWhisperTranscriber(cfg.Speech.Transcription),
		Generator:   generator,
		Synthesizer: synthesizer,
		Memory:      store,
		Prompts:     builder,
	})

	hub := web.NewHub(sessions, pipeline, cfg.Server.TurnQueueSize, cfg.Pipeline.MinAudioBytes, cfg.Server.MaxMessageSize)
	handlers := web.NewHandlers(hub, store, servicesFor(cfg))

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     web.NewRouter(handlers),
		ReadTimeout: cfg.Server.ReadTimeout,
		// websocket writes set their own deadlines
		WriteTimeout: 0,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("server shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	return settleAndSave(shutdownCtx, hub, store, logger)
}

// turnDrainer is the part of the hub shutdown needs
type turnDrainer interface {
	Shutdown(ctx context.Context) error
	Wait()
}

// settleAndSave closes every connection, waits for in-flight turns to finish
// their persist stage and only then writes the memory to disk. A turn that
// outlives ctx is still waited for; each of its stages is bounded by the
// stage timeout.
func settleAndSave(ctx context.Context, hub turnDrainer, store interfaces.MemoryStore, logger *slog.Logger) error {
	if err := hub.Shutdown(ctx); err != nil {
		logger.Warn("turns still running at shutdown, waiting for them", "error", err)
		hub.Wait()
	}

	if err := store.Save(); err != nil {
		logger.Error("failed to save memory", "error", err)
		return err
	}
	logger.Info("server stopped", "total_conversations", store.Count())
	return nil
}

func servicesFor(cfg *config.Config) web.Services {
	synthesis := cfg.Speech.Synthesis.APIKey != ""
	if cfg.Speech.Synthesis.Provider == "http" {
		synthesis = cfg.Speech.Synthesis.BaseURL != ""
	}
	generation := cfg.LLM.APIKey != ""
	if cfg.LLM.Provider == "anthropic" {
		generation = cfg.LLM.AnthropicKey != ""
	}
	return web.Services{
		Transcription: cfg.Speech.Transcription.APIKey != "",
		Generation:    generation,
		Synthesis:     synthesis,
		Memory:        true,
	}
}
