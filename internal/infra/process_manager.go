package infra

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/pm-ju/anya-web-extension/internal/config"
	"github.com/pm-ju/anya-web-extension/internal/logging"
)

const (
	healthInterval = 500 * time.Millisecond
	stopTimeout    = 5 * time.Second
)

// ProcessStatus is the lifecycle state of a managed process
type ProcessStatus string

const (
	StatusStopped  ProcessStatus = "stopped"
	StatusStarting ProcessStatus = "starting"
	StatusRunning  ProcessStatus = "running"
	StatusError    ProcessStatus = "error"
)

// HealthCheck reports whether the managed service accepts requests
type HealthCheck func(ctx context.Context) error

// ProcessManager runs a local helper server, such as a GPT-SoVITS API,
// for the lifetime of the assistant
type ProcessManager struct {
	name   string
	cfg    config.LaunchConfig
	health HealthCheck
	logger *slog.Logger

	mu      sync.RWMutex
	status  ProcessStatus
	cmd     *exec.Cmd
	exited  chan struct{}
	lastErr error
}

func NewProcessManager(name string, cfg config.LaunchConfig, healthCheck HealthCheck) *ProcessManager {
	return &ProcessManager{
		name:   name,
		cfg:    cfg,
		health: healthCheck,
		status: StatusStopped,
		logger: logging.Component("process").With("name", name),
	}
}

// Start launches the process and blocks until the health check succeeds, the
// startup timeout passes or the process exits
func (m *ProcessManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusRunning || m.status == StatusStarting {
		m.mu.Unlock()
		return nil
	}
	if m.cfg.Command == "" {
		m.mu.Unlock()
		return goerr.New("no command configured", goerr.V("name", m.name))
	}

	cmd := exec.Command(m.cfg.Command, m.cfg.Args...)
	cmd.Dir = m.cfg.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		m.status = StatusError
		m.mu.Unlock()
		return goerr.Wrap(err, "failed to start process", goerr.V("name", m.name), goerr.V("command", m.cfg.Command))
	}

	exited := make(chan struct{})
	m.cmd = cmd
	m.exited = exited
	m.status = StatusStarting
	m.mu.Unlock()

	m.logger.Info("process started", "pid", cmd.Process.Pid, "command", m.cfg.Command)
	go m.wait(cmd, exited)

	if err := m.waitReady(ctx, exited); err != nil {
		_ = m.Stop(context.Background())
		m.setStatus(StatusError, err)
		return err
	}

	m.setStatus(StatusRunning, nil)
	m.logger.Info("process ready")
	return nil
}

func (m *ProcessManager) wait(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd != cmd {
		return
	}
	if m.status != StatusStopped {
		m.status = StatusError
		m.lastErr = goerr.Wrap(err, "process exited unexpectedly", goerr.V("name", m.name))
		m.logger.Error("process exited", "error", err)
	}
	m.cmd = nil
}

func (m *ProcessManager) waitReady(ctx context.Context, exited <-chan struct{}) error {
	timeout := m.cfg.StartupTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		if m.health == nil || m.health(ctx) == nil {
			return nil
		}

		select {
		case <-exited:
			return goerr.New("process exited during startup", goerr.V("name", m.name))
		case <-ctx.Done():
			return goerr.Wrap(ctx.Err(), "process did not become ready", goerr.V("name", m.name), goerr.V("timeout", timeout))
		case <-ticker.C:
		}
	}
}

// Stop kills the process and waits for it to exit
func (m *ProcessManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cmd, exited := m.cmd, m.exited
	m.status = StatusStopped
	m.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil {
		select {
		case <-exited:
			return nil
		default:
		}
		return goerr.Wrap(err, "failed to kill process", goerr.V("name", m.name))
	}

	select {
	case <-exited:
		m.logger.Info("process stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(stopTimeout):
		return goerr.New("stop timeout", goerr.V("name", m.name))
	}
}

func (m *ProcessManager) setStatus(status ProcessStatus, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == StatusStopped && status == StatusRunning {
		return
	}
	m.status = status
	m.lastErr = err
}

// Status returns the current state and the last failure, if any
func (m *ProcessManager) Status() (ProcessStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.lastErr
}

// IsReady reports whether the process is up and answered the health check
func (m *ProcessManager) IsReady() bool {
	status, _ := m.Status()
	return status == StatusRunning
}
