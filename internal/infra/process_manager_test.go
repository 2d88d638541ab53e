package infra

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/pm-ju/anya-web-extension/internal/config"
)

func requireSleep(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses the sleep binary")
	}
	path, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	return path
}

func TestProcessManager_StartWaitsForHealthCheck(t *testing.T) {
	sleep := requireSleep(t)

	var checks atomic.Int32
	healthCheck := func(context.Context) error {
		if checks.Inc() < 3 {
			return errors.New("not yet")
		}
		return nil
	}

	m := NewProcessManager("tts", config.LaunchConfig{Command: sleep, Args: []string{"30"}, StartupTimeout: 10 * time.Second}, healthCheck)
	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.IsReady())
	assert.GreaterOrEqual(t, checks.Load(), int32(3))

	require.NoError(t, m.Stop(context.Background()))
	status, err := m.Status()
	assert.Equal(t, StatusStopped, status)
	assert.NoError(t, err)
}

func TestProcessManager_ProcessExitsDuringStartup(t *testing.T) {
	sleep := requireSleep(t)

	never := func(context.Context) error { return errors.New("down") }
	m := NewProcessManager("tts", config.LaunchConfig{Command: sleep, Args: []string{"0"}, StartupTimeout: 10 * time.Second}, never)

	err := m.Start(context.Background())
	require.Error(t, err)
	status, _ := m.Status()
	assert.Equal(t, StatusError, status)
	assert.False(t, m.IsReady())
}

func TestProcessManager_StartupTimeout(t *testing.T) {
	sleep := requireSleep(t)

	never := func(context.Context) error { return errors.New("down") }
	m := NewProcessManager("tts", config.LaunchConfig{Command: sleep, Args: []string{"30"}, StartupTimeout: 300 * time.Millisecond}, never)

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.False(t, m.IsReady())
}

func TestProcessManager_MissingCommand(t *testing.T) {
	m := NewProcessManager("tts", config.LaunchConfig{}, nil)
	assert.Error(t, m.Start(context.Background()))

	m = NewProcessManager("tts", config.LaunchConfig{Command: "/nonexistent/tts-server"}, nil)
	assert.Error(t, m.Start(context.Background()))
	status, _ := m.Status()
	assert.Equal(t, StatusError, status)
}

func TestProcessManager_StopWhenNotStarted(t *testing.T) {
	m := NewProcessManager("tts", config.LaunchConfig{Command: "sleep"}, nil)
	assert.NoError(t, m.Stop(context.Background()))
}
