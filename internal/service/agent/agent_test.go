package agent

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roehann/cota/internal/config"
)

func TestMarker_HeldWhenFresh(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	guard := newMarker(dir)

	require.False(t, guard.Held(context.Background()))

	require.NoError(t, guard.Acquire())
	require.True(t, guard.Held(context.Background()))

	guard.Release(context.Background())
	require.False(t, guard.Held(context.Background()))
}

// TestMarker_StaleIsRecovered ensures a marker left behind by a dead agent
// does not block updates forever.
func TestMarker_StaleIsRecovered(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	guard := newMarker(dir)
	require.NoError(t, guard.Acquire())

	stale := time.Now().Add(-2 * markerLifetime)
	require.NoError(t, os.Chtimes(guard.path, stale, stale))

	require.False(t, guard.Held(context.Background()))

	_, err := os.Stat(guard.path)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestMarker_RefreshKeepsItFresh(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	guard := newMarker(dir)
	require.NoError(t, guard.Acquire())

	stale := time.Now().Add(-2 * markerLifetime)
	require.NoError(t, os.Chtimes(guard.path, stale, stale))
	require.NoError(t, guard.Refresh())

	require.True(t, guard.Held(context.Background()))
}

func TestExecRestarter_EmptyCommandDelegates(t *testing.T) {
	t.Parallel()

	require.NoError(t, ExecRestarter{}.Restart(context.Background()))
}

// TestExecRestarter_EntryProcessOutlivesAgent ensures the started firmware
// entry process is not killed when the agent's context is cancelled on
// shutdown right after a successful update.
func TestExecRestarter_EntryProcessOutlivesAgent(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	out := filepath.Join(t.TempDir(), "alive")
	ctx, cancel := context.WithCancel(context.Background())

	restarter := ExecRestarter{
		Command: []string{"/bin/sh", "-c", "sleep 0.3 && echo alive > " + out},
	}
	require.NoError(t, restarter.Restart(ctx))

	// The agent exits and its signal context is cancelled before the entry
	// process finishes starting up.
	cancel()

	require.Eventually(t, func() bool {
		_, err := os.Stat(out)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestExecRestarter_MissingExecutable(t *testing.T) {
	t.Parallel()

	restarter := ExecRestarter{Command: []string{filepath.Join(t.TempDir(), "missing")}}
	require.Error(t, restarter.Restart(context.Background()))
}

// TestRun_RefusesSecondInstance ensures a fresh marker stops a second agent
// before it touches the network.
func TestRun_RefusesSecondInstance(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	settingsPath := filepath.Join(dir, config.DefaultConfigFilename)
	require.NoError(t, config.Save(settingsPath, &config.Config{
		ThingsBoardURL:    "http://backend.local",
		DeviceToken:       "device-token",
		FirmwareDirectory: dir,
	}))

	require.NoError(t, newMarker(dir).Acquire())

	err := Run(context.Background(), &Options{ConfigPath: settingsPath})
	require.ErrorIs(t, err, errAgentAlreadyRunning)
}

func TestRun_MissingSettings(t *testing.T) {
	t.Parallel()

	err := Run(context.Background(), &Options{
		ConfigPath: filepath.Join(t.TempDir(), "missing.yaml"),
	})
	require.Error(t, err)
}
