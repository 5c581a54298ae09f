package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/mitchellh/go-ps"

	"github.com/roehann/cota/internal/logger"
)

const (
	// MarkerFilename marks that an agent is applying an update right now to
	// avoid parallel execution. It lives in the firmware directory.
	MarkerFilename = "cota-update-marker.bin"

	// markerLifetime is the period after which a stale update marker is ignored.
	markerLifetime = 30 * time.Second

	baseAgentExecutable = "cota-agent"
)

// marker is the on-disk single-instance guard. Only one agent per firmware
// directory may run the update pipeline at a time.
type marker struct {
	path string
}

func newMarker(dir string) *marker {
	return &marker{path: filepath.Join(dir, MarkerFilename)}
}

// Held checks presence of the marker file and attempts recovery when it
// looks stale: an agent that died mid-update leaves its marker behind.
func (m *marker) Held(ctx context.Context) bool {
	logger.Info(ctx, "Checking for the presence of an update marker")

	fileInfo, err := os.Stat(m.path)
	if err == nil {
		if time.Since(fileInfo.ModTime()) <= markerLifetime {
			return true
		}

		logger.Info(ctx, "The update marker is too old, attempting cleanup")

		if err = terminateProcessByName(agentExecutable()); err != nil {
			return true
		}

		if err = os.Remove(m.path); err != nil {
			return true
		}

		return false
	}

	if errors.Is(err, os.ErrNotExist) {
		logger.Info(ctx, "Update marker not found, continuing")
		return false
	}

	logger.Infof(ctx, "Unable to read update marker: %v", err)

	return false
}

// Acquire creates the marker file.
func (m *marker) Acquire() error {
	file, err := os.Create(m.path)
	if err != nil {
		return err
	}

	return file.Close()
}

// Refresh bumps the marker's modification time so a healthy long-running
// agent never looks stale to a newcomer.
func (m *marker) Refresh() error {
	now := time.Now()
	return os.Chtimes(m.path, now, now)
}

// Release removes the marker file.
func (m *marker) Release(ctx context.Context) {
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.ErrorKV(ctx, "Failed to remove update marker", "path", m.path, "error", err)
	}
}

// terminateProcessByName tries to kill processes with the provided executable name.
func terminateProcessByName(processName string) error {
	processList, err := ps.Processes()
	if err != nil {
		return err
	}

	thisProcessID := os.Getpid()

	for _, process := range processList {
		if process.Pid() == thisProcessID {
			continue
		}

		if process.Executable() != processName {
			continue
		}

		var runningProcess *os.Process

		runningProcess, err = os.FindProcess(process.Pid())
		if err != nil {
			return err
		}

		if err = runningProcess.Kill(); err != nil {
			return err
		}
	}

	return nil
}

// agentExecutable returns the agent's executable name for the current platform.
func agentExecutable() string {
	if strings.Contains(strings.ToLower(runtime.GOOS), "windows") {
		return baseAgentExecutable + ".exe"
	}

	return baseAgentExecutable
}
