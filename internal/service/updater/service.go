package updater

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/roehann/cota/internal/githash"
	"github.com/roehann/cota/internal/logger"
	"github.com/roehann/cota/internal/source"
	"github.com/roehann/cota/internal/thingsboard"
	"github.com/roehann/cota/internal/transport"
)

const (
	// StagingDirName is the well-known directory where verified files wait
	// before promotion. It lives under the live firmware directory.
	StagingDirName = "temp-firmware"

	// DependencyDirName is updated through a separate channel and always
	// survives a swap. It is never staged over.
	DependencyDirName = "lib"

	defaultDirMode  os.FileMode = 0o755
	defaultFileMode os.FileMode = 0o644
)

// KeepFiles are boot-critical entries preserved during a swap: wiping them
// would brick the device's ability to boot or reconnect.
var KeepFiles = []string{"main.py", "boot.py", "settings.toml"}

// ErrHashMismatch is returned when a downloaded file's computed digest
// disagrees with the digest declared by the repository listing. The whole
// attempt aborts: no partially verified firmware is ever promoted.
var ErrHashMismatch = errors.New("hash mismatch")

var errUnsafePath = errors.New("file path escapes the staging directory")

// Retryable reports whether an update failure may succeed on a later poll
// cycle without the backend changing what it published. Only connection
// exhaustion qualifies; bad publishes (invalid URL, empty repository, hash
// mismatch) stay broken until the backend state changes.
func Retryable(err error) bool {
	return errors.Is(err, transport.ErrConnectionExhausted)
}

// Backend is the slice of the fleet backend the orchestrator drives.
type Backend interface {
	FetchDesiredFirmware(ctx context.Context) (thingsboard.Firmware, error)
	FetchCurrentFirmware(ctx context.Context) (thingsboard.Firmware, error)
	IsUpdateAvailable(ctx context.Context) (bool, error)
	ReportStatus(ctx context.Context, fw thingsboard.Firmware, state thingsboard.State) error
	ReportFailure(ctx context.Context, cause error) error
	PublishCurrentFirmware(ctx context.Context, fw thingsboard.Firmware) error
}

// FileStream yields verification-pending files one at a time.
type FileStream interface {
	Next(ctx context.Context) (*source.File, bool, error)
}

// Fetcher produces the firmware file stream for a repository URL.
type Fetcher interface {
	Fetch(ctx context.Context, repoURL string) (FileStream, error)
}

// Restarter triggers the device restart that loads freshly applied firmware.
// On success control is not expected to return to the update pipeline.
type Restarter interface {
	Restart(ctx context.Context) error
}

// sourceFetcher adapts *source.Fetcher to the Fetcher capability.
type sourceFetcher struct {
	fetcher *source.Fetcher
}

// NewSourceFetcher wraps the repository fetcher for use by the orchestrator.
func NewSourceFetcher(f *source.Fetcher) Fetcher {
	return sourceFetcher{fetcher: f}
}

func (s sourceFetcher) Fetch(ctx context.Context, repoURL string) (FileStream, error) {
	stream, err := s.fetcher.Fetch(ctx, repoURL)
	if err != nil {
		return nil, err
	}

	return stream, nil
}

// Service sequences one device's update pipeline: discovery, download,
// verification, staging, swap, reporting and restart. It owns the staging
// directory and the live firmware directory for the duration of an attempt.
type Service struct {
	backend   Backend
	fetcher   Fetcher
	restarter Restarter

	targetDir  string
	stagingDir string
	keepFiles  map[string]struct{}
	keepDirs   map[string]struct{}
}

// NewService builds the orchestrator. targetDir is the root of the live
// firmware tree; empty means the current directory.
func NewService(backend Backend, fetcher Fetcher, restarter Restarter, targetDir string) *Service {
	if targetDir == "" {
		targetDir = "."
	}

	keepFiles := make(map[string]struct{}, len(KeepFiles))
	for _, name := range KeepFiles {
		keepFiles[name] = struct{}{}
	}

	return &Service{
		backend:    backend,
		fetcher:    fetcher,
		restarter:  restarter,
		targetDir:  targetDir,
		stagingDir: filepath.Join(targetDir, StagingDirName),
		keepFiles:  keepFiles,
		keepDirs: map[string]struct{}{
			StagingDirName:    {},
			DependencyDirName: {},
		},
	}
}

// CheckAvailable reports whether the backend published a firmware build
// differing from the one this device last reported running.
func (s *Service) CheckAvailable(ctx context.Context) (bool, error) {
	return s.backend.IsUpdateAvailable(ctx)
}

// Run executes the full update pipeline. On success it publishes the new
// descriptor, reports UPDATED and signals the restarter. On failure the
// error is reported to the backend (best effort) and returned. The staging
// tree is removed on every exit path.
func (s *Service) Run(ctx context.Context) (err error) {
	ctx = logger.WithName(ctx, "updater")

	defer s.cleanupStaging(ctx)

	defer func() {
		if err == nil {
			return
		}

		logger.ErrorKV(ctx, "Update attempt failed", "error", err)
		s.reportFailure(ctx, err)
	}()

	desired, err := s.backend.FetchDesiredFirmware(ctx)
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Desired firmware",
		"title", desired.Title, "version", desired.Version, "url", desired.URL)

	current, err := s.backend.FetchCurrentFirmware(ctx)
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Current firmware",
		"title", current.Title, "version", current.Version)

	if err = s.backend.ReportStatus(ctx, current, thingsboard.StateDownloading); err != nil {
		return err
	}

	if err = s.downloadAndStage(ctx, desired.URL); err != nil {
		return err
	}

	logger.Infof(ctx, "Firmware downloaded to: %s", s.stagingDir)

	// Informational checkpoints toward the backend, not distinct gates.
	checkpoints := []thingsboard.State{
		thingsboard.StateVerified,
		thingsboard.StateDownloaded,
		thingsboard.StateUpdating,
	}
	for _, state := range checkpoints {
		if err = s.backend.ReportStatus(ctx, current, state); err != nil {
			return err
		}
	}

	if err = s.swap(ctx); err != nil {
		return fmt.Errorf("swap firmware tree: %w", err)
	}

	if err = s.backend.PublishCurrentFirmware(ctx, desired); err != nil {
		return err
	}

	if err = s.backend.ReportStatus(ctx, current, thingsboard.StateUpdated); err != nil {
		return err
	}

	logger.Info(ctx, "Firmware updated successfully, signalling device restart")

	return s.restarter.Restart(ctx)
}

// downloadAndStage pulls files one at a time, verifies each against its
// declared digest and writes it into the staging tree.
func (s *Service) downloadAndStage(ctx context.Context, repoURL string) error {
	if err := s.ensureStaging(); err != nil {
		return fmt.Errorf("prepare staging directory: %w", err)
	}

	stream, err := s.fetcher.Fetch(ctx, repoURL)
	if err != nil {
		return err
	}

	for {
		file, ok, err := stream.Next(ctx)
		if err != nil {
			return err
		}

		if !ok {
			return nil
		}

		if err := s.stageFile(ctx, file); err != nil {
			return err
		}

		// The device has no virtual memory: drop the buffer and let the
		// collector reclaim it before the next download.
		file.Data = nil
		debug.FreeOSMemory()
	}
}

// stageFile verifies one file and writes it at its mirrored relative path.
func (s *Service) stageFile(ctx context.Context, file *source.File) error {
	computed := githash.Blob(file.Data)
	if computed != file.SHA {
		return fmt.Errorf("%w: file %s: computed %q, expected %q",
			ErrHashMismatch, file.Path, computed, file.SHA)
	}

	if !filepath.IsLocal(filepath.FromSlash(file.Path)) {
		return fmt.Errorf("%w: %s", errUnsafePath, file.Path)
	}

	destination := filepath.Join(s.stagingDir, filepath.FromSlash(file.Path))
	if err := os.MkdirAll(filepath.Dir(destination), defaultDirMode); err != nil {
		return err
	}

	logger.Infof(ctx, "Saving firmware to: %s", destination)

	return os.WriteFile(destination, file.Data, defaultFileMode)
}

// ensureStaging guarantees the staging tree exists and is empty before an
// attempt begins.
func (s *Service) ensureStaging() error {
	if err := os.RemoveAll(s.stagingDir); err != nil {
		return err
	}

	return os.MkdirAll(s.stagingDir, defaultDirMode)
}

// swap replaces the live firmware tree with the staged one: everything not
// on the allow-lists is wiped, then staged entries move in. The staged and
// surviving sets are disjoint by construction of the allow-lists.
func (s *Service) swap(ctx context.Context) error {
	logger.InfoKV(ctx, "Replacing live firmware tree", "target", s.targetDir)

	if err := wipeDir(s.targetDir, s.keepFiles, s.keepDirs); err != nil {
		return err
	}

	return moveContents(s.stagingDir, s.targetDir)
}

// cleanupStaging removes the staging tree unconditionally; it must not exist
// after an attempt ends, success or failure.
func (s *Service) cleanupStaging(ctx context.Context) {
	if err := os.RemoveAll(s.stagingDir); err != nil {
		logger.ErrorKV(ctx, "Failed to remove staging directory",
			"path", s.stagingDir, "error", err)
	}
}

// reportFailure pushes a FAILED telemetry point. Failure to report is logged
// and swallowed so it never masks the original error.
func (s *Service) reportFailure(ctx context.Context, cause error) {
	if reportErr := s.backend.ReportFailure(ctx, cause); reportErr != nil {
		logger.ErrorKV(ctx, "Failed to report update failure", "error", reportErr)
	}
}
