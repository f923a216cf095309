// Package maintenance removes server workspaces left behind by a daemon that
// did not shut down cleanly.
package maintenance

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/drover/internal/metrics"
)

// DefaultWorkers is used when a non-positive worker count is given.
const DefaultWorkers = 4

// SweepWorkspaces deletes every directory below serversDir with a pool of
// workers and returns how many were removed. Failures are logged and counted,
// never returned; only an unreadable serversDir is an error.
func SweepWorkspaces(serversDir string, workers int) (int, error) {
	entries, err := os.ReadDir(serversDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, filepath.Join(serversDir, entry.Name()))
		}
	}

	if len(dirs) == 0 {
		return 0, nil
	}

	log.Info().Int("count", len(dirs)).Str("path", serversDir).Msg("Removing stale server workspaces")
	return runWorkerPool(dirs, workers), nil
}

func runWorkerPool(dirs []string, workers int) int {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	jobs := make(chan string, len(dirs))
	var removed atomic.Int64
	var wg sync.WaitGroup

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for dir := range jobs {
				if removeWorkspace(dir) {
					removed.Add(1)
				}
			}
		}()
	}

	for _, dir := range dirs {
		jobs <- dir
	}
	close(jobs)

	wg.Wait()
	return int(removed.Load())
}

func removeWorkspace(dir string) bool {
	if err := os.RemoveAll(dir); err != nil {
		metrics.RecordCleanupFailure("sweep")
		log.Warn().Err(err).Str("path", dir).Msg("Failed to remove stale workspace")
		return false
	}

	log.Debug().Str("path", dir).Msg("Stale workspace removed")
	return true
}
