// Package cleanup removes abandoned download leftovers: resume state records
// nobody has touched in a long time, and the part files that belong to them.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tubefetch/tubefetch/internal/logctx"
	"github.com/tubefetch/tubefetch/internal/statestore"
)

var partSuffixes = []string{".video.part", ".audio.part"}

// DeleteStaleArtifacts removes resume state and part files for downloads
// whose state has not been updated within keepFor. Part files in outputDir
// with no state record at all are treated as orphans and removed on the same
// age rule.
func DeleteStaleArtifacts(ctx context.Context, states *statestore.Store, outputDir string, keepFor time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	records, err := states.List()
	if err != nil {
		return err
	}

	known := make(map[string]struct{}, len(records))

	for _, rec := range records {
		known[rec.ID] = struct{}{}

		if now.Sub(rec.UpdatedAt) <= keepFor {
			continue
		}

		for _, suffix := range partSuffixes {
			partPath := filepath.Join(rec.OutputDir, rec.ID+suffix)
			if err := os.Remove(partPath); err != nil && !os.IsNotExist(err) {
				logger.Error("failed to delete stale part file", "file", partPath, "err", err)

				continue
			}
		}

		if err := states.Delete(rec.ID); err != nil {
			logger.Error("failed to delete stale state record", "request_id", rec.ID, "err", err)

			continue
		}

		logger.Info("deleted stale download state", "request_id", rec.ID, "updated_at", rec.UpdatedAt)
	}

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		id, ok := partRequestID(entry.Name())
		if !ok {
			continue
		}

		if _, tracked := known[id]; tracked {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if now.Sub(info.ModTime()) <= keepFor {
			continue
		}

		orphan := filepath.Join(outputDir, entry.Name())
		if err := os.Remove(orphan); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to delete orphaned part file", "file", orphan, "err", err)

			continue
		}

		logger.Info("deleted orphaned part file", "file", orphan)
	}

	return nil
}

// partRequestID extracts the request id from a part file name.
func partRequestID(name string) (string, bool) {
	for _, suffix := range partSuffixes {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix), true
		}
	}

	return "", false
}
