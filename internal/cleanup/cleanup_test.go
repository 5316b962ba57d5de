package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tubefetch/tubefetch/internal/statestore"
)

func TestDeleteStaleArtifacts(t *testing.T) {
	outputDir := t.TempDir()
	states := statestore.New(t.TempDir())

	stalePart := filepath.Join(outputDir, "stale-best-mp4.video.part")
	require.NoError(t, os.WriteFile(stalePart, []byte("data"), 0o644))

	freshPart := filepath.Join(outputDir, "fresh-best-mp4.video.part")
	require.NoError(t, os.WriteFile(freshPart, []byte("data"), 0o644))

	require.NoError(t, states.Save(&statestore.State{
		ID:        "stale-best-mp4",
		OutputDir: outputDir,
		UpdatedAt: time.Now().Add(-48 * time.Hour),
	}))
	require.NoError(t, states.Save(&statestore.State{
		ID:        "fresh-best-mp4",
		OutputDir: outputDir,
		UpdatedAt: time.Now(),
	}))

	require.NoError(t, DeleteStaleArtifacts(context.Background(), states, outputDir, 24*time.Hour))

	assert.NoFileExists(t, stalePart)
	assert.FileExists(t, freshPart)

	stale, err := states.Get("stale-best-mp4")
	require.NoError(t, err)
	assert.Nil(t, stale)

	fresh, err := states.Get("fresh-best-mp4")
	require.NoError(t, err)
	assert.NotNil(t, fresh)
}

func TestDeleteStaleArtifacts_OrphanedParts(t *testing.T) {
	outputDir := t.TempDir()
	states := statestore.New(t.TempDir())

	orphan := filepath.Join(outputDir, "orphan-best-mp4.audio.part")
	require.NoError(t, os.WriteFile(orphan, []byte("data"), 0o644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))

	// Completed outputs are never touched, whatever their age.
	final := filepath.Join(outputDir, "My Video.mp4")
	require.NoError(t, os.WriteFile(final, []byte("data"), 0o644))
	require.NoError(t, os.Chtimes(final, old, old))

	require.NoError(t, DeleteStaleArtifacts(context.Background(), states, outputDir, 24*time.Hour))

	assert.NoFileExists(t, orphan)
	assert.FileExists(t, final)
}

func TestPartRequestID(t *testing.T) {
	id, ok := partRequestID("AAAAAAAAAAA-best-mp4.video.part")
	require.True(t, ok)
	assert.Equal(t, "AAAAAAAAAAA-best-mp4", id)

	_, ok = partRequestID("My Video.mp4")
	assert.False(t, ok)
}
