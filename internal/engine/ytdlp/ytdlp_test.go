package ytdlp

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tubefetch/tubefetch/internal/engine"
	"github.com/tubefetch/tubefetch/internal/media"
)

// fakeBinary writes a shell script standing in for yt-dlp.
func fakeBinary(t *testing.T, script string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "yt-dlp")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))

	return path
}

func collect(t *testing.T, ch <-chan engine.DownloadEvent) []engine.DownloadEvent {
	t.Helper()

	var events []engine.DownloadEvent

	deadline := time.After(10 * time.Second)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}

			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %d", len(events))
		}
	}
}

func TestEngine_ParsesProgressAndCompletes(t *testing.T) {
	bin := fakeBinary(t, `
echo '[download] Destination: /tmp/out/Video Title.mp4'
echo '[download]  50.0% of 10.00MiB at 2.00MiB/s'
echo '[download] 100.0% of 10.00MiB at 2.00MiB/s'
exit 0
`)

	eng := New(bin, t.TempDir(), 2)

	sess, err := eng.StartDownload(context.Background(), engine.Request{URL: "https://www.youtube.com/watch?v=AAAAAAAAAAA"})
	require.NoError(t, err)

	events := collect(t, sess.Events())
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	require.Equal(t, engine.EventCompleted, last.Kind)
	assert.Equal(t, "/tmp/out/Video Title.mp4", last.Path)

	var progress []engine.DownloadEvent
	for _, ev := range events {
		if ev.Kind == engine.EventProgress {
			progress = append(progress, ev)
		}
	}

	require.Len(t, progress, 2)
	assert.Equal(t, int64(5<<20), progress[0].Downloaded)
	assert.Equal(t, int64(10<<20), progress[0].Total)
	assert.Equal(t, int64(2<<20), progress[0].Speed)
	assert.Equal(t, int64(10<<20), progress[1].Downloaded)
}

func TestEngine_NonZeroExitFails(t *testing.T) {
	bin := fakeBinary(t, `
echo 'ERROR: Video unavailable' >&2
exit 1
`)

	eng := New(bin, t.TempDir(), 2)

	sess, err := eng.StartDownload(context.Background(), engine.Request{URL: "https://www.youtube.com/watch?v=AAAAAAAAAAA"})
	require.NoError(t, err)

	events := collect(t, sess.Events())
	last := events[len(events)-1]
	require.Equal(t, engine.EventFailed, last.Kind)
	assert.Contains(t, last.Err.Error(), "Video unavailable")
}

func TestEngine_CancelKillsProcess(t *testing.T) {
	bin := fakeBinary(t, `
echo '[download]  10.0% of 10.00MiB'
sleep 30
`)

	eng := New(bin, t.TempDir(), 2)

	sess, err := eng.StartDownload(context.Background(), engine.Request{URL: "https://www.youtube.com/watch?v=AAAAAAAAAAA"})
	require.NoError(t, err)

	ch := sess.Events()

	// Wait for the first progress line so the process is running.
	require.Eventually(t, func() bool {
		for _, task := range eng.Tasks() {
			if task.Downloaded > 0 {
				return true
			}
		}

		return false
	}, 5*time.Second, 10*time.Millisecond)

	sess.Cancel()

	events := collect(t, ch)
	last := events[len(events)-1]
	assert.Equal(t, engine.EventCancelled, last.Kind)
}

func TestEngine_EmptyURLRejected(t *testing.T) {
	eng := New("yt-dlp", t.TempDir(), 2)

	_, err := eng.StartDownload(context.Background(), engine.Request{URL: "   "})
	assert.ErrorIs(t, err, engine.ErrInvalidURL)
}

func TestArgs(t *testing.T) {
	eng := New("yt-dlp", "/downloads", 2)

	t.Run("video with quality cap", func(t *testing.T) {
		args := eng.args(engine.Request{
			URL:       "https://youtu.be/AAAAAAAAAAA",
			Quality:   media.QualityHD720,
			Format:    media.FormatMP4,
			OutputDir: "/downloads",
		})

		assert.Contains(t, args, "--newline")
		assert.Contains(t, args, "--no-continue")
		assert.Contains(t, args, "bestvideo[height<=720]+bestaudio/best[height<=720]")
		assert.Contains(t, args, "mp4")
		assert.Equal(t, "https://youtu.be/AAAAAAAAAAA", args[len(args)-1])
	})

	t.Run("audio extraction", func(t *testing.T) {
		args := eng.args(engine.Request{
			URL:       "https://youtu.be/AAAAAAAAAAA",
			Quality:   media.QualityBest,
			Format:    media.FormatMP3,
			OutputDir: "/downloads",
		})

		assert.Contains(t, args, "-x")
		assert.Contains(t, args, "--audio-format")
		assert.Contains(t, args, "mp3")
	})

	t.Run("resume keeps part files", func(t *testing.T) {
		args := eng.args(engine.Request{URL: "https://youtu.be/AAAAAAAAAAA", Resume: true, OutputDir: "/downloads"})

		assert.Contains(t, args, "--continue")
		assert.NotContains(t, args, "--no-continue")
	})
}

func TestParseSize(t *testing.T) {
	assert.Equal(t, int64(10<<20), parseSize("10.00", "MiB"))
	assert.Equal(t, int64(512), parseSize("0.5", "KiB"))
	assert.Equal(t, int64(1<<30), parseSize("1.0", "GiB"))
	assert.Equal(t, int64(0), parseSize("junk", "MiB"))
}

func TestFormatSelector(t *testing.T) {
	assert.Equal(t, "bestvideo+bestaudio/best", formatSelector(media.QualityBest))
	assert.Equal(t, "bestvideo[height<=480]+bestaudio/best[height<=480]", formatSelector(media.QualitySD480))
}
