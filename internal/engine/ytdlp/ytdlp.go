// Package ytdlp is a fallback download backend that shells out to the
// yt-dlp binary instead of speaking the player API directly. It trades the
// native engine's resumable chunk loop for yt-dlp's own part files, while
// exposing the same session and event surface.
package ytdlp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/tubefetch/tubefetch/internal/engine"
	"github.com/tubefetch/tubefetch/internal/logctx"
	"github.com/tubefetch/tubefetch/internal/media"
	"golang.org/x/sync/semaphore"
)

var (
	progressRE    = regexp.MustCompile(`^\[download\]\s+([0-9.]+)% of ~?\s*([0-9.]+)(KiB|MiB|GiB)(?:\s+at\s+([0-9.]+)(KiB|MiB|GiB)/s)?`)
	destinationRE = regexp.MustCompile(`^\[(?:download|Merger|ExtractAudio)\]\s+(?:Destination:\s+|Merging formats into ")(.+?)"?$`)
)

// Engine drives yt-dlp subprocesses.
type Engine struct {
	binary    string
	outputDir string
	sem       *semaphore.Weighted
	registry  *engine.Registry

	mu       sync.Mutex
	sessions map[string]*engine.Session
}

func New(binary, outputDir string, maxParallel int64) *Engine {
	if binary == "" {
		binary = "yt-dlp"
	}

	if maxParallel <= 0 {
		maxParallel = 2
	}

	return &Engine{
		binary:    binary,
		outputDir: outputDir,
		sem:       semaphore.NewWeighted(maxParallel),
		registry:  engine.NewRegistry(),
		sessions:  make(map[string]*engine.Session),
	}
}

// ytdlpInfo is the subset of yt-dlp's --dump-json output we map onto the
// domain model.
type ytdlpInfo struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Uploader  string  `json:"uploader"`
	Duration  float64 `json:"duration"`
	Thumbnail string  `json:"thumbnail"`
	Formats   []struct {
		FormatID string  `json:"format_id"`
		URL      string  `json:"url"`
		Width    int     `json:"width"`
		Height   int     `json:"height"`
		FPS      float64 `json:"fps"`
		VCodec   string  `json:"vcodec"`
		ACodec   string  `json:"acodec"`
		ABR      float64 `json:"abr"`
		TBR      float64 `json:"tbr"`
		Filesize int64   `json:"filesize"`
		MimeType string  `json:"mime_type"`
	} `json:"formats"`
}

// FetchVideoInfo resolves metadata through yt-dlp without downloading.
func (e *Engine) FetchVideoInfo(ctx context.Context, url string) (*media.VideoInfo, error) {
	out, err := exec.CommandContext(ctx, e.binary, "--dump-json", "--no-download", url).Output()
	if err != nil {
		return nil, engine.Classify(fmt.Errorf("yt-dlp metadata fetch failed: %w", err))
	}

	var raw ytdlpInfo
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, engine.Classify(fmt.Errorf("yt-dlp produced unparseable metadata: %w", err))
	}

	info := &media.VideoInfo{
		ID:           raw.ID,
		Title:        raw.Title,
		Author:       raw.Uploader,
		Duration:     int64(raw.Duration),
		ThumbnailURL: raw.Thumbnail,
	}

	for _, f := range raw.Formats {
		itag, _ := strconv.Atoi(f.FormatID)

		switch {
		case f.VCodec != "" && f.VCodec != "none":
			if f.Width == 0 || f.Height == 0 {
				continue
			}

			info.Streams = append(info.Streams, media.StreamInfo{
				Itag:          itag,
				MimeType:      f.MimeType,
				Codecs:        f.VCodec,
				Width:         f.Width,
				Height:        f.Height,
				FPS:           int(f.FPS),
				Bitrate:       int64(f.TBR * 1000),
				URL:           f.URL,
				ContentLength: f.Filesize,
				HasAudio:      f.ACodec != "" && f.ACodec != "none",
			})
		case f.ACodec != "" && f.ACodec != "none":
			info.AudioStreams = append(info.AudioStreams, media.AudioStreamInfo{
				Itag:          itag,
				MimeType:      f.MimeType,
				Codecs:        f.ACodec,
				Bitrate:       int64(f.ABR * 1000),
				URL:           f.URL,
				ContentLength: f.Filesize,
			})
		}
	}

	return info, nil
}

// StartDownload spawns a yt-dlp process for the request. Pause and resume
// map to SIGSTOP/SIGCONT on the process group; cancel kills it.
func (e *Engine) StartDownload(ctx context.Context, req engine.Request) (*engine.Session, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, engine.ErrInvalidURL
	}

	if req.Quality == "" {
		req.Quality = media.QualityBest
	}

	if req.Format == "" {
		req.Format = media.FormatMP4
	}

	if req.OutputDir == "" {
		req.OutputDir = e.outputDir
	}

	sess := engine.NewSession(ctx, uuid.NewString(), req.URL)

	e.mu.Lock()
	e.sessions[sess.ID()] = sess
	e.mu.Unlock()

	e.registry.Track(sess)
	sess.Emit(engine.DownloadEvent{Kind: engine.EventQueued})

	go e.run(sess, req)

	return sess, nil
}

// Session looks up a session by request id.
func (e *Engine) Session(id string) (*engine.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[id]

	return s, ok
}

// Tasks returns a snapshot of all known downloads.
func (e *Engine) Tasks() []engine.TaskSnapshot {
	return e.registry.Snapshots()
}

// SubscribeTasks streams task list snapshots on every change.
func (e *Engine) SubscribeTasks() (<-chan []engine.TaskSnapshot, func()) {
	return e.registry.Subscribe()
}

func (e *Engine) run(sess *engine.Session, req engine.Request) {
	ctx := logctx.With(sess.Context(), "request_id", sess.ID(), "backend", "ytdlp")
	logger := logctx.LoggerFromContext(ctx)

	if err := e.sem.Acquire(ctx, 1); err != nil {
		sess.Emit(engine.DownloadEvent{Kind: engine.EventCancelled})

		return
	}
	defer e.sem.Release(1)

	if sess.Control().Cancelled() {
		sess.Emit(engine.DownloadEvent{Kind: engine.EventCancelled})

		return
	}

	cmd := exec.CommandContext(ctx, e.binary, e.args(req)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		sess.Emit(engine.DownloadEvent{Kind: engine.EventFailed, Err: engine.Classify(err)})

		return
	}

	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		sess.Emit(engine.DownloadEvent{Kind: engine.EventFailed, Err: engine.Classify(err)})

		return
	}

	// Signal the whole process group so yt-dlp's ffmpeg children stop too.
	pgid := -cmd.Process.Pid

	sess.SetBackendHooks(
		func() { _ = syscall.Kill(pgid, syscall.SIGSTOP) },
		func() { _ = syscall.Kill(pgid, syscall.SIGCONT) },
		func() { _ = syscall.Kill(pgid, syscall.SIGKILL) },
	)

	sess.Emit(engine.DownloadEvent{Kind: engine.EventStarted})

	var (
		destination    string
		lastDownloaded int64
	)

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()

		if m := destinationRE.FindStringSubmatch(line); m != nil {
			destination = m[1]

			continue
		}

		m := progressRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		percent, _ := strconv.ParseFloat(m[1], 64)
		total := parseSize(m[2], m[3])
		downloaded := int64(percent / 100 * float64(total))

		var speed int64
		if m[4] != "" {
			speed = parseSize(m[4], m[5])
		}

		var eta time.Duration
		if speed > 0 && total > downloaded {
			eta = time.Duration((total-downloaded)/speed) * time.Second
		}

		lastDownloaded = downloaded

		sess.Emit(engine.DownloadEvent{
			Kind:       engine.EventProgress,
			Downloaded: downloaded,
			Total:      total,
			Speed:      speed,
			ETA:        eta,
		})
	}

	err = cmd.Wait()

	switch {
	case sess.Control().Cancelled() || ctx.Err() != nil:
		sess.Emit(engine.DownloadEvent{Kind: engine.EventCancelled, Downloaded: lastDownloaded})
	case err != nil:
		logger.ErrorContext(ctx, "yt-dlp exited with an error", "err", err)
		sess.Emit(engine.DownloadEvent{
			Kind: engine.EventFailed,
			Err:  engine.Classify(fmt.Errorf("yt-dlp failed: %w: %s", err, tail(stderr.String()))),
		})
	default:
		logger.InfoContext(ctx, "yt-dlp finished", "path", destination)
		sess.Emit(engine.DownloadEvent{
			Kind:       engine.EventCompleted,
			Path:       destination,
			Downloaded: lastDownloaded,
			Total:      lastDownloaded,
		})
	}
}

func (e *Engine) args(req engine.Request) []string {
	template := filepath.Join(req.OutputDir, "%(title)s.%(ext)s")
	args := []string{"--newline", "--no-playlist", "-o", template}

	if req.Resume {
		args = append(args, "--continue")
	} else {
		args = append(args, "--no-continue")
	}

	if req.Format.IsAudioOnly() {
		args = append(args, "-f", "bestaudio/best", "-x", "--audio-format", "mp3")
	} else {
		args = append(args, "-f", formatSelector(req.Quality), "--merge-output-format", string(req.Format))
	}

	return append(args, req.URL)
}

func formatSelector(quality media.QualityPreference) string {
	if quality == media.QualityBest {
		return "bestvideo+bestaudio/best"
	}

	height := strings.TrimSuffix(string(quality), "p")

	return fmt.Sprintf("bestvideo[height<=%s]+bestaudio/best[height<=%s]", height, height)
}

func parseSize(value, unit string) int64 {
	n, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}

	switch unit {
	case "KiB":
		n *= 1 << 10
	case "MiB":
		n *= 1 << 20
	case "GiB":
		n *= 1 << 30
	}

	return int64(n)
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 512 {
		s = s[len(s)-512:]
	}

	return s
}
