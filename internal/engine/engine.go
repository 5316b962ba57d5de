// Package engine orchestrates downloads end to end: admission, metadata,
// stream selection, resumable transfer, conversion, and the event stream
// front-ends consume.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tubefetch/tubefetch/internal/engine/transfer"
	"github.com/tubefetch/tubefetch/internal/ffmpeg"
	"github.com/tubefetch/tubefetch/internal/innertube"
	"github.com/tubefetch/tubefetch/internal/logctx"
	"github.com/tubefetch/tubefetch/internal/media"
	"github.com/tubefetch/tubefetch/internal/statestore"
	"github.com/tubefetch/tubefetch/internal/storage"
	"github.com/tubefetch/tubefetch/internal/telemetry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	dirPerm = 0o755

	progressInterval  = 500 * time.Millisecond
	stateSaveInterval = 2 * time.Second
)

// Engine is the backend-agnostic download surface. The native implementation
// talks to the player API directly; the ytdlp backend shells out instead.
type Engine interface {
	FetchVideoInfo(ctx context.Context, url string) (*media.VideoInfo, error)
	StartDownload(ctx context.Context, req Request) (*Session, error)
	Session(id string) (*Session, bool)
	Tasks() []TaskSnapshot
	SubscribeTasks() (<-chan []TaskSnapshot, func())
}

// Request describes one download to run.
type Request struct {
	URL       string
	Quality   media.QualityPreference
	Format    media.OutputFormat
	OutputDir string // empty means the engine default
	Resume    bool
}

// MetadataClient is the protocol surface the orchestrator needs, satisfied by
// innertube.Client.
type MetadataClient interface {
	EstablishSession(ctx context.Context, videoURL string) (*innertube.Session, error)
	FetchPlayerResponse(ctx context.Context, videoID string, session *innertube.Session) (*innertube.PlayerResponse, error)
	WatchPage(ctx context.Context, videoURL string) (string, error)
}

// Config tunes the native engine.
type Config struct {
	OutputDir    string
	MaxParallel  int64
	RateLimitBps int64
	Transfer     transfer.Config
}

func (c Config) withDefaults() Config {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 2
	}

	return c
}

// Native downloads through the platform's player API and CDN.
type Native struct {
	client     MetadataClient
	httpClient *http.Client
	transport  transfer.ChunkTransport
	converter  *ffmpeg.Converter
	states     *statestore.Store
	history    storage.HistoryRepository
	tel        *telemetry.Telemetry
	sem        *semaphore.Weighted
	limiter    *rate.Limiter
	registry   *Registry
	cfg        Config

	mu       sync.Mutex
	sessions map[string]*Session
	cached   *innertube.Session
}

// NewNative builds the native engine. history and tel may be nil.
func NewNative(
	client MetadataClient,
	httpClient *http.Client,
	converter *ffmpeg.Converter,
	states *statestore.Store,
	history storage.HistoryRepository,
	tel *telemetry.Telemetry,
	cfg Config,
) *Native {
	cfg = cfg.withDefaults()

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if tel == nil {
		tel = &telemetry.Telemetry{}
	}

	var limiter *rate.Limiter
	if cfg.RateLimitBps > 0 {
		burst := int(cfg.RateLimitBps)
		if burst < 64*1024 {
			burst = 64 * 1024
		}

		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitBps), burst)
	}

	return &Native{
		client:     client,
		httpClient: httpClient,
		transport: &instrumentedTransport{
			inner: transfer.NewHTTPChunkTransport(httpClient, innertube.ClientUserAgent),
			tel:   tel,
		},
		converter: converter,
		states:    states,
		history:   history,
		tel:       tel,
		sem:       semaphore.NewWeighted(cfg.MaxParallel),
		limiter:   limiter,
		registry:  NewRegistry(),
		cfg:       cfg,
		sessions:  make(map[string]*Session),
	}
}

// FetchVideoInfo resolves the stream catalog for a video URL without starting
// a download.
func (n *Native) FetchVideoInfo(ctx context.Context, rawURL string) (*media.VideoInfo, error) {
	videoID, ok := innertube.ExtractVideoID(rawURL)
	if !ok {
		return nil, ErrInvalidURL
	}

	info, err := n.fetchInfo(ctx, rawURL, videoID, false)
	if err != nil {
		return nil, Classify(err)
	}

	return info, nil
}

// StartDownload enqueues a download and returns its session. Request ids are
// deterministic per (video, quality, format), so re-submitting a running
// download returns the existing session.
func (n *Native) StartDownload(ctx context.Context, req Request) (*Session, error) {
	videoID, ok := innertube.ExtractVideoID(req.URL)
	if !ok {
		return nil, ErrInvalidURL
	}

	if req.Quality == "" {
		req.Quality = media.QualityBest
	}

	if req.Format == "" {
		req.Format = media.FormatMP4
	}

	if req.OutputDir == "" {
		req.OutputDir = n.cfg.OutputDir
	}

	id := fmt.Sprintf("%s-%s-%s", videoID, req.Quality, req.Format)

	n.mu.Lock()

	if existing, ok := n.sessions[id]; ok && !existing.Terminated() {
		n.mu.Unlock()

		return existing, nil
	}

	sess := NewSession(ctx, id, req.URL)
	n.sessions[id] = sess
	n.mu.Unlock()

	n.registry.Track(sess)
	sess.Emit(DownloadEvent{Kind: EventQueued})

	go n.run(sess, videoID, req)

	return sess, nil
}

// Session looks up a live or finished session by request id.
func (n *Native) Session(id string) (*Session, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	s, ok := n.sessions[id]

	return s, ok
}

// Tasks returns a snapshot of all known downloads.
func (n *Native) Tasks() []TaskSnapshot {
	return n.registry.Snapshots()
}

// SubscribeTasks streams task list snapshots on every change.
func (n *Native) SubscribeTasks() (<-chan []TaskSnapshot, func()) {
	return n.registry.Subscribe()
}

func (n *Native) run(sess *Session, videoID string, req Request) {
	ctx := logctx.With(sess.Context(), "request_id", sess.ID(), "video_id", videoID)
	logger := logctx.LoggerFromContext(ctx)

	start := time.Now()

	_ = n.tel.InstrumentDownload(ctx, func(ctx context.Context) (string, error) {
		path, written, err := n.pipeline(ctx, sess, videoID, req)

		var status string

		switch {
		case err == nil:
			logger.InfoContext(ctx, "download completed",
				"path", path,
				"size", humanize.Bytes(uint64(written)),
				"elapsed", time.Since(start).Round(time.Millisecond).String())
			sess.Emit(DownloadEvent{Kind: EventCompleted, Path: path, Downloaded: written, Total: written})

			status = string(TaskCompleted)
		case IsCancelled(err), errors.Is(err, context.Canceled), sess.Control().Cancelled():
			logger.InfoContext(ctx, "download cancelled", "downloaded", humanize.Bytes(uint64(written)))
			sess.Emit(DownloadEvent{Kind: EventCancelled, Downloaded: written})

			status = string(TaskCancelled)
		default:
			classified := Classify(err)
			logger.ErrorContext(ctx, "download failed", "err", classified)
			sess.Emit(DownloadEvent{Kind: EventFailed, Err: classified, Downloaded: written})

			status = string(TaskFailed)
		}

		if n.states != nil {
			if derr := n.states.Delete(sess.ID()); derr != nil {
				logger.WarnContext(ctx, "failed to delete resume state", "err", derr)
			}
		}

		n.recordHistory(ctx, sess, req, status, path, written)

		return status, err
	})
}

func (n *Native) recordHistory(ctx context.Context, sess *Session, req Request, status, path string, written int64) {
	if n.history == nil {
		return
	}

	title := ""
	for _, t := range n.registry.Snapshots() {
		if t.ID == sess.ID() {
			title = t.Title

			break
		}
	}

	rec := &storage.HistoryRecord{
		RequestID:  sess.ID(),
		URL:        req.URL,
		Title:      title,
		OutputPath: path,
		Status:     status,
		Bytes:      written,
		CreatedAt:  time.Now(),
	}

	if err := n.history.Record(context.WithoutCancel(ctx), rec); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to record history", "err", err)
	}
}

// probeFailure marks resolution failures where the chosen stream URL was
// rejected, which a fresh session usually fixes.
type probeFailure struct {
	cause error
}

func (e *probeFailure) Error() string {
	return fmt.Sprintf("stream probe failed: %v", e.cause)
}

func (e *probeFailure) Unwrap() error {
	return e.cause
}

func (n *Native) pipeline(ctx context.Context, sess *Session, videoID string, req Request) (string, int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	if err := n.sem.Acquire(ctx, 1); err != nil {
		return "", 0, ErrCancelled
	}
	defer n.sem.Release(1)

	if sess.Control().Cancelled() {
		return "", 0, ErrCancelled
	}

	sess.Emit(DownloadEvent{Kind: EventStarted})

	info, sel, err := n.resolveStreams(ctx, videoID, req, false)

	var probe *probeFailure
	if errors.As(err, &probe) {
		logger.WarnContext(ctx, "stream probe rejected, retrying with a fresh session", "err", probe.cause)

		info, sel, err = n.resolveStreams(ctx, videoID, req, true)
		if errors.As(err, &probe) {
			// A rejection that survives a fresh session is the CDN
			// turning us away, not a transient transport fault.
			err = fmt.Errorf("%w: %v", ErrThrottled, probe.cause)
		}
	}

	if err != nil {
		return "", 0, err
	}

	title := info.Title
	fallback := "video_" + videoID

	if media.TitleLooksLikeURL(title) {
		title = fallback
	}

	fileName := media.SanitizeFileName(title, fallback)
	n.registry.SetTitle(sess.ID(), info.Title)

	if err := os.MkdirAll(req.OutputDir, dirPerm); err != nil {
		return "", 0, &StorageError{Op: "mkdir", Cause: err}
	}

	finalPath := filepath.Join(req.OutputDir, fileName+"."+req.Format.Ext())
	videoTmp := filepath.Join(req.OutputDir, sess.ID()+".video.part")
	audioTmp := filepath.Join(req.OutputDir, sess.ID()+".audio.part")

	if !req.Resume {
		os.Remove(videoTmp)
		os.Remove(audioTmp)

		if n.states != nil {
			_ = n.states.Delete(sess.ID())
		}
	}

	var expect *transfer.Validators

	if req.Resume && n.states != nil {
		if prior, err := n.states.Get(sess.ID()); err == nil && prior != nil && (prior.ETag != "" || prior.LastModified != "") {
			expect = &transfer.Validators{ETag: prior.ETag, LastModified: prior.LastModified}
		}
	}

	expectedTotal := selectionTotal(sel, req.Format)

	prog := newProgressSink(n, sess, req, fileName, expectedTotal)

	dl := transfer.NewDownloader(n.transport, sess.Control(), n.limiter, n.cfg.Transfer)

	var written int64

	switch {
	case req.Format.IsAudioOnly():
		res, err := n.downloadStream(ctx, dl, sel.Audio.URL, audioTmp, expect, n.refresher(sess.URL(), videoID, sel.Audio.Itag, true), prog.observe("audio", 0))
		if err != nil {
			return "", prog.downloaded(), err
		}

		written = res.DownloadedBytes
		prog.setValidators(res.ETag, res.LastModified)

		err = n.tel.InstrumentConversion(ctx, "convert", func(ctx context.Context) error {
			return n.converter.ConvertToMP3(ctx, audioTmp, finalPath)
		})
		if err != nil {
			return "", written, err
		}

		os.Remove(audioTmp)
	case sel.RequiresMuxing:
		videoRes, err := n.downloadStream(ctx, dl, sel.Video.URL, videoTmp, expect, n.refresher(sess.URL(), videoID, sel.Video.Itag, false), prog.observe("video", 0))
		if err != nil {
			return "", prog.downloaded(), err
		}

		prog.setValidators(videoRes.ETag, videoRes.LastModified)

		audioRes, err := n.downloadStream(ctx, dl, sel.Audio.URL, audioTmp, nil, n.refresher(sess.URL(), videoID, sel.Audio.Itag, true), prog.observe("audio", videoRes.DownloadedBytes))
		if err != nil {
			return "", prog.downloaded(), err
		}

		written = videoRes.DownloadedBytes + audioRes.DownloadedBytes

		err = n.tel.InstrumentConversion(ctx, "mux", func(ctx context.Context) error {
			return n.converter.Mux(ctx, videoTmp, audioTmp, finalPath)
		})
		if err != nil {
			return "", written, err
		}

		os.Remove(videoTmp)
		os.Remove(audioTmp)
	default:
		res, err := n.downloadStream(ctx, dl, sel.Video.URL, videoTmp, expect, n.refresher(sess.URL(), videoID, sel.Video.Itag, false), prog.observe("video", 0))
		if err != nil {
			return "", prog.downloaded(), err
		}

		written = res.DownloadedBytes
		prog.setValidators(res.ETag, res.LastModified)

		if err := os.Rename(videoTmp, finalPath); err != nil {
			return "", written, &StorageError{Op: "rename", Cause: err}
		}
	}

	return finalPath, written, nil
}

// downloadStream resumes dest from its current size. When the saved
// validators no longer match the remote entity the stale partial file is
// discarded and the stream restarts from zero.
func (n *Native) downloadStream(ctx context.Context, dl *transfer.Downloader, url, dest string, expect *transfer.Validators, refresh transfer.RefreshFunc, onProgress transfer.ProgressFunc) (*transfer.Result, error) {
	res, err := dl.Download(ctx, url, dest, fileSize(dest), expect, refresh, onProgress)
	if errors.Is(err, transfer.ErrValidatorMismatch) {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "remote entity changed, discarding partial file", "file", dest, "err", err)

		if rmErr := os.Remove(dest); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, &StorageError{Op: "remove", Cause: rmErr}
		}

		res, err = dl.Download(ctx, url, dest, 0, nil, refresh, onProgress)
	}

	return res, err
}

// resolveStreams fetches metadata, selects streams, and probes the chosen
// URLs. fresh forces a new platform session first.
func (n *Native) resolveStreams(ctx context.Context, videoID string, req Request, fresh bool) (*media.VideoInfo, media.SelectedStreams, error) {
	info, err := n.fetchInfo(ctx, req.URL, videoID, fresh)
	if err != nil {
		return nil, media.SelectedStreams{}, err
	}

	sel, ok := media.Select(info, req.Quality, req.Format)
	if !ok {
		return nil, media.SelectedStreams{}, ErrFormatNotAvailable
	}

	if err := n.probeSelection(ctx, sel); err != nil {
		return info, sel, &probeFailure{cause: err}
	}

	return info, sel, nil
}

// fetchInfo resolves metadata via the player API, falling back to watch-page
// extraction when the API fails for reasons other than playability.
func (n *Native) fetchInfo(ctx context.Context, rawURL, videoID string, fresh bool) (*media.VideoInfo, error) {
	session := n.sessionFor(ctx, rawURL, fresh)

	pr, err := n.client.FetchPlayerResponse(ctx, videoID, session)
	if err == nil {
		return innertube.ParsePlayerResponse(pr)
	}

	var playability *innertube.PlayabilityError
	if errors.As(err, &playability) {
		return nil, err
	}

	logctx.LoggerFromContext(ctx).WarnContext(ctx, "player api failed, falling back to watch page", "err", err)

	html, werr := n.client.WatchPage(ctx, rawURL)
	if werr != nil {
		return nil, err
	}

	info, perr := innertube.ParseWatchPage(html)
	if perr != nil {
		return nil, err
	}

	return info, nil
}

func (n *Native) sessionFor(ctx context.Context, rawURL string, fresh bool) *innertube.Session {
	n.mu.Lock()
	cached := n.cached
	n.mu.Unlock()

	if !fresh && cached != nil {
		return cached
	}

	session, err := n.client.EstablishSession(ctx, rawURL)
	if err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to establish session, proceeding without one", "err", err)

		return nil
	}

	if session != nil {
		n.mu.Lock()
		n.cached = session
		n.mu.Unlock()
	}

	return session
}

// probeSelection verifies the selected stream URLs are actually fetchable:
// a HEAD first, then a two-byte ranged GET for servers that reject HEAD.
func (n *Native) probeSelection(ctx context.Context, sel media.SelectedStreams) error {
	g, ctx := errgroup.WithContext(ctx)

	if sel.Video != nil {
		u := sel.Video.URL

		g.Go(func() error { return n.probeURL(ctx, u) })
	}

	if sel.Audio != nil {
		u := sel.Audio.URL

		g.Go(func() error { return n.probeURL(ctx, u) })
	}

	return g.Wait()
}

func (n *Native) probeURL(ctx context.Context, rawURL string) error {
	head, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	head.Header.Set("User-Agent", innertube.ClientUserAgent)

	if resp, err := n.httpClient.Do(head); err == nil {
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return nil
		}
	}

	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}

	get, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL+sep+"range=0-1", nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	get.Header.Set("User-Agent", innertube.ClientUserAgent)

	resp, err := n.httpClient.Do(get)
	if err != nil {
		return fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &transfer.StatusError{Status: resp.StatusCode}
	}

	return nil
}

// refresher re-resolves the CDN URL for one specific stream when the current
// grant runs out. The session cache is reused; a second attempt forces a new
// session.
func (n *Native) refresher(rawURL, videoID string, itag int, isAudio bool) transfer.RefreshFunc {
	kind := "video"
	if isAudio {
		kind = "audio"
	}

	return func(ctx context.Context) (string, error) {
		n.tel.RecordURLRefresh(kind)

		info, err := n.fetchInfo(ctx, rawURL, videoID, false)
		if err != nil {
			info, err = n.fetchInfo(ctx, rawURL, videoID, true)
			if err != nil {
				return "", err
			}
		}

		var freshURL string

		if isAudio {
			for _, s := range info.AudioStreams {
				if s.Itag == itag {
					freshURL = s.URL

					break
				}
			}
		} else {
			for _, s := range info.Streams {
				if s.Itag == itag {
					freshURL = s.URL

					break
				}
			}
		}

		if freshURL != "" {
			logctx.LoggerFromContext(ctx).DebugContext(ctx, "refreshed stream url",
				"kind", kind,
				"itag", itag,
				"cdn_client", innertube.CDNClient(freshURL),
			)
		}

		return freshURL, nil
	}
}

func selectionTotal(sel media.SelectedStreams, format media.OutputFormat) int64 {
	var total int64

	if format.IsAudioOnly() {
		if sel.Audio == nil || sel.Audio.ContentLength <= 0 {
			return 0
		}

		return sel.Audio.ContentLength
	}

	if sel.Video == nil || sel.Video.ContentLength <= 0 {
		return 0
	}

	total = sel.Video.ContentLength

	if sel.RequiresMuxing {
		if sel.Audio == nil || sel.Audio.ContentLength <= 0 {
			return 0
		}

		total += sel.Audio.ContentLength
	}

	return total
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}

	return fi.Size()
}

// progressSink throttles progress events and persists resume snapshots as
// bytes arrive.
type progressSink struct {
	engine   *Native
	sess     *Session
	req      Request
	fileName string
	total    int64

	mu           sync.Mutex
	meter        *transfer.SpeedMeter
	cumulative   int64
	lastEmit     time.Time
	lastSave     time.Time
	eTag         string
	lastModified string
}

func newProgressSink(engine *Native, sess *Session, req Request, fileName string, total int64) *progressSink {
	return &progressSink{
		engine:   engine,
		sess:     sess,
		req:      req,
		fileName: fileName,
		total:    total,
		meter:    transfer.NewSpeedMeter(),
	}
}

func (p *progressSink) downloaded() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cumulative
}

func (p *progressSink) setValidators(eTag, lastModified string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.eTag = eTag
	p.lastModified = lastModified
}

// observe builds the per-stream progress callback. base is the byte count of
// previously finished streams, so aggregate progress stays monotonic across
// the video-then-audio sequence.
func (p *progressSink) observe(kind string, base int64) transfer.ProgressFunc {
	return func(downloaded, total int64) {
		p.mu.Lock()

		cumulative := base + downloaded
		delta := cumulative - p.cumulative

		if delta < 0 {
			delta = 0
		}

		p.cumulative = cumulative

		overall := p.total
		if overall == 0 && total > 0 && base == 0 {
			overall = total
		}

		speed := p.meter.Update(cumulative)
		now := time.Now()

		emit := now.Sub(p.lastEmit) >= progressInterval
		if emit {
			p.lastEmit = now
		}

		save := now.Sub(p.lastSave) >= stateSaveInterval
		if save {
			p.lastSave = now
		}

		eTag, lastModified := p.eTag, p.lastModified

		p.mu.Unlock()

		p.engine.tel.AddBytesTransferred(kind, delta)

		if !emit {
			return
		}

		var eta time.Duration
		if overall > 0 && speed > 0 && overall > cumulative {
			eta = time.Duration((overall-cumulative)/speed) * time.Second
		}

		p.sess.Emit(DownloadEvent{
			Kind:       EventProgress,
			Downloaded: cumulative,
			Total:      overall,
			Speed:      speed,
			ETA:        eta,
		})

		if save && p.engine.states != nil {
			state := &statestore.State{
				ID:              p.sess.ID(),
				URL:             p.req.URL,
				OutputDir:       p.req.OutputDir,
				FileName:        p.fileName,
				OutputFormat:    p.req.Format,
				Quality:         p.req.Quality,
				DownloadedBytes: cumulative,
				TotalBytes:      overall,
				ETag:            eTag,
				LastModified:    lastModified,
				UpdatedAt:       time.Now(),
			}

			if err := p.engine.states.Save(state); err != nil {
				logctx.LoggerFromContext(p.sess.Context()).Warn("failed to save resume state", "err", err)
			}
		}
	}
}
