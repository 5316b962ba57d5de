package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/tubefetch/tubefetch/internal/engine"
	"github.com/tubefetch/tubefetch/internal/logctx"
	"github.com/tubefetch/tubefetch/internal/media"
	"github.com/tubefetch/tubefetch/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500

	sseHeartbeat = 15 * time.Second
)

type DownloadRequest struct {
	URL     string `json:"url"`
	Quality string `json:"quality,omitempty"`
	Format  string `json:"format,omitempty"`
	Resume  *bool  `json:"resume,omitempty"`
}

type DownloadAccepted struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// TaskView is a TaskSnapshot decorated with human-readable sizes for
// front-ends that render the list directly.
type TaskView struct {
	engine.TaskSnapshot
	DownloadedHuman string `json:"downloadedHuman"`
	TotalHuman      string `json:"totalHuman,omitempty"`
	SpeedHuman      string `json:"speedHuman,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// DownloadHandler exposes the engine over HTTP for front-ends.
type DownloadHandler struct {
	engine         engine.Engine
	history        storage.HistoryRepository
	defaultQuality media.QualityPreference
	defaultFormat  media.OutputFormat
}

func NewDownloadHandler(eng engine.Engine, history storage.HistoryRepository, defaultQuality media.QualityPreference, defaultFormat media.OutputFormat) *DownloadHandler {
	if defaultQuality == "" {
		defaultQuality = media.QualityBest
	}

	if defaultFormat == "" {
		defaultFormat = media.FormatMP4
	}

	return &DownloadHandler{
		engine:         eng,
		history:        history,
		defaultQuality: defaultQuality,
		defaultFormat:  defaultFormat,
	}
}

func (h *DownloadHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/downloads", h.HandleCreate)
	r.Get("/downloads", h.HandleList)
	r.Post("/downloads/{id}/pause", h.HandlePause)
	r.Post("/downloads/{id}/resume", h.HandleResume)
	r.Post("/downloads/{id}/cancel", h.HandleCancel)
	r.Get("/downloads/{id}/events", h.HandleEvents)
	r.Get("/videos/info", h.HandleInfo)
	r.Get("/history", h.HandleHistory)

	return r
}

// HandleCreate enqueues a new download and returns its request id.
func (h *DownloadHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")

		return
	}

	quality := h.defaultQuality
	if req.Quality != "" {
		parsed, ok := media.ParseQuality(req.Quality)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown quality %q", req.Quality))

			return
		}

		quality = parsed
	}

	format := h.defaultFormat
	if req.Format != "" {
		parsed, ok := media.ParseFormat(req.Format)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", req.Format))

			return
		}

		format = parsed
	}

	resume := true
	if req.Resume != nil {
		resume = *req.Resume
	}

	sess, err := h.engine.StartDownload(r.Context(), engine.Request{
		URL:     req.URL,
		Quality: quality,
		Format:  format,
		Resume:  resume,
	})
	if err != nil {
		logger.Error("failed to start download", "url", req.URL, "err", err)
		writeEngineError(w, err)

		return
	}

	logger.Info("download enqueued", "request_id", sess.ID(), "url", req.URL)

	writeJSON(w, http.StatusAccepted, DownloadAccepted{ID: sess.ID(), URL: sess.URL()})
}

// HandleList returns the current task list with humanized sizes.
func (h *DownloadHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	tasks := h.engine.Tasks()

	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, newTaskView(t))
	}

	writeJSON(w, http.StatusOK, views)
}

func (h *DownloadHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.engine.Session(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown download")

		return
	}

	sess.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.engine.Session(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown download")

		return
	}

	sess.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.engine.Session(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown download")

		return
	}

	sess.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

type sessionEvent struct {
	Kind       string `json:"kind"`
	RequestID  string `json:"requestId"`
	Downloaded int64  `json:"downloadedBytes"`
	Total      int64  `json:"totalBytes,omitempty"`
	Speed      int64  `json:"speedBps,omitempty"`
	ETASeconds int64  `json:"etaSeconds,omitempty"`
	Path       string `json:"path,omitempty"`
	Error      string `json:"error,omitempty"`
}

// HandleEvents streams the session's download events over SSE until the
// download reaches a terminal state or the client goes away.
func (h *DownloadHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.engine.Session(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown download")

		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")

		return
	}

	// Long downloads outlive the server's write timeout; lift the
	// per-request deadline so the stream is not cut mid-download. Writers
	// without deadline support still stream, they just keep the server's
	// timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")

		return
	}

	events, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}

			payload := sessionEvent{
				Kind:       ev.Kind.String(),
				RequestID:  ev.RequestID,
				Downloaded: ev.Downloaded,
				Total:      ev.Total,
				Speed:      ev.Speed,
				ETASeconds: int64(ev.ETA / time.Second),
				Path:       ev.Path,
			}
			if ev.Err != nil {
				payload.Error = ev.Err.Error()
			}

			data, err := json.Marshal(payload)
			if err != nil {
				continue
			}

			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", payload.Kind, data)
			flusher.Flush()
		}
	}
}

type videoInfoView struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Author       string            `json:"author,omitempty"`
	Duration     int64             `json:"durationSeconds,omitempty"`
	ThumbnailURL string            `json:"thumbnailUrl,omitempty"`
	Streams      []streamView      `json:"streams"`
	AudioStreams []audioStreamView `json:"audioStreams"`
}

type streamView struct {
	Itag     int    `json:"itag"`
	MimeType string `json:"mimeType"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FPS      int    `json:"fps,omitempty"`
	Bitrate  int64  `json:"bitrate,omitempty"`
	Size     int64  `json:"sizeBytes,omitempty"`
	HasAudio bool   `json:"hasAudio"`
}

type audioStreamView struct {
	Itag     int    `json:"itag"`
	MimeType string `json:"mimeType"`
	Bitrate  int64  `json:"bitrate,omitempty"`
	Size     int64  `json:"sizeBytes,omitempty"`
}

// HandleInfo resolves and returns video metadata without downloading.
func (h *DownloadHandler) HandleInfo(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")

		return
	}

	info, err := h.engine.FetchVideoInfo(r.Context(), url)
	if err != nil {
		logger.Error("failed to fetch video info", "url", url, "err", err)
		writeEngineError(w, err)

		return
	}

	view := videoInfoView{
		ID:           info.ID,
		Title:        info.Title,
		Author:       info.Author,
		Duration:     info.Duration,
		ThumbnailURL: info.ThumbnailURL,
		Streams:      make([]streamView, 0, len(info.Streams)),
		AudioStreams: make([]audioStreamView, 0, len(info.AudioStreams)),
	}

	for _, s := range info.Streams {
		view.Streams = append(view.Streams, streamView{
			Itag:     s.Itag,
			MimeType: s.MimeType,
			Width:    s.Width,
			Height:   s.Height,
			FPS:      s.FPS,
			Bitrate:  s.Bitrate,
			Size:     s.ContentLength,
			HasAudio: s.HasAudio,
		})
	}

	for _, a := range info.AudioStreams {
		view.AudioStreams = append(view.AudioStreams, audioStreamView{
			Itag:     a.Itag,
			MimeType: a.MimeType,
			Bitrate:  a.Bitrate,
			Size:     a.ContentLength,
		})
	}

	writeJSON(w, http.StatusOK, view)
}

// HandleHistory lists finished downloads, newest first.
func (h *DownloadHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")

			return
		}

		limit = min(parsed, maxHistoryLimit)
	}

	records, err := h.history.List(r.Context(), limit)
	if err != nil {
		logger.Error("failed to list history", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list history")

		return
	}

	if records == nil {
		records = []storage.HistoryRecord{}
	}

	writeJSON(w, http.StatusOK, records)
}

func newTaskView(t engine.TaskSnapshot) TaskView {
	view := TaskView{
		TaskSnapshot:    t,
		DownloadedHuman: humanize.IBytes(uint64(t.Downloaded)),
	}

	if t.Total > 0 {
		view.TotalHuman = humanize.IBytes(uint64(t.Total))
	}

	if t.Speed > 0 {
		view.SpeedHuman = humanize.IBytes(uint64(t.Speed)) + "/s"
	}

	return view
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	var (
		netErr     *engine.NetworkError
		storageErr *engine.StorageError
	)

	switch {
	case errors.Is(err, engine.ErrInvalidURL):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrFormatNotAvailable):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, engine.ErrVideoUnavailable):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrPlaylistPrivate):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrThrottled):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &netErr):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.As(err, &storageErr):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
