package rest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tubefetch/tubefetch/internal/engine"
	"github.com/tubefetch/tubefetch/internal/media"
	"github.com/tubefetch/tubefetch/internal/storage"
)

// stubEngine implements engine.Engine for handler tests.
type stubEngine struct {
	sessions map[string]*engine.Session
	startErr error
	lastReq  engine.Request
	started  int
	info     *media.VideoInfo
	infoErr  error
	tasks    []engine.TaskSnapshot
}

func newStubEngine() *stubEngine {
	return &stubEngine{sessions: make(map[string]*engine.Session)}
}

func (s *stubEngine) FetchVideoInfo(ctx context.Context, url string) (*media.VideoInfo, error) {
	if s.infoErr != nil {
		return nil, s.infoErr
	}

	return s.info, nil
}

func (s *stubEngine) StartDownload(ctx context.Context, req engine.Request) (*engine.Session, error) {
	s.started++
	s.lastReq = req

	if s.startErr != nil {
		return nil, s.startErr
	}

	id := fmt.Sprintf("req-%d", s.started)
	sess := engine.NewSession(context.Background(), id, req.URL)
	s.sessions[id] = sess

	return sess, nil
}

func (s *stubEngine) Session(id string) (*engine.Session, bool) {
	sess, ok := s.sessions[id]

	return sess, ok
}

func (s *stubEngine) Tasks() []engine.TaskSnapshot { return s.tasks }

func (s *stubEngine) SubscribeTasks() (<-chan []engine.TaskSnapshot, func()) {
	ch := make(chan []engine.TaskSnapshot)
	close(ch)

	return ch, func() {}
}

type stubHistory struct {
	records []storage.HistoryRecord
	listErr error
}

func (s *stubHistory) Record(ctx context.Context, rec *storage.HistoryRecord) error {
	s.records = append(s.records, *rec)

	return nil
}

func (s *stubHistory) List(ctx context.Context, limit int) ([]storage.HistoryRecord, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}

	if limit < len(s.records) {
		return s.records[:limit], nil
	}

	return s.records, nil
}

func newTestHandler(eng engine.Engine, history storage.HistoryRepository) http.Handler {
	return NewDownloadHandler(eng, history, media.QualityBest, media.FormatMP4).Routes()
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	return rec
}

func TestHandleCreate(t *testing.T) {
	t.Run("accepts a valid request with defaults", func(t *testing.T) {
		eng := newStubEngine()
		handler := newTestHandler(eng, &stubHistory{})

		rec := doJSON(t, handler, http.MethodPost, "/downloads", DownloadRequest{URL: "https://youtu.be/AAAAAAAAAAA"})
		require.Equal(t, http.StatusAccepted, rec.Code)

		var resp DownloadAccepted
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "req-1", resp.ID)
		assert.Equal(t, "https://youtu.be/AAAAAAAAAAA", resp.URL)

		assert.Equal(t, media.QualityBest, eng.lastReq.Quality)
		assert.Equal(t, media.FormatMP4, eng.lastReq.Format)
		assert.True(t, eng.lastReq.Resume)
	})

	t.Run("honors explicit quality, format and resume", func(t *testing.T) {
		eng := newStubEngine()
		handler := newTestHandler(eng, &stubHistory{})

		resume := false
		rec := doJSON(t, handler, http.MethodPost, "/downloads", DownloadRequest{
			URL:     "https://youtu.be/AAAAAAAAAAA",
			Quality: "720p",
			Format:  "mp3",
			Resume:  &resume,
		})
		require.Equal(t, http.StatusAccepted, rec.Code)

		assert.Equal(t, media.QualityHD720, eng.lastReq.Quality)
		assert.Equal(t, media.FormatMP3, eng.lastReq.Format)
		assert.False(t, eng.lastReq.Resume)
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		handler := newTestHandler(newStubEngine(), &stubHistory{})

		req := httptest.NewRequest(http.MethodPost, "/downloads", strings.NewReader("{not json"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects missing url", func(t *testing.T) {
		handler := newTestHandler(newStubEngine(), &stubHistory{})

		rec := doJSON(t, handler, http.MethodPost, "/downloads", DownloadRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects unknown quality", func(t *testing.T) {
		eng := newStubEngine()
		handler := newTestHandler(eng, &stubHistory{})

		rec := doJSON(t, handler, http.MethodPost, "/downloads", DownloadRequest{URL: "https://youtu.be/AAAAAAAAAAA", Quality: "2160p"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Zero(t, eng.started)
	})

	t.Run("rejects unknown format", func(t *testing.T) {
		handler := newTestHandler(newStubEngine(), &stubHistory{})

		rec := doJSON(t, handler, http.MethodPost, "/downloads", DownloadRequest{URL: "https://youtu.be/AAAAAAAAAAA", Format: "avi"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestEngineErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "invalid url", err: engine.ErrInvalidURL, wantCode: http.StatusBadRequest},
		{name: "format not available", err: engine.ErrFormatNotAvailable, wantCode: http.StatusUnprocessableEntity},
		{name: "video unavailable", err: engine.ErrVideoUnavailable, wantCode: http.StatusNotFound},
		{name: "private video", err: engine.ErrPlaylistPrivate, wantCode: http.StatusForbidden},
		{name: "throttled", err: engine.ErrThrottled, wantCode: http.StatusTooManyRequests},
		{name: "network failure", err: &engine.NetworkError{Cause: fmt.Errorf("connection reset")}, wantCode: http.StatusBadGateway},
		{name: "unknown failure", err: fmt.Errorf("boom"), wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newStubEngine()
			eng.startErr = tt.err
			handler := newTestHandler(eng, &stubHistory{})

			rec := doJSON(t, handler, http.MethodPost, "/downloads", DownloadRequest{URL: "https://youtu.be/AAAAAAAAAAA"})
			require.Equal(t, tt.wantCode, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestHandleList(t *testing.T) {
	eng := newStubEngine()
	eng.tasks = []engine.TaskSnapshot{
		{
			ID:         "req-1",
			URL:        "https://youtu.be/AAAAAAAAAAA",
			Title:      "First Video",
			Status:     engine.TaskDownloading,
			Downloaded: 1 << 20,
			Total:      10 << 20,
			Speed:      2 << 20,
		},
		{ID: "req-2", URL: "https://youtu.be/BBBBBBBBBBB", Status: engine.TaskQueued},
	}

	handler := newTestHandler(eng, &stubHistory{})

	rec := doJSON(t, handler, http.MethodGet, "/downloads", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var views []TaskView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&views))
	require.Len(t, views, 2)

	assert.Equal(t, "1.0 MiB", views[0].DownloadedHuman)
	assert.Equal(t, "10 MiB", views[0].TotalHuman)
	assert.Equal(t, "2.0 MiB/s", views[0].SpeedHuman)
	assert.Empty(t, views[1].TotalHuman)
}

func TestLifecycleControls(t *testing.T) {
	t.Run("unknown id yields 404", func(t *testing.T) {
		handler := newTestHandler(newStubEngine(), &stubHistory{})

		for _, action := range []string{"pause", "resume", "cancel"} {
			rec := doJSON(t, handler, http.MethodPost, "/downloads/nope/"+action, nil)
			assert.Equal(t, http.StatusNotFound, rec.Code, action)
		}
	})

	t.Run("cancel flips the session control", func(t *testing.T) {
		eng := newStubEngine()
		handler := newTestHandler(eng, &stubHistory{})

		rec := doJSON(t, handler, http.MethodPost, "/downloads", DownloadRequest{URL: "https://youtu.be/AAAAAAAAAAA"})
		require.Equal(t, http.StatusAccepted, rec.Code)

		rec = doJSON(t, handler, http.MethodPost, "/downloads/req-1/cancel", nil)
		require.Equal(t, http.StatusNoContent, rec.Code)

		sess, ok := eng.Session("req-1")
		require.True(t, ok)
		assert.True(t, sess.Control().Cancelled())
	})

	t.Run("pause and resume return no content", func(t *testing.T) {
		eng := newStubEngine()
		handler := newTestHandler(eng, &stubHistory{})

		doJSON(t, handler, http.MethodPost, "/downloads", DownloadRequest{URL: "https://youtu.be/AAAAAAAAAAA"})

		rec := doJSON(t, handler, http.MethodPost, "/downloads/req-1/pause", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = doJSON(t, handler, http.MethodPost, "/downloads/req-1/resume", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestHandleEvents(t *testing.T) {
	eng := newStubEngine()
	handler := newTestHandler(eng, &stubHistory{})

	doJSON(t, handler, http.MethodPost, "/downloads", DownloadRequest{URL: "https://youtu.be/AAAAAAAAAAA"})

	sess, ok := eng.Session("req-1")
	require.True(t, ok)

	// Drive the session to a terminal state; the SSE stream then replays the
	// terminal event and ends.
	sess.Emit(engine.DownloadEvent{Kind: engine.EventStarted})
	sess.Emit(engine.DownloadEvent{Kind: engine.EventProgress, Downloaded: 512, Total: 1024, Speed: 256, ETA: 2 * time.Second})
	sess.Emit(engine.DownloadEvent{Kind: engine.EventCompleted, Path: "/downloads/video.mp4", Downloaded: 1024, Total: 1024})

	rec := doJSON(t, handler, http.MethodGet, "/downloads/req-1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: completed")
	assert.Contains(t, body, `"path":"/downloads/video.mp4"`)
	assert.Contains(t, body, `"requestId":"req-1"`)

	t.Run("unknown id yields 404", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/downloads/nope/events", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleEventsOutlivesWriteTimeout(t *testing.T) {
	eng := newStubEngine()
	handler := newTestHandler(eng, &stubHistory{})

	doJSON(t, handler, http.MethodPost, "/downloads", DownloadRequest{URL: "https://youtu.be/AAAAAAAAAAA"})

	sess, ok := eng.Session("req-1")
	require.True(t, ok)
	sess.Emit(engine.DownloadEvent{Kind: engine.EventStarted})

	// A write timeout far shorter than the download; the stream must
	// survive it.
	ts := httptest.NewUnstartedServer(handler)
	ts.Config.WriteTimeout = 200 * time.Millisecond
	ts.Start()
	defer ts.Close()

	client := ts.Client()
	client.Timeout = 10 * time.Second

	resp, err := client.Get(ts.URL + "/downloads/req-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	time.Sleep(500 * time.Millisecond)
	sess.Emit(engine.DownloadEvent{Kind: engine.EventCompleted, Path: "/downloads/video.mp4", Downloaded: 1024, Total: 1024})

	var sawCompleted bool

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if strings.Contains(line, "event: completed") {
			sawCompleted = true

			break
		}

		if err != nil {
			break
		}
	}

	assert.True(t, sawCompleted, "terminal event must arrive after the write timeout has elapsed")
}

func TestHandleInfo(t *testing.T) {
	t.Run("returns the stream catalog", func(t *testing.T) {
		eng := newStubEngine()
		eng.info = &media.VideoInfo{
			ID:       "AAAAAAAAAAA",
			Title:    "My Video",
			Author:   "Channel",
			Duration: 120,
			Streams: []media.StreamInfo{
				{Itag: 22, MimeType: "video/mp4", Width: 1280, Height: 720, HasAudio: true, ContentLength: 1000},
			},
			AudioStreams: []media.AudioStreamInfo{
				{Itag: 140, MimeType: "audio/mp4", Bitrate: 128000},
			},
		}

		handler := newTestHandler(eng, &stubHistory{})

		rec := doJSON(t, handler, http.MethodGet, "/videos/info?url=https%3A%2F%2Fyoutu.be%2FAAAAAAAAAAA", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var view videoInfoView
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
		assert.Equal(t, "My Video", view.Title)
		require.Len(t, view.Streams, 1)
		assert.Equal(t, 720, view.Streams[0].Height)
		assert.True(t, view.Streams[0].HasAudio)
		require.Len(t, view.AudioStreams, 1)
		assert.Equal(t, 140, view.AudioStreams[0].Itag)
	})

	t.Run("requires a url parameter", func(t *testing.T) {
		handler := newTestHandler(newStubEngine(), &stubHistory{})

		rec := doJSON(t, handler, http.MethodGet, "/videos/info", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("maps unavailable videos to 404", func(t *testing.T) {
		eng := newStubEngine()
		eng.infoErr = engine.ErrVideoUnavailable

		handler := newTestHandler(eng, &stubHistory{})

		rec := doJSON(t, handler, http.MethodGet, "/videos/info?url=https%3A%2F%2Fyoutu.be%2FAAAAAAAAAAA", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleHistory(t *testing.T) {
	t.Run("lists records", func(t *testing.T) {
		history := &stubHistory{records: []storage.HistoryRecord{
			{RequestID: "req-1", URL: "https://youtu.be/AAAAAAAAAAA", Title: "Done", Status: "completed", Bytes: 1024},
		}}

		handler := newTestHandler(newStubEngine(), history)

		rec := doJSON(t, handler, http.MethodGet, "/history", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var records []storage.HistoryRecord
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&records))
		require.Len(t, records, 1)
		assert.Equal(t, "req-1", records[0].RequestID)
	})

	t.Run("honors the limit parameter", func(t *testing.T) {
		history := &stubHistory{records: []storage.HistoryRecord{
			{RequestID: "req-1"}, {RequestID: "req-2"}, {RequestID: "req-3"},
		}}

		handler := newTestHandler(newStubEngine(), history)

		rec := doJSON(t, handler, http.MethodGet, "/history?limit=2", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var records []storage.HistoryRecord
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&records))
		assert.Len(t, records, 2)
	})

	t.Run("rejects a bogus limit", func(t *testing.T) {
		handler := newTestHandler(newStubEngine(), &stubHistory{})

		rec := doJSON(t, handler, http.MethodGet, "/history?limit=nope", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("empty history yields an empty array", func(t *testing.T) {
		handler := newTestHandler(newStubEngine(), &stubHistory{})

		rec := doJSON(t, handler, http.MethodGet, "/history", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "[]\n", rec.Body.String())
	})
}
