package innertube_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tubefetch/tubefetch/internal/innertube"
)

func TestEstablishSession(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "Mozilla/5.0")
		assert.Contains(t, r.Header.Get("Cookie"), "CONSENT=YES+1")

		w.Header().Add("Set-Cookie", "YSC=abc123; Path=/; HttpOnly")
		w.Header().Add("Set-Cookie", "VISITOR_INFO1_LIVE=xyz; Path=/")
		fmt.Fprint(w, `<html>"VISITOR_DATA":"CgtVbml0VGVzdERhdGE%3D"</html>`)
	}))
	defer ts.Close()

	client := innertube.NewClient(ts.Client(), ts.URL)

	session, err := client.EstablishSession(context.Background(), ts.URL+"/watch?v=dQw4w9WgXcQ")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "CgtVbml0VGVzdERhdGE%3D", session.VisitorData)
	assert.Contains(t, session.Cookies, "CONSENT=YES+1")
	assert.Contains(t, session.Cookies, "YSC=abc123")
	assert.Contains(t, session.Cookies, "VISITOR_INFO1_LIVE=xyz")
}

func TestEstablishSession_NoVisitorToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>no token here</html>`)
	}))
	defer ts.Close()

	client := innertube.NewClient(ts.Client(), ts.URL)

	session, err := client.EstablishSession(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestFetchPlayerResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/youtubei/v1/player", r.URL.Path)
		assert.Equal(t, "false", r.URL.Query().Get("prettyPrint"))
		assert.Equal(t, "28", r.Header.Get("X-YouTube-Client-Name"))
		assert.Equal(t, "1.71.26", r.Header.Get("X-YouTube-Client-Version"))
		assert.Equal(t, "visitor-token", r.Header.Get("X-Goog-Visitor-Id"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "dQw4w9WgXcQ", body["videoId"])

		client := body["context"].(map[string]any)["client"].(map[string]any)
		assert.Equal(t, "ANDROID_VR", client["clientName"])

		fmt.Fprint(w, `{
			"playabilityStatus": {"status": "OK"},
			"videoDetails": {"videoId": "dQw4w9WgXcQ", "title": "ok"},
			"streamingData": {"formats": [
				{"itag": 22, "mimeType": "video/mp4; codecs=\"avc1, mp4a.40.2\"",
				 "width": 1280, "height": 720, "bitrate": 1, "url": "https://cdn.example/a"}
			]}
		}`)
	}))
	defer ts.Close()

	client := innertube.NewClient(ts.Client(), ts.URL)
	session := &innertube.Session{VisitorData: "visitor-token", Cookies: "CONSENT=YES+1"}

	pr, err := client.FetchPlayerResponse(context.Background(), "dQw4w9WgXcQ", session)
	require.NoError(t, err)
	assert.Equal(t, "OK", pr.PlayabilityStatus.Status)
	assert.Len(t, pr.StreamingData.Formats, 1)
}

func TestFetchPlayerResponse_NotPlayable(t *testing.T) {
	tests := []struct {
		name   string
		status string
		reason string
	}{
		{"login required", "LOGIN_REQUIRED", "Sign in to confirm your age"},
		{"error", "ERROR", "Video unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintf(w, `{"playabilityStatus": {"status": %q, "reason": %q}}`, tt.status, tt.reason)
			}))
			defer ts.Close()

			client := innertube.NewClient(ts.Client(), ts.URL)

			_, err := client.FetchPlayerResponse(context.Background(), "dQw4w9WgXcQ", nil)
			require.Error(t, err)

			var pErr *innertube.PlayabilityError
			require.ErrorAs(t, err, &pErr)
			assert.Equal(t, tt.status, pErr.Status)
			assert.Equal(t, tt.reason, pErr.Reason)
		})
	}
}

func TestFetchPlayerResponse_HTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	client := innertube.NewClient(ts.Client(), ts.URL)

	_, err := client.FetchPlayerResponse(context.Background(), "dQw4w9WgXcQ", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestFetchPlayerResponse_NoFormats(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"playabilityStatus": {"status": "OK"}, "streamingData": {}}`)
	}))
	defer ts.Close()

	client := innertube.NewClient(ts.Client(), ts.URL)

	_, err := client.FetchPlayerResponse(context.Background(), "dQw4w9WgXcQ", nil)
	assert.ErrorIs(t, err, innertube.ErrNoUsableStreams)
}
