// Package innertube talks to the platform's private player API. The API is
// versioned per client identity; this package emulates the ANDROID_VR client
// (an officially issued Oculus build), whose stream URLs require neither
// signature deciphering nor proof-of-origin tokens.
package innertube

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/tubefetch/tubefetch/internal/logctx"
)

const (
	// DefaultBaseURL is the canonical site root, overridable for tests.
	DefaultBaseURL = "https://www.youtube.com"

	playerPath = "/youtubei/v1/player"

	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

	// ClientUserAgent identifies the emulated ANDROID_VR client on both the
	// player API and the CDN.
	ClientUserAgent = "com.google.android.apps.youtube.vr.oculus/1.71.26 " +
		"(Linux; U; Android 12L; eureka-user Build/SQ3A.220605.009.A1) gzip"

	clientName    = "ANDROID_VR"
	clientVersion = "1.71.26"
	clientNameID  = "28"

	consentCookies = "CONSENT=YES+1; SOCS=CAI"
)

var (
	visitorDataRE = regexp.MustCompile(`"VISITOR_DATA"\s*:\s*"([^"]+)"`)

	videoIDPatterns = []*regexp.Regexp{
		regexp.MustCompile(`[?&]v=([a-zA-Z0-9_-]{11})`),
		regexp.MustCompile(`youtu\.be/([a-zA-Z0-9_-]{11})`),
		regexp.MustCompile(`/embed/([a-zA-Z0-9_-]{11})`),
		regexp.MustCompile(`/shorts/([a-zA-Z0-9_-]{11})`),
		regexp.MustCompile(`/v/([a-zA-Z0-9_-]{11})`),
		regexp.MustCompile(`^([a-zA-Z0-9_-]{11})$`),
	}

	cdnClientRE = regexp.MustCompile(`[?&]c=([A-Z_]+)`)
)

// ExtractVideoID pulls the 11-character video id out of any of the URL shapes
// the platform uses, or accepts a bare id.
func ExtractVideoID(url string) (string, bool) {
	for _, p := range videoIDPatterns {
		if m := p.FindStringSubmatch(url); m != nil {
			return m[1], true
		}
	}

	return "", false
}

// CDNClient extracts the c= client marker from a signed CDN URL; used for
// logging which routing path a grant belongs to.
func CDNClient(url string) string {
	if m := cdnClientRE.FindStringSubmatch(url); m != nil {
		return m[1]
	}

	return ""
}

// Session is the per-visit state harvested from the watch page. The player
// API degrades without it but does not strictly require it.
type Session struct {
	VisitorData string
	Cookies     string
}

// Client issues watch-page and player API requests.
type Client struct {
	BaseURL string

	httpClient *http.Client
}

func NewClient(httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{BaseURL: baseURL, httpClient: httpClient}
}

// EstablishSession fetches the watch page with a desktop browser identity and
// extracts the visitor token plus any cookies the server set. A page that
// carries no token yields (nil, nil): callers proceed without a session,
// accepting a lower success probability.
func (c *Client) EstablishSession(ctx context.Context, videoURL string) (*Session, error) {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, videoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build watch page request: %w", err)
	}

	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Cookie", consentCookies)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch watch page: %w", err)
	}
	defer resp.Body.Close()

	html, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read watch page: %w", err)
	}

	m := visitorDataRE.FindSubmatch(html)
	if m == nil {
		logger.DebugContext(ctx, "no visitor token on watch page, proceeding without session")

		return nil, nil
	}

	cookies := []string{consentCookies}

	for _, raw := range resp.Header.Values("Set-Cookie") {
		pair := strings.TrimSpace(strings.SplitN(raw, ";", 2)[0])
		if strings.Contains(pair, "=") {
			cookies = append(cookies, pair)
		}
	}

	session := &Session{
		VisitorData: string(m[1]),
		Cookies:     strings.Join(cookies, "; "),
	}

	logger.DebugContext(ctx, "session established", "visitor_data_len", len(session.VisitorData))

	return session, nil
}

// WatchPage fetches the raw watch page HTML, used as a metadata fallback when
// the player API yields nothing usable.
func (c *Client) WatchPage(ctx context.Context, videoURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, videoURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build watch page request: %w", err)
	}

	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Cookie", consentCookies)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch watch page: %w", err)
	}
	defer resp.Body.Close()

	html, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read watch page: %w", err)
	}

	return string(html), nil
}

type playerRequest struct {
	VideoID         string          `json:"videoId"`
	Context         requestContext  `json:"context"`
	PlaybackContext playbackContext `json:"playbackContext"`
	ContentCheckOk  bool            `json:"contentCheckOk"`
	RacyCheckOk     bool            `json:"racyCheckOk"`
}

type requestContext struct {
	Client clientContext `json:"client"`
}

type clientContext struct {
	ClientName        string `json:"clientName"`
	ClientVersion     string `json:"clientVersion"`
	DeviceMake        string `json:"deviceMake"`
	DeviceModel       string `json:"deviceModel"`
	AndroidSDKVersion int    `json:"androidSdkVersion"`
	UserAgent         string `json:"userAgent"`
	OSName            string `json:"osName"`
	OSVersion         string `json:"osVersion"`
	HL                string `json:"hl"`
	TimeZone          string `json:"timeZone"`
	UTCOffsetMinutes  int    `json:"utcOffsetMinutes"`
}

type playbackContext struct {
	ContentPlaybackContext contentPlaybackContext `json:"contentPlaybackContext"`
}

type contentPlaybackContext struct {
	HTML5Preference string `json:"html5Preference"`
}

// PlayabilityError is returned when the API answered but declared the video
// unusable, regardless of HTTP status.
type PlayabilityError struct {
	Status string
	Reason string
}

func (e *PlayabilityError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("video not playable: %s (%s)", e.Status, e.Reason)
	}

	return fmt.Sprintf("video not playable: %s", e.Status)
}

// FetchPlayerResponse calls the private player endpoint with the ANDROID_VR
// client identity, forwarding the session's visitor token and cookies when
// present. No per-request signing is needed for this client.
func (c *Client) FetchPlayerResponse(ctx context.Context, videoID string, session *Session) (*PlayerResponse, error) {
	logger := logctx.LoggerFromContext(ctx)

	body := playerRequest{
		VideoID: videoID,
		Context: requestContext{
			Client: clientContext{
				ClientName:        clientName,
				ClientVersion:     clientVersion,
				DeviceMake:        "Oculus",
				DeviceModel:       "Quest 3",
				AndroidSDKVersion: 32,
				UserAgent:         ClientUserAgent,
				OSName:            "Android",
				OSVersion:         "12L",
				HL:                "en",
				TimeZone:          "UTC",
				UTCOffsetMinutes:  0,
			},
		},
		PlaybackContext: playbackContext{
			ContentPlaybackContext: contentPlaybackContext{HTML5Preference: "HTML5_PREF_WANTS"},
		},
		ContentCheckOk: true,
		RacyCheckOk:    true,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode player request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+playerPath+"?prettyPrint=false", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build player request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", ClientUserAgent)
	req.Header.Set("X-YouTube-Client-Name", clientNameID)
	req.Header.Set("X-YouTube-Client-Version", clientVersion)
	req.Header.Set("Origin", DefaultBaseURL)

	if session != nil {
		req.Header.Set("X-Goog-Visitor-Id", session.VisitorData)
		req.Header.Set("Cookie", session.Cookies)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("player request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("player endpoint returned HTTP %d", resp.StatusCode)
	}

	var pr PlayerResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("failed to decode player response: %w", err)
	}

	if pr.PlayabilityStatus.Status != "OK" {
		return nil, &PlayabilityError{
			Status: pr.PlayabilityStatus.Status,
			Reason: pr.PlayabilityStatus.Reason,
		}
	}

	total := len(pr.StreamingData.Formats) + len(pr.StreamingData.AdaptiveFormats)
	if total == 0 {
		return nil, ErrNoUsableStreams
	}

	logger.DebugContext(ctx, "player response received",
		"video_id", videoID,
		"formats", len(pr.StreamingData.Formats),
		"adaptive_formats", len(pr.StreamingData.AdaptiveFormats),
	)

	return &pr, nil
}
