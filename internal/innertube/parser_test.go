package innertube

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePlayerResponse = `{
	"playabilityStatus": {"status": "OK"},
	"videoDetails": {
		"videoId": "dQw4w9WgXcQ",
		"title": "Test Video",
		"author": "Test Author",
		"lengthSeconds": "212",
		"thumbnail": {"thumbnails": [
			{"url": "https://i.example/small.jpg"},
			{"url": "https://i.example/large.jpg"}
		]}
	},
	"streamingData": {
		"formats": [
			{
				"itag": 22,
				"mimeType": "video/mp4; codecs=\"avc1.64001F, mp4a.40.2\"",
				"bitrate": 1500000,
				"width": 1280,
				"height": 720,
				"fps": 30,
				"contentLength": "52428800",
				"url": "https://cdn.example/progressive?c=ANDROID_VR&clen=52428800"
			}
		],
		"adaptiveFormats": [
			{
				"itag": 137,
				"mimeType": "video/mp4; codecs=\"avc1.640028\"",
				"bitrate": 4500000,
				"width": 1920,
				"height": 1080,
				"fps": 30,
				"contentLength": "104857600",
				"url": "https://cdn.example/video-only"
			},
			{
				"itag": 140,
				"mimeType": "audio/mp4; codecs=\"mp4a.40.2\"",
				"bitrate": 128000,
				"contentLength": "3145728",
				"url": "https://cdn.example/audio"
			},
			{
				"itag": 18,
				"mimeType": "video/mp4; codecs=\"avc1.42001E, mp4a.40.2\"",
				"bitrate": 500000,
				"url": "https://cdn.example/no-dimensions"
			},
			{
				"itag": 248,
				"mimeType": "video/webm; codecs=\"vp9\"",
				"bitrate": 3000000,
				"width": 1920,
				"height": 1080,
				"signatureCipher": "s=abcdef&sp=sig&url=https%3A%2F%2Fcdn.example%2Fciphered"
			},
			{
				"itag": 999,
				"mimeType": "text/vtt",
				"bitrate": 1000,
				"url": "https://cdn.example/captions"
			}
		]
	}
}`

func TestParsePlayerResponse(t *testing.T) {
	var pr PlayerResponse
	require.NoError(t, json.Unmarshal([]byte(samplePlayerResponse), &pr))

	info, err := ParsePlayerResponse(&pr)
	require.NoError(t, err)

	assert.Equal(t, "dQw4w9WgXcQ", info.ID)
	assert.Equal(t, "Test Video", info.Title)
	assert.Equal(t, "Test Author", info.Author)
	assert.Equal(t, int64(212), info.Duration)
	assert.Equal(t, "https://i.example/large.jpg", info.ThumbnailURL)

	// Entry without dimensions and the ciphered entry are dropped; the
	// caption track is ignored by MIME prefix.
	require.Len(t, info.Streams, 2)
	require.Len(t, info.AudioStreams, 1)

	progressive := info.Streams[0]
	assert.Equal(t, 22, progressive.Itag)
	assert.True(t, progressive.HasAudio)
	assert.Equal(t, "avc1.64001F, mp4a.40.2", progressive.Codecs)
	assert.Equal(t, int64(52428800), progressive.ContentLength)

	videoOnly := info.Streams[1]
	assert.Equal(t, 137, videoOnly.Itag)
	assert.False(t, videoOnly.HasAudio)
	assert.Equal(t, 1080, videoOnly.Height)

	audio := info.AudioStreams[0]
	assert.Equal(t, 140, audio.Itag)
	assert.Equal(t, int64(128000), audio.Bitrate)
}

func TestParsePlayerResponse_NoUsableStreams(t *testing.T) {
	var pr PlayerResponse
	require.NoError(t, json.Unmarshal([]byte(`{
		"videoDetails": {"videoId": "abc", "title": "t"},
		"streamingData": {"adaptiveFormats": [
			{"itag": 248, "mimeType": "video/webm; codecs=\"vp9\"", "width": 1920, "height": 1080,
			 "signatureCipher": "s=xyz&url=https%3A%2F%2Fcdn.example%2Fciphered"}
		]}
	}`), &pr))

	_, err := ParsePlayerResponse(&pr)
	assert.ErrorIs(t, err, ErrNoUsableStreams)
}

func TestParseWatchPage(t *testing.T) {
	html := `<html><script>var ytInitialPlayerResponse = ` + samplePlayerResponse +
		`;</script><body>{"decoy": 1}</body></html>`

	info, err := ParseWatchPage(html)
	require.NoError(t, err)
	assert.Equal(t, "dQw4w9WgXcQ", info.ID)
	assert.Len(t, info.Streams, 2)
}

func TestParseWatchPage_BracesInsideStrings(t *testing.T) {
	html := `ytInitialPlayerResponse = {
		"playabilityStatus": {"status": "OK"},
		"videoDetails": {"videoId": "abc12345678", "title": "tricky {title} with } brace and \" quote"},
		"streamingData": {"formats": [
			{"itag": 22, "mimeType": "video/mp4; codecs=\"avc1, mp4a.40.2\"",
			 "width": 1280, "height": 720, "bitrate": 1, "url": "https://cdn.example/a"}
		]}
	};`

	info, err := ParseWatchPage(html)
	require.NoError(t, err)
	assert.Equal(t, "abc12345678", info.ID)
	assert.Equal(t, `tricky {title} with } brace and " quote`, info.Title)
}

func TestParseWatchPage_NoMarker(t *testing.T) {
	_, err := ParseWatchPage("<html><body>nothing here</body></html>")
	assert.ErrorIs(t, err, ErrNoPlayerResponse)
}

func TestParseWatchPage_UnterminatedBlob(t *testing.T) {
	_, err := ParseWatchPage(`ytInitialPlayerResponse = {"videoDetails": {"videoId": "x"`)
	assert.ErrorIs(t, err, ErrNoPlayerResponse)
}

func TestExtractStreamURL_CipherWithoutSignature(t *testing.T) {
	// A cipher blob without an s= parameter still yields a direct URL.
	f := rawFormat{SignatureCipher: "sp=sig&url=https%3A%2F%2Fcdn.example%2Fplain"}

	u, ok := extractStreamURL(f)
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example/plain", u)
}

func TestExtractVideoID(t *testing.T) {
	tests := []struct {
		name  string
		url   string
		want  string
		found bool
	}{
		{"watch url", "https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ", true},
		{"short link", "https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ", true},
		{"embed", "https://www.youtube.com/embed/dQw4w9WgXcQ", "dQw4w9WgXcQ", true},
		{"shorts", "https://www.youtube.com/shorts/dQw4w9WgXcQ", "dQw4w9WgXcQ", true},
		{"bare id", "dQw4w9WgXcQ", "dQw4w9WgXcQ", true},
		{"extra params", "https://www.youtube.com/watch?t=10&v=dQw4w9WgXcQ&list=x", "dQw4w9WgXcQ", true},
		{"not a video url", "https://example.com/other", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractVideoID(tt.url)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCDNClient(t *testing.T) {
	assert.Equal(t, "ANDROID_VR", CDNClient("https://cdn.example/x?a=1&c=ANDROID_VR&b=2"))
	assert.Equal(t, "", CDNClient("https://cdn.example/x"))
}
