package innertube

import (
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/tubefetch/tubefetch/internal/media"
)

// Errors returned by the metadata parser.
var (
	// ErrNoPlayerResponse means the watch page carried no embedded player
	// response blob.
	ErrNoPlayerResponse = errors.New("no player response found in page")

	// ErrNoUsableStreams means neither the formats nor the adaptive formats
	// list yielded a single downloadable entry.
	ErrNoUsableStreams = errors.New("no usable streams in player response")
)

const playerResponseMarker = "ytInitialPlayerResponse"

// PlayerResponse is the subset of the player API payload the engine needs.
// The same shape is decoded from the API body and from the JSON blob embedded
// in watch-page HTML.
type PlayerResponse struct {
	PlayabilityStatus struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"playabilityStatus"`

	VideoDetails struct {
		VideoID       string `json:"videoId"`
		Title         string `json:"title"`
		Author        string `json:"author"`
		LengthSeconds string `json:"lengthSeconds"`
		Thumbnail     struct {
			Thumbnails []struct {
				URL string `json:"url"`
			} `json:"thumbnails"`
		} `json:"thumbnail"`
	} `json:"videoDetails"`

	StreamingData struct {
		Formats         []rawFormat `json:"formats"`
		AdaptiveFormats []rawFormat `json:"adaptiveFormats"`
	} `json:"streamingData"`
}

type rawFormat struct {
	Itag            int    `json:"itag"`
	MimeType        string `json:"mimeType"`
	Bitrate         int64  `json:"bitrate"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	FPS             int    `json:"fps"`
	ContentLength   string `json:"contentLength"`
	URL             string `json:"url"`
	SignatureCipher string `json:"signatureCipher"`
}

// ParseWatchPage extracts the embedded player response blob from full page
// HTML and normalizes it. The blob is located by a fixed marker and delimited
// by brace counting that respects quoted strings.
func ParseWatchPage(html string) (*media.VideoInfo, error) {
	idx := strings.Index(html, playerResponseMarker)
	if idx < 0 {
		return nil, ErrNoPlayerResponse
	}

	start := strings.IndexByte(html[idx:], '{')
	if start < 0 {
		return nil, ErrNoPlayerResponse
	}
	start += idx

	end := findMatchingBrace(html, start)
	if end < 0 {
		return nil, ErrNoPlayerResponse
	}

	var pr PlayerResponse
	if err := json.Unmarshal([]byte(html[start:end+1]), &pr); err != nil {
		return nil, ErrNoPlayerResponse
	}

	return ParsePlayerResponse(&pr)
}

// ParsePlayerResponse normalizes a player response into the stream catalog.
// Entries whose URL would require signature deciphering are dropped, not
// fatal; video entries without dimensions are skipped.
func ParsePlayerResponse(pr *PlayerResponse) (*media.VideoInfo, error) {
	duration, _ := strconv.ParseInt(pr.VideoDetails.LengthSeconds, 10, 64)

	info := &media.VideoInfo{
		ID:       pr.VideoDetails.VideoID,
		Title:    pr.VideoDetails.Title,
		Author:   pr.VideoDetails.Author,
		Duration: duration,
	}

	if info.Title == "" {
		info.Title = "Untitled"
	}

	if info.Author == "" {
		info.Author = "Unknown"
	}

	if thumbs := pr.VideoDetails.Thumbnail.Thumbnails; len(thumbs) > 0 {
		info.ThumbnailURL = thumbs[len(thumbs)-1].URL
	}

	all := make([]rawFormat, 0, len(pr.StreamingData.Formats)+len(pr.StreamingData.AdaptiveFormats))
	all = append(all, pr.StreamingData.Formats...)
	all = append(all, pr.StreamingData.AdaptiveFormats...)

	for _, f := range all {
		streamURL, ok := extractStreamURL(f)
		if !ok {
			continue
		}

		codecs := codecsFromMime(f.MimeType)
		contentLength, _ := strconv.ParseInt(f.ContentLength, 10, 64)

		switch {
		case strings.HasPrefix(f.MimeType, "audio/"):
			info.AudioStreams = append(info.AudioStreams, media.AudioStreamInfo{
				Itag:          f.Itag,
				MimeType:      f.MimeType,
				Codecs:        codecs,
				Bitrate:       f.Bitrate,
				URL:           streamURL,
				ContentLength: contentLength,
			})
		case strings.HasPrefix(f.MimeType, "video/"):
			if f.Width == 0 || f.Height == 0 {
				continue
			}

			fps := f.FPS
			if fps == 0 {
				fps = 30
			}

			info.Streams = append(info.Streams, media.StreamInfo{
				Itag:          f.Itag,
				MimeType:      f.MimeType,
				Codecs:        codecs,
				Width:         f.Width,
				Height:        f.Height,
				FPS:           fps,
				Bitrate:       f.Bitrate,
				URL:           streamURL,
				ContentLength: contentLength,
				HasAudio:      strings.Contains(codecs, "mp4a") || strings.Contains(codecs, "opus"),
			})
		}
	}

	if len(info.Streams) == 0 && len(info.AudioStreams) == 0 {
		return nil, ErrNoUsableStreams
	}

	return info, nil
}

// extractStreamURL prefers the direct url field. A signatureCipher entry is
// inspected only far enough to detect the unsupported s= case; such entries
// yield no URL.
func extractStreamURL(f rawFormat) (string, bool) {
	if f.URL != "" {
		return f.URL, true
	}

	if f.SignatureCipher == "" {
		return "", false
	}

	params, err := url.ParseQuery(f.SignatureCipher)
	if err != nil {
		return "", false
	}

	streamURL := params.Get("url")
	if streamURL == "" {
		return "", false
	}

	if params.Get("s") != "" {
		// Ciphered signatures are not supported by this engine.
		return "", false
	}

	return streamURL, true
}

func codecsFromMime(mimeType string) string {
	_, after, found := strings.Cut(mimeType, "codecs=")
	if !found {
		return ""
	}

	return strings.Trim(after, `"`)
}

// findMatchingBrace returns the index of the brace closing the object that
// opens at startIndex, or -1. Braces inside quoted strings do not count.
func findMatchingBrace(text string, startIndex int) int {
	depth := 0
	inString := false
	escaped := false

	for i := startIndex; i < len(text); i++ {
		c := text[i]

		if escaped {
			escaped = false

			continue
		}

		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return i
				}
			}
		}
	}

	return -1
}
