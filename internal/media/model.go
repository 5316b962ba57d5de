package media

// VideoInfo is the normalized stream catalog for a single video, assembled by
// the metadata parser from the player response. Stream URLs are short-lived
// CDN grants and must not be persisted or treated as stable identifiers.
type VideoInfo struct {
	ID           string
	Title        string
	Author       string
	Duration     int64 // seconds
	ThumbnailURL string
	Streams      []StreamInfo
	AudioStreams []AudioStreamInfo
}

// StreamInfo describes a video stream, possibly carrying an audio track.
type StreamInfo struct {
	Itag          int
	MimeType      string
	Codecs        string
	Width         int
	Height        int
	FPS           int
	Bitrate       int64
	URL           string
	ContentLength int64 // 0 when the platform did not declare one
	HasAudio      bool
}

// AudioStreamInfo describes an audio-only stream.
type AudioStreamInfo struct {
	Itag          int
	MimeType      string
	Codecs        string
	Bitrate       int64
	URL           string
	ContentLength int64
}

// QualityPreference is the user-facing quality selection. Apart from Best,
// each value maps to a fixed height band (see matchesPreference).
type QualityPreference string

const (
	QualityBest   QualityPreference = "best"
	QualityHD1080 QualityPreference = "1080p"
	QualityHD720  QualityPreference = "720p"
	QualitySD480  QualityPreference = "480p"
	QualitySD360  QualityPreference = "360p"
)

// OutputFormat is the requested output container.
type OutputFormat string

const (
	FormatMP4  OutputFormat = "mp4"
	FormatWebM OutputFormat = "webm"
	FormatMP3  OutputFormat = "mp3"
)

// Ext returns the file extension for the format, without the dot.
func (f OutputFormat) Ext() string {
	return string(f)
}

// IsAudioOnly reports whether the format carries no video track.
func (f OutputFormat) IsAudioOnly() bool {
	return f == FormatMP3
}

// ParseQuality maps a user-supplied string onto a QualityPreference.
func ParseQuality(s string) (QualityPreference, bool) {
	switch QualityPreference(s) {
	case QualityBest, QualityHD1080, QualityHD720, QualitySD480, QualitySD360:
		return QualityPreference(s), true
	}

	return "", false
}

// ParseFormat maps a user-supplied string onto an OutputFormat.
func ParseFormat(s string) (OutputFormat, bool) {
	switch OutputFormat(s) {
	case FormatMP4, FormatWebM, FormatMP3:
		return OutputFormat(s), true
	}

	return "", false
}

// SelectedStreams is the result of stream selection: at most one video stream,
// at most one audio stream, and whether the two need to be muxed into a single
// container after download.
type SelectedStreams struct {
	Video          *StreamInfo
	Audio          *AudioStreamInfo
	RequiresMuxing bool
}
