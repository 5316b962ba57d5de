package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	Engine string `envconfig:"ENGINE" default:"native"`

	OutputDir string `envconfig:"OUTPUT_DIR" required:"true"`
	StateDir  string `envconfig:"STATE_DIR" default:"state"`
	DBPath    string `envconfig:"DB_PATH" default:"tubefetch.db"`

	MaxParallel    int    `envconfig:"MAX_PARALLEL" default:"2"`
	RateLimitBps   int64  `envconfig:"RATE_LIMIT_BPS" default:"0"`
	DefaultQuality string `envconfig:"DEFAULT_QUALITY" default:"best"`
	DefaultFormat  string `envconfig:"DEFAULT_FORMAT" default:"mp4"`

	ChunkSize          int64 `envconfig:"CHUNK_SIZE" default:"10485760"`
	URLBudgetThreshold int64 `envconfig:"URL_BUDGET_THRESHOLD" default:"15728640"`
	MaxURLRefreshes    int   `envconfig:"MAX_URL_REFRESHES" default:"100"`

	APIBaseURL string `envconfig:"API_BASE_URL"`

	FFmpegPath string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	YTDLPPath  string `envconfig:"YTDLP_PATH" default:"yt-dlp"`

	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	KeepStaleFor    time.Duration `envconfig:"KEEP_STALE_FOR" default:"72h"`

	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"tubefetch"`
		ServiceVersion string `split_words:"true" default:"dev"`
		OTLPEndpoint   string `envconfig:"TELEMETRY_OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
