// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/imalyk/go-video-preview/pkg/media"
	"github.com/imalyk/go-video-preview/pkg/preview"
)

type Config struct {
	LogLevel slog.Level

	HTTPAddr       string
	MetricsAddr    string
	MaxUploadBytes int64
	UploadRate     int
	UploadWindow   time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisQueueKey string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	MinioRegion    string
	UploadBucket   string
	VideoBucket    string
	PreviewBucket  string
	PresignExpiry  time.Duration

	TempDir         string
	FFMPEGPath      string
	FFProbePath     string
	FFMPEGPreset    string
	VideoCRF        int
	AudioCodec      string
	AudioBitrate    string
	TargetHeight    int
	ProcessTimeout  time.Duration
	ProgressBackoff time.Duration

	WatermarkText     string
	WatermarkOpacity  float64
	WatermarkFontSize int
	WatermarkFontFile string

	Workers     int
	PollTimeout time.Duration
	MaxRetries  int
}

// Load reads a .env file when one exists, then the process environment.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config using getenv for lookups.
func FromEnv(getenv func(string) string) Config {
	tempDir := getenv("WORKER_TMP_DIR")
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	return Config{
		LogLevel: parseLevel(getenv("LOG_LEVEL")),

		HTTPAddr:       valueOrDefault(getenv("HTTP_ADDR"), ":8080"),
		MetricsAddr:    valueOrDefault(getenv("METRICS_ADDR"), ":9100"),
		MaxUploadBytes: int64(parseInt(getenv("MAX_UPLOAD_MB"), 100)) << 20,
		UploadRate:     parseInt(getenv("UPLOAD_RATE_LIMIT"), 10),
		UploadWindow:   parseDuration(getenv("UPLOAD_RATE_WINDOW"), time.Minute),

		RedisAddr:     valueOrDefault(getenv("REDIS_ADDR"), "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD"),
		RedisDB:       parseInt(getenv("REDIS_DB"), 0),
		RedisQueueKey: valueOrDefault(getenv("REDIS_QUEUE_KEY"), "preview:jobs:queue"),

		MinioEndpoint:  valueOrDefault(getenv("MINIO_ENDPOINT"), "localhost:9000"),
		MinioAccessKey: valueOrDefault(getenv("MINIO_ACCESS_KEY"), "minio"),
		MinioSecretKey: valueOrDefault(getenv("MINIO_SECRET_KEY"), "minio123"),
		MinioUseSSL:    strings.EqualFold(getenv("MINIO_USE_SSL"), "true"),
		MinioRegion:    getenv("MINIO_REGION"),
		UploadBucket:   valueOrDefault(getenv("UPLOAD_BUCKET"), "uploads"),
		VideoBucket:    valueOrDefault(getenv("VIDEO_BUCKET"), "videos"),
		PreviewBucket:  valueOrDefault(getenv("PREVIEW_BUCKET"), "previews"),
		PresignExpiry:  parseDuration(getenv("PRESIGN_EXPIRY"), time.Hour),

		TempDir:         tempDir,
		FFMPEGPath:      valueOrDefault(getenv("FFMPEG_PATH"), "ffmpeg"),
		FFProbePath:     valueOrDefault(getenv("FFPROBE_PATH"), "ffprobe"),
		FFMPEGPreset:    valueOrDefault(getenv("FFMPEG_PRESET"), "medium"),
		VideoCRF:        parseInt(getenv("VIDEO_CRF"), 28),
		AudioCodec:      valueOrDefault(getenv("AUDIO_CODEC"), "aac"),
		AudioBitrate:    valueOrDefault(getenv("AUDIO_BITRATE"), "128k"),
		TargetHeight:    parseInt(getenv("PREVIEW_HEIGHT"), preview.DefaultTargetHeight),
		ProcessTimeout:  parseDuration(getenv("PROCESS_TIMEOUT"), 30*time.Minute),
		ProgressBackoff: parseDuration(getenv("PROGRESS_UPDATE_BACKOFF"), time.Second),

		WatermarkText:     valueOrDefault(getenv("WATERMARK_TEXT"), "PREVIEW"),
		WatermarkOpacity:  parseFloat(getenv("WATERMARK_OPACITY"), 0.5),
		WatermarkFontSize: parseInt(getenv("WATERMARK_FONT_SIZE"), 50),
		WatermarkFontFile: getenv("WATERMARK_FONT_FILE"),

		Workers:     parseInt(getenv("WORKER_CONCURRENCY"), 1),
		PollTimeout: parseDuration(getenv("QUEUE_POLL_TIMEOUT"), 5*time.Second),
		MaxRetries:  parseInt(getenv("WORKER_MAX_RETRIES"), 3),
	}
}

// Validate reports every out-of-range setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.TargetHeight < 2 {
		errs = append(errs, fmt.Errorf("PREVIEW_HEIGHT must be >= 2, got %d", c.TargetHeight))
	}
	if c.VideoCRF < 0 || c.VideoCRF > 51 {
		errs = append(errs, fmt.Errorf("VIDEO_CRF must be in [0,51], got %d", c.VideoCRF))
	}
	if c.WatermarkOpacity <= 0 || c.WatermarkOpacity > 1 {
		errs = append(errs, fmt.Errorf("WATERMARK_OPACITY must be in (0,1], got %g", c.WatermarkOpacity))
	}
	if c.WatermarkFontSize <= 0 {
		errs = append(errs, fmt.Errorf("WATERMARK_FONT_SIZE must be positive, got %d", c.WatermarkFontSize))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be >= 1, got %d", c.Workers))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("WORKER_MAX_RETRIES must be >= 0, got %d", c.MaxRetries))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_MB must be positive"))
	}
	return errors.Join(errs...)
}

// Watermark returns the configured overlay.
func (c Config) Watermark() media.Watermark {
	return media.Watermark{
		Text:     c.WatermarkText,
		Opacity:  c.WatermarkOpacity,
		FontSize: c.WatermarkFontSize,
		FontFile: c.WatermarkFontFile,
	}
}

// Pipeline returns the preview pipeline settings.
func (c Config) Pipeline() preview.Config {
	return preview.Config{
		TempDir:      c.TempDir,
		TargetHeight: c.TargetHeight,
		Watermark:    c.Watermark(),
		Timeout:      c.ProcessTimeout,
		KeepOriginal: true,
	}
}

// Encoder returns an ffmpeg encoder configured from c.
func (c Config) Encoder() *media.FFmpeg {
	enc := media.NewFFmpeg(c.FFMPEGPath)
	enc.Preset = c.FFMPEGPreset
	enc.CRF = c.VideoCRF
	enc.AudioCodec = c.AudioCodec
	enc.AudioBitrate = c.AudioBitrate
	enc.ProgressInterval = c.ProgressBackoff
	return enc
}

// NewLogger returns the JSON slog logger used by every binary.
func (c Config) NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: c.LogLevel}))
}

func parseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
