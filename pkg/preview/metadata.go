package preview

import (
	"fmt"

	"github.com/imalyk/go-video-preview/pkg/media"
)

// VideoMetadata is produced once per successful run and owned by the caller.
type VideoMetadata struct {
	Filename string  `json:"filename"`
	Duration float64 `json:"duration_seconds"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	FPS      float64 `json:"fps"`
	SizeMB   float64 `json:"size_mb"`
}

// NewMetadata combines decoder-reported properties with the caller's size hint.
func NewMetadata(filename string, sizeBytes int64, info *media.Info) VideoMetadata {
	return VideoMetadata{
		Filename: filename,
		Duration: info.Duration,
		Width:    info.Width,
		Height:   info.Height,
		FPS:      info.FPS,
		SizeMB:   float64(sizeBytes) / (1024 * 1024),
	}
}

// Resolution returns "WxH".
func (m VideoMetadata) Resolution() string {
	return fmt.Sprintf("%dx%d", m.Width, m.Height)
}

// Display is the human-readable rendering shown next to a listing.
type Display struct {
	Filename   string `json:"filename"`
	Duration   string `json:"duration"`
	Resolution string `json:"resolution"`
	FPS        string `json:"fps"`
	FileSize   string `json:"filesize"`
}

func (m VideoMetadata) Display() Display {
	return Display{
		Filename:   m.Filename,
		Duration:   fmt.Sprintf("%.2f seconds", m.Duration),
		Resolution: m.Resolution(),
		FPS:        fmt.Sprintf("%.2f", m.FPS),
		FileSize:   fmt.Sprintf("%.2f MB", m.SizeMB),
	}
}
