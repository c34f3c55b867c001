package media

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Watermark describes the text overlay burned into every preview frame.
type Watermark struct {
	Text     string
	Opacity  float64
	FontSize int
	FontFile string
}

// DefaultWatermark is a centered, half-transparent white "PREVIEW" label.
func DefaultWatermark() Watermark {
	return Watermark{
		Text:     "PREVIEW",
		Opacity:  0.5,
		FontSize: 50,
	}
}

// Filter returns the drawtext filter for w. drawtext renders on every frame,
// so the overlay always spans the full clip duration.
func (w Watermark) Filter() string {
	opacity := w.Opacity
	if opacity <= 0 || opacity > 1 {
		opacity = 0.5
	}
	size := w.FontSize
	if size <= 0 {
		size = 50
	}

	parts := []string{
		"text='" + sanitizeText(w.Text) + "'",
		"fontsize=" + strconv.Itoa(size),
		fmt.Sprintf("fontcolor=white@%.2f", opacity),
		"x=(w-text_w)/2",
		"y=(h-text_h)/2",
	}
	if w.FontFile != "" {
		parts = append(parts, "fontfile='"+escapeFilterValue(w.FontFile)+"'")
	}
	return "drawtext=" + strings.Join(parts, ":")
}

// sanitizeText keeps characters that are safe inside a quoted drawtext value.
func sanitizeText(s string) string {
	var sb strings.Builder
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			sb.WriteRune(c)
		case c == ' ', c == '-', c == '_', c == '.', c == '!':
			sb.WriteRune(c)
		}
	}
	return sb.String()
}

func escapeFilterValue(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`)
	return r.Replace(s)
}

// PreviewSize returns the output dimensions for a w×h source scaled to
// targetHeight. Sources at or below the target are never upscaled. H.264
// 4:2:0 needs even dimensions, so the scaled width is rounded to the nearest
// even number and odd source dimensions are trimmed by one pixel: 1920x1080
// at 480 gives 854x480 rather than 853x480, and 201x101 gives 200x100.
// w and h are display dimensions, already swapped for rotated streams.
func PreviewSize(w, h, targetHeight int) (int, int) {
	if w <= 0 || h <= 0 {
		return 0, 0
	}
	if targetHeight <= 0 || h <= targetHeight {
		return even(w), even(h)
	}
	scaled := float64(w) * float64(targetHeight) / float64(h)
	nw := int(math.Round(scaled/2)) * 2
	if nw < 2 {
		nw = 2
	}
	return nw, even(targetHeight)
}

func even(n int) int {
	if n%2 != 0 && n > 1 {
		return n - 1
	}
	return n
}

// PreviewJob is one watermark/scale/encode invocation.
type PreviewJob struct {
	InputPath  string
	OutputPath string
	Source     *Info
	Width      int
	Height     int
	Watermark  Watermark
}

// FFmpeg encodes previews with libx264/aac.
type FFmpeg struct {
	Path             string
	Preset           string
	CRF              int
	AudioCodec       string
	AudioBitrate     string
	ProgressInterval time.Duration
}

// NewFFmpeg returns an encoder with the usual defaults filled in.
func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{
		Path:             path,
		Preset:           "medium",
		CRF:              28,
		AudioCodec:       "aac",
		AudioBitrate:     "128k",
		ProgressInterval: time.Second,
	}
}

// Args builds the ffmpeg argument list (without the binary name) for job.
// Overlay is applied before scaling so the label shrinks with the frame.
func (f *FFmpeg) Args(job PreviewJob) []string {
	filters := []string{job.Watermark.Filter()}
	if job.Source == nil || job.Width != job.Source.Width || job.Height != job.Source.Height {
		filters = append(filters, fmt.Sprintf("scale=%d:%d", job.Width, job.Height))
	}

	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-loglevel", "error",
		"-i", job.InputPath,
		"-vf", strings.Join(filters, ","),
		"-map", videoMap(job.Source),
		"-c:v", "libx264",
		"-preset", f.Preset,
		"-crf", strconv.Itoa(f.CRF),
		"-pix_fmt", "yuv420p",
	}

	if job.Source != nil && job.Source.HasAudio() {
		audio := "0:a:0"
		if job.Source.AudioIndex >= 0 && job.Source.AudioIndex != job.Source.VideoIndex {
			audio = "0:" + strconv.Itoa(job.Source.AudioIndex)
		}
		args = append(args,
			"-map", audio,
			"-c:a", f.AudioCodec,
			"-b:a", f.AudioBitrate,
		)
	} else {
		args = append(args, "-an")
	}

	return append(args,
		"-movflags", "+faststart",
		"-progress", "pipe:1",
		"-nostats",
		job.OutputPath,
	)
}

// videoMap selects the stream the prober measured, so attached cover art
// listed first is never encoded.
func videoMap(src *Info) string {
	if src == nil || src.VideoIndex < 0 {
		return "0:v:0"
	}
	return "0:" + strconv.Itoa(src.VideoIndex)
}

// Encode runs ffmpeg for job and blocks until the output file is finalized.
// onProgress, when non-nil, receives percentages in [0,100].
func (f *FFmpeg) Encode(ctx context.Context, job PreviewJob, onProgress func(int64)) error {
	var duration float64
	if job.Source != nil {
		duration = job.Source.Duration
	}
	return Run(ctx, RunInput{
		Bin:         f.Path,
		Args:        f.Args(job),
		Duration:    duration,
		MinInterval: f.ProgressInterval,
		OnProgress:  onProgress,
	})
}
