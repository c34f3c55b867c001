// Package preview turns an uploaded video into catalog metadata and a
// watermarked, down-scaled preview file.
//
// A run is a single linear pass: materialize the upload into a scratch file,
// decode it with ffprobe, derive metadata, then overlay, scale and re-encode
// with ffmpeg. Every scratch file created by a failed run is removed before
// Process returns. On success the returned files belong to the caller.
package preview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/imalyk/go-video-preview/pkg/media"
	"github.com/imalyk/go-video-preview/pkg/metrics"
)

// DefaultTargetHeight is the preview height in pixels.
const DefaultTargetHeight = 480

// Prober reads stream properties from a local video file.
type Prober interface {
	Probe(ctx context.Context, path string) (*media.Info, error)
}

// Encoder renders a preview job to its output path.
type Encoder interface {
	Encode(ctx context.Context, job media.PreviewJob, onProgress func(int64)) error
}

// Config holds the tunables of a Pipeline.
type Config struct {
	TempDir      string
	TargetHeight int
	Watermark    media.Watermark
	// Timeout bounds a whole run; zero means no limit beyond ctx.
	Timeout time.Duration
	// KeepOriginal leaves the scratch copy of the upload in Result.OriginalPath.
	KeepOriginal bool
}

// DefaultConfig returns the stock 480p "PREVIEW" settings.
func DefaultConfig() Config {
	return Config{
		TempDir:      os.TempDir(),
		TargetHeight: DefaultTargetHeight,
		Watermark:    media.DefaultWatermark(),
		Timeout:      30 * time.Minute,
		KeepOriginal: true,
	}
}

// Pipeline is safe for concurrent use; runs share no mutable state.
type Pipeline struct {
	cfg     Config
	prober  Prober
	encoder Encoder
	logger  *slog.Logger
}

// New builds a pipeline. A nil logger falls back to slog.Default().
func New(cfg Config, prober Prober, encoder Encoder, logger *slog.Logger) *Pipeline {
	if cfg.TargetHeight <= 0 {
		cfg.TargetHeight = DefaultTargetHeight
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, prober: prober, encoder: encoder, logger: logger}
}

// Result is the success variant of Process.
type Result struct {
	Metadata     VideoMetadata
	OriginalPath string // empty unless Config.KeepOriginal
	PreviewPath  string
	PreviewSize  [2]int // width, height
}

// Cleanup removes the files referenced by r.
func (r *Result) Cleanup() error {
	var errs []error
	for _, p := range []string{r.OriginalPath, r.PreviewPath} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunOption customizes a single Process call.
type RunOption func(*runOptions)

type runOptions struct {
	progress func(int64)
}

// WithProgress reports encode progress in percent.
func WithProgress(fn func(int64)) RunOption {
	return func(o *runOptions) { o.progress = fn }
}

// Process runs the full transform over src. fileName is the display name of
// the upload and sizeHint its size in bytes; when sizeHint is not positive
// the number of bytes read from src is used instead. src is only read.
//
// Exactly one of the returned values is non-nil. Errors are always *Error.
func (p *Pipeline) Process(ctx context.Context, src io.Reader, fileName string, sizeHint int64, opts ...RunOption) (res *Result, err error) {
	var ro runOptions
	for _, o := range opts {
		o(&ro)
	}

	start := time.Now()
	metrics.PipelinesInFlight.Inc()
	s := newScratch(p.cfg.TempDir)
	log := p.logger.With("run_id", s.id, "filename", fileName)

	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = internalError("process", fmt.Errorf("panic: %v", r))
		}
		kind := ""
		if err != nil {
			kind = KindOf(err).String()
			if rmErr := s.removeAll(); rmErr != nil {
				log.Warn("failed to remove scratch files", "error", rmErr)
			}
			log.Warn("preview failed", "kind", kind, "error", err)
		}
		metrics.PipelinesInFlight.Dec()
		metrics.ObservePipeline(start, kind)
	}()

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	originalPath, written, err := s.materialize(src, fileName)
	if err != nil {
		return nil, resourceError("materialize", err)
	}
	if sizeHint <= 0 {
		sizeHint = written
	}

	info, err := p.decode(ctx, originalPath, written)
	if err != nil {
		return nil, err
	}
	meta := NewMetadata(fileName, sizeHint, info)
	log.Debug("decoded upload",
		"duration", info.Duration, "resolution", info.Resolution(), "fps", info.FPS)

	previewPath, err := s.reserve("preview", ".mp4")
	if err != nil {
		return nil, resourceError("encode", err)
	}

	w, h := media.PreviewSize(info.Width, info.Height, p.cfg.TargetHeight)
	job := media.PreviewJob{
		InputPath:  originalPath,
		OutputPath: previewPath,
		Source:     info,
		Width:      w,
		Height:     h,
		Watermark:  p.cfg.Watermark,
	}
	if err := p.encoder.Encode(ctx, job, ro.progress); err != nil {
		return nil, classifyEncode(ctx, err)
	}

	if st, err := os.Stat(previewPath); err != nil {
		return nil, resourceError("encode", err)
	} else if st.Size() == 0 {
		return nil, resourceError("encode", errors.New("encoder produced an empty file"))
	}

	res = &Result{
		Metadata:     meta,
		OriginalPath: originalPath,
		PreviewPath:  previewPath,
		PreviewSize:  [2]int{w, h},
	}
	if !p.cfg.KeepOriginal {
		if err := os.Remove(originalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to remove scratch original", "error", err)
		}
		res.OriginalPath = ""
	}
	s.forget(originalPath)
	s.forget(previewPath)

	log.Info("preview ready",
		"duration", meta.Duration, "resolution", meta.Resolution(),
		"preview_width", w, "preview_height", h, "elapsed", time.Since(start))
	return res, nil
}

func (p *Pipeline) decode(ctx context.Context, path string, size int64) (*media.Info, error) {
	if size == 0 {
		return nil, inputError("decode", errors.New("empty upload"))
	}
	info, err := p.prober.Probe(ctx, path)
	if err == nil {
		return info, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, internalError("decode", ctxErr)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return nil, internalError("decode", err)
	}
	return nil, inputError("decode", err)
}

func classifyEncode(ctx context.Context, err error) *Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return internalError("encode", fmt.Errorf("timed out: %w", ctxErr))
		}
		return internalError("encode", ctxErr)
	}
	var execErr *media.ExecError
	if errors.As(err, &execErr) {
		switch media.ClassifyStderr(execErr.Stderr) {
		case media.ClassResource:
			return resourceError("encode", err)
		case media.ClassInput:
			return inputError("encode", err)
		}
	}
	return internalError("encode", err)
}
