package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/imalyk/go-video-preview/pkg/catalog"
	"github.com/imalyk/go-video-preview/pkg/job"
	"github.com/imalyk/go-video-preview/pkg/metrics"
	"github.com/imalyk/go-video-preview/pkg/preview"
	"github.com/imalyk/go-video-preview/pkg/storage"
)

type jobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (job.Message, bool, error)
	Enqueue(ctx context.Context, msg job.Message) error
	IncrAttempts(ctx context.Context, id string) (int64, error)
	MarkStatus(ctx context.Context, id string, status job.Status, progress int64, extra map[string]interface{}) error
	SetProgress(ctx context.Context, id string, progress int64) error
	MarkFailed(ctx context.Context, id string, progress int64, kind, msg string) error
}

type objectStore interface {
	FGet(ctx context.Context, bucket, object, path string) error
	PutFile(ctx context.Context, bucket, object, path string) error
	Remove(ctx context.Context, bucket, object string) error
}

type catalogStore interface {
	Put(ctx context.Context, v catalog.Video) error
}

type processor interface {
	Process(ctx context.Context, src io.Reader, fileName string, sizeHint int64, opts ...preview.RunOption) (*preview.Result, error)
}

type workerConfig struct {
	TempDir       string
	VideoBucket   string
	PreviewBucket string
	PollTimeout   time.Duration
	MaxRetries    int
	Concurrency   int
}

type worker struct {
	cfg      workerConfig
	logger   *slog.Logger
	queue    jobQueue
	store    objectStore
	catalog  catalogStore
	pipeline processor
}

// run starts cfg.Concurrency consumer loops and returns when ctx is done or
// a loop fails.
func (w *worker) run(ctx context.Context) error {
	n := w.cfg.Concurrency
	if n < 1 {
		n = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		id := i
		g.Go(func() error {
			return w.loop(gctx, id)
		})
	}
	return g.Wait()
}

func (w *worker) loop(ctx context.Context, id int) error {
	logger := w.logger.With("worker", id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, ok, err := w.queue.Dequeue(ctx, w.cfg.PollTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("failed to pop from queue", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if !ok {
			continue
		}

		logger.Info("received job", "job_id", msg.JobID, "input", msg.InputObject)
		if err := w.processJob(ctx, msg); err != nil {
			logger.Error("job failed", "job_id", msg.JobID, "error", err)
		}
	}
}

// objectRef names an object written to storage during one attempt.
type objectRef struct {
	bucket string
	object string
}

func (w *worker) processJob(ctx context.Context, msg job.Message) error {
	attempt, err := w.queue.IncrAttempts(ctx, msg.JobID)
	if err != nil {
		return fmt.Errorf("increment attempts: %w", err)
	}

	if err := w.queue.MarkStatus(ctx, msg.JobID, job.StatusProcessing, 0, map[string]interface{}{"error": "", "error_kind": "", "attempts": attempt}); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	metrics.IncJob(string(job.StatusProcessing))

	inputPath, err := w.downloadInput(ctx, msg)
	if err != nil {
		return w.handleFailure(ctx, msg, attempt, 0, preview.KindResource, fmt.Errorf("download input: %w", err), nil)
	}
	defer os.Remove(inputPath)

	res, err := w.transform(ctx, msg, inputPath)
	if err != nil {
		return w.handleFailure(ctx, msg, attempt, 0, preview.KindOf(err), err, nil)
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			w.logger.Warn("failed to remove scratch files", "job_id", msg.JobID, "error", err)
		}
	}()

	original := objectRef{w.cfg.VideoBucket, storage.ObjectName(msg.Owner, msg.VideoID, "original", filepath.Ext(res.OriginalPath))}
	previewObj := objectRef{w.cfg.PreviewBucket, storage.ObjectName(msg.Owner, msg.VideoID, "preview", ".mp4")}
	var written []objectRef

	if err := w.store.PutFile(ctx, original.bucket, original.object, res.OriginalPath); err != nil {
		return w.handleFailure(ctx, msg, attempt, 100, preview.KindResource, fmt.Errorf("upload original: %w", err), written)
	}
	written = append(written, original)
	if err := w.store.PutFile(ctx, previewObj.bucket, previewObj.object, res.PreviewPath); err != nil {
		return w.handleFailure(ctx, msg, attempt, 100, preview.KindResource, fmt.Errorf("upload preview: %w", err), written)
	}
	written = append(written, previewObj)

	if err := w.catalog.Put(ctx, catalog.Video{
		ID:             msg.VideoID,
		Owner:          msg.Owner,
		Title:          msg.Title,
		Category:       msg.Category,
		Price:          msg.Price,
		Metadata:       res.Metadata,
		OriginalObject: original.object,
		PreviewObject:  previewObj.object,
	}); err != nil {
		return w.handleFailure(ctx, msg, attempt, 100, preview.KindInternal, fmt.Errorf("catalog insert: %w", err), written)
	}

	if err := w.queue.MarkStatus(ctx, msg.JobID, job.StatusCompleted, 100, map[string]interface{}{
		"original_file": original.object,
		"preview_file":  previewObj.object,
		"error":         "",
		"error_kind":    "",
		"attempts":      attempt,
	}); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	metrics.IncJob(string(job.StatusCompleted))

	if err := w.store.Remove(ctx, msg.InputBucket, msg.InputObject); err != nil {
		w.logger.Warn("failed to remove raw upload", "job_id", msg.JobID, "object", msg.InputObject, "error", err)
	}

	w.logger.Info("job completed", "job_id", msg.JobID, "video_id", msg.VideoID, "preview", previewObj.object)
	return nil
}

func (w *worker) transform(ctx context.Context, msg job.Message, inputPath string) (*preview.Result, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return nil, &preview.Error{Kind: preview.KindResource, Op: "open input", Err: err}
	}
	defer f.Close()

	return w.pipeline.Process(ctx, f, msg.OriginalName, msg.Size, preview.WithProgress(func(p int64) {
		if err := w.queue.SetProgress(ctx, msg.JobID, p); err != nil {
			w.logger.Warn("failed to update progress", "job_id", msg.JobID, "error", err)
		}
	}))
}

func (w *worker) downloadInput(ctx context.Context, msg job.Message) (string, error) {
	localPath := filepath.Join(w.cfg.TempDir, fmt.Sprintf("%s-input%s", msg.JobID, filepath.Ext(msg.InputObject)))
	if err := w.store.FGet(ctx, msg.InputBucket, msg.InputObject, localPath); err != nil {
		_ = os.Remove(localPath)
		return "", err
	}
	return localPath, nil
}

// handleFailure retries transient failures and records terminal ones.
// Unreadable uploads are never retried. Objects written by the failed
// attempt are removed; the raw upload is removed once no retry remains.
// It returns nil when the failure has been fully recorded.
func (w *worker) handleFailure(ctx context.Context, msg job.Message, attempt, progress int64, kind preview.Kind, cause error, written []objectRef) error {
	errMsg := cause.Error()
	maxRetries := int64(w.cfg.MaxRetries)
	w.removeObjects(ctx, msg.JobID, written...)

	if kind == preview.KindInput || attempt > maxRetries {
		w.logger.Error("job failed with no retries remaining",
			"job_id", msg.JobID, "attempts", attempt, "kind", kind.String(), "error", errMsg)
		err := w.queue.MarkFailed(ctx, msg.JobID, progress, kind.String(), errMsg)
		w.removeObjects(ctx, msg.JobID, objectRef{msg.InputBucket, msg.InputObject})
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		return nil
	}

	w.logger.Warn("job failed, retrying", "job_id", msg.JobID, "attempt", attempt, "kind", kind.String(), "error", errMsg)
	if err := w.queue.MarkStatus(ctx, msg.JobID, job.StatusQueued, 0, map[string]interface{}{
		"error":      errMsg,
		"error_kind": kind.String(),
	}); err != nil {
		w.logger.Error("failed to update job for retry", "job_id", msg.JobID, "error", err)
	}
	if err := w.queue.Enqueue(ctx, msg); err != nil {
		w.logger.Error("failed to enqueue job retry", "job_id", msg.JobID, "error", err)
		err := w.queue.MarkFailed(ctx, msg.JobID, progress, kind.String(), errMsg)
		w.removeObjects(ctx, msg.JobID, objectRef{msg.InputBucket, msg.InputObject})
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
	}
	return nil
}

func (w *worker) removeObjects(ctx context.Context, jobID string, refs ...objectRef) {
	for _, ref := range refs {
		if ref.object == "" {
			continue
		}
		if err := w.store.Remove(ctx, ref.bucket, ref.object); err != nil {
			w.logger.Warn("failed to remove object", "job_id", jobID, "bucket", ref.bucket, "object", ref.object, "error", err)
		}
	}
}
