// Package queue moves job messages between the upload API and workers and
// keeps per-job status hashes in Redis.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imalyk/go-video-preview/pkg/job"
	"github.com/imalyk/go-video-preview/pkg/metrics"
)

// ErrNotFound is returned by Get for unknown job ids.
var ErrNotFound = errors.New("job not found")

const maxErrorLen = 1024

type Queue struct {
	redis *redis.Client
	key   string
}

func New(client *redis.Client, key string) *Queue {
	return &Queue{redis: client, key: key}
}

func jobKey(id string) string {
	return fmt.Sprintf("job:%s", id)
}

// Create writes the initial job hash and pushes msg onto the queue.
func (q *Queue) Create(ctx context.Context, msg job.Message) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	fields := map[string]interface{}{
		"video_id":          msg.VideoID,
		"owner":             msg.Owner,
		"status":            string(job.StatusQueued),
		"progress":          0,
		"attempts":          0,
		"original_filename": msg.OriginalName,
		"created_at":        now,
		"updated_at":        now,
	}
	if err := q.redis.HSet(ctx, jobKey(msg.JobID), fields).Err(); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	metrics.IncJob(string(job.StatusQueued))
	return q.Enqueue(ctx, msg)
}

// Enqueue appends msg to the work queue.
func (q *Queue) Enqueue(ctx context.Context, msg job.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.redis.RPush(ctx, q.key, payload).Err()
}

// Dequeue blocks up to timeout for the next message. ok is false when the
// wait timed out.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (msg job.Message, ok bool, err error) {
	res, err := q.redis.BLPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return msg, false, nil
		}
		return msg, false, err
	}
	if len(res) < 2 {
		return msg, false, nil
	}
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return msg, false, fmt.Errorf("invalid job payload: %w", err)
	}
	return msg, true, nil
}

// IncrAttempts bumps and returns the attempt counter.
func (q *Queue) IncrAttempts(ctx context.Context, id string) (int64, error) {
	return q.redis.HIncrBy(ctx, jobKey(id), "attempts", 1).Result()
}

// MarkStatus updates status, progress and any extra fields.
func (q *Queue) MarkStatus(ctx context.Context, id string, status job.Status, progress int64, extra map[string]interface{}) error {
	fields := map[string]interface{}{
		"status":     string(status),
		"progress":   progress,
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range extra {
		fields[k] = v
	}
	return q.redis.HSet(ctx, jobKey(id), fields).Err()
}

// SetProgress updates only the progress field.
func (q *Queue) SetProgress(ctx context.Context, id string, progress int64) error {
	return q.redis.HSet(ctx, jobKey(id), "progress", progress, "updated_at", time.Now().UTC().Format(time.RFC3339Nano)).Err()
}

// MarkFailed records a terminal failure; msg is truncated to 1 KiB.
func (q *Queue) MarkFailed(ctx context.Context, id string, progress int64, kind, msg string) error {
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	metrics.IncJob(string(job.StatusFailed))
	return q.MarkStatus(ctx, id, job.StatusFailed, progress, map[string]interface{}{
		"error":      msg,
		"error_kind": kind,
	})
}

// Get loads a job hash.
func (q *Queue) Get(ctx context.Context, id string) (*job.Job, error) {
	m, err := q.redis.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}

	j := &job.Job{
		ID:               id,
		VideoID:          m["video_id"],
		Owner:            m["owner"],
		Status:           job.Status(m["status"]),
		OriginalFile:     m["original_file"],
		PreviewFile:      m["preview_file"],
		ErrorKind:        m["error_kind"],
		ErrorMessage:     m["error"],
		OriginalFilename: m["original_filename"],
	}
	j.Progress, _ = strconv.ParseInt(m["progress"], 10, 64)
	j.Attempts, _ = strconv.ParseInt(m["attempts"], 10, 64)
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, m["created_at"])
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, m["updated_at"])
	return j, nil
}

// Len returns the number of pending messages.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.redis.LLen(ctx, q.key).Result()
}
