package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imalyk/go-video-preview/pkg/catalog"
	"github.com/imalyk/go-video-preview/pkg/job"
	"github.com/imalyk/go-video-preview/pkg/preview"
	"github.com/imalyk/go-video-preview/pkg/queue"
)

type fakeStore struct {
	mu         sync.Mutex
	objects    map[string][]byte
	failPut    bool
	failBucket string
	removed    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func (s *fakeStore) FGet(_ context.Context, bucket, object, path string) error {
	s.mu.Lock()
	data, ok := s.objects[bucket+"/"+object]
	s.mu.Unlock()
	if !ok {
		return errors.New("NoSuchKey")
	}
	return os.WriteFile(path, data, 0o600)
}

func (s *fakeStore) PutFile(_ context.Context, bucket, object, path string) error {
	if s.failPut || bucket == s.failBucket {
		return errors.New("connection refused")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+object] = data
	return nil
}

func (s *fakeStore) Remove(_ context.Context, bucket, object string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, bucket+"/"+object)
	s.removed = append(s.removed, bucket+"/"+object)
	return nil
}

// fakeProcessor writes the input back out as both original and preview.
type fakeProcessor struct {
	dir string
	err error
}

func (p *fakeProcessor) Process(_ context.Context, src io.Reader, fileName string, size int64, opts ...preview.RunOption) (*preview.Result, error) {
	if p.err != nil {
		return nil, p.err
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	orig := filepath.Join(p.dir, "orig"+filepath.Ext(fileName))
	prev := filepath.Join(p.dir, "preview.mp4")
	if err := os.WriteFile(orig, data, 0o600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(prev, append([]byte("wm:"), data...), 0o600); err != nil {
		return nil, err
	}
	return &preview.Result{
		Metadata:     preview.VideoMetadata{Filename: fileName, Duration: 10, Width: 1920, Height: 1080, FPS: 30, SizeMB: float64(size) / (1024 * 1024)},
		OriginalPath: orig,
		PreviewPath:  prev,
		PreviewSize:  [2]int{854, 480},
	}, nil
}

type harness struct {
	mr      *miniredis.Miniredis
	queue   *queue.Queue
	catalog *catalog.Catalog
	store   *fakeStore
	proc    *fakeProcessor
	worker  *worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		mr:      mr,
		queue:   queue.New(client, "test:queue"),
		catalog: catalog.New(client),
		store:   newFakeStore(),
		proc:    &fakeProcessor{dir: t.TempDir()},
	}
	h.worker = &worker{
		cfg: workerConfig{
			TempDir:       t.TempDir(),
			VideoBucket:   "videos",
			PreviewBucket: "previews",
			PollTimeout:   time.Second,
			MaxRetries:    2,
			Concurrency:   2,
		},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		queue:    h.queue,
		store:    h.store,
		catalog:  h.catalog,
		pipeline: h.proc,
	}
	return h
}

func (h *harness) submit(t *testing.T) job.Message {
	t.Helper()
	msg := job.Message{
		JobID:        "j1",
		VideoID:      "v1",
		Owner:        "alice",
		Title:        "Sunset",
		Price:        "$50",
		InputBucket:  "uploads",
		InputObject:  "alice/v1/upload.mov",
		OriginalName: "sunset.mov",
		Size:         9,
	}
	h.store.objects["uploads/alice/v1/upload.mov"] = []byte("raw video")
	require.NoError(t, h.queue.Create(context.Background(), msg))
	// Drain the queued copy; tests drive processJob directly.
	_, ok, err := h.queue.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	return msg
}

func TestProcessJob_Success(t *testing.T) {
	h := newHarness(t)
	msg := h.submit(t)
	ctx := context.Background()

	require.NoError(t, h.worker.processJob(ctx, msg))

	j, err := h.queue.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, int64(100), j.Progress)
	assert.Equal(t, "alice/v1/original.mov", j.OriginalFile)
	assert.Equal(t, "alice/v1/preview.mp4", j.PreviewFile)

	assert.Equal(t, []byte("raw video"), h.store.objects["videos/alice/v1/original.mov"])
	assert.Equal(t, []byte("wm:raw video"), h.store.objects["previews/alice/v1/preview.mp4"])
	assert.NotContains(t, h.store.objects, "uploads/alice/v1/upload.mov")

	v, err := h.catalog.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "Sunset", v.Title)
	assert.Equal(t, "alice", v.Owner)
	assert.Equal(t, "sunset.mov", v.Metadata.Filename)

	// Scratch files are gone once the job finishes.
	entries, err := os.ReadDir(h.proc.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	entries, err = os.ReadDir(h.worker.cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcessJob_UnreadableVideoIsNotRetried(t *testing.T) {
	h := newHarness(t)
	msg := h.submit(t)
	h.proc.err = &preview.Error{Kind: preview.KindInput, Op: "decode", Err: preview.ErrUnreadable}
	ctx := context.Background()

	require.NoError(t, h.worker.processJob(ctx, msg))

	j, err := h.queue.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, "input", j.ErrorKind)
	assert.Contains(t, j.ErrorMessage, "unreadable video")

	_, ok, err := h.queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "input errors must not be requeued")

	assert.Equal(t, []string{"uploads/alice/v1/upload.mov"}, h.store.removed)
	assert.Empty(t, h.store.objects)
}

func TestProcessJob_TerminalFailureRemovesWrittenObjects(t *testing.T) {
	h := newHarness(t)
	msg := h.submit(t)
	h.store.failBucket = "previews"
	h.worker.cfg.MaxRetries = 0
	ctx := context.Background()

	require.NoError(t, h.worker.processJob(ctx, msg))

	j, err := h.queue.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Contains(t, j.ErrorMessage, "upload preview")

	assert.ElementsMatch(t, []string{
		"videos/alice/v1/original.mov",
		"uploads/alice/v1/upload.mov",
	}, h.store.removed)
	assert.Empty(t, h.store.objects)

	_, err = h.catalog.Get(ctx, "v1")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestProcessJob_TransientFailureRetriesThenFails(t *testing.T) {
	h := newHarness(t)
	msg := h.submit(t)
	h.store.failPut = true
	ctx := context.Background()

	for attempt := 1; attempt <= 2; attempt++ {
		require.NoError(t, h.worker.processJob(ctx, msg))
		j, err := h.queue.Get(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusQueued, j.Status, "attempt %d", attempt)
		assert.Equal(t, "resource", j.ErrorKind)

		requeued, ok, err := h.queue.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, msg, requeued)
		assert.Contains(t, h.store.objects, "uploads/alice/v1/upload.mov", "raw upload kept for the retry")
	}

	require.NoError(t, h.worker.processJob(ctx, msg))
	j, err := h.queue.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, int64(3), j.Attempts)
	assert.Contains(t, j.ErrorMessage, "upload original")
	assert.NotContains(t, h.store.objects, "uploads/alice/v1/upload.mov")
}

func TestProcessJob_MissingUpload(t *testing.T) {
	h := newHarness(t)
	msg := h.submit(t)
	delete(h.store.objects, "uploads/alice/v1/upload.mov")
	h.worker.cfg.MaxRetries = 0

	require.NoError(t, h.worker.processJob(context.Background(), msg))

	j, err := h.queue.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Contains(t, j.ErrorMessage, "download input")
}

func TestRun_ConsumesUntilCancelled(t *testing.T) {
	h := newHarness(t)
	msg := h.submit(t)
	require.NoError(t, h.queue.Enqueue(context.Background(), msg))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.run(ctx) }()

	require.Eventually(t, func() bool {
		j, err := h.queue.Get(context.Background(), "j1")
		return err == nil && j.Status == job.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
