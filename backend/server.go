package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imalyk/go-video-preview/pkg/catalog"
	"github.com/imalyk/go-video-preview/pkg/job"
	"github.com/imalyk/go-video-preview/pkg/metrics"
	"github.com/imalyk/go-video-preview/pkg/queue"
	"github.com/imalyk/go-video-preview/pkg/storage"
)

const (
	defaultTitle    = "New Video"
	defaultPageSize = 20
	maxPageSize     = 100
	multipartMemory = 32 << 20
	ownerHeader     = "X-Owner-ID"
	uploadFormField = "video"
)

var allowedExtensions = map[string]bool{
	".mp4": true,
	".mov": true,
}

type jobStore interface {
	Create(ctx context.Context, msg job.Message) error
	Get(ctx context.Context, id string) (*job.Job, error)
}

type objectStore interface {
	PutStream(ctx context.Context, bucket, object string, r io.Reader, size int64) error
	Remove(ctx context.Context, bucket, object string) error
	PresignedURL(ctx context.Context, bucket, object string, expiry time.Duration) (string, error)
}

type videoCatalog interface {
	Get(ctx context.Context, id string) (*catalog.Video, error)
	List(ctx context.Context, offset, limit int) ([]catalog.Video, error)
	ListByOwner(ctx context.Context, owner string, offset, limit int) ([]catalog.Video, error)
	Stats(ctx context.Context) (catalog.Stats, error)
}

type serverConfig struct {
	UploadBucket   string
	PreviewBucket  string
	MaxUploadBytes int64
	UploadRate     int
	UploadWindow   time.Duration
	PresignExpiry  time.Duration
}

type server struct {
	cfg     serverConfig
	logger  *slog.Logger
	jobs    jobStore
	store   objectStore
	catalog videoCatalog
	ping    func(ctx context.Context) error
}

type uploadResponse struct {
	JobID   string     `json:"job_id"`
	VideoID string     `json:"video_id"`
	Status  job.Status `json:"status"`
}

type videoResponse struct {
	catalog.Video
	PreviewURL string `json:"preview_url,omitempty"`
}

func (s *server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	upload := http.Handler(http.HandlerFunc(s.uploadVideo))
	if s.cfg.UploadRate > 0 {
		upload = rateLimit(s.cfg.UploadRate, s.cfg.UploadWindow)(upload)
	}
	r.Handle("/videos", upload).Methods(http.MethodPost)
	r.HandleFunc("/videos", s.listVideos).Methods(http.MethodGet)
	r.HandleFunc("/videos/{id}", s.getVideo).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.stats).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.getJob).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// rateLimit caps requests per client IP within window.
func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.IncUpload("rejected")
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many uploads, try again later")
		}),
	)
}

func (s *server) uploadVideo(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		metrics.IncUpload("rejected")
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", s.cfg.MaxUploadBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(uploadFormField)
	if err != nil {
		metrics.IncUpload("rejected")
		writeError(w, http.StatusBadRequest, "missing video file")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedExtensions[ext] {
		metrics.IncUpload("rejected")
		writeError(w, http.StatusBadRequest, "only .mp4 and .mov uploads are supported")
		return
	}

	title := strings.TrimSpace(r.FormValue("title"))
	if title == "" {
		title = defaultTitle
	}

	msg := job.Message{
		JobID:        uuid.New().String(),
		VideoID:      uuid.New().String(),
		Owner:        strings.TrimSpace(r.Header.Get(ownerHeader)),
		Title:        title,
		Category:     strings.TrimSpace(r.FormValue("category")),
		Price:        strings.TrimSpace(r.FormValue("price")),
		InputBucket:  s.cfg.UploadBucket,
		OriginalName: filepath.Base(header.Filename),
		Size:         header.Size,
	}
	msg.InputObject = storage.ObjectName(msg.Owner, msg.VideoID, "upload", ext)

	ctx := r.Context()
	if err := s.store.PutStream(ctx, msg.InputBucket, msg.InputObject, file, header.Size); err != nil {
		metrics.IncUpload("error")
		s.logger.Error("failed to store upload", "video_id", msg.VideoID, "object", msg.InputObject, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	if err := s.jobs.Create(ctx, msg); err != nil {
		metrics.IncUpload("error")
		s.logger.Error("failed to create job", "job_id", msg.JobID, "error", err)
		if rmErr := s.store.Remove(ctx, msg.InputBucket, msg.InputObject); rmErr != nil {
			s.logger.Warn("failed to remove orphaned upload", "object", msg.InputObject, "error", rmErr)
		}
		writeError(w, http.StatusInternalServerError, "failed to queue job")
		return
	}

	metrics.IncUpload("accepted")
	metrics.UploadBytes.Observe(float64(header.Size))
	s.logger.Info("upload accepted", "job_id", msg.JobID, "video_id", msg.VideoID, "owner", msg.Owner, "size", header.Size)

	writeJSON(w, http.StatusAccepted, uploadResponse{
		JobID:   msg.JobID,
		VideoID: msg.VideoID,
		Status:  job.StatusQueued,
	})
}

func (s *server) getJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	j, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to load job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *server) listVideos(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	limit, err := queryInt(q.Get("limit"), defaultPageSize)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	var videos []catalog.Video
	if owner := strings.TrimSpace(q.Get("owner")); owner != "" {
		videos, err = s.catalog.ListByOwner(r.Context(), owner, offset, limit)
	} else {
		videos, err = s.catalog.List(r.Context(), offset, limit)
	}
	if err != nil {
		s.logger.Error("failed to list videos", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list videos")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"videos": videos})
}

func (s *server) getVideo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	v, err := s.catalog.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "video not found")
			return
		}
		s.logger.Error("failed to load video", "video_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load video")
		return
	}

	resp := videoResponse{Video: *v}
	if v.PreviewObject != "" {
		u, err := s.store.PresignedURL(r.Context(), s.cfg.PreviewBucket, v.PreviewObject, s.cfg.PresignExpiry)
		if err != nil {
			s.logger.Warn("failed to presign preview", "video_id", id, "error", err)
		} else {
			resp.PreviewURL = u
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.catalog.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to load stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "redis unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func queryInt(value string, fallback int) (int, error) {
	if value == "" {
		return fallback, nil
	}
	return strconv.Atoi(value)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
