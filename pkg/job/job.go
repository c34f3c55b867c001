package job

import "time"

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are expected for s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Job struct {
	ID               string    `json:"job_id"`
	VideoID          string    `json:"video_id"`
	Owner            string    `json:"owner,omitempty"`
	Status           Status    `json:"status"`
	Progress         int64     `json:"progress"`
	Attempts         int64     `json:"attempts"`
	OriginalFile     string    `json:"original_file,omitempty"`
	PreviewFile      string    `json:"preview_file,omitempty"`
	ErrorKind        string    `json:"error_kind,omitempty"`
	ErrorMessage     string    `json:"error,omitempty"`
	OriginalFilename string    `json:"original_filename,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Message is the queue payload handed from the upload API to the worker.
type Message struct {
	JobID        string `json:"job_id"`
	VideoID      string `json:"video_id"`
	Owner        string `json:"owner"`
	Title        string `json:"title"`
	Category     string `json:"category,omitempty"`
	Price        string `json:"price,omitempty"`
	InputBucket  string `json:"input_bucket"`
	InputObject  string `json:"input_object"`
	OriginalName string `json:"original_name"`
	Size         int64  `json:"size"`
}
