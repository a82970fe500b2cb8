package api

import (
	"time"

	"github.com/JakeFAU/pagecapture/internal/capture"
)

type artifactView struct {
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	Strategy    string    `json:"strategy"`
	Degraded    bool      `json:"degraded"`
	CreatedAt   time.Time `json:"created_at"`
	Download    string    `json:"download"`
}

type jobView struct {
	JobID       string            `json:"job_id"`
	Status      capture.JobStatus `json:"status"`
	Position    *int              `json:"position"`
	URL         string            `json:"url"`
	Tags        map[string]string `json:"tags,omitempty"`
	QueuedAt    time.Time         `json:"queued_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	FailedAt    *time.Time        `json:"failed_at,omitempty"`
	Attempts    int               `json:"attempts"`
	Result      *artifactView     `json:"result,omitempty"`
	Error       *capture.JobError `json:"error,omitempty"`
}

func toJobView(job capture.Job) jobView {
	view := jobView{
		JobID:       job.ID,
		Status:      job.Status,
		Position:    job.Position,
		URL:         job.Input.URL,
		Tags:        job.Input.Tags,
		QueuedAt:    job.QueuedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		FailedAt:    job.FailedAt,
		Attempts:    job.Attempts,
		Error:       job.Error,
	}
	if ref := job.Result; ref != nil {
		view.Result = &artifactView{
			ContentType: ref.ContentType,
			Size:        ref.Size,
			SHA256:      ref.SHA256,
			Strategy:    ref.Strategy,
			Degraded:    ref.Degraded,
			CreatedAt:   ref.CreatedAt,
			Download:    "/v1/jobs/" + job.ID + "/artifact",
		}
	}
	return view
}
