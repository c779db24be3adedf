package domain

import (
	"encoding/json"
	"time"
)

type SyncJobType string

const (
	SyncJobType_Sync    SyncJobType = "sync"
	SyncJobType_Create  SyncJobType = "create"
	SyncJobType_Update  SyncJobType = "update"
	SyncJobType_Refresh SyncJobType = "refresh"
)

type SyncJobStatus string

const (
	SyncJobStatus_Waiting   SyncJobStatus = "waiting"
	SyncJobStatus_Delayed   SyncJobStatus = "delayed"
	SyncJobStatus_Active    SyncJobStatus = "active"
	SyncJobStatus_Completed SyncJobStatus = "completed"
	SyncJobStatus_Failed    SyncJobStatus = "failed"
)

type SyncJobData struct {
	UserID        string          `json:"user_id"`
	IntegrationID string          `json:"integration_id"`
	ProjectID     string          `json:"project_id,omitempty"`
	IssueID       string          `json:"issue_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type BackoffType string

const (
	BackoffType_Fixed       BackoffType = "fixed"
	BackoffType_Exponential BackoffType = "exponential"
)

type JobBackoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Next returns the wait before the given retry (1 based).
func (b JobBackoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Type == BackoffType_Exponential {
		return b.Delay * time.Duration(1<<(attempt-1))
	}
	return b.Delay
}

type JobOptions struct {
	Attempts         int           `json:"attempts"`
	Backoff          JobBackoff    `json:"backoff"`
	Timeout          time.Duration `json:"timeout,omitempty"`
	RemoveOnComplete bool          `json:"remove_on_complete"`
}

func DefaultJobOptions() JobOptions {
	return JobOptions{
		Attempts:         3,
		Backoff:          JobBackoff{Type: BackoffType_Exponential, Delay: 5 * time.Second},
		Timeout:          30 * time.Minute,
		RemoveOnComplete: true,
	}
}

type SyncJob struct {
	ID          string        `json:"id"`
	Type        SyncJobType   `json:"type"`
	Data        SyncJobData   `json:"data"`
	Options     JobOptions    `json:"options"`
	Attempts    int           `json:"attempts_made"`
	Progress    int           `json:"progress"`
	Status      SyncJobStatus `json:"status"`
	LastError   string        `json:"last_error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	ProcessedAt *time.Time    `json:"processed_at,omitempty"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

type SyncOptions struct {
	RefreshMetadata bool `json:"refresh_metadata"`
	// Progress receives a 0-100 completion percentage between batches.
	Progress func(percent int) `json:"-"`
}

type SyncResult struct {
	SyncedCount int      `json:"synced_count"`
	Errors      []string `json:"errors"`
}
