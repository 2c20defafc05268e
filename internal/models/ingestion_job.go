package models

import (
	"fmt"
	"time"
)

type JobStatus string

const (
	JobUploading JobStatus = "UPLOADING"
	JobIndexing  JobStatus = "INDEXING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CanTransition enforces UPLOADING -> INDEXING -> COMPLETED with FAILED
// reachable from any non-terminal status.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case JobFailed:
		return true
	case JobIndexing:
		return s == JobUploading
	case JobCompleted:
		return s == JobIndexing
	default:
		return false
	}
}

// IngestionJob tracks one document moving through the remote indexing protocol.
type IngestionJob struct {
	ID               string    `json:"id"`
	CharacterID      int64     `json:"character_id"`
	LocalFilePath    string    `json:"-"`
	OriginalFileName string    `json:"original_file_name"`
	MD5              string    `json:"md5"`
	SizeBytes        int64     `json:"size_bytes"`
	Status           JobStatus `json:"status"`
	RemoteFileID     string    `json:"remote_file_id,omitempty"`
	RemoteJobID      string    `json:"remote_job_id,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Transition moves the job to next, rejecting non-monotonic changes.
func (j *IngestionJob) Transition(next JobStatus) error {
	if !j.Status.CanTransition(next) {
		return fmt.Errorf("illegal job transition %s -> %s", j.Status, next)
	}
	j.Status = next
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// SetRemoteFileID records the remote file id; it is write-once.
func (j *IngestionJob) SetRemoteFileID(id string) error {
	if j.RemoteFileID != "" && j.RemoteFileID != id {
		return fmt.Errorf("remote file id already set for job %s", j.ID)
	}
	j.RemoteFileID = id
	return nil
}

// SetRemoteJobID records the remote index job id; it is write-once.
func (j *IngestionJob) SetRemoteJobID(id string) error {
	if j.RemoteJobID != "" && j.RemoteJobID != id {
		return fmt.Errorf("remote job id already set for job %s", j.ID)
	}
	j.RemoteJobID = id
	return nil
}
