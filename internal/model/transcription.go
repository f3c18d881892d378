package model

import "time"

// SubmitRequest is a validated upload ready to become a job
type SubmitRequest struct {
	Filename    string `validate:"required,max=255"`
	ContentType string `validate:"omitempty,max=127"`
	Data        []byte `validate:"-"`
}

// SubmitResponse is returned as soon as the job is queued
type SubmitResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Progress  int       `json:"progress"`
	Filename  string    `json:"filename"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobStatusResponse is the polling snapshot of a job
type JobStatusResponse struct {
	JobID       string          `json:"jobId"`
	Status      JobStatus       `json:"status"`
	Progress    int             `json:"progress"`
	CurrentStep string          `json:"currentStep,omitempty"`
	Filename    string          `json:"filename"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Attempts    int             `json:"attempts"`
	Result      *ResultResponse `json:"result,omitempty"`
	Error       *JobError       `json:"error,omitempty"`
}

// ResultResponse summarizes a completed job with download links
type ResultResponse struct {
	DownloadURL       string                  `json:"downloadUrl"`
	Downloads         map[ArtifactKind]string `json:"downloads"`
	TempoBPM          float64                 `json:"tempoBpm"`
	NoteCount         int                     `json:"noteCount"`
	DurationSeconds   float64                 `json:"durationSeconds"`
	ProcessingSeconds float64                 `json:"processingSeconds"`
}

// JobListResponse is returned by the admin listing
type JobListResponse struct {
	Jobs  []JobStatusResponse `json:"jobs"`
	Count int                 `json:"count"`
}

// Artifact is a downloadable output of a completed job
type Artifact struct {
	Kind        ArtifactKind
	Filename    string
	ContentType string
	Data        []byte
}
