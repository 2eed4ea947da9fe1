package model

import "time"

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Reason codes recorded in ErrorInfo when a job fails.
const (
	FailureCollaborator      = "CollaboratorFailure"
	FailureWorkerUnavailable = "WorkerUnavailable"
	FailureTimeout           = "Timeout"
)

// JobSpec is the client-supplied description of a conversion request.
type JobSpec struct {
	DocumentRef string `json:"documentRef"`
	Filename    string `json:"filename"`
	Title       string `json:"title,omitempty"`
	Composer    string `json:"composer,omitempty"`
}

// ErrorInfo is the structured failure reason set when a job enters failed.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConversionJob is the persisted record of one document conversion.
// SessionID is the primary key; UserID and SessionID are immutable after creation.
type ConversionJob struct {
	SessionID      string
	UserID         string
	Spec           JobSpec
	Status         JobStatus
	Progress       int
	Stage          string
	Attempts       int
	ResultRef      string
	Error          *ErrorInfo
	LeaseExpiresAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func NewConversionJob(sessionID, userID string, spec JobSpec) *ConversionJob {
	now := time.Now()
	return &ConversionJob{
		SessionID: sessionID,
		UserID:    userID,
		Spec:      spec,
		Status:    JobStatusQueued,
		Stage:     "waiting for a worker",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// allowed edges of the job state machine
var transitions = map[JobStatus][]JobStatus{
	JobStatusQueued:     {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusQueued},
}

func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Transition moves the job along one state-machine edge and stamps UpdatedAt.
// It reports false, without mutating, when the edge is not allowed; a terminal
// job therefore never changes again.
func (j *ConversionJob) Transition(next JobStatus) bool {
	if !j.Status.CanTransitionTo(next) {
		return false
	}
	j.Status = next
	j.UpdatedAt = time.Now()
	return true
}

// SetProgress raises Progress while processing. Progress is monotonically
// non-decreasing; stale or out-of-range updates are dropped.
func (j *ConversionJob) SetProgress(pct int, stage string) bool {
	if j.Status != JobStatusProcessing || pct < j.Progress || pct > 100 {
		return false
	}
	j.Progress = pct
	if stage != "" {
		j.Stage = stage
	}
	j.UpdatedAt = time.Now()
	return true
}
