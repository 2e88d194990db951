package models

// JobStatus represents the lifecycle state of a retrieval job.
// Transitions are monotonic: PENDING -> RUNNING -> {DONE, ERROR}.
type JobStatus string

const (
	JobStatusPending JobStatus = "PENDING"
	JobStatusRunning JobStatus = "RUNNING"
	JobStatusDone    JobStatus = "DONE"
	JobStatusError   JobStatus = "ERROR"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusError
}

// CanTransitionTo reports whether moving from s to next preserves the
// monotonic lifecycle.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusDone || next == JobStatusError
	case JobStatusRunning:
		return next == JobStatusDone || next == JobStatusError
	default:
		return false
	}
}

// Job is a durable retrieval job.
//
// Invariants: FinalLink is non-empty iff status is DONE; Error is non-empty
// iff status is ERROR.
type Job struct {
	ID        string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	FinalLink string    `json:"final_link"`
	Error     string    `json:"error"`
	CreatedAt int64     `json:"created_at"` // Unix seconds
	UpdatedAt int64     `json:"updated_at"`
}

// JobInput carries the validated submission plus the folder keys derived
// from the certification date.
type JobInput struct {
	TestNo      string `json:"test_no"`
	CertDateRaw string `json:"cert_date_raw"`
	Year        string `json:"year"`  // First four digits of Date8
	Date8       string `json:"date8"` // YYYYMMDD, a valid Gregorian date
}

// StatusEvent is one entry on a job's status push channel.
type StatusEvent struct {
	Status  JobStatus `json:"status"`
	Message string    `json:"message,omitempty"`
}
