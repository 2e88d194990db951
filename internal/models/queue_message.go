package models

// QueueMessage is the work item enqueued by the dispatcher and consumed by
// retrieval workers.
type QueueMessage struct {
	JobID       string `json:"job_id"`
	TestNo      string `json:"test_no"`
	CertDateRaw string `json:"cert_date_raw"`
	Year        string `json:"year"`
	Date8       string `json:"date8"`
}
