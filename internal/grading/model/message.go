package model

// GradeRunMessage represents the Kafka payload starting a grading run.
// Pages come either as explicit object keys or as a prefix to list.
type GradeRunMessage struct {
	RunID       string   `json:"run_id"`
	Bucket      string   `json:"bucket"`
	PageKeys    []string `json:"page_keys,omitempty"`
	PagePrefix  string   `json:"page_prefix,omitempty"`
	RubricKey   string   `json:"rubric_key"`
	BatchSize   int      `json:"batch_size,omitempty"`
	RequestedBy string   `json:"requested_by,omitempty"`
}

// RunEventType enumerates lifecycle events published for a run.
type RunEventType string

const (
	EventStageStarted   RunEventType = "stage_started"
	EventStageCompleted RunEventType = "stage_completed"
	EventRunPaused      RunEventType = "run_paused"
	EventRunResumed     RunEventType = "run_resumed"
	EventRunCompleted   RunEventType = "run_completed"
	EventRunFailed      RunEventType = "run_failed"
)

// RunEvent is the status event published to the events topic.
type RunEvent struct {
	RunID      string       `json:"run_id"`
	Type       RunEventType `json:"type"`
	Stage      Stage        `json:"stage,omitempty"`
	PausePoint PausePoint   `json:"pause_point,omitempty"`
	Message    string       `json:"message,omitempty"`
	Timestamp  int64        `json:"timestamp"`
}
