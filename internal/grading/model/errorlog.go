package model

// ErrorEntry is one structured error log record.
// Append-only; only Resolved is ever updated.
type ErrorEntry struct {
	ID         string            `json:"id"`
	RunID      string            `json:"run_id"`
	Stage      Stage             `json:"stage,omitempty"`
	ErrorType  string            `json:"error_type"`
	Code       int               `json:"code"`
	Message    string            `json:"message"`
	Context    map[string]string `json:"context,omitempty"`
	StackTrace string            `json:"stack_trace,omitempty"`
	RetryCount int               `json:"retry_count"`
	Resolved   bool              `json:"resolved"`
	Timestamp  int64             `json:"timestamp"`
}
