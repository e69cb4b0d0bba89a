package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Rubric module errors
// 12000-12999: Page & Grading module errors
// 13000-13999: Merge & Boundary module errors
// 14000-14999: Workflow & Run module errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008
	ResourceExhausted   ErrorCode = 10009

	// Database errors (10100-10199)
	DatabaseError  ErrorCode = 10100
	RecordNotFound ErrorCode = 10101

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	LockFailed ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	RequiredFieldEmpty ErrorCode = 10303

	// Storage errors (10400-10499)
	StorageError     ErrorCode = 10400
	ObjectNotFound   ErrorCode = 10401
	ObjectTooLarge   ErrorCode = 10402
	UploadIncomplete ErrorCode = 10403

	// ========== Rubric Module Errors (11000-11999) ==========

	RubricNotFound         ErrorCode = 11000
	RubricParseFailed      ErrorCode = 11001
	RubricMalformed        ErrorCode = 11002
	RubricQuestionNotFound ErrorCode = 11003
	RubricNotConfirmed     ErrorCode = 11004

	// ========== Page & Grading Module Errors (12000-12999) ==========

	// Page input (12000-12099)
	PageNotFound  ErrorCode = 12000
	PageMalformed ErrorCode = 12001
	PageTooLarge  ErrorCode = 12002

	// Grading capability (12100-12199)
	GradeFailed          ErrorCode = 12100
	GradingQueueFull     ErrorCode = 12101
	GradingTimeout       ErrorCode = 12102
	ModelUnavailable     ErrorCode = 12103
	ModelRateLimited     ErrorCode = 12104
	ModelResponseInvalid ErrorCode = 12105

	// ========== Merge & Boundary Module Errors (13000-13999) ==========

	// Cross-page merge (13000-13099)
	MergeConflict     ErrorCode = 13000
	MergeInputInvalid ErrorCode = 13001

	// Boundary detection & aggregation (13100-13199)
	BoundaryInconsistent   ErrorCode = 13100
	BoundaryCoverageBroken ErrorCode = 13101
	AggregationInvariant   ErrorCode = 13102

	// ========== Workflow & Run Module Errors (14000-14999) ==========

	// Run lifecycle (14000-14099)
	RunNotFound      ErrorCode = 14000
	RunAlreadyActive ErrorCode = 14001
	RunNotPaused     ErrorCode = 14002
	RunFailed        ErrorCode = 14003
	RunCanceled      ErrorCode = 14004

	// Stage execution (14100-14199)
	StageFailed            ErrorCode = 14100
	InvalidStageTransition ErrorCode = 14101
	StageOutputMissing     ErrorCode = 14102

	// Resume actions (14200-14299)
	InvalidResumeAction  ErrorCode = 14200
	ResumePayloadInvalid ErrorCode = 14201

	// Checkpoint & export (14300-14399)
	CheckpointSaveFailed ErrorCode = 14300
	CheckpointLoadFailed ErrorCode = 14301
	ExportFailed         ErrorCode = 14302
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",
	ResourceExhausted:   "Resource exhausted",

	// Database
	DatabaseError:  "Database operation failed",
	RecordNotFound: "Record not found in database",

	// Cache
	CacheError: "Cache operation failed",
	LockFailed: "Failed to acquire lock",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	RequiredFieldEmpty: "Required field is empty",

	// Storage
	StorageError:     "Object storage operation failed",
	ObjectNotFound:   "Object not found in storage",
	ObjectTooLarge:   "Object is too large",
	UploadIncomplete: "Upload did not complete",

	// Rubric
	RubricNotFound:         "Rubric not found",
	RubricParseFailed:      "Failed to parse rubric",
	RubricMalformed:        "Rubric structure is malformed",
	RubricQuestionNotFound: "Question not found in rubric",
	RubricNotConfirmed:     "Rubric has not been confirmed",

	// Page & Grading
	PageNotFound:  "Page not found",
	PageMalformed: "Page payload is malformed",
	PageTooLarge:  "Page image is too large",

	GradeFailed:          "Page grading failed",
	GradingQueueFull:     "Grading queue is full, please try again later",
	GradingTimeout:       "Page grading timed out",
	ModelUnavailable:     "Grading model is unavailable",
	ModelRateLimited:     "Grading model rate limit reached",
	ModelResponseInvalid: "Grading model returned an invalid response",

	// Merge & Boundary
	MergeConflict:          "Conflicting scores while merging question results",
	MergeInputInvalid:      "Merge input has an unexpected shape",
	BoundaryInconsistent:   "Question pages straddle a student boundary",
	BoundaryCoverageBroken: "Detected boundaries do not cover all pages",
	AggregationInvariant:   "Student aggregation invariant violated",

	// Workflow & Run
	RunNotFound:      "Grading run not found",
	RunAlreadyActive: "Grading run is already being processed",
	RunNotPaused:     "Grading run is not paused",
	RunFailed:        "Grading run failed",
	RunCanceled:      "Grading run was canceled",

	StageFailed:            "Workflow stage failed",
	InvalidStageTransition: "Invalid workflow stage transition",
	StageOutputMissing:     "Workflow stage output is missing",

	InvalidResumeAction:  "Invalid resume action",
	ResumePayloadInvalid: "Resume payload is invalid",

	CheckpointSaveFailed: "Failed to save workflow checkpoint",
	CheckpointLoadFailed: "Failed to load workflow checkpoint",
	ExportFailed:         "Failed to export grading results",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == RunNotFound, c == RubricNotFound, c == PageNotFound, c == ObjectNotFound, c == RecordNotFound:
		return 404
	case c == TooManyRequests, c == ModelRateLimited:
		return 429
	case c == ServiceUnavailable, c == ModelUnavailable, c == GradingQueueFull:
		return 503
	case c == RunAlreadyActive:
		return 409
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == InvalidResumeAction, c == ResumePayloadInvalid, c == RunNotPaused:
		return 400
	default:
		return 500
	}
}
