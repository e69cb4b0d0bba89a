package errorlog

import (
	"context"
	"time"

	"gradeflow/internal/grading/model"
	"gradeflow/internal/grading/resilience"
	appErr "gradeflow/pkg/errors"
	"gradeflow/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recorder builds structured entries from caught errors and appends them
// to the repository. Persistence is best-effort: a failing error log must
// never take the pipeline down with it.
type Recorder struct {
	repo    Repository
	runID   string
	stage   model.Stage
	timeout time.Duration
}

// NewRecorder creates a recorder scoped to one run.
func NewRecorder(repo Repository, runID string) *Recorder {
	return &Recorder{
		repo:    repo,
		runID:   runID,
		timeout: 5 * time.Second,
	}
}

// ForStage returns a copy of the recorder tagged with the given stage.
func (r *Recorder) ForStage(stage model.Stage) *Recorder {
	if r == nil {
		return nil
	}
	clone := *r
	clone.stage = stage
	return &clone
}

// Record captures one failure and returns the entry ID.
func (r *Recorder) Record(ctx context.Context, err error, fields map[string]string) string {
	if r == nil || err == nil {
		return ""
	}

	custom := appErr.GetError(err)
	entry := model.ErrorEntry{
		ID:         uuid.NewString(),
		RunID:      r.runID,
		Stage:      r.stage,
		ErrorType:  resilience.Classify(err).String(),
		Code:       int(custom.Code),
		Message:    custom.Error(),
		Context:    fields,
		StackTrace: custom.Stack,
		Timestamp:  time.Now().Unix(),
	}
	if fields != nil {
		if retry, ok := fields["retry_count"]; ok && retry != "" {
			// retry counts arrive stringly from isolation context
			entry.RetryCount = parseRetryCount(retry)
		}
	}

	saveCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
	}
	if appendErr := r.repo.Append(saveCtx, entry); appendErr != nil {
		logger.Warn(ctx, "append error log entry failed",
			zap.String("entry_id", entry.ID),
			zap.Error(appendErr),
		)
	}
	return entry.ID
}

func parseRetryCount(raw string) int {
	count := 0
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0
		}
		count = count*10 + int(c-'0')
	}
	return count
}

var _ resilience.Recorder = (*Recorder)(nil)
