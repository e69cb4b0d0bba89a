package vision

import (
	"context"

	"gradeflow/internal/grading/model"
)

// PageRequest carries one scanned answer page to the grading model.
type PageRequest struct {
	RunID     string
	PageIndex int
	Image     []byte
	MIMEType  string
	Rubric    model.Rubric
}

// RubricRequest carries a scanned scoring standard to the parsing model.
type RubricRequest struct {
	RunID    string
	Image    []byte
	MIMEType string
}

// Grader scores a single answer page against a rubric.
// Implementations do not retry; callers own the retry policy.
type Grader interface {
	GradePage(ctx context.Context, req PageRequest) (model.PageGradingResult, error)
}

// RubricParser extracts a structured rubric from a scanned document.
type RubricParser interface {
	ParseRubric(ctx context.Context, req RubricRequest) (model.Rubric, error)
}
