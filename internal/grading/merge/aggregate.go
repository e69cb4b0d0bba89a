package merge

import (
	"context"

	"gradeflow/internal/grading/model"
	appErr "gradeflow/pkg/errors"
	"gradeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// Aggregator assigns merged question results to students and sums scores.
type Aggregator struct{}

// NewAggregator creates an aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Aggregate partitions questions among the detected students. Every
// question lands in exactly one student's result; a question whose pages
// straddle a boundary goes to the student holding the majority of them.
func (a *Aggregator) Aggregate(ctx context.Context, boundaries []model.StudentBoundary, questions []model.QuestionResult) ([]model.StudentResult, error) {
	if len(boundaries) == 0 {
		if len(questions) == 0 {
			return []model.StudentResult{}, nil
		}
		return nil, appErr.Newf(appErr.MergeInputInvalid, "cannot aggregate question results without student boundaries")
	}

	results := make([]model.StudentResult, len(boundaries))
	for i, b := range boundaries {
		results[i] = model.StudentResult{
			StudentKey:      b.StudentKey,
			QuestionResults: make([]model.QuestionResult, 0),
			Boundary:        b,
		}
	}

	for _, q := range questions {
		owner := a.assign(ctx, boundaries, q)
		results[owner].QuestionResults = append(results[owner].QuestionResults, q)
		results[owner].TotalScore += q.Score
		results[owner].MaxTotalScore += q.MaxScore
	}
	return results, nil
}

// assign picks the owning boundary for one question. Returns an index
// into boundaries; always succeeds so no question is ever dropped.
func (a *Aggregator) assign(ctx context.Context, boundaries []model.StudentBoundary, q model.QuestionResult) int {
	counts := make([]int, len(boundaries))
	matched := 0
	for _, page := range q.PageIndices {
		for i, b := range boundaries {
			if b.Contains(page) {
				counts[i]++
				matched++
				break
			}
		}
	}

	if matched == 0 {
		// pages outside every boundary, should not happen with full
		// coverage; park the question on the nearest student
		owner := a.nearest(boundaries, q.PageIndices)
		logger.Warn(ctx, "question pages outside all student boundaries",
			zap.String("question_id", q.QuestionID),
			zap.Ints("page_indices", q.PageIndices),
			zap.String("assigned_student", boundaries[owner].StudentKey),
		)
		return owner
	}

	owner := 0
	spanned := 0
	for i, c := range counts {
		if c > 0 {
			spanned++
		}
		if c > counts[owner] {
			owner = i
		}
	}
	if spanned > 1 {
		logger.Warn(ctx, "question spans a student boundary",
			zap.String("question_id", q.QuestionID),
			zap.Ints("page_indices", q.PageIndices),
			zap.String("assigned_student", boundaries[owner].StudentKey),
			zap.Int("students_spanned", spanned),
			zap.Int("code", int(appErr.BoundaryInconsistent)),
		)
	}
	return owner
}

func (a *Aggregator) nearest(boundaries []model.StudentBoundary, pages []int) int {
	if len(pages) == 0 {
		return 0
	}
	page := pages[0]
	owner := 0
	best := -1
	for i, b := range boundaries {
		d := distance(b, page)
		if best < 0 || d < best {
			best = d
			owner = i
		}
	}
	return owner
}

func distance(b model.StudentBoundary, page int) int {
	if page < b.StartPage {
		return b.StartPage - page
	}
	if page > b.EndPage {
		return page - b.EndPage
	}
	return 0
}
