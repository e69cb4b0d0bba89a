package model

// PageStatus marks whether a page produced a usable grading output.
type PageStatus string

const (
	PageStatusOK     PageStatus = "ok"
	PageStatusFailed PageStatus = "failed"
)

// HintMethod records how a student identity hint was extracted.
type HintMethod string

const (
	HintMethodHandwriting HintMethod = "handwriting"
	HintMethodBarcode     HintMethod = "barcode"
	HintMethodHeader      HintMethod = "header"
)

// StudentHint is an identity signal extracted from one page.
type StudentHint struct {
	Value      string     `json:"value"`
	Method     HintMethod `json:"method"`
	Confidence float64    `json:"confidence"`
}

// ScoringPointResult is one rubric scoring point's award on one question.
type ScoringPointResult struct {
	PointID   string  `json:"point_id"`
	Awarded   float64 `json:"awarded"`
	MaxPoints float64 `json:"max_points"`
	Evidence  string  `json:"evidence"`
}

// QuestionResult is one question's score as graded on one page, or the
// merged view of the same question across several pages.
// Merging never mutates the per-page instances; it produces a new one.
type QuestionResult struct {
	QuestionID    string               `json:"question_id"`
	Score         float64              `json:"score"`
	MaxScore      float64              `json:"max_score"`
	Feedback      string               `json:"feedback"`
	Confidence    float64              `json:"confidence"`
	ScoringPoints []ScoringPointResult `json:"scoring_points,omitempty"`

	// PageIndices records every page that contributed to this result.
	// A single-page result carries exactly its origin page.
	PageIndices []int `json:"page_indices"`

	// Cross-page merge metadata.
	IsCrossPage bool     `json:"is_cross_page,omitempty"`
	MergeSource []string `json:"merge_source,omitempty"`
}

// HasScoringPoints reports whether the result carries a scoring point breakdown.
func (q *QuestionResult) HasScoringPoints() bool {
	return len(q.ScoringPoints) > 0
}

// OnPage reports whether the given page contributed to this result.
func (q *QuestionResult) OnPage(pageIndex int) bool {
	for _, idx := range q.PageIndices {
		if idx == pageIndex {
			return true
		}
	}
	return false
}

// PageGradingResult is one page's raw grading output.
// Immutable once produced by the grading capability.
type PageGradingResult struct {
	PageIndex       int              `json:"page_index"`
	QuestionResults []QuestionResult `json:"question_results"`
	StudentHint     *StudentHint     `json:"student_hint,omitempty"`
	Status          PageStatus       `json:"status"`
	Error           string           `json:"error,omitempty"`
}
