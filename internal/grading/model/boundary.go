package model

// DetectionMethod records what evidence committed a student boundary.
type DetectionMethod string

const (
	DetectionIdentity      DetectionMethod = "identity"
	DetectionQuestionCycle DetectionMethod = "question-cycle"
	DetectionEstimated     DetectionMethod = "estimated"
)

// StudentBoundary is a detected student's contiguous page range.
// StartPage and EndPage are inclusive.
type StudentBoundary struct {
	StudentKey        string          `json:"student_key"`
	StartPage         int             `json:"start_page"`
	EndPage           int             `json:"end_page"`
	Confidence        float64         `json:"confidence"`
	NeedsConfirmation bool            `json:"needs_confirmation"`
	DetectionMethod   DetectionMethod `json:"detection_method"`
}

// PageCount returns the number of pages in the range.
func (b *StudentBoundary) PageCount() int {
	return b.EndPage - b.StartPage + 1
}

// Contains reports whether the page falls inside the range.
func (b *StudentBoundary) Contains(pageIndex int) bool {
	return pageIndex >= b.StartPage && pageIndex <= b.EndPage
}

// DetectionResult is the output of boundary detection over a run's pages.
type DetectionResult struct {
	Boundaries    []StudentBoundary `json:"boundaries"`
	TotalStudents int               `json:"total_students"`
}

// StudentResult is the aggregated terminal artifact for one student.
type StudentResult struct {
	StudentKey      string           `json:"student_key"`
	TotalScore      float64          `json:"total_score"`
	MaxTotalScore   float64          `json:"max_total_score"`
	QuestionResults []QuestionResult `json:"question_results"`
	Boundary        StudentBoundary  `json:"boundary"`
}
