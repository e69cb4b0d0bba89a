package boundary_test

import (
	"context"
	"fmt"
	"math"
	"testing"

	"gradeflow/internal/grading/boundary"
	"gradeflow/internal/grading/model"
)

func page(index int, questions []string, hint *model.StudentHint) model.PageGradingResult {
	results := make([]model.QuestionResult, 0, len(questions))
	for _, q := range questions {
		results = append(results, model.QuestionResult{
			QuestionID:  q,
			Score:       1,
			MaxScore:    5,
			Confidence:  0.9,
			PageIndices: []int{index},
		})
	}
	return model.PageGradingResult{
		PageIndex:       index,
		QuestionResults: results,
		StudentHint:     hint,
		Status:          model.PageStatusOK,
	}
}

func hint(value string, confidence float64) *model.StudentHint {
	return &model.StudentHint{Value: value, Method: model.HintMethodHandwriting, Confidence: confidence}
}

func checkCoverage(t *testing.T, boundaries []model.StudentBoundary, pageCount int) {
	t.Helper()
	if len(boundaries) == 0 {
		t.Fatal("expected at least one boundary")
	}
	if boundaries[0].StartPage != 0 {
		t.Fatalf("expected first boundary to start at 0, got %d", boundaries[0].StartPage)
	}
	for i := 1; i < len(boundaries); i++ {
		if boundaries[i].StartPage != boundaries[i-1].EndPage+1 {
			t.Fatalf("boundaries not contiguous at index %d: %+v", i, boundaries)
		}
	}
	if last := boundaries[len(boundaries)-1].EndPage; last != pageCount-1 {
		t.Fatalf("expected last boundary to end at %d, got %d", pageCount-1, last)
	}
}

func TestDetectIdentitySwitch(t *testing.T) {
	t.Parallel()
	pages := []model.PageGradingResult{
		page(0, []string{"1", "2", "3"}, hint("Alice", 0.9)),
		page(1, []string{"4", "5"}, nil),
		page(2, []string{"1", "2"}, hint("Bob", 0.85)),
	}

	d := boundary.NewDetector(boundary.DefaultConfig())
	result := d.Detect(context.Background(), pages)

	if result.TotalStudents != 2 {
		t.Fatalf("expected 2 students, got %d", result.TotalStudents)
	}
	checkCoverage(t, result.Boundaries, 3)

	alice := result.Boundaries[0]
	if alice.StudentKey != "Alice" || alice.StartPage != 0 || alice.EndPage != 1 {
		t.Fatalf("unexpected first boundary: %+v", alice)
	}
	if math.Abs(alice.Confidence-0.83) > 0.05 {
		t.Fatalf("expected Alice confidence near 0.83, got %f", alice.Confidence)
	}
	if alice.NeedsConfirmation {
		t.Fatal("expected Alice boundary to be confident")
	}

	bob := result.Boundaries[1]
	if bob.StudentKey != "Bob" || bob.StartPage != 2 || bob.EndPage != 2 {
		t.Fatalf("unexpected second boundary: %+v", bob)
	}
	if math.Abs(bob.Confidence-0.72) > 0.05 {
		t.Fatalf("expected Bob confidence near 0.72, got %f", bob.Confidence)
	}
	if !bob.NeedsConfirmation {
		t.Fatal("expected short single-page range to need confirmation")
	}
	if bob.DetectionMethod != model.DetectionIdentity {
		t.Fatalf("expected identity detection, got %s", bob.DetectionMethod)
	}
}

func TestDetectQuestionCycleWithoutHints(t *testing.T) {
	t.Parallel()
	pages := []model.PageGradingResult{
		page(0, []string{"1", "2", "3"}, nil),
		page(1, []string{"4", "5", "6"}, nil),
		page(2, []string{"1", "2", "3"}, nil),
		page(3, []string{"4", "5", "6"}, nil),
	}

	d := boundary.NewDetector(boundary.DefaultConfig())
	result := d.Detect(context.Background(), pages)

	if result.TotalStudents != 2 {
		t.Fatalf("expected 2 students, got %d", result.TotalStudents)
	}
	checkCoverage(t, result.Boundaries, 4)
	first := result.Boundaries[0]
	if first.StudentKey != "Student_1" {
		t.Fatalf("expected synthetic key Student_1, got %s", first.StudentKey)
	}
	if result.Boundaries[1].DetectionMethod != model.DetectionQuestionCycle {
		t.Fatalf("expected question-cycle detection, got %s", result.Boundaries[1].DetectionMethod)
	}
}

func TestDetectWeakHintNeedsEstablishedStudent(t *testing.T) {
	t.Parallel()
	// conf 0.75 hint cannot switch after only 2 pages
	d := boundary.NewDetector(boundary.DefaultConfig())
	result := d.Detect(context.Background(), []model.PageGradingResult{
		page(0, []string{"1"}, hint("Alice", 0.9)),
		page(1, []string{"2"}, nil),
		page(2, []string{"3"}, hint("Bob", 0.75)),
	})
	if result.TotalStudents != 1 {
		t.Fatalf("expected noisy mid-answer hint to be ignored, got %d students", result.TotalStudents)
	}

	// the same hint switches once the current student holds 3 pages
	result = d.Detect(context.Background(), []model.PageGradingResult{
		page(0, []string{"1"}, hint("Alice", 0.9)),
		page(1, []string{"2"}, nil),
		page(2, []string{"3"}, nil),
		page(3, []string{"1"}, hint("Bob", 0.75)),
	})
	if result.TotalStudents != 2 {
		t.Fatalf("expected weak hint to switch after 3 pages, got %d students", result.TotalStudents)
	}
	if result.Boundaries[1].StudentKey != "Bob" {
		t.Fatalf("expected Bob, got %s", result.Boundaries[1].StudentKey)
	}
}

func TestDetectSingleStudentFallback(t *testing.T) {
	t.Parallel()
	d := boundary.NewDetector(boundary.DefaultConfig())
	result := d.Detect(context.Background(), []model.PageGradingResult{
		page(0, []string{"1", "2"}, nil),
		page(1, []string{"3", "4"}, nil),
	})
	if result.TotalStudents != 1 {
		t.Fatalf("expected single student, got %d", result.TotalStudents)
	}
	b := result.Boundaries[0]
	if b.Confidence != 0.5 {
		t.Fatalf("expected confidence 0.5 for single student, got %f", b.Confidence)
	}
	if !b.NeedsConfirmation {
		t.Fatal("expected single-student fallback to need confirmation")
	}
	checkCoverage(t, result.Boundaries, 2)
}

func TestDetectEstimatedSplit(t *testing.T) {
	t.Parallel()
	// short question cycles: resets happen but never satisfy the strong
	// or medium thresholds, so the even split estimator kicks in
	pages := []model.PageGradingResult{
		page(0, []string{"1", "2"}, nil),
		page(1, []string{"3"}, nil),
		page(2, []string{"1", "2"}, nil),
		page(3, []string{"3"}, nil),
	}
	d := boundary.NewDetector(boundary.DefaultConfig())
	result := d.Detect(context.Background(), pages)

	if result.TotalStudents != 2 {
		t.Fatalf("expected estimator to split into 2 students, got %d", result.TotalStudents)
	}
	checkCoverage(t, result.Boundaries, 4)
	for _, b := range result.Boundaries {
		if b.DetectionMethod != model.DetectionEstimated {
			t.Fatalf("expected estimated method, got %s", b.DetectionMethod)
		}
		if b.Confidence != 0.5 {
			t.Fatalf("expected confidence 0.5, got %f", b.Confidence)
		}
	}
}

func TestDetectEmptyInput(t *testing.T) {
	t.Parallel()
	d := boundary.NewDetector(boundary.DefaultConfig())
	result := d.Detect(context.Background(), nil)
	if result.TotalStudents != 0 || len(result.Boundaries) != 0 {
		t.Fatalf("expected empty result, got %+v", result)
	}
}

func TestDetectCoverageProperty(t *testing.T) {
	t.Parallel()
	d := boundary.NewDetector(boundary.DefaultConfig())
	for _, pageCount := range []int{1, 2, 5, 9, 16} {
		pageCount := pageCount
		t.Run(fmt.Sprintf("%d_pages", pageCount), func(t *testing.T) {
			t.Parallel()
			pages := make([]model.PageGradingResult, 0, pageCount)
			for i := 0; i < pageCount; i++ {
				questions := []string{fmt.Sprintf("%d", i%6+1)}
				var h *model.StudentHint
				if i%6 == 0 {
					h = hint(fmt.Sprintf("Student-%d", i/6), 0.92)
				}
				pages = append(pages, page(i, questions, h))
			}
			result := d.Detect(context.Background(), pages)
			checkCoverage(t, result.Boundaries, pageCount)
		})
	}
}

func TestAnalyzeExplainsLowConfidence(t *testing.T) {
	t.Parallel()
	pages := []model.PageGradingResult{
		page(0, []string{"1", "4"}, nil),
	}
	b := model.StudentBoundary{StudentKey: "Student_1", StartPage: 0, EndPage: 0}

	analysis := boundary.Analyze(b, pages)
	if analysis.OverallConfidence >= 0.8 {
		t.Fatalf("expected low confidence, got %f", analysis.OverallConfidence)
	}
	if analysis.Factors["identity"].Weight != 0 {
		t.Fatal("expected identity factor to carry no weight without hints")
	}
	if analysis.Factors["sharpness"].Score != 0.3 {
		t.Fatalf("expected sharpness 0.3 for single page, got %f", analysis.Factors["sharpness"].Score)
	}
	if len(analysis.Issues) == 0 || len(analysis.Recommendations) == 0 {
		t.Fatal("expected issues and recommendations for a low-confidence boundary")
	}
}
