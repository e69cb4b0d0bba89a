package merge_test

import (
	"context"
	"testing"

	"gradeflow/internal/grading/merge"
	"gradeflow/internal/grading/model"
	appErr "gradeflow/pkg/errors"
)

func boundary(key string, start, end int) model.StudentBoundary {
	return model.StudentBoundary{StudentKey: key, StartPage: start, EndPage: end}
}

func merged(id string, score, maxScore float64, pages ...int) model.QuestionResult {
	return model.QuestionResult{QuestionID: id, Score: score, MaxScore: maxScore, PageIndices: pages}
}

func TestAggregateAssignsByPageRange(t *testing.T) {
	t.Parallel()

	boundaries := []model.StudentBoundary{
		boundary("Alice", 0, 1),
		boundary("Bob", 2, 3),
	}
	questions := []model.QuestionResult{
		merged("1", 3.0, 5.0, 0),
		merged("2", 4.0, 6.0, 1),
		merged("1", 5.0, 5.0, 2),
		merged("2", 2.0, 6.0, 3),
	}

	results, err := merge.NewAggregator().Aggregate(context.Background(), boundaries, questions)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 student results, got %d", len(results))
	}

	alice, bob := results[0], results[1]
	if alice.StudentKey != "Alice" || bob.StudentKey != "Bob" {
		t.Fatalf("expected boundary order preserved, got %s, %s", alice.StudentKey, bob.StudentKey)
	}
	if alice.TotalScore != 7.0 || alice.MaxTotalScore != 11.0 {
		t.Fatalf("expected Alice 7.0/11.0, got %v/%v", alice.TotalScore, alice.MaxTotalScore)
	}
	if bob.TotalScore != 7.0 || bob.MaxTotalScore != 11.0 {
		t.Fatalf("expected Bob 7.0/11.0, got %v/%v", bob.TotalScore, bob.MaxTotalScore)
	}
}

func TestAggregateEveryQuestionAssignedExactlyOnce(t *testing.T) {
	t.Parallel()

	boundaries := []model.StudentBoundary{
		boundary("Student_1", 0, 2),
		boundary("Student_2", 3, 5),
		boundary("Student_3", 6, 8),
	}
	questions := make([]model.QuestionResult, 0)
	for page := 0; page < 9; page++ {
		questions = append(questions, merged("q", 1.0, 2.0, page))
	}

	results, err := merge.NewAggregator().Aggregate(context.Background(), boundaries, questions)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assigned := 0
	var totalScore, maxTotal float64
	for _, r := range results {
		assigned += len(r.QuestionResults)
		totalScore += r.TotalScore
		maxTotal += r.MaxTotalScore
	}
	if assigned != len(questions) {
		t.Fatalf("expected all %d questions assigned, got %d", len(questions), assigned)
	}
	if totalScore != 9.0 || maxTotal != 18.0 {
		t.Fatalf("totals must equal the per-question sums, got %v/%v", totalScore, maxTotal)
	}
}

func TestAggregateStraddlingQuestionGoesToMajority(t *testing.T) {
	t.Parallel()

	boundaries := []model.StudentBoundary{
		boundary("Alice", 0, 3),
		boundary("Bob", 4, 7),
	}
	// one page in Alice's range, two in Bob's
	questions := []model.QuestionResult{merged("5", 6.0, 10.0, 3, 4, 5)}

	results, err := merge.NewAggregator().Aggregate(context.Background(), boundaries, questions)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results[0].QuestionResults) != 0 {
		t.Fatalf("Alice should not own the straddling question, got %d", len(results[0].QuestionResults))
	}
	if len(results[1].QuestionResults) != 1 {
		t.Fatalf("Bob should own the straddling question, got %d", len(results[1].QuestionResults))
	}
}

func TestAggregateStraddlingTiePrefersEarlierStudent(t *testing.T) {
	t.Parallel()

	boundaries := []model.StudentBoundary{
		boundary("Alice", 0, 3),
		boundary("Bob", 4, 7),
	}
	questions := []model.QuestionResult{merged("4", 5.0, 10.0, 3, 4)}

	results, err := merge.NewAggregator().Aggregate(context.Background(), boundaries, questions)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results[0].QuestionResults) != 1 {
		t.Fatal("an even split should go to the earlier student")
	}
}

func TestAggregateStudentWithoutQuestions(t *testing.T) {
	t.Parallel()

	boundaries := []model.StudentBoundary{
		boundary("Alice", 0, 1),
		boundary("Bob", 2, 3),
	}
	questions := []model.QuestionResult{merged("1", 3.0, 5.0, 0)}

	results, err := merge.NewAggregator().Aggregate(context.Background(), boundaries, questions)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[1].TotalScore != 0 || len(results[1].QuestionResults) != 0 {
		t.Fatalf("expected an empty result for Bob, got %+v", results[1])
	}
}

func TestAggregateOrphanPagesParkOnNearest(t *testing.T) {
	t.Parallel()

	boundaries := []model.StudentBoundary{
		boundary("Alice", 0, 1),
		boundary("Bob", 5, 6),
	}
	questions := []model.QuestionResult{merged("1", 2.0, 4.0, 3)}

	results, err := merge.NewAggregator().Aggregate(context.Background(), boundaries, questions)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	total := len(results[0].QuestionResults) + len(results[1].QuestionResults)
	if total != 1 {
		t.Fatalf("an orphan question must still land on exactly one student, got %d", total)
	}
}

func TestAggregateRejectsQuestionsWithoutBoundaries(t *testing.T) {
	t.Parallel()

	_, err := merge.NewAggregator().Aggregate(context.Background(), nil,
		[]model.QuestionResult{merged("1", 1.0, 2.0, 0)})
	if appErr.GetCode(err) != appErr.MergeInputInvalid {
		t.Fatalf("expected MergeInputInvalid, got %v", err)
	}

	empty, err := merge.NewAggregator().Aggregate(context.Background(), nil, nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty input should aggregate to nothing, got %v, %v", empty, err)
	}
}
