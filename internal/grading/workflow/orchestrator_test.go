package workflow_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"gradeflow/internal/common/storage"
	"gradeflow/internal/grading/errorlog"
	"gradeflow/internal/grading/model"
	"gradeflow/internal/grading/resilience"
	"gradeflow/internal/grading/vision"
	"gradeflow/internal/grading/workflow"
	appErr "gradeflow/pkg/errors"
)

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

func (s *fakeStorage) put(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+key] = data
}

func (s *fakeStorage) GetObject(ctx context.Context, bucket, key string) (storage.ObjectReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", bucket, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeStorage) PutObject(ctx context.Context, bucket, key string, reader storage.ObjectReader, sizeBytes int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	s.put(bucket, key, data)
	return nil
}

func (s *fakeStorage) StatObject(ctx context.Context, bucket, key string) (storage.ObjectStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"/"+key]
	if !ok {
		return storage.ObjectStat{}, fmt.Errorf("object %s/%s not found", bucket, key)
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

func (s *fakeStorage) ListObjects(ctx context.Context, bucket, prefix string) <-chan storage.ObjectInfo {
	ch := make(chan storage.ObjectInfo)
	go func() {
		defer close(ch)
		s.mu.Lock()
		defer s.mu.Unlock()
		for full, data := range s.objects {
			key := strings.TrimPrefix(full, bucket+"/")
			if key != full && strings.HasPrefix(key, prefix) {
				ch <- storage.ObjectInfo{Key: key, SizeBytes: int64(len(data))}
			}
		}
	}()
	return ch
}

func (s *fakeStorage) RemoveObjects(ctx context.Context, bucket string, keys []string) error {
	return nil
}

type fakeGrader struct {
	mu      sync.Mutex
	calls   int
	results map[int]model.PageGradingResult
	fail    map[int]error
}

func (g *fakeGrader) GradePage(ctx context.Context, req vision.PageRequest) (model.PageGradingResult, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if err, ok := g.fail[req.PageIndex]; ok {
		return model.PageGradingResult{}, err
	}
	return g.results[req.PageIndex], nil
}

func (g *fakeGrader) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeRubricParser struct {
	mu     sync.Mutex
	calls  int
	rubric model.Rubric
}

func (p *fakeRubricParser) ParseRubric(ctx context.Context, req vision.RubricRequest) (model.Rubric, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.rubric, nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []model.RunEvent
}

func (e *fakeEvents) Publish(ctx context.Context, event model.RunEvent) error {
	e.mu.Lock()
	e.events = append(e.events, event)
	e.mu.Unlock()
	return nil
}

func (e *fakeEvents) types() []model.RunEventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	types := make([]model.RunEventType, 0, len(e.events))
	for _, ev := range e.events {
		types = append(types, ev.Type)
	}
	return types
}

type fakeExports struct {
	mu        sync.Mutex
	artifacts []model.ExportArtifact
}

func (e *fakeExports) WriteExport(ctx context.Context, artifact model.ExportArtifact) (string, error) {
	e.mu.Lock()
	e.artifacts = append(e.artifacts, artifact)
	e.mu.Unlock()
	return "exports/" + artifact.RunID + ".json", nil
}

type fakeErrorRepo struct {
	mu      sync.Mutex
	entries []model.ErrorEntry
}

func (r *fakeErrorRepo) Append(ctx context.Context, entry model.ErrorEntry) error {
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
	return nil
}

func (r *fakeErrorRepo) List(ctx context.Context, filter errorlog.ListFilter) ([]model.ErrorEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ErrorEntry(nil), r.entries...), nil
}

func (r *fakeErrorRepo) MarkResolved(ctx context.Context, entryID string) error {
	return nil
}

type harness struct {
	orchestrator *workflow.Orchestrator
	storage      *fakeStorage
	grader       *fakeGrader
	parser       *fakeRubricParser
	events       *fakeEvents
	exports      *fakeExports
	repo         *fakeErrorRepo
}

func pageResult(index int, hintValue string, hintConf float64, questions ...model.QuestionResult) model.PageGradingResult {
	result := model.PageGradingResult{
		PageIndex:       index,
		QuestionResults: questions,
		Status:          model.PageStatusOK,
	}
	if hintValue != "" {
		result.StudentHint = &model.StudentHint{
			Value:      hintValue,
			Method:     model.HintMethodHandwriting,
			Confidence: hintConf,
		}
	}
	return result
}

func gradedQuestion(id string, page int, score, maxScore float64) model.QuestionResult {
	return model.QuestionResult{
		QuestionID:  id,
		Score:       score,
		MaxScore:    maxScore,
		Confidence:  0.9,
		PageIndices: []int{page},
	}
}

// newHarness builds an orchestrator over fakes: four pages, two students
// split by identity hints, a two question rubric.
func newHarness(t *testing.T) *harness {
	t.Helper()

	st := newFakeStorage()
	for i := 0; i < 4; i++ {
		st.put("scans", fmt.Sprintf("hw1/p%d.png", i), []byte("img"))
	}
	st.put("scans", "hw1/rubric.png", []byte("rubric"))

	// question "2" spans Alice's pages, question "4" spans Bob's
	grader := &fakeGrader{
		results: map[int]model.PageGradingResult{
			0: pageResult(0, "Alice", 0.9,
				gradedQuestion("1", 0, 4, 5),
				gradedQuestion("2", 0, 3, 5)),
			1: pageResult(1, "", 0,
				gradedQuestion("2", 1, 2, 5)),
			2: pageResult(2, "Bob", 0.9,
				gradedQuestion("3", 2, 5, 5),
				gradedQuestion("4", 2, 1, 5)),
			3: pageResult(3, "", 0,
				gradedQuestion("4", 3, 4, 5)),
		},
		fail: map[int]error{},
	}
	parser := &fakeRubricParser{
		rubric: model.Rubric{
			Questions: []model.RubricQuestion{
				{QuestionID: "1", MaxScore: 5},
				{QuestionID: "2", MaxScore: 5},
				{QuestionID: "3", MaxScore: 5},
				{QuestionID: "4", MaxScore: 5},
			},
			ParseConfidence: 0.9,
		},
	}
	events := &fakeEvents{}
	exports := &fakeExports{}
	repo := &fakeErrorRepo{}

	cfg := workflow.DefaultConfig()
	cfg.Retry = resilience.RetryConfig{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

	orch := workflow.New(cfg, workflow.Deps{
		Checkpoints: workflow.NewMemoryCheckpointStore(),
		Lock:        workflow.NewMemoryRunLock(),
		Storage:     st,
		Grader:      grader,
		Rubrics:     parser,
		Errors:      repo,
		Events:      events,
		Exports:     exports,
	})
	return &harness{
		orchestrator: orch,
		storage:      st,
		grader:       grader,
		parser:       parser,
		events:       events,
		exports:      exports,
		repo:         repo,
	}
}

func testMessage() model.GradeRunMessage {
	return model.GradeRunMessage{
		RunID:      "run-1",
		Bucket:     "scans",
		PagePrefix: "hw1/p",
		RubricKey:  "hw1/rubric.png",
	}
}

func TestRunPausesForRubricReview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	state, err := h.orchestrator.Start(ctx, testMessage())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.PausePoint != model.PauseRubricReview {
		t.Fatalf("expected pause at rubric review, got %q", state.PausePoint)
	}
	if state.CurrentStage != model.StageGradeBatch {
		t.Fatalf("expected next stage GRADE_BATCH, got %s", state.CurrentStage)
	}
	if h.grader.callCount() != 0 {
		t.Fatalf("grading must not start before rubric confirmation, got %d calls", h.grader.callCount())
	}
}

func TestRunCompletesThroughBothReviews(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orchestrator.Start(ctx, testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state, err := h.orchestrator.Resume(ctx, "run-1", workflow.ActionConfirmRubric, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.PausePoint != model.PauseResultsReview {
		t.Fatalf("expected pause at results review, got %q", state.PausePoint)
	}
	if h.grader.callCount() != 4 {
		t.Fatalf("expected 4 page gradings, got %d", h.grader.callCount())
	}

	state, err = h.orchestrator.Resume(ctx, "run-1", workflow.ActionConfirmResults, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.CurrentStage != model.StageDone {
		t.Fatalf("expected DONE, got %s", state.CurrentStage)
	}

	if len(h.exports.artifacts) != 1 {
		t.Fatalf("expected 1 export, got %d", len(h.exports.artifacts))
	}
	artifact := h.exports.artifacts[0]
	if len(artifact.StudentResults) != 2 {
		t.Fatalf("expected 2 students, got %d", len(artifact.StudentResults))
	}
	if artifact.StudentResults[0].StudentKey != "Alice" || artifact.StudentResults[1].StudentKey != "Bob" {
		t.Fatalf("unexpected students: %s, %s",
			artifact.StudentResults[0].StudentKey, artifact.StudentResults[1].StudentKey)
	}
	// Alice: q1 4/5 + q2 (cross-page, no breakdowns, max of 3 and 2)
	if artifact.StudentResults[0].TotalScore != 7 {
		t.Fatalf("expected Alice total 7, got %v", artifact.StudentResults[0].TotalScore)
	}

	sawCompleted := false
	for _, typ := range h.events.types() {
		if typ == model.EventRunCompleted {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Fatal("expected a run_completed event")
	}
}

func TestResumeConfirmIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orchestrator.Start(ctx, testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := h.orchestrator.Resume(ctx, "run-1", workflow.ActionConfirmRubric, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := h.grader.callCount()

	// retried confirmation must not re-run anything
	state, err := h.orchestrator.Resume(ctx, "run-1", workflow.ActionConfirmRubric, nil)
	if err != nil {
		t.Fatalf("confirming an advanced run must be a no-op, got %v", err)
	}
	if state.PausePoint != model.PauseResultsReview {
		t.Fatalf("expected state unchanged, got pause %q", state.PausePoint)
	}
	if h.grader.callCount() != calls {
		t.Fatalf("expected no new gradings, got %d after %d", h.grader.callCount(), calls)
	}

	if _, err := h.orchestrator.Resume(ctx, "run-1", workflow.ActionConfirmResults, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := h.orchestrator.Resume(ctx, "run-1", workflow.ActionConfirmResults, nil); err != nil {
		t.Fatalf("confirming a completed run must be a no-op, got %v", err)
	}
	if len(h.exports.artifacts) != 1 {
		t.Fatalf("expected a single export, got %d", len(h.exports.artifacts))
	}
}

func TestStartRedeliveryNeverReExecutes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orchestrator.Start(ctx, testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parses := h.parser.calls

	state, err := h.orchestrator.Start(ctx, testMessage())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.PausePoint != model.PauseRubricReview {
		t.Fatalf("expected paused state back, got %q", state.PausePoint)
	}
	if h.parser.calls != parses {
		t.Fatalf("redelivery must not re-parse the rubric, got %d parses", h.parser.calls)
	}
}

func TestStructuralPageFailureIsIsolated(t *testing.T) {
	h := newHarness(t)
	h.grader.fail[1] = appErr.Newf(appErr.PageMalformed, "page 1 is unreadable")
	ctx := context.Background()

	if _, err := h.orchestrator.Start(ctx, testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state, err := h.orchestrator.Resume(ctx, "run-1", workflow.ActionConfirmRubric, nil)
	if err != nil {
		t.Fatalf("one bad page must not sink the batch: %v", err)
	}
	if state.PausePoint != model.PauseResultsReview {
		t.Fatalf("expected the run to reach results review, got %q", state.PausePoint)
	}

	view, err := h.orchestrator.GetState(ctx, "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Summary.FailedPages != 1 {
		t.Fatalf("expected 1 failed page in the summary, got %d", view.Summary.FailedPages)
	}
	if len(h.repo.entries) == 0 {
		t.Fatal("expected the failure recorded in the error log")
	}
}

func TestFatalFailureAbortsWithPartialResults(t *testing.T) {
	h := newHarness(t)
	h.grader.fail[2] = appErr.Newf(appErr.ResourceExhausted, "grading budget exhausted")
	ctx := context.Background()

	if _, err := h.orchestrator.Start(ctx, testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := h.orchestrator.Resume(ctx, "run-1", workflow.ActionConfirmRubric, nil)
	if appErr.GetCode(err) != appErr.ResourceExhausted {
		t.Fatalf("expected the fatal error back, got %v", err)
	}

	view, err := h.orchestrator.GetState(ctx, "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.State.CurrentStage != model.StageFailed {
		t.Fatalf("expected FAILED, got %s", view.State.CurrentStage)
	}
	if view.State.LastError == nil || view.State.LastError.Stage != model.StageGradeBatch {
		t.Fatalf("expected last error on GRADE_BATCH, got %+v", view.State.LastError)
	}
}

func TestModifyResultRevalidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orchestrator.Start(ctx, testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := h.orchestrator.Resume(ctx, "run-1", workflow.ActionConfirmRubric, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	overMax, _ := json.Marshal(workflow.ModifyResultPayload{
		StudentKey: "Alice", QuestionID: "1", Score: f64(9),
	})
	if _, err := h.orchestrator.Resume(ctx, "run-1", workflow.ActionModifyResult, overMax); appErr.GetCode(err) != appErr.ValidationFailed {
		t.Fatalf("expected ValidationFailed for a score above max, got %v", err)
	}

	patch, _ := json.Marshal(workflow.ModifyResultPayload{
		StudentKey: "Alice", QuestionID: "1", Score: f64(2),
	})
	state, err := h.orchestrator.Resume(ctx, "run-1", workflow.ActionModifyResult, patch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.PausePoint != model.PauseResultsReview {
		t.Fatal("a result edit must keep the run paused")
	}

	if _, err := h.orchestrator.Resume(ctx, "run-1", workflow.ActionConfirmResults, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	alice := h.exports.artifacts[0].StudentResults[0]
	if alice.TotalScore != 5 {
		t.Fatalf("expected totals recomputed to 5, got %v", alice.TotalScore)
	}
}

func TestResumeRejectsUnknownAction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orchestrator.Start(ctx, testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := h.orchestrator.Resume(ctx, "run-1", "rewind", nil)
	if appErr.GetCode(err) != appErr.InvalidResumeAction {
		t.Fatalf("expected InvalidResumeAction, got %v", err)
	}
}

func f64(v float64) *float64 { return &v }
