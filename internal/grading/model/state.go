package model

import (
	"encoding/json"
	"time"
)

// Stage is one step of the grading pipeline.
type Stage string

const (
	StageIntake              Stage = "INTAKE"
	StagePreprocess          Stage = "PREPROCESS"
	StageRubricParse         Stage = "RUBRIC_PARSE"
	StageGradeBatch          Stage = "GRADE_BATCH"
	StageCrossPageMerge      Stage = "CROSS_PAGE_MERGE"
	StageSegmentAndAggregate Stage = "SEGMENT_AND_AGGREGATE"
	StageExport              Stage = "EXPORT"
	StageDone                Stage = "DONE"
	StageFailed              Stage = "FAILED"
)

// StageOrder is the canonical forward execution order.
// Terminal stages are not part of the executable sequence.
var StageOrder = []Stage{
	StageIntake,
	StagePreprocess,
	StageRubricParse,
	StageGradeBatch,
	StageCrossPageMerge,
	StageSegmentAndAggregate,
	StageExport,
}

// StageIndex returns the position of a stage in the canonical order,
// or -1 for terminal/unknown stages.
func StageIndex(stage Stage) int {
	for i, s := range StageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

// NextStage returns the stage after the given one, or StageDone at the end.
func NextStage(stage Stage) Stage {
	idx := StageIndex(stage)
	if idx < 0 || idx+1 >= len(StageOrder) {
		return StageDone
	}
	return StageOrder[idx+1]
}

// IsTerminal reports whether the stage ends a run.
func (s Stage) IsTerminal() bool {
	return s == StageDone || s == StageFailed
}

// PausePoint is a named suspension awaiting an external decision.
type PausePoint string

const (
	PauseRubricReview  PausePoint = "RUBRIC_REVIEW"
	PauseResultsReview PausePoint = "RESULTS_REVIEW"
)

// PauseAfter returns the pause point that follows a completed stage, if any.
func PauseAfter(stage Stage) (PausePoint, bool) {
	switch stage {
	case StageRubricParse:
		return PauseRubricReview, true
	case StageSegmentAndAggregate:
		return PauseResultsReview, true
	}
	return "", false
}

// StageError records a stage failure attached to the workflow state.
type StageError struct {
	Stage     Stage  `json:"stage"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// WorkflowState is the orchestrator's persisted state for one run.
// CurrentStage always names the next stage to execute; stages before it
// are complete and their outputs recorded under StageOutputs.
type WorkflowState struct {
	RunID        string                    `json:"run_id"`
	Request      *GradeRunMessage          `json:"request,omitempty"`
	CurrentStage Stage                     `json:"current_stage"`
	PausePoint   PausePoint                `json:"pause_point,omitempty"`
	StageOutputs map[Stage]json.RawMessage `json:"stage_outputs"`
	RetryCounts  map[Stage]int             `json:"retry_counts,omitempty"`
	Timestamps   map[Stage]int64           `json:"timestamps,omitempty"`
	LastError    *StageError               `json:"last_error,omitempty"`
	CreatedAt    int64                     `json:"created_at"`
	UpdatedAt    int64                     `json:"updated_at"`
}

// NewWorkflowState creates the initial state for a run.
func NewWorkflowState(runID string) *WorkflowState {
	now := time.Now().Unix()
	return &WorkflowState{
		RunID:        runID,
		CurrentStage: StageIntake,
		StageOutputs: make(map[Stage]json.RawMessage),
		RetryCounts:  make(map[Stage]int),
		Timestamps:   make(map[Stage]int64),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// SetOutput records a stage's output payload.
func (w *WorkflowState) SetOutput(stage Stage, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if w.StageOutputs == nil {
		w.StageOutputs = make(map[Stage]json.RawMessage)
	}
	w.StageOutputs[stage] = data
	return nil
}

// Output decodes a stage's recorded output into out.
// Returns false when the stage has no recorded output.
func (w *WorkflowState) Output(stage Stage, out interface{}) (bool, error) {
	raw, ok := w.StageOutputs[stage]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, err
	}
	return true, nil
}

// Completed reports whether the stage finished in this run.
func (w *WorkflowState) Completed(stage Stage) bool {
	if w.CurrentStage.IsTerminal() {
		_, ok := w.StageOutputs[stage]
		return ok
	}
	idx := StageIndex(stage)
	cur := StageIndex(w.CurrentStage)
	return idx >= 0 && cur >= 0 && idx < cur
}

// Paused reports whether the run is suspended at a pause point.
func (w *WorkflowState) Paused() bool {
	return w.PausePoint != ""
}
