package workflow

import (
	"context"
	"encoding/json"

	"gradeflow/internal/grading/model"
	"gradeflow/internal/grading/vision"
	appErr "gradeflow/pkg/errors"
	"gradeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// Resume actions accepted by the review API.
const (
	ActionConfirmRubric  = "confirm_rubric"
	ActionModifyRubric   = "modify_rubric"
	ActionReparseRubric  = "reparse_rubric"
	ActionConfirmResults = "confirm_results"
	ActionModifyResult   = "modify_result"
)

// ModifyRubricPayload replaces rubric questions by ID.
type ModifyRubricPayload struct {
	Questions []model.RubricQuestion `json:"questions"`
}

// ReparseRubricPayload names the questions to re-extract.
type ReparseRubricPayload struct {
	QuestionIDs []string `json:"question_ids"`
}

// ModifyResultPayload patches one student's question result.
type ModifyResultPayload struct {
	StudentKey string   `json:"student_key"`
	QuestionID string   `json:"question_id"`
	Score      *float64 `json:"score,omitempty"`
	Feedback   *string  `json:"feedback,omitempty"`
}

// Resume applies a review action to a paused run. Confirm actions on a
// run that already moved past the pause are no-ops, so a retried HTTP
// request can never damage the state.
func (o *Orchestrator) Resume(ctx context.Context, runID, action string, payload json.RawMessage) (*model.WorkflowState, error) {
	acquired, err := o.lock.Acquire(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, appErr.Newf(appErr.RunAlreadyActive, "run %s is already being driven", runID)
	}
	defer func() {
		if err := o.lock.Release(context.WithoutCancel(ctx), runID); err != nil {
			logger.Warn(ctx, "failed to release run lock", zap.String("run_id", runID), zap.Error(err))
		}
	}()

	state, err := o.checkpoints.Load(ctx, runID)
	if err != nil {
		return nil, err
	}

	switch action {
	case ActionConfirmRubric:
		return o.confirm(ctx, state, model.PauseRubricReview, o.markRubricConfirmed)
	case ActionConfirmResults:
		return o.confirm(ctx, state, model.PauseResultsReview, nil)
	case ActionModifyRubric:
		return o.editPaused(ctx, state, model.PauseRubricReview, func() error {
			return o.modifyRubric(state, payload)
		})
	case ActionReparseRubric:
		return o.editPaused(ctx, state, model.PauseRubricReview, func() error {
			return o.reparseRubric(ctx, state, payload)
		})
	case ActionModifyResult:
		return o.editPaused(ctx, state, model.PauseResultsReview, func() error {
			return o.modifyResult(state, payload)
		})
	default:
		return nil, appErr.Newf(appErr.InvalidResumeAction, "unknown resume action %q", action)
	}
}

// confirm clears the pause point and drives the run forward. A run that
// already advanced past the pause returns unchanged.
func (o *Orchestrator) confirm(ctx context.Context, state *model.WorkflowState, pause model.PausePoint, prepare func(state *model.WorkflowState) error) (*model.WorkflowState, error) {
	if state.PausePoint != pause {
		if o.pausePassed(state, pause) {
			return state, nil
		}
		return nil, appErr.Newf(appErr.RunNotPaused, "run %s is not paused at %s", state.RunID, pause)
	}

	if prepare != nil {
		if err := prepare(state); err != nil {
			return nil, err
		}
	}
	state.PausePoint = ""
	if err := o.checkpoints.Save(ctx, state); err != nil {
		return nil, err
	}
	o.publish(ctx, state.RunID, model.RunEvent{Type: model.EventRunResumed, PausePoint: pause})
	return state, o.advance(ctx, state)
}

// editPaused applies an in-place edit while the run stays paused.
func (o *Orchestrator) editPaused(ctx context.Context, state *model.WorkflowState, pause model.PausePoint, edit func() error) (*model.WorkflowState, error) {
	if state.PausePoint != pause {
		return nil, appErr.Newf(appErr.RunNotPaused, "run %s is not paused at %s", state.RunID, pause)
	}
	if err := edit(); err != nil {
		return nil, err
	}
	if err := o.checkpoints.Save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// pausePassed reports whether the run has already moved beyond the
// stage that owns the pause point.
func (o *Orchestrator) pausePassed(state *model.WorkflowState, pause model.PausePoint) bool {
	for _, stage := range model.StageOrder {
		if p, ok := model.PauseAfter(stage); ok && p == pause {
			return state.Completed(stage)
		}
	}
	return false
}

func (o *Orchestrator) markRubricConfirmed(state *model.WorkflowState) error {
	var rubric model.Rubric
	if ok, err := state.Output(model.StageRubricParse, &rubric); err != nil || !ok {
		return missingOutput(model.StageRubricParse, err)
	}
	rubric.Confirmed = true
	return state.SetOutput(model.StageRubricParse, rubric)
}

func (o *Orchestrator) modifyRubric(state *model.WorkflowState, payload json.RawMessage) error {
	var patch ModifyRubricPayload
	if err := json.Unmarshal(payload, &patch); err != nil {
		return appErr.Wrapf(err, appErr.ResumePayloadInvalid, "modify_rubric payload is not valid JSON")
	}
	if len(patch.Questions) == 0 {
		return appErr.Newf(appErr.ResumePayloadInvalid, "modify_rubric payload names no questions")
	}

	var rubric model.Rubric
	if ok, err := state.Output(model.StageRubricParse, &rubric); err != nil || !ok {
		return missingOutput(model.StageRubricParse, err)
	}

	for _, q := range patch.Questions {
		if q.QuestionID == "" || q.MaxScore <= 0 {
			return appErr.Newf(appErr.ResumePayloadInvalid, "rubric question %q must carry a positive max score", q.QuestionID)
		}
		replaced := false
		for i := range rubric.Questions {
			if rubric.Questions[i].QuestionID == q.QuestionID {
				rubric.Questions[i] = q
				replaced = true
				break
			}
		}
		if !replaced {
			rubric.Questions = append(rubric.Questions, q)
		}
	}
	return state.SetOutput(model.StageRubricParse, rubric)
}

func (o *Orchestrator) reparseRubric(ctx context.Context, state *model.WorkflowState, payload json.RawMessage) error {
	var req ReparseRubricPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return appErr.Wrapf(err, appErr.ResumePayloadInvalid, "reparse_rubric payload is not valid JSON")
	}
	if len(req.QuestionIDs) == 0 {
		return appErr.Newf(appErr.ResumePayloadInvalid, "reparse_rubric payload names no questions")
	}

	var (
		intake intakeOutput
		rubric model.Rubric
	)
	if ok, err := state.Output(model.StageIntake, &intake); err != nil || !ok {
		return missingOutput(model.StageIntake, err)
	}
	if ok, err := state.Output(model.StageRubricParse, &rubric); err != nil || !ok {
		return missingOutput(model.StageRubricParse, err)
	}

	data, err := o.fetchObject(ctx, intake.Bucket, intake.RubricKey)
	if err != nil {
		return err
	}
	fresh, err := o.rubrics.ParseRubric(ctx, vision.RubricRequest{
		RunID:    state.RunID,
		Image:    data,
		MIMEType: mimeForKey(intake.RubricKey, ""),
	})
	if err != nil {
		return err
	}

	for _, id := range req.QuestionIDs {
		replacement, ok := fresh.Question(id)
		if !ok {
			return appErr.Newf(appErr.RubricQuestionNotFound, "re-parse found no question %q", id)
		}
		replaced := false
		for i := range rubric.Questions {
			if rubric.Questions[i].QuestionID == id {
				rubric.Questions[i] = replacement
				replaced = true
				break
			}
		}
		if !replaced {
			rubric.Questions = append(rubric.Questions, replacement)
		}
	}
	return state.SetOutput(model.StageRubricParse, rubric)
}

func (o *Orchestrator) modifyResult(state *model.WorkflowState, payload json.RawMessage) error {
	var patch ModifyResultPayload
	if err := json.Unmarshal(payload, &patch); err != nil {
		return appErr.Wrapf(err, appErr.ResumePayloadInvalid, "modify_result payload is not valid JSON")
	}
	if patch.StudentKey == "" || patch.QuestionID == "" {
		return appErr.Newf(appErr.ResumePayloadInvalid, "modify_result payload must name a student and question")
	}

	var segment segmentOutput
	if ok, err := state.Output(model.StageSegmentAndAggregate, &segment); err != nil || !ok {
		return missingOutput(model.StageSegmentAndAggregate, err)
	}

	for si := range segment.Students {
		student := &segment.Students[si]
		if student.StudentKey != patch.StudentKey {
			continue
		}
		for qi := range student.QuestionResults {
			q := &student.QuestionResults[qi]
			if q.QuestionID != patch.QuestionID {
				continue
			}
			if patch.Score != nil {
				if *patch.Score < 0 || *patch.Score > q.MaxScore {
					return appErr.Newf(appErr.ValidationFailed,
						"score %.1f for question %s is outside [0, %.1f]", *patch.Score, q.QuestionID, q.MaxScore)
				}
				q.Score = *patch.Score
			}
			if patch.Feedback != nil {
				q.Feedback = *patch.Feedback
			}
			recomputeTotals(student)
			return state.SetOutput(model.StageSegmentAndAggregate, segment)
		}
		return appErr.Newf(appErr.NotFound, "student %s has no question %s", patch.StudentKey, patch.QuestionID)
	}
	return appErr.Newf(appErr.NotFound, "run %s has no student %s", state.RunID, patch.StudentKey)
}

// recomputeTotals re-derives the sums so a patched score can never leave
// the totals out of step with the question list.
func recomputeTotals(student *model.StudentResult) {
	student.TotalScore = 0
	student.MaxTotalScore = 0
	for _, q := range student.QuestionResults {
		student.TotalScore += q.Score
		student.MaxTotalScore += q.MaxScore
	}
}
