package workflow

import (
	"context"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gradeflow/internal/common/storage"
	"gradeflow/internal/grading/boundary"
	"gradeflow/internal/grading/errorlog"
	"gradeflow/internal/grading/merge"
	"gradeflow/internal/grading/model"
	"gradeflow/internal/grading/resilience"
	"gradeflow/internal/grading/vision"
	appErr "gradeflow/pkg/errors"
	"gradeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// EventSink publishes run lifecycle events.
type EventSink interface {
	Publish(ctx context.Context, event model.RunEvent) error
}

// ArtifactWriter persists the terminal export artifact.
// Returns the object key the artifact was written under.
type ArtifactWriter interface {
	WriteExport(ctx context.Context, artifact model.ExportArtifact) (string, error)
}

// Config tunes the orchestrator.
type Config struct {
	Concurrency      int                    `yaml:"concurrency"`
	PageTimeout      time.Duration          `yaml:"pageTimeout"`
	MaxPageSizeBytes int64                  `yaml:"maxPageSizeBytes"`
	Retry            resilience.RetryConfig `yaml:"retry"`
	Boundary         boundary.Config        `yaml:"boundary"`
	Merge            merge.Config           `yaml:"merge"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:      4,
		PageTimeout:      2 * time.Minute,
		MaxPageSizeBytes: 20 << 20,
		Retry:            resilience.DefaultRetryConfig(),
		Boundary:         boundary.DefaultConfig(),
		Merge:            merge.DefaultConfig(),
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = def.PageTimeout
	}
	if c.MaxPageSizeBytes <= 0 {
		c.MaxPageSizeBytes = def.MaxPageSizeBytes
	}
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Checkpoints CheckpointStore
	Lock        RunLock
	Storage     storage.ObjectStorage
	Grader      vision.Grader
	Rubrics     vision.RubricParser
	Errors      errorlog.Repository
	Events      EventSink
	Exports     ArtifactWriter
}

// Orchestrator drives a grading run through its stages, checkpointing
// after every stage so a crashed or paused run resumes exactly where it
// stopped and never re-executes completed work.
type Orchestrator struct {
	config      Config
	checkpoints CheckpointStore
	lock        RunLock
	storage     storage.ObjectStorage
	grader      vision.Grader
	rubrics     vision.RubricParser
	errors      errorlog.Repository
	events      EventSink
	exports     ArtifactWriter
	detector    *boundary.Detector
	merger      *merge.Merger
	aggregator  *merge.Aggregator
}

// New creates an orchestrator.
func New(config Config, deps Deps) *Orchestrator {
	config.applyDefaults()
	return &Orchestrator{
		config:      config,
		checkpoints: deps.Checkpoints,
		lock:        deps.Lock,
		storage:     deps.Storage,
		grader:      deps.Grader,
		rubrics:     deps.Rubrics,
		errors:      deps.Errors,
		events:      deps.Events,
		exports:     deps.Exports,
		detector:    boundary.NewDetector(config.Boundary),
		merger:      merge.NewMerger(config.Merge),
		aggregator:  merge.NewAggregator(),
	}
}

// Stage output payloads, persisted in WorkflowState.StageOutputs.

type intakeOutput struct {
	Bucket    string   `json:"bucket"`
	PageKeys  []string `json:"page_keys"`
	RubricKey string   `json:"rubric_key"`
	BatchSize int      `json:"batch_size"`
}

type pageRef struct {
	Index     int    `json:"index"`
	Key       string `json:"key"`
	MIMEType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

type preprocessOutput struct {
	Pages []pageRef `json:"pages"`
}

type gradeOutput struct {
	Pages   []model.PageGradingResult `json:"pages"`
	Partial *model.PartialResults     `json:"partial,omitempty"`
}

type segmentOutput struct {
	Detection model.DetectionResult `json:"detection"`
	Students  []model.StudentResult `json:"students"`
	Warnings  []string              `json:"warnings,omitempty"`
}

type exportOutput struct {
	ObjectKey string `json:"object_key"`
}

// Start begins or continues the run described by msg. Redelivery of the
// same message picks up the existing checkpoint instead of starting over.
func (o *Orchestrator) Start(ctx context.Context, msg model.GradeRunMessage) (*model.WorkflowState, error) {
	if msg.RunID == "" || msg.Bucket == "" || msg.RubricKey == "" {
		return nil, appErr.Newf(appErr.InvalidParams, "grade run message missing run_id, bucket or rubric_key")
	}
	if len(msg.PageKeys) == 0 && msg.PagePrefix == "" {
		return nil, appErr.Newf(appErr.InvalidParams, "grade run message names no pages")
	}

	if _, err := o.checkpoints.Load(ctx, msg.RunID); err == nil {
		return o.Run(ctx, msg.RunID)
	} else if appErr.GetCode(err) != appErr.RunNotFound {
		return nil, err
	}

	state := model.NewWorkflowState(msg.RunID)
	state.Request = &msg
	if err := o.checkpoints.Save(ctx, state); err != nil {
		return nil, err
	}
	return o.Run(ctx, msg.RunID)
}

// Run executes stages forward from the checkpointed CurrentStage until
// the run finishes, pauses or fails. Safe to call on a completed run.
func (o *Orchestrator) Run(ctx context.Context, runID string) (*model.WorkflowState, error) {
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
	return state, o.advance(ctx, state)
}

// advance is the stage loop. The caller must hold the run lock.
func (o *Orchestrator) advance(ctx context.Context, state *model.WorkflowState) error {
	for !state.CurrentStage.IsTerminal() && !state.Paused() {
		stage := state.CurrentStage
		o.publish(ctx, state.RunID, model.RunEvent{Type: model.EventStageStarted, Stage: stage})
		started := time.Now()

		if err := o.executeStage(ctx, state, stage); err != nil {
			return o.failStage(ctx, state, stage, err)
		}

		state.LastError = nil
		state.Timestamps[stage] = started.Unix()
		state.CurrentStage = model.NextStage(stage)
		if pause, ok := model.PauseAfter(stage); ok {
			state.PausePoint = pause
		}
		if err := o.checkpoints.Save(ctx, state); err != nil {
			return err
		}

		o.publish(ctx, state.RunID, model.RunEvent{Type: model.EventStageCompleted, Stage: stage})
		if state.Paused() {
			o.publish(ctx, state.RunID, model.RunEvent{
				Type:       model.EventRunPaused,
				Stage:      stage,
				PausePoint: state.PausePoint,
			})
			logger.Info(ctx, "run paused for review",
				zap.String("run_id", state.RunID),
				zap.String("pause_point", string(state.PausePoint)),
			)
			return nil
		}
	}

	if state.CurrentStage == model.StageDone {
		o.publish(ctx, state.RunID, model.RunEvent{Type: model.EventRunCompleted})
	}
	return nil
}

// failStage records a stage failure. Fatal failures end the run; anything
// else leaves CurrentStage put so a resume re-attempts just that stage.
func (o *Orchestrator) failStage(ctx context.Context, state *model.WorkflowState, stage model.Stage, stageErr error) error {
	state.RetryCounts[stage]++
	state.LastError = &model.StageError{
		Stage:     stage,
		Code:      int(appErr.GetCode(stageErr)),
		Message:   stageErr.Error(),
		Timestamp: time.Now().Unix(),
	}

	fatal := resilience.Classify(stageErr) == resilience.ClassFatal
	if fatal {
		state.CurrentStage = model.StageFailed
	}
	if err := o.checkpoints.Save(context.WithoutCancel(ctx), state); err != nil {
		logger.Error(ctx, "failed to checkpoint failing run",
			zap.String("run_id", state.RunID), zap.Error(err))
	}
	if fatal {
		o.publish(ctx, state.RunID, model.RunEvent{
			Type:    model.EventRunFailed,
			Stage:   stage,
			Message: stageErr.Error(),
		})
	}
	logger.Error(ctx, "stage failed",
		zap.String("run_id", state.RunID),
		zap.String("stage", string(stage)),
		zap.Bool("fatal", fatal),
		zap.Error(stageErr),
	)
	return stageErr
}

func (o *Orchestrator) executeStage(ctx context.Context, state *model.WorkflowState, stage model.Stage) error {
	switch stage {
	case model.StageIntake:
		return resilience.Do(ctx, o.config.Retry, "intake", func(ctx context.Context) error {
			return o.runIntake(ctx, state)
		})
	case model.StagePreprocess:
		return resilience.Do(ctx, o.config.Retry, "preprocess", func(ctx context.Context) error {
			return o.runPreprocess(ctx, state)
		})
	case model.StageRubricParse:
		return resilience.Do(ctx, o.config.Retry, "rubric_parse", func(ctx context.Context) error {
			return o.runRubricParse(ctx, state)
		})
	case model.StageGradeBatch:
		// per-page retry happens inside the fan-out
		return o.runGradeBatch(ctx, state)
	case model.StageCrossPageMerge:
		return o.runMerge(ctx, state)
	case model.StageSegmentAndAggregate:
		return o.runSegment(ctx, state)
	case model.StageExport:
		return resilience.Do(ctx, o.config.Retry, "export", func(ctx context.Context) error {
			return o.runExport(ctx, state)
		})
	default:
		return appErr.Newf(appErr.InvalidStageTransition, "no handler for stage %s", stage)
	}
}

func (o *Orchestrator) runIntake(ctx context.Context, state *model.WorkflowState) error {
	req := state.Request
	if req == nil {
		return appErr.Newf(appErr.StageOutputMissing, "run %s has no intake request", state.RunID)
	}

	keys := append([]string(nil), req.PageKeys...)
	if len(keys) == 0 {
		for info := range o.storage.ListObjects(ctx, req.Bucket, req.PagePrefix) {
			if info.Err != nil {
				return appErr.Wrapf(info.Err, appErr.StorageError,
					"failed to list pages under %s/%s", req.Bucket, req.PagePrefix)
			}
			keys = append(keys, info.Key)
		}
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return appErr.Newf(appErr.PageNotFound, "no pages found for run %s", state.RunID)
	}

	if _, err := o.storage.StatObject(ctx, req.Bucket, req.RubricKey); err != nil {
		return appErr.Wrapf(err, appErr.RubricNotFound, "rubric object %s is missing", req.RubricKey)
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = o.config.Concurrency
	}
	return state.SetOutput(model.StageIntake, intakeOutput{
		Bucket:    req.Bucket,
		PageKeys:  keys,
		RubricKey: req.RubricKey,
		BatchSize: batchSize,
	})
}

func (o *Orchestrator) runPreprocess(ctx context.Context, state *model.WorkflowState) error {
	var intake intakeOutput
	if ok, err := state.Output(model.StageIntake, &intake); err != nil || !ok {
		return missingOutput(model.StageIntake, err)
	}

	pages := make([]pageRef, 0, len(intake.PageKeys))
	for i, key := range intake.PageKeys {
		stat, err := o.storage.StatObject(ctx, intake.Bucket, key)
		if err != nil {
			return appErr.Wrapf(err, appErr.PageNotFound, "page object %s is missing", key)
		}
		if stat.SizeBytes > o.config.MaxPageSizeBytes {
			return appErr.Newf(appErr.PageTooLarge, "page %s is %d bytes, limit %d",
				key, stat.SizeBytes, o.config.MaxPageSizeBytes)
		}
		pages = append(pages, pageRef{
			Index:     i,
			Key:       key,
			MIMEType:  mimeForKey(key, stat.ContentType),
			SizeBytes: stat.SizeBytes,
		})
	}
	return state.SetOutput(model.StagePreprocess, preprocessOutput{Pages: pages})
}

func (o *Orchestrator) runRubricParse(ctx context.Context, state *model.WorkflowState) error {
	var intake intakeOutput
	if ok, err := state.Output(model.StageIntake, &intake); err != nil || !ok {
		return missingOutput(model.StageIntake, err)
	}

	data, err := o.fetchObject(ctx, intake.Bucket, intake.RubricKey)
	if err != nil {
		return err
	}
	rubric, err := o.rubrics.ParseRubric(ctx, vision.RubricRequest{
		RunID:    state.RunID,
		Image:    data,
		MIMEType: mimeForKey(intake.RubricKey, ""),
	})
	if err != nil {
		return err
	}
	if len(rubric.Questions) == 0 {
		return appErr.Newf(appErr.RubricMalformed, "parsed rubric for run %s has no questions", state.RunID)
	}
	return state.SetOutput(model.StageRubricParse, rubric)
}

func (o *Orchestrator) runGradeBatch(ctx context.Context, state *model.WorkflowState) error {
	var (
		intake intakeOutput
		prep   preprocessOutput
		rubric model.Rubric
	)
	if ok, err := state.Output(model.StageIntake, &intake); err != nil || !ok {
		return missingOutput(model.StageIntake, err)
	}
	if ok, err := state.Output(model.StagePreprocess, &prep); err != nil || !ok {
		return missingOutput(model.StagePreprocess, err)
	}
	if ok, err := state.Output(model.StageRubricParse, &rubric); err != nil || !ok {
		return missingOutput(model.StageRubricParse, err)
	}

	recorder := errorlog.NewRecorder(o.errors, state.RunID).ForStage(model.StageGradeBatch)
	collector := resilience.NewCollector(state.RunID, len(prep.Pages))

	outcomes, fatalErr := resilience.RunIsolated(ctx, len(prep.Pages), intake.BatchSize, recorder,
		func(ctx context.Context, index int) (model.PageGradingResult, error) {
			page := prep.Pages[index]
			return resilience.DoValue(ctx, o.config.Retry, "grade_page",
				func(ctx context.Context) (model.PageGradingResult, error) {
					return o.gradePage(ctx, state.RunID, intake.Bucket, page, rubric)
				})
		})

	results := make([]model.PageGradingResult, 0, len(prep.Pages))
	for _, outcome := range outcomes {
		if outcome.Failed() {
			failed := model.PageGradingResult{
				PageIndex: prep.Pages[outcome.Index].Index,
				Status:    model.PageStatusFailed,
				Error:     outcome.Err.Error(),
			}
			results = append(results, failed)
			collector.Fail(outcome.Index, outcome.Err, map[string]string{
				"page_key": prep.Pages[outcome.Index].Key,
				"entry_id": outcome.EntryID,
			})
			continue
		}
		results = append(results, outcome.Value)
		collector.Complete(outcome.Value)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].PageIndex < results[j].PageIndex })

	if fatalErr != nil {
		// persist whatever completed before aborting
		partial := collector.Snapshot()
		if err := state.SetOutput(model.StageGradeBatch, gradeOutput{Pages: results, Partial: &partial}); err != nil {
			logger.Error(ctx, "failed to record partial results", zap.String("run_id", state.RunID), zap.Error(err))
		}
		return fatalErr
	}

	graded := 0
	for _, r := range results {
		if r.Status == model.PageStatusOK {
			graded++
		}
	}
	if graded == 0 {
		return appErr.Newf(appErr.GradeFailed, "all %d pages failed to grade", len(prep.Pages))
	}
	return state.SetOutput(model.StageGradeBatch, gradeOutput{Pages: results})
}

func (o *Orchestrator) gradePage(ctx context.Context, runID, bucket string, page pageRef, rubric model.Rubric) (model.PageGradingResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.PageTimeout)
	defer cancel()

	img, err := o.fetchObject(ctx, bucket, page.Key)
	if err != nil {
		return model.PageGradingResult{}, err
	}
	return o.grader.GradePage(ctx, vision.PageRequest{
		RunID:     runID,
		PageIndex: page.Index,
		Image:     img,
		MIMEType:  page.MIMEType,
		Rubric:    rubric,
	})
}

func (o *Orchestrator) runMerge(ctx context.Context, state *model.WorkflowState) error {
	var graded gradeOutput
	if ok, err := state.Output(model.StageGradeBatch, &graded); err != nil || !ok {
		return missingOutput(model.StageGradeBatch, err)
	}
	out := o.merger.MergeCrossPage(ctx, graded.Pages)
	return state.SetOutput(model.StageCrossPageMerge, out)
}

func (o *Orchestrator) runSegment(ctx context.Context, state *model.WorkflowState) error {
	var (
		graded gradeOutput
		merged merge.Output
	)
	if ok, err := state.Output(model.StageGradeBatch, &graded); err != nil || !ok {
		return missingOutput(model.StageGradeBatch, err)
	}
	if ok, err := state.Output(model.StageCrossPageMerge, &merged); err != nil || !ok {
		return missingOutput(model.StageCrossPageMerge, err)
	}

	detection := o.detector.Detect(ctx, graded.Pages)
	students, err := o.aggregator.Aggregate(ctx, detection.Boundaries, merged.MergedQuestions)
	if err != nil {
		return err
	}
	return state.SetOutput(model.StageSegmentAndAggregate, segmentOutput{
		Detection: detection,
		Students:  students,
	})
}

func (o *Orchestrator) runExport(ctx context.Context, state *model.WorkflowState) error {
	var (
		merged  merge.Output
		segment segmentOutput
	)
	if ok, err := state.Output(model.StageCrossPageMerge, &merged); err != nil || !ok {
		return missingOutput(model.StageCrossPageMerge, err)
	}
	if ok, err := state.Output(model.StageSegmentAndAggregate, &segment); err != nil || !ok {
		return missingOutput(model.StageSegmentAndAggregate, err)
	}

	unconfirmed := make([]model.StudentBoundary, 0)
	for _, b := range segment.Detection.Boundaries {
		if b.NeedsConfirmation {
			unconfirmed = append(unconfirmed, b)
		}
	}
	artifact := model.ExportArtifact{
		RunID:                 state.RunID,
		StudentResults:        segment.Students,
		CrossPageQuestions:    merged.CrossPageQuestions,
		UnconfirmedBoundaries: unconfirmed,
		ExportedAt:            time.Now().Unix(),
	}

	key, err := o.exports.WriteExport(ctx, artifact)
	if err != nil {
		return appErr.Wrapf(err, appErr.ExportFailed, "failed to write export for run %s", state.RunID)
	}
	return state.SetOutput(model.StageExport, exportOutput{ObjectKey: key})
}

// StateView is the read-side snapshot of a run with review counters.
type StateView struct {
	State   *model.WorkflowState `json:"state"`
	Summary ReviewSummary        `json:"summary"`
}

// ReviewSummary counts the things a human reviewer cares about.
type ReviewSummary struct {
	Students              int     `json:"students"`
	UnconfirmedBoundaries int     `json:"unconfirmed_boundaries"`
	CrossPageQuestions    int     `json:"cross_page_questions"`
	FailedPages           int     `json:"failed_pages"`
	CompletionRate        float64 `json:"completion_rate"`
}

// GetState returns the checkpointed state plus a review summary.
func (o *Orchestrator) GetState(ctx context.Context, runID string) (StateView, error) {
	state, err := o.checkpoints.Load(ctx, runID)
	if err != nil {
		return StateView{}, err
	}

	view := StateView{State: state}
	var graded gradeOutput
	if ok, err := state.Output(model.StageGradeBatch, &graded); ok && err == nil {
		for _, page := range graded.Pages {
			if page.Status == model.PageStatusFailed {
				view.Summary.FailedPages++
			}
		}
		if n := len(graded.Pages); n > 0 {
			view.Summary.CompletionRate = float64(n-view.Summary.FailedPages) / float64(n)
		}
	}
	var merged merge.Output
	if ok, err := state.Output(model.StageCrossPageMerge, &merged); ok && err == nil {
		view.Summary.CrossPageQuestions = len(merged.CrossPageQuestions)
	}
	var segment segmentOutput
	if ok, err := state.Output(model.StageSegmentAndAggregate, &segment); ok && err == nil {
		view.Summary.Students = len(segment.Students)
		for _, b := range segment.Detection.Boundaries {
			if b.NeedsConfirmation {
				view.Summary.UnconfirmedBoundaries++
			}
		}
	}
	return view, nil
}

func (o *Orchestrator) publish(ctx context.Context, runID string, event model.RunEvent) {
	if o.events == nil {
		return
	}
	event.RunID = runID
	event.Timestamp = time.Now().Unix()
	if err := o.events.Publish(ctx, event); err != nil {
		logger.Warn(ctx, "failed to publish run event",
			zap.String("run_id", runID),
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) fetchObject(ctx context.Context, bucket, key string) ([]byte, error) {
	reader, err := o.storage.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "failed to open object %s/%s", bucket, key)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "failed to read object %s/%s", bucket, key)
	}
	return data, nil
}

func missingOutput(stage model.Stage, err error) error {
	if err != nil {
		return appErr.Wrapf(err, appErr.StageOutputMissing, "output of stage %s is unreadable", stage)
	}
	return appErr.Newf(appErr.StageOutputMissing, "output of stage %s was never recorded", stage)
}

func mimeForKey(key, fallback string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	}
	if fallback != "" {
		return fallback
	}
	return "image/png"
}
