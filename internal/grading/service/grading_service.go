package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gradeflow/internal/common/mq"
	"gradeflow/internal/grading/model"
	"gradeflow/internal/grading/workflow"
	appErr "gradeflow/pkg/errors"
	"gradeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// Service consumes grading run messages and drives the workflow.
type Service struct {
	orchestrator  *workflow.Orchestrator
	queue         mq.MessageQueue
	runTimeout    time.Duration
	retryTopic    string
	poolRetryMax  int
	poolRetryBase time.Duration
	poolRetryMaxD time.Duration
	deadLetter    string
	sem           chan struct{}
}

// Config holds service dependencies and settings.
type Config struct {
	Orchestrator   *workflow.Orchestrator
	Queue          mq.MessageQueue
	RunTimeout     time.Duration
	WorkerPoolSize int
	RetryTopic     string
	PoolRetryMax   int
	PoolRetryBase  time.Duration
	PoolRetryMaxD  time.Duration
	DeadLetter     string
}

// NewService creates a new grading service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	svc := &Service{
		orchestrator:  cfg.Orchestrator,
		queue:         cfg.Queue,
		runTimeout:    cfg.RunTimeout,
		retryTopic:    cfg.RetryTopic,
		poolRetryMax:  cfg.PoolRetryMax,
		poolRetryBase: cfg.PoolRetryBase,
		poolRetryMaxD: cfg.PoolRetryMaxD,
		deadLetter:    cfg.DeadLetter,
		sem:           make(chan struct{}, poolSize),
	}
	return svc, nil
}

// HandleMessage processes a grading run message.
func (s *Service) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	var payload model.GradeRunMessage
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		return appErr.Wrapf(err, appErr.InvalidParams, "decode message failed")
	}
	if payload.RunID == "" || payload.Bucket == "" || payload.RubricKey == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("message missing required fields")
	}
	if len(payload.PageKeys) == 0 && payload.PagePrefix == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("message names no pages")
	}

	if !s.tryAcquireSlot() {
		if err := s.requeueForPoolFull(ctx, msg); err != nil {
			return err
		}
		return nil
	}
	defer s.releaseSlot()

	ctxRun := ctx
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctxRun, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	state, err := s.orchestrator.Start(ctxRun, payload)
	if err != nil {
		if appErr.GetCode(err) == appErr.RunAlreadyActive {
			// Another instance holds the run lock; the redelivery is redundant.
			logger.Info(ctx, "grading run already active, dropping redelivery", zap.String("run_id", payload.RunID))
			return nil
		}
		logger.Error(ctx, "grading run attempt failed", zap.String("run_id", payload.RunID), zap.Int("code", int(appErr.GetCode(err))), zap.Error(err))
		return err
	}
	logger.Info(ctx, "grading run advanced",
		zap.String("run_id", payload.RunID),
		zap.String("current_stage", string(state.CurrentStage)),
		zap.String("pause_point", string(state.PausePoint)))
	return nil
}
