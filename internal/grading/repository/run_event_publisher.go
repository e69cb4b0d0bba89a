package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"gradeflow/internal/common/mq"
	"gradeflow/internal/grading/model"
	appErr "gradeflow/pkg/errors"
	"gradeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// RunEventPublisher publishes run lifecycle events for async consumers.
type RunEventPublisher struct {
	queue mq.MessageQueue
	topic string
}

// NewRunEventPublisher creates a publisher for the given events topic.
func NewRunEventPublisher(queue mq.MessageQueue, topic string) *RunEventPublisher {
	return &RunEventPublisher{queue: queue, topic: topic}
}

// Publish sends one run event to the events topic.
func (p *RunEventPublisher) Publish(ctx context.Context, event model.RunEvent) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("event publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("events topic is required")
	}
	if event.RunID == "" {
		return appErr.ValidationError("run_id", "required")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal run event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = fmt.Sprintf("%s:%s", event.RunID, event.Type)
	if err := p.queue.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish run event failed")
	}
	logger.Debug(ctx, "published run event",
		zap.String("run_id", event.RunID),
		zap.String("type", string(event.Type)),
	)
	return nil
}
