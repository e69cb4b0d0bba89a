package service_test

import (
	"context"
	"encoding/json"
	"testing"

	"gradeflow/internal/common/mq"
	"gradeflow/internal/grading/model"
	"gradeflow/internal/grading/service"
	"gradeflow/internal/grading/workflow"
	appErr "gradeflow/pkg/errors"
)

func newTestService(t *testing.T) *service.Service {
	t.Helper()
	orch := workflow.New(workflow.DefaultConfig(), workflow.Deps{
		Checkpoints: workflow.NewMemoryCheckpointStore(),
		Lock:        workflow.NewMemoryRunLock(),
	})
	svc, err := service.NewService(service.Config{
		Orchestrator: orch,
		Queue:        &fakeQueue{},
		RetryTopic:   "grading.retry",
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestNewServiceRequiresOrchestrator(t *testing.T) {
	t.Parallel()
	if _, err := service.NewService(service.Config{}); err == nil {
		t.Fatalf("expected error for missing orchestrator")
	}
}

func TestHandleMessageRejectsNilMessage(t *testing.T) {
	t.Parallel()
	svc := newTestService(t)
	err := svc.HandleMessage(context.Background(), nil)
	if appErr.GetCode(err) != appErr.InvalidParams {
		t.Fatalf("expected InvalidParams, got %v", err)
	}
}

func TestHandleMessageRejectsMalformedBody(t *testing.T) {
	t.Parallel()
	svc := newTestService(t)
	msg := mq.NewMessage([]byte("{not json"))
	err := svc.HandleMessage(context.Background(), msg)
	if appErr.GetCode(err) != appErr.InvalidParams {
		t.Fatalf("expected InvalidParams, got %v", err)
	}
}

func TestHandleMessageRejectsIncompleteRun(t *testing.T) {
	t.Parallel()
	svc := newTestService(t)
	tests := []struct {
		name    string
		payload model.GradeRunMessage
	}{
		{name: "no-run-id", payload: model.GradeRunMessage{Bucket: "scans", RubricKey: "r.png", PagePrefix: "hw/"}},
		{name: "no-bucket", payload: model.GradeRunMessage{RunID: "run-1", RubricKey: "r.png", PagePrefix: "hw/"}},
		{name: "no-rubric", payload: model.GradeRunMessage{RunID: "run-1", Bucket: "scans", PagePrefix: "hw/"}},
		{name: "no-pages", payload: model.GradeRunMessage{RunID: "run-1", Bucket: "scans", RubricKey: "r.png"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			body, err := json.Marshal(tt.payload)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			handleErr := svc.HandleMessage(context.Background(), mq.NewMessage(body))
			if appErr.GetCode(handleErr) != appErr.InvalidParams {
				t.Fatalf("expected InvalidParams, got %v", handleErr)
			}
		})
	}
}
