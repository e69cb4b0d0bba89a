package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"gradeflow/internal/common/cache"
	"gradeflow/internal/common/mq"
	"gradeflow/internal/grading/controller"
	"gradeflow/internal/grading/errorlog"
	"gradeflow/internal/grading/model"
	"gradeflow/internal/grading/workflow"
	appErr "gradeflow/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type publishedMessage struct {
	topic string
	msg   *mq.Message
}

type fakeQueue struct {
	published []publishedMessage
}

func (f *fakeQueue) Publish(ctx context.Context, topic string, message *mq.Message) error {
	f.published = append(f.published, publishedMessage{topic: topic, msg: message})
	return nil
}

func (f *fakeQueue) PublishBatch(ctx context.Context, topic string, messages []*mq.Message) error {
	for _, msg := range messages {
		f.published = append(f.published, publishedMessage{topic: topic, msg: msg})
	}
	return nil
}

func (f *fakeQueue) Subscribe(ctx context.Context, topic string, handler mq.HandlerFunc) error {
	return nil
}

func (f *fakeQueue) SubscribeWithOptions(ctx context.Context, topic string, handler mq.HandlerFunc, opts *mq.SubscribeOptions) error {
	return nil
}

func (f *fakeQueue) Start() error { return nil }

func (f *fakeQueue) Stop() error { return nil }

func (f *fakeQueue) Pause() error { return nil }

func (f *fakeQueue) Resume() error { return nil }

func (f *fakeQueue) Ping(ctx context.Context) error { return nil }

func (f *fakeQueue) Close() error { return nil }

type fakeErrorRepo struct {
	entries   []model.ErrorEntry
	listCalls int
	resolved  []string
}

func (f *fakeErrorRepo) Append(ctx context.Context, entry model.ErrorEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeErrorRepo) List(ctx context.Context, filter errorlog.ListFilter) ([]model.ErrorEntry, error) {
	f.listCalls++
	var out []model.ErrorEntry
	for _, e := range f.entries {
		if filter.RunID != "" && e.RunID != filter.RunID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeErrorRepo) MarkResolved(ctx context.Context, entryID string) error {
	f.resolved = append(f.resolved, entryID)
	return nil
}

type fixture struct {
	router      *gin.Engine
	queue       *fakeQueue
	repo        *fakeErrorRepo
	checkpoints *workflow.MemoryCheckpointStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	redisCache, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { _ = redisCache.Close() })

	checkpoints := workflow.NewMemoryCheckpointStore()
	orch := workflow.New(workflow.DefaultConfig(), workflow.Deps{
		Checkpoints: checkpoints,
		Lock:        workflow.NewMemoryRunLock(),
	})

	queue := &fakeQueue{}
	repo := &fakeErrorRepo{}
	h := controller.NewGradingController(orch, queue, "grading.tasks", repo, redisCache)

	router := gin.New()
	api := router.Group("/api/v1/grading")
	api.POST("/runs", h.Create)
	api.GET("/runs/:id", h.GetState)
	api.POST("/runs/:id/resume", h.Resume)
	api.GET("/runs/:id/errors", h.ListErrors)
	api.POST("/errors/:entryId/resolve", h.ResolveError)

	return &fixture{router: router, queue: queue, repo: repo, checkpoints: checkpoints}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rec, envelope
}

func envelopeCode(t *testing.T, envelope map[string]json.RawMessage) int {
	t.Helper()
	var code int
	if err := json.Unmarshal(envelope["code"], &code); err != nil {
		t.Fatalf("decode code: %v", err)
	}
	return code
}

func TestCreateRunPublishesTask(t *testing.T) {
	f := newFixture(t)
	rec, envelope := f.do(t, http.MethodPost, "/api/v1/grading/runs", controller.CreateRunRequest{
		Bucket:     "scans",
		PagePrefix: "hw1/",
		RubricKey:  "hw1/rubric.png",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var resp controller.CreateRunResponse
	if err := json.Unmarshal(envelope["data"], &resp); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if resp.RunID == "" {
		t.Fatalf("expected generated run id")
	}
	if len(f.queue.published) != 1 {
		t.Fatalf("expected 1 published task, got %d", len(f.queue.published))
	}
	got := f.queue.published[0]
	if got.topic != "grading.tasks" {
		t.Fatalf("unexpected topic: %s", got.topic)
	}
	var task model.GradeRunMessage
	if err := json.Unmarshal(got.msg.Body, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.RunID != resp.RunID || task.Bucket != "scans" || task.RubricKey != "hw1/rubric.png" {
		t.Fatalf("task does not match request: %+v", task)
	}
}

func TestCreateRunRequiresPages(t *testing.T) {
	f := newFixture(t)
	rec, envelope := f.do(t, http.MethodPost, "/api/v1/grading/runs", controller.CreateRunRequest{
		Bucket:    "scans",
		RubricKey: "hw1/rubric.png",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if envelopeCode(t, envelope) != int(appErr.InvalidParams) {
		t.Fatalf("unexpected error code: %d", envelopeCode(t, envelope))
	}
	if len(f.queue.published) != 0 {
		t.Fatalf("expected no published task")
	}
}

func TestGetStateReturnsCheckpoint(t *testing.T) {
	f := newFixture(t)
	state := model.NewWorkflowState("run-1")
	if err := f.checkpoints.Save(context.Background(), state); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	rec, envelope := f.do(t, http.MethodGet, "/api/v1/grading/runs/run-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var view workflow.StateView
	if err := json.Unmarshal(envelope["data"], &view); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if view.State.RunID != "run-1" || view.State.CurrentStage != model.StageIntake {
		t.Fatalf("unexpected state: %+v", view.State)
	}
}

func TestGetStateMissingRun(t *testing.T) {
	f := newFixture(t)
	rec, envelope := f.do(t, http.MethodGet, "/api/v1/grading/runs/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if envelopeCode(t, envelope) != int(appErr.RunNotFound) {
		t.Fatalf("unexpected error code: %d", envelopeCode(t, envelope))
	}
}

func TestResumeRejectsMissingAction(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodPost, "/api/v1/grading/runs/run-1/resume", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestListErrorsServedFromCacheOnRepeat(t *testing.T) {
	f := newFixture(t)
	f.repo.entries = []model.ErrorEntry{
		{ID: "e1", RunID: "run-1", Stage: model.StageGradeBatch, ErrorType: "STRUCTURAL", Code: 13001, Message: "page malformed"},
	}

	rec, envelope := f.do(t, http.MethodGet, "/api/v1/grading/runs/run-1/errors", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var resp controller.ErrorListResponse
	if err := json.Unmarshal(envelope["data"], &resp); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if resp.Count != 1 || resp.Items[0].ID != "e1" {
		t.Fatalf("unexpected entries: %+v", resp)
	}

	rec, _ = f.do(t, http.MethodGet, "/api/v1/grading/runs/run-1/errors", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if f.repo.listCalls != 1 {
		t.Fatalf("expected repeat query to hit the cache, repo queried %d times", f.repo.listCalls)
	}
}

func TestResolveError(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodPost, "/api/v1/grading/errors/e1/resolve", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if len(f.repo.resolved) != 1 || f.repo.resolved[0] != "e1" {
		t.Fatalf("expected e1 resolved, got %v", f.repo.resolved)
	}
}
