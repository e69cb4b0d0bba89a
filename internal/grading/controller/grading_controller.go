package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gradeflow/internal/common/cache"
	"gradeflow/internal/common/mq"
	"gradeflow/internal/grading/errorlog"
	"gradeflow/internal/grading/model"
	"gradeflow/internal/grading/workflow"
	"gradeflow/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const errorListTTL = 30 * time.Second

// GradingController handles grading run HTTP endpoints.
type GradingController struct {
	orchestrator *workflow.Orchestrator
	queue        mq.MessageQueue
	taskTopic    string
	errorRepo    errorlog.Repository
	cache        cache.Cache
}

// NewGradingController creates a new GradingController.
func NewGradingController(orchestrator *workflow.Orchestrator, queue mq.MessageQueue, taskTopic string, errorRepo errorlog.Repository, c cache.Cache) *GradingController {
	return &GradingController{
		orchestrator: orchestrator,
		queue:        queue,
		taskTopic:    taskTopic,
		errorRepo:    errorRepo,
		cache:        c,
	}
}

// Create enqueues a new grading run.
func (h *GradingController) Create(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	if len(req.PageKeys) == 0 && req.PagePrefix == "" {
		response.BadRequest(c, "Either page_keys or page_prefix is required")
		return
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	msg := model.GradeRunMessage{
		RunID:       runID,
		Bucket:      req.Bucket,
		PageKeys:    req.PageKeys,
		PagePrefix:  req.PagePrefix,
		RubricKey:   req.RubricKey,
		BatchSize:   req.BatchSize,
		RequestedBy: req.RequestedBy,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		response.Error(c, err)
		return
	}
	task := mq.NewMessage(body)
	task.ID = runID
	if err := h.queue.Publish(c.Request.Context(), h.taskTopic, task); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, CreateRunResponse{RunID: runID, Status: "queued"})
}

// GetState returns the workflow state and review summary for one run.
func (h *GradingController) GetState(c *gin.Context) {
	runID := c.Param("id")
	if runID == "" {
		response.BadRequest(c, "Invalid run id")
		return
	}
	view, err := h.orchestrator.GetState(c.Request.Context(), runID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, view)
}

// Resume applies a review decision to a paused run.
func (h *GradingController) Resume(c *gin.Context) {
	runID := c.Param("id")
	if runID == "" {
		response.BadRequest(c, "Invalid run id")
		return
	}
	var req ResumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	state, err := h.orchestrator.Resume(c.Request.Context(), runID, req.Action, req.Payload)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, ResumeResponse{
		RunID:        state.RunID,
		CurrentStage: string(state.CurrentStage),
		PausePoint:   string(state.PausePoint),
	})
}

// ListErrors returns error log entries for one run, newest first.
func (h *GradingController) ListErrors(c *gin.Context) {
	runID := c.Param("id")
	if runID == "" {
		response.BadRequest(c, "Invalid run id")
		return
	}
	filter := errorlog.ListFilter{
		RunID:          runID,
		Stage:          model.Stage(c.Query("stage")),
		UnresolvedOnly: c.Query("unresolved") == "true",
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			response.BadRequest(c, "Invalid limit")
			return
		}
		filter.Limit = limit
	}

	key := fmt.Sprintf("gradeflow:errors:%s:%s:%t:%d", filter.RunID, filter.Stage, filter.UnresolvedOnly, filter.Limit)
	entries, err := cache.GetWithCached(c.Request.Context(), h.cache, key, errorListTTL, errorListTTL,
		func(entries []model.ErrorEntry) bool { return len(entries) == 0 },
		func(entries []model.ErrorEntry) string {
			data, _ := json.Marshal(entries)
			return string(data)
		},
		func(data string) ([]model.ErrorEntry, error) {
			var out []model.ErrorEntry
			if err := json.Unmarshal([]byte(data), &out); err != nil {
				return nil, err
			}
			return out, nil
		},
		func(ctx context.Context) ([]model.ErrorEntry, error) {
			return h.errorRepo.List(ctx, filter)
		})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, ErrorListResponse{Items: entries, Count: len(entries)})
}

// ResolveError marks one error log entry as resolved.
func (h *GradingController) ResolveError(c *gin.Context) {
	entryID := c.Param("entryId")
	if entryID == "" {
		response.BadRequest(c, "Invalid entry id")
		return
	}
	if err := h.errorRepo.MarkResolved(c.Request.Context(), entryID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"entry_id": entryID, "resolved": true})
}

// CreateRunRequest defines the run creation payload.
type CreateRunRequest struct {
	RunID       string   `json:"run_id"`
	Bucket      string   `json:"bucket" binding:"required"`
	PageKeys    []string `json:"page_keys"`
	PagePrefix  string   `json:"page_prefix"`
	RubricKey   string   `json:"rubric_key" binding:"required"`
	BatchSize   int      `json:"batch_size"`
	RequestedBy string   `json:"requested_by"`
}

// CreateRunResponse defines the run creation response payload.
type CreateRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// ResumeRequest defines the review decision payload.
type ResumeRequest struct {
	Action  string          `json:"action" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

// ResumeResponse defines the review decision response payload.
type ResumeResponse struct {
	RunID        string `json:"run_id"`
	CurrentStage string `json:"current_stage"`
	PausePoint   string `json:"pause_point,omitempty"`
}

// ErrorListResponse defines the error log query response payload.
type ErrorListResponse struct {
	Items []model.ErrorEntry `json:"items"`
	Count int                `json:"count"`
}
