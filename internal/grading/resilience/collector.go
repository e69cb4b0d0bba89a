package resilience

import (
	"sort"
	"sync"

	"gradeflow/internal/grading/model"
)

// Collector accumulates page results and failures during a long batch so
// an aborted run keeps everything computed so far. Safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	runID   string
	total   int
	results []model.PageGradingResult
	failed  []model.FailedItem
}

// NewCollector creates a collector for a batch of totalItems.
func NewCollector(runID string, totalItems int) *Collector {
	return &Collector{
		runID: runID,
		total: totalItems,
	}
}

// Complete records a successfully graded page.
func (c *Collector) Complete(result model.PageGradingResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, result)
}

// Fail records a page that could not be graded.
func (c *Collector) Fail(index int, err error, context map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.failed = append(c.failed, model.FailedItem{
		Index:   index,
		Error:   msg,
		Context: context,
	})
}

// Snapshot returns the current partial results, page-ordered.
func (c *Collector) Snapshot() model.PartialResults {
	c.mu.Lock()
	defer c.mu.Unlock()

	results := make([]model.PageGradingResult, len(c.results))
	copy(results, c.results)
	sort.Slice(results, func(a, b int) bool {
		return results[a].PageIndex < results[b].PageIndex
	})

	failed := make([]model.FailedItem, len(c.failed))
	copy(failed, c.failed)
	sort.Slice(failed, func(a, b int) bool {
		return failed[a].Index < failed[b].Index
	})

	return model.PartialResults{
		RunID:            c.runID,
		TotalItems:       c.total,
		CompletedResults: results,
		FailedItems:      failed,
	}
}

// Done reports whether every item has an outcome.
func (c *Collector) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)+len(c.failed) >= c.total
}
