package resilience_test

import (
	"testing"

	"gradeflow/internal/grading/model"
	"gradeflow/internal/grading/resilience"
	appErr "gradeflow/pkg/errors"
)

func TestCollectorSnapshot(t *testing.T) {
	t.Parallel()
	c := resilience.NewCollector("run-1", 4)
	c.Complete(model.PageGradingResult{PageIndex: 2, Status: model.PageStatusOK})
	c.Complete(model.PageGradingResult{PageIndex: 0, Status: model.PageStatusOK})
	c.Fail(3, appErr.New(appErr.PageMalformed), map[string]string{"stage": "GRADE_BATCH"})

	snap := c.Snapshot()
	if snap.RunID != "run-1" {
		t.Fatalf("expected run-1, got %s", snap.RunID)
	}
	if snap.TotalItems != 4 {
		t.Fatalf("expected 4 total items, got %d", snap.TotalItems)
	}
	if got := snap.CompletionRate(); got != 0.5 {
		t.Fatalf("expected completion rate 0.5, got %f", got)
	}
	if snap.CompletedResults[0].PageIndex != 0 || snap.CompletedResults[1].PageIndex != 2 {
		t.Fatal("expected completed results sorted by page index")
	}
	if len(snap.FailedItems) != 1 || snap.FailedItems[0].Index != 3 {
		t.Fatalf("expected one failed item at index 3, got %+v", snap.FailedItems)
	}
	if c.Done() {
		t.Fatal("expected collector not done with one item missing")
	}

	c.Complete(model.PageGradingResult{PageIndex: 1, Status: model.PageStatusOK})
	if !c.Done() {
		t.Fatal("expected collector done")
	}
}

func TestPartialResultsFailedIndices(t *testing.T) {
	t.Parallel()
	p := model.PartialResults{
		RunID:      "run-2",
		TotalItems: 3,
		FailedItems: []model.FailedItem{
			{Index: 1, Error: "bad page"},
			{Index: 2, Error: "timeout"},
		},
	}
	indices := p.FailedIndices()
	if len(indices) != 2 || indices[0] != 1 || indices[1] != 2 {
		t.Fatalf("expected [1 2], got %v", indices)
	}
	if p.CompletionRate() != 0 {
		t.Fatalf("expected 0 completion rate, got %f", p.CompletionRate())
	}
}
