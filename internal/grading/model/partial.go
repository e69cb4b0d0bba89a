package model

// FailedItem describes one item that could not be processed in a batch.
type FailedItem struct {
	Index   int               `json:"index"`
	Error   string            `json:"error"`
	Context map[string]string `json:"context,omitempty"`
}

// PartialResults captures whatever a batch produced before it stopped,
// so an aborted run can be re-driven over just the missing subset.
type PartialResults struct {
	RunID            string              `json:"run_id"`
	TotalItems       int                 `json:"total_items"`
	CompletedResults []PageGradingResult `json:"completed_results"`
	FailedItems      []FailedItem        `json:"failed_items"`
}

// CompletionRate returns completed / total, or 0 for an empty batch.
func (p *PartialResults) CompletionRate() float64 {
	if p.TotalItems == 0 {
		return 0
	}
	return float64(len(p.CompletedResults)) / float64(p.TotalItems)
}

// FailedIndices returns the indices still missing from the batch.
func (p *PartialResults) FailedIndices() []int {
	indices := make([]int, 0, len(p.FailedItems))
	for _, item := range p.FailedItems {
		indices = append(indices, item.Index)
	}
	return indices
}
