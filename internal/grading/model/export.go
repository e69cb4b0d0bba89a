package model

// CrossPageQuestion summarizes one question merged across pages, kept in
// the export artifact for audit.
type CrossPageQuestion struct {
	QuestionID  string  `json:"question_id"`
	PageIndices []int   `json:"page_indices"`
	Confidence  float64 `json:"confidence"`
	MergeReason string  `json:"merge_reason"`
}

// ExportArtifact is the terminal output of a completed run.
type ExportArtifact struct {
	RunID                 string              `json:"run_id"`
	StudentResults        []StudentResult     `json:"student_results"`
	CrossPageQuestions    []CrossPageQuestion `json:"cross_page_questions"`
	UnconfirmedBoundaries []StudentBoundary   `json:"unconfirmed_boundaries,omitempty"`
	ExportedAt            int64               `json:"exported_at"`
}
