package model

// ScoringPoint is one rubric scoring point for a question.
type ScoringPoint struct {
	PointID     string  `json:"point_id"`
	Description string  `json:"description"`
	MaxPoints   float64 `json:"max_points"`
	Confidence  float64 `json:"confidence"`
}

// RubricQuestion is one question's rubric fragment.
type RubricQuestion struct {
	QuestionID    string         `json:"question_id"`
	MaxScore      float64        `json:"max_score"`
	ScoringPoints []ScoringPoint `json:"scoring_points,omitempty"`
}

// Rubric is the parsed scoring standard for a run.
type Rubric struct {
	Questions       []RubricQuestion `json:"questions"`
	ParseConfidence float64          `json:"parse_confidence"`
	Confirmed       bool             `json:"confirmed"`
}

// Question returns the rubric fragment for a question ID.
func (r *Rubric) Question(questionID string) (RubricQuestion, bool) {
	for _, q := range r.Questions {
		if q.QuestionID == questionID {
			return q, true
		}
	}
	return RubricQuestion{}, false
}

// MaxTotal returns the sum of question max scores.
func (r *Rubric) MaxTotal() float64 {
	var total float64
	for _, q := range r.Questions {
		total += q.MaxScore
	}
	return total
}
