package boundary

import (
	"fmt"
	"sort"

	"gradeflow/internal/grading/model"
)

// Factor is one scored component of a boundary's confidence.
type Factor struct {
	Score       float64 `json:"score"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description"`
}

// Analysis explains a boundary's confidence so a reviewer can act on it.
type Analysis struct {
	OverallConfidence float64           `json:"overall_confidence"`
	Factors           map[string]Factor `json:"factors"`
	Issues            []string          `json:"issues"`
	Recommendations   []string          `json:"recommendations"`
}

// Analyze scores a boundary from three signals: identity-hint confidence,
// question-sequence continuity within the range, and boundary sharpness.
// Pure function; pages are the full ordered run, not just the range.
func Analyze(b model.StudentBoundary, pages []model.PageGradingResult) Analysis {
	analysis := Analysis{
		Factors: make(map[string]Factor),
	}

	inRange := make([]model.PageGradingResult, 0, b.PageCount())
	for _, page := range pages {
		if b.Contains(page.PageIndex) {
			inRange = append(inRange, page)
		}
	}

	identity := identityFactor(b, inRange)
	continuity, gaps, duplicates := continuityFactor(inRange)
	sharpness := sharpnessFactor(len(inRange))
	analysis.Factors["identity"] = identity
	analysis.Factors["continuity"] = continuity
	analysis.Factors["sharpness"] = sharpness

	var weighted, weights float64
	for _, f := range analysis.Factors {
		weighted += f.Score * f.Weight
		weights += f.Weight
	}
	if weights > 0 {
		analysis.OverallConfidence = weighted / weights
	}

	if identity.Weight == 0 {
		analysis.Issues = append(analysis.Issues, "no identity hint found in the page range")
		analysis.Recommendations = append(analysis.Recommendations, "verify the student's name or ID on the first page of the range")
	}
	if gaps > 0 {
		analysis.Issues = append(analysis.Issues, fmt.Sprintf("question sequence has %d gap(s) inside the range", gaps))
		analysis.Recommendations = append(analysis.Recommendations, "check whether pages are missing from the scan")
	}
	if duplicates > 0 {
		analysis.Issues = append(analysis.Issues, fmt.Sprintf("%d question(s) appear more than once inside the range", duplicates))
		analysis.Recommendations = append(analysis.Recommendations, "check whether the range spans two students' answer sheets")
	}
	if len(inRange) < 2 {
		analysis.Issues = append(analysis.Issues, "range covers a single page, which is statistically likely to be a mis-detection")
		analysis.Recommendations = append(analysis.Recommendations, "confirm whether this page belongs to a neighboring student")
	}
	return analysis
}

func identityFactor(b model.StudentBoundary, pages []model.PageGradingResult) Factor {
	best := 0.0
	for _, page := range pages {
		if page.StudentHint == nil {
			continue
		}
		if page.StudentHint.Value == b.StudentKey && page.StudentHint.Confidence > best {
			best = page.StudentHint.Confidence
		}
	}
	if best == 0 {
		return Factor{Score: 0, Weight: 0, Description: "no identity hint in range"}
	}
	return Factor{
		Score:       best,
		Weight:      1.0,
		Description: fmt.Sprintf("identity hint matches %q", b.StudentKey),
	}
}

// continuityFactor penalizes gaps and duplicates in the question sequence.
func continuityFactor(pages []model.PageGradingResult) (Factor, int, int) {
	var ranks []int
	for _, page := range pages {
		ranks = append(ranks, pageRanks(page)...)
	}
	if len(ranks) == 0 {
		return Factor{Score: 0.5, Weight: 1.0, Description: "no numeric question IDs in range"}, 0, 0
	}

	sorted := make([]int, len(ranks))
	copy(sorted, ranks)
	sort.Ints(sorted)

	gaps, duplicates := 0, 0
	for i := 1; i < len(sorted); i++ {
		switch {
		case sorted[i] == sorted[i-1]:
			duplicates++
		case sorted[i]-sorted[i-1] > 1:
			gaps++
		}
	}

	score := 1.0 - 0.15*float64(gaps) - 0.1*float64(duplicates)
	if score < 0.2 {
		score = 0.2
	}
	return Factor{
		Score:       score,
		Weight:      1.0,
		Description: fmt.Sprintf("question sequence with %d gap(s) and %d duplicate(s)", gaps, duplicates),
	}, gaps, duplicates
}

// sharpnessFactor penalizes short ranges.
func sharpnessFactor(pageCount int) Factor {
	score := 1.0
	switch {
	case pageCount <= 1:
		score = 0.3
	case pageCount == 2:
		score = 0.6
	}
	return Factor{
		Score:       score,
		Weight:      1.0,
		Description: fmt.Sprintf("range spans %d page(s)", pageCount),
	}
}
