package merge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gradeflow/internal/grading/model"
	"gradeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// TieBreakPolicy decides which scoring point entry wins when merged pages
// disagree on the same point. The losing value is always kept in the
// merge audit trail, never silently dropped.
type TieBreakPolicy string

const (
	// TieBreakConfidenceThenAwarded keeps the higher-confidence entry,
	// then the larger awarded value on an exact confidence tie.
	TieBreakConfidenceThenAwarded TieBreakPolicy = "confidence_then_awarded"

	// TieBreakAwardedThenConfidence keeps the larger awarded value,
	// then the higher-confidence entry on an exact tie.
	TieBreakAwardedThenConfidence TieBreakPolicy = "awarded_then_confidence"
)

// Config tunes cross-page merging.
type Config struct {
	TieBreak TieBreakPolicy `yaml:"tieBreak"`
}

// DefaultConfig returns the standard merge policy.
func DefaultConfig() Config {
	return Config{TieBreak: TieBreakConfidenceThenAwarded}
}

// Merger resolves questions that were graded on more than one page.
type Merger struct {
	config Config
}

// NewMerger creates a merger with the given policy.
func NewMerger(config Config) *Merger {
	if config.TieBreak == "" {
		config.TieBreak = TieBreakConfidenceThenAwarded
	}
	return &Merger{config: config}
}

// Output is the result of a cross-page merge pass.
type Output struct {
	MergedQuestions    []model.QuestionResult    `json:"merged_questions"`
	CrossPageQuestions []model.CrossPageQuestion `json:"cross_page_questions"`
}

// MergeCrossPage collapses per-page question results into one canonical
// result per question ID. Deterministic given identical input; never
// fails — pages with unusable shapes pass through with a warning.
func (m *Merger) MergeCrossPage(ctx context.Context, pages []model.PageGradingResult) Output {
	flat := make([]model.QuestionResult, 0)
	for _, page := range pages {
		if page.Status == model.PageStatusFailed {
			continue
		}
		for _, q := range page.QuestionResults {
			if q.QuestionID == "" || q.MaxScore <= 0 {
				logger.Warn(ctx, "skipping malformed question result",
					zap.Int("page_index", page.PageIndex),
					zap.String("question_id", q.QuestionID),
				)
				continue
			}
			if len(q.PageIndices) == 0 {
				q.PageIndices = []int{page.PageIndex}
			}
			flat = append(flat, q)
		}
	}
	return m.Merge(ctx, flat)
}

// Merge groups a flat question list by ID and merges each group.
// Idempotent: merging an already-merged list yields the same list.
func (m *Merger) Merge(ctx context.Context, questions []model.QuestionResult) Output {
	order := make([]string, 0)
	groups := make(map[string][]model.QuestionResult)
	for _, q := range questions {
		if _, seen := groups[q.QuestionID]; !seen {
			order = append(order, q.QuestionID)
		}
		groups[q.QuestionID] = append(groups[q.QuestionID], q)
	}

	out := Output{
		MergedQuestions:    make([]model.QuestionResult, 0, len(order)),
		CrossPageQuestions: make([]model.CrossPageQuestion, 0),
	}
	for _, id := range order {
		group := groups[id]
		if len(group) == 1 {
			out.MergedQuestions = append(out.MergedQuestions, group[0])
			continue
		}

		merged := m.mergeGroup(ctx, group)
		out.MergedQuestions = append(out.MergedQuestions, merged)
		out.CrossPageQuestions = append(out.CrossPageQuestions, model.CrossPageQuestion{
			QuestionID:  merged.QuestionID,
			PageIndices: merged.PageIndices,
			Confidence:  merged.Confidence,
			MergeReason: fmt.Sprintf("question %s graded on %d pages", merged.QuestionID, len(merged.PageIndices)),
		})
	}
	return out
}

// mergeGroup combines instances of one question found on several pages.
// The per-page instances are never mutated; merging produces a new result.
func (m *Merger) mergeGroup(ctx context.Context, group []model.QuestionResult) model.QuestionResult {
	merged := model.QuestionResult{
		QuestionID:  group[0].QuestionID,
		IsCrossPage: true,
	}

	allHavePoints := true
	var confidenceSum float64
	pageSet := make(map[int]struct{})
	feedbacks := make([]string, 0, len(group))
	seenFeedback := make(map[string]struct{})

	for _, q := range group {
		// maxScore is the max, never the sum: the same question cannot
		// raise its ceiling by being split across pages
		if q.MaxScore > merged.MaxScore {
			merged.MaxScore = q.MaxScore
		}
		confidenceSum += q.Confidence
		if !q.HasScoringPoints() {
			allHavePoints = false
		}
		for _, idx := range q.PageIndices {
			pageSet[idx] = struct{}{}
		}
		if q.Feedback != "" {
			if _, dup := seenFeedback[q.Feedback]; !dup {
				seenFeedback[q.Feedback] = struct{}{}
				feedbacks = append(feedbacks, q.Feedback)
			}
		}
		merged.MergeSource = append(merged.MergeSource,
			fmt.Sprintf("pages %v (score %.1f, confidence %.2f)", q.PageIndices, q.Score, q.Confidence))
	}

	merged.Confidence = confidenceSum / float64(len(group))
	merged.Feedback = strings.Join(feedbacks, "; ")
	merged.PageIndices = sortedPages(pageSet)

	if allHavePoints {
		merged.ScoringPoints, merged.MergeSource = m.unionScoringPoints(group, merged.MergeSource)
		var score float64
		for _, p := range merged.ScoringPoints {
			score += p.Awarded
		}
		if score > merged.MaxScore {
			logger.Warn(ctx, "merged scoring points exceed max score, clamping",
				zap.String("question_id", merged.QuestionID),
				zap.Float64("score", score),
				zap.Float64("max_score", merged.MaxScore),
			)
			score = merged.MaxScore
		}
		merged.Score = score
	} else {
		// without full breakdowns the more complete pass wins, never both
		for _, q := range group {
			if q.Score > merged.Score {
				merged.Score = q.Score
			}
		}
		if merged.Score > merged.MaxScore {
			merged.Score = merged.MaxScore
		}
	}
	return merged
}

type candidate struct {
	point      model.ScoringPointResult
	confidence float64
	page       int
}

// unionScoringPoints merges breakdowns by point ID. A point present in
// several instances is resolved by the tie-break policy and the losing
// value recorded in the audit trail.
func (m *Merger) unionScoringPoints(group []model.QuestionResult, audit []string) ([]model.ScoringPointResult, []string) {
	order := make([]string, 0)
	chosen := make(map[string]candidate)

	for _, q := range group {
		origin := -1
		if len(q.PageIndices) > 0 {
			origin = q.PageIndices[0]
		}
		for _, p := range q.ScoringPoints {
			cand := candidate{point: p, confidence: q.Confidence, page: origin}
			cur, exists := chosen[p.PointID]
			if !exists {
				order = append(order, p.PointID)
				chosen[p.PointID] = cand
				continue
			}
			if cur.point.Awarded == cand.point.Awarded {
				continue
			}
			if m.wins(cand, cur) {
				audit = append(audit, fmt.Sprintf(
					"point %s: kept awarded %.1f from page %d (confidence %.2f), discarded %.1f from page %d (confidence %.2f)",
					p.PointID, cand.point.Awarded, cand.page, cand.confidence,
					cur.point.Awarded, cur.page, cur.confidence))
				chosen[p.PointID] = cand
			} else {
				audit = append(audit, fmt.Sprintf(
					"point %s: kept awarded %.1f from page %d (confidence %.2f), discarded %.1f from page %d (confidence %.2f)",
					p.PointID, cur.point.Awarded, cur.page, cur.confidence,
					cand.point.Awarded, cand.page, cand.confidence))
			}
		}
	}

	points := make([]model.ScoringPointResult, 0, len(order))
	for _, id := range order {
		points = append(points, chosen[id].point)
	}
	return points, audit
}

func (m *Merger) wins(challenger, incumbent candidate) bool {
	switch m.config.TieBreak {
	case TieBreakAwardedThenConfidence:
		if challenger.point.Awarded != incumbent.point.Awarded {
			return challenger.point.Awarded > incumbent.point.Awarded
		}
		return challenger.confidence > incumbent.confidence
	default:
		if challenger.confidence != incumbent.confidence {
			return challenger.confidence > incumbent.confidence
		}
		return challenger.point.Awarded > incumbent.point.Awarded
	}
}

func sortedPages(set map[int]struct{}) []int {
	pages := make([]int, 0, len(set))
	for idx := range set {
		pages = append(pages, idx)
	}
	sort.Ints(pages)
	return pages
}
