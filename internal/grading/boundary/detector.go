package boundary

import (
	"context"
	"fmt"
	"sort"

	"gradeflow/internal/grading/model"
	"gradeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// Config tunes the multi-signal boundary detection.
type Config struct {
	// SwitchConfidence is the hint confidence that switches students
	// immediately, regardless of how few pages the current student has.
	SwitchConfidence float64 `yaml:"switchConfidence"`

	// WeakSwitchConfidence is the hint confidence that switches students
	// only when the current student already holds MinPagesForWeakSwitch
	// pages. Hints below this are recorded but never switch.
	WeakSwitchConfidence  float64 `yaml:"weakSwitchConfidence"`
	MinPagesForWeakSwitch int     `yaml:"minPagesForWeakSwitch"`

	// StrongCycleMax is the running question max required before a
	// resumption at question 1-2 counts as a strong cycle signal.
	StrongCycleMax int `yaml:"strongCycleMax"`

	// MediumCycleMax is the running question max required before a
	// resumption at question 1-3 with a preceding sequence gap counts
	// as a medium cycle signal.
	MediumCycleMax int `yaml:"mediumCycleMax"`

	// ConfirmThreshold flags boundaries below it for human confirmation.
	ConfirmThreshold float64 `yaml:"confirmThreshold"`
}

// DefaultConfig returns the standard detection thresholds.
func DefaultConfig() Config {
	return Config{
		SwitchConfidence:      0.8,
		WeakSwitchConfidence:  0.7,
		MinPagesForWeakSwitch: 3,
		StrongCycleMax:        5,
		MediumCycleMax:        8,
		ConfirmThreshold:      0.8,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.SwitchConfidence <= 0 {
		c.SwitchConfidence = def.SwitchConfidence
	}
	if c.WeakSwitchConfidence <= 0 {
		c.WeakSwitchConfidence = def.WeakSwitchConfidence
	}
	if c.MinPagesForWeakSwitch <= 0 {
		c.MinPagesForWeakSwitch = def.MinPagesForWeakSwitch
	}
	if c.StrongCycleMax <= 0 {
		c.StrongCycleMax = def.StrongCycleMax
	}
	if c.MediumCycleMax <= 0 {
		c.MediumCycleMax = def.MediumCycleMax
	}
	if c.ConfirmThreshold <= 0 {
		c.ConfirmThreshold = def.ConfirmThreshold
	}
}

// Detector converts per-page grading outputs into student page ranges.
type Detector struct {
	config Config
}

// NewDetector creates a detector with the given thresholds.
func NewDetector(config Config) *Detector {
	config.applyDefaults()
	return &Detector{config: config}
}

// segment is a student range under construction.
type segment struct {
	start  int
	method model.DetectionMethod
	hint   *model.StudentHint
}

// Detect transforms an ordered page sequence into contiguous,
// non-overlapping boundaries covering every page. It never fails: on
// total ambiguity it falls back to a single student with confidence 0.5.
func (d *Detector) Detect(ctx context.Context, pages []model.PageGradingResult) model.DetectionResult {
	if len(pages) == 0 {
		return model.DetectionResult{}
	}

	ordered := make([]model.PageGradingResult, len(pages))
	copy(ordered, pages)
	sort.Slice(ordered, func(a, b int) bool {
		return ordered[a].PageIndex < ordered[b].PageIndex
	})

	segments := d.segment(ordered)
	if len(segments) == 1 && len(ordered) > 1 {
		if estimated := d.estimate(ordered); len(estimated) > 1 {
			segments = estimated
		}
	}

	boundaries := d.commit(ctx, ordered, segments)
	return model.DetectionResult{
		Boundaries:    boundaries,
		TotalStudents: len(boundaries),
	}
}

// segment walks the pages and opens a new segment wherever the identity
// signal or a strong/medium question-cycle signal fires. Pages without
// identity information stay attributed to the active student.
func (d *Detector) segment(pages []model.PageGradingResult) []segment {
	segs := []segment{{start: 0, method: model.DetectionEstimated}}
	cur := &segs[0]

	var (
		runningMax   int
		prevHadGap   bool
		activeHint   *model.StudentHint
		questionSums int
	)

	fold := func(i int) {
		ranks := pageRanks(pages[i])
		for _, r := range ranks {
			if r > runningMax {
				runningMax = r
			}
		}
		prevHadGap = hasSequenceGap(ranks)
		questionSums += len(pages[i].QuestionResults)
		if hint := pages[i].StudentHint; hint != nil && hint.Confidence >= d.config.WeakSwitchConfidence {
			activeHint = hint
			if cur.hint == nil {
				cur.hint = hint
				cur.method = model.DetectionIdentity
			}
		}
	}
	fold(0)

	for i := 1; i < len(pages); i++ {
		segPages := i - cur.start

		identity := false
		if hint := pages[i].StudentHint; hint != nil && activeHint != nil && hint.Value != activeHint.Value {
			if hint.Confidence >= d.config.SwitchConfidence {
				identity = true
			} else if hint.Confidence >= d.config.WeakSwitchConfidence && segPages >= d.config.MinPagesForWeakSwitch {
				identity = true
			}
		}

		strong, medium, weak := false, false, false
		ranks := pageRanks(pages[i])
		if first := minRank(ranks); first > 0 {
			if first <= 2 && runningMax >= d.config.StrongCycleMax {
				strong = true
			}
			if first <= 3 && runningMax >= d.config.MediumCycleMax && prevHadGap {
				medium = true
			}
			if first == 1 && runningMax > 1 {
				weak = true
			}
		}
		densityShift := weak && abruptDensity(len(pages[i].QuestionResults), questionSums, segPages)

		if identity || strong || medium || (weak && densityShift) {
			method := model.DetectionQuestionCycle
			if identity {
				method = model.DetectionIdentity
			}
			segs = append(segs, segment{start: i, method: method})
			cur = &segs[len(segs)-1]
			runningMax = 0
			prevHadGap = false
			activeHint = nil
			questionSums = 0
		}
		fold(i)
	}
	return segs
}

// estimate splits a batch evenly when no explicit signal fired anywhere,
// inferring the student count from apparent question cycles.
func (d *Detector) estimate(pages []model.PageGradingResult) []segment {
	cycles := 1
	prevMax := 0
	for _, page := range pages {
		ranks := pageRanks(page)
		first := minRank(ranks)
		if first > 0 && first <= 2 && prevMax > first {
			cycles++
			prevMax = 0
		}
		for _, r := range ranks {
			if r > prevMax {
				prevMax = r
			}
		}
	}
	if cycles <= 1 || cycles > len(pages) {
		return nil
	}

	per := len(pages) / cycles
	if per == 0 {
		return nil
	}
	segs := make([]segment, 0, cycles)
	for i := 0; i < cycles; i++ {
		segs = append(segs, segment{start: i * per, method: model.DetectionEstimated})
	}
	return segs
}

// commit turns segments into boundaries with confidence scores and
// synthetic keys where no identity hint exists.
func (d *Detector) commit(ctx context.Context, pages []model.PageGradingResult, segs []segment) []model.StudentBoundary {
	boundaries := make([]model.StudentBoundary, 0, len(segs))

	identitySignals, cycleSignals := 0, 0
	for _, seg := range segs {
		switch seg.method {
		case model.DetectionIdentity:
			identitySignals++
		case model.DetectionQuestionCycle:
			cycleSignals++
		}
	}

	for i, seg := range segs {
		end := len(pages) - 1
		if i+1 < len(segs) {
			end = segs[i+1].start - 1
		}

		method := seg.method
		if method == model.DetectionEstimated && i+1 < len(segs) && segs[i+1].method != model.DetectionEstimated {
			// the signal that opened the next segment is what closed this one
			method = segs[i+1].method
		}

		b := model.StudentBoundary{
			StartPage:       pages[seg.start].PageIndex,
			EndPage:         pages[end].PageIndex,
			DetectionMethod: method,
		}
		if seg.hint != nil {
			b.StudentKey = seg.hint.Value
		} else {
			b.StudentKey = fmt.Sprintf("Student_%d", i+1)
		}
		if method == model.DetectionEstimated && seg.hint == nil {
			b.Confidence = 0.5
		} else {
			analysis := Analyze(b, pages)
			b.Confidence = analysis.OverallConfidence
		}

		b.Confidence = d.applyFloor(b.Confidence, len(segs), identitySignals, cycleSignals)
		b.NeedsConfirmation = b.Confidence < d.config.ConfirmThreshold
		boundaries = append(boundaries, b)
	}

	for _, b := range boundaries {
		if b.NeedsConfirmation {
			logger.Info(ctx, "boundary needs confirmation",
				zap.String("student_key", b.StudentKey),
				zap.Int("start_page", b.StartPage),
				zap.Int("end_page", b.EndPage),
				zap.Float64("confidence", b.Confidence),
			)
		}
	}
	return boundaries
}

// applyFloor adjusts confidence by how much corroboration the whole
// detection produced.
func (d *Detector) applyFloor(confidence float64, students, identitySignals, cycleSignals int) float64 {
	switch {
	case students == 1:
		// no corroboration possible for a single student
		return 0.5
	case students <= 3 && identitySignals+cycleSignals > 0:
		if confidence < 0.7 {
			return 0.7
		}
	case students >= 4 && identitySignals > 0 && cycleSignals > 0:
		if confidence < 0.75 {
			return 0.75
		}
	}
	return confidence
}

// pageRanks returns the numeric question ranks found on a page.
func pageRanks(page model.PageGradingResult) []int {
	ranks := make([]int, 0, len(page.QuestionResults))
	for _, q := range page.QuestionResults {
		if r := questionRank(q.QuestionID); r > 0 {
			ranks = append(ranks, r)
		}
	}
	return ranks
}

// questionRank parses the leading integer of a question ID ("3", "3a",
// "q12" all map to their numeric position). Returns 0 when the ID has
// no numeric component.
func questionRank(questionID string) int {
	start := -1
	for i, c := range questionID {
		if c >= '0' && c <= '9' {
			start = i
			break
		}
	}
	if start == -1 {
		return 0
	}
	rank := 0
	for _, c := range questionID[start:] {
		if c < '0' || c > '9' {
			break
		}
		rank = rank*10 + int(c-'0')
		if rank > 1<<20 {
			return 0
		}
	}
	return rank
}

func minRank(ranks []int) int {
	min := 0
	for _, r := range ranks {
		if min == 0 || r < min {
			min = r
		}
	}
	return min
}

// hasSequenceGap reports whether sorted page ranks skip a number.
func hasSequenceGap(ranks []int) bool {
	if len(ranks) < 2 {
		return false
	}
	sorted := make([]int, len(ranks))
	copy(sorted, ranks)
	sort.Ints(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i]-sorted[i-1] > 1 {
			return true
		}
	}
	return false
}

// abruptDensity reports whether a page carries far fewer or far more
// questions than the running segment average.
func abruptDensity(pageCount, segmentTotal, segmentPages int) bool {
	if segmentPages <= 0 || segmentTotal == 0 {
		return false
	}
	avg := float64(segmentTotal) / float64(segmentPages)
	return float64(pageCount) <= avg/2 || float64(pageCount) >= avg*2
}
