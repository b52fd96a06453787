package screencast

import (
	"fmt"
	"math"
)

// CLS grade boundaries per the Web Vitals thresholds. Boundaries are
// inclusive: a total of exactly 0.1 still grades "good".
const (
	clsGoodMax             = 0.1
	clsNeedsImprovementMax = 0.25
)

// Rect is a DOM rectangle as reported by the layout-shift observer.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ShiftSource names one element that moved and where it went.
type ShiftSource struct {
	Node         string `json:"node"`
	PreviousRect Rect   `json:"previousRect"`
	CurrentRect  Rect   `json:"currentRect"`
}

// LayoutShift is one layout-shift performance entry observed in the page.
// Timestamp is milliseconds since navigation start.
type LayoutShift struct {
	Score     float64       `json:"score"`
	Timestamp float64       `json:"timestamp"`
	Sources   []ShiftSource `json:"sources"`
}

// totalCLS sums the shift scores of one navigation session.
func totalCLS(shifts []LayoutShift) float64 {
	var total float64
	for _, s := range shifts {
		total += s.Score
	}
	return total
}

// gradeCLS buckets a cumulative layout shift score.
func gradeCLS(total float64) string {
	switch {
	case total <= clsGoodMax:
		return "good"
	case total <= clsNeedsImprovementMax:
		return "needs-improvement"
	default:
		return "poor"
	}
}

// describeShift renders a shift as a human-readable direction, e.g.
// "div shifted down by 24.0px (score 0.051)".
func describeShift(s LayoutShift) string {
	if len(s.Sources) == 0 {
		return fmt.Sprintf("layout shift (score %.3f)", s.Score)
	}
	src := s.Sources[0]
	dx := src.CurrentRect.X - src.PreviousRect.X
	dy := src.CurrentRect.Y - src.PreviousRect.Y

	direction, amount := "down", dy
	if math.Abs(dx) > math.Abs(dy) {
		direction, amount = "right", dx
		if dx < 0 {
			direction = "left"
		}
	} else if dy < 0 {
		direction = "up"
	}

	return fmt.Sprintf("%s shifted %s by %.1fpx (score %.3f)",
		src.Node, direction, math.Abs(amount), s.Score)
}
