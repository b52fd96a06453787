package screencast

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGradeCLS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		shifts []LayoutShift
		want   string
	}{
		{
			name: "good_under_boundary",
			shifts: []LayoutShift{
				{Score: 0.05},
			},
			want: "good",
		},
		{
			name: "good_at_boundary",
			shifts: []LayoutShift{
				{Score: 0.05}, {Score: 0.05},
			},
			want: "good",
		},
		{
			name: "needs_improvement",
			shifts: []LayoutShift{
				{Score: 0.05}, {Score: 0.08},
			},
			want: "needs-improvement",
		},
		{
			name: "needs_improvement_at_boundary",
			shifts: []LayoutShift{
				{Score: 0.25},
			},
			want: "needs-improvement",
		},
		{
			name: "poor",
			shifts: []LayoutShift{
				{Score: 0.3},
			},
			want: "poor",
		},
		{
			name:   "no_shifts_is_good",
			shifts: nil,
			want:   "good",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, gradeCLS(totalCLS(tt.shifts)))
		})
	}
}

func TestTotalCLS(t *testing.T) {
	t.Parallel()

	shifts := []LayoutShift{
		{Score: 0.01}, {Score: 0.02}, {Score: 0.04},
	}
	assert.InDelta(t, 0.07, totalCLS(shifts), 1e-9)
	assert.Zero(t, totalCLS(nil))
}

func TestDescribeShift(t *testing.T) {
	t.Parallel()

	shift := func(dx, dy float64) LayoutShift {
		return LayoutShift{
			Score: 0.051,
			Sources: []ShiftSource{{
				Node:         "div#banner",
				PreviousRect: Rect{X: 10, Y: 20, Width: 100, Height: 50},
				CurrentRect:  Rect{X: 10 + dx, Y: 20 + dy, Width: 100, Height: 50},
			}},
		}
	}

	tests := []struct {
		name  string
		shift LayoutShift
		want  string
	}{
		{"down", shift(0, 24), "div#banner shifted down by 24.0px (score 0.051)"},
		{"up", shift(0, -12.5), "div#banner shifted up by 12.5px (score 0.051)"},
		{"right", shift(30, 4), "div#banner shifted right by 30.0px (score 0.051)"},
		{"left", shift(-30, 4), "div#banner shifted left by 30.0px (score 0.051)"},
		{
			"no_sources",
			LayoutShift{Score: 0.2},
			"layout shift (score 0.200)",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, describeShift(tt.shift))
		})
	}
}
