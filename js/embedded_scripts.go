// Package js embeds the scripts injected into monitored pages. CDP has no
// native events for user input or layout shifts, so these scripts observe
// them in the page and expose page-global buffers that the host polls.
package js

import (
	_ "embed"
)

// InteractionTrackerScript observes clicks, keydowns and scrolls with
// capturing-phase listeners and pushes records into a page-global ring
// buffer (window.__pwInteractionBuffer, capped at 100 entries, oldest
// dropped first). Scrolls are coalesced client-side so the host sees one
// SCROLL plus one SCROLL_SETTLED record per gesture instead of every
// intermediate position.
//
//go:embed interaction_tracker.js
var InteractionTrackerScript string

// LayoutShiftObserverScript installs a PerformanceObserver for layout-shift
// entries and accumulates them in window.__pwLayoutShifts. The observer is
// installed once per page (guarded by a page-global flag) but the shift
// buffer is reset on every injection, i.e. once per navigation session.
//
//go:embed layout_shift_observer.js
var LayoutShiftObserverScript string

// InteractionGuardExpr is evaluated before injecting
// InteractionTrackerScript to keep listener registration idempotent.
const InteractionGuardExpr = "!!window.__pwInteractionTracking"

// InteractionDrainExpr atomically drains the interaction buffer.
const InteractionDrainExpr = "window.__pwInteractionBuffer ? " +
	"window.__pwInteractionBuffer.splice(0, window.__pwInteractionBuffer.length) : []"

// LayoutShiftDrainExpr atomically drains the layout-shift buffer.
const LayoutShiftDrainExpr = "window.__pwLayoutShifts ? " +
	"window.__pwLayoutShifts.splice(0, window.__pwLayoutShifts.length) : []"
