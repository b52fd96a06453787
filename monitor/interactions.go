package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/pagewatch/pagewatch/js"
	"github.com/pagewatch/pagewatch/log"
)

// interactionPollInterval is how often the page-side interaction buffer is
// drained.
const interactionPollInterval = 500 * time.Millisecond

// InteractionRecord is one user-input observation produced inside the page.
// The page-side buffer is treated as an external, untrusted, lossy source:
// it is capped at 100 records and the oldest are evicted first.
type InteractionRecord struct {
	Timestamp float64 `json:"timestamp"`
	Message   string  `json:"message"`
}

// interactionTracker injects the input-observation script into the page and
// polls its buffer. CDP has no native user-input events, so this is the only
// way to see clicks, keys and scrolls.
type interactionTracker struct {
	exec   executor
	logf   log.LineFunc
	logger *log.Logger

	// onScrollSettled fires once per coalesced scroll gesture.
	onScrollSettled func()
}

// ensureInjected installs the tracking script unless the page-global guard
// flag says it already is, keeping listener registration idempotent across
// repeated calls and navigations.
func (tr *interactionTracker) ensureInjected(ctx context.Context) error {
	var installed bool
	if err := evaluate(ctx, tr.exec, js.InteractionGuardExpr, &installed); err != nil {
		return fmt.Errorf("checking interaction tracker guard: %w", err)
	}
	if installed {
		return nil
	}
	if err := compileCheck(ctx, tr.exec, js.InteractionTrackerScript); err != nil {
		return err
	}
	if err := evaluate(ctx, tr.exec, js.InteractionTrackerScript, nil); err != nil {
		return fmt.Errorf("injecting interaction tracker: %w", err)
	}
	tr.logger.Debugf("interactions", "tracking script injected")
	return nil
}

// poll drains the page buffer on a fixed interval until ctx is done.
// Injection and evaluation errors are logged and polling continues; the page
// may simply be mid-navigation.
func (tr *interactionTracker) poll(ctx context.Context) error {
	ticker := time.NewTicker(interactionPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tr.drainOnce(ctx)
		}
	}
}

func (tr *interactionTracker) drainOnce(ctx context.Context) {
	var records []InteractionRecord
	if err := evaluate(ctx, tr.exec, js.InteractionDrainExpr, &records); err != nil {
		tr.logger.Debugf("interactions", "draining buffer: %v", err)
		return
	}
	for _, rec := range records {
		tr.logf("INTERACTION", rec.Message)
		if strings.HasPrefix(rec.Message, "SCROLL_SETTLED") && tr.onScrollSettled != nil {
			tr.onScrollSettled()
		}
	}
}

// evaluate runs expr in the page and decodes its by-value result into out
// (which may be nil). A page-side exception is surfaced as an error.
func evaluate(ctx context.Context, exec executor, expr string, out any) error {
	params := map[string]any{
		"expression":    expr,
		"returnByValue": true,
	}
	var res struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails json.RawMessage `json:"exceptionDetails"`
	}
	if err := exec.Execute(ctx, "Runtime.evaluate", params, &res); err != nil {
		return err
	}
	if len(res.ExceptionDetails) > 0 {
		return fmt.Errorf("page evaluation threw: %s",
			gjson.GetBytes(res.ExceptionDetails, "text").String())
	}
	if out != nil && len(res.Result.Value) > 0 {
		return json.Unmarshal(res.Result.Value, out)
	}
	return nil
}

// compileCheck syntax-validates src without running it, so a malformed
// script fails fast with a clear error instead of corrupting page state.
func compileCheck(ctx context.Context, exec executor, src string) error {
	params := map[string]any{
		"expression":    src,
		"sourceURL":     "pagewatch://injected",
		"persistScript": false,
	}
	var res struct {
		ExceptionDetails json.RawMessage `json:"exceptionDetails"`
	}
	if err := exec.Execute(ctx, "Runtime.compileScript", params, &res); err != nil {
		return fmt.Errorf("compiling injected script: %w", err)
	}
	if len(res.ExceptionDetails) > 0 {
		return fmt.Errorf("injected script failed to compile: %s",
			gjson.GetBytes(res.ExceptionDetails, "text").String())
	}
	return nil
}
