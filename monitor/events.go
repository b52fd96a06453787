package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/pagewatch/pagewatch/cdp"
)

const (
	consoleStackFrames   = 3
	exceptionStackFrames = 5

	// navScreenshotDelay is the settle wait after a main-frame navigation
	// before the "frame-navigated" screenshot.
	navScreenshotDelay = 200 * time.Millisecond

	bodyLogLimit = 200
)

// navBackupDelays staggers extra screenshots after a navigation to catch
// late renders. The exact values are tunable, not load-bearing.
var navBackupDelays = []time.Duration{100 * time.Millisecond, time.Second, 3 * time.Second}

// registerEventHandlers installs the dispatch table turning CDP events into
// log lines with a fixed "[SOURCE] message" shape.
func (m *Monitor) registerEventHandlers(ctx context.Context) {
	on := m.transport.On

	on("Runtime.consoleAPICalled", func(ev *cdp.Event) { m.onConsoleAPI(ev) })
	on("Runtime.exceptionThrown", func(ev *cdp.Event) { m.onExceptionThrown(ctx, ev) })
	on("Log.entryAdded", func(ev *cdp.Event) { m.onLogEntry(ev) })
	on("Network.requestWillBeSent", func(ev *cdp.Event) { m.onRequestWillBeSent(ev) })
	on("Network.responseReceived", func(ev *cdp.Event) { m.onResponseReceived(ev) })
	on("Network.loadingFinished", func(ev *cdp.Event) { m.idle.Decrement() })
	on("Network.loadingFailed", func(ev *cdp.Event) { m.onLoadingFailed(ev) })
	on("Page.frameNavigated", func(ev *cdp.Event) { m.onFrameNavigated(ctx, ev) })
	on("Page.loadEventFired", func(ev *cdp.Event) { m.onLifecycle(ctx, "page-loaded") })
	on("Page.domContentEventFired", func(ev *cdp.Event) { m.onLifecycle(ctx, "dom-content-loaded") })
}

func (m *Monitor) onConsoleAPI(ev *cdp.Event) {
	typ := gjson.GetBytes(ev.Params, "type").String()
	args := gjson.GetBytes(ev.Params, "args").Array()

	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, remoteObjectText(a))
	}
	line := strings.Join(parts, " ")

	if typ == "error" || typ == "assert" {
		frames := gjson.GetBytes(ev.Params, "stackTrace.callFrames").Array()
		line += stackSuffix(frames, consoleStackFrames)
	}

	m.logf("CONSOLE "+strings.ToUpper(typ), line)
}

func (m *Monitor) onExceptionThrown(ctx context.Context, ev *cdp.Event) {
	details := gjson.GetBytes(ev.Params, "exceptionDetails")

	text := details.Get("exception.description").String()
	if text == "" {
		text = details.Get("text").String()
	}
	line := fmt.Sprintf("%s at %s:%d:%d",
		text,
		details.Get("url").String(),
		details.Get("lineNumber").Int(),
		details.Get("columnNumber").Int())
	line += stackSuffix(details.Get("stackTrace.callFrames").Array(), exceptionStackFrames)

	m.logf("RUNTIME ERROR", line)
	m.shots.CaptureAsync(ctx, "error")
}

// onLogEntry forwards browser-log entries, but only error and warning
// levels: info-level entries are already captured through the Runtime
// domain and would be double-logged.
func (m *Monitor) onLogEntry(ev *cdp.Event) {
	entry := gjson.GetBytes(ev.Params, "entry")
	level := entry.Get("level").String()
	if level != "error" && level != "warning" {
		return
	}
	m.logf("BROWSER "+strings.ToUpper(level),
		fmt.Sprintf("%s (%s)", entry.Get("text").String(), entry.Get("source").String()))
}

func (m *Monitor) onRequestWillBeSent(ev *cdp.Event) {
	m.idle.Increment()

	req := gjson.GetBytes(ev.Params, "request")
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", req.Get("method").String(), req.Get("url").String())
	if initiator := gjson.GetBytes(ev.Params, "initiator.type"); initiator.Exists() {
		fmt.Fprintf(&b, " (initiator: %s)", initiator.String())
	}
	if ct := req.Get(`headers.Content-Type`); ct.Exists() {
		fmt.Fprintf(&b, " content-type: %s", ct.String())
	}
	if body := req.Get("postData"); body.Exists() {
		fmt.Fprintf(&b, " body: %s", truncate(body.String(), bodyLogLimit))
	}
	m.logf("NETWORK REQUEST", b.String())
}

func (m *Monitor) onResponseReceived(ev *cdp.Event) {
	resp := gjson.GetBytes(ev.Params, "response")
	line := fmt.Sprintf("%d %s (%s",
		resp.Get("status").Int(),
		resp.Get("url").String(),
		resp.Get("mimeType").String())
	if timing := resp.Get("timing.receiveHeadersEnd"); timing.Exists() {
		line += fmt.Sprintf(", %.0fms", timing.Float())
	}
	m.logf("NETWORK RESPONSE", line+")")
}

func (m *Monitor) onLoadingFailed(ev *cdp.Event) {
	m.idle.Decrement()
	line := gjson.GetBytes(ev.Params, "errorText").String()
	if typ := gjson.GetBytes(ev.Params, "type"); typ.Exists() {
		line += fmt.Sprintf(" (%s)", typ.String())
	}
	if gjson.GetBytes(ev.Params, "canceled").Bool() {
		line += " [canceled]"
	}
	m.logf("NETWORK ERROR", line)
}

// onFrameNavigated logs main-frame navigations only; subframes (ad iframes
// and the like) would drown the log.
func (m *Monitor) onFrameNavigated(ctx context.Context, ev *cdp.Event) {
	frame := gjson.GetBytes(ev.Params, "frame")
	if frame.Get("parentId").Exists() {
		return
	}
	m.logf("NAVIGATION", frame.Get("url").String())

	m.scheduleScreenshot(ctx, navScreenshotDelay, "frame-navigated")
	for _, delay := range navBackupDelays {
		m.scheduleScreenshot(ctx, delay, "navigation")
	}
}

// onLifecycle handles load/DOMContentLoaded: screenshot plus tracker
// re-injection, since a fresh document lost the injected listeners.
func (m *Monitor) onLifecycle(ctx context.Context, event string) {
	m.logf("PAGE", event)
	m.shots.CaptureAsync(ctx, event)
	if err := m.tracker.ensureInjected(ctx); err != nil {
		m.logger.Debugf("monitor", "re-injecting interaction tracker on %s: %v", event, err)
	}
}

func (m *Monitor) scheduleScreenshot(ctx context.Context, delay time.Duration, event string) {
	time.AfterFunc(delay, func() {
		if m.shuttingDown.Load() || ctx.Err() != nil {
			return
		}
		m.shots.Capture(ctx, event)
	})
}

// remoteObjectText renders one console argument: the primitive value when
// present, else the object description, else its type.
func remoteObjectText(obj gjson.Result) string {
	if v := obj.Get("value"); v.Exists() {
		if v.Type == gjson.String {
			return v.String()
		}
		return v.Raw
	}
	if v := obj.Get("unserializableValue"); v.Exists() {
		return v.String()
	}
	if v := obj.Get("description"); v.Exists() {
		return v.String()
	}
	return obj.Get("type").String()
}

func stackSuffix(frames []gjson.Result, max int) string {
	if len(frames) > max {
		frames = frames[:max]
	}
	var b strings.Builder
	for _, f := range frames {
		fn := f.Get("functionName").String()
		if fn == "" {
			fn = "<anonymous>"
		}
		fmt.Fprintf(&b, "\n    at %s (%s:%d:%d)",
			fn,
			f.Get("url").String(),
			f.Get("lineNumber").Int(),
			f.Get("columnNumber").Int())
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
