// Package screencast passively captures a bounded window of screencast
// frames around each navigation of the monitored app, observes layout
// shifts, and persists frames plus shift metadata for visual-jank analysis.
// It owns its own CDP connection, independent of the monitor's.
package screencast

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/pagewatch/pagewatch/cdp"
	"github.com/pagewatch/pagewatch/chromium"
	"github.com/pagewatch/pagewatch/js"
	"github.com/pagewatch/pagewatch/log"
	"github.com/pagewatch/pagewatch/storage"
)

const (
	defaultPostLoadGrace  = 2 * time.Second
	defaultURLCheckWindow = 500 * time.Millisecond
	shiftPollInterval     = 500 * time.Millisecond

	screencastQuality = 80
)

// State of the capture state machine.
type State int

const (
	StateIdle State = iota
	StateCapturing
)

// executor is the slice of the CDP transport the manager consumes.
type executor interface {
	Execute(ctx context.Context, method string, params, result any) error
	ExecuteAsync(method string, params any) error
	On(method string, handler cdp.EventHandler)
}

// Options configures the screencast manager.
type Options struct {
	ScreenshotDir string
	// DebugPort is the browser's CDP port; the manager discovers its own
	// WebSocket endpoint there.
	DebugPort int
	// AppPort filters navigations: only URLs targeting this port start a
	// capture session.
	AppPort int
	// PostLoadGrace extends capture beyond the load event to catch
	// post-load hydration shifts. Zero means the default of 2s.
	PostLoadGrace time.Duration
	// URLCheckWindow bounds the navigation URL verification round trip.
	// Zero means the default of 500ms.
	URLCheckWindow time.Duration
}

// Manager is the screencast capture state machine: Idle until a navigation
// of the monitored app starts, Capturing until ~2s after its load event.
type Manager struct {
	opts      Options
	logf      log.LineFunc
	logger    *log.Logger
	exec      executor
	closeFn   func()
	persister storage.FilePersister

	mu        sync.Mutex
	state     State
	sessionID string
	navStart  time.Time
	viewport  *Viewport
	shifts    []LayoutShift
	stopTimer *time.Timer

	buffer frameBuffer

	group        *errgroup.Group
	cancel       context.CancelFunc
	shuttingDown atomic.Bool
}

// New returns an unstarted Manager.
func New(opts Options, logf log.LineFunc, logger *log.Logger) *Manager {
	if opts.PostLoadGrace <= 0 {
		opts.PostLoadGrace = defaultPostLoadGrace
	}
	if opts.URLCheckWindow <= 0 {
		opts.URLCheckWindow = defaultURLCheckWindow
	}
	if logf == nil {
		logf = log.DiscardLines
	}
	return &Manager{
		opts:      opts,
		logf:      logf,
		logger:    logger,
		persister: storage.NewLocalFilePersister(),
	}
}

// Start discovers the page target on the debug port, connects the manager's
// own transport and begins watching for navigations.
func (m *Manager) Start(ctx context.Context) error {
	wsURL, err := chromium.DiscoverWSURL(ctx, m.opts.DebugPort, m.logger)
	if err != nil {
		return err
	}
	transport := cdp.NewTransport(m.logger)
	if err := transport.Connect(ctx, wsURL); err != nil {
		return fmt.Errorf("connecting screencast transport: %w", err)
	}
	m.exec = transport
	m.closeFn = transport.Close

	return m.attach(ctx)
}

// attach wires handlers and pollers onto m.exec. Split from Start for tests.
func (m *Manager) attach(ctx context.Context) error {
	for _, domain := range []string{"Page", "Runtime"} {
		if err := m.exec.Execute(ctx, domain+".enable", nil, nil); err != nil {
			m.logger.Debugf("screencast", "enabling %s domain: %v", domain, err)
		}
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.group, ctx = errgroup.WithContext(ctx)

	m.exec.On("Page.frameStartedNavigating", func(ev *cdp.Event) { m.onNavigationStart(ctx) })
	m.exec.On("Page.frameStartedLoading", func(ev *cdp.Event) { m.onNavigationStart(ctx) })
	m.exec.On("Page.screencastFrame", func(ev *cdp.Event) { m.onFrame(ev) })
	m.exec.On("Page.loadEventFired", func(ev *cdp.Event) { m.onLoadEvent(ctx) })

	m.group.Go(func() error { return m.pollShifts(ctx) })
	return nil
}

// State returns the current capture state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stop shuts the manager down without flushing a partial session.
func (m *Manager) Stop() {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	if m.group != nil {
		_ = m.group.Wait()
	}
	m.mu.Lock()
	if m.stopTimer != nil {
		m.stopTimer.Stop()
		m.stopTimer = nil
	}
	m.mu.Unlock()
	if m.closeFn != nil {
		m.closeFn()
	}
}

// onNavigationStart begins a capture session, but only after verifying the
// page actually navigated to the monitored app; navigations to other origins
// (devtools pages, third-party redirects) are ignored.
func (m *Manager) onNavigationStart(ctx context.Context) {
	if m.shuttingDown.Load() {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, m.opts.URLCheckWindow)
	defer cancel()

	var href string
	if err := m.evaluate(cctx, "window.location.href", &href); err != nil {
		m.logger.Debugf("screencast", "checking navigation URL: %v", err)
		return
	}
	if !targetsAppPort(href, m.opts.AppPort) {
		m.logger.Debugf("screencast", "ignoring navigation to %q", href)
		return
	}

	m.beginSession(ctx, href)
}

func (m *Manager) beginSession(ctx context.Context, href string) {
	m.mu.Lock()
	m.sessionID = strconv.FormatInt(time.Now().UnixMilli(), 10)
	m.navStart = time.Now()
	m.shifts = nil
	m.viewport = nil
	if m.stopTimer != nil {
		m.stopTimer.Stop()
		m.stopTimer = nil
	}
	m.state = StateCapturing
	sessionID := m.sessionID
	m.mu.Unlock()

	m.buffer.reset()

	// Re-injecting resets the per-navigation shift buffer even when the
	// observer itself survived the navigation.
	if err := m.evaluate(ctx, js.LayoutShiftObserverScript, nil); err != nil {
		m.logger.Debugf("screencast", "installing layout-shift observer: %v", err)
	}

	err := m.exec.Execute(ctx, "Page.startScreencast", map[string]any{
		"format":        "png",
		"quality":       screencastQuality,
		"everyNthFrame": 1,
	}, nil)
	if err != nil {
		m.logger.Debugf("screencast", "starting screencast: %v", err)
	}

	m.logger.Debugf("screencast", "session %s capturing %q", sessionID, href)
}

// onFrame acknowledges every frame immediately (required to keep frames
// flowing) and buffers it when a session is active.
func (m *Manager) onFrame(ev *cdp.Event) {
	frameSession := gjson.GetBytes(ev.Params, "sessionId").Int()
	if err := m.exec.ExecuteAsync("Page.screencastFrameAck", map[string]any{
		"sessionId": frameSession,
	}); err != nil {
		m.logger.Debugf("screencast", "acking frame: %v", err)
	}

	m.mu.Lock()
	capturing := m.state == StateCapturing
	navStart := m.navStart
	if capturing && m.viewport == nil {
		if meta := gjson.GetBytes(ev.Params, "metadata"); meta.Exists() {
			m.viewport = &Viewport{
				Width:  int(meta.Get("deviceWidth").Int()),
				Height: int(meta.Get("deviceHeight").Int()),
			}
		}
	}
	m.mu.Unlock()
	if !capturing {
		return
	}

	data, err := base64.StdEncoding.DecodeString(gjson.GetBytes(ev.Params, "data").String())
	if err != nil {
		m.logger.Debugf("screencast", "decoding frame: %v", err)
		return
	}
	now := time.Now()
	m.buffer.add(Frame{
		Timestamp:    now.Sub(navStart).Milliseconds(),
		Data:         data,
		AbsoluteTime: now,
	})
}

// onLoadEvent schedules the end of the session after the grace period that
// catches post-load hydration shifts.
func (m *Manager) onLoadEvent(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCapturing {
		return
	}
	if m.stopTimer != nil {
		m.stopTimer.Stop()
	}
	m.stopTimer = time.AfterFunc(m.opts.PostLoadGrace, func() {
		m.endSession(ctx)
	})
}

// endSession stops the screencast and flushes the session's frames and
// metadata to disk.
func (m *Manager) endSession(ctx context.Context) {
	if m.shuttingDown.Load() {
		return
	}
	m.drainShifts(ctx)

	if err := m.exec.Execute(ctx, "Page.stopScreencast", nil, nil); err != nil {
		m.logger.Debugf("screencast", "stopping screencast: %v", err)
	}

	m.mu.Lock()
	if m.state != StateCapturing {
		m.mu.Unlock()
		return
	}
	m.state = StateIdle
	m.stopTimer = nil
	sessionID := m.sessionID
	navStart := m.navStart
	viewport := m.viewport
	shifts := m.shifts
	m.shifts = nil
	m.mu.Unlock()

	frames := m.buffer.snapshot()
	m.buffer.reset()

	for _, f := range frames {
		path := storage.JankFramePath(m.opts.ScreenshotDir, sessionID, f.Timestamp)
		if err := m.persister.Persist(ctx, path, bytes.NewReader(f.Data)); err != nil {
			m.logger.Debugf("screencast", "persisting frame: %v", err)
		}
	}

	total := totalCLS(shifts)
	meta := SessionMetadata{
		SessionID:       sessionID,
		FrameCount:      len(frames),
		NavigationStart: navStart,
		CaptureEnd:      time.Now(),
		Viewport:        viewport,
		LayoutShifts:    shifts,
		TotalCLS:        total,
		CLSGrade:        gradeCLS(total),
	}
	if err := writeMetadata(ctx, m.persister, m.opts.ScreenshotDir, meta); err != nil {
		m.logger.Errorf("screencast", "%v", err)
	}

	m.logf("SCREENCAST", fmt.Sprintf("session %s: %d frames, CLS %.3f (%s)",
		sessionID, len(frames), total, meta.CLSGrade))
}

// pollShifts drains the page's layout-shift buffer on a fixed interval and
// logs each new shift as soon as it is seen.
func (m *Manager) pollShifts(ctx context.Context) error {
	ticker := time.NewTicker(shiftPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if m.State() == StateCapturing {
				m.drainShifts(ctx)
			}
		}
	}
}

func (m *Manager) drainShifts(ctx context.Context) {
	var shifts []LayoutShift
	if err := m.evaluate(ctx, js.LayoutShiftDrainExpr, &shifts); err != nil {
		m.logger.Debugf("screencast", "draining layout shifts: %v", err)
		return
	}
	if len(shifts) == 0 {
		return
	}

	m.mu.Lock()
	m.shifts = append(m.shifts, shifts...)
	sessionID := m.sessionID
	m.mu.Unlock()

	frames := m.buffer.snapshot()
	for _, s := range shifts {
		line := describeShift(s)
		before, after := nearestFrames(frames, s.Timestamp)
		if before != nil {
			line += " before: " + storage.JankFramePath(m.opts.ScreenshotDir, sessionID, before.Timestamp)
		}
		if after != nil {
			line += " after: " + storage.JankFramePath(m.opts.ScreenshotDir, sessionID, after.Timestamp)
		}
		m.logf("LAYOUT SHIFT", line)
	}
}

// evaluate runs expr in the page and decodes its by-value result into out.
func (m *Manager) evaluate(ctx context.Context, expr string, out any) error {
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
	if err := m.exec.Execute(ctx, "Runtime.evaluate", params, &res); err != nil {
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

// targetsAppPort reports whether href points at the monitored app port.
// Scheme defaults fill in implicit ports.
func targetsAppPort(href string, appPort int) bool {
	u, err := url.Parse(href)
	if err != nil {
		return false
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		default:
			return false
		}
	}
	return port == strconv.Itoa(appPort)
}
