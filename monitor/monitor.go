// Package monitor drives one browser page over CDP and turns its console
// output, exceptions, network activity, navigations and user interactions
// into a structured log plus on-disk screenshot artifacts.
package monitor

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pagewatch/pagewatch/cdp"
	"github.com/pagewatch/pagewatch/chromium"
	"github.com/pagewatch/pagewatch/log"
	"github.com/pagewatch/pagewatch/storage"
)

// asyncStackDepth is how deep async call stacks are captured so exception
// traces include frames across await/setTimeout boundaries.
const asyncStackDepth = 32

// monitoredDomains are enabled before event handlers see any traffic.
// Individual failures are tolerated: partial monitoring beats none.
var monitoredDomains = []string{
	"Runtime", "Network", "Page", "DOM", "Performance", "Security", "Log",
}

// executor is the slice of the CDP transport the monitor consumes; tests
// substitute a scripted fake.
type executor interface {
	Execute(ctx context.Context, method string, params, result any) error
	On(method string, handler cdp.EventHandler)
	OnClose(fn func(code int, reason string))
	Connected() bool
}

// Monitor owns one browser process and one CDP connection and reports
// everything the page does through the injected log callback.
type Monitor struct {
	opts   Options
	logf   log.LineFunc
	logger *log.Logger
	runID  string

	transport executor
	closeFn   func()
	proc      *chromium.Process
	persister storage.FilePersister

	shots   *Screenshotter
	idle    *idleDetector
	tracker *interactionTracker

	ownedProfileDir string

	group  *errgroup.Group
	cancel context.CancelFunc

	shuttingDown atomic.Bool
}

// New returns an unstarted Monitor. logf receives the product log lines;
// logger is for internal diagnostics.
func New(opts Options, logf log.LineFunc, logger *log.Logger) *Monitor {
	if logf == nil {
		logf = log.DiscardLines
	}
	return &Monitor{
		opts:      opts,
		logf:      logf,
		logger:    logger,
		runID:     uuid.NewString(),
		persister: storage.NewLocalFilePersister(),
	}
}

// Start launches the browser, connects the CDP transport and attaches all
// event consumers. Only launch exhaustion and connection failures abort
// startup; everything downstream degrades gracefully.
func (m *Monitor) Start(ctx context.Context) error {
	m.logger.Debugf("monitor", "starting run %s", m.runID)

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	profileDir := m.opts.ProfileDir
	if profileDir == "" {
		dir, err := os.MkdirTemp("", "pagewatch-profile-*")
		if err != nil {
			return fmt.Errorf("creating profile directory: %w", err)
		}
		profileDir = dir
		m.ownedProfileDir = dir
	}

	proc, err := chromium.Launch(ctx, chromium.LaunchOptions{
		ExecutablePath: m.opts.BrowserPath.ValueOrZero(),
		ProfileDir:     profileDir,
		DebugPort:      m.opts.DebugPort,
		Headless:       m.opts.Headless,
	}, m.logger)
	if err != nil {
		return fmt.Errorf("launching browser: %w", err)
	}
	m.proc = proc

	wsURL, err := chromium.DiscoverWSURL(ctx, m.opts.DebugPort, m.logger)
	if err != nil {
		proc.Terminate()
		return err
	}

	transport := cdp.NewTransport(m.logger)
	if err := transport.Connect(ctx, wsURL); err != nil {
		proc.Terminate()
		return fmt.Errorf("connecting CDP transport: %w", err)
	}
	m.transport = transport
	m.closeFn = transport.Close

	m.attach(ctx)
	return nil
}

// attach wires all consumers onto m.transport. Split from Start so tests can
// drive a Monitor against a mock CDP server or a scripted executor without a
// real browser.
func (m *Monitor) attach(ctx context.Context) {
	m.shots = NewScreenshotter(m.transport, m.persister, m.opts.ScreenshotDir, m.logf, m.logger)
	m.idle = newIdleDetector(networkIdleDelay, func() {
		m.shots.Capture(ctx, "network-idle")
	})
	m.tracker = &interactionTracker{
		exec:   m.transport,
		logf:   m.logf,
		logger: m.logger,
		onScrollSettled: func() {
			m.shots.CaptureAsync(ctx, "scroll-settled")
		},
	}

	m.enableDomains(ctx)
	m.registerEventHandlers(ctx)

	crash := &crashMonitor{
		logf:         m.logf,
		logger:       m.logger,
		transport:    m.transport,
		proc:         m.proc,
		shots:        m.shots,
		shuttingDown: &m.shuttingDown,
	}
	crash.attach(ctx)

	if err := m.tracker.ensureInjected(ctx); err != nil {
		m.logger.Debugf("monitor", "initial tracker injection: %v", err)
	}

	m.group, ctx = errgroup.WithContext(ctx)
	m.group.Go(func() error { return m.tracker.poll(ctx) })
}

// enableDomains switches on every monitored CDP domain, tolerating
// individual failures, then raises the async stack depth so exception traces
// keep their deep frames.
func (m *Monitor) enableDomains(ctx context.Context) {
	for _, domain := range monitoredDomains {
		if err := m.transport.Execute(ctx, domain+".enable", nil, nil); err != nil {
			m.logger.Debugf("monitor", "enabling %s domain: %v", domain, err)
		}
	}
	if err := m.transport.Execute(ctx, "Runtime.enable", nil, nil); err != nil {
		m.logger.Debugf("monitor", "enabling Runtime domain: %v", err)
	}
	err := m.transport.Execute(ctx, "Runtime.setAsyncCallStackDepth",
		map[string]any{"maxDepth": asyncStackDepth}, nil)
	if err != nil {
		m.logger.Debugf("monitor", "setting async stack depth: %v", err)
	}
}

// Stop shuts the monitor down: pollers first, then the transport, then the
// browser. Crash and disconnect reporting is suppressed for the duration.
func (m *Monitor) Stop() {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	m.logger.Debugf("monitor", "stopping run %s", m.runID)

	if m.cancel != nil {
		m.cancel()
	}
	if m.group != nil {
		_ = m.group.Wait()
	}
	if m.idle != nil {
		m.idle.Stop()
	}
	if m.closeFn != nil {
		m.closeFn()
	}
	if m.proc != nil {
		m.proc.Terminate()
	}
	if m.ownedProfileDir != "" {
		if err := os.RemoveAll(m.ownedProfileDir); err != nil {
			m.logger.Debugf("monitor", "removing profile directory: %v", err)
		}
	}
}
