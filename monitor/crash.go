package monitor

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pagewatch/pagewatch/chromium"
	"github.com/pagewatch/pagewatch/log"
)

// crashMonitor watches the browser subprocess and the CDP link during
// steady-state operation. It only observes and logs; recovery is the
// operator's call. Everything is suppressed once shutdown begins, so a
// deliberate Stop never reads as a crash.
type crashMonitor struct {
	logf         log.LineFunc
	logger       *log.Logger
	transport    executor
	proc         *chromium.Process
	shots        *Screenshotter
	shuttingDown *atomic.Bool
}

func (c *crashMonitor) attach(ctx context.Context) {
	if c.proc != nil {
		c.proc.OnExit(func(status *chromium.ExitStatus) {
			c.onProcessExit(ctx, status)
		})
	}
	c.transport.OnClose(func(code int, reason string) {
		c.onSocketClose(code, reason)
	})
}

func (c *crashMonitor) onProcessExit(ctx context.Context, status *chromium.ExitStatus) {
	if c.shuttingDown.Load() {
		return
	}
	detail := fmt.Sprintf("code %d", status.Code)
	if status.Signal != "" {
		detail += fmt.Sprintf(", signal %s", status.Signal)
	}
	c.logf("CRASH", fmt.Sprintf("browser process exited unexpectedly (%s)", detail))
	c.logf("CRASH", "check the most recent navigation and console output above for what the page was doing")

	// Best effort only: the renderer may be gone while the CDP socket still
	// drains.
	if c.transport.Connected() {
		c.shots.CaptureAsync(ctx, "crash")
	}
}

// onSocketClose distinguishes "Chrome crashed" from "the CDP link merely
// dropped": if the process is still alive, only the protocol connection was
// lost.
func (c *crashMonitor) onSocketClose(code int, reason string) {
	if c.shuttingDown.Load() {
		return
	}
	alive := c.proc != nil && c.proc.Alive()
	c.logf("DISCONNECT",
		fmt.Sprintf("CDP connection closed (code %d, reason %q); browser process alive: %t",
			code, reason, alive))
}
