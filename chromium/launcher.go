package chromium

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/pkg/errors"

	"github.com/pagewatch/pagewatch/log"
)

// ErrAllPathsExhausted is returned when no candidate browser executable
// could be launched.
var ErrAllPathsExhausted = errors.New("all browser paths exhausted")

// defaultWarmupWait is how long a freshly spawned browser must stay alive
// before the launcher trusts it and moves on to endpoint discovery.
const defaultWarmupWait = 3 * time.Second

// LaunchOptions configures the browser launch.
type LaunchOptions struct {
	// ExecutablePath, when set, is tried before the platform candidates.
	ExecutablePath string
	ProfileDir     string
	DebugPort      int
	Headless       bool
	// StartURL is the page loaded on startup, before the first monitored
	// navigation.
	StartURL string
	// WarmupWait overrides the post-spawn liveness window. Zero means the
	// default of 3s.
	WarmupWait time.Duration
}

// Launch spawns a Chromium-based browser with remote debugging enabled. It
// walks the candidate executables in order, treating spawn errors and exits
// within the warm-up window as "try the next one". The returned Process is
// already promoted to Running.
func Launch(ctx context.Context, opts LaunchOptions, logger *log.Logger) (*Process, error) {
	return launchFrom(ctx, candidatePaths(opts.ExecutablePath), opts, logger)
}

func launchFrom(ctx context.Context, paths []string, opts LaunchOptions, logger *log.Logger) (*Process, error) {
	warmup := opts.WarmupWait
	if warmup <= 0 {
		warmup = defaultWarmupWait
	}
	args := launchArgs(opts)

	for _, path := range paths {
		p, err := startProcess(ctx, path, args, logger)
		if err != nil {
			logger.Debugf("chromium", "candidate %q: %v", path, err)
			continue
		}
		logger.Debugf("chromium", "spawned %q (pid %d), waiting %s warm-up", path, p.Pid(), warmup)

		timer := time.NewTimer(warmup)
		select {
		case <-p.Done():
			timer.Stop()
			status := p.Status()
			logger.Debugf("chromium", "candidate %q exited during warm-up (code %d), trying next", path, status.Code)
			continue
		case <-ctx.Done():
			timer.Stop()
			p.Terminate()
			return nil, ctx.Err()
		case <-timer.C:
		}

		p.promote()
		logger.Infof("chromium", "browser running: %q (pid %d) on debug port %d", path, p.Pid(), opts.DebugPort)
		return p, nil
	}

	return nil, ErrAllPathsExhausted
}

func launchArgs(opts LaunchOptions) []string {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", opts.DebugPort),
		fmt.Sprintf("--user-data-dir=%s", opts.ProfileDir),
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-networking",
		"--disable-component-update",
		"--disable-sync",
	}
	if opts.Headless {
		args = append(args, "--headless=new", "--disable-gpu")
	}
	startURL := opts.StartURL
	if startURL == "" {
		startURL = "data:text/html,<title>pagewatch</title><p>waiting for first navigation</p>"
	}
	return append(args, startURL)
}

// candidatePaths lists browser executables to try, in order. A custom path
// always goes first.
func candidatePaths(custom string) []string {
	var paths []string
	if custom != "" {
		paths = append(paths, custom)
	}
	switch runtime.GOOS {
	case "darwin":
		paths = append(paths,
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Google Chrome Canary.app/Contents/MacOS/Google Chrome Canary",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge",
		)
	case "windows":
		paths = append(paths,
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Microsoft\Edge\Application\msedge.exe`,
		)
	default:
		paths = append(paths,
			"google-chrome",
			"google-chrome-stable",
			"chromium-browser",
			"chromium",
			"/usr/bin/google-chrome",
			"/snap/bin/chromium",
		)
	}
	return paths
}
