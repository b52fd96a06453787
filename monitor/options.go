package monitor

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/guregu/null.v3"
)

// envPrefix is the prefix of environment overrides, e.g.
// PAGEWATCH_SCREENSHOT_DIR or PAGEWATCH_DEBUG_PORT.
const envPrefix = "pagewatch"

// Options configures a Monitor.
type Options struct {
	// ProfileDir is the browser user-data directory. Empty means a
	// throwaway temp dir owned (and removed) by the monitor.
	ProfileDir string `split_words:"true"`

	// ScreenshotDir is where screenshots and screencast artifacts land.
	ScreenshotDir string `split_words:"true"`

	// Debug enables verbose diagnostic logging.
	Debug bool

	// BrowserPath optionally overrides browser executable discovery.
	BrowserPath null.String `split_words:"true"`

	// DebugPort is the CDP remote debugging port.
	DebugPort int `split_words:"true"`

	// AppPort is the port the monitored app serves on; the screencast
	// manager ignores navigations to other origins.
	AppPort int `split_words:"true"`

	// Headless launches the browser without a window.
	Headless bool
}

// NewOptions returns Options with usable defaults.
func NewOptions() Options {
	return Options{
		ScreenshotDir: "screenshots",
		DebugPort:     9222,
		AppPort:       3000,
	}
}

// FromEnv overlays PAGEWATCH_* environment variables onto o.
func (o *Options) FromEnv() error {
	if err := envconfig.Process(envPrefix, o); err != nil {
		return fmt.Errorf("reading %s environment: %w", envPrefix, err)
	}
	return nil
}
