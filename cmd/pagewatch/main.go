// Command pagewatch launches a Chromium instance against a local web app,
// streams everything the page does to stdout as tagged log lines, and drops
// screenshot and screencast artifacts next to them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/guregu/null.v3"

	"github.com/pagewatch/pagewatch/log"
	"github.com/pagewatch/pagewatch/monitor"
	"github.com/pagewatch/pagewatch/screencast"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pagewatch:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		browserPath string
		categories  string
	)

	opts := monitor.NewOptions()

	cmd := &cobra.Command{
		Use:           "pagewatch",
		Short:         "watch a local web app through a real browser",
		Long:          "pagewatch drives a Chromium instance over the DevTools protocol and\nreports console output, errors, network traffic, navigations, user input\nand layout shifts as a single tagged log stream with screenshot artifacts.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.FromEnv(); err != nil {
				return err
			}
			// Flags set on the command line win over the environment.
			if cmd.Flags().Changed("browser") {
				opts.BrowserPath = null.StringFrom(browserPath)
			}
			return run(cmd.Context(), opts, categories)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.ProfileDir, "profile-dir", opts.ProfileDir,
		"browser profile directory (default: throwaway temp dir)")
	flags.StringVar(&opts.ScreenshotDir, "screenshot-dir", opts.ScreenshotDir,
		"directory for screenshots and screencast artifacts")
	flags.StringVar(&browserPath, "browser", "",
		"browser executable (default: autodetect)")
	flags.IntVar(&opts.DebugPort, "debug-port", opts.DebugPort,
		"DevTools protocol port")
	flags.IntVar(&opts.AppPort, "app-port", opts.AppPort,
		"port the monitored app serves on")
	flags.BoolVar(&opts.Headless, "headless", opts.Headless,
		"run the browser without a window")
	flags.BoolVar(&opts.Debug, "debug", opts.Debug,
		"verbose diagnostic logging")
	flags.StringVar(&categories, "log-categories", "",
		"regexp filtering diagnostic log categories")

	return cmd
}

func run(ctx context.Context, opts monitor.Options, categories string) error {
	logger, err := buildLogger(opts.Debug, categories)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lines := newLineRenderer(os.Stdout)

	mon := monitor.New(opts, lines, logger)
	if err := mon.Start(ctx); err != nil {
		return err
	}

	cast := screencast.New(screencast.Options{
		ScreenshotDir: opts.ScreenshotDir,
		DebugPort:     opts.DebugPort,
		AppPort:       opts.AppPort,
	}, lines, logger)
	if err := cast.Start(ctx); err != nil {
		mon.Stop()
		return err
	}

	<-ctx.Done()

	cast.Stop()
	mon.Stop()
	return nil
}

func buildLogger(debug bool, categories string) (*log.Logger, error) {
	var filter *regexp.Regexp
	if categories != "" {
		re, err := regexp.Compile(categories)
		if err != nil {
			return nil, fmt.Errorf("parsing --log-categories: %w", err)
		}
		filter = re
	}

	ll := logrus.New()
	ll.SetOutput(os.Stderr)
	if debug {
		ll.SetLevel(logrus.DebugLevel)
	}
	return log.New(ll, debug, filter), nil
}

// tagPalette colors the source tag by what it signals; messages stay plain
// so they remain grep-able.
var tagPalette = map[string]*color.Color{
	"CONSOLE ERROR":   color.New(color.FgRed),
	"RUNTIME ERROR":   color.New(color.FgRed, color.Bold),
	"BROWSER ERROR":   color.New(color.FgRed),
	"NETWORK ERROR":   color.New(color.FgRed),
	"CRASH":           color.New(color.FgRed, color.Bold),
	"DISCONNECT":      color.New(color.FgRed),
	"CONSOLE WARNING": color.New(color.FgYellow),
	"BROWSER WARNING": color.New(color.FgYellow),
	"LAYOUT SHIFT":    color.New(color.FgYellow),
	"NAVIGATION":      color.New(color.FgGreen, color.Bold),
	"PAGE":            color.New(color.FgGreen),
	"INTERACTION":     color.New(color.FgMagenta),
	"SCREENSHOT":      color.New(color.FgCyan),
	"SCREENCAST":      color.New(color.FgCyan),
}

var defaultTagColor = color.New(color.FgWhite)

func tagColor(source string) *color.Color {
	if c, ok := tagPalette[source]; ok {
		return c
	}
	return defaultTagColor
}

// newLineRenderer returns the LineFunc writing the product log: a timestamp,
// the colored source tag in brackets, then the message.
func newLineRenderer(w *os.File) log.LineFunc {
	return func(source, message string) {
		stamp := time.Now().Format("15:04:05.000")
		fmt.Fprintf(w, "%s %s %s\n", stamp, tagColor(source).Sprintf("[%s]", source), message)
	}
}
