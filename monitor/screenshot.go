package monitor

import (
	"bytes"
	"context"
	"encoding/base64"
	"time"

	"github.com/pagewatch/pagewatch/log"
	"github.com/pagewatch/pagewatch/storage"
)

// Screenshotter takes on-demand CDP screenshots and writes them to the
// screenshot directory under a timestamped name carrying the triggering
// event. Failures never propagate: a missing screenshot must not take down
// monitoring.
type Screenshotter struct {
	exec      executor
	persister storage.FilePersister
	dir       string
	logf      log.LineFunc
	logger    *log.Logger
	now       func() time.Time
}

// NewScreenshotter wires a screenshotter to a CDP executor and a persister.
func NewScreenshotter(
	exec executor, persister storage.FilePersister, dir string,
	logf log.LineFunc, logger *log.Logger,
) *Screenshotter {
	return &Screenshotter{
		exec:      exec,
		persister: persister,
		dir:       dir,
		logf:      logf,
		logger:    logger,
		now:       time.Now,
	}
}

// Capture takes one screenshot tagged with event and returns the artifact
// path, or "" when anything along the way failed.
func (s *Screenshotter) Capture(ctx context.Context, event string) string {
	var res struct {
		Data string `json:"data"`
	}
	err := s.exec.Execute(ctx, "Page.captureScreenshot", map[string]any{"format": "png"}, &res)
	if err != nil {
		s.logger.Debugf("screenshot", "capturing %q: %v", event, err)
		return ""
	}

	data, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		s.logger.Debugf("screenshot", "decoding %q capture: %v", event, err)
		return ""
	}

	path := storage.ScreenshotPath(s.dir, s.now(), event)
	if err := s.persister.Persist(ctx, path, bytes.NewReader(data)); err != nil {
		s.logger.Debugf("screenshot", "persisting %q capture: %v", event, err)
		return ""
	}

	s.logf("SCREENSHOT", path)
	return path
}

// CaptureAsync takes the screenshot on its own goroutine so event handlers
// are not delayed behind the CDP round trip.
func (s *Screenshotter) CaptureAsync(ctx context.Context, event string) {
	go s.Capture(ctx, event)
}
