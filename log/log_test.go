package log

import (
	"bytes"
	"regexp"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newCaptureLogger(debugOverride bool, filter *regexp.Regexp) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	ll := logrus.New()
	ll.SetOutput(&buf)
	ll.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return New(ll, debugOverride, filter), &buf
}

func TestCategoryFilter(t *testing.T) {
	t.Parallel()

	l, buf := newCaptureLogger(false, regexp.MustCompile(`^cdp$`))

	l.Infof("cdp", "kept entry")
	l.Infof("monitor", "dropped entry")

	out := buf.String()
	assert.Contains(t, out, "kept entry")
	assert.NotContains(t, out, "dropped entry")
	assert.Contains(t, out, "category=cdp")
}

func TestDebugOverrideBypassesLevel(t *testing.T) {
	t.Parallel()

	l, buf := newCaptureLogger(true, nil)
	// logrus default level is Info; override must still emit debug entries.
	l.Debugf("chromium", "candidate %s skipped", "/usr/bin/chromium")
	assert.Contains(t, buf.String(), "candidate /usr/bin/chromium skipped")
}

func TestDebugSuppressedWithoutOverride(t *testing.T) {
	t.Parallel()

	l, buf := newCaptureLogger(false, nil)
	l.Debugf("chromium", "hidden")
	assert.NotContains(t, buf.String(), "hidden")
	assert.False(t, l.DebugMode())
}

func TestDebugMode(t *testing.T) {
	t.Parallel()

	l, _ := newCaptureLogger(true, nil)
	assert.True(t, l.DebugMode())

	ll := logrus.New()
	ll.SetLevel(logrus.DebugLevel)
	assert.True(t, New(ll, false, nil).DebugMode())
}
