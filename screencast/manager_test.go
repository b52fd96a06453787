package screencast

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pagewatch/pagewatch/cdp"
	"github.com/pagewatch/pagewatch/js"
	"github.com/pagewatch/pagewatch/log"
	"github.com/pagewatch/pagewatch/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeExecutor satisfies the manager's executor interface with scripted
// command responses and synchronous event delivery.
type fakeExecutor struct {
	mu       sync.Mutex
	handlers map[string][]cdp.EventHandler
	calls    []string
	asyncs   []string
	// respond builds the scripted response for a command; a nil response
	// acknowledges the command with an empty result.
	respond func(method string, params map[string]any) (any, error)
}

func newFakeExecutor(respond func(method string, params map[string]any) (any, error)) *fakeExecutor {
	return &fakeExecutor{
		handlers: make(map[string][]cdp.EventHandler),
		respond:  respond,
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, method string, params, result any) error {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.mu.Unlock()

	if f.respond == nil {
		return nil
	}
	pm, _ := params.(map[string]any)
	resp, err := f.respond(method, pm)
	if err != nil {
		return err
	}
	if resp == nil || result == nil {
		return nil
	}
	buf, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, result)
}

func (f *fakeExecutor) ExecuteAsync(method string, params any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asyncs = append(f.asyncs, method)
	return nil
}

func (f *fakeExecutor) On(method string, handler cdp.EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = append(f.handlers[method], handler)
}

func (f *fakeExecutor) emit(method, params string) {
	f.mu.Lock()
	handlers := append([]cdp.EventHandler(nil), f.handlers[method]...)
	f.mu.Unlock()
	ev := &cdp.Event{Method: method, Params: []byte(params), Timestamp: time.Now()}
	for _, h := range handlers {
		h(ev)
	}
}

func (f *fakeExecutor) called(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (f *fakeExecutor) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.asyncs {
		if c == "Page.screencastFrameAck" {
			n++
		}
	}
	return n
}

// evalResult wraps a value the way Runtime.evaluate returns it by value.
func evalResult(v any) any {
	return map[string]any{"result": map[string]any{"value": v}}
}

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *lineRecorder) record(source, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf("[%s] %s", source, message))
}

func (r *lineRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func (r *lineRecorder) snapshotHasPrefix(prefix string) bool {
	for _, l := range r.snapshot() {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}

func TestTargetsAppPort(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		href string
		port int
		want bool
	}{
		{"explicit_match", "http://localhost:3000/page", 3000, true},
		{"explicit_mismatch", "http://localhost:9222/json", 3000, false},
		{"implicit_http", "http://example.com/", 80, true},
		{"implicit_https", "https://example.com/", 443, true},
		{"data_url", "data:text/html,<p>hi</p>", 3000, false},
		{"garbage", "http://[::1:bad", 3000, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, targetsAppPort(tt.href, tt.port))
		})
	}
}

func TestManagerCapturesNavigationSession(t *testing.T) {
	t.Parallel()

	var (
		drainMu     sync.Mutex
		drainedOnce bool
	)
	exec := newFakeExecutor(func(method string, params map[string]any) (any, error) {
		if method != "Runtime.evaluate" {
			return nil, nil
		}
		expr, _ := params["expression"].(string)
		switch expr {
		case "window.location.href":
			return evalResult("http://localhost:3000/"), nil
		case js.LayoutShiftDrainExpr:
			drainMu.Lock()
			defer drainMu.Unlock()
			if drainedOnce {
				return evalResult([]any{}), nil
			}
			drainedOnce = true
			return evalResult([]map[string]any{{
				"score":     0.18,
				"timestamp": 120,
				"sources": []map[string]any{{
					"node":         "div#hero",
					"previousRect": map[string]any{"x": 0, "y": 0, "width": 100, "height": 40},
					"currentRect":  map[string]any{"x": 0, "y": 24, "width": 100, "height": 40},
				}},
			}}), nil
		default:
			return nil, nil
		}
	})

	rec := &lineRecorder{}
	m := New(Options{
		ScreenshotDir: "shots",
		AppPort:       3000,
		PostLoadGrace: 30 * time.Millisecond,
	}, rec.record, log.NewNullLogger())

	fs := afero.NewMemMapFs()
	m.persister = storage.NewFilePersister(fs)
	m.exec = exec
	require.NoError(t, m.attach(context.Background()))
	defer m.Stop()

	exec.emit("Page.frameStartedLoading", `{"frameId":"F1"}`)
	require.Equal(t, StateCapturing, m.State())
	assert.Equal(t, 1, exec.called("Page.startScreencast"))

	frame := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	exec.emit("Page.screencastFrame", fmt.Sprintf(
		`{"sessionId":7,"data":%q,"metadata":{"deviceWidth":1280,"deviceHeight":720}}`, frame))
	assert.Equal(t, 1, exec.ackCount())
	assert.Equal(t, 1, m.buffer.len())

	exec.emit("Page.loadEventFired", `{}`)
	// The summary line is the last thing endSession does, so artifacts are
	// on disk once it shows up.
	require.Eventually(t, func() bool {
		return rec.snapshotHasPrefix("[SCREENCAST] ")
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, 1, exec.called("Page.stopScreencast"))

	// One buffered frame flushed under the session's name.
	frames, err := afero.Glob(fs, "shots/*-jank-*ms.png")
	require.NoError(t, err)
	require.Len(t, frames, 1)
	data, err := afero.ReadFile(fs, frames[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)

	metas, err := afero.Glob(fs, "shots/*-metadata.json")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	raw, err := afero.ReadFile(fs, metas[0])
	require.NoError(t, err)

	var meta SessionMetadata
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, 1, meta.FrameCount)
	assert.InDelta(t, 0.18, meta.TotalCLS, 1e-9)
	assert.Equal(t, "needs-improvement", meta.CLSGrade)
	require.NotNil(t, meta.Viewport)
	assert.Equal(t, 1280, meta.Viewport.Width)
	require.Len(t, meta.LayoutShifts, 1)

	var shiftLine, summaryLine bool
	for _, l := range rec.snapshot() {
		if strings.HasPrefix(l, "[LAYOUT SHIFT] div#hero shifted down by 24.0px (score 0.180)") {
			shiftLine = true
		}
		if strings.HasPrefix(l, "[SCREENCAST] ") {
			summaryLine = true
		}
	}
	assert.True(t, shiftLine, "expected a LAYOUT SHIFT line")
	assert.True(t, summaryLine, "expected a SCREENCAST summary line")
}

func TestManagerIgnoresForeignNavigations(t *testing.T) {
	t.Parallel()

	exec := newFakeExecutor(func(method string, params map[string]any) (any, error) {
		if method == "Runtime.evaluate" {
			return evalResult("https://thirdparty.example.com/"), nil
		}
		return nil, nil
	})

	m := New(Options{AppPort: 3000, PostLoadGrace: 30 * time.Millisecond},
		log.DiscardLines, log.NewNullLogger())
	m.exec = exec
	require.NoError(t, m.attach(context.Background()))
	defer m.Stop()

	exec.emit("Page.frameStartedLoading", `{"frameId":"F1"}`)
	assert.Equal(t, StateIdle, m.State())
	assert.Zero(t, exec.called("Page.startScreencast"))

	// Frames arriving outside a session are acked but not buffered.
	exec.emit("Page.screencastFrame", `{"sessionId":7,"data":""}`)
	assert.Equal(t, 1, exec.ackCount())
	assert.Zero(t, m.buffer.len())

	// A load event outside a session does not schedule a stop.
	exec.emit("Page.loadEventFired", `{}`)
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, exec.called("Page.stopScreencast"))
}
