package monitor

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/pagewatch/pagewatch/cdp"
	"github.com/pagewatch/pagewatch/log"
	"github.com/pagewatch/pagewatch/storage"
)

// wsCDPServer is a minimal in-process CDP endpoint: it acknowledges every
// command and lets the test push events down the wire.
type wsCDPServer struct {
	t       *testing.T
	srv     *httptest.Server
	respond func(method string) string

	mu   sync.Mutex
	conn *websocket.Conn
	wg   sync.WaitGroup
}

func newWSCDPServer(t *testing.T, respond func(method string) string) *wsCDPServer {
	t.Helper()
	s := &wsCDPServer{t: t, respond: respond}
	upgrader := websocket.Upgrader{}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				id := gjson.GetBytes(data, "id").Int()
				method := gjson.GetBytes(data, "method").String()
				result := "{}"
				if s.respond != nil {
					if r := s.respond(method); r != "" {
						result = r
					}
				}
				s.write(fmt.Sprintf(`{"id":%d,"result":%s}`, id, result))
			}
		}()
	}))

	t.Cleanup(func() {
		s.srv.Close()
		s.wg.Wait()
	})
	return s
}

// closeClientConnections drops the upgraded websocket connection.
// httptest.Server.CloseClientConnections cannot do this: the websocket
// upgrade hijacks the connection and httptest stops tracking it.
func (s *wsCDPServer) closeClientConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.UnderlyingConn().Close()
	}
}

func (s *wsCDPServer) write(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (s *wsCDPServer) emit(method, params string) {
	s.write(fmt.Sprintf(`{"method":%q,"params":%s}`, method, params))
}

func (s *wsCDPServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// TestMonitorEndToEndOverWebSocket drives a real transport against a mock
// CDP endpoint: a thrown exception must produce exactly one RUNTIME ERROR
// line and one persisted error screenshot.
func TestMonitorEndToEndOverWebSocket(t *testing.T) {
	t.Parallel()

	screenshotPNG := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	server := newWSCDPServer(t, func(method string) string {
		if method == "Page.captureScreenshot" {
			return fmt.Sprintf(`{"data":%q}`, screenshotPNG)
		}
		return ""
	})

	rec := &lineRecorder{}
	fs := afero.NewMemMapFs()

	m := New(NewOptions(), rec.record, log.NewNullLogger())
	m.persister = storage.NewFilePersister(fs)

	transport := cdp.NewTransport(log.NewNullLogger())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, transport.Connect(ctx, server.wsURL()))
	m.transport = transport
	m.closeFn = transport.Close
	m.cancel = cancel
	m.attach(ctx)
	t.Cleanup(m.Stop)

	server.emit("Runtime.exceptionThrown", `{
		"exceptionDetails": {
			"text": "Uncaught",
			"url": "http://localhost:3000/",
			"lineNumber": 1,
			"columnNumber": 1,
			"exception": {"description": "ReferenceError: foo is not defined"}
		}
	}`)

	require.Eventually(t, func() bool {
		return rec.count("[RUNTIME ERROR] ") == 1 && rec.count("[SCREENSHOT] ") == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Contains(t, rec.find("[RUNTIME ERROR] "),
		"ReferenceError: foo is not defined at http://localhost:3000/:1:1")

	shots, err := afero.Glob(fs, "screenshots/*-error.png")
	require.NoError(t, err)
	require.Len(t, shots, 1)
	data, err := afero.ReadFile(fs, shots[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
}

// TestMonitorLogsDisconnectOutsideShutdown exercises the crash monitor path
// over a real socket drop.
func TestMonitorLogsDisconnectOutsideShutdown(t *testing.T) {
	t.Parallel()

	server := newWSCDPServer(t, nil)

	rec := &lineRecorder{}
	m := New(NewOptions(), rec.record, log.NewNullLogger())
	m.persister = storage.NewFilePersister(afero.NewMemMapFs())

	transport := cdp.NewTransport(log.NewNullLogger())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, transport.Connect(ctx, server.wsURL()))
	m.transport = transport
	m.closeFn = transport.Close
	m.cancel = cancel
	m.attach(ctx)
	t.Cleanup(m.Stop)

	server.closeClientConnections()

	require.Eventually(t, func() bool {
		return rec.count("[DISCONNECT] ") == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, rec.find("[DISCONNECT] "), "CDP connection closed")
}
