// Package cdp implements a minimal Chrome DevTools Protocol client: a
// request/response correlator plus an event dispatcher over a single
// WebSocket connection. It deliberately stays untyped above the message
// frame; callers name methods and shape params themselves.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/pkg/errors"

	"github.com/pagewatch/pagewatch/log"
)

// DefaultCommandTimeout bounds how long a single command waits for its
// response before failing that call (and only that call).
const DefaultCommandTimeout = 10 * time.Second

// eventQueueSize bounds the dispatch queue between the read loop and the
// handler goroutine. Events beyond it are dropped with a debug log rather
// than stalling response correlation.
const eventQueueSize = 256

var (
	// ErrTransportClosed is returned by commands issued on (or interrupted
	// by) a closed transport.
	ErrTransportClosed = errors.New("cdp transport closed")

	// ErrCommandTimeout is returned when a command's response did not arrive
	// in time.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrAlreadyConnected is returned by Connect on a connected transport.
	ErrAlreadyConnected = errors.New("cdp transport already connected")
)

// Transport manages CDP communication over one WebSocket connection: it
// assigns message ids, correlates responses to pending commands strictly by
// id, and dispatches unsolicited event messages to registered handlers.
// A Transport is unusable until Connect succeeds. Multiple independent
// Transports may target the same browser.
type Transport struct {
	logger  *log.Logger
	timeout time.Duration

	conn  *connection
	wsURL string

	msgID int64

	pendingMu sync.Mutex
	pending   map[int64]chan *cdproto.Message

	handlersMu sync.RWMutex
	handlers   map[string][]EventHandler

	closeMu       sync.Mutex
	closeHandlers []func(code int, reason string)

	evCh         chan *Event
	done         chan struct{}
	closeDone    sync.Once
	shuttingDown atomic.Bool
}

// NewTransport returns a Transport that is unusable until a CDP connection
// is established with Connect.
func NewTransport(logger *log.Logger) *Transport {
	return &Transport{
		logger:   logger,
		timeout:  DefaultCommandTimeout,
		pending:  make(map[int64]chan *cdproto.Message),
		handlers: make(map[string][]EventHandler),
		evCh:     make(chan *Event, eventQueueSize),
		done:     make(chan struct{}),
	}
}

// SetTimeout overrides the per-command timeout. Must be called before
// issuing commands.
func (t *Transport) SetTimeout(d time.Duration) {
	t.timeout = d
}

// Connect dials the browser's CDP endpoint and starts the read and dispatch
// loops.
func (t *Transport) Connect(ctx context.Context, wsURL string) error {
	if t.conn != nil {
		return fmt.Errorf("%w: %q", ErrAlreadyConnected, t.wsURL)
	}
	conn, err := dial(ctx, wsURL)
	if err != nil {
		return err
	}
	t.conn = conn
	t.wsURL = wsURL
	t.logger.Debugf("cdp", "established CDP connection to %q", wsURL)

	go t.readLoop()
	go t.dispatchLoop()

	return nil
}

// Connected reports whether the transport currently holds a live connection.
func (t *Transport) Connected() bool {
	if t.conn == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// On registers a handler for the named CDP event method. Handlers for the
// same method run in registration order; events dispatch in arrival order.
func (t *Transport) On(method string, handler EventHandler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers[method] = append(t.handlers[method], handler)
}

// OnClose registers a callback invoked when the connection closes outside a
// deliberate shutdown. code is the WebSocket close code, or -1 when the
// failure was not a close frame.
func (t *Transport) OnClose(fn func(code int, reason string)) {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	t.closeHandlers = append(t.closeHandlers, fn)
}

// Execute sends a command and blocks until its response arrives, the
// per-call timeout elapses, or ctx is done. params is marshaled to JSON and
// may be nil; a non-nil result is unmarshaled from the response's result
// field. Responses are correlated strictly by id, so concurrent and
// out-of-order completions resolve the right callers.
func (t *Transport) Execute(ctx context.Context, method string, params, result any) error {
	if t.conn == nil {
		return ErrTransportClosed
	}

	id := atomic.AddInt64(&t.msgID, 1)
	msg, err := newMessage(id, method, params)
	if err != nil {
		return err
	}

	recv := make(chan *cdproto.Message, 1)
	t.pendingMu.Lock()
	t.pending[id] = recv
	t.pendingMu.Unlock()
	// The pending entry is removed exactly once: by the read loop when the
	// response arrives, or here on timeout/cancellation, whichever is first.
	defer t.removePending(id)

	t.logger.Debugf("cdp", "-> #%d %s", id, method)
	if err := t.conn.writeMessage(msg); err != nil {
		return err
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case resp := <-recv:
		if resp == nil {
			return ErrTransportClosed
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %s", method, resp.Error.Message)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decoding %s result: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: %w after %s", method, ErrCommandTimeout, t.timeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return ErrTransportClosed
	}
}

// ExecuteAsync sends a command without waiting for its response. Used for
// acknowledgements (e.g. Page.screencastFrameAck) where the reply carries no
// information.
func (t *Transport) ExecuteAsync(method string, params any) error {
	if t.conn == nil {
		return ErrTransportClosed
	}
	msg, err := newMessage(atomic.AddInt64(&t.msgID, 1), method, params)
	if err != nil {
		return err
	}
	return t.conn.writeMessage(msg)
}

// Close shuts the transport down: further crash/disconnect notifications are
// suppressed and all pending commands fail with ErrTransportClosed.
func (t *Transport) Close() {
	if !t.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	if t.conn != nil {
		_ = t.conn.close()
	}
}

func newMessage(id int64, method string, params any) (*cdproto.Message, error) {
	msg := &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
	}
	if params != nil {
		buf, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding %s params: %w", method, err)
		}
		msg.Params = easyjson.RawMessage(buf)
	}
	return msg, nil
}

func (t *Transport) removePending(id int64) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}

// readLoop is the single reader: responses resolve pending commands
// directly, events are queued for the dispatch loop, and anything with
// neither an id nor a method is ignored.
func (t *Transport) readLoop() {
	defer t.teardown()
	for {
		msg, err := t.conn.readMessage()
		if err != nil {
			t.handleReadError(err)
			return
		}

		switch {
		case msg.ID > 0:
			t.pendingMu.Lock()
			recv, ok := t.pending[msg.ID]
			if ok {
				delete(t.pending, msg.ID)
			}
			t.pendingMu.Unlock()
			if !ok {
				t.logger.Debugf("cdp", "no pending command for response #%d", msg.ID)
				continue
			}
			recv <- msg
		case msg.Method != "":
			ev := &Event{
				Method:    string(msg.Method),
				Params:    msg.Params,
				Timestamp: time.Now(),
				SessionID: string(msg.SessionID),
			}
			select {
			case t.evCh <- ev:
			default:
				t.logger.Warnf("cdp", "event queue full, dropping %s", ev.Method)
			}
		default:
			t.logger.Debugf("cdp", "ignoring malformed CDP message (missing id and method)")
		}
	}
}

func (t *Transport) dispatchLoop() {
	for {
		select {
		case ev := <-t.evCh:
			t.handlersMu.RLock()
			handlers := t.handlers[ev.Method]
			t.handlersMu.RUnlock()
			for _, h := range handlers {
				h(ev)
			}
		case <-t.done:
			return
		}
	}
}

func (t *Transport) handleReadError(err error) {
	if t.shuttingDown.Load() {
		return
	}
	code, reason := -1, err.Error()
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code, reason = ce.Code, ce.Text
	}
	t.logger.Debugf("cdp", "connection to %q lost: %v", t.wsURL, err)

	t.closeMu.Lock()
	handlers := make([]func(int, string), len(t.closeHandlers))
	copy(handlers, t.closeHandlers)
	t.closeMu.Unlock()
	for _, fn := range handlers {
		fn(code, reason)
	}
}

// teardown fails all pending commands and releases both loops.
func (t *Transport) teardown() {
	t.closeDone.Do(func() { close(t.done) })

	t.pendingMu.Lock()
	for id, recv := range t.pending {
		close(recv)
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
}
