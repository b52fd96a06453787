package cdp

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jwriter"
	"github.com/oxtoacart/bpool"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsReadBufferSize   = 1 << 20
	wsWriteBufferSize  = 1 << 20

	encodeBufferPoolSize = 16
)

// connection owns the raw WebSocket. Reads happen from a single goroutine
// (the transport's read loop); writes are serialized with a mutex since
// multiple commands may be in flight concurrently.
type connection struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	bufPool *bpool.BufferPool
}

func dial(ctx context.Context, wsURL string) (*connection, error) {
	wd := &websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		ReadBufferSize:   wsReadBufferSize,
		WriteBufferSize:  wsWriteBufferSize,
		Proxy:            http.ProxyFromEnvironment,
	}
	ws, _, err := wd.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dialing CDP endpoint %q: %w", wsURL, err)
	}
	return &connection{
		ws:      ws,
		bufPool: bpool.NewBufferPool(encodeBufferPoolSize),
	}, nil
}

func (c *connection) readMessage() (*cdproto.Message, error) {
	_, buf, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg cdproto.Message
	if err := easyjson.Unmarshal(buf, &msg); err != nil {
		return nil, fmt.Errorf("decoding CDP message: %w", err)
	}
	return &msg, nil
}

func (c *connection) writeMessage(msg *cdproto.Message) error {
	var encoder jwriter.Writer
	msg.MarshalEasyJSON(&encoder)
	if err := encoder.Error; err != nil {
		return fmt.Errorf("encoding CDP message %d: %w", msg.ID, err)
	}

	buf := c.bufPool.Get()
	defer c.bufPool.Put(buf)
	if _, err := encoder.DumpTo(buf); err != nil {
		return fmt.Errorf("encoding CDP message %d: %w", msg.ID, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, buf.Bytes()); err != nil {
		return fmt.Errorf("writing CDP message %d: %w", msg.ID, err)
	}
	return nil
}

func (c *connection) close() error {
	return c.ws.Close()
}
