package cdp

import "time"

// Event is an unsolicited CDP message: a notification from a domain that was
// previously enabled. Params stays raw JSON; consumers dig out the fields
// they care about. Events are ephemeral and dispatched synchronously in
// arrival order.
type Event struct {
	Method    string
	Params    []byte
	Timestamp time.Time
	SessionID string
}

// EventHandler consumes one Event. Handlers run on the transport's dispatch
// goroutine, so a slow handler delays subsequent events but never blocks
// response correlation.
type EventHandler func(ev *Event)
