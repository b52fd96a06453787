package screencast

import (
	"sync"
	"time"
)

// bufferWindow is the rolling window of screencast frames kept in memory. A
// navigation session only ever needs the frames surrounding its shifts, so
// older frames are discarded by wall-clock age.
const bufferWindow = 10 * time.Second

// Frame is one screencast frame. Timestamp is milliseconds since navigation
// start (what artifact names and shift correlation use); AbsoluteTime drives
// the rolling-window trim.
type Frame struct {
	Timestamp    int64
	Data         []byte
	AbsoluteTime time.Time
}

// frameBuffer holds the frames of the current capture session, continuously
// trimmed to the trailing bufferWindow.
type frameBuffer struct {
	mu     sync.Mutex
	frames []Frame
}

func (b *frameBuffer) add(f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, f)
	b.trimLocked(f.AbsoluteTime)
}

// trimLocked drops frames older than the window relative to now.
func (b *frameBuffer) trimLocked(now time.Time) {
	cut := 0
	for cut < len(b.frames) && now.Sub(b.frames[cut].AbsoluteTime) >= bufferWindow {
		cut++
	}
	if cut > 0 {
		b.frames = append(b.frames[:0], b.frames[cut:]...)
	}
}

func (b *frameBuffer) snapshot() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Frame, len(b.frames))
	copy(out, b.frames)
	return out
}

func (b *frameBuffer) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = nil
}

func (b *frameBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// nearestFrames returns the frames closest before and at-or-after the given
// session-relative timestamp. Either may be nil.
func nearestFrames(frames []Frame, ts float64) (before, after *Frame) {
	for i := range frames {
		f := &frames[i]
		if float64(f.Timestamp) < ts {
			before = f
			continue
		}
		after = f
		break
	}
	return before, after
}
