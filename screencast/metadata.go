package screencast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pagewatch/pagewatch/storage"
)

// Viewport is the capture size reported with the first screencast frame.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SessionMetadata is the persisted summary of one navigation capture
// session, written once next to the session's frames.
type SessionMetadata struct {
	SessionID       string        `json:"sessionId"`
	FrameCount      int           `json:"frameCount"`
	NavigationStart time.Time     `json:"navigationStartTime"`
	CaptureEnd      time.Time     `json:"captureEndTime"`
	Viewport        *Viewport     `json:"viewport,omitempty"`
	LayoutShifts    []LayoutShift `json:"layoutShifts"`
	TotalCLS        float64       `json:"totalCLS"`
	CLSGrade        string        `json:"clsGrade"`
}

func writeMetadata(ctx context.Context, persister storage.FilePersister, dir string, meta SessionMetadata) error {
	if meta.LayoutShifts == nil {
		meta.LayoutShifts = []LayoutShift{}
	}
	buf, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session %s metadata: %w", meta.SessionID, err)
	}
	path := storage.MetadataPath(dir, meta.SessionID)
	if err := persister.Persist(ctx, path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("writing session %s metadata: %w", meta.SessionID, err)
	}
	return nil
}
