package storage

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ScreenshotPath names an on-demand screenshot: the capture time in ISO 8601
// form with colons and dots replaced by dashes (path-safe on all platforms),
// followed by the event that triggered it.
func ScreenshotPath(dir string, t time.Time, event string) string {
	stamp := t.UTC().Format("2006-01-02T15:04:05.000Z")
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	return filepath.Join(dir, fmt.Sprintf("%s-%s.png", stamp, event))
}

// JankFramePath names a buffered screencast frame by its session and its
// offset in milliseconds from navigation start.
func JankFramePath(dir, sessionID string, offsetMS int64) string {
	return filepath.Join(dir, fmt.Sprintf("%s-jank-%dms.png", sessionID, offsetMS))
}

// MetadataPath names the per-session capture summary.
func MetadataPath(dir, sessionID string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-metadata.json", sessionID))
}
