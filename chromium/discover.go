package chromium

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pagewatch/pagewatch/log"
)

const (
	discoveryMaxAttempts = 5
	backoffBase          = time.Second
	backoffCap           = 5 * time.Second
)

// devToolsTarget is one entry of the browser's /json introspection list.
type devToolsTarget struct {
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// backoffDelay returns the wait before retrying attempt n (1-based):
// 1s, 2s, 4s, then capped at 5s.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase * (1 << (attempt - 1))
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// DiscoverWSURL asks the browser's HTTP introspection endpoint for the CDP
// WebSocket URL of the first page target. The endpoint usually needs a
// moment to come up after launch, so failed attempts are retried with
// exponential backoff.
func DiscoverWSURL(ctx context.Context, debugPort int, logger *log.Logger) (string, error) {
	return discover(ctx, fmt.Sprintf("http://localhost:%d/json", debugPort), logger)
}

func discover(ctx context.Context, listURL string, logger *log.Logger) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= discoveryMaxAttempts; attempt++ {
		wsURL, err := fetchPageTarget(ctx, listURL)
		if err == nil {
			return wsURL, nil
		}
		lastErr = err
		logger.Debugf("chromium", "discovery attempt %d/%d: %v", attempt, discoveryMaxAttempts, err)

		if attempt == discoveryMaxAttempts {
			break
		}
		if err := sleepContext(ctx, backoffDelay(attempt)); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("discovering CDP endpoint at %q after %d attempts: %w",
		listURL, discoveryMaxAttempts, lastErr)
}

func fetchPageTarget(ctx context.Context, listURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("introspection endpoint returned %s", resp.Status)
	}

	var targets []devToolsTarget
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return "", fmt.Errorf("decoding target list: %w", err)
	}
	for _, t := range targets {
		if t.Type == "page" && t.WebSocketDebuggerURL != "" {
			return t.WebSocketDebuggerURL, nil
		}
	}
	return "", fmt.Errorf("no page target among %d targets", len(targets))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
