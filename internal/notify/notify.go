package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/miyaichi/adfit-checker/internal/events"
)

const sendTimeout = 10 * time.Second

// Send posts message as text/plain to an ntfy-style endpoint.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	if endpoint == "" {
		return errors.New("notify: endpoint is required")
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification failed: status=%d", resp.StatusCode)
	}
	return nil
}

// captureEvent is the subset of the panel's capture event payload that
// notifications report on.
type captureEvent struct {
	Phase       string `json:"phase"`
	TotalSlices int    `json:"total_slices"`
	Target      string `json:"target"`
	Error       string `json:"error"`
	Code        string `json:"code"`
	SnapshotID  string `json:"snapshot_id"`
}

// Message renders the notification text for a capture event payload. It
// returns false for events that are not worth a notification: only saved
// snapshots and aborted sessions are reported.
func Message(payload string) (string, bool) {
	var body struct {
		Data captureEvent `json:"data"`
	}
	if err := json.Unmarshal([]byte(payload), &body); err != nil {
		return "", false
	}
	evt := body.Data
	switch {
	case evt.Phase == "saved":
		return fmt.Sprintf("Snapshot %s of %s saved (%d slices).", evt.SnapshotID, evt.Target, evt.TotalSlices), true
	case evt.Phase == "idle" && evt.Error != "":
		return fmt.Sprintf("Capture of %s failed [%s]: %s", evt.Target, evt.Code, evt.Error), true
	default:
		return "", false
	}
}

// ForwardCaptures subscribes to capture events on b and posts a notification
// for every saved or failed capture until ctx is done.
func ForwardCaptures(ctx context.Context, client *http.Client, endpoint string, b *events.Broker) {
	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Kind != events.KindCapture {
				continue
			}
			msg, ok := Message(evt.Payload)
			if !ok {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			if err := Send(sendCtx, client, endpoint, msg); err != nil {
				slog.Warn("capture notification failed", "endpoint", endpoint, "error", err)
			}
			cancel()
		}
	}
}
