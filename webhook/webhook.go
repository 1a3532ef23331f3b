// Package webhook posts JSON notifications about failing scheduled tasks.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const userAgent = "procrun/1.0"

// EventTaskFailed is sent once a scheduled task reaches its failure threshold
const EventTaskFailed = "task.failed"

// FailurePayload describes the run that pushed a task over its failure
// threshold
type FailurePayload struct {
	Event    string `json:"event"`
	Task     string `json:"task"`
	RunID    string `json:"run_id"`
	Command  string `json:"command"`
	Schedule string `json:"schedule,omitempty"`
	Host     string `json:"host,omitempty"`

	Timestamp           time.Time `json:"timestamp"`
	ExitCode            int       `json:"exit_code"`
	Error               string    `json:"error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Notifier posts events to a single URL
type Notifier struct {
	url    string
	client *http.Client
}

// NewNotifier creates a notifier for url. An empty URL disables it.
func NewNotifier(url string) *Notifier {
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether a URL is configured
func (n *Notifier) Enabled() bool {
	return n != nil && n.url != ""
}

// NotifyFailure sends a task.failed event. Event and Host are filled in
// when left empty.
func (n *Notifier) NotifyFailure(ctx context.Context, payload FailurePayload) error {
	if !n.Enabled() {
		return nil
	}

	if payload.Event == "" {
		payload.Event = EventTaskFailed
	}
	if payload.Host == "" {
		payload.Host, _ = os.Hostname()
	}
	return n.post(ctx, payload)
}

func (n *Notifier) post(ctx context.Context, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook %s returned status %d", n.url, resp.StatusCode)
	}
	return nil
}
