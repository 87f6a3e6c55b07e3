package n8n

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "clippost/pkg/logx"
)

// StatusError is a webhook response other than 200. n8n signals workflow
// acceptance with a plain 200; everything else counts as a failed dispatch.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned %d: %s", e.Status, e.Body)
}

// Dispatcher posts JSON payloads to webhook URLs.
//
// No retries live here: the bulk scheduler records per-item failures and
// operators re-submit failed rows, so retrying under the caller's back would
// double-post videos.
type Dispatcher struct {
	http *http.Client
	log  logx.Logger
}

func NewDispatcher(timeout time.Duration, log logx.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		http: &http.Client{Timeout: timeout},
		log:  log,
	}
}

// Dispatch posts payload to url. A nil error means the webhook answered 200.
// Network failures and non-200 statuses come back as errors with enough
// detail to log; nothing panics or escapes.
func (d *Dispatcher) Dispatch(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	d.log.Debug("webhook dispatched", logx.String("url", url), logx.Duration("took", time.Since(start)))
	return nil
}
