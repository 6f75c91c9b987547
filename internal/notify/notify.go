// Package notify posts plain-text notifications to an ntfy-style endpoint.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dgnsrekt/tabtrace/internal/types"
)

// Notifier announces finished exports.
type Notifier struct {
	endpoint string
	client   *http.Client
}

// New returns a Notifier posting to endpoint. A nil client uses http.DefaultClient.
func New(endpoint string, client *http.Client) *Notifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &Notifier{endpoint: endpoint, client: client}
}

// ExportWritten reports an export file.
func (n *Notifier) ExportWritten(ctx context.Context, tabID types.TabID, path string, records int, trimmed bool) error {
	msg := fmt.Sprintf("tab %d: %d records written to %s", tabID, records, path)
	if trimmed {
		msg += " (trimmed to screenshot and failure windows)"
	}
	return Send(ctx, n.client, n.endpoint, "tabtrace export", msg)
}

// Send posts message to endpoint with an optional title header.
func Send(ctx context.Context, client *http.Client, endpoint, title, message string) error {
	if endpoint == "" {
		return errors.New("notify: endpoint is required")
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	if title != "" {
		req.Header.Set("Title", title)
	}

	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: endpoint answered status=%d", resp.StatusCode)
	}
	return nil
}
