package rotation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// NudgePath is the internal endpoint that triggers a broadcast.
const NudgePath = "/internal/rotation-nudge"

// Client triggers nudges from outside the serving process, for example from
// the scheduled rotation job.
type Client struct {
	baseURL       string
	internalToken string
	httpClient    *http.Client
}

func NewClient(baseURL, internalToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		internalToken: internalToken,
		httpClient:    &http.Client{Timeout: timeout},
	}
}

// Nudge asks the service to broadcast a rotation event.
func (c *Client) Nudge(ctx context.Context, source Source) error {
	target := c.baseURL + NudgePath + "?source=" + url.QueryEscape(string(source))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create nudge request: %w", err)
	}
	if c.internalToken != "" {
		req.Header.Set("X-Internal-Token", c.internalToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("nudge request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nudge returned status %d", resp.StatusCode)
	}
	return nil
}
