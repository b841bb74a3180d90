package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HTTPGateway publishes events to an out-of-process SSE gateway using the
// GRIP publish format. Each connection listens on the channel
// "<service_type>:<request_id>".
type HTTPGateway struct {
	publishURL  string
	serviceType string
	client      *http.Client
}

// NewHTTPGateway creates a gateway client. publishURL is used for connections
// that did not report an origin of their own.
func NewHTTPGateway(publishURL, serviceType string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPGateway{
		publishURL:  publishURL,
		serviceType: serviceType,
		client:      &http.Client{Timeout: timeout},
	}
}

type publishRequest struct {
	Items []publishItem `json:"items"`
}

type publishItem struct {
	Channel string                   `json:"channel"`
	ID      string                   `json:"id"`
	Formats map[string]publishFormat `json:"formats"`
}

type publishFormat struct {
	Content string `json:"content"`
}

// Channel returns the channel a connection subscribes to.
func Channel(serviceType, requestID string) string {
	return serviceType + ":" + requestID
}

func (g *HTTPGateway) Deliver(ctx context.Context, conn Connection, ev Event) error {
	serviceType := ev.ServiceType
	if serviceType == "" {
		serviceType = g.serviceType
	}

	id := uuid.NewString()
	content, err := formatEvent(id, ev)
	if err != nil {
		return err
	}

	body, err := json.Marshal(publishRequest{Items: []publishItem{{
		Channel: Channel(serviceType, conn.RequestID),
		ID:      id,
		Formats: map[string]publishFormat{"http-stream": {Content: content}},
	}}})
	if err != nil {
		return fmt.Errorf("failed to marshal publish request: %w", err)
	}

	target := conn.Origin
	if target == "" {
		target = g.publishURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("publish to %s failed: %w", target, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("publish to %s returned status %d", target, resp.StatusCode)
	}
	return nil
}
