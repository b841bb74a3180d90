package sse

import (
	"encoding/json"
	"fmt"
	"strings"
)

// formatEvent renders ev in text/event-stream framing. A nil payload is sent
// as an empty object.
func formatEvent(id string, ev Event) (string, error) {
	payload := ev.Payload
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event data: %w", err)
	}

	var b strings.Builder
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	if ev.Name != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Name)
	}
	fmt.Fprintf(&b, "data: %s\n\n", data)
	return b.String(), nil
}
