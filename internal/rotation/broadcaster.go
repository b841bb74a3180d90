// Package rotation tells every open dashboard that the device rotation state
// changed. Receivers re-fetch state, so the event carries no payload.
package rotation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shoot3rs/fleetstream/internal/logging"
	"github.com/shoot3rs/fleetstream/internal/metrics"
	"github.com/shoot3rs/fleetstream/internal/sse"
)

// EventName is the SSE event sent on every nudge.
const EventName = "rotation_changed"

// Source says who asked for a broadcast.
type Source string

const (
	SourceWeb     Source = "web"
	SourceCronjob Source = "cronjob"
	SourceTesting Source = "testing"
)

// ParseSource validates s. An empty string means SourceWeb.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case "":
		return SourceWeb, nil
	case SourceWeb, SourceCronjob, SourceTesting:
		return Source(s), nil
	default:
		return "", fmt.Errorf("unknown nudge source %q", s)
	}
}

// EventBroadcaster sends one event to every live connection.
type EventBroadcaster interface {
	Broadcast(ctx context.Context, ev sse.Event) bool
}

// ShutdownState reports whether the process is tearing down.
type ShutdownState interface {
	ShuttingDown() bool
}

type Broadcaster struct {
	registry    EventBroadcaster
	shutdown    ShutdownState
	serviceType string
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

func NewBroadcaster(registry EventBroadcaster, shutdown ShutdownState, serviceType string, m *metrics.Metrics, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		registry:    registry,
		shutdown:    shutdown,
		serviceType: serviceType,
		metrics:     m,
		logger:      logging.Component(logger, "rotation"),
	}
}

// Broadcast sends the rotation event to all connections and reports whether
// any accepted it. It does nothing while shutting down.
func (b *Broadcaster) Broadcast(ctx context.Context, source Source) bool {
	if b.shutdown != nil && b.shutdown.ShuttingDown() {
		b.logger.Debug("skipping rotation broadcast during shutdown", "source", source)
		return false
	}

	if b.metrics != nil {
		b.metrics.RotationBroadcasts.WithLabelValues(string(source)).Inc()
	}

	delivered := b.registry.Broadcast(ctx, sse.Event{
		Name:        EventName,
		ServiceType: b.serviceType,
		Payload:     map[string]any{},
	})
	b.logger.Info("rotation broadcast", "source", source, "delivered", delivered)
	return delivered
}
