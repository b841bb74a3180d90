package rotation

import (
	"context"
	"log/slog"

	"github.com/shoot3rs/fleetstream/internal/logging"
)

// Dispatcher decides how a nudge received by this replica reaches browsers.
// With a relay every replica broadcasts; without one only this replica does.
type Dispatcher struct {
	broadcaster *Broadcaster
	relay       *Relay
	logger      *slog.Logger
}

// NewDispatcher creates a dispatcher. relay may be nil.
func NewDispatcher(broadcaster *Broadcaster, relay *Relay, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		broadcaster: broadcaster,
		relay:       relay,
		logger:      logging.Component(logger, "rotation"),
	}
}

// Nudge is best effort and never fails. When the relay cannot publish, or no
// replica is subscribed to receive it, this replica broadcasts locally.
func (d *Dispatcher) Nudge(ctx context.Context, source Source) {
	if d.relay != nil {
		receivers, err := d.relay.Publish(ctx, source)
		switch {
		case err != nil:
			d.logger.Warn("relay publish failed, broadcasting locally", "source", source, "error", err)
		case receivers == 0:
			d.logger.Warn("no replica subscribed to nudges, broadcasting locally", "source", source)
		default:
			return
		}
	}
	d.broadcaster.Broadcast(ctx, source)
}
