package rotation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shoot3rs/fleetstream/internal/logging"
)

const defaultRetryDelay = 5 * time.Second

type nudgeMessage struct {
	Source Source `json:"source"`
}

// Relay fans nudges out to every replica over Redis pub/sub. Publish sends a
// nudge; Run delivers received nudges to the local Broadcaster.
type Relay struct {
	client      redis.UniversalClient
	channel     string
	broadcaster *Broadcaster
	retryDelay  time.Duration
	logger      *slog.Logger
}

func NewRelay(client redis.UniversalClient, channel string, broadcaster *Broadcaster, logger *slog.Logger) *Relay {
	return &Relay{
		client:      client,
		channel:     channel,
		broadcaster: broadcaster,
		retryDelay:  defaultRetryDelay,
		logger:      logging.Component(logger, "rotation_relay"),
	}
}

// Publish announces a nudge to all replicas, this one included, and returns
// how many subscribers received it.
func (r *Relay) Publish(ctx context.Context, source Source) (int64, error) {
	data, err := json.Marshal(nudgeMessage{Source: source})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal nudge: %w", err)
	}
	receivers, err := r.client.Publish(ctx, r.channel, data).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish nudge: %w", err)
	}
	return receivers, nil
}

// Run subscribes to the nudge channel until ctx is done, resubscribing after
// retryDelay whenever the subscription is lost.
func (r *Relay) Run(ctx context.Context) {
	for ctx.Err() == nil {
		r.subscribeOnce(ctx)

		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("Redis subscription lost, retrying", "retry_in", r.retryDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.retryDelay):
		}
	}
}

func (r *Relay) subscribeOnce(ctx context.Context) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		r.logger.Error("failed to subscribe to nudge channel", "channel", r.channel, "error", err)
		return
	}
	r.logger.Info("subscribed to nudge channel", "channel", r.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handle(ctx, msg.Payload)
		}
	}
}

func (r *Relay) handle(ctx context.Context, payload string) {
	var msg nudgeMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		r.logger.Error("failed to unmarshal nudge", "error", err)
		return
	}
	source, err := ParseSource(string(msg.Source))
	if err != nil {
		r.logger.Warn("ignoring nudge", "error", err)
		return
	}
	r.broadcaster.Broadcast(ctx, source)
}
