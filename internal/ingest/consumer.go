// Package ingest reads device log documents from a Redis stream and hands
// them to the log coordinator.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shoot3rs/fleetstream/internal/devicelogs"
	"github.com/shoot3rs/fleetstream/internal/logging"
)

const (
	payloadField = "payload"
	readCount    = 100
	readBlock    = 5 * time.Second
	errorBackoff = time.Second
)

// Sink receives each decoded batch.
type Sink interface {
	ForwardLogs(ctx context.Context, docs []devicelogs.Document)
}

// StreamConsumer reads a stream as a member of a consumer group. Every entry
// is acknowledged once handled, including entries that fail to decode.
type StreamConsumer struct {
	client   redis.UniversalClient
	stream   string
	group    string
	consumer string
	sink     Sink
	logger   *slog.Logger
}

func NewStreamConsumer(client redis.UniversalClient, stream, group string, sink Sink, logger *slog.Logger) *StreamConsumer {
	return &StreamConsumer{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: "fleetstream-" + uuid.NewString()[:8],
		sink:     sink,
		logger:   logging.Component(logger, "ingest"),
	}
}

// Run consumes until ctx is done.
func (c *StreamConsumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	c.logger.Info("consuming log stream", "stream", c.stream, "group", c.group, "consumer", c.consumer)

	for ctx.Err() == nil {
		res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			c.logger.Error("failed to read log stream", "stream", c.stream, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(errorBackoff):
			}
			continue
		}

		for _, s := range res {
			c.handleBatch(ctx, s.Messages)
		}
	}
	return nil
}

func (c *StreamConsumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", c.group, c.stream, err)
	}
	return nil
}

func (c *StreamConsumer) handleBatch(ctx context.Context, msgs []redis.XMessage) {
	if len(msgs) == 0 {
		return
	}

	var docs []devicelogs.Document
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
		decoded, err := Decode(m.Values[payloadField])
		if err != nil {
			c.logger.Warn("skipping undecodable log entry", "id", m.ID, "error", err)
			continue
		}
		docs = append(docs, decoded...)
	}

	if len(docs) > 0 {
		c.sink.ForwardLogs(ctx, docs)
	}

	if err := c.client.XAck(ctx, c.stream, c.group, ids...).Err(); err != nil {
		c.logger.Error("failed to ack log entries", "count", len(ids), "error", err)
	}
}

// Decode parses a stream payload holding one JSON document or an array of
// documents.
func Decode(v any) ([]devicelogs.Document, error) {
	raw, ok := v.(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, errors.New("missing payload field")
	}

	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "[") {
		var docs []devicelogs.Document
		if err := json.Unmarshal([]byte(raw), &docs); err != nil {
			return nil, fmt.Errorf("invalid payload array: %w", err)
		}
		return docs, nil
	}

	var doc devicelogs.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("invalid payload document: %w", err)
	}
	return []devicelogs.Document{doc}, nil
}
