package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/shoot3rs/fleetstream/internal/logging"
)

const streamBuffer = 64

var (
	errStreamGone   = errors.New("stream closed")
	errStreamFull   = errors.New("stream buffer full")
	errStreamLimit  = errors.New("connection rate limit exceeded")
	errNotAttached  = errors.New("connection not attached to this gateway")
	errUnsupported  = errors.New("streaming unsupported")
	errGatewayClose = errors.New("gateway closed")
)

// LocalGateway terminates SSE connections in this process. It serves the
// stream endpoint, reports connects and disconnects to the registry and
// implements Gateway for the streams it holds.
type LocalGateway struct {
	registry  *Registry
	heartbeat time.Duration
	rps       rate.Limit
	burst     int
	logger    *slog.Logger

	mu      sync.Mutex
	streams map[string]*stream

	closed    chan struct{}
	closeOnce sync.Once
}

type stream struct {
	frames  chan string
	limiter *rate.Limiter
	done    chan struct{}
}

// NewLocalGateway creates a gateway. Call Attach before serving requests.
func NewLocalGateway(heartbeat time.Duration, rps, burst int, logger *slog.Logger) *LocalGateway {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &LocalGateway{
		heartbeat: heartbeat,
		rps:       rate.Limit(rps),
		burst:     burst,
		logger:    logging.Component(logger, "sse_gateway"),
		streams:   make(map[string]*stream),
		closed:    make(chan struct{}),
	}
}

// Attach sets the registry that receives connect and disconnect events.
func (g *LocalGateway) Attach(r *Registry) {
	g.registry = r
}

// Close ends every open stream.
func (g *LocalGateway) Close() {
	g.closeOnce.Do(func() { close(g.closed) })
}

// Deliver queues ev on the stream identified by conn.Token.
func (g *LocalGateway) Deliver(_ context.Context, conn Connection, ev Event) error {
	g.mu.Lock()
	s, ok := g.streams[conn.Token]
	g.mu.Unlock()
	if !ok {
		return errNotAttached
	}

	if !s.limiter.Allow() {
		return errStreamLimit
	}

	frame, err := formatEvent("", ev)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return errStreamGone
	case s.frames <- frame:
		return nil
	default:
		return errStreamFull
	}
}

// ServeHTTP streams events to one browser. Every stream gets a fresh request
// id, announced in the connected frame.
func (g *LocalGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.serve(w, r); err != nil && !errors.Is(err, errGatewayClose) {
		g.logger.Debug("SSE stream ended", "error", err)
	}
}

func (g *LocalGateway) serve(w http.ResponseWriter, r *http.Request) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return errUnsupported
	}
	if g.registry == nil {
		http.Error(w, "Gateway not ready", http.StatusServiceUnavailable)
		return errNotAttached
	}

	requestID := uuid.NewString()
	token := uuid.NewString()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	s := &stream{
		frames:  make(chan string, streamBuffer),
		limiter: newLimiter(g),
		done:    make(chan struct{}),
	}

	g.mu.Lock()
	g.streams[token] = s
	g.mu.Unlock()

	defer func() {
		close(s.done)
		g.mu.Lock()
		delete(g.streams, token)
		g.mu.Unlock()
		g.registry.OnDisconnect(context.WithoutCancel(r.Context()), token)
	}()

	ctx := r.Context()

	g.registry.OnConnect(ctx, ConnectEvent{
		RequestID: requestID,
		Token:     token,
		Origin:    r.Header.Get("Origin"),
		Headers:   flattenHeaders(r.Header),
	})

	// Identity is bound by now, so the request id in the hello frame is
	// immediately usable for subscribe calls.
	hello, err := formatEvent("", Event{Name: "connected", Payload: map[string]any{
		"request_id": requestID,
	}})
	if err != nil {
		return err
	}
	if err := writeFrame(w, flusher, hello); err != nil {
		return err
	}

	g.logger.Info("SSE stream opened", "request_id", requestID, "remote_addr", r.RemoteAddr)

	ticker := time.NewTicker(g.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-g.closed:
			return errGatewayClose
		case frame := <-s.frames:
			if err := writeFrame(w, flusher, frame); err != nil {
				return err
			}
		case now := <-ticker.C:
			beat, err := formatEvent("", Event{Name: "heartbeat", Payload: map[string]any{
				"timestamp": now.Unix(),
			}})
			if err != nil {
				return err
			}
			if err := writeFrame(w, flusher, beat); err != nil {
				return fmt.Errorf("failed to send heartbeat: %w", err)
			}
		}
	}
}

func newLimiter(g *LocalGateway) *rate.Limiter {
	return rate.NewLimiter(g.rps, g.burst)
}

func writeFrame(w io.Writer, flusher http.Flusher, frame string) error {
	if _, err := io.WriteString(w, frame); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	flusher.Flush()
	return nil
}

// flattenHeaders turns request headers into the single-valued form the
// gateway callbacks use.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		sep := ", "
		if name == "Cookie" {
			sep = "; "
		}
		out[name] = strings.Join(values, sep)
	}
	return out
}
