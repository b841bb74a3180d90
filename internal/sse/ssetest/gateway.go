// Package ssetest provides a recording sse.Gateway for tests.
package ssetest

import (
	"context"
	"sync"

	"github.com/shoot3rs/fleetstream/internal/sse"
)

// Delivery is one accepted Deliver call.
type Delivery struct {
	Connection sse.Connection
	Event      sse.Event
}

// Gateway records deliveries instead of sending them. It counts every call,
// failed ones included.
type Gateway struct {
	mu         sync.Mutex
	calls      int
	deliveries []Delivery
	failNext   error
	failAlways error
}

func New() *Gateway {
	return &Gateway{}
}

func (g *Gateway) Deliver(_ context.Context, conn sse.Connection, ev sse.Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls++
	if g.failNext != nil {
		err := g.failNext
		g.failNext = nil
		return err
	}
	if g.failAlways != nil {
		return g.failAlways
	}
	g.deliveries = append(g.deliveries, Delivery{Connection: conn, Event: ev})
	return nil
}

// FailNext makes the next Deliver call return err.
func (g *Gateway) FailNext(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = err
}

// FailAlways makes every Deliver call return err until it is called with nil.
func (g *Gateway) FailAlways(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failAlways = err
}

// Calls returns the number of Deliver calls.
func (g *Gateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Deliveries returns the accepted deliveries in call order.
func (g *Gateway) Deliveries() []Delivery {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Delivery(nil), g.deliveries...)
}

// DeliveriesTo returns the accepted deliveries for one request id.
func (g *Gateway) DeliveriesTo(requestID string) []Delivery {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Delivery
	for _, d := range g.deliveries {
		if d.Connection.RequestID == requestID {
			out = append(out, d)
		}
	}
	return out
}

// Reset forgets all calls and deliveries.
func (g *Gateway) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = 0
	g.deliveries = nil
	g.failNext = nil
	g.failAlways = nil
}
