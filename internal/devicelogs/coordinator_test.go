package devicelogs

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoot3rs/fleetstream/internal/apperr"
	"github.com/shoot3rs/fleetstream/internal/auth"
	"github.com/shoot3rs/fleetstream/internal/metrics"
	"github.com/shoot3rs/fleetstream/internal/sse"
	"github.com/shoot3rs/fleetstream/internal/sse/ssetest"
)

// fakeValidator accepts tokens of the form listed in subjects.
type fakeValidator struct {
	subjects map[string]string
}

func (f fakeValidator) Validate(_ context.Context, token string) (*auth.AuthContext, error) {
	subject, ok := f.subjects[token]
	if !ok {
		return nil, apperr.Authentication("token invalid")
	}
	return &auth.AuthContext{Subject: subject}, nil
}

type fixture struct {
	registry *sse.Registry
	gateway  *ssetest.Gateway
	metrics  *metrics.Metrics
	coord    *Coordinator
}

func newFixture(t *testing.T, authEnabled bool) *fixture {
	t.Helper()
	gw := ssetest.New()
	m := metrics.NewForTest()
	registry := sse.NewRegistry(gw, sse.WithRegistryMetrics(m))
	coord := New(registry, fakeValidator{subjects: map[string]string{
		"alice-token": "alice",
		"bob-token":   "bob",
	}}, Options{
		AuthEnabled: authEnabled,
		CookieName:  "fleet_session",
		ServiceType: "fleet",
		Metrics:     m,
	})
	return &fixture{registry: registry, gateway: gw, metrics: m, coord: coord}
}

// connect opens a connection whose forwarded headers carry token.
func (f *fixture) connect(requestID, token string) {
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	f.registry.OnConnect(context.Background(), sse.ConnectEvent{
		RequestID: requestID,
		Token:     "conn-" + requestID,
		Headers:   headers,
	})
}

func (f *fixture) disconnect(requestID string) {
	f.registry.OnDisconnect(context.Background(), "conn-"+requestID)
}

func (f *fixture) assertMirrored(t *testing.T) {
	t.Helper()
	f.coord.mu.Lock()
	defer f.coord.mu.Unlock()

	count := 0
	for requestID, devices := range f.coord.forward {
		require.NotEmpty(t, devices, "empty forward entry for %s", requestID)
		for entityID := range devices {
			_, ok := f.coord.reverse[entityID][requestID]
			assert.True(t, ok, "pair (%s,%s) missing from reverse map", requestID, entityID)
			count++
		}
	}
	for entityID, subs := range f.coord.reverse {
		require.NotEmpty(t, subs, "empty reverse entry for %s", entityID)
		for requestID := range subs {
			_, ok := f.coord.forward[requestID][entityID]
			assert.True(t, ok, "pair (%s,%s) missing from forward map", requestID, entityID)
		}
	}
	assert.Equal(t, count, f.coord.pairs)
}

func logs(entityID string, n int) []Document {
	docs := make([]Document, n)
	for i := range docs {
		docs[i] = Document{"entity_id": entityID, "seq": i}
	}
	return docs
}

func TestBindIdentity(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	f.registry.OnConnect(ctx, sse.ConnectEvent{RequestID: "cookie", Token: "c1"})
	f.registry.OnConnect(ctx, sse.ConnectEvent{RequestID: "bad", Token: "c2"})
	f.registry.OnConnect(ctx, sse.ConnectEvent{RequestID: "none", Token: "c3"})

	tests := []struct {
		name      string
		requestID string
		headers   map[string]string
		want      BindOutcome
		subject   string
	}{
		{
			name:      "cookie fallback",
			requestID: "cookie",
			headers:   map[string]string{"cookie": "fleet_session=bob-token"},
			want:      BindBound,
			subject:   "bob",
		},
		{
			name:      "invalid token",
			requestID: "bad",
			headers:   map[string]string{"Authorization": "Bearer forged"},
			want:      BindInvalidToken,
		},
		{
			name:      "no credentials",
			requestID: "none",
			headers:   map[string]string{"Accept": "text/event-stream"},
			want:      BindMissingToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.coord.BindIdentity(ctx, tt.requestID, tt.headers)
			assert.Equal(t, tt.want, got)

			subject, ok := f.coord.Identity(tt.requestID)
			assert.Equal(t, tt.subject != "", ok)
			assert.Equal(t, tt.subject, subject)

			info, _ := f.registry.ConnectionInfo(tt.requestID)
			assert.Equal(t, tt.subject, info.Subject)
			assert.GreaterOrEqual(t, testutil.ToFloat64(f.metrics.SSEIdentityBinds.WithLabelValues(string(tt.want))), 1.0)
		})
	}
}

func TestBindIdentity_OnConnect(t *testing.T) {
	f := newFixture(t, true)
	f.connect("req-1", "alice-token")

	subject, ok := f.coord.Identity("req-1")
	require.True(t, ok)
	assert.Equal(t, "alice", subject)
}

func TestBindIdentity_AfterDisconnectIsIgnored(t *testing.T) {
	f := newFixture(t, true)

	got := f.coord.BindIdentity(context.Background(), "gone", map[string]string{"Authorization": "Bearer alice-token"})
	assert.Equal(t, BindBound, got)

	_, ok := f.coord.Identity("gone")
	assert.False(t, ok)
}

func TestSubscribe_RequiresMatchingIdentity(t *testing.T) {
	f := newFixture(t, true)
	f.connect("req-1", "alice-token")
	f.connect("req-2", "")

	err := f.coord.Subscribe("req-1", "device_a", "bob")
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))

	err = f.coord.Subscribe("req-1", "device_a", "")
	assert.True(t, apperr.Is(err, apperr.KindAuthorization), "anonymous caller on an authenticated connection")

	err = f.coord.Subscribe("req-2", "device_a", "alice")
	assert.True(t, apperr.Is(err, apperr.KindAuthorization), "connection without identity")

	require.NoError(t, f.coord.Subscribe("req-1", "device_a", "alice"))

	err = f.coord.Unsubscribe("req-1", "device_a", "bob")
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))
	assert.Equal(t, 1, f.coord.SubscriptionCount())

	require.NoError(t, f.coord.Unsubscribe("req-1", "device_a", "alice"))
}

func TestSubscribe_RoundTripAndIdempotence(t *testing.T) {
	f := newFixture(t, true)
	f.connect("req-1", "alice-token")

	require.NoError(t, f.coord.Subscribe("req-1", "device_a", "alice"))
	require.NoError(t, f.coord.Subscribe("req-1", "device_a", "alice"))
	assert.Equal(t, 1, f.coord.SubscriptionCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ActiveSubscriptions))
	f.assertMirrored(t)

	require.NoError(t, f.coord.Unsubscribe("req-1", "device_a", "alice"))
	assert.Equal(t, 0, f.coord.SubscriptionCount())
	assert.Empty(t, f.coord.forward)
	assert.Empty(t, f.coord.reverse)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.ActiveSubscriptions))

	err := f.coord.Unsubscribe("req-1", "device_a", "alice")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestDisconnect_RemovesAllSubscriptions(t *testing.T) {
	f := newFixture(t, true)
	f.connect("req-1", "alice-token")
	f.connect("req-2", "bob-token")

	require.NoError(t, f.coord.Subscribe("req-1", "A", "alice"))
	require.NoError(t, f.coord.Subscribe("req-1", "B", "alice"))
	require.NoError(t, f.coord.Subscribe("req-2", "B", "bob"))

	f.disconnect("req-1")

	assert.Empty(t, f.coord.DevicesFor("req-1"))
	assert.Empty(t, f.coord.SubscribersOf("A"))
	assert.Equal(t, []string{"req-2"}, f.coord.SubscribersOf("B"))
	_, ok := f.coord.Identity("req-1")
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ActiveSubscriptions))
	f.assertMirrored(t)
}

func TestDisconnect_StaleTokenKeepsSubscriptions(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	headers := map[string]string{"Authorization": "Bearer alice-token"}

	f.registry.OnConnect(ctx, sse.ConnectEvent{RequestID: "R", Token: "t1", Headers: headers})
	f.registry.OnConnect(ctx, sse.ConnectEvent{RequestID: "R", Token: "t2", Headers: headers})
	require.NoError(t, f.coord.Subscribe("R", "A", "alice"))

	f.registry.OnDisconnect(ctx, "t1")

	assert.True(t, f.registry.HasConnection("R"))
	assert.Equal(t, []string{"A"}, f.coord.DevicesFor("R"))
}

func TestReconnect_DropsPreviousOwnerState(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	f.registry.OnConnect(ctx, sse.ConnectEvent{
		RequestID: "req-1",
		Token:     "conn-old",
		Headers:   map[string]string{"Authorization": "Bearer alice-token"},
	})
	require.NoError(t, f.coord.Subscribe("req-1", "device_a", "alice"))

	f.registry.OnConnect(ctx, sse.ConnectEvent{RequestID: "req-1", Token: "conn-new"})

	_, ok := f.coord.Identity("req-1")
	assert.False(t, ok)
	assert.Empty(t, f.coord.DevicesFor("req-1"))
	assert.Empty(t, f.coord.SubscribersOf("device_a"))
	assert.Zero(t, f.coord.SubscriptionCount())
	f.assertMirrored(t)

	f.coord.ForwardLogs(ctx, []Document{{"entity_id": "device_a", "line": "secret"}})
	assert.Zero(t, f.gateway.Calls())

	err := f.coord.Subscribe("req-1", "device_a", "alice")
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))
}

func TestReconnect_RebindsNewOwner(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	f.registry.OnConnect(ctx, sse.ConnectEvent{
		RequestID: "req-1",
		Token:     "conn-old",
		Headers:   map[string]string{"Authorization": "Bearer alice-token"},
	})
	require.NoError(t, f.coord.Subscribe("req-1", "device_a", "alice"))

	f.registry.OnConnect(ctx, sse.ConnectEvent{
		RequestID: "req-1",
		Token:     "conn-new",
		Headers:   map[string]string{"Authorization": "Bearer bob-token"},
	})

	subject, ok := f.coord.Identity("req-1")
	require.True(t, ok)
	assert.Equal(t, "bob", subject)
	assert.Empty(t, f.coord.DevicesFor("req-1"))
	assert.True(t, apperr.Is(f.coord.Subscribe("req-1", "device_a", "alice"), apperr.KindAuthorization))
	assert.NoError(t, f.coord.Subscribe("req-1", "device_a", "bob"))
}

func TestForwardLogs_NoSubscriptionsIsNoop(t *testing.T) {
	f := newFixture(t, true)
	f.connect("req-1", "alice-token")

	f.coord.ForwardLogs(context.Background(), logs("device_a", 50))

	assert.Equal(t, 0, f.gateway.Calls())
}

func TestForwardLogs_GroupsByDevice(t *testing.T) {
	f := newFixture(t, true)
	f.connect("req-1", "alice-token")
	f.connect("req-2", "bob-token")
	f.connect("req-3", "alice-token")

	require.NoError(t, f.coord.Subscribe("req-1", "device_a", "alice"))
	require.NoError(t, f.coord.Subscribe("req-2", "device_a", "bob"))
	require.NoError(t, f.coord.Subscribe("req-3", "device_b", "alice"))

	docs := append(logs("device_a", 2), logs("device_b", 1)...)
	docs = append(docs, Document{"message": "no entity"}, Document{"entity_id": 42})

	f.coord.ForwardLogs(context.Background(), docs)

	assert.Equal(t, 3, f.gateway.Calls())
	for requestID, want := range map[string]struct {
		entity string
		count  int
	}{
		"req-1": {"device_a", 2},
		"req-2": {"device_a", 2},
		"req-3": {"device_b", 1},
	} {
		deliveries := f.gateway.DeliveriesTo(requestID)
		require.Len(t, deliveries, 1, requestID)

		ev := deliveries[0].Event
		assert.Equal(t, EventName, ev.Name)
		assert.Equal(t, "fleet", ev.ServiceType)

		payload := ev.Payload.(map[string]any)
		assert.Equal(t, want.entity, payload["device_entity_id"])
		assert.Len(t, payload["logs"], want.count)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.DroppedDocuments))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.LogDeliveries.WithLabelValues("delivered")))
}

func TestForwardLogs_FailureIsolated(t *testing.T) {
	f := newFixture(t, true)
	f.connect("req-1", "alice-token")
	f.connect("req-2", "bob-token")
	require.NoError(t, f.coord.Subscribe("req-1", "device_a", "alice"))
	require.NoError(t, f.coord.Subscribe("req-2", "device_a", "bob"))

	f.gateway.FailNext(errors.New("gateway timeout"))
	f.coord.ForwardLogs(context.Background(), logs("device_a", 1))

	assert.Equal(t, 2, f.gateway.Calls())
	assert.Len(t, f.gateway.Deliveries(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LogDeliveries.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LogDeliveries.WithLabelValues("delivered")))
}

func TestPrepareShutdown(t *testing.T) {
	f := newFixture(t, true)
	f.connect("req-1", "alice-token")
	require.NoError(t, f.coord.Subscribe("req-1", "device_a", "alice"))

	f.coord.PrepareShutdown()

	assert.True(t, f.coord.ShuttingDown())
	assert.Equal(t, 0, f.coord.SubscriptionCount())
	_, ok := f.coord.Identity("req-1")
	assert.False(t, ok)

	f.coord.ForwardLogs(context.Background(), logs("device_a", 3))
	assert.Equal(t, 0, f.gateway.Calls())
}

func TestSentinelSubject_AuthDisabled(t *testing.T) {
	f := newFixture(t, false)
	f.connect("req-1", "")

	subject, ok := f.coord.Identity("req-1")
	require.True(t, ok)
	assert.Equal(t, SentinelSubject, subject)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SSEIdentityBinds.WithLabelValues("skipped")))

	require.NoError(t, f.coord.Subscribe("req-1", "device_a", ""))

	err := f.coord.Unsubscribe("req-1", "device_a", "attacker-subject")
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))
	assert.Equal(t, []string{"device_a"}, f.coord.DevicesFor("req-1"))
}

func TestConcurrentSubscribeAndDisconnect(t *testing.T) {
	f := newFixture(t, true)
	devices := []string{"A", "B", "C", "D"}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		requestID := string(rune('a' + i))
		f.connect(requestID, "alice-token")

		wg.Add(2)
		go func() {
			defer wg.Done()
			for _, d := range devices {
				_ = f.coord.Subscribe(requestID, d, "alice")
			}
		}()
		go func() {
			defer wg.Done()
			f.coord.ForwardLogs(context.Background(), logs("A", 1))
			if i%2 == 0 {
				f.disconnect(requestID)
			}
		}()
	}
	wg.Wait()

	f.assertMirrored(t)
	for i := 0; i < 20; i += 2 {
		assert.Empty(t, f.coord.DevicesFor(string(rune('a'+i))), "disconnected connection kept state")
	}
}
