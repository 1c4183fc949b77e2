package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/image-registry/registrydb"
)

func newTestDB(t *testing.T) *registrydb.DB {
	t.Helper()
	db := registrydb.New(registrydb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "registry.db")))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testRecord(event Kind) Record {
	return Record{
		Event:         event,
		Repository:    "acme/app",
		Namespace:     "acme",
		Performer:     "alice",
		PerformerKind: "user",
		Metadata:      map[string]any{"tag": "latest"},
	}
}

func TestEmitterEnqueues(t *testing.T) {
	db := newTestDB(t)
	emitter := NewEmitter(db)
	ctx := context.Background()

	require.NoError(t, emitter.Emit(ctx, testRecord(KindRepoPush)))

	queued, err := db.PeekEvents(ctx, string(KindRepoPush), 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	var rec Record
	require.NoError(t, json.Unmarshal(queued[0].Payload, &rec))
	require.Equal(t, KindRepoPush, rec.Event)
	require.Equal(t, "acme/app", rec.Repository)
	require.False(t, rec.Timestamp.IsZero())
}

func TestEmitterIdempotent(t *testing.T) {
	db := newTestDB(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	emitter := NewEmitter(db, WithNow(func() time.Time { return fixed }))
	ctx := context.Background()

	rec := testRecord(KindRepoPush)
	require.NoError(t, emitter.Emit(ctx, rec))
	require.NoError(t, emitter.Emit(ctx, rec))

	// identical records collapse onto one queue entry
	queued, err := db.PeekEvents(ctx, string(KindRepoPush), 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
}

type fakeSink struct {
	method    string
	delivered atomic.Int64
	fail      atomic.Bool
}

func (s *fakeSink) Method() string { return s.method }

func (s *fakeSink) Deliver(_ context.Context, _ registrydb.Notification, _ Record) error {
	s.delivered.Add(1)
	if s.fail.Load() {
		return errors.New("delivery failed")
	}
	return nil
}

func newDispatcher(t *testing.T, db *registrydb.DB, sinks ...Sink) *Dispatcher {
	t.Helper()
	return NewDispatcher(db, sinks, DispatcherConfig{PollInterval: time.Hour})
}

func TestDispatcherDeliversAndAcks(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateNotification(ctx, &registrydb.Notification{
		Repository: "acme/app",
		EventKind:  string(KindRepoPush),
		Method:     "fake",
	}))

	emitter := NewEmitter(db)
	require.NoError(t, emitter.Emit(ctx, testRecord(KindRepoPush)))

	sink := &fakeSink{method: "fake"}
	dispatcher := newDispatcher(t, db, sink)

	require.Equal(t, 1, dispatcher.RunOnce(ctx))
	require.EqualValues(t, 1, sink.delivered.Load())

	// queue drained
	queued, err := db.PeekEvents(ctx, string(KindRepoPush), 10)
	require.NoError(t, err)
	require.Empty(t, queued)

	// second run delivers nothing
	require.Zero(t, dispatcher.RunOnce(ctx))
}

func TestDispatcherSkipsOtherRepos(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateNotification(ctx, &registrydb.Notification{
		Repository: "acme/other",
		EventKind:  string(KindRepoPush),
		Method:     "fake",
	}))

	emitter := NewEmitter(db)
	require.NoError(t, emitter.Emit(ctx, testRecord(KindRepoPush)))

	sink := &fakeSink{method: "fake"}
	dispatcher := newDispatcher(t, db, sink)

	// the record is acked even though no rule matched
	require.Equal(t, 1, dispatcher.RunOnce(ctx))
	require.Zero(t, sink.delivered.Load())
}

func TestDispatcherSuppressesFailingRules(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rule := &registrydb.Notification{
		Repository: "acme/app",
		EventKind:  string(KindRepoPush),
		Method:     "fake",
	}
	require.NoError(t, db.CreateNotification(ctx, rule))

	sink := &fakeSink{method: "fake"}
	sink.fail.Store(true)
	dispatcher := newDispatcher(t, db, sink)
	emitter := NewEmitter(db, WithNow(time.Now))

	// three distinct failing deliveries exhaust the failure budget
	for i := 0; i < 3; i++ {
		rec := testRecord(KindRepoPush)
		rec.Metadata = map[string]any{"attempt": i}
		require.NoError(t, emitter.Emit(ctx, rec))
		dispatcher.RunOnce(ctx)
	}
	require.EqualValues(t, 3, sink.delivered.Load())

	stored, err := db.GetNotification(ctx, "acme/app", rule.UUID)
	require.NoError(t, err)
	require.True(t, stored.Suppressed())

	// suppressed rules are skipped entirely
	require.NoError(t, emitter.Emit(ctx, testRecord(KindRepoPush)))
	dispatcher.RunOnce(ctx)
	require.EqualValues(t, 3, sink.delivered.Load())
}

func TestDispatcherStartStop(t *testing.T) {
	db := newTestDB(t)
	dispatcher := NewDispatcher(db, nil, DispatcherConfig{PollInterval: 10 * time.Millisecond})

	require.NoError(t, dispatcher.Start(context.Background()))
	dispatcher.Stop()

	// Stop is idempotent
	dispatcher.Stop()
}

func TestWebhookSinkDelivers(t *testing.T) {
	var received atomic.Int64
	var body Record
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(time.Second)
	cfg, err := json.Marshal(webhookConfig{URL: srv.URL})
	require.NoError(t, err)

	rule := registrydb.Notification{UUID: "r1", Method: "webhook", Config: cfg}
	require.NoError(t, sink.Deliver(context.Background(), rule, testRecord(KindRepoPush)))
	require.EqualValues(t, 1, received.Load())
	require.Equal(t, "acme/app", body.Repository)
}

func TestWebhookSinkFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewWebhookSink(time.Second)

	cfg, err := json.Marshal(webhookConfig{URL: srv.URL})
	require.NoError(t, err)
	err = sink.Deliver(context.Background(), registrydb.Notification{UUID: "r1", Config: cfg}, testRecord(KindRepoPush))
	require.Error(t, err)

	// missing URL is a config error, not a transport error
	err = sink.Deliver(context.Background(), registrydb.Notification{UUID: "r2", Config: []byte(`{}`)}, testRecord(KindRepoPush))
	require.Error(t, err)
}
