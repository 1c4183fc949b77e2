// Package events emits structured registry event records into per-kind
// durable queues and dispatches them to delivery sinks according to
// per-repository notification rules.
package events

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/image-registry/registrydb"
	"github.com/wolfeidau/image-registry/telemetry"
	"github.com/zeebo/blake3"
)

// Kind names the event queues. One durable queue exists per kind.
type Kind string

const (
	KindRepoPush           Kind = "repo_push"
	KindRepoPull           Kind = "repo_pull"
	KindTagDelete          Kind = "tag_delete"
	KindManifestDelete     Kind = "manifest_delete"
	KindVulnerabilityFound Kind = "vulnerability_found"
	KindBuildQueued        Kind = "build_queued"
	KindBuildStart         Kind = "build_start"
	KindBuildSuccess       Kind = "build_success"
	KindBuildFailure       Kind = "build_failure"
)

// Record is one emitted event.
type Record struct {
	Event         Kind           `json:"event"`
	Repository    string         `json:"repository"`
	Namespace     string         `json:"namespace"`
	Performer     string         `json:"performer,omitempty"`
	PerformerKind string         `json:"performer_kind,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EmitterOption {
	return func(e *Emitter) { e.logger = logger.With("component", "events") }
}

// WithNow overrides the clock, used in tests.
func WithNow(now func() time.Time) EmitterOption {
	return func(e *Emitter) { e.now = now }
}

// Emitter enqueues event records. Enqueueing shares the registry
// database, so a record survives restarts once Emit returns; the
// idempotency key makes redelivery after a crash harmless.
type Emitter struct {
	db     *registrydb.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewEmitter creates an emitter over the registry database.
func NewEmitter(db *registrydb.DB, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		db:     db,
		logger: slog.Default().With("component", "events"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit enqueues a record. The record's timestamp is stamped here if
// unset. Emission is best effort: callers on hot paths log the error and
// carry on rather than failing the request.
func (e *Emitter) Emit(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = e.now().UTC()
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		telemetry.RecordEventEmitted(ctx, string(rec.Event), "error")
		return fmt.Errorf("marshaling event record: %w", err)
	}

	id := idempotencyKey(payload)
	if err := e.db.EnqueueEvent(ctx, string(rec.Event), id, payload); err != nil {
		telemetry.RecordEventEmitted(ctx, string(rec.Event), "error")
		return fmt.Errorf("enqueueing event: %w", err)
	}

	e.logger.Debug("emitted event",
		"event", string(rec.Event),
		"repository", rec.Repository,
		"id", id,
	)
	telemetry.RecordEventEmitted(ctx, string(rec.Event), "success")
	return nil
}

// idempotencyKey derives a stable queue key from the full record bytes,
// so a retried emission of the identical record overwrites instead of
// duplicating.
func idempotencyKey(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:16])
}
