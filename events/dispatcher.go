package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/image-registry/registrydb"
)

const dispatchBatchSize = 64

// DispatcherConfig holds dispatcher configuration.
type DispatcherConfig struct {
	// PollInterval is how often queues are drained. Default 10s.
	PollInterval time.Duration

	// Kinds limits dispatching to these queues. Empty means all known
	// kinds.
	Kinds []Kind

	// Logger for dispatch events.
	Logger *slog.Logger
}

// Dispatcher drains the per-kind event queues and delivers each record
// through the sinks matching the repository's notification rules. A
// record is acknowledged once every applicable rule has been attempted;
// rules that keep failing are suppressed by the database's failure
// budget rather than blocking the queue.
type Dispatcher struct {
	config DispatcherConfig
	db     *registrydb.DB
	sinks  map[string]Sink
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewDispatcher creates a dispatcher over the registry database.
func NewDispatcher(db *registrydb.DB, sinks []Sink, cfg DispatcherConfig) *Dispatcher {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = []Kind{
			KindRepoPush, KindRepoPull, KindTagDelete, KindManifestDelete,
			KindVulnerabilityFound,
			KindBuildQueued, KindBuildStart, KindBuildSuccess, KindBuildFailure,
		}
	}

	byMethod := make(map[string]Sink, len(sinks))
	for _, s := range sinks {
		byMethod[s.Method()] = s
	}

	return &Dispatcher{
		config: cfg,
		db:     db,
		sinks:  byMethod,
		logger: cfg.Logger.With("component", "events"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background dispatching.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped || d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop stops background dispatching and waits for the loop to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running || d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.stopCh)
	<-d.doneCh
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	d.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

// RunOnce drains every queue a single time. Exposed for tests and for
// flush-on-shutdown.
func (d *Dispatcher) RunOnce(ctx context.Context) int {
	return d.runOnce(ctx)
}

func (d *Dispatcher) runOnce(ctx context.Context) int {
	delivered := 0
	for _, kind := range d.config.Kinds {
		n, err := d.drainKind(ctx, kind)
		if err != nil {
			d.logger.Error("draining event queue", "kind", string(kind), "error", err)
			continue
		}
		delivered += n
	}
	return delivered
}

func (d *Dispatcher) drainKind(ctx context.Context, kind Kind) (int, error) {
	queued, err := d.db.PeekEvents(ctx, string(kind), dispatchBatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, qe := range queued {
		var rec Record
		if err := json.Unmarshal(qe.Payload, &rec); err != nil {
			// poison entry, drop it
			d.logger.Warn("dropping undecodable event", "kind", qe.Kind, "id", qe.ID, "error", err)
			_ = d.db.AckEvent(ctx, qe.Kind, qe.ID)
			continue
		}

		d.deliver(ctx, rec)

		if err := d.db.AckEvent(ctx, qe.Kind, qe.ID); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

func (d *Dispatcher) deliver(ctx context.Context, rec Record) {
	rules, err := d.db.ListNotifications(ctx, rec.Repository, string(rec.Event))
	if err != nil {
		d.logger.Error("listing notification rules",
			"repository", rec.Repository,
			"event", string(rec.Event),
			"error", err,
		)
		return
	}

	for _, rule := range rules {
		if rule.Suppressed() {
			continue
		}
		sink, ok := d.sinks[rule.Method]
		if !ok {
			d.logger.Warn("no sink for notification method",
				"method", rule.Method,
				"rule", rule.UUID,
			)
			continue
		}

		err := sink.Deliver(ctx, rule, rec)
		if err != nil {
			d.logger.Warn("notification delivery failed",
				"rule", rule.UUID,
				"method", rule.Method,
				"repository", rec.Repository,
				"error", err,
			)
		}
		if recErr := d.db.RecordNotificationRun(ctx, rule.Repository, rule.UUID, err != nil); recErr != nil {
			d.logger.Error("recording notification run", "rule", rule.UUID, "error", recErr)
		}
	}
}
