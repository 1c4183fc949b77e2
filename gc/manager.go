// Package gc reclaims storage the registry no longer needs: expired
// uploads, expired tags, detached manifests past their grace window,
// orphaned derived artifacts, and unreferenced blobs.
package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/image-registry/registrydb"
	"github.com/wolfeidau/image-registry/storage"
)

// Config configures the GC manager.
type Config struct {
	Interval     time.Duration // How often to run (default: 1h)
	StartupDelay time.Duration // Delay before first run (default: 5m)
	BatchSize    int           // Max items to process per phase per run (default: 1000)

	// BlobGrace is how long a blob may sit unreferenced before its bytes
	// are reclaimed. New references within the window resurrect it.
	BlobGrace time.Duration // default: 24h

	// ManifestGrace is how long a detached manifest keeps its blob
	// references alive, so recently untagged images can be restored.
	ManifestGrace time.Duration // default: 24h

	// DerivedBuildGrace is how long an uploading derived-artifact claim
	// may stand before it is treated as a crashed build and released.
	// Must comfortably exceed the longest build a formatter can run.
	DerivedBuildGrace time.Duration // default: 1h
}

// DefaultConfig returns the default GC configuration.
func DefaultConfig() Config {
	return Config{
		Interval:          1 * time.Hour,
		StartupDelay:      5 * time.Minute,
		BatchSize:         1000,
		BlobGrace:         24 * time.Hour,
		ManifestGrace:     24 * time.Hour,
		DerivedBuildGrace: 1 * time.Hour,
	}
}

// Result contains the results of a GC run.
type Result struct {
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	UploadsReaped   int           `json:"uploads_reaped"`
	TagsExpired     int           `json:"tags_expired"`
	ManifestsPurged int           `json:"manifests_purged"`
	DerivedCleaned  int           `json:"derived_cleaned"`
	BlobsDeleted    int           `json:"blobs_deleted"`
	BytesReclaimed  int64         `json:"bytes_reclaimed"`
	Errors          []string      `json:"errors,omitempty"`
}

// Manager runs the reclamation phases on a schedule.
type Manager struct {
	db     *registrydb.DB
	blobs  *storage.BlobStore
	config Config
	logger *slog.Logger
	now    func() time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger.With("component", "gc")
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a new GC manager.
func New(db *registrydb.DB, blobs *storage.BlobStore, config Config, opts ...ManagerOption) *Manager {
	if config.Interval == 0 {
		config.Interval = 1 * time.Hour
	}
	if config.StartupDelay == 0 {
		config.StartupDelay = 5 * time.Minute
	}
	if config.BatchSize == 0 {
		config.BatchSize = 1000
	}
	if config.BlobGrace == 0 {
		config.BlobGrace = 24 * time.Hour
	}
	if config.ManifestGrace == 0 {
		config.ManifestGrace = 24 * time.Hour
	}
	if config.DerivedBuildGrace == 0 {
		config.DerivedBuildGrace = 1 * time.Hour
	}

	m := &Manager{
		db:     db,
		blobs:  blobs,
		config: config,
		logger: slog.Default().With("component", "gc"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start starts the background GC goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop gracefully stops the GC manager.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	close(m.stopCh)

	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate GC run.
func (m *Manager) RunNow(ctx context.Context) *Result {
	return m.runGC(ctx)
}

// Status returns the last GC run result.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	m.logger.Info("gc manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
		"blob_grace", m.config.BlobGrace,
	)

	select {
	case <-time.After(m.config.StartupDelay):
	case <-m.stopCh:
		m.setRunning(false)
		return
	case <-ctx.Done():
		m.setRunning(false)
		return
	}

	m.runGC(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runGC(ctx)
		case <-m.stopCh:
			m.logger.Info("gc manager stopped")
			m.setRunning(false)
			return
		case <-ctx.Done():
			m.logger.Info("gc manager context cancelled")
			m.setRunning(false)
			return
		}
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) runGC(ctx context.Context) *Result {
	result := &Result{
		StartedAt: m.now(),
	}

	m.logger.Info("starting gc run")

	// phase order matters: purging manifests and derived rows drops blob
	// references, which the blob phase collects once the grace passes
	m.phaseExpiredUploads(ctx, result)
	m.phaseExpiredTags(ctx, result)
	m.phaseDetachedManifests(ctx, result)
	m.phaseOrphanDerived(ctx, result)
	m.phaseUnreferencedBlobs(ctx, result)

	result.Duration = m.now().Sub(result.StartedAt)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.logger.Info("gc run completed",
		"duration", result.Duration,
		"uploads_reaped", result.UploadsReaped,
		"tags_expired", result.TagsExpired,
		"manifests_purged", result.ManifestsPurged,
		"derived_cleaned", result.DerivedCleaned,
		"blobs_deleted", result.BlobsDeleted,
		"bytes_reclaimed", result.BytesReclaimed,
		"errors", len(result.Errors),
	)

	return result
}
