// Package registrydb is the metadata source of truth for the registry:
// repositories, tag history, manifests and their blob edges, blob rows with
// reference counts, in-flight uploads, derived artifacts, notification
// rules, and the durable event queues. Every mutation is a single bbolt
// transaction.
package registrydb

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// Common errors returned by the database.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrRangeConflict is returned when an upload advance does not start
	// at the current byte count.
	ErrRangeConflict = errors.New("upload range conflict")

	// ErrUploadBusy is returned when another advance is in flight for the
	// same upload.
	ErrUploadBusy = errors.New("upload busy")

	// ErrTagImmutable is returned when a retag matches an immutability
	// policy.
	ErrTagImmutable = errors.New("tag is immutable")
)

// DB implements registry metadata storage using bbolt.
type DB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// Option configures a DB instance.
type Option func(*DB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(d *DB) {
		d.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(d *DB) {
		d.noSync = noSync
	}
}

// New creates a new DB instance with options.
func New(opts ...Option) *DB {
	d := &DB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open opens the database at the given path.
func (d *DB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  d.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	d.db = db

	if err := d.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	d.logger.Debug("opened registrydb", "path", path, "noSync", d.noSync)
	return nil
}

func (d *DB) createBuckets() error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketRepositories,
			bucketTags,
			bucketTagsLive,
			bucketManifests,
			bucketManifestRepos,
			bucketManifestBlobs,
			bucketRepoBlobs,
			bucketBlobs,
			bucketUploads,
			bucketUploadsByExpiry,
			bucketDerived,
			bucketNotifications,
			bucketEvents,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	d.logger.Debug("closing registrydb")
	return d.db.Close()
}
