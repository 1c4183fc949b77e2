package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/image-registry/backend"
)

// ErrNoLocations is returned when an operation is given no usable storage
// locations.
var ErrNoLocations = errors.New("no storage locations")

// ErrNotFound is returned when a path exists in none of the given locations.
var ErrNotFound = backend.ErrNotFound

// Option configures the blob store.
type Option func(*BlobStore)

// WithLogger sets the logger used for replication and validation output.
func WithLogger(logger *slog.Logger) Option {
	return func(s *BlobStore) {
		s.logger = logger
	}
}

// WithReplicationTimeout bounds each asynchronous replica write.
func WithReplicationTimeout(d time.Duration) Option {
	return func(s *BlobStore) {
		s.replicationTimeout = d
	}
}

// BlobStore places blobs across named storage locations. Reads try the
// given locations in order; writes land on the first location and fan out
// to the rest asynchronously.
type BlobStore struct {
	drivers            map[string]backend.Driver
	preference         []string
	logger             *slog.Logger
	replicationTimeout time.Duration
}

// NewBlobStore creates a blob store over the given drivers. preference is
// the ordered list of location names used when callers do not specify
// locations themselves.
func NewBlobStore(drivers map[string]backend.Driver, preference []string, opts ...Option) (*BlobStore, error) {
	if len(preference) == 0 {
		return nil, ErrNoLocations
	}
	for _, name := range preference {
		if _, ok := drivers[name]; !ok {
			return nil, fmt.Errorf("unknown storage location %q in preference", name)
		}
	}

	s := &BlobStore{
		drivers:            drivers,
		preference:         preference,
		logger:             slog.Default(),
		replicationTimeout: 15 * time.Minute,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With("component", "storage")
	return s, nil
}

// Preference returns the configured location preference order.
func (s *BlobStore) Preference() []string {
	return s.preference
}

// Validate checks every configured driver.
func (s *BlobStore) Validate(ctx context.Context) error {
	for name, d := range s.drivers {
		if err := d.Validate(ctx); err != nil {
			return fmt.Errorf("validating location %q: %w", name, err)
		}
	}
	return nil
}

// Exists reports whether path exists in any of the locations.
func (s *BlobStore) Exists(ctx context.Context, locations []string, path string) (bool, error) {
	for _, d := range s.resolve(locations) {
		exists, err := d.Exists(ctx, path)
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

// Size returns the size of the content at path from the first location
// holding it.
func (s *BlobStore) Size(ctx context.Context, locations []string, path string) (int64, error) {
	for _, d := range s.resolve(locations) {
		size, err := d.Size(ctx, path)
		if err != nil {
			if errors.Is(err, backend.ErrNotFound) {
				continue
			}
			return 0, err
		}
		return size, nil
	}
	return 0, ErrNotFound
}

// GetContent retrieves the full content at path. Intended for small
// objects such as configs and manifests.
func (s *BlobStore) GetContent(ctx context.Context, locations []string, path string) ([]byte, error) {
	for _, d := range s.resolve(locations) {
		content, err := d.GetContent(ctx, path)
		if err != nil {
			if errors.Is(err, backend.ErrNotFound) {
				continue
			}
			return nil, err
		}
		return content, nil
	}
	return nil, ErrNotFound
}

// StreamRead retrieves the content at path as a stream from the first
// location holding it.
func (s *BlobStore) StreamRead(ctx context.Context, locations []string, path string) (io.ReadCloser, error) {
	for _, d := range s.resolve(locations) {
		rc, err := d.StreamRead(ctx, path)
		if err != nil {
			if errors.Is(err, backend.ErrNotFound) {
				continue
			}
			return nil, err
		}
		return rc, nil
	}
	return nil, ErrNotFound
}

// StreamWrite stores data at path on the first location and replicates to
// the remaining locations in the background. It returns the bytes written
// and the name of the location the write landed on.
func (s *BlobStore) StreamWrite(ctx context.Context, locations []string, path string, r io.Reader) (int64, string, error) {
	names := s.resolveNames(locations)
	if len(names) == 0 {
		return 0, "", ErrNoLocations
	}

	primary := names[0]
	n, err := s.drivers[primary].StreamWrite(ctx, path, r)
	if err != nil {
		return n, "", fmt.Errorf("writing to %q: %w", primary, err)
	}

	if len(names) > 1 {
		s.replicate(ctx, primary, names[1:], path)
	}
	return n, primary, nil
}

// PutContent stores content at path on the first location and replicates
// to the remaining locations in the background.
func (s *BlobStore) PutContent(ctx context.Context, locations []string, path string, content []byte) (string, error) {
	names := s.resolveNames(locations)
	if len(names) == 0 {
		return "", ErrNoLocations
	}

	primary := names[0]
	if err := s.drivers[primary].PutContent(ctx, path, content); err != nil {
		return "", fmt.Errorf("writing to %q: %w", primary, err)
	}

	if len(names) > 1 {
		s.replicate(ctx, primary, names[1:], path)
	}
	return primary, nil
}

// Delete removes the content at path from every location.
func (s *BlobStore) Delete(ctx context.Context, locations []string, path string) error {
	var errs []error
	for _, name := range s.resolveNames(locations) {
		if err := s.drivers[name].Delete(ctx, path); err != nil {
			errs = append(errs, fmt.Errorf("deleting from %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// RedirectURL returns a direct-download URL for path from the first
// location that can serve one, or "" when none can.
func (s *BlobStore) RedirectURL(ctx context.Context, locations []string, path string, expiresIn time.Duration) (string, error) {
	for _, d := range s.resolve(locations) {
		url, err := d.RedirectURL(ctx, path, expiresIn)
		if err != nil {
			return "", err
		}
		if url != "" {
			return url, nil
		}
	}
	return "", nil
}

// replicate copies path from the primary location to the given replicas in
// the background. Failures are logged, never surfaced to the caller.
func (s *BlobStore) replicate(ctx context.Context, primary string, replicas []string, path string) {
	// detach from the request lifetime
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.replicationTimeout)

	g, gctx := errgroup.WithContext(rctx)
	for _, name := range replicas {
		g.Go(func() error {
			rc, err := s.drivers[primary].StreamRead(gctx, path)
			if err != nil {
				return fmt.Errorf("reading %s from %q: %w", path, primary, err)
			}
			defer rc.Close()

			if _, err := s.drivers[name].StreamWrite(gctx, path, rc); err != nil {
				return fmt.Errorf("replicating %s to %q: %w", path, name, err)
			}

			s.logger.Debug("replicated", "path", path, "from", primary, "to", name)
			return nil
		})
	}

	go func() {
		defer cancel()
		if err := g.Wait(); err != nil {
			s.logger.Warn("replication failed", "path", path, "error", err)
		}
	}()
}

// resolve returns the drivers for the given locations, falling back to the
// preference order when locations is empty.
func (s *BlobStore) resolve(locations []string) []backend.Driver {
	names := s.resolveNames(locations)
	drivers := make([]backend.Driver, 0, len(names))
	for _, name := range names {
		drivers = append(drivers, s.drivers[name])
	}
	return drivers
}

func (s *BlobStore) resolveNames(locations []string) []string {
	if len(locations) == 0 {
		locations = s.preference
	}
	names := make([]string, 0, len(locations))
	for _, name := range locations {
		if _, ok := s.drivers[name]; ok {
			names = append(names, name)
		}
	}
	return names
}
