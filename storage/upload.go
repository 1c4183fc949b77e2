package storage

import (
	"context"
	"fmt"
	"io"

	registry "github.com/wolfeidau/image-registry"
	"github.com/wolfeidau/image-registry/backend"
)

// ErrUploadNotFound is returned when resuming an upload whose scratch state
// is gone.
var ErrUploadNotFound = backend.ErrUploadNotFound

// ChunkedUpload is an in-flight append-only blob write pinned to a single
// storage location. It carries the driver's opaque chunk metadata and the
// resumable digest state, both of which the caller persists between
// requests via State.
type ChunkedUpload struct {
	store      *BlobStore
	id         string
	location   string
	driverMeta []byte
	hasher     *registry.ResumableSHA256
	byteCount  int64
}

// UploadState is the serializable state of a chunked upload.
type UploadState struct {
	ID         string
	Location   string
	DriverMeta []byte
	HashState  []byte
	ByteCount  int64
}

// NewChunkedUpload starts a chunked upload on the first usable location.
func (s *BlobStore) NewChunkedUpload(ctx context.Context, locations []string) (*ChunkedUpload, error) {
	names := s.resolveNames(locations)
	if len(names) == 0 {
		return nil, ErrNoLocations
	}

	location := names[0]
	id, meta, err := s.drivers[location].InitiateChunkedUpload(ctx)
	if err != nil {
		return nil, fmt.Errorf("initiating upload on %q: %w", location, err)
	}

	return &ChunkedUpload{
		store:      s,
		id:         id,
		location:   location,
		driverMeta: meta,
		hasher:     registry.NewResumableSHA256(),
	}, nil
}

// ResumeChunkedUpload rebuilds a chunked upload from persisted state.
func (s *BlobStore) ResumeChunkedUpload(state UploadState) (*ChunkedUpload, error) {
	if _, ok := s.drivers[state.Location]; !ok {
		return nil, fmt.Errorf("unknown storage location %q", state.Location)
	}

	hasher, err := registry.RestoreResumableSHA256(state.HashState, state.ByteCount)
	if err != nil {
		return nil, fmt.Errorf("restoring digest state: %w", err)
	}

	return &ChunkedUpload{
		store:      s,
		id:         state.ID,
		location:   state.Location,
		driverMeta: state.DriverMeta,
		hasher:     hasher,
		byteCount:  state.ByteCount,
	}, nil
}

// ID returns the upload's driver-assigned id.
func (u *ChunkedUpload) ID() string {
	return u.id
}

// Location returns the storage location the upload is pinned to.
func (u *ChunkedUpload) Location() string {
	return u.location
}

// ByteCount returns the number of bytes appended so far.
func (u *ChunkedUpload) ByteCount() int64 {
	return u.byteCount
}

// Digest returns the digest of the bytes appended so far.
func (u *ChunkedUpload) Digest() registry.Digest {
	return u.hasher.Digest()
}

// State serializes the upload for persistence between requests.
func (u *ChunkedUpload) State() (UploadState, error) {
	hashState, err := u.hasher.State()
	if err != nil {
		return UploadState{}, err
	}
	return UploadState{
		ID:         u.id,
		Location:   u.location,
		DriverMeta: u.driverMeta,
		HashState:  hashState,
		ByteCount:  u.byteCount,
	}, nil
}

// Append writes the next chunk at the current byte count, feeding the
// running digest as a side effect. A length of -1 reads r until EOF.
func (u *ChunkedUpload) Append(ctx context.Context, r io.Reader, length int64) (int64, error) {
	driver := u.store.drivers[u.location]

	tee := io.TeeReader(r, u.hasher)
	n, meta, err := driver.StreamUploadChunk(ctx, u.id, u.byteCount, length, tee, u.driverMeta)
	if err != nil {
		return n, fmt.Errorf("writing chunk at offset %d: %w", u.byteCount, err)
	}

	u.driverMeta = meta
	u.byteCount += n
	return n, nil
}

// Commit verifies the running digest against expected and promotes the
// upload to a blob at BlobPath(expected). A mismatch leaves the upload
// intact so the caller can cancel it explicitly.
func (u *ChunkedUpload) Commit(ctx context.Context, expected registry.Digest) error {
	actual := u.hasher.Digest()
	if actual.String() != expected.String() {
		return fmt.Errorf("%w: computed %s", registry.ErrDigestMismatch, actual)
	}

	driver := u.store.drivers[u.location]
	if err := driver.CompleteChunkedUpload(ctx, u.id, BlobPath(expected), u.driverMeta); err != nil {
		return fmt.Errorf("completing upload %s: %w", u.id, err)
	}
	return nil
}

// CommitTo promotes the upload to the given path without a digest check.
// Used by the derived-artifact pipeline, which records the digest in its
// own bookkeeping.
func (u *ChunkedUpload) CommitTo(ctx context.Context, path string) error {
	driver := u.store.drivers[u.location]
	if err := driver.CompleteChunkedUpload(ctx, u.id, path, u.driverMeta); err != nil {
		return fmt.Errorf("completing upload %s: %w", u.id, err)
	}
	return nil
}

// Cancel discards the upload's scratch state.
func (u *ChunkedUpload) Cancel(ctx context.Context) error {
	driver := u.store.drivers[u.location]
	if err := driver.CancelChunkedUpload(ctx, u.id, u.driverMeta); err != nil {
		return fmt.Errorf("cancelling upload %s: %w", u.id, err)
	}
	return nil
}
