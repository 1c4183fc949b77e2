// Package backend provides storage drivers for the image registry. Drivers
// deal in opaque storage paths; digest-to-path mapping lives in the storage
// package above this one.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a path does not exist in the backend.
var ErrNotFound = errors.New("not found")

// ErrUploadNotFound is returned when a chunked upload id is unknown or its
// scratch state has been removed.
var ErrUploadNotFound = errors.New("upload not found")

// ErrInvalidOffset is returned when a chunk is written at an offset the
// driver cannot accept.
var ErrInvalidOffset = errors.New("invalid chunk offset")

// Driver defines the interface for storage drivers.
// Implementations must be safe for concurrent use.
//
// Chunked uploads are stateless on the driver side: every call returns
// updated metadata that the caller persists and hands back on the next
// call. The metadata format is private to each driver.
type Driver interface {
	// Validate checks that the driver can reach its storage.
	Validate(ctx context.Context) error

	// Exists checks if a path exists.
	Exists(ctx context.Context, path string) (bool, error)

	// Size returns the size in bytes of the content at path.
	// Returns ErrNotFound if the path does not exist.
	Size(ctx context.Context, path string) (int64, error)

	// GetContent retrieves the full content at path.
	// Returns ErrNotFound if the path does not exist.
	GetContent(ctx context.Context, path string) ([]byte, error)

	// PutContent stores content at path, overwriting any existing content.
	PutContent(ctx context.Context, path string, content []byte) error

	// StreamRead retrieves the content at path as a stream.
	// Returns ErrNotFound if the path does not exist.
	// The caller must close the returned ReadCloser.
	StreamRead(ctx context.Context, path string) (io.ReadCloser, error)

	// StreamWrite stores data from r at path and returns the number of
	// bytes written. The content must not be visible at path until the
	// write has fully succeeded.
	StreamWrite(ctx context.Context, path string, r io.Reader) (int64, error)

	// Delete removes the content at path.
	// Returns nil if the path does not exist (idempotent).
	Delete(ctx context.Context, path string) error

	// List returns all paths with the given prefix.
	// The prefix uses "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)

	// InitiateChunkedUpload starts a new chunked upload and returns its
	// id along with initial metadata.
	InitiateChunkedUpload(ctx context.Context) (uploadID string, meta []byte, err error)

	// StreamUploadChunk writes a chunk at the given byte offset. A length
	// of -1 reads r until EOF. Returns the number of bytes written and
	// the updated metadata.
	StreamUploadChunk(ctx context.Context, uploadID string, offset, length int64, r io.Reader, meta []byte) (written int64, newMeta []byte, err error)

	// CompleteChunkedUpload assembles the uploaded chunks at finalPath
	// and removes the scratch state. A failed complete must leave nothing
	// visible at finalPath.
	CompleteChunkedUpload(ctx context.Context, uploadID string, finalPath string, meta []byte) error

	// CancelChunkedUpload discards the upload's scratch state.
	CancelChunkedUpload(ctx context.Context, uploadID string, meta []byte) error

	// RedirectURL returns a direct-download URL for path valid for
	// expiresIn, or "" if the driver cannot serve redirects.
	RedirectURL(ctx context.Context, path string, expiresIn time.Duration) (string, error)
}
