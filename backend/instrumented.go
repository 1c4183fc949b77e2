package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/image-registry/telemetry"
)

// InstrumentedDriver wraps a Driver with metrics recording.
type InstrumentedDriver struct {
	driver Driver
	name   string
}

// NewInstrumentedDriver creates a new instrumented driver wrapper. The name
// is the storage location name the driver is bound to.
func NewInstrumentedDriver(d Driver, name string) *InstrumentedDriver {
	return &InstrumentedDriver{driver: d, name: name}
}

func (id *InstrumentedDriver) Validate(ctx context.Context) error {
	start := time.Now()
	err := id.driver.Validate(ctx)
	telemetry.RecordBackendOp(ctx, id.name, "validate", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (id *InstrumentedDriver) Exists(ctx context.Context, path string) (bool, error) {
	start := time.Now()
	exists, err := id.driver.Exists(ctx, path)
	telemetry.RecordBackendOp(ctx, id.name, "exists", outcomeFromError(err), time.Since(start), 0)
	return exists, err
}

func (id *InstrumentedDriver) Size(ctx context.Context, path string) (int64, error) {
	start := time.Now()
	size, err := id.driver.Size(ctx, path)
	telemetry.RecordBackendOp(ctx, id.name, "size", outcomeFromError(err), time.Since(start), 0)
	return size, err
}

func (id *InstrumentedDriver) GetContent(ctx context.Context, path string) ([]byte, error) {
	start := time.Now()
	content, err := id.driver.GetContent(ctx, path)
	telemetry.RecordBackendOp(ctx, id.name, "get_content", outcomeFromError(err), time.Since(start), int64(len(content)))
	return content, err
}

func (id *InstrumentedDriver) PutContent(ctx context.Context, path string, content []byte) error {
	start := time.Now()
	err := id.driver.PutContent(ctx, path, content)
	telemetry.RecordBackendOp(ctx, id.name, "put_content", outcomeFromError(err), time.Since(start), int64(len(content)))
	return err
}

func (id *InstrumentedDriver) StreamRead(ctx context.Context, path string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := id.driver.StreamRead(ctx, path)
	telemetry.RecordBackendOp(ctx, id.name, "stream_read", outcomeFromError(err), time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (id *InstrumentedDriver) StreamWrite(ctx context.Context, path string, r io.Reader) (int64, error) {
	start := time.Now()
	n, err := id.driver.StreamWrite(ctx, path, r)
	telemetry.RecordBackendOp(ctx, id.name, "stream_write", outcomeFromError(err), time.Since(start), n)
	return n, err
}

func (id *InstrumentedDriver) Delete(ctx context.Context, path string) error {
	start := time.Now()
	err := id.driver.Delete(ctx, path)
	telemetry.RecordBackendOp(ctx, id.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (id *InstrumentedDriver) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	paths, err := id.driver.List(ctx, prefix)
	telemetry.RecordBackendOp(ctx, id.name, "list", outcomeFromError(err), time.Since(start), 0)
	return paths, err
}

func (id *InstrumentedDriver) InitiateChunkedUpload(ctx context.Context) (string, []byte, error) {
	start := time.Now()
	uploadID, meta, err := id.driver.InitiateChunkedUpload(ctx)
	telemetry.RecordBackendOp(ctx, id.name, "initiate_upload", outcomeFromError(err), time.Since(start), 0)
	return uploadID, meta, err
}

func (id *InstrumentedDriver) StreamUploadChunk(ctx context.Context, uploadID string, offset, length int64, r io.Reader, meta []byte) (int64, []byte, error) {
	start := time.Now()
	n, newMeta, err := id.driver.StreamUploadChunk(ctx, uploadID, offset, length, r, meta)
	telemetry.RecordBackendOp(ctx, id.name, "upload_chunk", outcomeFromError(err), time.Since(start), n)
	return n, newMeta, err
}

func (id *InstrumentedDriver) CompleteChunkedUpload(ctx context.Context, uploadID string, finalPath string, meta []byte) error {
	start := time.Now()
	err := id.driver.CompleteChunkedUpload(ctx, uploadID, finalPath, meta)
	telemetry.RecordBackendOp(ctx, id.name, "complete_upload", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (id *InstrumentedDriver) CancelChunkedUpload(ctx context.Context, uploadID string, meta []byte) error {
	start := time.Now()
	err := id.driver.CancelChunkedUpload(ctx, uploadID, meta)
	telemetry.RecordBackendOp(ctx, id.name, "cancel_upload", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (id *InstrumentedDriver) RedirectURL(ctx context.Context, path string, expiresIn time.Duration) (string, error) {
	start := time.Now()
	url, err := id.driver.RedirectURL(ctx, path, expiresIn)
	telemetry.RecordBackendOp(ctx, id.name, "redirect_url", outcomeFromError(err), time.Since(start), 0)
	return url, err
}

// Unwrap returns the underlying driver.
func (id *InstrumentedDriver) Unwrap() Driver {
	return id.driver
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUploadNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// Compile-time interface check
var _ Driver = (*InstrumentedDriver)(nil)
