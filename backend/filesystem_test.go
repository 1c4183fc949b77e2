package backend

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()

	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return fs
}

func TestFilesystemStreamWriteRead(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	n, err := fs.StreamWrite(ctx, "sha256/ab/abcd/data", strings.NewReader("hello world"))
	require.NoError(t, err)
	require.Equal(t, int64(11), n)

	rc, err := fs.StreamRead(ctx, "sha256/ab/abcd/data")
	require.NoError(t, err)
	defer rc.Close()

	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(content))

	size, err := fs.Size(ctx, "sha256/ab/abcd/data")
	require.NoError(t, err)
	require.Equal(t, int64(11), size)
}

func TestFilesystemNotFound(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	_, err := fs.StreamRead(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = fs.GetContent(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = fs.Size(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	exists, err := fs.Exists(ctx, "missing")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestFilesystemPutGetContent(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.PutContent(ctx, "manifests/m1", []byte("{}")))

	content, err := fs.GetContent(ctx, "manifests/m1")
	require.NoError(t, err)
	require.Equal(t, []byte("{}"), content)
}

func TestFilesystemDeleteIdempotent(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.PutContent(ctx, "a/b", []byte("x")))
	require.NoError(t, fs.Delete(ctx, "a/b"))
	require.NoError(t, fs.Delete(ctx, "a/b"))

	exists, err := fs.Exists(ctx, "a/b")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestFilesystemList(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.PutContent(ctx, "sha256/aa/a1/data", []byte("1")))
	require.NoError(t, fs.PutContent(ctx, "sha256/bb/b2/data", []byte("2")))
	require.NoError(t, fs.PutContent(ctx, "other/c3", []byte("3")))

	paths, err := fs.List(ctx, "sha256")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"sha256/aa/a1/data", "sha256/bb/b2/data"}, paths)

	paths, err = fs.List(ctx, "nope")
	require.NoError(t, err)
	require.Empty(t, paths)
}

func TestFilesystemChunkedUpload(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	uploadID, meta, err := fs.InitiateChunkedUpload(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, uploadID)

	n, meta, err := fs.StreamUploadChunk(ctx, uploadID, 0, -1, strings.NewReader("hello "), meta)
	require.NoError(t, err)
	require.Equal(t, int64(6), n)

	n, meta, err = fs.StreamUploadChunk(ctx, uploadID, 6, -1, strings.NewReader("world"), meta)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)

	require.NoError(t, fs.CompleteChunkedUpload(ctx, uploadID, "sha256/cc/c1/data", meta))

	content, err := fs.GetContent(ctx, "sha256/cc/c1/data")
	require.NoError(t, err)
	require.Equal(t, "hello world", string(content))

	// scratch state is gone after completion
	err = fs.CompleteChunkedUpload(ctx, uploadID, "sha256/cc/c2/data", meta)
	require.ErrorIs(t, err, ErrUploadNotFound)
}

func TestFilesystemChunkedUploadLimitedLength(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	uploadID, meta, err := fs.InitiateChunkedUpload(ctx)
	require.NoError(t, err)

	n, meta, err := fs.StreamUploadChunk(ctx, uploadID, 0, 5, strings.NewReader("hello world"), meta)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)

	require.NoError(t, fs.CompleteChunkedUpload(ctx, uploadID, "blob", meta))

	content, err := fs.GetContent(ctx, "blob")
	require.NoError(t, err)
	require.Equal(t, "hello", string(content))
}

func TestFilesystemChunkedUploadRewrite(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	uploadID, meta, err := fs.InitiateChunkedUpload(ctx)
	require.NoError(t, err)

	_, meta, err = fs.StreamUploadChunk(ctx, uploadID, 0, -1, strings.NewReader("aaaa"), meta)
	require.NoError(t, err)

	// rewriting earlier bytes is allowed
	_, meta, err = fs.StreamUploadChunk(ctx, uploadID, 2, -1, strings.NewReader("bb"), meta)
	require.NoError(t, err)

	require.NoError(t, fs.CompleteChunkedUpload(ctx, uploadID, "blob", meta))

	content, err := fs.GetContent(ctx, "blob")
	require.NoError(t, err)
	require.Equal(t, "aabb", string(content))
}

func TestFilesystemChunkedUploadReplayDropsStaleTail(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	uploadID, meta, err := fs.InitiateChunkedUpload(ctx)
	require.NoError(t, err)

	// a chunk lands bytes but its transaction is rolled back, so the
	// client replays from the pre-chunk metadata with different content
	_, _, err = fs.StreamUploadChunk(ctx, uploadID, 0, -1, strings.NewReader(strings.Repeat("A", 100)), meta)
	require.NoError(t, err)

	n, meta, err := fs.StreamUploadChunk(ctx, uploadID, 0, -1, strings.NewReader(strings.Repeat("B", 50)), meta)
	require.NoError(t, err)
	require.Equal(t, int64(50), n)

	require.NoError(t, fs.CompleteChunkedUpload(ctx, uploadID, "blob", meta))

	content, err := fs.GetContent(ctx, "blob")
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("B", 50), string(content))
}

func TestFilesystemCompleteCutsToTrackedSize(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	uploadID, meta, err := fs.InitiateChunkedUpload(ctx)
	require.NoError(t, err)

	// finalizing with metadata from before a failed chunk drops that
	// chunk's bytes entirely
	_, _, err = fs.StreamUploadChunk(ctx, uploadID, 0, -1, strings.NewReader("leftover"), meta)
	require.NoError(t, err)

	require.NoError(t, fs.CompleteChunkedUpload(ctx, uploadID, "blob", meta))

	content, err := fs.GetContent(ctx, "blob")
	require.NoError(t, err)
	require.Empty(t, content)
}

func TestFilesystemChunkedUploadInvalidOffset(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	uploadID, meta, err := fs.InitiateChunkedUpload(ctx)
	require.NoError(t, err)

	_, _, err = fs.StreamUploadChunk(ctx, uploadID, 10, -1, strings.NewReader("x"), meta)
	require.ErrorIs(t, err, ErrInvalidOffset)
}

func TestFilesystemCancelChunkedUpload(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	uploadID, meta, err := fs.InitiateChunkedUpload(ctx)
	require.NoError(t, err)

	_, meta, err = fs.StreamUploadChunk(ctx, uploadID, 0, -1, bytes.NewReader([]byte("data")), meta)
	require.NoError(t, err)

	require.NoError(t, fs.CancelChunkedUpload(ctx, uploadID, meta))

	err = fs.CompleteChunkedUpload(ctx, uploadID, "blob", meta)
	require.ErrorIs(t, err, ErrUploadNotFound)
}

func TestFilesystemRedirectURL(t *testing.T) {
	fs := newTestFilesystem(t)

	url, err := fs.RedirectURL(context.Background(), "sha256/aa/a1/data", 0)
	require.NoError(t, err)
	require.Empty(t, url)
}
