package storage

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	registry "github.com/wolfeidau/image-registry"
	"github.com/wolfeidau/image-registry/backend"
)

func newTestStore(t *testing.T, locations ...string) *BlobStore {
	t.Helper()

	drivers := make(map[string]backend.Driver, len(locations))
	for _, name := range locations {
		fs, err := backend.NewFilesystem(t.TempDir())
		require.NoError(t, err)
		drivers[name] = fs
	}

	s, err := NewBlobStore(drivers, locations)
	require.NoError(t, err)
	return s
}

func TestBlobStoreWriteRead(t *testing.T) {
	s := newTestStore(t, "local")
	ctx := context.Background()

	d := registry.ComputeSHA256([]byte("hello world"))
	path := BlobPath(d)

	n, location, err := s.StreamWrite(ctx, nil, path, strings.NewReader("hello world"))
	require.NoError(t, err)
	require.Equal(t, int64(11), n)
	require.Equal(t, "local", location)

	rc, err := s.StreamRead(ctx, []string{"local"}, path)
	require.NoError(t, err)
	defer rc.Close()

	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(content))

	size, err := s.Size(ctx, nil, path)
	require.NoError(t, err)
	require.Equal(t, int64(11), size)
}

func TestBlobStoreNotFound(t *testing.T) {
	s := newTestStore(t, "local")
	ctx := context.Background()

	_, err := s.StreamRead(ctx, nil, "sha256/aa/aaaa/data")
	require.ErrorIs(t, err, ErrNotFound)

	exists, err := s.Exists(ctx, nil, "sha256/aa/aaaa/data")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestBlobStoreReadFallsBackAcrossLocations(t *testing.T) {
	s := newTestStore(t, "primary", "secondary")
	ctx := context.Background()

	// place the content only on the secondary location
	_, err := s.drivers["secondary"].StreamWrite(ctx, "blob", strings.NewReader("data"))
	require.NoError(t, err)

	content, err := s.GetContent(ctx, []string{"primary", "secondary"}, "blob")
	require.NoError(t, err)
	require.Equal(t, "data", string(content))
}

func TestBlobStoreReplication(t *testing.T) {
	s := newTestStore(t, "primary", "secondary")
	ctx := context.Background()

	_, location, err := s.StreamWrite(ctx, nil, "blob", strings.NewReader("replicated"))
	require.NoError(t, err)
	require.Equal(t, "primary", location)

	require.Eventually(t, func() bool {
		exists, err := s.drivers["secondary"].Exists(ctx, "blob")
		return err == nil && exists
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBlobStoreDelete(t *testing.T) {
	s := newTestStore(t, "primary", "secondary")
	ctx := context.Background()

	_, err := s.PutContent(ctx, nil, "blob", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, nil, "blob"))

	exists, err := s.Exists(ctx, nil, "blob")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestBlobStoreUnknownPreference(t *testing.T) {
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	_, err = NewBlobStore(map[string]backend.Driver{"local": fs}, []string{"nope"})
	require.Error(t, err)
}

func TestChunkedUploadCommit(t *testing.T) {
	s := newTestStore(t, "local")
	ctx := context.Background()

	u, err := s.NewChunkedUpload(ctx, nil)
	require.NoError(t, err)
	require.NotEmpty(t, u.ID())
	require.Equal(t, "local", u.Location())

	n, err := u.Append(ctx, strings.NewReader("hello "), -1)
	require.NoError(t, err)
	require.Equal(t, int64(6), n)

	n, err = u.Append(ctx, strings.NewReader("world"), -1)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
	require.Equal(t, int64(11), u.ByteCount())

	d := registry.ComputeSHA256([]byte("hello world"))
	require.Equal(t, d, u.Digest())

	require.NoError(t, u.Commit(ctx, d))

	content, err := s.GetContent(ctx, nil, BlobPath(d))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(content))
}

func TestChunkedUploadDigestMismatch(t *testing.T) {
	s := newTestStore(t, "local")
	ctx := context.Background()

	u, err := s.NewChunkedUpload(ctx, nil)
	require.NoError(t, err)

	_, err = u.Append(ctx, strings.NewReader("corrupted"), -1)
	require.NoError(t, err)

	wrong := registry.ComputeSHA256([]byte("expected"))
	err = u.Commit(ctx, wrong)
	require.ErrorIs(t, err, registry.ErrDigestMismatch)

	// the upload survives a failed commit
	require.NoError(t, u.Cancel(ctx))
}

func TestChunkedUploadResume(t *testing.T) {
	s := newTestStore(t, "local")
	ctx := context.Background()

	u, err := s.NewChunkedUpload(ctx, nil)
	require.NoError(t, err)

	_, err = u.Append(ctx, strings.NewReader("hello "), -1)
	require.NoError(t, err)

	state, err := u.State()
	require.NoError(t, err)
	require.Equal(t, int64(6), state.ByteCount)

	resumed, err := s.ResumeChunkedUpload(state)
	require.NoError(t, err)
	require.Equal(t, int64(6), resumed.ByteCount())

	_, err = resumed.Append(ctx, strings.NewReader("world"), -1)
	require.NoError(t, err)

	d := registry.ComputeSHA256([]byte("hello world"))
	require.NoError(t, resumed.Commit(ctx, d))

	content, err := s.GetContent(ctx, nil, BlobPath(d))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(content))
}
