package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Filesystem implements Driver using the local filesystem.
// Final writes are atomic using a temp file and rename pattern. Chunked
// uploads append into a scratch file that is renamed into place on
// completion.
type Filesystem struct {
	root string
}

// NewFilesystem creates a new filesystem driver rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (fs *Filesystem) Root() string {
	return fs.root
}

// Validate checks that the root directory is writable.
func (fs *Filesystem) Validate(ctx context.Context) error {
	tmp, err := os.CreateTemp(fs.root, ".validate-*")
	if err != nil {
		return fmt.Errorf("root directory not writable: %w", err)
	}
	name := tmp.Name()
	_ = tmp.Close()
	return os.Remove(name)
}

// Exists checks if a path exists.
func (fs *Filesystem) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(fs.fullPath(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// Size returns the size of the content at path.
func (fs *Filesystem) Size(ctx context.Context, path string) (int64, error) {
	info, err := os.Stat(fs.fullPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.Size(), nil
}

// GetContent retrieves the full content at path.
func (fs *Filesystem) GetContent(ctx context.Context, path string) ([]byte, error) {
	content, err := os.ReadFile(fs.fullPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return content, nil
}

// PutContent stores content at path using an atomic write.
func (fs *Filesystem) PutContent(ctx context.Context, path string, content []byte) error {
	_, err := fs.StreamWrite(ctx, path, bytes.NewReader(content))
	return err
}

// StreamRead retrieves the content at path as a stream.
func (fs *Filesystem) StreamRead(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(fs.fullPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// StreamWrite stores data at path using an atomic temp file and rename.
func (fs *Filesystem) StreamWrite(ctx context.Context, path string, r io.Reader) (int64, error) {
	dst := fs.fullPath(path)

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return n, fmt.Errorf("writing data: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return n, fmt.Errorf("syncing file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return n, fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return n, nil
}

// Delete removes the content at path.
func (fs *Filesystem) Delete(ctx context.Context, path string) error {
	err := os.Remove(fs.fullPath(path))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// List returns all paths with the given prefix.
func (fs *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	dir := fs.fullPath(prefix)

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", err)
	}

	// A file prefix lists just itself
	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var paths []string
	err = filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		// Skip temp files
		if strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(fs.root, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return paths, nil
}

// fsUploadMetadata tracks the scratch file for a chunked upload.
type fsUploadMetadata struct {
	Size int64 `json:"size"`
}

// InitiateChunkedUpload starts a new chunked upload.
func (fs *Filesystem) InitiateChunkedUpload(ctx context.Context) (string, []byte, error) {
	uploadID := uuid.New().String()

	dir := filepath.Dir(fs.scratchPath(uploadID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", nil, fmt.Errorf("creating upload directory: %w", err)
	}

	meta, err := json.Marshal(fsUploadMetadata{})
	if err != nil {
		return "", nil, fmt.Errorf("encoding upload metadata: %w", err)
	}
	return uploadID, meta, nil
}

// StreamUploadChunk writes a chunk at the given offset into the upload's
// scratch file. Rewriting earlier bytes is allowed, writing past the end
// of the file is not.
func (fs *Filesystem) StreamUploadChunk(ctx context.Context, uploadID string, offset, length int64, r io.Reader, meta []byte) (int64, []byte, error) {
	var um fsUploadMetadata
	if err := json.Unmarshal(meta, &um); err != nil {
		return 0, nil, fmt.Errorf("decoding upload metadata: %w", err)
	}
	if offset > um.Size {
		return 0, nil, fmt.Errorf("%w: offset %d beyond upload size %d", ErrInvalidOffset, offset, um.Size)
	}

	scratch := fs.scratchPath(uploadID)
	if _, err := os.Stat(filepath.Dir(scratch)); os.IsNotExist(err) {
		return 0, nil, ErrUploadNotFound
	}

	f, err := os.OpenFile(scratch, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, nil, fmt.Errorf("opening scratch file: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, nil, fmt.Errorf("seeking to offset %d: %w", offset, err)
	}

	src := r
	if length >= 0 {
		src = io.LimitReader(r, length)
	}

	n, err := io.Copy(f, src)
	if err != nil {
		return n, nil, fmt.Errorf("writing chunk: %w", err)
	}

	if offset+n > um.Size {
		um.Size = offset + n
	}

	// A replayed chunk resumes from metadata captured before a failed
	// attempt, which may have landed bytes past the tracked size. Those
	// bytes were never hashed, so they must not survive into the blob.
	if info, serr := f.Stat(); serr == nil && info.Size() > um.Size {
		if terr := f.Truncate(um.Size); terr != nil {
			return n, nil, fmt.Errorf("truncating scratch file: %w", terr)
		}
	}

	if err := f.Sync(); err != nil {
		return n, nil, fmt.Errorf("syncing scratch file: %w", err)
	}
	newMeta, err := json.Marshal(um)
	if err != nil {
		return n, nil, fmt.Errorf("encoding upload metadata: %w", err)
	}
	return n, newMeta, nil
}

// CompleteChunkedUpload moves the scratch file to its final path. The
// file is cut to the size the metadata tracks, so bytes left behind by
// a failed chunk never reach the finalized blob.
func (fs *Filesystem) CompleteChunkedUpload(ctx context.Context, uploadID string, finalPath string, meta []byte) error {
	var um fsUploadMetadata
	if err := json.Unmarshal(meta, &um); err != nil {
		return fmt.Errorf("decoding upload metadata: %w", err)
	}

	scratch := fs.scratchPath(uploadID)
	info, err := os.Stat(scratch)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrUploadNotFound
		}
		return fmt.Errorf("stat scratch file: %w", err)
	}
	if info.Size() > um.Size {
		if err := os.Truncate(scratch, um.Size); err != nil {
			return fmt.Errorf("truncating scratch file: %w", err)
		}
	}

	dst := fs.fullPath(finalPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	if err := os.Rename(scratch, dst); err != nil {
		return fmt.Errorf("renaming scratch file: %w", err)
	}

	_ = os.RemoveAll(filepath.Dir(scratch))
	return nil
}

// CancelChunkedUpload discards the upload's scratch state.
func (fs *Filesystem) CancelChunkedUpload(ctx context.Context, uploadID string, meta []byte) error {
	if err := os.RemoveAll(filepath.Dir(fs.scratchPath(uploadID))); err != nil {
		return fmt.Errorf("removing upload directory: %w", err)
	}
	return nil
}

// RedirectURL returns "" since the filesystem cannot serve redirects.
func (fs *Filesystem) RedirectURL(ctx context.Context, path string, expiresIn time.Duration) (string, error) {
	return "", nil
}

// fullPath converts a storage path to a filesystem path.
func (fs *Filesystem) fullPath(path string) string {
	return filepath.Join(fs.root, filepath.FromSlash(path))
}

// scratchPath returns the scratch file for a chunked upload.
func (fs *Filesystem) scratchPath(uploadID string) string {
	return filepath.Join(fs.root, "uploads", uploadID, "data")
}

// Compile-time interface check
var _ Driver = (*Filesystem)(nil)
