package derived

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const (
	whiteoutPrefix = ".wh."
	opaqueMarker   = ".wh..wh..opq"
)

// SquashFormatter flattens an image's layers into a single gzipped
// tarball. Layers are consumed leaf to root: the first occurrence of a
// path wins, whiteout entries hide the corresponding paths in lower
// layers.
type SquashFormatter struct{}

func (SquashFormatter) Verb() string { return "squash" }

func (SquashFormatter) MediaType() string { return "application/octet-stream" }

func (SquashFormatter) Format(ctx context.Context, w io.Writer, in BuildInput, getLayer StreamGetter) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	st := &squashState{
		seen:    make(map[string]struct{}),
		deleted: make(map[string]struct{}),
	}

	for i := len(in.Layers) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := squashLayer(ctx, tw, st, in.Layers[i].Digest, getLayer); err != nil {
			return fmt.Errorf("squashing layer %s: %w", in.Layers[i].Digest, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("closing gzip stream: %w", err)
	}
	return nil
}

// squashState tracks which paths upper layers have already emitted or
// hidden from the layers below them.
type squashState struct {
	seen    map[string]struct{}
	deleted map[string]struct{}
	opaque  []string
}

// hidden reports whether a lower-layer path is masked by an upper layer.
func (st *squashState) hidden(name string) bool {
	if _, ok := st.deleted[name]; ok {
		return true
	}
	for d := range st.deleted {
		if strings.HasPrefix(name, d+"/") {
			return true
		}
	}
	for _, dir := range st.opaque {
		if dir == "." || strings.HasPrefix(name, dir+"/") {
			return true
		}
	}
	return false
}

func squashLayer(ctx context.Context, tw *tar.Writer, st *squashState, digest string, getLayer StreamGetter) error {
	rc, err := getLayer(ctx, digest)
	if err != nil {
		return err
	}
	defer rc.Close()

	gzr, err := gzip.NewReader(rc)
	if err != nil {
		return fmt.Errorf("opening layer gzip stream: %w", err)
	}
	defer gzr.Close()

	// whiteouts found in this layer apply to the layers below it, not to
	// this layer's own entries, so they are merged in afterwards
	var newDeleted []string
	var newOpaque []string

	tr := tar.NewReader(gzr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading layer tar: %w", err)
		}

		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		if name == "." || name == "" {
			continue
		}
		base := path.Base(name)
		dir := path.Dir(name)

		if base == opaqueMarker {
			newOpaque = append(newOpaque, dir)
			continue
		}
		if strings.HasPrefix(base, whiteoutPrefix) {
			newDeleted = append(newDeleted, path.Join(dir, strings.TrimPrefix(base, whiteoutPrefix)))
			continue
		}

		if st.hidden(name) {
			continue
		}
		if _, ok := st.seen[name]; ok {
			continue
		}
		st.seen[name] = struct{}{}

		out := *hdr
		out.Name = name
		if hdr.Typeflag == tar.TypeDir {
			out.Name += "/"
		}
		if err := tw.WriteHeader(&out); err != nil {
			return fmt.Errorf("writing tar header for %s: %w", name, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.Copy(tw, tr); err != nil {
				return fmt.Errorf("writing tar content for %s: %w", name, err)
			}
		}
	}

	for _, d := range newDeleted {
		st.deleted[d] = struct{}{}
	}
	st.opaque = append(st.opaque, newOpaque...)
	return nil
}

var _ Formatter = SquashFormatter{}
