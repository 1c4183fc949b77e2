package derived

import (
	"context"
	"io"

	"github.com/wolfeidau/image-registry/registrydb"
)

// StreamGetter opens a layer blob for reading. It is late bound so a
// formatter resolves each layer only when it is about to consume it,
// which keeps storage credentials fresh across long builds.
type StreamGetter func(ctx context.Context, digest string) (io.ReadCloser, error)

// BuildInput is everything a formatter needs to produce its stream. The
// layer list is resolved fully before the build starts.
type BuildInput struct {
	Repository string
	Tag        string

	// Manifest is the source manifest row.
	Manifest *registrydb.Manifest

	// Config is the raw image config blob, nil when the manifest has
	// none.
	Config []byte

	// Layers are the source layers in base-first order.
	Layers []registrydb.Descriptor
}

// Formatter produces one derived-artifact stream. Implementations
// consume layers leaf to root and must tolerate w blocking, since writes
// are paced by the slowest live consumer.
type Formatter interface {
	// Verb names the endpoint serving this format, e.g. "squash".
	Verb() string

	// MediaType is the Content-Type of the produced stream.
	MediaType() string

	// Format writes the derived stream to w.
	Format(ctx context.Context, w io.Writer, in BuildInput, getLayer StreamGetter) error
}
