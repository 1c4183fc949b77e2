// Package manifest parses, validates, and converts image manifests:
// Docker schema1 (signed and unsigned), Docker schema2 manifests and lists,
// and OCI manifests and indexes.
package manifest

import (
	"errors"
	"fmt"

	registry "github.com/wolfeidau/image-registry"
)

// Supported manifest media types.
const (
	MediaTypeSchema1       = "application/vnd.docker.distribution.manifest.v1+json"
	MediaTypeSchema1Signed = "application/vnd.docker.distribution.manifest.v1+prettyjws"
	MediaTypeSchema2       = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeSchema2List   = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeOCIManifest   = "application/vnd.oci.image.manifest.v1+json"
	MediaTypeOCIIndex      = "application/vnd.oci.image.index.v1+json"

	MediaTypeDockerConfig = "application/vnd.docker.container.image.v1+json"
	MediaTypeOCIConfig    = "application/vnd.oci.image.config.v1+json"
	MediaTypeHelmConfig   = "application/vnd.cncf.helm.config.v1+json"

	MediaTypeForeignLayer = "application/vnd.docker.image.rootfs.foreign.diff.tar.gzip"
)

// Parsing and validation errors.
var (
	ErrManifestInvalid     = errors.New("manifest invalid")
	ErrUnsupportedType     = errors.New("unsupported manifest media type")
	ErrInvalidJWSSignature = errors.New("invalid manifest signature")
)

// Descriptor references a blob or child manifest.
type Descriptor struct {
	MediaType string `json:"mediaType"`
	Size      int64  `json:"size"`
	Digest    string `json:"digest"`
	// Platform is populated for manifest-list children.
	Platform *Platform `json:"platform,omitempty"`
}

// Platform identifies the target of a manifest-list child.
type Platform struct {
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
	Variant      string `json:"variant,omitempty"`
}

// Parsed is the normalized result of parsing any supported manifest type.
// Layers are ordered base-first. Children is non-empty only for lists and
// indexes.
type Parsed struct {
	Digest    registry.Digest
	MediaType string
	Config    *Descriptor
	Layers    []Descriptor
	Children  []Descriptor
	Raw       []byte

	// Tag is the embedded tag name, schema1 only.
	Tag string
}

// Options control which media types the parser accepts.
type Options struct {
	// HelmOCI accepts OCI manifests with a Helm chart config.
	HelmOCI bool
}

// IsList reports whether the manifest is a list or index.
func (p *Parsed) IsList() bool {
	return len(p.Children) > 0 || p.MediaType == MediaTypeSchema2List || p.MediaType == MediaTypeOCIIndex
}

// BlobDigests returns every blob digest the manifest references: all
// layers plus the config, deduplicated.
func (p *Parsed) BlobDigests() []string {
	seen := make(map[string]struct{}, len(p.Layers)+1)
	var digests []string
	add := func(d string) {
		if d == "" {
			return
		}
		if _, ok := seen[d]; ok {
			return
		}
		seen[d] = struct{}{}
		digests = append(digests, d)
	}

	for _, l := range p.Layers {
		add(l.Digest)
	}
	if p.Config != nil {
		add(p.Config.Digest)
	}
	return digests
}

// ChildDigests returns the digests of a list's children.
func (p *Parsed) ChildDigests() []string {
	digests := make([]string, 0, len(p.Children))
	for _, c := range p.Children {
		digests = append(digests, c.Digest)
	}
	return digests
}

// Parse dispatches on the media type and returns the normalized manifest.
// The digest is always the sha256 of the raw bytes.
func Parse(mediaType string, raw []byte, opts Options) (*Parsed, error) {
	switch mediaType {
	case MediaTypeSchema1, MediaTypeSchema1Signed:
		return parseSchema1(mediaType, raw)
	case MediaTypeSchema2:
		return parseSchema2(raw)
	case MediaTypeSchema2List:
		return parseSchema2List(raw)
	case MediaTypeOCIManifest:
		return parseOCIManifest(raw, opts)
	case MediaTypeOCIIndex:
		return parseOCIIndex(raw)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, mediaType)
	}
}

// validateDescriptorDigest ensures a referenced digest is well-formed.
func validateDescriptorDigest(d string) error {
	if _, err := registry.ParseDigest(d); err != nil {
		return fmt.Errorf("%w: bad digest %q", ErrManifestInvalid, d)
	}
	return nil
}
