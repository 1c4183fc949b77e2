package manifest

import (
	"encoding/json"
	"fmt"

	registry "github.com/wolfeidau/image-registry"
)

type ociManifest struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType"`
	Config        Descriptor   `json:"config"`
	Layers        []Descriptor `json:"layers"`
}

type ociIndex struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType"`
	Manifests     []Descriptor `json:"manifests"`
}

func parseOCIManifest(raw []byte, opts Options) (*Parsed, error) {
	var m ociManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	if m.SchemaVersion != 2 {
		return nil, fmt.Errorf("%w: schemaVersion %d", ErrManifestInvalid, m.SchemaVersion)
	}

	switch m.Config.MediaType {
	case MediaTypeOCIConfig:
	case MediaTypeHelmConfig:
		if !opts.HelmOCI {
			return nil, fmt.Errorf("%w: helm charts are not enabled", ErrUnsupportedType)
		}
	default:
		// OCI permits arbitrary artifact config types; anything beyond
		// the enabled set is rejected
		return nil, fmt.Errorf("%w: config mediaType %q", ErrManifestInvalid, m.Config.MediaType)
	}

	if err := validateDescriptorDigest(m.Config.Digest); err != nil {
		return nil, err
	}
	for _, l := range m.Layers {
		if err := validateDescriptorDigest(l.Digest); err != nil {
			return nil, err
		}
	}

	config := m.Config
	return &Parsed{
		Digest:    registry.ComputeSHA256(raw),
		MediaType: MediaTypeOCIManifest,
		Config:    &config,
		Layers:    m.Layers,
		Raw:       raw,
	}, nil
}

func parseOCIIndex(raw []byte) (*Parsed, error) {
	var idx ociIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	if idx.SchemaVersion != 2 {
		return nil, fmt.Errorf("%w: schemaVersion %d", ErrManifestInvalid, idx.SchemaVersion)
	}
	for _, c := range idx.Manifests {
		if err := validateDescriptorDigest(c.Digest); err != nil {
			return nil, err
		}
		switch c.MediaType {
		case MediaTypeOCIManifest, MediaTypeOCIIndex, MediaTypeSchema2:
		default:
			return nil, fmt.Errorf("%w: child mediaType %q", ErrManifestInvalid, c.MediaType)
		}
	}

	return &Parsed{
		Digest:    registry.ComputeSHA256(raw),
		MediaType: MediaTypeOCIIndex,
		Children:  idx.Manifests,
		Raw:       raw,
	}, nil
}
