package manifest

import (
	"encoding/json"
	"fmt"

	registry "github.com/wolfeidau/image-registry"
)

type schema2Manifest struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType"`
	Config        Descriptor   `json:"config"`
	Layers        []Descriptor `json:"layers"`
}

type schema2List struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType"`
	Manifests     []Descriptor `json:"manifests"`
}

func parseSchema2(raw []byte) (*Parsed, error) {
	var m schema2Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	if m.SchemaVersion != 2 {
		return nil, fmt.Errorf("%w: schemaVersion %d", ErrManifestInvalid, m.SchemaVersion)
	}
	if m.MediaType != "" && m.MediaType != MediaTypeSchema2 {
		return nil, fmt.Errorf("%w: embedded mediaType %q", ErrManifestInvalid, m.MediaType)
	}
	if m.Config.MediaType != MediaTypeDockerConfig {
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
		MediaType: MediaTypeSchema2,
		Config:    &config,
		Layers:    m.Layers,
		Raw:       raw,
	}, nil
}

func parseSchema2List(raw []byte) (*Parsed, error) {
	var l schema2List
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	if l.SchemaVersion != 2 {
		return nil, fmt.Errorf("%w: schemaVersion %d", ErrManifestInvalid, l.SchemaVersion)
	}
	if len(l.Manifests) == 0 {
		return nil, fmt.Errorf("%w: empty manifest list", ErrManifestInvalid)
	}
	for _, c := range l.Manifests {
		if err := validateDescriptorDigest(c.Digest); err != nil {
			return nil, err
		}
		switch c.MediaType {
		case MediaTypeSchema2, MediaTypeSchema1Signed, MediaTypeSchema1, MediaTypeOCIManifest:
		default:
			return nil, fmt.Errorf("%w: child mediaType %q", ErrManifestInvalid, c.MediaType)
		}
	}

	return &Parsed{
		Digest:    registry.ComputeSHA256(raw),
		MediaType: MediaTypeSchema2List,
		Children:  l.Manifests,
		Raw:       raw,
	}, nil
}
