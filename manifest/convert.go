package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

type v1Compatibility struct {
	ID              string `json:"id"`
	Parent          string `json:"parent,omitempty"`
	Created         string `json:"created,omitempty"`
	Comment         string `json:"comment,omitempty"`
	Author          string `json:"author,omitempty"`
	ContainerConfig struct {
		Cmd []string `json:"Cmd,omitempty"`
	} `json:"container_config"`
	Architecture string `json:"architecture,omitempty"`
	OS           string `json:"os,omitempty"`
	Throwaway    bool   `json:"throwaway,omitempty"`
}

// ConvertToSchema1 downgrades a schema2 or OCI image manifest to an
// unsigned schema1 document for legacy clients. The caller supplies the
// config blob so created timestamps and build commands carry over. The
// result must still be signed before serving as prettyjws.
func ConvertToSchema1(p *Parsed, name, tag string, configRaw []byte) ([]byte, error) {
	if p.IsList() {
		return nil, fmt.Errorf("%w: cannot convert a manifest list to schema1", ErrUnsupportedType)
	}
	if len(p.Layers) == 0 {
		return nil, fmt.Errorf("%w: no layers", ErrManifestInvalid)
	}

	var cfg imageConfig
	if err := json.Unmarshal(configRaw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: config blob: %v", ErrManifestInvalid, err)
	}

	// History entries that created real layers, base-first, aligned
	// with p.Layers. A config with missing or mismatched history still
	// converts; the entries are just sparse.
	layerHistory := make([]configHistory, len(p.Layers))
	idx := 0
	for _, h := range cfg.History {
		if h.EmptyLayer {
			continue
		}
		if idx >= len(layerHistory) {
			break
		}
		layerHistory[idx] = h
		idx++
	}

	// v1 IDs chain from the base so identical ancestry produces
	// identical IDs.
	parent := ""
	compat := make([]string, len(p.Layers))
	for i, layer := range p.Layers {
		h := layerHistory[i]
		v1 := v1Compatibility{
			ID:        v1ImageID(parent, layer.Digest, h.CreatedBy),
			Parent:    parent,
			Created:   h.Created,
			Comment:   h.Comment,
			Author:    h.Author,
			Throwaway: h.EmptyLayer,
		}
		if h.CreatedBy != "" {
			v1.ContainerConfig.Cmd = []string{h.CreatedBy}
		}
		if i == len(p.Layers)-1 {
			v1.Architecture = cfg.Architecture
			v1.OS = cfg.OS
			if v1.Created == "" {
				v1.Created = cfg.Created
			}
		}

		encoded, err := json.Marshal(v1)
		if err != nil {
			return nil, fmt.Errorf("marshaling v1 compatibility: %w", err)
		}
		compat[i] = string(encoded)
		parent = v1.ID
	}

	// schema1 orders layers leaf-first
	m := schema1Manifest{
		SchemaVersion: 1,
		Name:          name,
		Tag:           tag,
		Architecture:  cfg.Architecture,
		FSLayers:      make([]schema1FSLayer, len(p.Layers)),
		History:       make([]schema1History, len(p.Layers)),
	}
	for i := range p.Layers {
		j := len(p.Layers) - 1 - i
		m.FSLayers[i] = schema1FSLayer{BlobSum: p.Layers[j].Digest}
		m.History[i] = schema1History{V1Compatibility: compat[j]}
	}

	return json.MarshalIndent(m, "", "   ")
}

func v1ImageID(parent, blobSum, createdBy string) string {
	sum := sha256.Sum256([]byte(parent + " " + blobSum + " " + createdBy))
	return hex.EncodeToString(sum[:])
}
