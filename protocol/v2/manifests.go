package v2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	registry "github.com/wolfeidau/image-registry"
	"github.com/wolfeidau/image-registry/auth"
	"github.com/wolfeidau/image-registry/events"
	"github.com/wolfeidau/image-registry/manifest"
	"github.com/wolfeidau/image-registry/quota"
	"github.com/wolfeidau/image-registry/registrydb"
	"github.com/wolfeidau/image-registry/storage"
	"github.com/wolfeidau/image-registry/telemetry"
)

func (h *Handler) handleManifest(w http.ResponseWriter, r *http.Request, name, reference string) {
	telemetry.SetEndpoint(r, "v2.manifest")
	telemetry.SetRepository(r, name)

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		claims, ok := h.authorize(w, r, name, auth.ActionPull)
		if !ok {
			return
		}
		h.serveManifest(w, r, name, reference, claims)

	case http.MethodPut:
		claims, ok := h.authorize(w, r, name, auth.ActionPush)
		if !ok {
			return
		}
		h.putManifest(w, r, name, reference, claims)

	case http.MethodDelete:
		claims, ok := h.authorize(w, r, name, auth.ActionPush)
		if !ok {
			return
		}
		h.deleteManifest(w, r, name, reference, claims)

	default:
		writeErrorStatus(w, http.StatusMethodNotAllowed, CodeUnsupported, "method not allowed", r.Method)
	}
}

func (h *Handler) serveManifest(w http.ResponseWriter, r *http.Request, name, reference string, claims *auth.Claims) {
	ctx := r.Context()

	if _, ok := h.loadRepoForRead(ctx, w, name); !ok {
		return
	}

	m, tag, ok := h.resolveManifest(ctx, w, name, reference)
	if !ok {
		return
	}

	accept := parseAccept(r.Header)

	if m.MediaType == manifest.MediaTypeSchema2List || m.MediaType == manifest.MediaTypeOCIIndex {
		if !accept.allows(m.MediaType) {
			// legacy client, substitute the linux/amd64 child
			child, cok := h.listFallback(ctx, w, name, m)
			if !cok {
				return
			}
			m = child
		}
	}

	raw := m.Raw
	mediaType := m.MediaType
	digest := m.Digest

	if !accept.allows(mediaType) && acceptsSchema1(accept) && tag != "" {
		signed, err := h.downgradeToSchema1(ctx, name, tag, m)
		if err != nil {
			h.logger.Warn("schema1 downgrade failed", "repository", name, "digest", m.Digest, "error", err)
			telemetry.RecordManifestOp(ctx, "get", "error")
			writeError(w, CodeManifestInvalid, "manifest cannot be rendered in a requested media type", nil)
			return
		}
		raw = signed
		mediaType = manifest.MediaTypeSchema1Signed
		digest = registry.ComputeSHA256(signed).String()
	}

	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
	w.Header().Set(headerContentDigest, digest)

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)

	telemetry.RecordManifestOp(ctx, "get", "success")
	h.emit(ctx, events.KindRepoPull, name, claims, map[string]any{
		"manifest_digest": m.Digest,
		"tag":             tag,
	})
}

// resolveManifest resolves a tag or digest reference to a manifest row.
// The returned tag is empty for digest references.
func (h *Handler) resolveManifest(ctx context.Context, w http.ResponseWriter, name, reference string) (*registrydb.Manifest, string, bool) {
	var digest, tag string

	if registry.IsDigestReference(reference) {
		dg, err := registry.ParseDigest(reference)
		if err != nil {
			writeError(w, CodeDigestInvalid, "invalid manifest digest", reference)
			return nil, "", false
		}
		digest = dg.String()
	} else {
		if err := registry.ValidateTagName(reference); err != nil {
			writeError(w, CodeTagInvalid, "invalid tag name", reference)
			return nil, "", false
		}
		tag = reference
		row, err := h.db.GetLiveTag(ctx, name, tag)
		if err != nil {
			if errors.Is(err, registrydb.ErrNotFound) {
				writeError(w, CodeManifestUnknown, "manifest unknown to registry", reference)
				return nil, "", false
			}
			h.logger.Error("resolving tag", "repository", name, "tag", tag, "error", err)
			writeError(w, CodeUnknown, "internal error", nil)
			return nil, "", false
		}
		digest = row.ManifestDigest
	}

	m, err := h.db.GetRepoManifest(ctx, name, digest)
	if err != nil {
		if errors.Is(err, registrydb.ErrNotFound) {
			writeError(w, CodeManifestUnknown, "manifest unknown to registry", reference)
			return nil, "", false
		}
		h.logger.Error("loading manifest", "repository", name, "digest", digest, "error", err)
		writeError(w, CodeUnknown, "internal error", nil)
		return nil, "", false
	}
	return m, tag, true
}

// listFallback picks the linux/amd64 child of a manifest list for clients
// that predate multi-arch support.
func (h *Handler) listFallback(ctx context.Context, w http.ResponseWriter, name string, m *registrydb.Manifest) (*registrydb.Manifest, bool) {
	p, err := manifest.Parse(m.MediaType, m.Raw, manifest.Options{HelmOCI: h.config.HelmOCI})
	if err != nil {
		h.logger.Error("reparsing manifest list", "digest", m.Digest, "error", err)
		writeError(w, CodeUnknown, "internal error", nil)
		return nil, false
	}

	childDigest := ""
	for _, c := range p.Children {
		if c.Platform != nil && c.Platform.OS == "linux" && c.Platform.Architecture == "amd64" {
			childDigest = c.Digest
			break
		}
	}
	if childDigest == "" && len(p.Children) > 0 {
		childDigest = p.Children[0].Digest
	}
	if childDigest == "" {
		writeError(w, CodeManifestUnknown, "manifest list has no children", m.Digest)
		return nil, false
	}

	child, err := h.db.GetRepoManifest(ctx, name, childDigest)
	if err != nil {
		writeError(w, CodeManifestUnknown, "manifest unknown to registry", childDigest)
		return nil, false
	}
	return child, true
}

// downgradeToSchema1 converts a schema2 or OCI manifest to signed schema1
// for legacy clients, signing with the registry's instance key.
func (h *Handler) downgradeToSchema1(ctx context.Context, name, tag string, m *registrydb.Manifest) ([]byte, error) {
	if m.MediaType == manifest.MediaTypeSchema1Signed || m.MediaType == manifest.MediaTypeSchema1 {
		return m.Raw, nil
	}

	p, err := manifest.Parse(m.MediaType, m.Raw, manifest.Options{HelmOCI: h.config.HelmOCI})
	if err != nil {
		return nil, fmt.Errorf("reparsing manifest: %w", err)
	}

	var configRaw []byte
	if p.Config != nil {
		configRaw, err = h.readBlobContent(ctx, p.Config.Digest)
		if err != nil {
			return nil, fmt.Errorf("reading config blob: %w", err)
		}
	}

	unsigned, err := manifest.ConvertToSchema1(p, name, tag, configRaw)
	if err != nil {
		return nil, err
	}

	key := h.keys.Active()
	return manifest.Sign(unsigned, key.Key, key.ID)
}

func (h *Handler) putManifest(w http.ResponseWriter, r *http.Request, name, reference string, claims *auth.Claims) {
	ctx := r.Context()

	repo, ok := h.ensureRepoForWrite(ctx, w, name)
	if !ok {
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, h.config.MaxManifestBytes+1))
	if err != nil {
		writeError(w, CodeManifestInvalid, "failed to read manifest body", nil)
		return
	}
	if int64(len(raw)) > h.config.MaxManifestBytes {
		writeError(w, CodeManifestInvalid, "manifest exceeds size limit", h.config.MaxManifestBytes)
		return
	}

	mediaType := r.Header.Get("Content-Type")
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}

	p, err := manifest.Parse(mediaType, raw, manifest.Options{HelmOCI: h.config.HelmOCI})
	if err != nil {
		telemetry.RecordManifestOp(ctx, "put", "error")
		switch {
		case errors.Is(err, manifest.ErrUnsupportedType):
			writeError(w, CodeUnsupported, "manifest media type not supported", mediaType)
		default:
			writeError(w, CodeManifestInvalid, "manifest invalid", err.Error())
		}
		return
	}

	var tag string
	if registry.IsDigestReference(reference) {
		if reference != p.Digest.String() {
			writeError(w, CodeDigestInvalid, "provided digest does not match manifest", reference)
			return
		}
	} else {
		if err := registry.ValidateTagName(reference); err != nil {
			writeError(w, CodeTagInvalid, "invalid tag name", reference)
			return
		}
		tag = reference
	}

	if !h.verifyManifestReferences(ctx, w, name, p) {
		return
	}

	var layerBytes int64
	for _, l := range p.Layers {
		layerBytes += l.Size
	}
	decision, err := h.quota.Observe(ctx, quota.Observation{
		Namespace:  repo.Namespace,
		Repository: name,
		SizeBytes:  layerBytes,
	})
	if err != nil {
		h.logger.Error("observing quota", "namespace", repo.Namespace, "error", err)
	}
	switch decision {
	case quota.DecisionHardExceeded:
		telemetry.RecordManifestOp(ctx, "put", "quota_denied")
		writeErrorStatus(w, http.StatusRequestEntityTooLarge, CodeDenied, "namespace storage quota exceeded", repo.Namespace)
		return
	case quota.DecisionSoftExceeded:
		h.logger.Warn("namespace over soft quota", "namespace", repo.Namespace, "repository", name)
	}

	configRaw := h.manifestConfig(ctx, p)
	labels := manifest.ConfigLabels(configRaw)

	row := &registrydb.Manifest{
		Digest:       p.Digest.String(),
		MediaType:    p.MediaType,
		ChildDigests: p.ChildDigests(),
		Raw:          raw,
	}
	if p.Config != nil {
		row.ConfigDigest = p.Config.Digest
	}
	for _, l := range p.Layers {
		row.Layers = append(row.Layers, registrydb.Descriptor{
			Digest:    l.Digest,
			Size:      l.Size,
			MediaType: l.MediaType,
		})
	}
	if len(labels) > 0 {
		if data, merr := json.Marshal(labels); merr == nil {
			row.Labels = data
		}
	}

	if err := h.db.PutManifest(ctx, name, row, p.BlobDigests()); err != nil {
		h.logger.Error("storing manifest", "repository", name, "digest", row.Digest, "error", err)
		telemetry.RecordManifestOp(ctx, "put", "error")
		writeError(w, CodeUnknown, "internal error", nil)
		return
	}

	if tag != "" {
		var expirationMs int64
		if after, tok := manifest.ParseExpiresAfter(labels[manifest.ExpiresAfterLabel]); tok {
			expirationMs = after.Milliseconds()
		}
		if _, err := h.db.SetTag(ctx, name, tag, row.Digest, expirationMs); err != nil {
			telemetry.RecordManifestOp(ctx, "put", "error")
			if errors.Is(err, registrydb.ErrTagImmutable) {
				writeError(w, CodeDenied, "tag is immutable", tag)
				return
			}
			h.logger.Error("setting tag", "repository", name, "tag", tag, "error", err)
			writeError(w, CodeUnknown, "internal error", nil)
			return
		}
	}

	telemetry.RecordManifestOp(ctx, "put", "success")
	h.emit(ctx, events.KindRepoPush, name, claims, map[string]any{
		"manifest_digest": row.Digest,
		"tag":             tag,
	})

	w.Header().Set("Location", manifestLocation(name, row.Digest))
	w.Header().Set(headerContentDigest, row.Digest)
	w.WriteHeader(http.StatusCreated)
}

// verifyManifestReferences ensures every referenced blob and child
// manifest already exists within the repository. Foreign layers are
// exempt, their content lives outside the registry.
func (h *Handler) verifyManifestReferences(ctx context.Context, w http.ResponseWriter, name string, p *manifest.Parsed) bool {
	check := func(d manifest.Descriptor) bool {
		if d.MediaType == manifest.MediaTypeForeignLayer {
			return true
		}
		if _, err := h.db.GetRepoBlob(ctx, name, d.Digest); err != nil {
			writeError(w, CodeManifestBlobUnknown, "manifest references unknown blob", d.Digest)
			return false
		}
		return true
	}

	for _, l := range p.Layers {
		if !check(l) {
			return false
		}
	}
	if p.Config != nil && !check(*p.Config) {
		return false
	}
	for _, child := range p.ChildDigests() {
		if _, err := h.db.GetRepoManifest(ctx, name, child); err != nil {
			writeError(w, CodeManifestBlobUnknown, "manifest list references unknown manifest", child)
			return false
		}
	}
	return true
}

// manifestConfig fetches the config blob for label extraction. Label
// handling is best effort, a missing or unreadable config only disables
// label-driven behavior.
func (h *Handler) manifestConfig(ctx context.Context, p *manifest.Parsed) []byte {
	if p.Config == nil {
		return nil
	}
	raw, err := h.readBlobContent(ctx, p.Config.Digest)
	if err != nil {
		h.logger.Warn("reading config blob", "digest", p.Config.Digest, "error", err)
		return nil
	}
	return raw
}

func (h *Handler) readBlobContent(ctx context.Context, digest string) ([]byte, error) {
	dg, err := registry.ParseDigest(digest)
	if err != nil {
		return nil, err
	}
	blob, err := h.db.GetBlob(ctx, digest)
	if err != nil {
		return nil, err
	}
	return h.blobs.GetContent(ctx, blob.Placements, storage.BlobPath(dg))
}

func (h *Handler) deleteManifest(w http.ResponseWriter, r *http.Request, name, reference string, claims *auth.Claims) {
	ctx := r.Context()

	if _, ok := h.ensureRepoForWrite(ctx, w, name); !ok {
		return
	}

	if !registry.IsDigestReference(reference) {
		if err := registry.ValidateTagName(reference); err != nil {
			writeError(w, CodeTagInvalid, "invalid tag name", reference)
			return
		}
		if err := h.db.DeleteTag(ctx, name, reference); err != nil {
			if errors.Is(err, registrydb.ErrNotFound) {
				writeError(w, CodeManifestUnknown, "manifest unknown to registry", reference)
				return
			}
			h.logger.Error("deleting tag", "repository", name, "tag", reference, "error", err)
			writeError(w, CodeUnknown, "internal error", nil)
			return
		}
		telemetry.RecordManifestOp(ctx, "delete", "success")
		h.emit(ctx, events.KindTagDelete, name, claims, map[string]any{"tag": reference})
		w.WriteHeader(http.StatusAccepted)
		return
	}

	dg, err := registry.ParseDigest(reference)
	if err != nil {
		writeError(w, CodeDigestInvalid, "invalid manifest digest", reference)
		return
	}

	if err := h.db.DeleteManifest(ctx, name, dg.String()); err != nil {
		if errors.Is(err, registrydb.ErrNotFound) {
			writeError(w, CodeManifestUnknown, "manifest unknown to registry", reference)
			return
		}
		h.logger.Error("deleting manifest", "repository", name, "digest", dg.String(), "error", err)
		writeError(w, CodeUnknown, "internal error", nil)
		return
	}

	telemetry.RecordManifestOp(ctx, "delete", "success")
	h.emit(ctx, events.KindManifestDelete, name, claims, map[string]any{"manifest_digest": dg.String()})
	w.WriteHeader(http.StatusAccepted)
}

func manifestLocation(name, digest string) string {
	return fmt.Sprintf("/v2/%s/manifests/%s", name, digest)
}

// acceptSet is the parsed Accept header of a manifest request.
type acceptSet struct {
	types    map[string]struct{}
	wildcard bool
	empty    bool
}

func parseAccept(header http.Header) acceptSet {
	set := acceptSet{types: make(map[string]struct{})}

	values := header.Values("Accept")
	if len(values) == 0 {
		set.empty = true
		return set
	}
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			mt := strings.TrimSpace(part)
			if i := strings.IndexByte(mt, ';'); i >= 0 {
				mt = strings.TrimSpace(mt[:i])
			}
			if mt == "" {
				continue
			}
			if mt == "*/*" {
				set.wildcard = true
				continue
			}
			set.types[mt] = struct{}{}
		}
	}
	if len(set.types) == 0 && !set.wildcard {
		set.empty = true
	}
	return set
}

// allows reports whether the client accepts the media type. An absent
// Accept header accepts everything.
func (a acceptSet) allows(mediaType string) bool {
	if a.empty || a.wildcard {
		return true
	}
	_, ok := a.types[mediaType]
	return ok
}

func acceptsSchema1(a acceptSet) bool {
	if a.empty || a.wildcard {
		return false
	}
	_, signed := a.types[manifest.MediaTypeSchema1Signed]
	_, plain := a.types[manifest.MediaTypeSchema1]
	return signed || plain
}
