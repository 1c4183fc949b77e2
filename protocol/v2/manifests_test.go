package v2

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	registry "github.com/wolfeidau/image-registry"
	"github.com/wolfeidau/image-registry/auth"
	"github.com/wolfeidau/image-registry/events"
	"github.com/wolfeidau/image-registry/manifest"
	"github.com/wolfeidau/image-registry/quota"
	"github.com/wolfeidau/image-registry/registrydb"
)

const layerMediaType = "application/vnd.docker.image.rootfs.diff.tar.gzip"

// testImage is a pushed config blob plus one layer blob, ready to be
// referenced from a manifest.
type testImage struct {
	manifestRaw    []byte
	manifestDigest registry.Digest
	configDigest   registry.Digest
	layerDigest    registry.Digest
}

func configBlob(labels map[string]string) []byte {
	cfg := map[string]any{
		"architecture": "amd64",
		"os":           "linux",
		"created":      "2026-01-02T03:04:05Z",
		"config":       map[string]any{"Labels": labels},
		"history": []map[string]any{
			{"created_by": "RUN echo hello"},
		},
	}
	raw, _ := json.Marshal(cfg)
	return raw
}

func schema2Body(config registry.Digest, configSize int64, layer registry.Digest, layerSize int64) []byte {
	m := map[string]any{
		"schemaVersion": 2,
		"mediaType":     manifest.MediaTypeSchema2,
		"config": map[string]any{
			"mediaType": manifest.MediaTypeDockerConfig,
			"size":      configSize,
			"digest":    config.String(),
		},
		"layers": []map[string]any{
			{"mediaType": layerMediaType, "size": layerSize, "digest": layer.String()},
		},
	}
	raw, _ := json.Marshal(m)
	return raw
}

// pushImage pushes a config and layer blob plus a schema2 manifest at
// the given tag.
func (e *testEnv) pushImage(t *testing.T, repo, token, tag string, labels map[string]string, layerContent []byte) testImage {
	t.Helper()

	config := configBlob(labels)
	configDigest := e.pushBlob(t, repo, token, config)
	layerDigest := e.pushBlob(t, repo, token, layerContent)

	raw := schema2Body(configDigest, int64(len(config)), layerDigest, int64(len(layerContent)))
	rec := e.do(t, http.MethodPut, "/v2/"+repo+"/manifests/"+tag, token, raw,
		map[string]string{"Content-Type": manifest.MediaTypeSchema2})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	dg := registry.ComputeSHA256(raw)
	require.Equal(t, dg.String(), rec.Header().Get("Docker-Content-Digest"))

	return testImage{
		manifestRaw:    raw,
		manifestDigest: dg,
		configDigest:   configDigest,
		layerDigest:    layerDigest,
	}
}

func TestManifestPushPull(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, repoAccess("acme/app", auth.ActionPush, auth.ActionPull))

	img := env.pushImage(t, "acme/app", token, "latest", nil, []byte("layer data"))

	// by tag, bytes are returned exactly as pushed
	rec := env.do(t, http.MethodGet, "/v2/acme/app/manifests/latest", token, nil,
		map[string]string{"Accept": manifest.MediaTypeSchema2})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, img.manifestRaw, rec.Body.Bytes())
	require.Equal(t, manifest.MediaTypeSchema2, rec.Header().Get("Content-Type"))
	require.Equal(t, img.manifestDigest.String(), rec.Header().Get("Docker-Content-Digest"))

	// by digest
	rec = env.do(t, http.MethodGet, "/v2/acme/app/manifests/"+img.manifestDigest.String(), token, nil,
		map[string]string{"Accept": manifest.MediaTypeSchema2})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, img.manifestRaw, rec.Body.Bytes())

	// HEAD carries the headers without a body
	rec = env.do(t, http.MethodHead, "/v2/acme/app/manifests/latest", token, nil,
		map[string]string{"Accept": manifest.MediaTypeSchema2})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, img.manifestDigest.String(), rec.Header().Get("Docker-Content-Digest"))

	// the tag shows up in the listing
	rec = env.do(t, http.MethodGet, "/v2/acme/app/tags/list", token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tags tagListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tags))
	require.Equal(t, "acme/app", tags.Name)
	require.Equal(t, []string{"latest"}, tags.Tags)
}

func TestManifestUnknownBlob(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, repoAccess("acme/app", auth.ActionPush, auth.ActionPull))

	config := configBlob(nil)
	configDigest := env.pushBlob(t, "acme/app", token, config)
	missing := registry.ComputeSHA256([]byte("never uploaded"))

	raw := schema2Body(configDigest, int64(len(config)), missing, 14)
	rec := env.do(t, http.MethodPut, "/v2/acme/app/manifests/latest", token, raw,
		map[string]string{"Content-Type": manifest.MediaTypeSchema2})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "MANIFEST_BLOB_UNKNOWN", firstErrorCode(t, rec))
}

func TestManifestInvalid(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, repoAccess("acme/app", auth.ActionPush, auth.ActionPull))

	rec := env.do(t, http.MethodPut, "/v2/acme/app/manifests/latest", token, []byte("{not json"),
		map[string]string{"Content-Type": manifest.MediaTypeSchema2})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "MANIFEST_INVALID", firstErrorCode(t, rec))

	rec = env.do(t, http.MethodPut, "/v2/acme/app/manifests/latest", token, []byte("{}"),
		map[string]string{"Content-Type": "application/vnd.bogus+json"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "UNSUPPORTED", firstErrorCode(t, rec))
}

func TestManifestDigestReferenceMismatch(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, repoAccess("acme/app", auth.ActionPush, auth.ActionPull))

	config := configBlob(nil)
	configDigest := env.pushBlob(t, "acme/app", token, config)
	layerDigest := env.pushBlob(t, "acme/app", token, []byte("layer"))

	raw := schema2Body(configDigest, int64(len(config)), layerDigest, 5)
	wrong := registry.ComputeSHA256([]byte("other")).String()

	rec := env.do(t, http.MethodPut, "/v2/acme/app/manifests/"+wrong, token, raw,
		map[string]string{"Content-Type": manifest.MediaTypeSchema2})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "DIGEST_INVALID", firstErrorCode(t, rec))
}

func TestManifestTagInvalid(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, repoAccess("acme/app", auth.ActionPush, auth.ActionPull))

	config := configBlob(nil)
	configDigest := env.pushBlob(t, "acme/app", token, config)
	layerDigest := env.pushBlob(t, "acme/app", token, []byte("layer"))
	raw := schema2Body(configDigest, int64(len(config)), layerDigest, 5)

	rec := env.do(t, http.MethodPut, "/v2/acme/app/manifests/-bad", token, raw,
		map[string]string{"Content-Type": manifest.MediaTypeSchema2})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "TAG_INVALID", firstErrorCode(t, rec))
}

func TestManifestUnknown(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, repoAccess("acme/app", auth.ActionPush, auth.ActionPull))
	env.pushImage(t, "acme/app", token, "latest", nil, []byte("layer"))

	rec := env.do(t, http.MethodGet, "/v2/acme/app/manifests/missing", token, nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "MANIFEST_UNKNOWN", firstErrorCode(t, rec))
}

func TestTagExpiresAfterLabel(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, repoAccess("acme/app", auth.ActionPush, auth.ActionPull))

	env.pushImage(t, "acme/app", token, "nightly",
		map[string]string{manifest.ExpiresAfterLabel: "1d"}, []byte("layer"))

	tag, err := env.db.GetLiveTag(context.Background(), "acme/app", "nightly")
	require.NoError(t, err)
	require.EqualValues(t, 86_400_000, tag.ExpirationMs-tag.LifetimeStartMs)
}

func TestTagImmutable(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, repoAccess("acme/app", auth.ActionPush, auth.ActionPull))

	env.pushImage(t, "acme/app", token, "v1", nil, []byte("layer one"))

	err := env.db.UpdateRepository(context.Background(), "acme/app", func(r *registrydb.Repository) error {
		r.ImmutableTagPatterns = []string{`^v\d+$`}
		return nil
	})
	require.NoError(t, err)

	// retagging v1 at different content is refused
	config := configBlob(nil)
	configDigest := env.pushBlob(t, "acme/app", token, config)
	layerDigest := env.pushBlob(t, "acme/app", token, []byte("layer two"))
	raw := schema2Body(configDigest, int64(len(config)), layerDigest, 9)

	rec := env.do(t, http.MethodPut, "/v2/acme/app/manifests/v1", token, raw,
		map[string]string{"Content-Type": manifest.MediaTypeSchema2})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "DENIED", firstErrorCode(t, rec))
}

func TestDeleteTagAndManifest(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, repoAccess("acme/app", auth.ActionPush, auth.ActionPull))

	img := env.pushImage(t, "acme/app", token, "latest", nil, []byte("layer"))

	rec := env.do(t, http.MethodDelete, "/v2/acme/app/manifests/latest", token, nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// the tag is gone, the manifest remains addressable by digest
	rec = env.do(t, http.MethodGet, "/v2/acme/app/manifests/latest", token, nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/v2/acme/app/manifests/"+img.manifestDigest.String(), token, nil,
		map[string]string{"Accept": manifest.MediaTypeSchema2})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/v2/acme/app/manifests/"+img.manifestDigest.String(), token, nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, http.MethodGet, "/v2/acme/app/manifests/"+img.manifestDigest.String(), token, nil,
		map[string]string{"Accept": manifest.MediaTypeSchema2})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "MANIFEST_UNKNOWN", firstErrorCode(t, rec))
}

func TestQuotaHardExceeded(t *testing.T) {
	env := newTestEnv(t, WithQuotaEngine(quota.NewStaticEngine(0, 10)))
	token := env.token(t, repoAccess("acme/app", auth.ActionPush, auth.ActionPull))

	config := configBlob(nil)
	configDigest := env.pushBlob(t, "acme/app", token, config)
	layer := []byte("this layer is larger than the quota")
	layerDigest := env.pushBlob(t, "acme/app", token, layer)
	raw := schema2Body(configDigest, int64(len(config)), layerDigest, int64(len(layer)))

	rec := env.do(t, http.MethodPut, "/v2/acme/app/manifests/latest", token, raw,
		map[string]string{"Content-Type": manifest.MediaTypeSchema2})
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Equal(t, "DENIED", firstErrorCode(t, rec))
}

func TestSchema1Downgrade(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, repoAccess("acme/app", auth.ActionPush, auth.ActionPull))

	env.pushImage(t, "acme/app", token, "latest", nil, []byte("layer data"))

	rec := env.do(t, http.MethodGet, "/v2/acme/app/manifests/latest", token, nil,
		map[string]string{"Accept": manifest.MediaTypeSchema1Signed})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, manifest.MediaTypeSchema1Signed, rec.Header().Get("Content-Type"))

	// the downgraded manifest is a structurally valid signed schema1
	p, err := manifest.Parse(manifest.MediaTypeSchema1Signed, rec.Body.Bytes(), manifest.Options{})
	require.NoError(t, err)
	require.Equal(t, "latest", p.Tag)
	require.Len(t, p.Layers, 1)

	// the advertised digest is the digest of the signed bytes
	require.Equal(t, registry.ComputeSHA256(rec.Body.Bytes()).String(), rec.Header().Get("Docker-Content-Digest"))
}

func TestManifestListFallback(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, repoAccess("acme/app", auth.ActionPush, auth.ActionPull))

	img := env.pushImage(t, "acme/app", token, "child", nil, []byte("layer data"))

	list := map[string]any{
		"schemaVersion": 2,
		"mediaType":     manifest.MediaTypeSchema2List,
		"manifests": []map[string]any{
			{
				"mediaType": manifest.MediaTypeSchema2,
				"size":      len(img.manifestRaw),
				"digest":    img.manifestDigest.String(),
				"platform":  map[string]any{"architecture": "amd64", "os": "linux"},
			},
		},
	}
	listRaw, err := json.Marshal(list)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPut, "/v2/acme/app/manifests/multi", token, listRaw,
		map[string]string{"Content-Type": manifest.MediaTypeSchema2List})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// clients accepting lists get the list
	rec = env.do(t, http.MethodGet, "/v2/acme/app/manifests/multi", token, nil,
		map[string]string{"Accept": manifest.MediaTypeSchema2List + ", " + manifest.MediaTypeSchema2})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, listRaw, rec.Body.Bytes())

	// legacy clients get the linux/amd64 child
	rec = env.do(t, http.MethodGet, "/v2/acme/app/manifests/multi", token, nil,
		map[string]string{"Accept": manifest.MediaTypeSchema2})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, img.manifestRaw, rec.Body.Bytes())
	require.Equal(t, img.manifestDigest.String(), rec.Header().Get("Docker-Content-Digest"))
}

func TestManifestListUnknownChild(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, repoAccess("acme/app", auth.ActionPush, auth.ActionPull))

	missing := registry.ComputeSHA256([]byte("no such child"))
	list := map[string]any{
		"schemaVersion": 2,
		"mediaType":     manifest.MediaTypeSchema2List,
		"manifests": []map[string]any{
			{
				"mediaType": manifest.MediaTypeSchema2,
				"size":      100,
				"digest":    missing.String(),
				"platform":  map[string]any{"architecture": "amd64", "os": "linux"},
			},
		},
	}
	listRaw, err := json.Marshal(list)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPut, "/v2/acme/app/manifests/multi", token, listRaw,
		map[string]string{"Content-Type": manifest.MediaTypeSchema2List})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "MANIFEST_BLOB_UNKNOWN", firstErrorCode(t, rec))
}

func TestPushEmitsEvent(t *testing.T) {
	env := newTestEnv(t)
	env.handler.emitter = events.NewEmitter(env.db)
	token := env.token(t, repoAccess("acme/app", auth.ActionPush, auth.ActionPull))

	env.pushImage(t, "acme/app", token, "latest", nil, []byte("layer"))

	queued, err := env.db.PeekEvents(context.Background(), "repo_push", 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	var rec events.Record
	require.NoError(t, json.Unmarshal(queued[0].Payload, &rec))
	require.Equal(t, "acme/app", rec.Repository)
	require.Equal(t, "acme", rec.Namespace)
	require.Equal(t, "alice", rec.Performer)
	require.Equal(t, "latest", rec.Metadata["tag"])
}

// httptest keeps HEAD bodies out of the recorder only when the handler
// skips writing them; assert ours does.
func TestHeadManifestHasNoBody(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, repoAccess("acme/app", auth.ActionPush, auth.ActionPull))
	env.pushImage(t, "acme/app", token, "latest", nil, []byte("layer"))

	req := httptest.NewRequest(http.MethodHead, "/v2/acme/app/manifests/latest", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Zero(t, rec.Body.Len())
}
