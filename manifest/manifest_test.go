package manifest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testConfigDigest = "sha256:b5b2b2c507a0944348e0303114d8d93aaaa081732b86451d9bce1f432a537bc7"
	testLayerDigest  = "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	testLayerDigest2 = "sha256:486ea46224d1bb4fb680f34f7c9ad96a8f24ec88be73ea8e5a6c65260e9cb8a7"
)

func schema2JSON(t *testing.T) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"schemaVersion": 2,
		"mediaType":     MediaTypeSchema2,
		"config": map[string]any{
			"mediaType": MediaTypeDockerConfig,
			"size":      1024,
			"digest":    testConfigDigest,
		},
		"layers": []map[string]any{
			{"mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip", "size": 5, "digest": testLayerDigest},
			{"mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip", "size": 5, "digest": testLayerDigest2},
		},
	})
	require.NoError(t, err)
	return raw
}

func TestParseSchema2(t *testing.T) {
	raw := schema2JSON(t)

	p, err := Parse(MediaTypeSchema2, raw, Options{})
	require.NoError(t, err)
	require.Equal(t, MediaTypeSchema2, p.MediaType)
	require.NotNil(t, p.Config)
	require.Equal(t, testConfigDigest, p.Config.Digest)
	require.Len(t, p.Layers, 2)
	require.Equal(t, testLayerDigest, p.Layers[0].Digest)
	require.False(t, p.IsList())
	require.Equal(t, "sha256", p.Digest.Algorithm)

	digests := p.BlobDigests()
	require.Equal(t, []string{testLayerDigest, testLayerDigest2, testConfigDigest}, digests)
}

func TestParseSchema2BadConfigType(t *testing.T) {
	raw, err := json.Marshal(map[string]any{
		"schemaVersion": 2,
		"config":        map[string]any{"mediaType": "application/octet-stream", "digest": testConfigDigest},
		"layers":        []map[string]any{{"digest": testLayerDigest}},
	})
	require.NoError(t, err)

	_, err = Parse(MediaTypeSchema2, raw, Options{})
	require.ErrorIs(t, err, ErrManifestInvalid)
}

func TestParseSchema2BadDigest(t *testing.T) {
	raw, err := json.Marshal(map[string]any{
		"schemaVersion": 2,
		"config":        map[string]any{"mediaType": MediaTypeDockerConfig, "digest": testConfigDigest},
		"layers":        []map[string]any{{"digest": "sha256:nothex"}},
	})
	require.NoError(t, err)

	_, err = Parse(MediaTypeSchema2, raw, Options{})
	require.ErrorIs(t, err, ErrManifestInvalid)
}

func TestParseSchema2List(t *testing.T) {
	raw, err := json.Marshal(map[string]any{
		"schemaVersion": 2,
		"mediaType":     MediaTypeSchema2List,
		"manifests": []map[string]any{
			{"mediaType": MediaTypeSchema2, "digest": testLayerDigest, "platform": map[string]any{"architecture": "amd64", "os": "linux"}},
			{"mediaType": MediaTypeSchema2, "digest": testLayerDigest2, "platform": map[string]any{"architecture": "arm64", "os": "linux"}},
		},
	})
	require.NoError(t, err)

	p, err := Parse(MediaTypeSchema2List, raw, Options{})
	require.NoError(t, err)
	require.True(t, p.IsList())
	require.Empty(t, p.BlobDigests())
	require.Equal(t, []string{testLayerDigest, testLayerDigest2}, p.ChildDigests())
	require.Equal(t, "amd64", p.Children[0].Platform.Architecture)
}

func TestParseSchema2ListEmpty(t *testing.T) {
	raw := []byte(`{"schemaVersion":2,"manifests":[]}`)
	_, err := Parse(MediaTypeSchema2List, raw, Options{})
	require.ErrorIs(t, err, ErrManifestInvalid)
}

func TestParseOCIManifest(t *testing.T) {
	raw, err := json.Marshal(map[string]any{
		"schemaVersion": 2,
		"config":        map[string]any{"mediaType": MediaTypeOCIConfig, "digest": testConfigDigest},
		"layers":        []map[string]any{{"mediaType": "application/vnd.oci.image.layer.v1.tar+gzip", "digest": testLayerDigest}},
	})
	require.NoError(t, err)

	p, err := Parse(MediaTypeOCIManifest, raw, Options{})
	require.NoError(t, err)
	require.Equal(t, MediaTypeOCIManifest, p.MediaType)
	require.Len(t, p.Layers, 1)
}

func TestParseOCIHelmConfig(t *testing.T) {
	raw, err := json.Marshal(map[string]any{
		"schemaVersion": 2,
		"config":        map[string]any{"mediaType": MediaTypeHelmConfig, "digest": testConfigDigest},
		"layers":        []map[string]any{},
	})
	require.NoError(t, err)

	_, err = Parse(MediaTypeOCIManifest, raw, Options{})
	require.ErrorIs(t, err, ErrUnsupportedType)

	_, err = Parse(MediaTypeOCIManifest, raw, Options{HelmOCI: true})
	require.NoError(t, err)
}

func TestParseOCIIndex(t *testing.T) {
	raw, err := json.Marshal(map[string]any{
		"schemaVersion": 2,
		"manifests": []map[string]any{
			{"mediaType": MediaTypeOCIManifest, "digest": testLayerDigest},
		},
	})
	require.NoError(t, err)

	p, err := Parse(MediaTypeOCIIndex, raw, Options{})
	require.NoError(t, err)
	require.True(t, p.IsList())
}

func TestParseUnsupportedType(t *testing.T) {
	_, err := Parse("application/json", []byte(`{}`), Options{})
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func unsignedSchema1(t *testing.T) []byte {
	t.Helper()
	m := schema1Manifest{
		SchemaVersion: 1,
		Name:          "acme/app",
		Tag:           "latest",
		Architecture:  "amd64",
		FSLayers: []schema1FSLayer{
			{BlobSum: testLayerDigest2},
			{BlobSum: testLayerDigest},
		},
		History: []schema1History{
			{V1Compatibility: `{"id":"top"}`},
			{V1Compatibility: `{"id":"base"}`},
		},
	}
	raw, err := json.MarshalIndent(m, "", "   ")
	require.NoError(t, err)
	return raw
}

func TestParseSchema1Unsigned(t *testing.T) {
	raw := unsignedSchema1(t)

	p, err := Parse(MediaTypeSchema1, raw, Options{})
	require.NoError(t, err)
	require.Equal(t, "latest", p.Tag)
	require.Len(t, p.Layers, 2)
	// fsLayers are leaf-first, layers come out base-first
	require.Equal(t, testLayerDigest, p.Layers[0].Digest)
	require.Equal(t, testLayerDigest2, p.Layers[1].Digest)
}

func TestSignAndParseSchema1(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	unsigned := unsignedSchema1(t)
	signed, err := Sign(unsigned, key, "TEST:KEY")
	require.NoError(t, err)

	p, err := Parse(MediaTypeSchema1Signed, signed, Options{})
	require.NoError(t, err)
	require.Equal(t, "latest", p.Tag)

	// the signature itself must verify against the embedded key
	var m schema1Manifest
	require.NoError(t, json.Unmarshal(signed, &m))
	require.Len(t, m.Signatures, 1)

	sig := m.Signatures[0]
	protectedJSON, err := base64.RawURLEncoding.DecodeString(sig.Protected)
	require.NoError(t, err)
	var protected schema1Protected
	require.NoError(t, json.Unmarshal(protectedJSON, &protected))

	tail, err := base64.RawURLEncoding.DecodeString(protected.FormatTail)
	require.NoError(t, err)
	payload := append(append([]byte{}, signed[:protected.FormatLength]...), tail...)
	require.Equal(t, string(unsigned), string(payload))

	sigBytes, err := base64.RawURLEncoding.DecodeString(sig.Signature)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte(sig.Protected + "." + base64.RawURLEncoding.EncodeToString(payload)))
	require.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sigBytes))
}

func TestParseSchema1SignedMissingSignatures(t *testing.T) {
	raw := unsignedSchema1(t)
	_, err := Parse(MediaTypeSchema1Signed, raw, Options{})
	require.ErrorIs(t, err, ErrInvalidJWSSignature)
}

func TestParseSchema1SignedTamperedProtected(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	signed, err := Sign(unsignedSchema1(t), key, "TEST:KEY")
	require.NoError(t, err)

	var m schema1Manifest
	require.NoError(t, json.Unmarshal(signed, &m))
	m.Signatures[0].Protected = base64.RawURLEncoding.EncodeToString([]byte(`not json`))
	tampered, err := json.Marshal(m)
	require.NoError(t, err)

	_, err = Parse(MediaTypeSchema1Signed, tampered, Options{})
	require.ErrorIs(t, err, ErrInvalidJWSSignature)
}

func TestConfigLabels(t *testing.T) {
	cfg := []byte(`{"architecture":"amd64","config":{"Labels":{"quay.expires-after":"1d","team":"infra"}}}`)
	labels := ConfigLabels(cfg)
	require.Equal(t, "1d", labels[ExpiresAfterLabel])
	require.Equal(t, "infra", labels["team"])

	require.Nil(t, ConfigLabels([]byte(`not json`)))
}

func TestParseExpiresAfter(t *testing.T) {
	cases := []struct {
		value string
		want  time.Duration
		ok    bool
	}{
		{"30s", 30 * time.Second, true},
		{"10m", 10 * time.Minute, true},
		{"2h", 2 * time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{"2w", 14 * 24 * time.Hour, true},
		{"3600", time.Hour, true},
		{"", 0, false},
		{"0d", 0, false},
		{"-5m", 0, false},
		{"soon", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseExpiresAfter(tc.value)
		require.Equal(t, tc.ok, ok, tc.value)
		require.Equal(t, tc.want, got, tc.value)
	}
}

func TestConvertToSchema1(t *testing.T) {
	p, err := Parse(MediaTypeSchema2, schema2JSON(t), Options{})
	require.NoError(t, err)

	config := []byte(`{
		"architecture": "amd64",
		"os": "linux",
		"created": "2024-01-02T03:04:05Z",
		"history": [
			{"created": "2024-01-02T03:00:00Z", "created_by": "ADD rootfs"},
			{"created": "2024-01-02T03:01:00Z", "created_by": "ENV FOO=bar", "empty_layer": true},
			{"created": "2024-01-02T03:02:00Z", "created_by": "RUN make"}
		]
	}`)

	unsigned, err := ConvertToSchema1(p, "acme/app", "v1", config)
	require.NoError(t, err)

	parsed, err := Parse(MediaTypeSchema1, unsigned, Options{})
	require.NoError(t, err)
	require.Equal(t, "v1", parsed.Tag)
	require.Equal(t, testLayerDigest, parsed.Layers[0].Digest)
	require.Equal(t, testLayerDigest2, parsed.Layers[1].Digest)

	var m schema1Manifest
	require.NoError(t, json.Unmarshal(unsigned, &m))
	require.Equal(t, "acme/app", m.Name)
	require.Equal(t, "amd64", m.Architecture)
	// top history entry carries the platform fields
	require.Contains(t, m.History[0].V1Compatibility, `"architecture":"amd64"`)
	require.Contains(t, m.History[1].V1Compatibility, "ADD rootfs")

	// IDs chain parent to child
	var top, base v1Compatibility
	require.NoError(t, json.Unmarshal([]byte(m.History[0].V1Compatibility), &top))
	require.NoError(t, json.Unmarshal([]byte(m.History[1].V1Compatibility), &base))
	require.Equal(t, base.ID, top.Parent)
	require.Empty(t, base.Parent)

	// conversion is deterministic
	again, err := ConvertToSchema1(p, "acme/app", "v1", config)
	require.NoError(t, err)
	require.Equal(t, unsigned, again)
}

func TestConvertToSchema1RejectsList(t *testing.T) {
	raw := []byte(fmt.Sprintf(`{"schemaVersion":2,"manifests":[{"mediaType":%q,"digest":%q}]}`, MediaTypeSchema2, testLayerDigest))
	p, err := Parse(MediaTypeSchema2List, raw, Options{})
	require.NoError(t, err)

	_, err = ConvertToSchema1(p, "acme/app", "v1", nil)
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestSchema1LayerHistoryMismatch(t *testing.T) {
	m := schema1Manifest{
		SchemaVersion: 1,
		Name:          "acme/app",
		Tag:           "latest",
		FSLayers:      []schema1FSLayer{{BlobSum: testLayerDigest}},
		History:       []schema1History{},
	}
	raw, err := json.Marshal(m)
	require.NoError(t, err)

	_, err = Parse(MediaTypeSchema1, raw, Options{})
	require.ErrorIs(t, err, ErrManifestInvalid)
	require.True(t, strings.Contains(err.Error(), "mismatch"))
}
