package manifest

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	registry "github.com/wolfeidau/image-registry"
)

type schema1FSLayer struct {
	BlobSum string `json:"blobSum"`
}

type schema1History struct {
	V1Compatibility string `json:"v1Compatibility"`
}

type schema1Signature struct {
	Header    schema1SigHeader `json:"header"`
	Signature string           `json:"signature"`
	Protected string           `json:"protected"`
}

type schema1SigHeader struct {
	JWK json.RawMessage `json:"jwk"`
	Alg string          `json:"alg"`
}

type schema1Manifest struct {
	SchemaVersion int                `json:"schemaVersion"`
	Name          string             `json:"name"`
	Tag           string             `json:"tag"`
	Architecture  string             `json:"architecture"`
	FSLayers      []schema1FSLayer   `json:"fsLayers"`
	History       []schema1History   `json:"history"`
	Signatures    []schema1Signature `json:"signatures,omitempty"`
}

type schema1Protected struct {
	FormatLength int    `json:"formatLength"`
	FormatTail   string `json:"formatTail"`
	Time         string `json:"time"`
}

func parseSchema1(mediaType string, raw []byte) (*Parsed, error) {
	var m schema1Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	if m.SchemaVersion != 1 {
		return nil, fmt.Errorf("%w: schemaVersion %d", ErrManifestInvalid, m.SchemaVersion)
	}
	if len(m.FSLayers) == 0 {
		return nil, fmt.Errorf("%w: no fsLayers", ErrManifestInvalid)
	}
	if len(m.FSLayers) != len(m.History) {
		return nil, fmt.Errorf("%w: fsLayers and history length mismatch", ErrManifestInvalid)
	}

	if mediaType == MediaTypeSchema1Signed {
		if err := verifySchema1Structure(raw, &m); err != nil {
			return nil, err
		}
	}

	// fsLayers are leaf-first; normalize to base-first
	layers := make([]Descriptor, 0, len(m.FSLayers))
	for i := len(m.FSLayers) - 1; i >= 0; i-- {
		blobSum := m.FSLayers[i].BlobSum
		if err := validateDescriptorDigest(blobSum); err != nil {
			return nil, err
		}
		layers = append(layers, Descriptor{Digest: blobSum})
	}

	return &Parsed{
		Digest:    registry.ComputeSHA256(raw),
		MediaType: mediaType,
		Layers:    layers,
		Raw:       raw,
		Tag:       m.Tag,
	}, nil
}

// verifySchema1Structure checks the JWS framing of a signed schema1
// manifest: every signature's protected header must decode and the format
// fields must reconstruct a valid JSON payload. Unknown signing keys are
// permitted; the signature is metadata, not trust.
func verifySchema1Structure(raw []byte, m *schema1Manifest) error {
	if len(m.Signatures) == 0 {
		return fmt.Errorf("%w: no signatures on prettyjws manifest", ErrInvalidJWSSignature)
	}

	for _, sig := range m.Signatures {
		protectedJSON, err := base64.RawURLEncoding.DecodeString(sig.Protected)
		if err != nil {
			return fmt.Errorf("%w: bad protected header: %v", ErrInvalidJWSSignature, err)
		}

		var protected schema1Protected
		if err := json.Unmarshal(protectedJSON, &protected); err != nil {
			return fmt.Errorf("%w: bad protected header: %v", ErrInvalidJWSSignature, err)
		}
		if protected.FormatLength <= 0 || protected.FormatLength > len(raw) {
			return fmt.Errorf("%w: formatLength out of range", ErrInvalidJWSSignature)
		}

		tail, err := base64.RawURLEncoding.DecodeString(protected.FormatTail)
		if err != nil {
			return fmt.Errorf("%w: bad formatTail: %v", ErrInvalidJWSSignature, err)
		}

		payload := append(append([]byte{}, raw[:protected.FormatLength]...), tail...)
		if !json.Valid(payload) {
			return fmt.Errorf("%w: reconstructed payload is not valid JSON", ErrInvalidJWSSignature)
		}

		if _, err := base64.RawURLEncoding.DecodeString(sig.Signature); err != nil {
			return fmt.Errorf("%w: bad signature encoding: %v", ErrInvalidJWSSignature, err)
		}
	}
	return nil
}

// Sign wraps an unsigned schema1 manifest in a prettyjws envelope signed
// with the instance key. The input must be the exact bytes to protect;
// they are preserved so the payload stays byte-identical for verifiers.
func Sign(unsigned []byte, key *rsa.PrivateKey, keyID string) ([]byte, error) {
	formatLength := bytes.LastIndexByte(unsigned, '}')
	if formatLength <= 0 {
		return nil, fmt.Errorf("%w: not a JSON object", ErrManifestInvalid)
	}
	tail := unsigned[formatLength:]

	protected := schema1Protected{
		FormatLength: formatLength,
		FormatTail:   base64.RawURLEncoding.EncodeToString(tail),
		Time:         time.Now().UTC().Format("2006-01-02T15:04:05Z"),
	}
	protectedJSON, err := json.Marshal(protected)
	if err != nil {
		return nil, fmt.Errorf("marshaling protected header: %w", err)
	}
	protectedB64 := base64.RawURLEncoding.EncodeToString(protectedJSON)

	signingInput := protectedB64 + "." + base64.RawURLEncoding.EncodeToString(unsigned)
	digest := sha256.Sum256([]byte(signingInput))
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing manifest: %w", err)
	}

	jwk, err := json.Marshal(publicJWK(&key.PublicKey, keyID))
	if err != nil {
		return nil, fmt.Errorf("marshaling jwk: %w", err)
	}

	sigBlock, err := json.Marshal([]schema1Signature{{
		Header:    schema1SigHeader{JWK: jwk, Alg: "RS256"},
		Signature: base64.RawURLEncoding.EncodeToString(signature),
		Protected: protectedB64,
	}})
	if err != nil {
		return nil, fmt.Errorf("marshaling signatures: %w", err)
	}

	var out bytes.Buffer
	out.Write(unsigned[:formatLength])
	out.WriteString(`,"signatures":`)
	out.Write(sigBlock)
	out.Write(tail)
	return out.Bytes(), nil
}

// JWK is a minimal RSA public key in JSON Web Key form.
type JWK struct {
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Kid string `json:"kid,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func publicJWK(pub *rsa.PublicKey, keyID string) JWK {
	return JWK{
		Kty: "RSA",
		Alg: "RS256",
		Kid: keyID,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}
