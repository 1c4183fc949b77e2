package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base32"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"
)

const signingKeyBits = 2048

// SigningKey is one generation of the instance key.
type SigningKey struct {
	Key       *rsa.PrivateKey
	ID        string
	CreatedAt time.Time
}

// GenerateSigningKey creates a fresh RS256 instance key. The key ID is a
// fingerprint of the public key so verifiers can match tokens to keys
// without coordination.
func GenerateSigningKey() (*SigningKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, signingKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	id, err := keyID(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &SigningKey{Key: key, ID: id, CreatedAt: time.Now().UTC()}, nil
}

// keyID fingerprints a public key: base32 of the SHA-256 of the DER
// encoding, truncated and grouped for readability.
func keyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("encoding public key: %w", err)
	}
	sum := sha256.Sum256(der)
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:30])

	var out []byte
	for i := 0; i < len(encoded); i += 4 {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, encoded[i:i+4]...)
	}
	return string(out), nil
}

// KeyRingOption configures a KeyRing.
type KeyRingOption func(*KeyRing)

// WithKeyMaxAge sets how long rotated-out keys stay valid for
// verification. Default 2h.
func WithKeyMaxAge(d time.Duration) KeyRingOption {
	return func(k *KeyRing) { k.maxAge = d }
}

// WithKeyRingLogger sets the logger.
func WithKeyRingLogger(logger *slog.Logger) KeyRingOption {
	return func(k *KeyRing) { k.logger = logger }
}

// KeyRing holds the active instance key plus recently rotated-out keys
// that must remain valid until outstanding tokens expire.
type KeyRing struct {
	mu       sync.RWMutex
	active   *SigningKey
	previous []*SigningKey

	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewKeyRing generates an initial instance key.
func NewKeyRing(opts ...KeyRingOption) (*KeyRing, error) {
	k := &KeyRing{
		maxAge: 2 * time.Hour,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}

	key, err := GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	k.active = key
	k.logger.Info("generated instance key", "kid", key.ID)
	return k, nil
}

// Active returns the current signing key.
func (k *KeyRing) Active() *SigningKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

// Rotate generates a new active key. The old key is kept for
// verification until it ages out.
func (k *KeyRing) Rotate() error {
	key, err := GenerateSigningKey()
	if err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.previous = append(k.previous, k.active)
	k.active = key

	cutoff := k.now().Add(-k.maxAge)
	kept := k.previous[:0]
	for _, old := range k.previous {
		if old.CreatedAt.After(cutoff) {
			kept = append(kept, old)
		}
	}
	k.previous = kept

	k.logger.Info("rotated instance key", "kid", key.ID, "previous", len(k.previous))
	return nil
}

// Lookup finds a verification key by ID among the active and previous
// generations.
func (k *KeyRing) Lookup(kid string) (*rsa.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.active.ID == kid {
		return &k.active.Key.PublicKey, true
	}
	for _, old := range k.previous {
		if old.ID == kid {
			return &old.Key.PublicKey, true
		}
	}
	return nil, false
}

type jwksKey struct {
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

// JWKS returns the public halves of every key still valid for
// verification.
func (k *KeyRing) JWKS() jwksDocument {
	k.mu.RLock()
	defer k.mu.RUnlock()

	keys := make([]jwksKey, 0, len(k.previous)+1)
	for _, sk := range append([]*SigningKey{k.active}, k.previous...) {
		pub := &sk.Key.PublicKey
		keys = append(keys, jwksKey{
			Kty: "RSA",
			Alg: "RS256",
			Use: "sig",
			Kid: sk.ID,
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return jwksDocument{Keys: keys}
}

// ServeHTTP serves the JWKS document.
func (k *KeyRing) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(k.JWKS()); err != nil {
		k.logger.Error("writing jwks response", "error", err)
	}
}

var _ http.Handler = (*KeyRing)(nil)
