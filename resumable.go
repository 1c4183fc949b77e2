package registry

import (
	"crypto/sha256"
	"encoding"
	"fmt"
	"hash"
)

// ResumableSHA256 is a sha256 hasher whose internal state can be serialized
// and restored across process boundaries. Chunked blob uploads persist the
// state in the upload row after every PATCH so that finalizing an upload
// never requires re-reading bytes already written to storage.
//
// Go's sha256 implements encoding.BinaryMarshaler, which is what makes this
// work without a third-party hash implementation.
type ResumableSHA256 struct {
	h hash.Hash
	n int64
}

// NewResumableSHA256 creates a fresh hasher.
func NewResumableSHA256() *ResumableSHA256 {
	return &ResumableSHA256{h: sha256.New()}
}

// RestoreResumableSHA256 rebuilds a hasher from serialized state.
func RestoreResumableSHA256(state []byte, bytesHashed int64) (*ResumableSHA256, error) {
	h := sha256.New()
	u, ok := h.(encoding.BinaryUnmarshaler)
	if !ok {
		return nil, fmt.Errorf("sha256 does not support state restore")
	}
	if err := u.UnmarshalBinary(state); err != nil {
		return nil, fmt.Errorf("restoring sha256 state: %w", err)
	}
	return &ResumableSHA256{h: h, n: bytesHashed}, nil
}

// Write implements io.Writer.
func (r *ResumableSHA256) Write(p []byte) (int, error) {
	n, err := r.h.Write(p)
	r.n += int64(n)
	return n, err
}

// State serializes the internal hash state.
func (r *ResumableSHA256) State() ([]byte, error) {
	m, ok := r.h.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("sha256 does not support state serialization")
	}
	state, err := m.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serializing sha256 state: %w", err)
	}
	return state, nil
}

// BytesHashed returns the total number of bytes hashed so far.
func (r *ResumableSHA256) BytesHashed() int64 {
	return r.n
}

// Digest returns the digest of all bytes hashed so far without disturbing
// the running state.
func (r *ResumableSHA256) Digest() Digest {
	var sum [sha256.Size]byte
	r.h.Sum(sum[:0])
	return FromSHA256(sum)
}
