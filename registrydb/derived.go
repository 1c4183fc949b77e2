package registrydb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// ClaimDerived implements the at-most-once build claim. When no row exists
// for the key, an uploading row is created and claimed=true is returned;
// otherwise the existing row is returned with claimed=false.
func (d *DB) ClaimDerived(_ context.Context, srcDigest, verb, metaHash string) (*DerivedArtifact, bool, error) {
	var row DerivedArtifact
	claimed := false

	err := d.db.Update(func(tx *bbolt.Tx) error {
		derived := tx.Bucket(bucketDerived)
		key := makeKey(srcDigest, verb, metaHash)

		if val := derived.Get(key); val != nil {
			return json.Unmarshal(val, &row)
		}

		row = DerivedArtifact{
			SourceManifestDigest: srcDigest,
			Verb:                 verb,
			MetadataHash:         metaHash,
			Uploading:            true,
			UniqueID:             uuid.New().String(),
			CreatedAt:            d.now().UTC(),
		}
		claimed = true

		data, err := json.Marshal(&row)
		if err != nil {
			return fmt.Errorf("marshaling derived artifact: %w", err)
		}
		return derived.Put(key, data)
	})
	if err != nil {
		return nil, false, err
	}
	return &row, claimed, nil
}

// GetDerived retrieves a derived artifact row.
func (d *DB) GetDerived(_ context.Context, srcDigest, verb, metaHash string) (*DerivedArtifact, error) {
	var row DerivedArtifact
	err := d.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketDerived).Get(makeKey(srcDigest, verb, metaHash))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &row)
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// CompleteDerived finishes a claimed build: the row becomes servable and
// the backing blob gains a reference so blob GC keeps it alive.
func (d *DB) CompleteDerived(_ context.Context, srcDigest, verb, metaHash, blobDigest string, size int64) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		derived := tx.Bucket(bucketDerived)
		key := makeKey(srcDigest, verb, metaHash)

		val := derived.Get(key)
		if val == nil {
			return ErrNotFound
		}
		var row DerivedArtifact
		if err := json.Unmarshal(val, &row); err != nil {
			return fmt.Errorf("unmarshaling derived artifact: %w", err)
		}

		row.Uploading = false
		row.BlobDigest = blobDigest
		row.Size = size

		data, err := json.Marshal(&row)
		if err != nil {
			return fmt.Errorf("marshaling derived artifact: %w", err)
		}
		if err := derived.Put(key, data); err != nil {
			return fmt.Errorf("putting derived artifact: %w", err)
		}

		return adjustBlobRefInTx(tx.Bucket(bucketBlobs), blobDigest, 1)
	})
}

// SetDerivedSignature attaches a detached signature to a completed row.
func (d *DB) SetDerivedSignature(_ context.Context, srcDigest, verb, metaHash string, signature []byte) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		derived := tx.Bucket(bucketDerived)
		key := makeKey(srcDigest, verb, metaHash)

		val := derived.Get(key)
		if val == nil {
			return ErrNotFound
		}
		var row DerivedArtifact
		if err := json.Unmarshal(val, &row); err != nil {
			return fmt.Errorf("unmarshaling derived artifact: %w", err)
		}

		row.Signature = signature
		data, err := json.Marshal(&row)
		if err != nil {
			return fmt.Errorf("marshaling derived artifact: %w", err)
		}
		return derived.Put(key, data)
	})
}

// DeleteDerived removes a derived artifact row, releasing its blob
// reference.
func (d *DB) DeleteDerived(_ context.Context, srcDigest, verb, metaHash string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		derived := tx.Bucket(bucketDerived)
		key := makeKey(srcDigest, verb, metaHash)

		val := derived.Get(key)
		if val == nil {
			return nil
		}
		var row DerivedArtifact
		if err := json.Unmarshal(val, &row); err == nil && row.BlobDigest != "" {
			if err := adjustBlobRefInTx(tx.Bucket(bucketBlobs), row.BlobDigest, -1); err != nil {
				return err
			}
		}
		return derived.Delete(key)
	})
}

// ListStaleDerivedBuilds returns uploading rows claimed before the
// cutoff. A claim this old belongs to a build that died without
// completing or cleaning up, and blocks every later identical request.
func (d *DB) ListStaleDerivedBuilds(_ context.Context, before time.Time, limit int) ([]DerivedArtifact, error) {
	var hits []DerivedArtifact
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDerived).ForEach(func(_, v []byte) error {
			if limit > 0 && len(hits) >= limit {
				return nil
			}

			var row DerivedArtifact
			if err := json.Unmarshal(v, &row); err != nil {
				return nil // skip invalid entries
			}
			if row.Uploading && row.CreatedAt.Before(before) {
				hits = append(hits, row)
			}
			return nil
		})
	})
	return hits, err
}

// ListOrphanDerived returns derived artifacts whose source manifest row no
// longer exists.
func (d *DB) ListOrphanDerived(_ context.Context, limit int) ([]DerivedArtifact, error) {
	var hits []DerivedArtifact
	err := d.db.View(func(tx *bbolt.Tx) error {
		manifests := tx.Bucket(bucketManifests)
		return tx.Bucket(bucketDerived).ForEach(func(_, v []byte) error {
			if limit > 0 && len(hits) >= limit {
				return nil
			}

			var row DerivedArtifact
			if err := json.Unmarshal(v, &row); err != nil {
				return nil // skip invalid entries
			}
			if manifests.Get([]byte(row.SourceManifestDigest)) == nil {
				hits = append(hits, row)
			}
			return nil
		})
	})
	return hits, err
}
