package registrydb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"go.etcd.io/bbolt"
)

// UpsertBlob creates or updates a blob row and links it into repo. An
// existing row keeps its reference count and gains any new placements.
func (d *DB) UpsertBlob(_ context.Context, repo string, blob *Blob) error {
	now := d.now().UTC()

	return d.db.Update(func(tx *bbolt.Tx) error {
		blobs := tx.Bucket(bucketBlobs)

		var row Blob
		if val := blobs.Get([]byte(blob.Digest)); val != nil {
			if err := json.Unmarshal(val, &row); err != nil {
				return fmt.Errorf("unmarshaling blob: %w", err)
			}
			for _, p := range blob.Placements {
				if !slices.Contains(row.Placements, p) {
					row.Placements = append(row.Placements, p)
				}
			}
			row.Uploading = false
			if blob.UncompressedSize > 0 {
				row.UncompressedSize = blob.UncompressedSize
			}
		} else {
			row = *blob
			row.CreatedAt = now
		}

		data, err := json.Marshal(&row)
		if err != nil {
			return fmt.Errorf("marshaling blob: %w", err)
		}
		if err := blobs.Put([]byte(row.Digest), data); err != nil {
			return fmt.Errorf("putting blob: %w", err)
		}

		return linkBlobInTx(tx, repo, row.Digest, now)
	})
}

// GetBlob retrieves a blob row by digest, regardless of repository.
func (d *DB) GetBlob(_ context.Context, digest string) (*Blob, error) {
	var blob Blob
	err := d.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketBlobs).Get([]byte(digest))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &blob)
	})
	if err != nil {
		return nil, err
	}
	return &blob, nil
}

// GetRepoBlob retrieves a finalized blob reachable within repo.
func (d *DB) GetRepoBlob(_ context.Context, repo, digest string) (*Blob, error) {
	var blob Blob
	err := d.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketRepoBlobs).Get(makeKey(repo, digest)) == nil {
			return ErrNotFound
		}

		val := tx.Bucket(bucketBlobs).Get([]byte(digest))
		if val == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(val, &blob); err != nil {
			return err
		}
		if blob.Uploading {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &blob, nil
}

// LinkBlob makes an existing blob reachable within repo. Used by cross-repo
// mounts and by manifest pushes referencing shared blobs.
func (d *DB) LinkBlob(_ context.Context, repo, digest string) error {
	now := d.now().UTC()

	return d.db.Update(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketBlobs).Get([]byte(digest))
		if val == nil {
			return ErrNotFound
		}
		var blob Blob
		if err := json.Unmarshal(val, &blob); err != nil {
			return fmt.Errorf("unmarshaling blob: %w", err)
		}
		if blob.Uploading {
			return ErrNotFound
		}
		return linkBlobInTx(tx, repo, digest, now)
	})
}

func linkBlobInTx(tx *bbolt.Tx, repo, digest string, now time.Time) error {
	links := tx.Bucket(bucketRepoBlobs)
	key := makeKey(repo, digest)
	if links.Get(key) != nil {
		return nil
	}

	data, err := json.Marshal(BlobLink{LinkedAt: now})
	if err != nil {
		return fmt.Errorf("marshaling blob link: %w", err)
	}
	return links.Put(key, data)
}

// AddBlobPlacement records that a blob now resides at location. Used by
// the replication path.
func (d *DB) AddBlobPlacement(_ context.Context, digest, location string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		blobs := tx.Bucket(bucketBlobs)
		val := blobs.Get([]byte(digest))
		if val == nil {
			return ErrNotFound
		}

		var blob Blob
		if err := json.Unmarshal(val, &blob); err != nil {
			return fmt.Errorf("unmarshaling blob: %w", err)
		}
		if slices.Contains(blob.Placements, location) {
			return nil
		}
		blob.Placements = append(blob.Placements, location)

		data, err := json.Marshal(&blob)
		if err != nil {
			return fmt.Errorf("marshaling blob: %w", err)
		}
		return blobs.Put([]byte(digest), data)
	})
}

// AdjustBlobRef changes a blob's reference count by delta, clamping at
// zero. Used by the derived-artifact bookkeeping; manifest edges adjust
// refs inside their own transactions.
func (d *DB) AdjustBlobRef(_ context.Context, digest string, delta int64) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		return adjustBlobRefInTx(tx.Bucket(bucketBlobs), digest, delta)
	})
}

// adjustBlobRefInTx changes a blob's refcount within a transaction. A
// missing row is not an error: the ref takes effect when the blob row is
// created.
func adjustBlobRefInTx(bucket *bbolt.Bucket, digest string, delta int64) error {
	val := bucket.Get([]byte(digest))
	if val == nil {
		return nil
	}

	var blob Blob
	if err := json.Unmarshal(val, &blob); err != nil {
		return fmt.Errorf("unmarshaling blob: %w", err)
	}

	blob.RefCount += delta
	if blob.RefCount < 0 {
		blob.RefCount = 0
	}

	data, err := json.Marshal(&blob)
	if err != nil {
		return fmt.Errorf("marshaling blob: %w", err)
	}
	return bucket.Put([]byte(digest), data)
}

// ListUnreferencedBlobs returns finalized blobs with no references created
// before the given time.
func (d *DB) ListUnreferencedBlobs(_ context.Context, before time.Time, limit int) ([]Blob, error) {
	var hits []Blob
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobs).ForEach(func(_, v []byte) error {
			if limit > 0 && len(hits) >= limit {
				return nil
			}

			var blob Blob
			if err := json.Unmarshal(v, &blob); err != nil {
				return nil // skip invalid entries
			}
			if blob.RefCount == 0 && !blob.Uploading && blob.CreatedAt.Before(before) {
				hits = append(hits, blob)
			}
			return nil
		})
	})
	return hits, err
}

// DeleteBlob removes a blob row together with every repository link to it.
func (d *DB) DeleteBlob(_ context.Context, digest string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		links := tx.Bucket(bucketRepoBlobs)
		suffix := append([]byte{0}, digest...)

		var linkKeys [][]byte
		cursor := links.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			if bytes.HasSuffix(k, suffix) {
				linkKeys = append(linkKeys, append([]byte{}, k...))
			}
		}
		for _, k := range linkKeys {
			if err := links.Delete(k); err != nil {
				return fmt.Errorf("deleting blob link: %w", err)
			}
		}

		return tx.Bucket(bucketBlobs).Delete([]byte(digest))
	})
}
