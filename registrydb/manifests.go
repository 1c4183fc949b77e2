package registrydb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// PutManifest persists a manifest in a repository together with its blob
// edges, all in one transaction. The operation is idempotent: pushing the
// same bytes twice reuses the existing row and creates no duplicate edges.
func (d *DB) PutManifest(_ context.Context, repo string, m *Manifest, blobDigests []string) error {
	now := d.now().UTC()

	return d.db.Update(func(tx *bbolt.Tx) error {
		manifests := tx.Bucket(bucketManifests)

		if manifests.Get([]byte(m.Digest)) == nil {
			m.CreatedAt = now
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("marshaling manifest: %w", err)
			}
			if err := manifests.Put([]byte(m.Digest), data); err != nil {
				return fmt.Errorf("putting manifest: %w", err)
			}
		}

		// link into the repository, reviving a detached edge if present
		edges := tx.Bucket(bucketManifestRepos)
		edgeKey := makeKey(repo, m.Digest)
		needEdge := true
		if val := edges.Get(edgeKey); val != nil {
			var edge ManifestEdge
			if err := json.Unmarshal(val, &edge); err == nil && edge.DetachedAt == nil {
				needEdge = false
			}
		}
		if needEdge {
			data, err := json.Marshal(ManifestEdge{LinkedAt: now})
			if err != nil {
				return fmt.Errorf("marshaling manifest edge: %w", err)
			}
			if err := edges.Put(edgeKey, data); err != nil {
				return fmt.Errorf("putting manifest edge: %w", err)
			}
		}

		manifestBlobs := tx.Bucket(bucketManifestBlobs)
		blobs := tx.Bucket(bucketBlobs)
		for _, blobDigest := range blobDigests {
			blobEdgeKey := makeKey(repo, m.Digest, blobDigest)
			if manifestBlobs.Get(blobEdgeKey) != nil {
				continue
			}
			if err := manifestBlobs.Put(blobEdgeKey, []byte{}); err != nil {
				return fmt.Errorf("putting blob edge: %w", err)
			}
			if err := adjustBlobRefInTx(blobs, blobDigest, 1); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetManifest retrieves a manifest row by digest, regardless of repository.
func (d *DB) GetManifest(_ context.Context, digest string) (*Manifest, error) {
	var m Manifest
	err := d.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketManifests).Get([]byte(digest))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetRepoManifest retrieves a manifest that is linked (not detached) in the
// given repository.
func (d *DB) GetRepoManifest(_ context.Context, repo, digest string) (*Manifest, error) {
	var m Manifest
	err := d.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketManifestRepos).Get(makeKey(repo, digest))
		if val == nil {
			return ErrNotFound
		}
		var edge ManifestEdge
		if err := json.Unmarshal(val, &edge); err != nil {
			return fmt.Errorf("unmarshaling manifest edge: %w", err)
		}
		if edge.DetachedAt != nil {
			return ErrNotFound
		}

		row := tx.Bucket(bucketManifests).Get([]byte(digest))
		if row == nil {
			return ErrNotFound
		}
		return json.Unmarshal(row, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteManifest detaches a manifest from a repository and closes every
// live tag pointing at it. Blob edges stay until GC collects the detached
// edge.
func (d *DB) DeleteManifest(_ context.Context, repo, digest string) error {
	now := d.now().UTC()

	return d.db.Update(func(tx *bbolt.Tx) error {
		edges := tx.Bucket(bucketManifestRepos)
		edgeKey := makeKey(repo, digest)

		val := edges.Get(edgeKey)
		if val == nil {
			return ErrNotFound
		}
		var edge ManifestEdge
		if err := json.Unmarshal(val, &edge); err != nil {
			return fmt.Errorf("unmarshaling manifest edge: %w", err)
		}
		if edge.DetachedAt != nil {
			return ErrNotFound
		}

		edge.DetachedAt = &now
		data, err := json.Marshal(&edge)
		if err != nil {
			return fmt.Errorf("marshaling manifest edge: %w", err)
		}
		if err := edges.Put(edgeKey, data); err != nil {
			return fmt.Errorf("putting manifest edge: %w", err)
		}

		return closeTagsForManifestInTx(tx, repo, digest, now.UnixMilli())
	})
}

// DetachedManifest identifies a manifest edge awaiting GC.
type DetachedManifest struct {
	Repository string
	Digest     string
	DetachedAt time.Time
}

// ListDetachedManifests returns manifest edges detached before the given
// time.
func (d *DB) ListDetachedManifests(_ context.Context, before time.Time, limit int) ([]DetachedManifest, error) {
	var hits []DetachedManifest
	err := d.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketManifestRepos).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if limit > 0 && len(hits) >= limit {
				break
			}

			var edge ManifestEdge
			if err := json.Unmarshal(v, &edge); err != nil {
				continue
			}
			if edge.DetachedAt == nil || !edge.DetachedAt.Before(before) {
				continue
			}

			parts := splitKey(k)
			if len(parts) != 2 {
				continue
			}
			hits = append(hits, DetachedManifest{
				Repository: parts[0],
				Digest:     parts[1],
				DetachedAt: *edge.DetachedAt,
			})
		}
		return nil
	})
	return hits, err
}

// PurgeDetachedManifest removes a detached manifest edge together with its
// blob edges, decrementing blob reference counts. The manifest row itself
// is removed once no repository references it.
func (d *DB) PurgeDetachedManifest(_ context.Context, repo, digest string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		edges := tx.Bucket(bucketManifestRepos)
		blobs := tx.Bucket(bucketBlobs)
		manifestBlobs := tx.Bucket(bucketManifestBlobs)

		// remove blob edges, decrementing refcounts
		prefix := append(makeKey(repo, digest), 0)
		cursor := manifestBlobs.Cursor()
		var edgeKeys [][]byte
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			edgeKeys = append(edgeKeys, append([]byte{}, k...))
		}
		for _, k := range edgeKeys {
			parts := splitKey(k)
			if len(parts) == 3 {
				if err := adjustBlobRefInTx(blobs, parts[2], -1); err != nil {
					d.logger.Warn("failed to decrement blob ref during purge",
						"repo", repo, "manifest", digest, "blob", parts[2], "error", err)
				}
			}
			if err := manifestBlobs.Delete(k); err != nil {
				return fmt.Errorf("deleting blob edge: %w", err)
			}
		}

		if err := edges.Delete(makeKey(repo, digest)); err != nil {
			return fmt.Errorf("deleting manifest edge: %w", err)
		}

		// drop the manifest row when no repository still links it
		referenced := false
		edgeCursor := edges.Cursor()
		suffix := append([]byte{0}, digest...)
		for k, _ := edgeCursor.First(); k != nil; k, _ = edgeCursor.Next() {
			if bytes.HasSuffix(k, suffix) {
				referenced = true
				break
			}
		}
		if !referenced {
			if err := tx.Bucket(bucketManifests).Delete([]byte(digest)); err != nil {
				return fmt.Errorf("deleting manifest row: %w", err)
			}
		}
		return nil
	})
}

// ManifestExists reports whether a manifest row exists for the digest.
func (d *DB) ManifestExists(_ context.Context, digest string) (bool, error) {
	var exists bool
	err := d.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(bucketManifests).Get([]byte(digest)) != nil
		return nil
	})
	return exists, err
}
