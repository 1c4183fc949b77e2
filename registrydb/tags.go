package registrydb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"go.etcd.io/bbolt"
)

// GetLiveTag returns the current row for (repo, name).
func (d *DB) GetLiveTag(_ context.Context, repo, name string) (*Tag, error) {
	var tag Tag
	err := d.db.View(func(tx *bbolt.Tx) error {
		return getLiveTagInTx(tx, repo, name, &tag)
	})
	if err != nil {
		return nil, err
	}
	return &tag, nil
}

func getLiveTagInTx(tx *bbolt.Tx, repo, name string, tag *Tag) error {
	liveKey := makeKey(repo, name)
	startTS := tx.Bucket(bucketTagsLive).Get(liveKey)
	if startTS == nil {
		return ErrNotFound
	}

	rowKey := append(append([]byte{}, liveKey...), 0)
	rowKey = append(rowKey, startTS...)

	val := tx.Bucket(bucketTags).Get(rowKey)
	if val == nil {
		return ErrNotFound
	}
	return json.Unmarshal(val, tag)
}

// SetTag points (repo, name) at manifestDigest. The previous live row is
// closed and a new one inserted in the same transaction, so a concurrent
// read sees either the old or the new manifest, never a gap. A retag
// matching one of the repository's immutability patterns fails with
// ErrTagImmutable.
func (d *DB) SetTag(_ context.Context, repo, name, manifestDigest string, expirationMs int64) (*Tag, error) {
	now := d.now().UTC()
	nowMs := now.UnixMilli()

	tag := &Tag{
		Repository:      repo,
		Name:            name,
		ManifestDigest:  manifestDigest,
		LifetimeStartMs: nowMs,
	}
	if expirationMs > 0 {
		tag.ExpirationMs = nowMs + expirationMs
	}

	err := d.db.Update(func(tx *bbolt.Tx) error {
		var existing Tag
		hasLive := getLiveTagInTx(tx, repo, name, &existing) == nil

		if hasLive {
			immutable, err := tagMatchesPolicy(tx, repo, name)
			if err != nil {
				return err
			}
			if immutable {
				return fmt.Errorf("tag %q in %q: %w", name, repo, ErrTagImmutable)
			}
			if err := closeTagInTx(tx, &existing, nowMs); err != nil {
				return err
			}
		}

		data, err := json.Marshal(tag)
		if err != nil {
			return fmt.Errorf("marshaling tag: %w", err)
		}
		if err := tx.Bucket(bucketTags).Put(makeTagKey(repo, name, now), data); err != nil {
			return fmt.Errorf("putting tag row: %w", err)
		}
		return tx.Bucket(bucketTagsLive).Put(makeKey(repo, name), encodeTimestamp(now))
	})
	if err != nil {
		return nil, err
	}
	return tag, nil
}

// DeleteTag closes the live row for (repo, name). The history is kept.
func (d *DB) DeleteTag(_ context.Context, repo, name string) error {
	nowMs := d.now().UTC().UnixMilli()

	return d.db.Update(func(tx *bbolt.Tx) error {
		var tag Tag
		if err := getLiveTagInTx(tx, repo, name, &tag); err != nil {
			return err
		}
		return closeTagInTx(tx, &tag, nowMs)
	})
}

// closeTagInTx sets lifetime_end_ms on a live row and drops the live
// pointer.
func closeTagInTx(tx *bbolt.Tx, tag *Tag, endMs int64) error {
	tag.LifetimeEndMs = &endMs

	start := time.UnixMilli(tag.LifetimeStartMs).UTC()
	liveKey := makeKey(tag.Repository, tag.Name)

	// the row key carries nanosecond precision; recover it from the live
	// pointer rather than the millisecond lifetime field
	if startTS := tx.Bucket(bucketTagsLive).Get(liveKey); startTS != nil {
		start = decodeTimestamp(startTS)
	}

	data, err := json.Marshal(tag)
	if err != nil {
		return fmt.Errorf("marshaling tag: %w", err)
	}
	if err := tx.Bucket(bucketTags).Put(makeTagKey(tag.Repository, tag.Name, start), data); err != nil {
		return fmt.Errorf("closing tag row: %w", err)
	}
	return tx.Bucket(bucketTagsLive).Delete(liveKey)
}

// ListTags returns up to n live tag names in a repository, sorted lexically,
// starting after last. n <= 0 means no limit.
func (d *DB) ListTags(_ context.Context, repo string, n int, last string) ([]string, error) {
	var names []string
	prefix := append(makeKey(repo), 0)

	err := d.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketTagsLive).Cursor()

		var seek []byte
		if last != "" {
			seek = append(append([]byte{}, prefix...), last...)
		} else {
			seek = prefix
		}

		for k, _ := cursor.Seek(seek); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			name := string(k[len(prefix):])
			if last != "" && name <= last {
				continue
			}
			if n > 0 && len(names) >= n {
				break
			}
			names = append(names, name)
		}
		return nil
	})
	return names, err
}

// TagHistory returns every row for (repo, name) ordered by lifetime start.
func (d *DB) TagHistory(_ context.Context, repo, name string) ([]Tag, error) {
	var tags []Tag
	prefix := append(makeKey(repo, name), 0)

	err := d.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketTags).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var tag Tag
			if err := json.Unmarshal(v, &tag); err != nil {
				return fmt.Errorf("unmarshaling tag row: %w", err)
			}
			tags = append(tags, tag)
		}
		return nil
	})
	return tags, err
}

// ReapExpiredTags closes live tags whose expiration has passed. Returns the
// number of tags closed.
func (d *DB) ReapExpiredTags(_ context.Context, before time.Time, limit int) (int, error) {
	beforeMs := before.UnixMilli()
	closed := 0

	err := d.db.Update(func(tx *bbolt.Tx) error {
		type expired struct{ repo, name string }
		var hits []expired

		cursor := tx.Bucket(bucketTagsLive).Cursor()
		for k, startTS := cursor.First(); k != nil; k, startTS = cursor.Next() {
			if limit > 0 && len(hits) >= limit {
				break
			}

			parts := splitKey(k)
			if len(parts) != 2 {
				continue
			}

			rowKey := append(append([]byte{}, k...), 0)
			rowKey = append(rowKey, startTS...)
			val := tx.Bucket(bucketTags).Get(rowKey)
			if val == nil {
				continue
			}

			var tag Tag
			if err := json.Unmarshal(val, &tag); err != nil {
				continue
			}
			if tag.ExpirationMs > 0 && tag.ExpirationMs <= beforeMs {
				hits = append(hits, expired{repo: parts[0], name: parts[1]})
			}
		}

		for _, h := range hits {
			var tag Tag
			if err := getLiveTagInTx(tx, h.repo, h.name, &tag); err != nil {
				continue
			}
			if err := closeTagInTx(tx, &tag, beforeMs); err != nil {
				return err
			}
			closed++
		}
		return nil
	})
	return closed, err
}

// closeTagsForManifestInTx closes every live tag in repo pointing at the
// given manifest digest.
func closeTagsForManifestInTx(tx *bbolt.Tx, repo, manifestDigest string, endMs int64) error {
	prefix := append(makeKey(repo), 0)

	type hit struct{ name string }
	var hits []hit

	cursor := tx.Bucket(bucketTagsLive).Cursor()
	for k, startTS := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, startTS = cursor.Next() {
		rowKey := append(append([]byte{}, k...), 0)
		rowKey = append(rowKey, startTS...)
		val := tx.Bucket(bucketTags).Get(rowKey)
		if val == nil {
			continue
		}

		var tag Tag
		if err := json.Unmarshal(val, &tag); err != nil {
			continue
		}
		if tag.ManifestDigest == manifestDigest {
			hits = append(hits, hit{name: tag.Name})
		}
	}

	for _, h := range hits {
		var tag Tag
		if err := getLiveTagInTx(tx, repo, h.name, &tag); err != nil {
			continue
		}
		if err := closeTagInTx(tx, &tag, endMs); err != nil {
			return err
		}
	}
	return nil
}

// tagMatchesPolicy reports whether any of the repository's immutability
// patterns match the tag name.
func tagMatchesPolicy(tx *bbolt.Tx, repo, name string) (bool, error) {
	val := tx.Bucket(bucketRepositories).Get([]byte(repo))
	if val == nil {
		return false, nil
	}

	var row Repository
	if err := json.Unmarshal(val, &row); err != nil {
		return false, fmt.Errorf("unmarshaling repository: %w", err)
	}

	for _, pattern := range row.ImmutableTagPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		if re.MatchString(name) {
			return true, nil
		}
	}
	return false, nil
}
