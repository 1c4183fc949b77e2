package registrydb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// CreateUpload inserts a new upload row and its expiry index entry.
func (d *DB) CreateUpload(_ context.Context, u *Upload) error {
	u.CreatedAt = d.now().UTC()

	return d.db.Update(func(tx *bbolt.Tx) error {
		uploads := tx.Bucket(bucketUploads)
		if uploads.Get([]byte(u.UUID)) != nil {
			return fmt.Errorf("upload %q: %w", u.UUID, ErrAlreadyExists)
		}

		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("marshaling upload: %w", err)
		}
		if err := uploads.Put([]byte(u.UUID), data); err != nil {
			return fmt.Errorf("putting upload: %w", err)
		}

		expiryKey := makeExpiryKey(u.ExpiresAt, u.UUID)
		return tx.Bucket(bucketUploadsByExpiry).Put(expiryKey, []byte(u.UUID))
	})
}

// GetUpload retrieves an upload row by uuid.
func (d *DB) GetUpload(_ context.Context, uuid string) (*Upload, error) {
	var u Upload
	err := d.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketUploads).Get([]byte(uuid))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// BeginAdvance claims an upload for a chunk write. It fails with
// ErrUploadBusy when another advance is in flight and with ErrRangeConflict
// when startOffset does not equal the current byte count; neither failure
// mutates the row.
func (d *DB) BeginAdvance(_ context.Context, uuid string, startOffset int64) (*Upload, error) {
	var u Upload
	err := d.db.Update(func(tx *bbolt.Tx) error {
		uploads := tx.Bucket(bucketUploads)
		val := uploads.Get([]byte(uuid))
		if val == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(val, &u); err != nil {
			return fmt.Errorf("unmarshaling upload: %w", err)
		}

		if u.Advancing {
			return fmt.Errorf("upload %q: %w", uuid, ErrUploadBusy)
		}
		if startOffset != u.ByteCount {
			return fmt.Errorf("%w: range starts at %d, upload is at %d", ErrRangeConflict, startOffset, u.ByteCount)
		}

		u.Advancing = true
		data, err := json.Marshal(&u)
		if err != nil {
			return fmt.Errorf("marshaling upload: %w", err)
		}
		return uploads.Put([]byte(uuid), data)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CompleteAdvance records the result of a chunk write and releases the
// claim.
func (d *DB) CompleteAdvance(_ context.Context, uuid string, byteCount int64, hashState, driverMeta []byte) error {
	return d.updateUpload(uuid, func(u *Upload) {
		u.ByteCount = byteCount
		u.HashState = hashState
		u.DriverMeta = driverMeta
		u.Advancing = false
	})
}

// AbortAdvance releases the claim without changing the upload state, so a
// failed chunk write can be retried from the previous byte count.
func (d *DB) AbortAdvance(_ context.Context, uuid string) error {
	return d.updateUpload(uuid, func(u *Upload) {
		u.Advancing = false
	})
}

func (d *DB) updateUpload(uuid string, fn func(*Upload)) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		uploads := tx.Bucket(bucketUploads)
		val := uploads.Get([]byte(uuid))
		if val == nil {
			return ErrNotFound
		}

		var u Upload
		if err := json.Unmarshal(val, &u); err != nil {
			return fmt.Errorf("unmarshaling upload: %w", err)
		}

		fn(&u)

		data, err := json.Marshal(&u)
		if err != nil {
			return fmt.Errorf("marshaling upload: %w", err)
		}
		return uploads.Put([]byte(uuid), data)
	})
}

// DeleteUpload removes an upload row and its expiry index entry.
func (d *DB) DeleteUpload(_ context.Context, uuid string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		uploads := tx.Bucket(bucketUploads)
		val := uploads.Get([]byte(uuid))
		if val == nil {
			return nil
		}

		var u Upload
		if err := json.Unmarshal(val, &u); err == nil {
			expiryKey := makeExpiryKey(u.ExpiresAt, u.UUID)
			if err := tx.Bucket(bucketUploadsByExpiry).Delete(expiryKey); err != nil {
				return fmt.Errorf("deleting expiry index: %w", err)
			}
		}
		return uploads.Delete([]byte(uuid))
	})
}

// ListExpiredUploads returns uploads whose expiry passed before the given
// time, oldest first.
func (d *DB) ListExpiredUploads(_ context.Context, before time.Time, limit int) ([]Upload, error) {
	var hits []Upload
	beforeTS := encodeTimestamp(before)

	err := d.db.View(func(tx *bbolt.Tx) error {
		uploads := tx.Bucket(bucketUploads)
		cursor := tx.Bucket(bucketUploadsByExpiry).Cursor()

		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			// keys are sorted by timestamp, stop past the cutoff
			if bytes.Compare(k[:8], beforeTS) >= 0 {
				break
			}
			if limit > 0 && len(hits) >= limit {
				break
			}

			val := uploads.Get(v)
			if val == nil {
				continue
			}
			var u Upload
			if err := json.Unmarshal(val, &u); err != nil {
				continue
			}
			hits = append(hits, u)
		}
		return nil
	})
	return hits, err
}
