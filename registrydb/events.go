package registrydb

import (
	"bytes"
	"context"

	"go.etcd.io/bbolt"
)

// QueuedEvent is one entry in a per-kind durable event queue.
type QueuedEvent struct {
	Kind    string
	ID      string
	Payload []byte
}

// EnqueueEvent appends a payload to the queue for kind. The id doubles as
// an idempotency key: re-enqueueing the same (kind, id) overwrites rather
// than duplicates.
func (d *DB) EnqueueEvent(_ context.Context, kind, id string, payload []byte) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEvents).Put(makeKey(kind, id), payload)
	})
}

// PeekEvents returns up to limit queued events for kind.
func (d *DB) PeekEvents(_ context.Context, kind string, limit int) ([]QueuedEvent, error) {
	var events []QueuedEvent
	prefix := append(makeKey(kind), 0)

	err := d.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketEvents).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			if limit > 0 && len(events) >= limit {
				break
			}

			parts := splitKey(k)
			if len(parts) < 2 {
				continue
			}

			payload := make([]byte, len(v))
			copy(payload, v)
			events = append(events, QueuedEvent{
				Kind:    kind,
				ID:      parts[1],
				Payload: payload,
			})
		}
		return nil
	})
	return events, err
}

// AckEvent removes a delivered event from its queue.
func (d *DB) AckEvent(_ context.Context, kind, id string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEvents).Delete(makeKey(kind, id))
	})
}
