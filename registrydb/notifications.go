package registrydb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// CreateNotification inserts a new delivery rule for a repository.
func (d *DB) CreateNotification(_ context.Context, n *Notification) error {
	if n.UUID == "" {
		n.UUID = uuid.New().String()
	}

	return d.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("marshaling notification: %w", err)
		}
		return tx.Bucket(bucketNotifications).Put(makeKey(n.Repository, n.UUID), data)
	})
}

// GetNotification retrieves a rule by repository and uuid.
func (d *DB) GetNotification(_ context.Context, repo, uuid string) (*Notification, error) {
	var n Notification
	err := d.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketNotifications).Get(makeKey(repo, uuid))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &n)
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// ListNotifications returns the rules for a repository, optionally filtered
// by event kind. Suppressed rules are included; callers check Suppressed.
func (d *DB) ListNotifications(_ context.Context, repo, eventKind string) ([]Notification, error) {
	var rules []Notification
	prefix := append(makeKey(repo), 0)

	err := d.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketNotifications).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var n Notification
			if err := json.Unmarshal(v, &n); err != nil {
				continue
			}
			if eventKind != "" && n.EventKind != eventKind {
				continue
			}
			rules = append(rules, n)
		}
		return nil
	})
	return rules, err
}

// RecordNotificationRun updates a rule after a delivery attempt. A failed
// attempt increments the failure count; three failures suppress the rule
// until ResetNotification clears it.
func (d *DB) RecordNotificationRun(_ context.Context, repo, uuid string, failed bool) error {
	nowMs := d.now().UTC().UnixMilli()

	return d.updateNotification(repo, uuid, func(n *Notification) {
		n.LastRanMs = nowMs
		if failed {
			n.FailureCount++
		} else {
			n.FailureCount = 0
		}
	})
}

// ResetNotification clears a rule's failure count.
func (d *DB) ResetNotification(_ context.Context, repo, uuid string) error {
	return d.updateNotification(repo, uuid, func(n *Notification) {
		n.FailureCount = 0
	})
}

func (d *DB) updateNotification(repo, uuid string, fn func(*Notification)) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketNotifications)
		key := makeKey(repo, uuid)

		val := bucket.Get(key)
		if val == nil {
			return ErrNotFound
		}

		var n Notification
		if err := json.Unmarshal(val, &n); err != nil {
			return fmt.Errorf("unmarshaling notification: %w", err)
		}

		fn(&n)

		data, err := json.Marshal(&n)
		if err != nil {
			return fmt.Errorf("marshaling notification: %w", err)
		}
		return bucket.Put(key, data)
	})
}

// DeleteNotification removes a rule.
func (d *DB) DeleteNotification(_ context.Context, repo, uuid string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNotifications).Delete(makeKey(repo, uuid))
	})
}
