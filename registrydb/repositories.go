package registrydb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

// CreateRepository inserts a new repository row. Missing kind, visibility,
// and state default to image/private/normal.
func (d *DB) CreateRepository(_ context.Context, repo *Repository) error {
	if repo.Kind == "" {
		repo.Kind = KindImage
	}
	if repo.Visibility == "" {
		repo.Visibility = VisibilityPrivate
	}
	if repo.State == "" {
		repo.State = StateNormal
	}
	repo.CreatedAt = d.now().UTC()

	return d.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRepositories)
		if bucket.Get([]byte(repo.Name)) != nil {
			return fmt.Errorf("repository %q: %w", repo.Name, ErrAlreadyExists)
		}

		data, err := json.Marshal(repo)
		if err != nil {
			return fmt.Errorf("marshaling repository: %w", err)
		}
		return bucket.Put([]byte(repo.Name), data)
	})
}

// GetRepository retrieves a repository by its full name.
func (d *DB) GetRepository(_ context.Context, name string) (*Repository, error) {
	var repo Repository
	err := d.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketRepositories).Get([]byte(name))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &repo)
	})
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// UpdateRepository performs a read-modify-write on a repository row in a
// single transaction.
func (d *DB) UpdateRepository(_ context.Context, name string, fn func(*Repository) error) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRepositories)
		val := bucket.Get([]byte(name))
		if val == nil {
			return ErrNotFound
		}

		var repo Repository
		if err := json.Unmarshal(val, &repo); err != nil {
			return fmt.Errorf("unmarshaling repository: %w", err)
		}

		if err := fn(&repo); err != nil {
			return err
		}

		data, err := json.Marshal(&repo)
		if err != nil {
			return fmt.Errorf("marshaling repository: %w", err)
		}
		return bucket.Put([]byte(name), data)
	})
}

// ListRepositories returns up to n repository names sorted lexically,
// starting after last. publicOnly filters to public repositories. n <= 0
// means no limit.
func (d *DB) ListRepositories(_ context.Context, n int, last string, publicOnly bool) ([]string, error) {
	var names []string
	err := d.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketRepositories).Cursor()

		var k, v []byte
		if last != "" {
			k, v = cursor.Seek([]byte(last))
			if k != nil && bytes.Equal(k, []byte(last)) {
				k, v = cursor.Next()
			}
		} else {
			k, v = cursor.First()
		}

		for ; k != nil; k, v = cursor.Next() {
			if n > 0 && len(names) >= n {
				break
			}

			if publicOnly {
				var repo Repository
				if err := json.Unmarshal(v, &repo); err != nil {
					continue
				}
				if repo.Visibility != VisibilityPublic {
					continue
				}
			}
			names = append(names, string(k))
		}
		return nil
	})
	return names, err
}

// DeleteRepository removes a repository row. Tags, notifications, and
// manifest links are cleaned up by GC once the row is gone.
func (d *DB) DeleteRepository(_ context.Context, name string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRepositories).Delete([]byte(name))
	})
}
