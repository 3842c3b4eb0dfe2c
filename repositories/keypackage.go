package repositories

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"keyrelay/domain"
	relayerrors "keyrelay/errors"
)

type IKeyPackageRepository interface {
	Upload(owner string, blob []byte) (uuid.UUID, error)
	AvailableOldest(owner string, exclude map[uuid.UUID]struct{}) (domain.KeyPackage, error)
	Delete(id uuid.UUID) error
	CountByOwner(owner string) (int, error)
}

// KeyPackageRepository persists key packages in BadgerDB.
// The primary key is formatted as "kp:{owner}:{timestamp_padded}:{uuid}" to:
//  1. Ensure chronological sorting using 19-digit zero padding (lexicographical
//     order), so a forward prefix scan yields oldest-upload-first.
//  2. Prevent data loss by using UUID as a collision disconnector if two
//     packages arrive at the same nanosecond.
//
// A secondary index "kpid:{uuid}" maps the package id back to the primary key
// so consumption can delete by id without a scan.
//
// Owner ids must not contain ':' (they are uuid-shaped strings issued by the
// identity layer).
type KeyPackageRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewKeyPackageRepository(db *badger.DB, log *slog.Logger) KeyPackageRepository {
	return KeyPackageRepository{db: db, log: log}
}

type diskKeyPackage struct {
	ID         string `json:"id"`
	Owner      string `json:"owner"`
	Blob       []byte `json:"blob"`
	UploadedAt int64  `json:"uploaded_at"` // unix nanoseconds
}

func primaryKey(owner string, uploadedAt time.Time, id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("kp:%s:%019d:%s", owner, uploadedAt.UnixNano(), id))
}

func indexKey(id uuid.UUID) []byte {
	return []byte("kpid:" + id.String())
}

// Upload appends a new package to the owner's pool. It always succeeds:
// no dedup is performed, the blob is opaque.
func (r KeyPackageRepository) Upload(owner string, blob []byte) (uuid.UUID, error) {
	id := uuid.New()
	now := time.Now().UTC()
	bytes, err := json.Marshal(diskKeyPackage{
		ID:         id.String(),
		Owner:      owner,
		Blob:       blob,
		UploadedAt: now.UnixNano(),
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal failed: %w", err)
	}

	key := primaryKey(owner, now, id)
	err = r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, bytes); err != nil {
			return err
		}
		return txn.Set(indexKey(id), key)
	})
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// AvailableOldest returns the oldest uploaded package of the owner whose id
// is not in the exclude set. The exclude set carries the ids currently held
// by active reservations; reservation state itself never touches disk.
func (r KeyPackageRepository) AvailableOldest(owner string, exclude map[uuid.UUID]struct{}) (domain.KeyPackage, error) {
	var found *diskKeyPackage
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte("kp:" + owner + ":")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var disk diskKeyPackage
			err := it.Item().Value(func(value []byte) error {
				return json.Unmarshal(value, &disk)
			})
			if err != nil {
				return err
			}
			id, err := uuid.Parse(disk.ID)
			if err != nil {
				return err
			}
			if _, reserved := exclude[id]; reserved {
				continue
			}
			found = &disk
			return nil
		}
		return nil
	})
	if err != nil {
		return domain.KeyPackage{}, err
	}
	if found == nil {
		return domain.KeyPackage{}, relayerrors.ErrNotFound
	}
	return toKeyPackage(*found)
}

// Delete removes a package permanently, both the entry and its id index, in
// a single transaction. Deletion is how consumption is recorded: a consumed
// package is simply gone from the pool.
func (r KeyPackageRepository) Delete(id uuid.UUID) error {
	return r.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(id))
		if err == badger.ErrKeyNotFound {
			return relayerrors.ErrNotFound
		}
		if err != nil {
			return err
		}
		var key []byte
		if err := item.Value(func(v []byte) error {
			key = append([]byte(nil), v...)
			return nil
		}); err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(indexKey(id))
	})
}

// CountByOwner reports the remaining pool size, reserved packages included.
// Clients poll this to decide when to publish fresh packages.
func (r KeyPackageRepository) CountByOwner(owner string) (int, error) {
	count := 0
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte("kp:" + owner + ":")
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func toKeyPackage(disk diskKeyPackage) (domain.KeyPackage, error) {
	id, err := uuid.Parse(disk.ID)
	if err != nil {
		return domain.KeyPackage{}, err
	}
	return domain.KeyPackage{
		ID:         id,
		Owner:      disk.Owner,
		Blob:       disk.Blob,
		UploadedAt: time.Unix(0, disk.UploadedAt).UTC(),
	}, nil
}
