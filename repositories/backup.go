package repositories

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"keyrelay/domain"
	relayerrors "keyrelay/errors"
)

type IBackupRepository interface {
	Store(user string, version uint64, blob []byte) error
	Get(user string) (domain.Backup, error)
}

// BackupRepository stores one encrypted client-state snapshot per user,
// latest-wins. The version comparison and the overwrite happen inside a
// single Badger transaction, so a stale write never clobbers newer state
// and a failed write leaves the stored backup untouched.
type BackupRepository struct {
	db *badger.DB
}

func NewBackupRepository(db *badger.DB) BackupRepository {
	return BackupRepository{db: db}
}

type diskBackup struct {
	Version  uint64 `json:"version"`
	Blob     []byte `json:"blob"`
	StoredAt int64  `json:"stored_at"` // unix nanoseconds
}

func backupKey(user string) []byte {
	return []byte("backup:" + user)
}

// Store overwrites the prior backup only if version is strictly greater than
// the stored one; otherwise it fails with ErrStaleVersion.
func (r BackupRepository) Store(user string, version uint64, blob []byte) error {
	bytes, err := json.Marshal(diskBackup{
		Version:  version,
		Blob:     blob,
		StoredAt: time.Now().UTC().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}

	return r.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(backupKey(user))
		switch err {
		case badger.ErrKeyNotFound:
			// First backup for this user, any version wins.
		case nil:
			var stored diskBackup
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &stored)
			}); err != nil {
				return err
			}
			if version <= stored.Version {
				return relayerrors.ErrStaleVersion
			}
		default:
			return err
		}
		return txn.Set(backupKey(user), bytes)
	})
}

func (r BackupRepository) Get(user string) (domain.Backup, error) {
	var stored diskBackup
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(backupKey(user))
		if err == badger.ErrKeyNotFound {
			return relayerrors.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &stored)
		})
	})
	if err != nil {
		return domain.Backup{}, err
	}
	return domain.Backup{
		User:     user,
		Version:  stored.Version,
		Blob:     stored.Blob,
		StoredAt: time.Unix(0, stored.StoredAt).UTC(),
	}, nil
}
