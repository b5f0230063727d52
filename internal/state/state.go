package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.ledger-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket     = []byte("app")
	historyBucket = []byte("history")
	credentialKey = []byte("credential")
	accountKey    = []byte("account")
)

// State wraps a bbolt database for all persistent application state:
// the cached remote credential, the signed-in account and the sync
// history. The published sync state of the engine is never stored here.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(historyBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Credential returns the cached credential, or nil when none is stored.
func (s *State) Credential() (*models.Credential, error) {
	var cred *models.Credential

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(credentialKey)
		if v == nil {
			return nil
		}

		cred = &models.Credential{}

		return json.Unmarshal(v, cred)
	})

	return cred, err
}

// SetCredential persists the credential, replacing any previous one.
func (s *State) SetCredential(cred models.Credential) error {
	return s.putJSON(credentialKey, cred)
}

// ClearCredential removes the cached credential and account.
func (s *State) ClearCredential() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if err := b.Delete(credentialKey); err != nil {
			return err
		}

		return b.Delete(accountKey)
	})
}

// Account returns the cached account, or nil when none is stored.
func (s *State) Account() (*models.Account, error) {
	var acct *models.Account

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(accountKey)
		if v == nil {
			return nil
		}

		acct = &models.Account{}

		return json.Unmarshal(v, acct)
	})

	return acct, err
}

// SetAccount persists the account details shown for the signed-in user.
func (s *State) SetAccount(acct models.Account) error {
	return s.putJSON(accountKey, acct)
}

func (s *State) putJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(key, data)
	})
}

// RecordSync appends a record to the sync history. Keys are big-endian
// sequence numbers so cursor order is insertion order.
func (s *State) RecordSync(rec models.SyncRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(historyBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		return b.Put(seqKey(seq), data)
	})
}

// History returns up to limit of the most recent sync records, newest
// first. A limit of zero or less returns every record.
func (s *State) History(limit int) ([]models.SyncRecord, error) {
	var records []models.SyncRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(historyBucket).Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}

			var rec models.SyncRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			records = append(records, rec)
		}

		return nil
	})

	return records, err
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)

	return k
}
