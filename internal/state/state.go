package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.moneyloop/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	cacheBucketPrefix = "cache:"
)

var (
	appBucket    = []byte("app")
	deviceIDKey  = []byte("device_id")
	outboxBucket = []byte("outbox")
	metaBucket   = []byte("sync_metadata")
)

func cacheBucket(entityType string) []byte {
	return []byte(cacheBucketPrefix + entityType)
}

// Option configures a State at open time.
type Option func(*State)

// WithClock replaces time.Now for timestamps written by the store.
func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

// State wraps a bbolt database holding the outbox, the local entity cache
// and the pull cursors. Every mutation runs in its own bbolt write
// transaction, so concurrent writers and the sync coordinator never see a
// partially applied change.
type State struct {
	db  *bolt.DB
	now func() time.Time
}

// Load opens the state database at ~/.moneyloop/sync.db, creating it if it
// does not exist.
func Load(opts ...Option) (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path, opts...)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string, opts ...Option) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, outboxBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	s := &State{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// DeviceID returns the identifier this installation uses for presence,
// generating and persisting a random one on first use.
func (s *State) DeviceID() (string, error) {
	var id string

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if v := b.Get(deviceIDKey); v != nil {
			id = string(v)
			return nil
		}

		id = uuid.NewString()

		return b.Put(deviceIDKey, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("loading device id: %w", err)
	}

	return id, nil
}

// Reset wipes the outbox, every entity cache and all cursors in one
// transaction. The device ID and the outbox ID sequence survive. Used on
// logout.
func (s *State) Reset() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var caches [][]byte

		err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if strings.HasPrefix(string(name), cacheBucketPrefix) {
				caches = append(caches, append([]byte(nil), name...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, name := range caches {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}

		for _, name := range [][]byte{outboxBucket, metaBucket} {
			if err := clearBucket(tx.Bucket(name)); err != nil {
				return err
			}
		}

		return nil
	})
}

// DefaultPath returns ~/.moneyloop/sync.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".moneyloop", "sync.db"), nil
}
