package credentials

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	mediacache "github.com/wolfeidau/media-cache"
)

// ErrNotFound is returned when no credentials exist for a lookup.
var ErrNotFound = errors.New("credentials: not found")

var bucketRecords = []byte("records")

// DefaultRefreshInterval is how long consumers may rely on state derived
// from the store before re-reading it.
const DefaultRefreshInterval = 2 * time.Minute

// Store is an encrypted credential store backed by bbolt.
//
// Records are keyed by file system and bucket spelling, with an empty
// bucket holding the file system default. Bucket keys containing glob
// metacharacters ("*", "?" or "[") are pattern records; they never match
// exact lookups and are surfaced separately via Patterns.
type Store struct {
	db        *bbolt.DB
	masterKey []byte
	logger    *slog.Logger
	refresh   time.Duration
	now       func() time.Time

	mu        sync.Mutex
	expiresAt time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger for the store.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithRefreshInterval sets how often consumers should rebuild state
// derived from the store.
func WithRefreshInterval(d time.Duration) StoreOption {
	return func(s *Store) {
		s.refresh = d
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// OpenStore opens or creates the credential store at path. The master key
// seals records at rest and must be at least 16 bytes.
func OpenStore(path string, masterKey []byte, opts ...StoreOption) (*Store, error) {
	if len(masterKey) < 16 {
		return nil, errors.New("credentials: master key must be at least 16 bytes")
	}

	s := &Store{
		masterKey: masterKey,
		logger:    slog.Default(),
		refresh:   DefaultRefreshInterval,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating records bucket: %w", err)
	}

	s.db = db
	s.logger.Debug("opened credential store", "path", path)

	return s, nil
}

// Close closes the store.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// recordKey is fs|0x00|bucket so fs prefixes scan cleanly.
func recordKey(fs mediacache.FSType, bucket string) []byte {
	return append(append([]byte(fs), 0), bucket...)
}

func splitRecordKey(key []byte) (mediacache.FSType, string, bool) {
	i := bytes.IndexByte(key, 0)
	if i < 0 {
		return "", "", false
	}
	return mediacache.FSType(key[:i]), string(key[i+1:]), true
}

// IsPattern reports whether a bucket spelling is a glob pattern record
// rather than an exact bucket.
func IsPattern(bucket string) bool {
	return strings.ContainsAny(bucket, "*?[")
}

// Put stores credentials for the given file system and bucket spelling.
// An empty bucket sets the file system default.
func (s *Store) Put(fs mediacache.FSType, bucket string, creds *Credentials) error {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	key := recordKey(fs, bucket)
	sealed, err := seal(s.masterKey, key, plaintext)
	if err != nil {
		return fmt.Errorf("sealing credentials: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).Put(key, sealed)
	})
	if err != nil {
		return fmt.Errorf("storing credentials: %w", err)
	}

	s.logger.Debug("stored credentials", "fs", fs, "bucket", bucket)
	return nil
}

// Get returns the credentials stored for the exact file system and bucket
// spelling, or ErrNotFound.
func (s *Store) Get(fs mediacache.FSType, bucket string) (*Credentials, error) {
	key := recordKey(fs, bucket)

	var sealed []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketRecords).Get(key)
		if val == nil {
			return ErrNotFound
		}
		sealed = bytes.Clone(val)
		return nil
	})
	if err != nil {
		return nil, err
	}

	plaintext, err := unseal(s.masterKey, key, sealed)
	if err != nil {
		return nil, fmt.Errorf("unsealing credentials for %s %q: %w", fs, bucket, err)
	}

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("decoding credentials for %s %q: %w", fs, bucket, err)
	}

	return &creds, nil
}

// Delete removes the record for the file system and bucket spelling.
func (s *Store) Delete(fs mediacache.FSType, bucket string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).Delete(recordKey(fs, bucket))
	})
}

// Buckets returns the exact bucket spellings with records for the file
// system, excluding the default record and pattern records.
func (s *Store) Buckets(fs mediacache.FSType) ([]string, error) {
	var out []string
	err := s.scan(fs, func(bucket string) {
		if bucket != "" && !IsPattern(bucket) {
			out = append(out, bucket)
		}
	})
	return out, err
}

// Patterns returns the glob pattern records for the file system.
func (s *Store) Patterns(fs mediacache.FSType) ([]string, error) {
	var out []string
	err := s.scan(fs, func(bucket string) {
		if IsPattern(bucket) {
			out = append(out, bucket)
		}
	})
	return out, err
}

// Has reports whether an exact record exists for the file system and
// bucket spelling.
func (s *Store) Has(fs mediacache.FSType, bucket string) (bool, error) {
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketRecords).Get(recordKey(fs, bucket)) != nil
		return nil
	})
	return found, err
}

// FileSystems returns the file systems with at least one record.
func (s *Store) FileSystems() ([]mediacache.FSType, error) {
	seen := map[mediacache.FSType]bool{}
	var out []mediacache.FSType

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, _ []byte) error {
			fs, _, ok := splitRecordKey(k)
			if ok && !seen[fs] {
				seen[fs] = true
				out = append(out, fs)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (s *Store) scan(fs mediacache.FSType, visit func(bucket string)) error {
	prefix := recordKey(fs, "")

	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if _, bucket, ok := splitRecordKey(k); ok {
				visit(bucket)
			}
		}
		return nil
	})
}

// Expired reports whether consumers should rebuild state derived from the
// store, such as memoized clients and registered prefixes.
func (s *Store) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.now().Before(s.expiresAt)
}

// MarkRefreshed restarts the refresh clock after consumers have rebuilt
// their derived state.
func (s *Store) MarkRefreshed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiresAt = s.now().Add(s.refresh)
}
