// Package profile persists hotness profiles: how often each block entry
// ran in the interpreter, with a fingerprint of its code so a profile
// recorded against one guest image is not applied to another.
package profile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/fortiblox/tiercore/internal/types"
)

// FingerprintBytes is how many code bytes at an entry are fingerprinted.
const FingerprintBytes = 16

// recordChunk bounds the entries written in one transaction.
const recordChunk = 1024

var (
	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("profile store closed")

	// ErrCorruptEntry is returned when a stored entry cannot be decoded.
	ErrCorruptEntry = errors.New("corrupt profile entry")
)

// Key prefixes.
var (
	// prefixEntry + entry RIP (8 bytes, big-endian).
	prefixEntry = []byte{0x01}

	// prefixMeta + key name.
	prefixMeta = []byte{0x02}

	metaEntryCount = append(append([]byte{}, prefixMeta...), []byte("count")...)
)

// Entry is the recorded hotness of one block entry.
type Entry struct {
	EntryRIP    uint64
	Count       uint32
	Fingerprint types.Hash
}

// Fingerprint digests the code bytes at an entry.
func Fingerprint(code []byte) types.Hash {
	if len(code) > FingerprintBytes {
		code = code[:FingerprintBytes]
	}
	return types.HashBytes(code)
}

// Config contains store configuration.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// NumCompactors is the number of compaction workers.
	NumCompactors int

	// Logger is an optional logger. Set to nil to disable logging.
	Logger badger.Logger
}

// DefaultConfig returns the default configuration for a store at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		NumCompactors: 2,
	}
}

// Store is a badger-backed profile database.
type Store struct {
	db *badger.DB

	// entries is cached in memory
	entries atomic.Uint64

	// mu serializes writers
	mu sync.Mutex

	closed atomic.Bool
}

// Open opens or creates a profile store.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	if cfg.NumCompactors < 2 {
		cfg.NumCompactors = 2
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumCompactors(cfg.NumCompactors).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	s := &Store{db: db}

	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaEntryCount)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) >= 8 {
				s.entries.Store(binary.LittleEndian.Uint64(val))
			}
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return s, nil
}

func entryKey(rip uint64) []byte {
	key := make([]byte, 1+8)
	key[0] = prefixEntry[0]
	binary.BigEndian.PutUint64(key[1:], rip)
	return key
}

func encodeEntry(e Entry) []byte {
	buf := make([]byte, 4+types.HashSize)
	binary.LittleEndian.PutUint32(buf, e.Count)
	copy(buf[4:], e.Fingerprint[:])
	return buf
}

func decodeEntry(key, val []byte) (Entry, error) {
	if len(key) != 9 || len(val) != 4+types.HashSize {
		return Entry{}, fmt.Errorf("%w: key %x", ErrCorruptEntry, key)
	}
	e := Entry{
		EntryRIP: binary.BigEndian.Uint64(key[1:]),
		Count:    binary.LittleEndian.Uint32(val),
	}
	copy(e.Fingerprint[:], val[4:])
	return e, nil
}

// Record merges entries into the store. Counts for an entry whose
// fingerprint is unchanged accumulate, saturating at the largest uint32;
// a changed fingerprint replaces the old entry.
func (s *Store) Record(entries []Entry) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(entries) > 0 {
		n := len(entries)
		if n > recordChunk {
			n = recordChunk
		}
		chunk := entries[:n]
		entries = entries[n:]

		var added uint64
		err := s.db.Update(func(txn *badger.Txn) error {
			added = 0
			for _, e := range chunk {
				key := entryKey(e.EntryRIP)
				merged := e
				item, err := txn.Get(key)
				switch {
				case errors.Is(err, badger.ErrKeyNotFound):
					added++
				case err != nil:
					return err
				default:
					err = item.Value(func(val []byte) error {
						old, err := decodeEntry(key, val)
						if err != nil {
							return err
						}
						if old.Fingerprint == e.Fingerprint {
							merged.Count = saturatingAdd(old.Count, e.Count)
						}
						return nil
					})
					if err != nil {
						return err
					}
				}
				if err := txn.Set(key, encodeEntry(merged)); err != nil {
					return err
				}
			}
			var cnt [8]byte
			binary.LittleEndian.PutUint64(cnt[:], s.entries.Load()+added)
			return txn.Set(metaEntryCount, cnt[:])
		})
		if err != nil {
			return fmt.Errorf("record profile: %w", err)
		}
		s.entries.Add(added)
	}
	return nil
}

// Load returns every entry ordered by entry RIP.
func (s *Store) Load() ([]Entry, error) {
	return s.scan(func(Entry) bool { return true })
}

// Hot returns the entries that ran at least minCount times, hottest
// first.
func (s *Store) Hot(minCount uint32) ([]Entry, error) {
	out, err := s.scan(func(e Entry) bool { return e.Count >= minCount })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out, nil
}

func (s *Store) scan(keep func(Entry) bool) ([]Entry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var out []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixEntry
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefixEntry); it.ValidForPrefix(prefixEntry); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			err := item.Value(func(val []byte) error {
				e, err := decodeEntry(key, val)
				if err != nil {
					return err
				}
				if keep(e) {
					out = append(out, e)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Len returns the number of stored entries.
func (s *Store) Len() uint64 {
	return s.entries.Load()
}

// Clear removes every entry.
func (s *Store) Clear() error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.DropPrefix(prefixEntry, prefixMeta); err != nil {
		return fmt.Errorf("clear profile: %w", err)
	}
	s.entries.Store(0)
	return nil
}

// Close closes the store.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func saturatingAdd(a, b uint32) uint32 {
	if s := a + b; s >= a {
		return s
	}
	return ^uint32(0)
}
