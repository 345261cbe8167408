package snapshot

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/tiercore/internal/types"
	"github.com/fortiblox/tiercore/pkg/cpu"
	"github.com/fortiblox/tiercore/pkg/memory"
)

// Bucket names.
var (
	// bucketManifests stores envelopes keyed by snapshot ID.
	bucketManifests = []byte("manifests")

	// bucketPages stores compressed page contents keyed by digest.
	bucketPages = []byte("pages")

	// bucketMeta maps snapshot names to IDs.
	bucketMeta = []byte("meta")
)

// Config holds snapshot store options.
type Config struct {
	// Path is the database file.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// Level is the zstd compression level for page contents.
	Level zstd.EncoderLevel
}

// DefaultConfig returns the default configuration for a store at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:  path,
		Level: zstd.SpeedDefault,
	}
}

// Store is a snapshot database.
type Store struct {
	db     *bolt.DB
	config Config

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens the store at config.Path.
func Open(config Config) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	if config.Level == 0 {
		config.Level = zstd.SpeedDefault
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if !config.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			for _, name := range [][]byte{bucketManifests, bucketPages, bucketMeta} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return fmt.Errorf("create bucket %s: %w", name, err)
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(config.Level))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	return &Store{db: db, config: config, enc: enc, dec: dec}, nil
}

// Save captures s and the contents of mem under name. A later snapshot
// with the same name replaces the name binding; the earlier snapshot
// stays reachable by ID.
func (st *Store) Save(name string, s *cpu.State, mem *memory.PhysMemory) (ID, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.closed {
		return ID{}, ErrClosed
	}
	if st.config.ReadOnly {
		return ID{}, ErrReadOnly
	}

	m := manifest{
		Name:       name,
		Created:    time.Now().UnixNano(),
		MemorySize: mem.Size(),
		State:      *s,
	}
	contents := make(map[types.Hash][]byte)
	for n := uint64(0); n < mem.Pages(); n++ {
		page := mem.PageBytes(n)
		if allZero(page) {
			continue
		}
		d := types.HashBytes(page)
		m.Pages = append(m.Pages, pageRef{Index: n, Digest: d})
		if _, ok := contents[d]; !ok {
			contents[d] = page
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&m); err != nil {
		return ID{}, fmt.Errorf("encode manifest: %w", err)
	}
	id := types.HashBytes(buf.Bytes())
	env := envelope{Manifest: buf.Bytes(), Checksum: sha3.Sum256(buf.Bytes())}
	var envBuf bytes.Buffer
	if err := gob.NewEncoder(&envBuf).Encode(&env); err != nil {
		return ID{}, fmt.Errorf("encode envelope: %w", err)
	}

	err := st.db.Update(func(tx *bolt.Tx) error {
		pages := tx.Bucket(bucketPages)
		for d, page := range contents {
			if pages.Get(d[:]) != nil {
				continue
			}
			if err := pages.Put(d[:], st.enc.EncodeAll(page, nil)); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketManifests).Put(id[:], envBuf.Bytes()); err != nil {
			return err
		}
		if name != "" {
			return tx.Bucket(bucketMeta).Put([]byte(name), id[:])
		}
		return nil
	})
	if err != nil {
		return ID{}, fmt.Errorf("store snapshot: %w", err)
	}
	return id, nil
}

// Load restores snapshot id into s and mem. Only pages whose contents
// differ are written, through mem's normal write path, so code on
// unchanged pages stays valid.
func (st *Store) Load(id ID, s *cpu.State, mem *memory.PhysMemory) error {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.closed {
		return ErrClosed
	}

	var (
		m     *manifest
		saved = make(map[uint64][]byte)
	)
	err := st.db.View(func(tx *bolt.Tx) error {
		var err error
		if m, err = readManifest(tx, id); err != nil {
			return err
		}
		if m.MemorySize != mem.Size() {
			return fmt.Errorf("%w: snapshot has %d bytes, memory has %d", ErrSizeMismatch, m.MemorySize, mem.Size())
		}
		pages := tx.Bucket(bucketPages)
		for _, ref := range m.Pages {
			z := pages.Get(ref.Digest[:])
			if z == nil {
				return fmt.Errorf("%w: page %d (%s)", ErrMissingPage, ref.Index, ref.Digest)
			}
			page, err := st.dec.DecodeAll(z, nil)
			if err != nil {
				return fmt.Errorf("decompress page %d: %w", ref.Index, err)
			}
			if types.HashBytes(page) != ref.Digest {
				return fmt.Errorf("%w: page %d", ErrChecksumMismatch, ref.Index)
			}
			saved[ref.Index] = page
		}
		return nil
	})
	if err != nil {
		return err
	}

	zero := make([]byte, types.PageSize)
	for n := uint64(0); n < mem.Pages(); n++ {
		want, ok := saved[n]
		if !ok {
			want = zero
		}
		if !bytes.Equal(mem.PageBytes(n), want) {
			mem.Write(n<<types.PageShift, want)
		}
	}
	*s = m.State
	return nil
}

// Resolve finds a snapshot by name or by base58 ID.
func (st *Store) Resolve(ref string) (ID, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.closed {
		return ID{}, ErrClosed
	}

	var id ID
	err := st.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get([]byte(ref)); v != nil {
			copy(id[:], v)
			return nil
		}
		h, err := types.HashFromBase58(ref)
		if err != nil || tx.Bucket(bucketManifests).Get(h[:]) == nil {
			return fmt.Errorf("%w: %s", ErrSnapshotNotFound, ref)
		}
		id = h
		return nil
	})
	return id, err
}

// List returns every snapshot, oldest first.
func (st *Store) List() ([]Info, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.closed {
		return nil, ErrClosed
	}

	var out []Info
	err := st.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketManifests).ForEach(func(k, _ []byte) error {
			id, err := types.HashFromBytes(k)
			if err != nil {
				return err
			}
			m, err := readManifest(tx, id)
			if err != nil {
				return err
			}
			out = append(out, m.info(id))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

// Delete removes snapshot id, its name binding and any pages no other
// snapshot references.
func (st *Store) Delete(id ID) error {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.closed {
		return ErrClosed
	}
	if st.config.ReadOnly {
		return ErrReadOnly
	}

	return st.db.Update(func(tx *bolt.Tx) error {
		manifests := tx.Bucket(bucketManifests)
		m, err := readManifest(tx, id)
		if err != nil {
			return err
		}
		if err := manifests.Delete(id[:]); err != nil {
			return err
		}
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get([]byte(m.Name)); v != nil && bytes.Equal(v, id[:]) {
			if err := meta.Delete([]byte(m.Name)); err != nil {
				return err
			}
		}

		live := make(map[types.Hash]bool)
		err = manifests.ForEach(func(k, _ []byte) error {
			other, err := types.HashFromBytes(k)
			if err != nil {
				return err
			}
			om, err := readManifest(tx, other)
			if err != nil {
				return err
			}
			for _, ref := range om.Pages {
				live[ref.Digest] = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		pages := tx.Bucket(bucketPages)
		for _, ref := range m.Pages {
			if !live[ref.Digest] {
				if err := pages.Delete(ref.Digest[:]); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// PageCount returns the number of distinct stored pages.
func (st *Store) PageCount() (int, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.closed {
		return 0, ErrClosed
	}
	var n int
	err := st.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketPages).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the store.
func (st *Store) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	st.closed = true
	st.enc.Close()
	st.dec.Close()
	return st.db.Close()
}

func readManifest(tx *bolt.Tx, id ID) (*manifest, error) {
	raw := tx.Bucket(bucketManifests).Get(id[:])
	if raw == nil {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if sha3.Sum256(env.Manifest) != env.Checksum {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, id)
	}
	var m manifest
	if err := gob.NewDecoder(bytes.NewReader(env.Manifest)).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
