package nvstorage

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/patsv99/tock/internal/types"
)

var (
	// ErrClosed is returned on use after Close.
	ErrClosed = errors.New("nvstorage: store closed")

	// ErrOutOfRange is returned when a byte range leaves the region.
	ErrOutOfRange = errors.New("nvstorage: range outside region")
)

// prefixRegion is the key prefix for app regions.
// Key format: prefixRegion + AppID (32 bytes).
var prefixRegion = []byte{0x01}

// StoreConfig configures the backing database.
type StoreConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites syncs every write to disk.
	SyncWrites bool

	// RegionSize is the byte capacity of each app's region.
	RegionSize int
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig(path string) StoreConfig {
	return StoreConfig{
		Path:       path,
		SyncWrites: true,
		RegionSize: 4096,
	}
}

// Store persists one fixed-size byte region per application identity. The
// region survives process restarts and reinstalls of the same image, since
// the key is the image's content address.
type Store struct {
	db         *badger.DB
	regionSize int
	closed     bool
}

// OpenStore opens the backing database.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.RegionSize <= 0 {
		cfg.RegionSize = DefaultStoreConfig("").RegionSize
	}
	opts := badger.DefaultOptions(cfg.Path).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, regionSize: cfg.RegionSize}, nil
}

// RegionSize returns the per-app region capacity in bytes.
func (s *Store) RegionSize() int { return s.regionSize }

func regionKey(id types.AppID) []byte {
	key := make([]byte, 1+len(id))
	key[0] = prefixRegion[0]
	copy(key[1:], id[:])
	return key
}

// Read copies len(dst) bytes at off from the app's region into dst. Bytes
// never written read as zero.
func (s *Store) Read(id types.AppID, off int, dst []byte) error {
	if s.closed {
		return ErrClosed
	}
	if off < 0 || off+len(dst) > s.regionSize {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfRange, off, off+len(dst), s.regionSize)
	}
	return s.db.View(func(txn *badger.Txn) error {
		for i := range dst {
			dst[i] = 0
		}
		item, err := txn.Get(regionKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if off < len(val) {
				copy(dst, val[off:])
			}
			return nil
		})
	})
}

// Write copies src into the app's region at off, extending the stored
// value as needed up to the region capacity.
func (s *Store) Write(id types.AppID, off int, src []byte) error {
	if s.closed {
		return ErrClosed
	}
	if off < 0 || off+len(src) > s.regionSize {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfRange, off, off+len(src), s.regionSize)
	}
	key := regionKey(id)
	return s.db.Update(func(txn *badger.Txn) error {
		region := make([]byte, 0, off+len(src))
		item, err := txn.Get(key)
		if err == nil {
			err = item.Value(func(val []byte) error {
				region = append(region, val...)
				return nil
			})
		}
		if err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		if need := off + len(src); len(region) < need {
			region = append(region, make([]byte, need-len(region))...)
		}
		copy(region[off:], src)
		return txn.Set(key, region)
	})
}

// Close closes the backing database.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
