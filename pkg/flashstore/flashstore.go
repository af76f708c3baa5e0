// Package flashstore provides persistent storage for installed application
// images, the hosted stand-in for an app flash region. Images are keyed by
// their content address, stored as the original signed bundle bytes, and
// re-verified against their checksum on every retrieval.
package flashstore

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/patsv99/tock/internal/types"
	"github.com/patsv99/tock/pkg/appbin"
)

var (
	// ErrImageNotFound is returned when no image has the given AppID.
	ErrImageNotFound = errors.New("image not found")

	// ErrNameNotFound is returned when no installed image has the name.
	ErrNameNotFound = errors.New("no image with that name")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("flashstore closed")
)

// Bucket names for BoltDB.
var (
	// bucketImages stores raw bundle bytes keyed by AppID.
	bucketImages = []byte("images")

	// bucketMeta stores install metadata keyed by AppID.
	bucketMeta = []byte("meta")

	// bucketNames indexes AppIDs by image name.
	bucketNames = []byte("names")
)

// Config holds flashstore configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// DefaultConfig returns the default flashstore configuration.
func DefaultConfig(path string) Config {
	return Config{Path: path}
}

// Meta describes one installed image.
type Meta struct {
	AppID       types.AppID
	Name        string
	Size        int
	PayloadSize int
	Signed      bool
	InstalledAt time.Time
}

// Store is a BoltDB-backed app image store.
type Store struct {
	db     *bolt.DB
	config Config
	closed bool
}

// Open creates or opens a flashstore at the configured path.
func Open(config Config) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}
	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open flashstore: %w", err)
	}

	if !config.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			for _, name := range [][]byte{bucketImages, bucketMeta, bucketNames} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create buckets: %w", err)
		}
	}

	return &Store{db: db, config: config}, nil
}

// Install validates a raw bundle and stores it under its content address.
// Reinstalling identical bytes is a no-op; a different image under an
// already-used name replaces the name binding but keeps both images.
func (s *Store) Install(raw []byte) (types.AppID, error) {
	if s.closed {
		return types.AppID{}, ErrClosed
	}

	img, err := appbin.Parse(raw)
	if err != nil {
		return types.AppID{}, fmt.Errorf("parse image: %w", err)
	}
	id := img.AppID()

	meta := Meta{
		AppID:       id,
		Name:        img.Name,
		Size:        len(raw),
		PayloadSize: len(img.Payload),
		Signed:      img.Credential != nil,
		InstalledAt: time.Now().UTC(),
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(meta); err != nil {
		return types.AppID{}, fmt.Errorf("encode meta: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketImages).Put(id[:], raw); err != nil {
			return err
		}
		if err := tx.Bucket(bucketMeta).Put(id[:], buf.Bytes()); err != nil {
			return err
		}
		return tx.Bucket(bucketNames).Put([]byte(img.Name), id[:])
	})
	if err != nil {
		return types.AppID{}, fmt.Errorf("store image: %w", err)
	}
	return id, nil
}

// Get retrieves and re-parses an installed image. Parsing re-verifies the
// payload checksum, so silently corrupted storage surfaces here.
func (s *Store) Get(id types.AppID) (*appbin.Image, error) {
	raw, err := s.GetRaw(id)
	if err != nil {
		return nil, err
	}
	img, err := appbin.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("stored image %s: %w", id.Short(), err)
	}
	return img, nil
}

// GetRaw retrieves the raw bundle bytes of an installed image.
func (s *Store) GetRaw(id types.AppID) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketImages).Get(id[:])
		if v == nil {
			return fmt.Errorf("%w: %s", ErrImageNotFound, id.Short())
		}
		raw = make([]byte, len(v))
		copy(raw, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// ByName resolves an image name to its current AppID.
func (s *Store) ByName(name string) (types.AppID, error) {
	if s.closed {
		return types.AppID{}, ErrClosed
	}
	var id types.AppID
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNames).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("%w: %q", ErrNameNotFound, name)
		}
		copy(id[:], v)
		return nil
	})
	if err != nil {
		return types.AppID{}, err
	}
	return id, nil
}

// List returns metadata for every installed image, sorted by name.
func (s *Store) List() ([]Meta, error) {
	if s.closed {
		return nil, ErrClosed
	}
	var metas []Meta
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(_, v []byte) error {
			var m Meta
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&m); err != nil {
				return fmt.Errorf("decode meta: %w", err)
			}
			metas = append(metas, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })
	return metas, nil
}

// Remove deletes an installed image. Removing an absent image fails with
// ErrImageNotFound.
func (s *Store) Remove(id types.AppID) error {
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		images := tx.Bucket(bucketImages)
		if images.Get(id[:]) == nil {
			return fmt.Errorf("%w: %s", ErrImageNotFound, id.Short())
		}

		var m Meta
		if v := tx.Bucket(bucketMeta).Get(id[:]); v != nil {
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&m); err == nil {
				// Only drop the name binding if it still points here.
				if cur := tx.Bucket(bucketNames).Get([]byte(m.Name)); bytes.Equal(cur, id[:]) {
					if err := tx.Bucket(bucketNames).Delete([]byte(m.Name)); err != nil {
						return err
					}
				}
			}
		}
		if err := tx.Bucket(bucketMeta).Delete(id[:]); err != nil {
			return err
		}
		return images.Delete(id[:])
	})
}

// Count returns the number of installed images.
func (s *Store) Count() (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketImages).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the store.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
