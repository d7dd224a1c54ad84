package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"

	bolt "go.etcd.io/bbolt"
)

var (
	// Top-level bucket names
	bucketBlobs   = []byte("blobs")
	bucketKV      = []byte("kv")
	bucketIndexed = []byte("indexed")
)

// BoltStorage implements Storage on a single BoltDB file. It is the default
// durable backend for single-host deployments.
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage opens (or creates) the database file under dataDir.
func NewBoltStorage(dataDir string) (*BoltStorage, error) {
	dbPath := filepath.Join(dataDir, "golem.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBlobs, bucketKV, bucketIndexed} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

func (s *BoltStorage) Blob() BlobStorage         { return (*boltBlob)(s) }
func (s *BoltStorage) KeyValue() KeyValueStorage { return (*boltKV)(s) }
func (s *BoltStorage) Indexed() IndexedStorage   { return (*boltIndexed)(s) }

// Close closes the database
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

type boltBlob BoltStorage

func (s *boltBlob) PutBlob(_ context.Context, path string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put([]byte(path), data)
	})
}

func (s *boltBlob) GetBlob(_ context.Context, path string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlobs).Get([]byte(path))
		if v == nil {
			return ErrNotFound
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	return data, err
}

func (s *boltBlob) DeleteBlob(_ context.Context, path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Delete([]byte(path))
	})
}

func (s *boltBlob) BlobExists(_ context.Context, path string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketBlobs).Get([]byte(path)) != nil
		return nil
	})
	return exists, err
}

func (s *boltBlob) ListBlobs(_ context.Context, prefix string) ([]string, error) {
	var paths []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBlobs).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			paths = append(paths, string(k))
		}
		return nil
	})
	return paths, err
}

type boltKV BoltStorage

func (s *boltKV) Get(_ context.Context, bucket, key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV).Bucket([]byte(bucket))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	return data, err
}

func (s *boltKV) Set(_ context.Context, bucket, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketKV).CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

func (s *boltKV) Delete(_ context.Context, bucket, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV).Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s *boltKV) Keys(_ context.Context, bucket string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV).Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

type boltIndexed BoltStorage

func indexKey(index uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, index)
	return key
}

func (s *boltIndexed) Append(_ context.Context, stream string, index uint64, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketIndexed).CreateBucketIfNotExists([]byte(stream))
		if err != nil {
			return err
		}
		last, _ := b.Cursor().Last()
		if last != nil && index != binary.BigEndian.Uint64(last)+1 {
			return ErrIndexGap
		}
		return b.Put(indexKey(index), value)
	})
}

func (s *boltIndexed) Read(_ context.Context, stream string, from, count uint64) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIndexed).Bucket([]byte(stream))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		expected := uint64(0)
		read := uint64(0)
		for k, v := c.Seek(indexKey(from)); k != nil && read < count; k, v = c.Next() {
			idx := binary.BigEndian.Uint64(k)
			if expected != 0 && idx != expected {
				return ErrIndexGap
			}
			expected = idx + 1
			cp := make([]byte, len(v))
			copy(cp, v)
			out = append(out, cp)
			read++
		}
		return nil
	})
	return out, err
}

func (s *boltIndexed) FirstIndex(_ context.Context, stream string) (uint64, error) {
	return s.boundary(stream, true)
}

func (s *boltIndexed) LastIndex(_ context.Context, stream string) (uint64, error) {
	return s.boundary(stream, false)
}

func (s *boltIndexed) boundary(stream string, first bool) (uint64, error) {
	var index uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIndexed).Bucket([]byte(stream))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var k []byte
		if first {
			k, _ = c.First()
		} else {
			k, _ = c.Last()
		}
		if k != nil {
			index = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return index, err
}

func (s *boltIndexed) Length(_ context.Context, stream string) (uint64, error) {
	first, err := s.boundary(stream, true)
	if err != nil || first == 0 {
		return 0, err
	}
	last, err := s.boundary(stream, false)
	if err != nil {
		return 0, err
	}
	return last - first + 1, nil
}

func (s *boltIndexed) Trim(_ context.Context, stream string, toInclusive uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIndexed).Bucket([]byte(stream))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= toInclusive; k, _ = c.First() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltIndexed) Drop(_ context.Context, stream string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketIndexed)
		if parent.Bucket([]byte(stream)) == nil {
			return nil
		}
		return parent.DeleteBucket([]byte(stream))
	})
}

func (s *boltIndexed) StreamExists(_ context.Context, stream string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIndexed).Bucket([]byte(stream))
		if b != nil {
			k, _ := b.Cursor().First()
			exists = k != nil
		}
		return nil
	})
	return exists, err
}
