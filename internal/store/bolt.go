package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketCodes = []byte("codes")

// BoltStore implements Store using BoltDB. Codes live in a nested bucket
// per device id under the top-level codes bucket.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCodes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveCode(code *Code) error {
	if code.DeviceID == "" || code.Name == "" {
		return fmt.Errorf("code needs device id and name")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketCodes)
		if root == nil {
			return fmt.Errorf("bucket %q not found", bucketCodes)
		}
		b, err := root.CreateBucketIfNotExists([]byte(code.DeviceID))
		if err != nil {
			return err
		}
		data, err := json.Marshal(code)
		if err != nil {
			return err
		}
		return b.Put([]byte(code.Name), data)
	})
}

func (s *BoltStore) GetCode(deviceID, name string) (*Code, error) {
	var code Code
	err := s.db.View(func(tx *bolt.Tx) error {
		b := s.deviceBucket(tx, deviceID)
		if b == nil {
			return fmt.Errorf("code %s/%s: %w", deviceID, name, ErrNotFound)
		}
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("code %s/%s: %w", deviceID, name, ErrNotFound)
		}
		return json.Unmarshal(data, &code)
	})
	if err != nil {
		return nil, err
	}
	return &code, nil
}

func (s *BoltStore) ListCodes(deviceID string) ([]*Code, error) {
	var codes []*Code
	err := s.db.View(func(tx *bolt.Tx) error {
		b := s.deviceBucket(tx, deviceID)
		if b == nil {
			return nil // no bucket = no codes
		}
		codes = make([]*Code, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var code Code
			if err := json.Unmarshal(v, &code); err != nil {
				return err
			}
			codes = append(codes, &code)
			return nil
		})
	})
	return codes, err
}

func (s *BoltStore) DeleteCode(deviceID, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := s.deviceBucket(tx, deviceID)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(name))
	})
}

func (s *BoltStore) DeleteDevice(deviceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketCodes)
		if root == nil {
			return nil
		}
		err := root.DeleteBucket([]byte(deviceID))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

func (s *BoltStore) Devices() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketCodes)
		if root == nil {
			return nil
		}
		return root.ForEachBucket(func(k []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (s *BoltStore) deviceBucket(tx *bolt.Tx, deviceID string) *bolt.Bucket {
	root := tx.Bucket(bucketCodes)
	if root == nil {
		return nil
	}
	return root.Bucket([]byte(deviceID))
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
