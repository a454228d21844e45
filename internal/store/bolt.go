package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"zigbee-nwkcore/internal/codec"
	"zigbee-nwkcore/internal/registry"
)

var (
	bucketDevices = []byte("devices")
	bucketNetwork = []byte("network")
	bucketConfig  = []byte("config")
	keyController = []byte("controller")
)

// BoltStore implements Store using BoltDB.
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
		for _, b := range [][]byte{bucketDevices, bucketNetwork, bucketConfig} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// ReplaceDevices swaps the stored device table for devs in one transaction.
func (s *BoltStore) ReplaceDevices(devs []*registry.DeviceRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketDevices); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		b, err := tx.CreateBucket(bucketDevices)
		if err != nil {
			return err
		}
		for _, dev := range devs {
			data, err := json.Marshal(dev)
			if err != nil {
				return fmt.Errorf("encode %s: %w", dev.NwkID, err)
			}
			if err := b.Put([]byte(dev.NwkID.String()), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetDevice(nwk codec.NwkID) (*registry.DeviceRecord, error) {
	var dev registry.DeviceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(nwk.String()))
		if data == nil {
			return fmt.Errorf("device %s: %w", nwk, ErrNotFound)
		}
		return json.Unmarshal(data, &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

// ListDevices returns the stored records in key (NwkId) order.
func (s *BoltStore) ListDevices() ([]*registry.DeviceRecord, error) {
	var devices []*registry.DeviceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		devices = make([]*registry.DeviceRecord, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev registry.DeviceRecord
			if err := json.Unmarshal(v, &dev); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) SaveController(c *Controller) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetwork)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNetwork)
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put(keyController, data)
	})
}

func (s *BoltStore) GetController() (*Controller, error) {
	var c Controller
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetwork)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNetwork)
		}
		data := b.Get(keyController)
		if data == nil {
			return fmt.Errorf("controller: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) GetConfigItem(key string) (*ConfigItem, error) {
	var item ConfigItem
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfig)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketConfig)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("config item %s: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, &item)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *BoltStore) SetConfigItem(key string, item *ConfigItem) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfig)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketConfig)
		}
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
