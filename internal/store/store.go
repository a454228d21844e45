// Package store persists registry snapshots, the controller identity and
// keyed configuration items.
package store

import (
	"errors"

	"zigbee-nwkcore/internal/codec"
	"zigbee-nwkcore/internal/registry"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// ConfigStore is a keyed configuration store. Missing keys return ErrNotFound.
type ConfigStore interface {
	GetConfigItem(key string) (*ConfigItem, error)
	SetConfigItem(key string, item *ConfigItem) error
}

// Store defines the persistence interface.
type Store interface {
	// Device snapshot
	ReplaceDevices(devs []*registry.DeviceRecord) error
	GetDevice(nwk codec.NwkID) (*registry.DeviceRecord, error)
	ListDevices() ([]*registry.DeviceRecord, error)

	// Controller identity
	SaveController(c *Controller) error
	GetController() (*Controller, error)

	ConfigStore

	Close() error
}
