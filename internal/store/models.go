package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"zigbee-nwkcore/internal/codec"
)

// ConfigItemVersion is the schema version written by this package. From
// version 3 on the payload is base64-encoded JSON.
const ConfigItemVersion = 3

// ConfigItem is a timestamped, versioned value in a keyed configuration
// store. TimeStamp is in seconds since the epoch.
type ConfigItem struct {
	TimeStamp  float64 `json:"TimeStamp"`
	Version    int     `json:"Version"`
	B64Encoded string  `json:"b64encoded"`
}

// NewConfigItem encodes v as JSON and wraps it at the current schema version.
func NewConfigItem(v any, ts time.Time) (*ConfigItem, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode config item: %w", err)
	}
	return &ConfigItem{
		TimeStamp:  float64(ts.UnixMilli()) / 1000,
		Version:    ConfigItemVersion,
		B64Encoded: base64.StdEncoding.EncodeToString(data),
	}, nil
}

// Decode unmarshals the payload into v. Items older than version 3 hold
// plain JSON.
func (c *ConfigItem) Decode(v any) error {
	data := []byte(c.B64Encoded)
	if c.Version >= ConfigItemVersion {
		raw, err := base64.StdEncoding.DecodeString(c.B64Encoded)
		if err != nil {
			return fmt.Errorf("decode config item: %w", err)
		}
		data = raw
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode config item: %w", err)
	}
	return nil
}

// Time returns TimeStamp as a time.Time.
func (c *ConfigItem) Time() time.Time {
	return time.UnixMilli(int64(math.Round(c.TimeStamp * 1000)))
}

// Controller holds the coordinator's own identity.
type Controller struct {
	NwkID codec.NwkID `json:"nwk_id"`
	IEEE  codec.IEEE  `json:"ieee"`
}
