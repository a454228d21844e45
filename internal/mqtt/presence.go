//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"zigbee-nwkcore/internal/codec"
	"zigbee-nwkcore/internal/coordinator"
)

// Presence caches the host's device list and answers existence probes
// from it without blocking on the network.
type Presence struct {
	mu      sync.RWMutex
	devices map[codec.NwkID]codec.IEEE
	loaded  bool
	logger  *slog.Logger
}

// NewPresence creates an empty presence cache.
func NewPresence(logger *slog.Logger) *Presence {
	return &Presence{
		devices: make(map[codec.NwkID]codec.IEEE),
		logger:  logger.With("component", "presence"),
	}
}

// Update replaces the cache with a JSON device list and returns the host
// state it carries. Entries with an unreadable status or endpoint are kept
// in the existence cache but left out of the returned list.
func (p *Presence) Update(payload []byte) ([]coordinator.HostDevice, error) {
	var entries []presenceEntry
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &entries); err != nil {
			return nil, fmt.Errorf("decode presence: %w", err)
		}
	}
	devices := make(map[codec.NwkID]codec.IEEE, len(entries))
	hosts := make([]coordinator.HostDevice, 0, len(entries))
	for _, e := range entries {
		devices[e.NwkID] = e.IEEE
		h, err := e.hostDevice()
		if err != nil {
			p.logger.Warn("host device entry ignored", "err", err)
			continue
		}
		hosts = append(hosts, h)
	}

	p.mu.Lock()
	p.devices = devices
	p.loaded = true
	p.mu.Unlock()
	p.logger.Debug("presence updated", "devices", len(devices))
	return hosts, nil
}

// DeviceExists reports whether the host lists nwk with ieee.
func (p *Presence) DeviceExists(nwk codec.NwkID, ieee codec.IEEE) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.loaded {
		p.logger.Debug("presence not received yet", "nwk", nwk, "ieee", ieee)
		return false
	}
	got, ok := p.devices[nwk]
	return ok && got == ieee
}

// Len returns the number of cached devices.
func (p *Presence) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.devices)
}
