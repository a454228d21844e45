package registry

import (
	"maps"
	"slices"
	"time"

	"zigbee-nwkcore/internal/capability"
	"zigbee-nwkcore/internal/codec"
)

// Status tracks how far the host has taken a device.
type Status string

const (
	StatusNew     Status = ""
	StatusInDB    Status = "inDB"
	StatusUnknown Status = "UNKNOWN"
	StatusLeft    Status = "Leave"
)

// ParseStatus maps a host status string onto a Status.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusNew, StatusInDB, StatusUnknown, StatusLeft:
		return st, true
	}
	return StatusNew, false
}

// MembershipStatus is the state of one endpoint's membership in a group.
type MembershipStatus string

const (
	MembershipOK      MembershipStatus = "OK"
	MembershipPending MembershipStatus = "Pending"
)

// Endpoint is a sub-addressable application unit on a device.
type Endpoint struct {
	ID          uint8    `json:"id"`
	ProfileID   uint16   `json:"profile_id"`
	DeviceID    uint16   `json:"device_id"`
	InClusters  []uint16 `json:"in_clusters,omitempty"`
	OutClusters []uint16 `json:"out_clusters,omitempty"`
}

// DeviceRecord is everything the core knows about one device, keyed by its
// current NwkId.
type DeviceRecord struct {
	NwkID        codec.NwkID `json:"nwk_id"`
	IEEE         codec.IEEE  `json:"ieee"`
	HasIEEE      bool        `json:"has_ieee"`
	Manufacturer string      `json:"manufacturer,omitempty"` // name, as read from the Basic cluster
	Model        string      `json:"model,omitempty"`
	Status       Status      `json:"status,omitempty"`

	// Node descriptor.
	ManufacturerCode     uint16                   `json:"manufacturer_code"`
	LogicalType          capability.LogicalType   `json:"logical_type,omitempty"`
	PowerSource          capability.PowerSource   `json:"power_source,omitempty"`
	DeviceType           capability.DeviceType    `json:"device_type,omitempty"`
	ReceiveOnIdle        capability.ReceiveOnIdle `json:"receive_on_idle,omitempty"`
	MaxRx                uint16                   `json:"max_rx"`
	MaxTx                uint16                   `json:"max_tx"`
	MaxBufferSize        uint8                    `json:"max_buffer_size"`
	ServerMask           uint16                   `json:"server_mask"`
	DescriptorCapability uint8                    `json:"descriptor_capability"`
	MACCapability        uint8                    `json:"mac_capability"`
	BitField             uint16                   `json:"bit_field"`
	RawNodeDescriptor    string                   `json:"raw_node_descriptor,omitempty"`

	Endpoints         map[uint8]*Endpoint                          `json:"endpoints,omitempty"`
	GroupMembership   map[uint8]map[codec.GroupID]MembershipStatus `json:"group_membership,omitempty"`
	AssociatedDevices []codec.NwkID                                `json:"associated_devices,omitempty"`

	LQI      uint8     `json:"lqi"`
	LastSeen time.Time `json:"last_seen"`
}

// Clone returns a deep copy of the record.
func (d *DeviceRecord) Clone() *DeviceRecord {
	if d == nil {
		return nil
	}
	cp := *d
	if d.Endpoints != nil {
		cp.Endpoints = make(map[uint8]*Endpoint, len(d.Endpoints))
		for id, ep := range d.Endpoints {
			e := *ep
			e.InClusters = slices.Clone(ep.InClusters)
			e.OutClusters = slices.Clone(ep.OutClusters)
			cp.Endpoints[id] = &e
		}
	}
	if d.GroupMembership != nil {
		cp.GroupMembership = make(map[uint8]map[codec.GroupID]MembershipStatus, len(d.GroupMembership))
		for ep, m := range d.GroupMembership {
			cp.GroupMembership[ep] = maps.Clone(m)
		}
	}
	cp.AssociatedDevices = slices.Clone(d.AssociatedDevices)
	return &cp
}

// InDB reports whether the host has persisted the device, which freezes the
// descriptor-derived classification fields.
func (d *DeviceRecord) InDB() bool {
	return d.Status == StatusInDB
}

// Descriptor is the decoded content of a node descriptor response.
type Descriptor struct {
	ManufacturerCode     uint16
	MaxRx                uint16
	MaxTx                uint16
	ServerMask           uint16
	DescriptorCapability uint8
	MACCapability        uint8 // as received
	MaxBufferSize        uint8
	BitField             uint16
	Raw                  string

	// Derived, after any model override.
	Capabilities capability.Set
	LogicalType  capability.LogicalType
}
