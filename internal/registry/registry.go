// Package registry owns the device table keyed by NwkId and its reverse
// IEEE index.
//
// A Registry is not safe for concurrent use. The coordinator serializes all
// access behind its own lock so that a reconciliation spanning the device
// and group tables is observed atomically.
package registry

import (
	"fmt"
	"slices"
	"time"

	"zigbee-nwkcore/internal/codec"
)

// Registry is the authoritative NwkId <-> IEEE mapping plus per-device state.
type Registry struct {
	devices map[codec.NwkID]*DeviceRecord
	byIEEE  map[codec.IEEE]codec.NwkID

	controllerIEEE  codec.IEEE
	controllerKnown bool

	unresolved map[codec.NwkID]time.Time

	now func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		devices:    make(map[codec.NwkID]*DeviceRecord),
		byIEEE:     make(map[codec.IEEE]codec.NwkID),
		unresolved: make(map[codec.NwkID]time.Time),
		now:        time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Len returns the number of device records.
func (r *Registry) Len() int {
	return len(r.devices)
}

// Lookup returns a copy of the record at nwk.
func (r *Registry) Lookup(nwk codec.NwkID) (*DeviceRecord, bool) {
	d, ok := r.devices[nwk]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// LookupByIEEE returns the live NwkId bound to ieee.
func (r *Registry) LookupByIEEE(ieee codec.IEEE) (codec.NwkID, bool) {
	nwk, ok := r.byIEEE[ieee]
	return nwk, ok
}

// ExistsConsistent reports whether a record exists at nwk and carries ieee.
func (r *Registry) ExistsConsistent(nwk codec.NwkID, ieee codec.IEEE) bool {
	d, ok := r.devices[nwk]
	return ok && d.HasIEEE && d.IEEE == ieee
}

// Controller returns the coordinator's own IEEE, if known.
func (r *Registry) Controller() (codec.IEEE, bool) {
	return r.controllerIEEE, r.controllerKnown
}

// SetController records the coordinator's IEEE and binds it to NwkId 0000.
func (r *Registry) SetController(ieee codec.IEEE) error {
	if owner, ok := r.byIEEE[ieee]; ok && owner != codec.CoordinatorNwkID {
		return fmt.Errorf("controller %s held by %s: %w", ieee, owner, ErrIEEEConflict)
	}
	if d, ok := r.devices[codec.CoordinatorNwkID]; ok && d.HasIEEE && d.IEEE != ieee {
		delete(r.byIEEE, d.IEEE)
	}
	d := r.ensure(codec.CoordinatorNwkID)
	d.IEEE = ieee
	d.HasIEEE = true
	r.byIEEE[ieee] = codec.CoordinatorNwkID
	r.controllerIEEE = ieee
	r.controllerKnown = true
	return nil
}

// Insert creates a record binding nwk to ieee. Inserting a pair that is
// already present is a no-op. A record at nwk without an IEEE is completed.
func (r *Registry) Insert(nwk codec.NwkID, ieee codec.IEEE) error {
	if !nwk.Valid() {
		return fmt.Errorf("insert %s: %w", nwk, ErrInvalidNwkID)
	}
	if owner, ok := r.byIEEE[ieee]; ok {
		if owner == nwk {
			return nil
		}
		return fmt.Errorf("insert %s/%s (owned by %s): %w", nwk, ieee, owner, ErrIEEEConflict)
	}
	if d, ok := r.devices[nwk]; ok && d.HasIEEE {
		return fmt.Errorf("insert %s/%s (holds %s): %w", nwk, ieee, d.IEEE, ErrNwkIDInUse)
	}

	d := r.ensure(nwk)
	d.IEEE = ieee
	d.HasIEEE = true
	r.byIEEE[ieee] = nwk
	delete(r.unresolved, nwk)
	return nil
}

// UpsertDescriptor applies a node descriptor to the record at nwk, creating
// it when absent. NwkId 0000 is registered as the controller on first sight.
// Records already persisted by the host fill their classification fields
// (manufacturer code, logical type, power source, device type, receive on
// idle) only while empty; raw descriptor fields are always refreshed. It reports whether a
// record was created.
func (r *Registry) UpsertDescriptor(nwk codec.NwkID, desc Descriptor) (bool, error) {
	if !nwk.Valid() {
		return false, fmt.Errorf("descriptor for %s: %w", nwk, ErrInvalidNwkID)
	}
	_, existed := r.devices[nwk]
	d := r.ensure(nwk)

	d.RawNodeDescriptor = desc.Raw
	d.MaxBufferSize = desc.MaxBufferSize
	d.MaxRx = desc.MaxRx
	d.MaxTx = desc.MaxTx
	d.MACCapability = desc.MACCapability
	d.BitField = desc.BitField
	d.ServerMask = desc.ServerMask
	d.DescriptorCapability = desc.DescriptorCapability

	overwrite := !d.InDB()
	if overwrite || d.ManufacturerCode == 0 {
		d.ManufacturerCode = desc.ManufacturerCode
	}
	if overwrite || d.DeviceType == "" {
		d.DeviceType = desc.Capabilities.DeviceType
	}
	if overwrite || d.LogicalType == "" {
		d.LogicalType = desc.LogicalType
	}
	if overwrite || d.PowerSource == "" {
		d.PowerSource = desc.Capabilities.PowerSource
	}
	if overwrite || d.ReceiveOnIdle == "" {
		d.ReceiveOnIdle = desc.Capabilities.ReceiveOnIdle
	}
	return !existed, nil
}

// Relocate moves the record at oldNwk to newNwk, keeping every other field.
// The reverse index follows in the same step.
func (r *Registry) Relocate(oldNwk, newNwk codec.NwkID) error {
	d, ok := r.devices[oldNwk]
	if !ok {
		return fmt.Errorf("relocate %s: %w", oldNwk, ErrUnknownDevice)
	}
	if !newNwk.Valid() {
		return fmt.Errorf("relocate %s to %s: %w", oldNwk, newNwk, ErrInvalidNwkID)
	}
	if oldNwk == newNwk {
		return nil
	}
	if _, taken := r.devices[newNwk]; taken {
		return fmt.Errorf("relocate %s to %s: %w", oldNwk, newNwk, ErrNwkIDInUse)
	}

	delete(r.devices, oldNwk)
	d.NwkID = newNwk
	r.devices[newNwk] = d
	if d.HasIEEE {
		r.byIEEE[d.IEEE] = newNwk
	}
	delete(r.unresolved, newNwk)
	return nil
}

// Evict removes the record at nwk together with its reverse-index entry and
// returns what was removed.
func (r *Registry) Evict(nwk codec.NwkID) (*DeviceRecord, error) {
	d, ok := r.devices[nwk]
	if !ok {
		return nil, fmt.Errorf("evict %s: %w", nwk, ErrUnknownDevice)
	}
	delete(r.devices, nwk)
	if d.HasIEEE && r.byIEEE[d.IEEE] == nwk {
		delete(r.byIEEE, d.IEEE)
	}
	return d, nil
}

// Touch refreshes link quality and last-seen time.
func (r *Registry) Touch(nwk codec.NwkID, lqi uint8) error {
	d, ok := r.devices[nwk]
	if !ok {
		return fmt.Errorf("touch %s: %w", nwk, ErrUnknownDevice)
	}
	d.LQI = lqi
	d.LastSeen = r.now()
	return nil
}

// StoreAssociated records the associated-device list carried by an extended
// address response, starting at index start. A page starting past the end
// of the stored list is rejected so the list never holds placeholder
// entries.
func (r *Registry) StoreAssociated(nwk codec.NwkID, start int, list []codec.NwkID) error {
	d, ok := r.devices[nwk]
	if !ok {
		return fmt.Errorf("store associated %s: %w", nwk, ErrUnknownDevice)
	}
	if start < 0 {
		return fmt.Errorf("store associated %s: negative start index", nwk)
	}
	if start == 0 {
		d.AssociatedDevices = d.AssociatedDevices[:0]
	}
	if start > len(d.AssociatedDevices) {
		return fmt.Errorf("store associated %s at %d, have %d: %w", nwk, start, len(d.AssociatedDevices), ErrAssociatedGap)
	}
	d.AssociatedDevices = append(d.AssociatedDevices[:start], list...)
	return nil
}

// SetStatus updates the host status of a record.
func (r *Registry) SetStatus(nwk codec.NwkID, st Status) error {
	d, ok := r.devices[nwk]
	if !ok {
		return fmt.Errorf("set status %s: %w", nwk, ErrUnknownDevice)
	}
	d.Status = st
	return nil
}

// SetModel records the manufacturer name and model identifier.
func (r *Registry) SetModel(nwk codec.NwkID, manufacturer, model string) error {
	d, ok := r.devices[nwk]
	if !ok {
		return fmt.Errorf("set model %s: %w", nwk, ErrUnknownDevice)
	}
	d.Manufacturer = manufacturer
	d.Model = model
	return nil
}

// SetEndpoint adds or replaces an endpoint description.
func (r *Registry) SetEndpoint(nwk codec.NwkID, ep Endpoint) error {
	d, ok := r.devices[nwk]
	if !ok {
		return fmt.Errorf("set endpoint %s: %w", nwk, ErrUnknownDevice)
	}
	if d.Endpoints == nil {
		d.Endpoints = make(map[uint8]*Endpoint)
	}
	cp := ep
	d.Endpoints[ep.ID] = &cp
	return nil
}

// SetMembership records the membership state of endpoint ep in group grp.
func (r *Registry) SetMembership(nwk codec.NwkID, ep uint8, grp codec.GroupID, st MembershipStatus) error {
	d, ok := r.devices[nwk]
	if !ok {
		return fmt.Errorf("set membership %s: %w", nwk, ErrUnknownDevice)
	}
	if d.GroupMembership == nil {
		d.GroupMembership = make(map[uint8]map[codec.GroupID]MembershipStatus)
	}
	if d.GroupMembership[ep] == nil {
		d.GroupMembership[ep] = make(map[codec.GroupID]MembershipStatus)
	}
	d.GroupMembership[ep][grp] = st
	return nil
}

// ReplaceMemberships sets the group memberships of nwk to exactly groups,
// keyed by endpoint, each with status OK.
func (r *Registry) ReplaceMemberships(nwk codec.NwkID, groups map[uint8][]codec.GroupID) error {
	d, ok := r.devices[nwk]
	if !ok {
		return fmt.Errorf("replace memberships %s: %w", nwk, ErrUnknownDevice)
	}
	d.GroupMembership = nil
	for ep, ids := range groups {
		for _, id := range ids {
			if err := r.SetMembership(nwk, ep, id, MembershipOK); err != nil {
				return err
			}
		}
	}
	return nil
}

// FreezeDescribed marks every record that already carries a node descriptor
// and has no host status as persisted, so later descriptors cannot change
// its classification. It returns how many records were marked.
func (r *Registry) FreezeDescribed() int {
	n := 0
	for _, d := range r.devices {
		if d.Status == StatusNew && d.RawNodeDescriptor != "" {
			d.Status = StatusInDB
			n++
		}
	}
	return n
}

// All returns copies of every record ordered by NwkId.
func (r *Registry) All() []*DeviceRecord {
	list := make([]*DeviceRecord, 0, len(r.devices))
	for _, d := range r.devices {
		list = append(list, d.Clone())
	}
	slices.SortFunc(list, func(a, b *DeviceRecord) int {
		return int(a.NwkID) - int(b.NwkID)
	})
	return list
}

// MarkUnresolved records that reconciliation could not place nwk.
func (r *Registry) MarkUnresolved(nwk codec.NwkID) {
	r.unresolved[nwk] = r.now()
}

// IsUnresolved reports whether nwk is in the unresolved set.
func (r *Registry) IsUnresolved(nwk codec.NwkID) bool {
	_, ok := r.unresolved[nwk]
	return ok
}

// Unresolved returns the unresolved NwkIds and when each was recorded.
func (r *Registry) Unresolved() map[codec.NwkID]time.Time {
	out := make(map[codec.NwkID]time.Time, len(r.unresolved))
	for k, v := range r.unresolved {
		out[k] = v
	}
	return out
}

// Restore replaces the whole table with records, typically loaded from a
// snapshot. Nothing is changed if the records violate the one-IEEE-one-NwkId
// invariant.
func (r *Registry) Restore(records []*DeviceRecord) error {
	devices := make(map[codec.NwkID]*DeviceRecord, len(records))
	byIEEE := make(map[codec.IEEE]codec.NwkID, len(records))
	for _, rec := range records {
		if !rec.NwkID.Valid() {
			return fmt.Errorf("restore %s: %w", rec.NwkID, ErrInvalidNwkID)
		}
		if _, dup := devices[rec.NwkID]; dup {
			return fmt.Errorf("restore: duplicate nwk id %s: %w", rec.NwkID, ErrNwkIDInUse)
		}
		if rec.HasIEEE {
			if owner, dup := byIEEE[rec.IEEE]; dup {
				return fmt.Errorf("restore %s: ieee %s already at %s: %w", rec.NwkID, rec.IEEE, owner, ErrIEEEConflict)
			}
			byIEEE[rec.IEEE] = rec.NwkID
		}
		devices[rec.NwkID] = rec.Clone()
	}
	r.devices = devices
	r.byIEEE = byIEEE
	r.unresolved = make(map[codec.NwkID]time.Time)

	if r.controllerKnown {
		if _, taken := byIEEE[r.controllerIEEE]; !taken {
			if d := r.ensure(codec.CoordinatorNwkID); !d.HasIEEE {
				d.IEEE = r.controllerIEEE
				d.HasIEEE = true
				r.byIEEE[r.controllerIEEE] = codec.CoordinatorNwkID
			}
		}
	}
	return nil
}

// CheckConsistency verifies that the forward table and reverse index agree.
func (r *Registry) CheckConsistency() error {
	seen := 0
	for nwk, d := range r.devices {
		if d.NwkID != nwk {
			return fmt.Errorf("record at %s claims nwk id %s", nwk, d.NwkID)
		}
		if !d.HasIEEE {
			continue
		}
		seen++
		if owner, ok := r.byIEEE[d.IEEE]; !ok || owner != nwk {
			return fmt.Errorf("ieee %s of %s indexed at %s", d.IEEE, nwk, owner)
		}
	}
	if seen != len(r.byIEEE) {
		return fmt.Errorf("reverse index has %d entries, table has %d ieee-bearing records", len(r.byIEEE), seen)
	}
	return nil
}

func (r *Registry) ensure(nwk codec.NwkID) *DeviceRecord {
	d, ok := r.devices[nwk]
	if !ok {
		d = &DeviceRecord{NwkID: nwk}
		r.devices[nwk] = d
	}
	return d
}
