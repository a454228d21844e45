// Package groups keeps the group table: group id to name, member
// (NwkId, endpoint, IEEE) triples and optional remote-binding metadata.
//
// Members reference devices by NwkId, so every NwkId change or eviction in
// the device registry must be pushed here through RelocateDevice or
// RemoveNwkIDFromAll. Like the device registry, a Registry is not safe for
// concurrent use on its own.
package groups

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"zigbee-nwkcore/internal/codec"
	"zigbee-nwkcore/internal/registry"
)

// Member is one device endpoint in a group. It serializes as the
// three-element array [nwk, ep, ieee].
type Member struct {
	NwkID    codec.NwkID
	Endpoint uint8
	IEEE     codec.IEEE
}

func (m Member) String() string {
	return fmt.Sprintf("[%s %s %s]", m.NwkID, codec.FormatUint8(m.Endpoint), m.IEEE)
}

// MarshalJSON implements json.Marshaler.
func (m Member) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]string{m.NwkID.String(), codec.FormatUint8(m.Endpoint), m.IEEE.String()})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Member) UnmarshalJSON(b []byte) error {
	var raw []string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("group member: want 3 fields, got %d", len(raw))
	}
	nwk, err := codec.ParseNwkID(raw[0])
	if err != nil {
		return fmt.Errorf("group member nwk: %w", err)
	}
	ep, err := codec.ParseUint8(raw[1])
	if err != nil {
		return fmt.Errorf("group member ep: %w", err)
	}
	ieee, err := codec.ParseIEEE(raw[2])
	if err != nil {
		return fmt.Errorf("group member ieee: %w", err)
	}
	*m = Member{NwkID: nwk, Endpoint: ep, IEEE: ieee}
	return nil
}

// RemoteBinding records a remote controller bound to the group, such as an
// IKEA Tradfri remote.
type RemoteBinding struct {
	DeviceAddr codec.NwkID `json:"Device Addr"`
	Ep         string      `json:"Ep,omitempty"`
}

// Group is one group definition. Fields are declared in key order so the
// encoded form is sorted.
type Group struct {
	Devices []Member       `json:"Devices"`
	Name    string         `json:"Name"`
	Remote  *RemoteBinding `json:"Tradfri Remote,omitempty"`
}

func (g *Group) clone() *Group {
	cp := &Group{Devices: slices.Clone(g.Devices), Name: g.Name}
	if cp.Devices == nil {
		cp.Devices = []Member{}
	}
	if g.Remote != nil {
		r := *g.Remote
		cp.Remote = &r
	}
	return cp
}

// empty reports whether the group has no members and no remote binding.
func (g *Group) empty() bool {
	return len(g.Devices) == 0 && g.Remote == nil
}

// Registry is the group table.
type Registry struct {
	groups map[codec.GroupID]*Group
	logger *slog.Logger
}

// New creates an empty group registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		groups: make(map[codec.GroupID]*Group),
		logger: logger.With("component", "groups"),
	}
}

// Len returns the number of groups.
func (r *Registry) Len() int {
	return len(r.groups)
}

// IDs returns every group id in ascending order.
func (r *Registry) IDs() []codec.GroupID {
	ids := make([]codec.GroupID, 0, len(r.groups))
	for id := range r.groups {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Get returns a copy of group id.
func (r *Registry) Get(id codec.GroupID) (*Group, bool) {
	g, ok := r.groups[id]
	if !ok {
		return nil, false
	}
	return g.clone(), true
}

// Snapshot returns a deep copy of the whole table.
func (r *Registry) Snapshot() map[codec.GroupID]*Group {
	out := make(map[codec.GroupID]*Group, len(r.groups))
	for id, g := range r.groups {
		out[id] = g.clone()
	}
	return out
}

// Replace swaps the whole table for groups.
func (r *Registry) Replace(groups map[codec.GroupID]*Group) {
	r.groups = make(map[codec.GroupID]*Group, len(groups))
	for id, g := range groups {
		if g == nil {
			continue
		}
		r.groups[id] = g.clone()
	}
}

// Create adds an empty group. It is a no-op if the group exists.
func (r *Registry) Create(id codec.GroupID, name string) {
	if _, ok := r.groups[id]; ok {
		return
	}
	r.groups[id] = &Group{Devices: []Member{}, Name: name}
}

// Remove deletes a group. It reports whether the group existed.
func (r *Registry) Remove(id codec.GroupID) bool {
	if _, ok := r.groups[id]; !ok {
		return false
	}
	delete(r.groups, id)
	return true
}

// SetName renames a group.
func (r *Registry) SetName(id codec.GroupID, name string) bool {
	g, ok := r.groups[id]
	if ok {
		g.Name = name
	}
	return ok
}

// SetRemoteBinding attaches remote-binding metadata, creating the group if
// needed. A nil binding clears it.
func (r *Registry) SetRemoteBinding(id codec.GroupID, rb *RemoteBinding) {
	if rb == nil {
		if g, ok := r.groups[id]; ok {
			g.Remote = nil
		}
		return
	}
	r.Create(id, "")
	b := *rb
	r.groups[id].Remote = &b
}

// AddDevice adds m to group id, creating the group with an empty name when
// absent. It reports whether m was newly added.
func (r *Registry) AddDevice(m Member, id codec.GroupID) bool {
	r.Create(id, "")
	g := r.groups[id]
	if slices.Contains(g.Devices, m) {
		return false
	}
	g.Devices = append(g.Devices, m)
	return true
}

// RemoveDevice removes m from group id. When that leaves the group with no
// members and no remote binding the group itself is removed. It reports
// whether m was present and whether the group was removed.
func (r *Registry) RemoveDevice(m Member, id codec.GroupID) (removed, groupRemoved bool) {
	g, ok := r.groups[id]
	if !ok {
		return false, false
	}
	i := slices.Index(g.Devices, m)
	if i < 0 {
		return false, false
	}
	g.Devices = slices.Delete(g.Devices, i, i+1)
	if g.empty() {
		delete(r.groups, id)
		return true, true
	}
	return true, false
}

// DevicesOf returns the members of group id, or nil if it does not exist.
func (r *Registry) DevicesOf(id codec.GroupID) []Member {
	g, ok := r.groups[id]
	if !ok {
		return nil
	}
	return slices.Clone(g.Devices)
}

// RebuildFromDevices adds a member for every endpoint membership marked OK
// in devices. Existing groups are kept.
func (r *Registry) RebuildFromDevices(devices []*registry.DeviceRecord) int {
	added := 0
	for _, d := range devices {
		if !d.HasIEEE {
			continue
		}
		for ep, memberships := range d.GroupMembership {
			for grp, st := range memberships {
				if st != registry.MembershipOK {
					continue
				}
				if r.AddDevice(Member{NwkID: d.NwkID, Endpoint: ep, IEEE: d.IEEE}, grp) {
					added++
				}
			}
		}
	}
	r.logger.Debug("rebuilt groups from devices", "added", added, "groups", len(r.groups))
	return added
}

// RelocateDevice rewrites every member at oldNwk to newNwk, and every remote
// binding pointing at oldNwk. A rewritten member that would duplicate one
// already present is dropped. It returns the ids of the groups touched.
func (r *Registry) RelocateDevice(oldNwk, newNwk codec.NwkID) []codec.GroupID {
	if oldNwk == newNwk {
		return nil
	}
	var touched []codec.GroupID
	for _, id := range r.IDs() {
		g := r.groups[id]
		changed := false
		out := g.Devices[:0]
		for _, m := range g.Devices {
			if m.NwkID == oldNwk {
				m.NwkID = newNwk
				changed = true
			}
			if slices.Contains(out, m) {
				continue
			}
			out = append(out, m)
		}
		g.Devices = out
		if g.Remote != nil && g.Remote.DeviceAddr == oldNwk {
			g.Remote.DeviceAddr = newNwk
			changed = true
		}
		if changed {
			touched = append(touched, id)
		}
	}
	return touched
}

// RemoveNwkIDFromAll removes every member at nwk from every group, removing
// groups left empty. It returns the ids of groups updated and of groups
// removed.
func (r *Registry) RemoveNwkIDFromAll(nwk codec.NwkID) (updated, removed []codec.GroupID) {
	for _, id := range r.IDs() {
		g := r.groups[id]
		n := len(g.Devices)
		g.Devices = slices.DeleteFunc(g.Devices, func(m Member) bool { return m.NwkID == nwk })
		if len(g.Devices) == n {
			continue
		}
		if g.empty() {
			delete(r.groups, id)
			removed = append(removed, id)
			continue
		}
		updated = append(updated, id)
	}
	return updated, removed
}

// Directory is the device-registry view Resolve needs.
type Directory interface {
	Lookup(nwk codec.NwkID) (*registry.DeviceRecord, bool)
	LookupByIEEE(ieee codec.IEEE) (codec.NwkID, bool)
}

// Resolve returns the current NwkId of a group member. If nwk is stale but
// ieee is still known, every group is rewritten to the new NwkId first. If
// the device is gone, nwk is purged from all groups and ok is false.
func (r *Registry) Resolve(dir Directory, nwk codec.NwkID, ieee codec.IEEE) (current codec.NwkID, ok bool) {
	if _, found := dir.Lookup(nwk); found {
		return nwk, true
	}
	if moved, found := dir.LookupByIEEE(ieee); found {
		r.RelocateDevice(nwk, moved)
		r.logger.Info("group member moved", "old_nwk", nwk, "new_nwk", moved, "ieee", ieee)
		return moved, true
	}
	_, removed := r.RemoveNwkIDFromAll(nwk)
	r.logger.Info("group member gone", "nwk", nwk, "ieee", ieee, "groups_removed", len(removed))
	return 0, false
}
