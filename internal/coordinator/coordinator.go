// Package coordinator owns the device registry and group table behind one
// lock, feeds them inbound ZDO frames and publishes what changed.
package coordinator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zigbee-nwkcore/internal/capability"
	"zigbee-nwkcore/internal/codec"
	"zigbee-nwkcore/internal/groups"
	"zigbee-nwkcore/internal/reconcile"
	"zigbee-nwkcore/internal/registry"
	"zigbee-nwkcore/internal/store"
	"zigbee-nwkcore/internal/zdo"
)

// Config holds coordinator settings.
type Config struct {
	// Controller pre-seeds the controller identity. Zero means learn it
	// from the first address response naming 0000.
	Controller codec.IEEE

	// PageTimeout bounds how long a pagination follow-up stays pending.
	PageTimeout time.Duration

	Overrides *capability.Overrides
}

// Coordinator is the context object. Every mutation goes through the
// write lock; readers take the read lock and get copies.
type Coordinator struct {
	mu        sync.RWMutex
	devices   *registry.Registry
	groups    *groups.Registry
	engine    *reconcile.Engine
	decoder   *zdo.Decoder
	store     store.Store
	persister *groups.Persister
	events    *EventBus
	logger    *slog.Logger
}

// New creates a coordinator. st and persister may be nil, in which case
// snapshots are not persisted.
func New(cfg Config, st store.Store, persister *groups.Persister, logger *slog.Logger) (*Coordinator, error) {
	devices := registry.New()
	grps := groups.New(logger)
	engine := reconcile.New(devices, grps, nil, logger)
	decoder := zdo.NewDecoder(devices, engine, nil, logger)
	decoder.SetOverrides(cfg.Overrides)
	if cfg.PageTimeout > 0 {
		decoder.SetPageTimeout(cfg.PageTimeout)
	}
	if cfg.Controller != 0 {
		if err := devices.SetController(cfg.Controller); err != nil {
			return nil, fmt.Errorf("seed controller: %w", err)
		}
	}
	return &Coordinator{
		devices:   devices,
		groups:    grps,
		engine:    engine,
		decoder:   decoder,
		store:     st,
		persister: persister,
		events:    NewEventBus(logger),
		logger:    logger.With("component", "coordinator"),
	}, nil
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// SetSender installs the outbound transport.
func (c *Coordinator) SetSender(s zdo.Sender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decoder.SetSender(s)
}

// SetProber installs the existence probe used for unknown devices.
func (c *Coordinator) SetProber(p reconcile.Prober) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engine.SetProber(p)
}

// HandleFrame decodes one inbound frame and applies it. Errors are logged
// and returned; the registries are left consistent either way.
func (c *Coordinator) HandleFrame(f zdo.Frame) (res *zdo.Result, err error) {
	var events []Event
	func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("decode %s: panic: %v", f.Type, r)
			}
		}()
		res, err = c.decoder.Decode(f)
		if res != nil {
			events = c.eventsFor(res)
		}
	}()
	if err != nil {
		c.logFrameError(f, err)
		if errors.Is(err, reconcile.ErrIdentityConflict) && res != nil {
			events = append(events, Event{Type: EventIdentityConflict, Data: ConflictEvent{
				NwkID: res.NwkID,
				IEEE:  res.IEEE,
				Error: err.Error(),
			}})
		}
	}
	c.events.Emit(events...)
	return res, err
}

func (c *Coordinator) logFrameError(f zdo.Frame, err error) {
	attrs := []any{"type", f.Type.String(), "error", err}
	switch {
	case errors.Is(err, reconcile.ErrIdentityConflict):
		c.logger.Error("identity conflict", attrs...)
	case errors.Is(err, zdo.ErrInvalidStatus):
		c.logger.Debug("frame with error status", attrs...)
	default:
		c.logger.Warn("frame dropped", attrs...)
	}
}

// eventsFor translates a decode result into events. Called with mu held.
func (c *Coordinator) eventsFor(res *zdo.Result) []Event {
	var events []Event
	if rr := res.Reconcile; rr != nil {
		events = append(events, c.reconcileEvents(rr)...)
	}
	if res.DescriptorApplied {
		if res.Created {
			events = append(events, Event{Type: EventDeviceAdded, Data: DeviceEvent{NwkID: res.NwkID, IEEE: res.IEEE}})
		}
		events = append(events, Event{Type: EventDescriptorUpdated, Data: DeviceEvent{
			NwkID:   res.NwkID,
			IEEE:    res.IEEE,
			Created: res.Created,
		}})
	}
	for _, f := range res.Sent {
		events = append(events, Event{Type: EventFrameSent, Data: f})
	}
	return events
}

func (c *Coordinator) reconcileEvents(rr *reconcile.Result) []Event {
	var events []Event
	for _, d := range rr.Evicted {
		events = append(events, Event{Type: EventDeviceEvicted, Data: DeviceEvent{NwkID: d.NwkID, IEEE: d.IEEE}})
	}
	dev := DeviceEvent{NwkID: rr.NwkID, IEEE: rr.IEEE}
	switch rr.Outcome {
	case reconcile.Added:
		events = append(events, Event{Type: EventDeviceAdded, Data: dev})
	case reconcile.Relocated:
		old := rr.OldNwkID
		dev.OldNwkID = &old
		events = append(events, Event{Type: EventDeviceRelocated, Data: dev})
	case reconcile.Unresolved:
		events = append(events, Event{Type: EventDeviceUnresolved, Data: dev})
	}
	return append(events, c.groupEvents(rr.GroupsUpdated, rr.GroupsRemoved)...)
}

func (c *Coordinator) groupEvents(updated, removed []codec.GroupID) []Event {
	var events []Event
	for _, id := range updated {
		if g, ok := c.groups.Get(id); ok {
			events = append(events, Event{Type: EventGroupUpdated, Data: GroupEvent{GroupID: id, Group: g}})
		}
	}
	for _, id := range removed {
		events = append(events, Event{Type: EventGroupRemoved, Data: GroupEvent{GroupID: id}})
	}
	return events
}

// Device returns a copy of the record at nwk.
func (c *Coordinator) Device(nwk codec.NwkID) (*registry.DeviceRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.devices.Lookup(nwk)
}

// DeviceByIEEE returns a copy of the record bound to ieee.
func (c *Coordinator) DeviceByIEEE(ieee codec.IEEE) (*registry.DeviceRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nwk, ok := c.devices.LookupByIEEE(ieee)
	if !ok {
		return nil, false
	}
	return c.devices.Lookup(nwk)
}

// Devices returns copies of all records ordered by NwkId.
func (c *Coordinator) Devices() []*registry.DeviceRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.devices.All()
}

// Controller returns the controller IEEE if known.
func (c *Coordinator) Controller() (codec.IEEE, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.devices.Controller()
}

// Unresolved returns the NwkIds reconciliation could not place.
func (c *Coordinator) Unresolved() map[codec.NwkID]time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.devices.Unresolved()
}

// Groups returns a copy of the group table.
func (c *Coordinator) Groups() map[codec.GroupID]*groups.Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.groups.Snapshot()
}

// Group returns a copy of one group.
func (c *Coordinator) Group(id codec.GroupID) (*groups.Group, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.groups.Get(id)
}

// PendingPages reports the number of outstanding pagination follow-ups.
func (c *Coordinator) PendingPages() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.decoder.Pager().Len()
}

// EvictDevice removes the record at nwk and purges it from every group.
func (c *Coordinator) EvictDevice(nwk codec.NwkID) error {
	c.mu.Lock()
	rr, err := c.engine.Evict(nwk)
	var events []Event
	if err == nil {
		c.decoder.Pager().Forget(nwk)
		for _, d := range rr.Evicted {
			events = append(events, Event{Type: EventDeviceEvicted, Data: DeviceEvent{NwkID: d.NwkID, IEEE: d.IEEE}})
		}
		events = append(events, c.groupEvents(rr.GroupsUpdated, rr.GroupsRemoved)...)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.events.Emit(events...)
	return nil
}

// AddGroupMember adds a member to a group, creating the group if needed.
func (c *Coordinator) AddGroupMember(id codec.GroupID, m groups.Member) bool {
	c.mu.Lock()
	added := c.groups.AddDevice(m, id)
	events := c.groupEvents([]codec.GroupID{id}, nil)
	c.mu.Unlock()
	if added {
		c.events.Emit(events...)
	}
	return added
}

// RemoveGroupMember removes a member from a group. A group left empty and
// without a remote binding is removed.
func (c *Coordinator) RemoveGroupMember(id codec.GroupID, m groups.Member) bool {
	c.mu.Lock()
	removed, groupRemoved := c.groups.RemoveDevice(m, id)
	var events []Event
	switch {
	case groupRemoved:
		events = c.groupEvents(nil, []codec.GroupID{id})
	case removed:
		events = c.groupEvents([]codec.GroupID{id}, nil)
	}
	c.mu.Unlock()
	c.events.Emit(events...)
	return removed
}

// ResolveGroupMember returns the current NwkId of a group member,
// repairing group entries when the device moved or disappeared.
func (c *Coordinator) ResolveGroupMember(nwk codec.NwkID, ieee codec.IEEE) (codec.NwkID, bool) {
	c.mu.Lock()
	before := c.groups.Snapshot()
	current, ok := c.groups.Resolve(c.devices, nwk, ieee)
	updated, removed := c.diffGroups(before)
	events := c.groupEvents(updated, removed)
	c.mu.Unlock()
	c.events.Emit(events...)
	return current, ok
}

// RebuildGroups recomputes the group table from device memberships.
func (c *Coordinator) RebuildGroups() int {
	c.mu.Lock()
	before := c.groups.Snapshot()
	n := c.groups.RebuildFromDevices(c.devices.All())
	updated, removed := c.diffGroups(before)
	events := c.groupEvents(updated, removed)
	c.mu.Unlock()
	c.events.Emit(events...)
	return n
}

// HostDevice is the host's view of one device.
type HostDevice struct {
	NwkID        codec.NwkID
	IEEE         codec.IEEE
	Status       registry.Status
	Manufacturer string
	Model        string
	// Groups lists group ids per endpoint. Nil leaves memberships as they are.
	Groups map[uint8][]codec.GroupID
}

// ApplyHostDevices copies host status, model and group memberships onto
// the records whose NwkId and IEEE match a host entry. Entries the registry
// does not hold with the same identity are skipped. It returns how many
// records were updated.
func (c *Coordinator) ApplyHostDevices(hosts []HostDevice) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, h := range hosts {
		if !c.devices.ExistsConsistent(h.NwkID, h.IEEE) {
			continue
		}
		if err := c.applyHostDevice(h); err != nil {
			c.logger.Warn("host device not applied", "nwk", h.NwkID, "ieee", h.IEEE, "err", err)
			continue
		}
		n++
	}
	c.logger.Debug("host devices applied", "listed", len(hosts), "updated", n)
	return n
}

func (c *Coordinator) applyHostDevice(h HostDevice) error {
	if err := c.devices.SetStatus(h.NwkID, h.Status); err != nil {
		return err
	}
	if h.Manufacturer != "" || h.Model != "" {
		if err := c.devices.SetModel(h.NwkID, h.Manufacturer, h.Model); err != nil {
			return err
		}
	}
	if h.Groups != nil {
		return c.devices.ReplaceMemberships(h.NwkID, h.Groups)
	}
	return nil
}

// diffGroups compares the current table with before. Called with mu held.
func (c *Coordinator) diffGroups(before map[codec.GroupID]*groups.Group) (updated, removed []codec.GroupID) {
	for _, id := range c.groups.IDs() {
		g, _ := c.groups.Get(id)
		if old, ok := before[id]; !ok || !sameGroup(old, g) {
			updated = append(updated, id)
		}
	}
	for id := range before {
		if _, ok := c.groups.Get(id); !ok {
			removed = append(removed, id)
		}
	}
	return updated, removed
}

func sameGroup(a, b *groups.Group) bool {
	x, err := groups.Encode(map[codec.GroupID]*groups.Group{0: a})
	if err != nil {
		return false
	}
	y, err := groups.Encode(map[codec.GroupID]*groups.Group{0: b})
	if err != nil {
		return false
	}
	return string(x) == string(y)
}

// Load restores the registry snapshot and the group table.
func (c *Coordinator) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store != nil {
		if err := c.loadDevices(); err != nil {
			return err
		}
	}
	if c.persister != nil {
		src, err := c.persister.Load(c.groups)
		if err != nil {
			return fmt.Errorf("load groups: %w", err)
		}
		c.logger.Info("groups loaded", "source", string(src), "count", c.groups.Len())
	}
	return nil
}

func (c *Coordinator) loadDevices() error {
	devs, err := c.store.ListDevices()
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	known, haveController := c.devices.Controller()
	if err := c.devices.Restore(devs); err != nil {
		return fmt.Errorf("restore devices: %w", err)
	}
	if n := c.devices.FreezeDescribed(); n > 0 {
		c.logger.Debug("restored descriptors frozen", "count", n)
	}

	ctrl, err := c.store.GetController()
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load controller: %w", err)
	case haveController && ctrl.IEEE != known:
		c.logger.Warn("stored controller differs from configuration, keeping configuration",
			"stored", ctrl.IEEE.String(), "configured", known.String())
	case !haveController:
		known, haveController = ctrl.IEEE, true
	}
	if haveController {
		if err := c.devices.SetController(known); err != nil {
			return fmt.Errorf("restore controller: %w", err)
		}
	}
	c.logger.Info("devices loaded", "count", c.devices.Len())
	return nil
}

// Save writes the registry snapshot and the group table.
func (c *Coordinator) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.store != nil {
		if err := c.store.ReplaceDevices(c.devices.All()); err != nil {
			return fmt.Errorf("save devices: %w", err)
		}
		if ieee, ok := c.devices.Controller(); ok {
			if err := c.store.SaveController(&store.Controller{NwkID: codec.CoordinatorNwkID, IEEE: ieee}); err != nil {
				return fmt.Errorf("save controller: %w", err)
			}
		}
	}
	if c.persister != nil {
		if err := c.persister.Save(c.groups); err != nil {
			return fmt.Errorf("save groups: %w", err)
		}
	}
	return nil
}
