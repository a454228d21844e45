// Package reconcile decides what an incoming (IEEE, NwkId) claim means for
// the device registry and applies it, keeping the group table in step.
package reconcile

import (
	"errors"
	"fmt"
	"log/slog"

	"zigbee-nwkcore/internal/codec"
	"zigbee-nwkcore/internal/groups"
	"zigbee-nwkcore/internal/registry"
)

// ErrIdentityConflict is returned when a claim contradicts the controller's
// own identity.
var ErrIdentityConflict = errors.New("identity conflict")

// Prober answers whether the host or transport still knows a device. It
// must not block.
type Prober interface {
	DeviceExists(nwk codec.NwkID, ieee codec.IEEE) bool
}

// Outcome classifies a reconciled claim.
type Outcome int

const (
	// Stable: the registry already held the claimed pair.
	Stable Outcome = iota
	// Relocated: a known IEEE moved to a new NwkId.
	Relocated
	// Added: a new pair was recorded (including the controller itself).
	Added
	// Unresolved: the IEEE is unknown and the probe denied the device.
	Unresolved
	// Conflict: the claim contradicts the controller identity.
	Conflict
)

var outcomeNames = [...]string{"stable", "relocated", "added", "unresolved", "conflict"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Accepted reports whether the claimed pair is now in the registry.
func (o Outcome) Accepted() bool {
	return o == Stable || o == Relocated || o == Added
}

// Result describes what a reconciliation did.
type Result struct {
	Outcome  Outcome
	NwkID    codec.NwkID
	IEEE     codec.IEEE
	OldNwkID codec.NwkID // set when Relocated

	// Evicted holds stale records removed on the way.
	Evicted []*registry.DeviceRecord

	GroupsUpdated []codec.GroupID
	GroupsRemoved []codec.GroupID
}

// Engine applies claims to a device registry and group table. It is not
// safe for concurrent use; callers hold one lock around Reconcile.
type Engine struct {
	devices *registry.Registry
	groups  *groups.Registry
	prober  Prober
	logger  *slog.Logger
}

// New creates an Engine. prober may be nil, in which case unknown devices
// are accepted as claimed.
func New(devices *registry.Registry, grps *groups.Registry, prober Prober, logger *slog.Logger) *Engine {
	return &Engine{
		devices: devices,
		groups:  grps,
		prober:  prober,
		logger:  logger.With("component", "reconcile"),
	}
}

// SetProber replaces the existence probe.
func (e *Engine) SetProber(p Prober) {
	e.prober = p
}

// Reconcile applies the claim that ieee currently lives at nwk.
//
// The checks run in a fixed order: controller identity, stable pair, known
// IEEE at another NwkId (relocation), then unknown IEEE. Group members
// follow a relocation before Reconcile returns.
func (e *Engine) Reconcile(ieee codec.IEEE, nwk codec.NwkID) (*Result, error) {
	res := &Result{NwkID: nwk, IEEE: ieee}
	if !nwk.Valid() {
		return nil, fmt.Errorf("claim %s/%s: %w", nwk, ieee, registry.ErrInvalidNwkID)
	}

	controller, known := e.devices.Controller()
	switch {
	case nwk.IsCoordinator() && known && ieee != controller:
		res.Outcome = Conflict
		e.logger.Error("controller nwk id claimed by foreign ieee", "nwk", nwk, "ieee", ieee, "controller", controller)
		return res, fmt.Errorf("%s claims %s held by %s: %w", ieee, nwk, controller, ErrIdentityConflict)
	case !nwk.IsCoordinator() && known && ieee == controller:
		res.Outcome = Conflict
		e.logger.Error("controller ieee seen at foreign nwk id", "nwk", nwk, "ieee", ieee)
		return res, fmt.Errorf("controller %s claimed at %s: %w", ieee, nwk, ErrIdentityConflict)
	case nwk.IsCoordinator() && !known:
		if err := e.devices.SetController(ieee); err != nil {
			res.Outcome = Conflict
			return res, fmt.Errorf("learn controller %s: %w", ieee, ErrIdentityConflict)
		}
		e.logger.Info("controller identity learnt", "ieee", ieee)
		res.Outcome = Added
		return res, nil
	}

	if e.devices.ExistsConsistent(nwk, ieee) {
		res.Outcome = Stable
		return res, nil
	}

	if oldNwk, ok := e.devices.LookupByIEEE(ieee); ok {
		e.evictStale(res, nwk)
		if err := e.devices.Relocate(oldNwk, nwk); err != nil {
			return res, fmt.Errorf("relocate %s: %w", ieee, err)
		}
		res.Outcome = Relocated
		res.OldNwkID = oldNwk
		res.GroupsUpdated = append(res.GroupsUpdated, e.groups.RelocateDevice(oldNwk, nwk)...)
		e.logger.Info("device relocated", "ieee", ieee, "old_nwk", oldNwk, "new_nwk", nwk, "groups", len(res.GroupsUpdated))
		return res, nil
	}

	if e.prober == nil || e.prober.DeviceExists(nwk, ieee) {
		if d, ok := e.devices.Lookup(nwk); ok && d.HasIEEE {
			e.evictStale(res, nwk)
		}
		if err := e.devices.Insert(nwk, ieee); err != nil {
			return res, fmt.Errorf("add %s/%s: %w", nwk, ieee, err)
		}
		res.Outcome = Added
		e.logger.Info("device added", "nwk", nwk, "ieee", ieee)
		return res, nil
	}

	e.evictStale(res, nwk)
	updated, removed := e.groups.RemoveNwkIDFromAll(nwk)
	res.GroupsUpdated = append(res.GroupsUpdated, updated...)
	res.GroupsRemoved = append(res.GroupsRemoved, removed...)
	e.devices.MarkUnresolved(nwk)
	res.Outcome = Unresolved
	e.logger.Warn("unknown device", "nwk", nwk, "ieee", ieee, "evicted", len(res.Evicted))
	return res, nil
}

// evictStale removes whatever record sits at nwk and purges nwk from every
// group.
func (e *Engine) evictStale(res *Result, nwk codec.NwkID) {
	d, err := e.devices.Evict(nwk)
	if err != nil {
		return
	}
	res.Evicted = append(res.Evicted, d)
	updated, removed := e.groups.RemoveNwkIDFromAll(nwk)
	res.GroupsUpdated = append(res.GroupsUpdated, updated...)
	res.GroupsRemoved = append(res.GroupsRemoved, removed...)
	e.logger.Info("stale record evicted", "nwk", nwk, "ieee", d.IEEE, "groups_removed", len(removed))
}

// Evict removes the device at nwk and every group membership that points at
// it. It is the explicit form of the cleanup done for unknown devices.
func (e *Engine) Evict(nwk codec.NwkID) (*Result, error) {
	d, ok := e.devices.Lookup(nwk)
	if !ok {
		return nil, fmt.Errorf("evict %s: %w", nwk, registry.ErrUnknownDevice)
	}
	res := &Result{Outcome: Unresolved, NwkID: nwk, IEEE: d.IEEE}
	e.evictStale(res, nwk)
	return res, nil
}
