package reconcile

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-nwkcore/internal/codec"
	"zigbee-nwkcore/internal/groups"
	"zigbee-nwkcore/internal/registry"
)

const (
	controllerIEEE codec.IEEE = 0x00124b0001020304
	bulbIEEE       codec.IEEE = 0x0011223344556677
	plugIEEE       codec.IEEE = 0x000d6f0000aabbcc
)

type fakeProber struct {
	present bool
	calls   int
}

func (p *fakeProber) DeviceExists(codec.NwkID, codec.IEEE) bool {
	p.calls++
	return p.present
}

func newTestEngine(t *testing.T, prober Prober) (*Engine, *registry.Registry, *groups.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	devs := registry.New()
	grps := groups.New(logger)
	return New(devs, grps, prober, logger), devs, grps
}

func TestStableClaim(t *testing.T) {
	prober := &fakeProber{}
	e, devs, _ := newTestEngine(t, prober)
	require.NoError(t, devs.Insert(0x1234, bulbIEEE))

	res, err := e.Reconcile(bulbIEEE, 0x1234)
	require.NoError(t, err)
	assert.Equal(t, Stable, res.Outcome)
	assert.Zero(t, prober.calls, "stable case never probes")
	assert.Equal(t, 1, devs.Len())
}

func TestRelocationUpdatesGroups(t *testing.T) {
	e, devs, grps := newTestEngine(t, nil)
	require.NoError(t, devs.Insert(0xa1b2, bulbIEEE))
	m := groups.Member{NwkID: 0xa1b2, Endpoint: 1, IEEE: bulbIEEE}
	grps.AddDevice(m, 0x0001)
	grps.AddDevice(m, 0x0002)

	res, err := e.Reconcile(bulbIEEE, 0xc3d4)
	require.NoError(t, err)
	assert.Equal(t, Relocated, res.Outcome)
	assert.Equal(t, codec.NwkID(0xa1b2), res.OldNwkID)
	assert.ElementsMatch(t, []codec.GroupID{0x0001, 0x0002}, res.GroupsUpdated)

	for _, id := range []codec.GroupID{0x0001, 0x0002} {
		for _, member := range grps.DevicesOf(id) {
			assert.NotEqual(t, codec.NwkID(0xa1b2), member.NwkID, "group %s", id)
		}
		assert.Contains(t, grps.DevicesOf(id), groups.Member{NwkID: 0xc3d4, Endpoint: 1, IEEE: bulbIEEE})
	}
	assert.True(t, devs.ExistsConsistent(0xc3d4, bulbIEEE))
	_, stillThere := devs.Lookup(0xa1b2)
	assert.False(t, stillThere)
	require.NoError(t, devs.CheckConsistency())
}

func TestRelocationEvictsStaleTarget(t *testing.T) {
	e, devs, grps := newTestEngine(t, nil)
	require.NoError(t, devs.Insert(0xa1b2, bulbIEEE))
	require.NoError(t, devs.Insert(0xc3d4, plugIEEE))
	grps.AddDevice(groups.Member{NwkID: 0xc3d4, Endpoint: 1, IEEE: plugIEEE}, 0x0009)

	res, err := e.Reconcile(bulbIEEE, 0xc3d4)
	require.NoError(t, err)
	assert.Equal(t, Relocated, res.Outcome)
	require.Len(t, res.Evicted, 1)
	assert.Equal(t, plugIEEE, res.Evicted[0].IEEE)
	assert.Equal(t, []codec.GroupID{0x0009}, res.GroupsRemoved)

	_, ok := devs.LookupByIEEE(plugIEEE)
	assert.False(t, ok)
	require.NoError(t, devs.CheckConsistency())
}

func TestUnknownDeviceProbeDenies(t *testing.T) {
	prober := &fakeProber{present: false}
	e, devs, grps := newTestEngine(t, prober)
	require.NoError(t, devs.Insert(0x9999, plugIEEE))
	grps.AddDevice(groups.Member{NwkID: 0x9999, Endpoint: 1, IEEE: plugIEEE}, 0x0003)

	res, err := e.Reconcile(bulbIEEE, 0x9999)
	require.NoError(t, err)
	assert.Equal(t, Unresolved, res.Outcome)
	assert.Equal(t, 1, prober.calls)
	assert.Equal(t, []codec.GroupID{0x0003}, res.GroupsRemoved)

	_, ok := devs.Lookup(0x9999)
	assert.False(t, ok)
	_, ok = grps.Get(0x0003)
	assert.False(t, ok, "sole-member group removed")
	assert.True(t, devs.IsUnresolved(0x9999))
}

func TestUnknownDeviceProbeAffirms(t *testing.T) {
	prober := &fakeProber{present: true}
	e, devs, _ := newTestEngine(t, prober)

	res, err := e.Reconcile(bulbIEEE, 0x1234)
	require.NoError(t, err)
	assert.Equal(t, Added, res.Outcome)
	assert.True(t, devs.ExistsConsistent(0x1234, bulbIEEE))
}

func TestUnknownDeviceWithoutProberIsAdded(t *testing.T) {
	e, devs, _ := newTestEngine(t, nil)
	_, err := devs.UpsertDescriptor(0x1234, registry.Descriptor{ManufacturerCode: 0x1037})
	require.NoError(t, err)

	res, err := e.Reconcile(bulbIEEE, 0x1234)
	require.NoError(t, err)
	assert.Equal(t, Added, res.Outcome)
	assert.Empty(t, res.Evicted, "descriptor-only record is completed, not evicted")

	d, ok := devs.Lookup(0x1234)
	require.True(t, ok)
	assert.Equal(t, uint16(0x1037), d.ManufacturerCode)
	assert.Equal(t, bulbIEEE, d.IEEE)
}

func TestControllerLearntOnce(t *testing.T) {
	e, devs, _ := newTestEngine(t, nil)

	res, err := e.Reconcile(controllerIEEE, 0x0000)
	require.NoError(t, err)
	assert.Equal(t, Added, res.Outcome)
	got, known := devs.Controller()
	assert.True(t, known)
	assert.Equal(t, controllerIEEE, got)

	res, err = e.Reconcile(controllerIEEE, 0x0000)
	require.NoError(t, err)
	assert.Equal(t, Stable, res.Outcome)
}

func TestControllerConflicts(t *testing.T) {
	e, devs, _ := newTestEngine(t, nil)
	require.NoError(t, devs.SetController(controllerIEEE))
	require.NoError(t, devs.Insert(0x1234, bulbIEEE))
	before := devs.All()

	res, err := e.Reconcile(bulbIEEE, 0x0000)
	assert.ErrorIs(t, err, ErrIdentityConflict)
	assert.Equal(t, Conflict, res.Outcome)

	res, err = e.Reconcile(controllerIEEE, 0x4321)
	assert.ErrorIs(t, err, ErrIdentityConflict)
	assert.Equal(t, Conflict, res.Outcome)

	assert.Equal(t, before, devs.All(), "conflicts never mutate")
}

func TestInvalidNwkID(t *testing.T) {
	e, devs, _ := newTestEngine(t, nil)
	_, err := e.Reconcile(bulbIEEE, 0xfffe)
	assert.ErrorIs(t, err, registry.ErrInvalidNwkID)
	assert.Zero(t, devs.Len())
}

func TestEvict(t *testing.T) {
	e, devs, grps := newTestEngine(t, nil)
	require.NoError(t, devs.Insert(0x9999, plugIEEE))
	grps.AddDevice(groups.Member{NwkID: 0x9999, Endpoint: 1, IEEE: plugIEEE}, 0x0003)

	res, err := e.Evict(0x9999)
	require.NoError(t, err)
	assert.Equal(t, []codec.GroupID{0x0003}, res.GroupsRemoved)
	assert.Zero(t, grps.Len())

	_, err = e.Evict(0x9999)
	assert.ErrorIs(t, err, registry.ErrUnknownDevice)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "relocated", Relocated.String())
	assert.Equal(t, "outcome(9)", Outcome(9).String())
	assert.True(t, Added.Accepted())
	assert.False(t, Unresolved.Accepted())
}
