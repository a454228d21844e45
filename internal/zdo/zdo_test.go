package zdo

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-nwkcore/internal/capability"
	"zigbee-nwkcore/internal/codec"
	"zigbee-nwkcore/internal/groups"
	"zigbee-nwkcore/internal/reconcile"
	"zigbee-nwkcore/internal/registry"
)

const (
	controllerIEEE codec.IEEE = 0x00124b0001020304
	bulbIEEE       codec.IEEE = 0x0011223344556677
)

type fakeSender struct {
	frames []OutboundFrame
	err    error
}

func (s *fakeSender) SendRaw(f OutboundFrame) error {
	s.frames = append(s.frames, f)
	return s.err
}

type harness struct {
	dec    *Decoder
	devs   *registry.Registry
	groups *groups.Registry
	sender *fakeSender
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	devs := registry.New()
	grps := groups.New(logger)
	engine := reconcile.New(devs, grps, nil, logger)
	sender := &fakeSender{}
	return &harness{
		dec:    NewDecoder(devs, engine, sender, logger),
		devs:   devs,
		groups: grps,
		sender: sender,
	}
}

func rspFrame(sqn, status uint8, ieee codec.IEEE, nwk codec.NwkID) *codec.Builder {
	b := &codec.Builder{}
	b.Uint8(sqn).Uint8(status).IEEE(ieee).NwkID(nwk)
	return b
}

func TestNwkAddrRspCreatesRecord(t *testing.T) {
	h := newHarness(t)
	data := rspFrame(0x01, 0x00, bulbIEEE, 0x1234).String()

	res, err := h.dec.Decode(Frame{Type: MsgNwkAddrRsp, Data: data, LQI: 0xc8})
	require.NoError(t, err)
	assert.Equal(t, reconcile.Added, res.Reconcile.Outcome)
	assert.Empty(t, res.Sent, "no pagination without trailing block")
	assert.Empty(t, h.sender.frames)

	d, ok := h.devs.Lookup(0x1234)
	require.True(t, ok)
	assert.Equal(t, bulbIEEE, d.IEEE)
	assert.Equal(t, uint8(0xc8), d.LQI)
	assert.False(t, d.LastSeen.IsZero())
}

func TestNwkAddrRspPagination(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.devs.Insert(0x1234, bulbIEEE))

	first := rspFrame(0x02, 0x00, bulbIEEE, 0x1234)
	first.Uint8(0x05).Uint8(0x00).NwkID(0xaaaa).NwkID(0xbbbb).NwkID(0xcccc)

	res, err := h.dec.Decode(Frame{Type: MsgNwkAddrRsp, Data: first.String()})
	require.NoError(t, err)
	assert.Equal(t, reconcile.Stable, res.Reconcile.Outcome)
	require.Len(t, h.sender.frames, 1)

	req := h.sender.frames[0]
	assert.Equal(t, codec.NwkID(0x1234), req.Dst)
	assert.Equal(t, ClusterNwkAddrReq, req.Cluster)
	assert.Equal(t, ProfileZDO, req.Profile)
	assert.Equal(t, "00"+"7766554433221100"+"01"+"03", req.Payload)

	// The same page again while the follow-up is in flight sends nothing.
	_, err = h.dec.Decode(Frame{Type: MsgNwkAddrRsp, Data: first.String()})
	require.NoError(t, err)
	assert.Len(t, h.sender.frames, 1)

	second := rspFrame(0x03, 0x00, bulbIEEE, 0x1234)
	second.Uint8(0x05).Uint8(0x03).NwkID(0xdddd).NwkID(0xeeee)
	_, err = h.dec.Decode(Frame{Type: MsgNwkAddrRsp, Data: second.String()})
	require.NoError(t, err)
	assert.Len(t, h.sender.frames, 1, "last page needs no follow-up")
	assert.Zero(t, h.dec.Pager().Len())

	d, _ := h.devs.Lookup(0x1234)
	assert.Equal(t, []codec.NwkID{0xaaaa, 0xbbbb, 0xcccc, 0xdddd, 0xeeee}, d.AssociatedDevices)
}

func TestIEEEAddrRspDoesNotPaginate(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.devs.Insert(0x1234, bulbIEEE))
	b := rspFrame(0x02, 0x00, bulbIEEE, 0x1234)
	b.Uint8(0x05).Uint8(0x00).NwkID(0xaaaa)

	_, err := h.dec.Decode(Frame{Type: MsgIEEEAddrRsp, Data: b.String()})
	require.NoError(t, err)
	assert.Empty(t, h.sender.frames)
}

func TestAddrRspInvalidStatusNeverMutates(t *testing.T) {
	h := newHarness(t)
	data := rspFrame(0x01, 0x81, bulbIEEE, 0x1234).String()

	_, err := h.dec.Decode(Frame{Type: MsgIEEEAddrRsp, Data: data})
	assert.ErrorIs(t, err, ErrInvalidStatus)
	assert.Zero(t, h.devs.Len())

	// Status failures stop before the NwkId is even read.
	_, err = h.dec.Decode(Frame{Type: MsgIEEEAddrRsp, Data: "0181" + bulbIEEE.String()})
	assert.ErrorIs(t, err, ErrInvalidStatus)
	assert.Zero(t, h.devs.Len())
}

func TestAddrRspTruncated(t *testing.T) {
	h := newHarness(t)
	for _, data := range []string{"", "01", "0100001122", "01000011223344556677", "0100001122334455667712"} {
		_, err := h.dec.Decode(Frame{Type: MsgNwkAddrRsp, Data: data})
		assert.ErrorIs(t, err, codec.ErrTruncatedFrame, "data %q", data)
	}
	// Partial device list entry.
	b := rspFrame(0x01, 0x00, bulbIEEE, 0x1234)
	b.Uint8(0x02).Uint8(0x00).Hex("aaaabb")
	_, err := h.dec.Decode(Frame{Type: MsgNwkAddrRsp, Data: b.String()})
	assert.ErrorIs(t, err, codec.ErrTruncatedFrame)
	assert.Zero(t, h.devs.Len())
}

func TestAddrRspMalformedAssociatedBlock(t *testing.T) {
	tests := []struct {
		name, trailer string
	}{
		{"bad count", "zz00" + "1111"},
		{"bad start index", "01zz" + "1111"},
		{"bad list entry", "0100" + "11zz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			data := rspFrame(0x01, 0x00, bulbIEEE, 0x1234).String() + tt.trailer

			_, err := h.dec.Decode(Frame{Type: MsgNwkAddrRsp, Data: data})
			assert.ErrorIs(t, err, codec.ErrInvalidHex)
			_, ok := h.devs.Lookup(0x1234)
			assert.False(t, ok, "no record from a rejected frame")
			assert.Empty(t, h.sender.frames)
			assert.Zero(t, h.dec.Pager().Len())
		})
	}
}

func TestAddrRspOutOfOrderPageKeepsList(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.devs.Insert(0x1234, bulbIEEE))

	b := rspFrame(0x02, 0x00, bulbIEEE, 0x1234)
	b.Uint8(0x08).Uint8(0x05).NwkID(0xaaaa)
	_, err := h.dec.Decode(Frame{Type: MsgIEEEAddrRsp, Data: b.String()})
	require.NoError(t, err)

	d, _ := h.devs.Lookup(0x1234)
	assert.Empty(t, d.AssociatedDevices)
}

func TestAddrRspRelocationMovesGroups(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.devs.Insert(0xa1b2, bulbIEEE))
	m := groups.Member{NwkID: 0xa1b2, Endpoint: 1, IEEE: bulbIEEE}
	h.groups.AddDevice(m, 0x0001)
	h.groups.AddDevice(m, 0x0002)

	data := rspFrame(0x01, 0x00, bulbIEEE, 0xc3d4).String()
	res, err := h.dec.Decode(Frame{Type: MsgNwkAddrRsp, Data: data})
	require.NoError(t, err)
	assert.Equal(t, reconcile.Relocated, res.Reconcile.Outcome)

	moved := groups.Member{NwkID: 0xc3d4, Endpoint: 1, IEEE: bulbIEEE}
	assert.Equal(t, []groups.Member{moved}, h.groups.DevicesOf(0x0001))
	assert.Equal(t, []groups.Member{moved}, h.groups.DevicesOf(0x0002))
}

func TestAddrRspControllerConflict(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.devs.SetController(controllerIEEE))

	data := rspFrame(0x01, 0x00, bulbIEEE, 0x0000).String()
	res, err := h.dec.Decode(Frame{Type: MsgNwkAddrRsp, Data: data})
	assert.ErrorIs(t, err, reconcile.ErrIdentityConflict)
	assert.Equal(t, reconcile.Conflict, res.Reconcile.Outcome)
	_, ok := h.devs.LookupByIEEE(bulbIEEE)
	assert.False(t, ok)
}

func ieeeAddrReq(sqn uint8, src codec.NwkID, nwk codec.NwkID) string {
	var b codec.Builder
	return b.Uint8(sqn).NwkID(src).Uint8(0x01).NwkID(nwk).Uint8(0x00).Uint8(0x00).String()
}

func TestIEEEAddrReqUnknownNwk(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.devs.SetController(controllerIEEE))

	_, err := h.dec.Decode(Frame{Type: MsgIEEEAddrReq, Data: ieeeAddrReq(0x2a, 0x5678, 0xabcd)})
	require.NoError(t, err)
	require.Len(t, h.sender.frames, 1)

	rsp := h.sender.frames[0]
	assert.Equal(t, codec.NwkID(0x5678), rsp.Dst)
	assert.Equal(t, uint8(0x00), rsp.SrcEp)
	assert.Equal(t, ClusterIEEEAddrRsp, rsp.Cluster)
	assert.Equal(t, ProfileZDO, rsp.Profile)
	assert.Equal(t, "2a81abcd", rsp.Payload)
}

func TestIEEEAddrReqEchoesQuery(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.devs.SetController(controllerIEEE))

	_, err := h.dec.Decode(Frame{Type: MsgIEEEAddrReq, Data: "2a567801ABCD0000"})
	require.NoError(t, err)
	require.Len(t, h.sender.frames, 1)
	assert.Equal(t, "2a81abcd", h.sender.frames[0].Payload)
}

func TestIEEEAddrReqKnownDevice(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.devs.SetController(controllerIEEE))
	require.NoError(t, h.devs.Insert(0x1234, bulbIEEE))

	_, err := h.dec.Decode(Frame{Type: MsgIEEEAddrReq, Data: ieeeAddrReq(0x07, 0x5678, 0x1234)})
	require.NoError(t, err)
	require.Len(t, h.sender.frames, 1)
	assert.Equal(t, "0700"+"7766554433221100"+"3412"+"00", h.sender.frames[0].Payload)

	_, err = h.dec.Decode(Frame{Type: MsgIEEEAddrReq, Data: ieeeAddrReq(0x08, 0x5678, 0x0000)})
	require.NoError(t, err)
	require.Len(t, h.sender.frames, 2)
	assert.Equal(t, "0800"+"04030201004b1200"+"0000"+"00", h.sender.frames[1].Payload)
}

func TestIEEEAddrReqIgnoredWithoutController(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.devs.Insert(0x1234, bulbIEEE))

	_, err := h.dec.Decode(Frame{Type: MsgIEEEAddrReq, Data: ieeeAddrReq(0x07, 0x5678, 0x1234)})
	require.NoError(t, err)
	assert.Empty(t, h.sender.frames)
}

func nwkAddrReq(sqn uint8, src codec.NwkID, ieee codec.IEEE) string {
	var b codec.Builder
	return b.Uint8(sqn).NwkID(src).Uint8(0x01).IEEE(ieee).Uint8(0x00).Uint8(0x00).String()
}

func TestNwkAddrReq(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.devs.SetController(controllerIEEE))
	require.NoError(t, h.devs.Insert(0x1234, bulbIEEE))

	tests := []struct {
		name string
		ieee codec.IEEE
		want string
	}{
		{"controller", controllerIEEE, "1100" + "04030201004b1200" + "0000" + "00"},
		{"known device", bulbIEEE, "1100" + "7766554433221100" + "3412" + "00"},
		{"unknown device", 0x0102030405060708, "1181" + "0102030405060708"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.sender.frames = nil
			_, err := h.dec.Decode(Frame{Type: MsgNwkAddrReq, Data: nwkAddrReq(0x11, 0x9abc, tt.ieee)})
			require.NoError(t, err)
			require.Len(t, h.sender.frames, 1)
			assert.Equal(t, codec.NwkID(0x9abc), h.sender.frames[0].Dst)
			assert.Equal(t, ClusterNwkAddrRsp, h.sender.frames[0].Cluster)
			assert.Equal(t, tt.want, h.sender.frames[0].Payload)
		})
	}
}

func TestRequestTruncated(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.devs.SetController(controllerIEEE))

	_, err := h.dec.Decode(Frame{Type: MsgNwkAddrReq, Data: "11" + "9abc" + "01" + "0011223344556677" + "00"})
	assert.ErrorIs(t, err, codec.ErrTruncatedFrame)
	_, err = h.dec.Decode(Frame{Type: MsgIEEEAddrReq, Data: "11" + "9abc" + "01" + "12"})
	assert.ErrorIs(t, err, codec.ErrTruncatedFrame)
	assert.Empty(t, h.sender.frames)
}

func TestSendErrorIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.sender.err = errors.New("broker down")

	res, err := h.dec.Decode(Frame{Type: MsgNwkAddrReq, Data: nwkAddrReq(0x11, 0x9abc, bulbIEEE)})
	require.NoError(t, err)
	assert.Len(t, res.Sent, 1)
}

func nodeDesc(sqn uint8, nwk codec.NwkID, manufacturer uint16, mac uint8, bitField uint16) string {
	var b codec.Builder
	return b.Uint8(sqn).Uint8(0x00).NwkID(nwk).
		Uint16(manufacturer).Uint16(0x0050).Uint16(0x0050).Uint16(0x2c00).
		Uint8(0x00).Uint8(mac).Uint8(0x52).Uint16(bitField).String()
}

func TestNodeDescRsp(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.devs.Insert(0x1a2b, bulbIEEE))

	res, err := h.dec.Decode(Frame{Type: MsgNodeDescRsp, Data: nodeDesc(0x01, 0x1a2b, 0x117c, 0x8e, 0x4001), LQI: 0x60})
	require.NoError(t, err)
	assert.True(t, res.DescriptorApplied)
	assert.False(t, res.Created)

	d, _ := h.devs.Lookup(0x1a2b)
	assert.Equal(t, uint16(0x117c), d.ManufacturerCode)
	assert.Equal(t, capability.LogicalRouter, d.LogicalType)
	assert.Equal(t, capability.PowerMain, d.PowerSource)
	assert.Equal(t, capability.FFD, d.DeviceType)
	assert.Equal(t, capability.ReceiveOn, d.ReceiveOnIdle)
	assert.Equal(t, uint8(0x52), d.MaxBufferSize)
	assert.Equal(t, uint16(0x0050), d.MaxRx)
	assert.Equal(t, uint16(0x2c00), d.ServerMask)
	assert.Equal(t, "117c005000502c00008e524001", d.RawNodeDescriptor)
	assert.Equal(t, uint8(0x60), d.LQI)
}

func TestNodeDescRspReportsIEEE(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.devs.Insert(0x1a2b, bulbIEEE))

	res, err := h.dec.Decode(Frame{Type: MsgNodeDescRsp, Data: nodeDesc(0x01, 0x1a2b, 0x117c, 0x8e, 0x4001)})
	require.NoError(t, err)
	assert.Equal(t, bulbIEEE, res.IEEE)

	require.NoError(t, h.devs.SetController(controllerIEEE))
	res, err = h.dec.Decode(Frame{Type: MsgNodeDescRsp, Data: nodeDesc(0x02, 0x0000, 0x1037, 0x8f, 0x4000)})
	require.NoError(t, err)
	assert.Equal(t, controllerIEEE, res.IEEE)
}

func TestNodeDescRspInDBIdempotent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.devs.Insert(0x1a2b, bulbIEEE))
	_, err := h.dec.Decode(Frame{Type: MsgNodeDescRsp, Data: nodeDesc(0x01, 0x1a2b, 0x117c, 0x8e, 0x4001)})
	require.NoError(t, err)
	require.NoError(t, h.devs.SetStatus(0x1a2b, registry.StatusInDB))

	frame := Frame{Type: MsgNodeDescRsp, Data: nodeDesc(0x02, 0x1a2b, 0x1037, 0x80, 0x4002)}
	for i := 0; i < 2; i++ {
		_, err := h.dec.Decode(frame)
		require.NoError(t, err)
		d, _ := h.devs.Lookup(0x1a2b)
		assert.Equal(t, capability.LogicalRouter, d.LogicalType, "decode %d", i)
		assert.Equal(t, capability.PowerMain, d.PowerSource, "decode %d", i)
		assert.Equal(t, capability.FFD, d.DeviceType, "decode %d", i)
		assert.Equal(t, capability.ReceiveOn, d.ReceiveOnIdle, "decode %d", i)
		assert.Equal(t, uint16(0x117c), d.ManufacturerCode, "decode %d", i)
		assert.Equal(t, uint8(0x80), d.MACCapability, "raw field refreshed")
	}
}

func TestNodeDescRspUnknownDevice(t *testing.T) {
	h := newHarness(t)

	res, err := h.dec.Decode(Frame{Type: MsgNodeDescRsp, Data: nodeDesc(0x01, 0x4444, 0x117c, 0x80, 0x0002)})
	require.NoError(t, err)
	assert.False(t, res.DescriptorApplied)
	assert.Zero(t, h.devs.Len())

	res, err = h.dec.Decode(Frame{Type: MsgNodeDescRsp, Data: nodeDesc(0x02, 0x0000, 0x1135, 0x8f, 0x0000)})
	require.NoError(t, err)
	assert.True(t, res.Created)
	d, ok := h.devs.Lookup(0x0000)
	require.True(t, ok)
	assert.Equal(t, capability.LogicalCoordinator, d.LogicalType)
}

func TestNodeDescRspStatusAndTruncation(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.devs.Insert(0x1a2b, bulbIEEE))

	_, err := h.dec.Decode(Frame{Type: MsgNodeDescRsp, Data: "01801a2b"})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	full := nodeDesc(0x01, 0x1a2b, 0x117c, 0x8e, 0x4001)
	_, err = h.dec.Decode(Frame{Type: MsgNodeDescRsp, Data: full[:len(full)-2]})
	assert.ErrorIs(t, err, codec.ErrTruncatedFrame)

	d, _ := h.devs.Lookup(0x1a2b)
	assert.Zero(t, d.ManufacturerCode, "failed decodes leave the record alone")
}

func TestNodeDescRspAppliesOverride(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.devs.Insert(0x1a2b, bulbIEEE))
	require.NoError(t, h.devs.SetModel(0x1a2b, "LUMI", "lumi.router"))

	ov := capability.NewOverrides()
	require.NoError(t, ov.Add(capability.Override{Model: "lumi.router", MACCapability: "8e"}))
	h.dec.SetOverrides(ov)

	_, err := h.dec.Decode(Frame{Type: MsgNodeDescRsp, Data: nodeDesc(0x01, 0x1a2b, 0x115f, 0x80, 0x4002)})
	require.NoError(t, err)
	d, _ := h.devs.Lookup(0x1a2b)
	assert.Equal(t, capability.PowerMain, d.PowerSource)
	assert.Equal(t, uint8(0x80), d.MACCapability, "raw byte kept as received")
}

func TestDecodeUnknownType(t *testing.T) {
	h := newHarness(t)
	_, err := h.dec.Decode(Frame{Type: 0x8002, Data: "00"})
	assert.ErrorIs(t, err, ErrUnknownMsgType)
}

func TestParseMsgType(t *testing.T) {
	for _, m := range MsgTypes {
		got, err := ParseMsgType(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMsgType("8002")
	assert.ErrorIs(t, err, ErrUnknownMsgType)
	_, err = ParseMsgType("80")
	assert.Error(t, err)
	assert.Equal(t, "NWK_addr_rsp", MsgNwkAddrRsp.Name())
}

func TestPagerTimeoutAllowsRetry(t *testing.T) {
	p := NewPager(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	next, ok := p.Observe(0x1234, bulbIEEE, 10, 0, 4)
	require.True(t, ok)
	assert.Equal(t, 4, next)

	_, ok = p.Observe(0x1234, bulbIEEE, 10, 0, 4)
	assert.False(t, ok, "in flight")

	now = now.Add(2 * time.Minute)
	next, ok = p.Observe(0x1234, bulbIEEE, 10, 0, 4)
	assert.True(t, ok, "expired request may be reissued")
	assert.Equal(t, 4, next)
}

func TestPagerForget(t *testing.T) {
	p := NewPager(0)
	_, ok := p.Observe(0x1234, bulbIEEE, 10, 0, 4)
	require.True(t, ok)
	assert.True(t, p.Pending(0x1234, bulbIEEE))

	p.Forget(0x1234)
	assert.False(t, p.Pending(0x1234, bulbIEEE))
}

func TestPagerNoProgress(t *testing.T) {
	p := NewPager(0)
	_, ok := p.Observe(0x1234, bulbIEEE, 10, 0, 0)
	assert.False(t, ok, "empty page never triggers a request")
	_, ok = p.Observe(0x1234, bulbIEEE, 3, 0, 3)
	assert.False(t, ok)
}

func TestSequencerWraps(t *testing.T) {
	s := Sequencer{next: 0xff}
	assert.Equal(t, uint8(0xff), s.Next())
	assert.Equal(t, uint8(0x00), s.Next())
}
