package zdo

import (
	"fmt"
	"log/slog"
	"time"

	"zigbee-nwkcore/internal/capability"
	"zigbee-nwkcore/internal/codec"
	"zigbee-nwkcore/internal/reconcile"
	"zigbee-nwkcore/internal/registry"
)

// Result reports what decoding one frame did.
type Result struct {
	Type  MsgType
	Seq   uint8
	NwkID codec.NwkID
	IEEE  codec.IEEE

	// Reconcile is set for address responses that reached reconciliation.
	Reconcile *reconcile.Result

	// DescriptorApplied is set when a node descriptor was written, and
	// Created when that write created the record.
	DescriptorApplied bool
	Created           bool

	// Sent lists the frames handed to the transport, replies first.
	Sent []OutboundFrame
}

// Decoder routes frames to their message decoders. It is not safe for
// concurrent use.
type Decoder struct {
	devices   *registry.Registry
	engine    *reconcile.Engine
	pager     *Pager
	overrides *capability.Overrides
	sender    Sender
	seq       Sequencer
	logger    *slog.Logger
}

// NewDecoder creates a Decoder. sender may be nil, in which case outbound
// frames are only reported in Result.Sent.
func NewDecoder(devices *registry.Registry, engine *reconcile.Engine, sender Sender, logger *slog.Logger) *Decoder {
	return &Decoder{
		devices: devices,
		engine:  engine,
		pager:   NewPager(DefaultPageTimeout),
		sender:  sender,
		logger:  logger.With("component", "zdo"),
	}
}

// SetOverrides installs the per-model MAC capability override table.
func (d *Decoder) SetOverrides(o *capability.Overrides) {
	d.overrides = o
}

// SetSender replaces the transport.
func (d *Decoder) SetSender(s Sender) {
	d.sender = s
}

// SetPageTimeout replaces the pager's outstanding-request timeout.
func (d *Decoder) SetPageTimeout(timeout time.Duration) {
	d.pager.timeout = timeout
}

// Pager exposes pagination state.
func (d *Decoder) Pager() *Pager {
	return d.pager
}

// Decode processes one frame. Errors never leave partial registry changes
// behind: every field is read before anything is mutated.
func (d *Decoder) Decode(f Frame) (*Result, error) {
	switch f.Type {
	case MsgNwkAddrReq:
		return d.nwkAddrReq(f)
	case MsgIEEEAddrReq:
		return d.ieeeAddrReq(f)
	case MsgNwkAddrRsp:
		return d.addrRsp(f, true)
	case MsgIEEEAddrRsp:
		return d.addrRsp(f, false)
	case MsgNodeDescRsp:
		return d.nodeDescRsp(f)
	default:
		return nil, fmt.Errorf("decode %s: %w", f.Type, ErrUnknownMsgType)
	}
}

func (d *Decoder) send(res *Result, f OutboundFrame) {
	res.Sent = append(res.Sent, f)
	if d.sender == nil {
		return
	}
	if err := d.sender.SendRaw(f); err != nil {
		d.logger.Warn("send failed", "dst", f.Dst, "cluster", codec.FormatUint16(f.Cluster), "error", err)
	}
}

// forget drops pagination state for every NwkId a reconciliation retired.
func (d *Decoder) forget(rr *reconcile.Result) {
	if rr == nil {
		return
	}
	if rr.Outcome == reconcile.Relocated {
		d.pager.Forget(rr.OldNwkID)
	}
	if rr.Outcome == reconcile.Unresolved {
		d.pager.Forget(rr.NwkID)
	}
	for _, ev := range rr.Evicted {
		d.pager.Forget(ev.NwkID)
	}
}
