package zdo

import (
	"fmt"

	"zigbee-nwkcore/internal/capability"
	"zigbee-nwkcore/internal/codec"
	"zigbee-nwkcore/internal/registry"
)

// nodeDescRsp decodes Node_Desc_rsp (8042):
//
//	sqn(1) status(1) nwk(2) manufacturer(2) maxRx(2) maxTx(2) serverMask(2)
//	descriptorCapability(1) macCapability(1) maxBuffer(1) bitField(2)
//
// Descriptors are applied only to known devices, except for the controller
// (0000) whose record is created on first sight.
func (d *Decoder) nodeDescRsp(f Frame) (*Result, error) {
	res := &Result{Type: f.Type}
	r := codec.NewReader(f.Data)

	sqn, err := r.Uint8()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Type.Name(), err)
	}
	res.Seq = sqn
	status, err := r.Uint8()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Type.Name(), err)
	}
	nwk, err := r.NwkID()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Type.Name(), err)
	}
	res.NwkID = nwk
	if status != StatusSuccess {
		d.logger.Debug("node descriptor not successful", "nwk", nwk, "status", codec.FormatUint8(status))
		return res, fmt.Errorf("%s status %s: %w", f.Type.Name(), codec.FormatUint8(status), ErrInvalidStatus)
	}

	raw := r.Rest()
	r = codec.NewReader(raw)
	var desc registry.Descriptor
	desc.Raw = raw
	fields := []func() error{
		func() (err error) { desc.ManufacturerCode, err = r.Uint16(); return },
		func() (err error) { desc.MaxRx, err = r.Uint16(); return },
		func() (err error) { desc.MaxTx, err = r.Uint16(); return },
		func() (err error) { desc.ServerMask, err = r.Uint16(); return },
		func() (err error) { desc.DescriptorCapability, err = r.Uint8(); return },
		func() (err error) { desc.MACCapability, err = r.Uint8(); return },
		func() (err error) { desc.MaxBufferSize, err = r.Uint8(); return },
		func() (err error) { desc.BitField, err = r.Uint16(); return },
	}
	for _, read := range fields {
		if err := read(); err != nil {
			return nil, fmt.Errorf("%s %s: %w", f.Type.Name(), nwk, err)
		}
	}

	rec, known := d.devices.Lookup(nwk)
	if !known && !nwk.IsCoordinator() {
		d.logger.Info("node descriptor from unknown device", "nwk", nwk)
		return res, nil
	}

	mac := desc.MACCapability
	if known {
		mac = d.overrides.Remap(rec.Manufacturer, rec.Model, mac)
	}
	desc.Capabilities = capability.Decode(mac)
	desc.LogicalType = capability.DecodeLogicalType(uint8(desc.BitField))

	created, err := d.devices.UpsertDescriptor(nwk, desc)
	if err != nil {
		return res, err
	}
	res.DescriptorApplied = true
	res.Created = created
	if rec, ok := d.devices.Lookup(nwk); ok && rec.HasIEEE {
		res.IEEE = rec.IEEE
	} else if ieee, ok := d.devices.Controller(); ok && nwk.IsCoordinator() {
		res.IEEE = ieee
	}
	_ = d.devices.Touch(nwk, f.LQI)

	d.logger.Debug("node descriptor",
		"nwk", nwk, "sqn", codec.FormatUint8(sqn),
		"manufacturer", codec.FormatUint16(desc.ManufacturerCode),
		"capabilities", desc.Capabilities.String(),
		"logical_type", desc.LogicalType)
	return res, nil
}
