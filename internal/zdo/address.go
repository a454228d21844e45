package zdo

import (
	"errors"
	"fmt"

	"zigbee-nwkcore/internal/codec"
	"zigbee-nwkcore/internal/registry"
)

// addrRsp decodes NWK_addr_rsp (8040) and IEEE_addr_rsp (8041):
//
//	sqn(1) status(1) ieee(8) nwk(2) [numAssoc(1) startIndex(1) list(2*n)]
//
// Only NWK_addr_rsp drives pagination.
func (d *Decoder) addrRsp(f Frame, paginate bool) (*Result, error) {
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
	ieee, err := r.IEEE()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Type.Name(), err)
	}
	res.IEEE = ieee
	if status != StatusSuccess {
		d.logger.Debug("address response not successful", "type", f.Type, "ieee", ieee, "status", codec.FormatUint8(status))
		return res, fmt.Errorf("%s status %s: %w", f.Type.Name(), codec.FormatUint8(status), ErrInvalidStatus)
	}
	nwk, err := r.NwkID()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Type.Name(), err)
	}
	res.NwkID = nwk

	var (
		extended   bool
		numAssoc   uint8
		startIndex uint8
		list       []codec.NwkID
	)
	if r.Len() >= 2 {
		extended = true
		if numAssoc, err = r.Uint8(); err != nil {
			return nil, fmt.Errorf("%s associated count: %w", f.Type.Name(), err)
		}
		if startIndex, err = r.Uint8(); err != nil {
			return nil, fmt.Errorf("%s start index: %w", f.Type.Name(), err)
		}
		if list, err = r.NwkIDList(); err != nil {
			return nil, fmt.Errorf("%s associated devices: %w", f.Type.Name(), err)
		}
	}

	rr, err := d.engine.Reconcile(ieee, nwk)
	res.Reconcile = rr
	d.forget(rr)
	if err != nil {
		return res, fmt.Errorf("%s: %w", f.Type.Name(), err)
	}
	if !rr.Outcome.Accepted() {
		return res, nil
	}

	if err := d.devices.Touch(nwk, f.LQI); err != nil {
		return res, err
	}
	if extended {
		err := d.devices.StoreAssociated(nwk, int(startIndex), list)
		switch {
		case errors.Is(err, registry.ErrAssociatedGap):
			d.logger.Debug("associated devices page skipped", "nwk", nwk, "start", startIndex, "err", err)
		case err != nil:
			return res, err
		}
	}
	d.logger.Debug("address response",
		"type", f.Type, "sqn", codec.FormatUint8(sqn), "nwk", nwk, "ieee", ieee,
		"outcome", rr.Outcome, "assoc", numAssoc, "start", startIndex, "carried", len(list))

	if paginate && extended {
		if next, ok := d.pager.Observe(nwk, ieee, int(numAssoc), int(startIndex), len(list)); ok {
			d.logger.Debug("requesting next associated devices page", "nwk", nwk, "ieee", ieee, "start", next)
			d.send(res, nwkAddrRequest(d.seq.Next(), nwk, ieee, uint8(next)))
		}
	}
	return res, nil
}

// nwkAddrReq answers NWK_addr_req (0040):
//
//	sqn(1) srcNwk(2) srcEp(1) ieee(8) reqType(1) startIndex(1)
func (d *Decoder) nwkAddrReq(f Frame) (*Result, error) {
	res := &Result{Type: f.Type}
	r := codec.NewReader(f.Data)

	sqn, err := r.Uint8()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Type.Name(), err)
	}
	src, err := r.NwkID()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Type.Name(), err)
	}
	srcEp, err := r.Uint8()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Type.Name(), err)
	}
	queried, err := r.Hex(8)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Type.Name(), err)
	}
	if _, err := r.Hex(2); err != nil { // reqType, startIndex
		return nil, fmt.Errorf("%s: %w", f.Type.Name(), err)
	}
	ieee, err := codec.ParseIEEE(queried)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Type.Name(), err)
	}
	res.Seq, res.NwkID, res.IEEE = sqn, src, ieee

	var payload string
	controller, known := d.devices.Controller()
	if nwk, ok := d.devices.LookupByIEEE(ieee); known && ieee == controller {
		payload = foundPayload(sqn, controller, codec.CoordinatorNwkID)
	} else if ok {
		payload = foundPayload(sqn, ieee, nwk)
	} else {
		payload = notFoundPayload(sqn, queried)
	}
	d.logger.Debug("nwk addr request", "src", src, "src_ep", codec.FormatUint8(srcEp), "ieee", ieee, "reply", payload)
	d.send(res, reply(src, ClusterNwkAddrRsp, payload))
	return res, nil
}

// ieeeAddrReq answers IEEE_addr_req (0041):
//
//	sqn(1) srcNwk(2) srcEp(1) nwk(2) reqType(1) startIndex(1)
//
// Nothing is sent until the controller's own identity is known.
func (d *Decoder) ieeeAddrReq(f Frame) (*Result, error) {
	res := &Result{Type: f.Type}
	r := codec.NewReader(f.Data)

	sqn, err := r.Uint8()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Type.Name(), err)
	}
	src, err := r.NwkID()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Type.Name(), err)
	}
	if _, err := r.Uint8(); err != nil { // srcEp
		return nil, fmt.Errorf("%s: %w", f.Type.Name(), err)
	}
	queried, err := r.Hex(2)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Type.Name(), err)
	}
	if _, err := r.Hex(2); err != nil { // reqType, startIndex
		return nil, fmt.Errorf("%s: %w", f.Type.Name(), err)
	}
	nwk, err := codec.ParseNwkID(queried)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Type.Name(), err)
	}
	res.Seq, res.NwkID = sqn, nwk

	controller, known := d.devices.Controller()
	if !known {
		d.logger.Debug("ieee addr request ignored, controller identity unknown", "src", src, "nwk", nwk)
		return res, nil
	}

	var payload string
	if rec, ok := d.devices.Lookup(nwk); nwk.IsCoordinator() {
		payload = foundPayload(sqn, controller, codec.CoordinatorNwkID)
	} else if ok && rec.HasIEEE {
		res.IEEE = rec.IEEE
		payload = foundPayload(sqn, rec.IEEE, nwk)
	} else {
		payload = notFoundPayload(sqn, queried)
	}
	d.logger.Debug("ieee addr request", "src", src, "nwk", nwk, "reply", payload)
	d.send(res, reply(src, ClusterIEEEAddrRsp, payload))
	return res, nil
}
