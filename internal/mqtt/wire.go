//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"zigbee-nwkcore/internal/codec"
	"zigbee-nwkcore/internal/coordinator"
	"zigbee-nwkcore/internal/registry"
	"zigbee-nwkcore/internal/zdo"
)

// inboundMsg is the JSON body published on <prefix>/rx.
type inboundMsg struct {
	MsgType string `json:"msg_type"`
	Data    string `json:"data"`
	LQI     string `json:"lqi,omitempty"`
}

// outboundMsg is the JSON body published on <prefix>/tx.
type outboundMsg struct {
	ID      string `json:"id"`
	Dst     string `json:"dst"`
	SrcEp   string `json:"src_ep"`
	Cluster string `json:"cluster"`
	Profile string `json:"profile"`
	Payload string `json:"payload"`
}

// presenceEntry is one element of the retained <prefix>/host/devices list.
// Groups is keyed by endpoint in hex ("01").
type presenceEntry struct {
	NwkID        codec.NwkID                `json:"nwk_id"`
	IEEE         codec.IEEE                 `json:"ieee"`
	Status       string                     `json:"status,omitempty"`
	Manufacturer string                     `json:"manufacturer,omitempty"`
	Model        string                     `json:"model,omitempty"`
	Groups       map[string][]codec.GroupID `json:"groups,omitempty"`
}

func (e presenceEntry) hostDevice() (coordinator.HostDevice, error) {
	st, ok := registry.ParseStatus(e.Status)
	if !ok {
		return coordinator.HostDevice{}, fmt.Errorf("device %s: unknown status %q", e.NwkID, e.Status)
	}
	h := coordinator.HostDevice{
		NwkID:        e.NwkID,
		IEEE:         e.IEEE,
		Status:       st,
		Manufacturer: e.Manufacturer,
		Model:        e.Model,
	}
	if e.Groups != nil {
		h.Groups = make(map[uint8][]codec.GroupID, len(e.Groups))
		for epHex, ids := range e.Groups {
			ep, err := codec.ParseUint8(epHex)
			if err != nil {
				return coordinator.HostDevice{}, fmt.Errorf("device %s endpoint %q: %w", e.NwkID, epHex, err)
			}
			h.Groups[ep] = ids
		}
	}
	return h, nil
}

func decodeInbound(payload []byte) (zdo.Frame, error) {
	var msg inboundMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return zdo.Frame{}, fmt.Errorf("decode inbound: %w", err)
	}
	typ, err := zdo.ParseMsgType(msg.MsgType)
	if err != nil {
		return zdo.Frame{}, err
	}
	f := zdo.Frame{Type: typ, Data: strings.ToLower(msg.Data)}
	if msg.LQI != "" {
		if f.LQI, err = codec.ParseUint8(msg.LQI); err != nil {
			return zdo.Frame{}, fmt.Errorf("decode inbound lqi: %w", err)
		}
	}
	return f, nil
}

func encodeOutbound(id string, f zdo.OutboundFrame) ([]byte, error) {
	return json.Marshal(outboundMsg{
		ID:      id,
		Dst:     f.Dst.String(),
		SrcEp:   codec.FormatUint8(f.SrcEp),
		Cluster: codec.FormatUint16(f.Cluster),
		Profile: codec.FormatUint16(f.Profile),
		Payload: f.Payload,
	})
}
