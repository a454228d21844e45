package zdo

import (
	"zigbee-nwkcore/internal/codec"
)

const (
	ProfileZDO uint16 = 0x0000

	ClusterNwkAddrReq  uint16 = 0x0000
	ClusterNwkAddrRsp  uint16 = 0x8000
	ClusterIEEEAddrRsp uint16 = 0x8001

	StatusSuccess        uint8 = 0x00
	StatusDeviceNotFound uint8 = 0x81

	// RequestExtended asks for the associated device list as well.
	RequestExtended uint8 = 0x01
)

// OutboundFrame is a raw APS frame to hand to the transport.
type OutboundFrame struct {
	Dst     codec.NwkID
	SrcEp   uint8
	Cluster uint16
	Profile uint16
	Payload string
}

// Sender hands raw frames to the transport without waiting for delivery.
type Sender interface {
	SendRaw(f OutboundFrame) error
}

// reply builds a response frame addressed to the requester.
func reply(dst codec.NwkID, cluster uint16, payload string) OutboundFrame {
	return OutboundFrame{
		Dst:     dst,
		SrcEp:   0x00,
		Cluster: cluster,
		Profile: ProfileZDO,
		Payload: payload,
	}
}

// foundPayload is sqn, success, the identity pair in over-the-air order and
// the trailing 00.
func foundPayload(sqn uint8, ieee codec.IEEE, nwk codec.NwkID) string {
	var b codec.Builder
	return b.Uint8(sqn).Uint8(StatusSuccess).IEEELE(ieee).NwkIDLE(nwk).Uint8(0x00).String()
}

// notFoundPayload is sqn, device-not-found and the queried address echoed
// exactly as received.
func notFoundPayload(sqn uint8, queried string) string {
	var b codec.Builder
	return b.Uint8(sqn).Uint8(StatusDeviceNotFound).Hex(queried).String()
}

// nwkAddrRequest builds an extended NWK_addr_req for ieee starting at
// startIndex.
func nwkAddrRequest(sqn uint8, dst codec.NwkID, ieee codec.IEEE, startIndex uint8) OutboundFrame {
	var b codec.Builder
	return OutboundFrame{
		Dst:     dst,
		SrcEp:   0x00,
		Cluster: ClusterNwkAddrReq,
		Profile: ProfileZDO,
		Payload: b.Uint8(sqn).IEEELE(ieee).Uint8(RequestExtended).Uint8(startIndex).String(),
	}
}

// Sequencer hands out ZDO transaction sequence numbers.
type Sequencer struct {
	next uint8
}

// Next returns the next sequence number, wrapping at 255.
func (s *Sequencer) Next() uint8 {
	v := s.next
	s.next++
	return v
}
