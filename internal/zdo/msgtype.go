// Package zdo decodes Zigbee Device Profile address and descriptor frames,
// applies them to the device registry and builds the replies and follow-up
// requests they call for.
package zdo

import (
	"errors"
	"fmt"

	"zigbee-nwkcore/internal/codec"
)

var (
	// ErrInvalidStatus is returned when a response frame carries a status
	// other than success.
	ErrInvalidStatus = errors.New("response status not success")

	// ErrUnknownMsgType is returned for message codes with no decoder.
	ErrUnknownMsgType = errors.New("unknown message type")
)

// MsgType is the 16-bit message code a frame is tagged with.
type MsgType uint16

const (
	MsgNwkAddrReq  MsgType = 0x0040
	MsgIEEEAddrReq MsgType = 0x0041
	MsgNwkAddrRsp  MsgType = 0x8040
	MsgIEEEAddrRsp MsgType = 0x8041
	MsgNodeDescRsp MsgType = 0x8042
)

// MsgTypes lists every message type with a decoder.
var MsgTypes = []MsgType{MsgNwkAddrReq, MsgIEEEAddrReq, MsgNwkAddrRsp, MsgIEEEAddrRsp, MsgNodeDescRsp}

// String renders the code as 4 lowercase hex digits.
func (m MsgType) String() string {
	return codec.FormatUint16(uint16(m))
}

// Name returns the Zigbee primitive name.
func (m MsgType) Name() string {
	switch m {
	case MsgNwkAddrReq:
		return "NWK_addr_req"
	case MsgIEEEAddrReq:
		return "IEEE_addr_req"
	case MsgNwkAddrRsp:
		return "NWK_addr_rsp"
	case MsgIEEEAddrRsp:
		return "IEEE_addr_rsp"
	case MsgNodeDescRsp:
		return "Node_Desc_rsp"
	}
	return "unknown"
}

// Known reports whether m has a decoder.
func (m MsgType) Known() bool {
	switch m {
	case MsgNwkAddrReq, MsgIEEEAddrReq, MsgNwkAddrRsp, MsgIEEEAddrRsp, MsgNodeDescRsp:
		return true
	}
	return false
}

// ParseMsgType parses a 4-digit message code.
func ParseMsgType(s string) (MsgType, error) {
	v, err := codec.ParseUint16(s)
	if err != nil {
		return 0, fmt.Errorf("message type %q: %w", s, err)
	}
	m := MsgType(v)
	if !m.Known() {
		return 0, fmt.Errorf("message type %s: %w", m, ErrUnknownMsgType)
	}
	return m, nil
}

// Frame is one inbound message.
type Frame struct {
	Type MsgType
	Data string // hex payload
	LQI  uint8
}
