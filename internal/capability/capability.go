// Package capability interprets MAC-capability and node-descriptor bitfields.
package capability

import "strings"

// MAC capability flag bits (IEEE 802.15.4 / Zigbee capability information).
const (
	bitAlternatePANCoordinator = 1 << 0
	bitFullFunctionDevice      = 1 << 1
	bitMainsPowered            = 1 << 2
	bitReceiverOnWhenIdle      = 1 << 3
	bitSecurityCapable         = 1 << 6
	bitAllocateAddress         = 1 << 7
)

// DeviceType is the 802.15.4 device class.
type DeviceType string

const (
	FFD DeviceType = "FFD"
	RFD DeviceType = "RFD"
)

// PowerSource is where the radio gets its power.
type PowerSource string

const (
	PowerMain    PowerSource = "Main"
	PowerBattery PowerSource = "Battery"
)

// ReceiveOnIdle reports whether the receiver stays on while idle.
type ReceiveOnIdle string

const (
	ReceiveOn  ReceiveOnIdle = "On"
	ReceiveOff ReceiveOnIdle = "Off"
)

// LogicalType is the Zigbee role advertised in the node descriptor.
type LogicalType string

const (
	LogicalCoordinator LogicalType = "Coordinator"
	LogicalRouter      LogicalType = "Router"
	LogicalEndDevice   LogicalType = "End Device"
	LogicalUnknown     LogicalType = "Unknown"
)

// Set is the decoded MAC capability byte.
type Set struct {
	Raw                     uint8
	AlternatePANCoordinator bool
	DeviceType              DeviceType
	PowerSource             PowerSource
	ReceiveOnIdle           ReceiveOnIdle
	SecurityCapable         bool
	AllocateAddress         bool
}

// Decode interprets a raw MAC capability byte.
func Decode(raw uint8) Set {
	s := Set{
		Raw:                     raw,
		AlternatePANCoordinator: raw&bitAlternatePANCoordinator != 0,
		DeviceType:              RFD,
		PowerSource:             PowerBattery,
		ReceiveOnIdle:           ReceiveOff,
		SecurityCapable:         raw&bitSecurityCapable != 0,
		AllocateAddress:         raw&bitAllocateAddress != 0,
	}
	if raw&bitFullFunctionDevice != 0 {
		s.DeviceType = FFD
	}
	if raw&bitMainsPowered != 0 {
		s.PowerSource = PowerMain
	}
	if raw&bitReceiverOnWhenIdle != 0 {
		s.ReceiveOnIdle = ReceiveOn
	}
	return s
}

// Names lists the capabilities present, in bit order.
func (s Set) Names() []string {
	var names []string
	if s.AlternatePANCoordinator {
		names = append(names, "Able to act Coordinator")
	}
	if s.DeviceType == FFD {
		names = append(names, "Full-Function Device")
	} else {
		names = append(names, "Reduced-Function Device")
	}
	if s.PowerSource == PowerMain {
		names = append(names, "Main Powered")
	} else {
		names = append(names, "Battery Powered")
	}
	if s.ReceiveOnIdle == ReceiveOn {
		names = append(names, "Receiver during Idle")
	}
	if s.SecurityCapable {
		names = append(names, "High security")
	}
	if s.AllocateAddress {
		names = append(names, "NwkAddr should be allocated")
	}
	return names
}

// String joins Names for logging.
func (s Set) String() string {
	return strings.Join(s.Names(), ", ")
}

// DecodeLogicalType derives the logical type from the low byte of the
// descriptor bitfield. Only the two low bits are significant.
func DecodeLogicalType(bitFieldLow uint8) LogicalType {
	switch bitFieldLow & 0x03 {
	case 0:
		return LogicalCoordinator
	case 1:
		return LogicalRouter
	case 2:
		return LogicalEndDevice
	default:
		return LogicalUnknown
	}
}
