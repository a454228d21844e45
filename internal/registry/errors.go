package registry

import "errors"

var (
	// ErrUnknownDevice is returned when an operation names a NwkId that has
	// no record.
	ErrUnknownDevice = errors.New("registry: unknown device")

	// ErrIEEEConflict is returned when an IEEE is already bound to another
	// live NwkId.
	ErrIEEEConflict = errors.New("registry: ieee bound to another nwk id")

	// ErrNwkIDInUse is returned when the target NwkId of an insert or
	// relocation is held by a record with a different IEEE.
	ErrNwkIDInUse = errors.New("registry: nwk id in use")

	// ErrInvalidNwkID is returned for addresses outside 0000-fffd.
	ErrInvalidNwkID = errors.New("registry: invalid nwk id")

	// ErrAssociatedGap is returned for an associated-device page that does
	// not continue the stored list.
	ErrAssociatedGap = errors.New("registry: associated device page out of order")
)
