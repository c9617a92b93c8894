package canbus

import (
	"time"

	"github.com/resident-x/go-rvc/internal/domain"
)

// DGNRequest is the DGN used to request another DGN, with the destination in the low byte.
const DGNRequest = 0x0EA00

// GlobalAddress addresses every node on the bus.
const GlobalAddress = 0xFF

// ParseID splits a 29-bit RV-C identifier into priority, DGN and source address.
func ParseID(id uint32) (priority uint8, dgn uint32, source uint8) {
	return uint8((id >> 26) & 0x07), (id >> 8) & 0x1FFFF, uint8(id & 0xFF)
}

// BuildID assembles a 29-bit identifier.
func BuildID(priority uint8, dgn uint32, source uint8) uint32 {
	return uint32(priority&0x07)<<26 | (dgn&0x1FFFF)<<8 | uint32(source)
}

// ToDomain converts an extended data frame into a domain frame. Standard and remote frames are not RV-C traffic.
func ToDomain(f Frame, at time.Time) (domain.Frame, bool) {
	if !f.Extended || f.RTR {
		return domain.Frame{}, false
	}
	priority, dgn, source := ParseID(f.ID)
	return domain.Frame{
		Source:    source,
		DGN:       dgn,
		Priority:  priority,
		Len:       f.Len,
		Data:      f.Data,
		Timestamp: at,
	}, true
}

// FromDomain converts a domain frame into an extended CAN frame.
func FromDomain(f domain.Frame) Frame {
	return Frame{
		ID:       BuildID(f.Priority, f.DGN, f.Source),
		Extended: true,
		Len:      f.Len,
		Data:     f.Data,
	}
}
