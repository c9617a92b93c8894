package canbus

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame is a classical CAN frame.
type Frame struct {
	ID       uint32
	Extended bool
	RTR      bool
	Len      uint8
	Data     [8]byte
}

const (
	maxStdID = 0x7FF
	maxExtID = 0x1FFFFFFF

	canEffFlag = 0x80000000
	canRtrFlag = 0x40000000
	canErrFlag = 0x20000000

	// FrameSize is the size of a Linux struct can_frame.
	FrameSize = 16
)

var (
	ErrInvalidID  = errors.New("canbus: invalid identifier")
	ErrInvalidLen = errors.New("canbus: invalid data length")
	ErrErrorFrame = errors.New("canbus: error frame")
)

// Validate returns an error if the frame is not valid.
func (f Frame) Validate() error {
	if f.Len > 8 {
		return ErrInvalidLen
	}
	if f.Extended && f.ID > maxExtID {
		return ErrInvalidID
	}
	if !f.Extended && f.ID > maxStdID {
		return ErrInvalidID
	}
	return nil
}

// MarshalBinary encodes the frame in the SocketCAN can_frame layout:
// can_id with flags (LE u32), dlc, three bytes padding, eight data bytes.
func (f Frame) MarshalBinary() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	id := f.ID
	if f.Extended {
		id |= canEffFlag
	}
	if f.RTR {
		id |= canRtrFlag
	}
	buf := make([]byte, FrameSize)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.Len
	copy(buf[8:16], f.Data[:])
	return buf, nil
}

// UnmarshalBinary decodes a frame from the can_frame layout.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < FrameSize {
		return fmt.Errorf("canbus: need %d bytes, got %d", FrameSize, len(data))
	}
	id := binary.LittleEndian.Uint32(data[0:4])
	if id&canErrFlag != 0 {
		return fmt.Errorf("%w: 0x%08X", ErrErrorFrame, id)
	}
	f.Extended = id&canEffFlag != 0
	f.RTR = id&canRtrFlag != 0
	if f.Extended {
		f.ID = id & maxExtID
	} else {
		f.ID = id & maxStdID
	}
	f.Len = data[4]
	copy(f.Data[:], data[8:16])
	return f.Validate()
}
