// Package codec decodes and encodes scalar fields inside an RV-C frame payload.
//
// A field is described by a FieldSpec: where it sits in the payload, how wide it is,
// its signedness and byte order, and how the raw integer maps to a physical value.
// Each width/signedness combination reserves one raw pattern as the "not available"
// sentinel; decoding it yields an unavailable value, never a number.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strings"

	"github.com/resident-x/go-rvc/internal/domain"
)

// PayloadSize is the size of a classical CAN payload.
const PayloadSize = 8

var (
	// ErrShortPayload is returned when the payload does not cover the field.
	ErrShortPayload = errors.New("payload too short for field")
	// ErrInvalidField is returned for field specs that cannot be decoded.
	ErrInvalidField = errors.New("invalid field")
	// ErrFieldWidthInsufficient is returned when a field cannot represent its documented range.
	ErrFieldWidthInsufficient = errors.New("field width insufficient for documented range")
	// ErrOutOfRange is returned when a value cannot be encoded into a field.
	ErrOutOfRange = errors.New("value out of range for field")
)

// FieldSpec describes the binary layout of one scalar field.
type FieldSpec struct {
	Offset     int
	Width      int
	Signed     bool
	BigEndian  bool
	Scale      float64
	ZeroOffset float64
	Mask       uint32
	Kind       domain.ValueKind

	// Documented physical range, checked against what the width can carry.
	Min *float64
	Max *float64
}

// End returns the first byte past the field.
func (f FieldSpec) End() int {
	return f.Offset + f.Width
}

func (f FieldSpec) scale() float64 {
	if f.Scale == 0 {
		return 1
	}
	return f.Scale
}

// Sentinel returns the raw pattern that means "not available" for the field's width and signedness.
func (f FieldSpec) Sentinel() uint32 {
	return Sentinel(f.Width, f.Signed)
}

// Sentinel returns the "not available" raw pattern for a width in bytes:
// all bits set for unsigned fields, the largest positive value for signed ones.
func Sentinel(width int, signed bool) uint32 {
	n := uint(width * 8)
	if signed {
		return uint32(1)<<(n-1) - 1
	}
	if n >= 32 {
		return math.MaxUint32
	}
	return uint32(1)<<n - 1
}

// Validate checks the layout of the field and its documented range.
func (f FieldSpec) Validate() error {
	if f.Offset < 0 {
		return fmt.Errorf("%w: negative offset %d", ErrInvalidField, f.Offset)
	}

	if f.Kind == domain.KindText {
		if f.Width < 1 || f.End() > PayloadSize {
			return fmt.Errorf("%w: text span %d+%d exceeds payload", ErrInvalidField, f.Offset, f.Width)
		}
		return nil
	}

	switch f.Width {
	case 1, 2, 4:
	default:
		return fmt.Errorf("%w: width %d not in {1,2,4}", ErrInvalidField, f.Width)
	}
	if f.End() > PayloadSize {
		return fmt.Errorf("%w: bytes %d..%d exceed payload", ErrInvalidField, f.Offset, f.End()-1)
	}
	if f.Scale < 0 || math.IsNaN(f.Scale) || math.IsInf(f.Scale, 0) {
		return fmt.Errorf("%w: scale %v", ErrInvalidField, f.Scale)
	}
	if f.Mask != 0 {
		if f.Kind == domain.KindNumber {
			return fmt.Errorf("%w: mask on numeric field", ErrInvalidField)
		}
		if f.Mask&^Sentinel(f.Width, false) != 0 {
			return fmt.Errorf("%w: mask 0x%X wider than %d bytes", ErrInvalidField, f.Mask, f.Width)
		}
	}

	if f.Kind != domain.KindNumber {
		return nil
	}
	tolerance := f.scale() * 1e-6
	if f.Max != nil && *f.Max > f.Ceiling()+tolerance {
		return fmt.Errorf("%w: documented max %g exceeds %g for %d-byte field with scale %g",
			ErrFieldWidthInsufficient, *f.Max, f.Ceiling(), f.Width, f.scale())
	}
	if f.Min != nil && *f.Min < f.Floor()-tolerance {
		return fmt.Errorf("%w: documented min %g below %g for %d-byte field with scale %g",
			ErrFieldWidthInsufficient, *f.Min, f.Floor(), f.Width, f.scale())
	}

	return nil
}

// Ceiling returns the largest physical value the field's width can carry.
// The top raw pattern is the sentinel, so the last usable step is one below it.
func (f FieldSpec) Ceiling() float64 {
	top := float64(f.Sentinel()) - 1
	return (top + f.ZeroOffset) * f.scale()
}

// Floor returns the smallest physical value the field's width can carry.
func (f FieldSpec) Floor() float64 {
	var bottom float64
	if f.Signed {
		bottom = -math.Exp2(float64(f.Width*8 - 1))
	}
	return (bottom + f.ZeroOffset) * f.scale()
}

// Decode extracts the field from the payload.
func Decode(payload []byte, f FieldSpec) (domain.Value, error) {
	if f.Offset < 0 || f.Width <= 0 || len(payload) < f.End() {
		return domain.Unavailable(f.Kind), fmt.Errorf("%w: need %d bytes, have %d", ErrShortPayload, f.End(), len(payload))
	}

	if f.Kind == domain.KindText {
		return decodeText(payload[f.Offset:f.End()]), nil
	}

	raw, err := extract(payload, f)
	if err != nil {
		return domain.Unavailable(f.Kind), err
	}
	if raw == f.Sentinel() {
		return domain.Unavailable(f.Kind), nil
	}

	switch f.Kind {
	case domain.KindEnum:
		return domain.Enum(int64(masked(raw, f.Mask))), nil
	case domain.KindFlag:
		return domain.Flag(masked(raw, f.Mask) != 0), nil
	}

	v := (float64(signExtend(raw, f.Width, f.Signed)) + f.ZeroOffset) * f.scale()
	return domain.Number(round3(v)), nil
}

// Raw extracts the unscaled integer of the field, sign-extended when signed.
func Raw(payload []byte, f FieldSpec) (int64, error) {
	if f.Offset < 0 || len(payload) < f.End() {
		return 0, ErrShortPayload
	}
	raw, err := extract(payload, f)
	if err != nil {
		return 0, err
	}
	return signExtend(raw, f.Width, f.Signed), nil
}

// Encode writes value into the payload at the field's position. For enum and flag
// fields the value is the raw integer and bits outside the mask are preserved.
func Encode(payload []byte, f FieldSpec, value float64) error {
	if f.Kind == domain.KindText {
		return fmt.Errorf("%w: text fields are not encodable as numbers", ErrInvalidField)
	}
	if f.Offset < 0 || len(payload) < f.End() {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrShortPayload, f.End(), len(payload))
	}

	var raw int64
	if f.Kind == domain.KindNumber {
		raw = int64(math.Round(value/f.scale() - f.ZeroOffset))
	} else {
		raw = int64(value)
	}

	var lo, hi int64
	if f.Signed {
		lo = -int64(1) << uint(f.Width*8-1)
	}
	// The sentinel pattern is reserved; the largest encodable value sits just below it.
	hi = int64(f.Sentinel()) - 1

	if f.Mask != 0 {
		shift := uint(bits.TrailingZeros32(f.Mask))
		if raw < 0 || uint32(raw)<<shift&^f.Mask != 0 {
			return fmt.Errorf("%w: %d does not fit mask 0x%X", ErrOutOfRange, raw, f.Mask)
		}
		current, err := extract(payload, f)
		if err != nil {
			return err
		}
		raw = int64(current&^f.Mask | uint32(raw)<<shift)
		return put(payload, f, uint32(raw))
	}

	if raw < lo || raw > hi {
		return fmt.Errorf("%w: %g encodes to %d, allowed %d..%d", ErrOutOfRange, value, raw, lo, hi)
	}

	return put(payload, f, uint32(raw))
}

// EncodeSentinel writes the "not available" pattern for the field.
func EncodeSentinel(payload []byte, f FieldSpec) error {
	if f.Offset < 0 || len(payload) < f.End() {
		return ErrShortPayload
	}
	if f.Kind == domain.KindText {
		for i := f.Offset; i < f.End(); i++ {
			payload[i] = 0xFF
		}
		return nil
	}
	return put(payload, f, f.Sentinel())
}

func extract(payload []byte, f FieldSpec) (uint32, error) {
	b := payload[f.Offset:f.End()]
	switch f.Width {
	case 1:
		return uint32(b[0]), nil
	case 2:
		if f.BigEndian {
			return uint32(binary.BigEndian.Uint16(b)), nil
		}
		return uint32(binary.LittleEndian.Uint16(b)), nil
	case 4:
		if f.BigEndian {
			return binary.BigEndian.Uint32(b), nil
		}
		return binary.LittleEndian.Uint32(b), nil
	default:
		return 0, fmt.Errorf("%w: width %d", ErrInvalidField, f.Width)
	}
}

func put(payload []byte, f FieldSpec, raw uint32) error {
	b := payload[f.Offset:f.End()]
	switch f.Width {
	case 1:
		b[0] = byte(raw)
	case 2:
		if f.BigEndian {
			binary.BigEndian.PutUint16(b, uint16(raw))
		} else {
			binary.LittleEndian.PutUint16(b, uint16(raw))
		}
	case 4:
		if f.BigEndian {
			binary.BigEndian.PutUint32(b, raw)
		} else {
			binary.LittleEndian.PutUint32(b, raw)
		}
	default:
		return fmt.Errorf("%w: width %d", ErrInvalidField, f.Width)
	}
	return nil
}

func signExtend(raw uint32, width int, signed bool) int64 {
	if !signed {
		return int64(raw)
	}
	switch width {
	case 1:
		return int64(int8(raw))
	case 2:
		return int64(int16(raw))
	default:
		return int64(int32(raw))
	}
}

func masked(raw, mask uint32) uint32 {
	if mask == 0 {
		return raw
	}
	return (raw & mask) >> uint(bits.TrailingZeros32(mask))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// decodeText returns printable ASCII with trailing padding removed. All-0xFF is unavailable.
func decodeText(b []byte) domain.Value {
	allFF := true
	for _, c := range b {
		if c != 0xFF {
			allFF = false
			break
		}
	}
	if allFF {
		return domain.Unavailable(domain.KindText)
	}

	var cleaned strings.Builder
	for _, c := range b {
		if c >= 32 && c <= 126 {
			cleaned.WriteByte(c)
		}
	}
	return domain.Text(strings.TrimRight(cleaned.String(), "\x00 "))
}
