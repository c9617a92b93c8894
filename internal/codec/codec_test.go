package codec

import (
	"errors"
	"fmt"
	"testing"

	"github.com/resident-x/go-rvc/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v float64) *float64 { return &v }

func TestDecodeSentinelIsUnavailable(t *testing.T) {
	scales := []float64{1, 0.05, 0.1, 0.001, 1.0 / 128}
	for _, width := range []int{1, 2, 4} {
		for _, signed := range []bool{false, true} {
			for _, bigEndian := range []bool{false, true} {
				for offset := 0; offset+width <= PayloadSize; offset++ {
					for _, scale := range scales {
						f := FieldSpec{Offset: offset, Width: width, Signed: signed, BigEndian: bigEndian, Scale: scale}
						payload := make([]byte, PayloadSize)
						require.NoError(t, EncodeSentinel(payload, f))

						v, err := Decode(payload, f)
						require.NoError(t, err)
						assert.False(t, v.Available, "width=%d signed=%v offset=%d scale=%g", width, signed, offset, scale)
					}
				}
			}
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	scales := []float64{1, 0.05, 0.1, 0.01, 1.0 / 128}
	for _, width := range []int{1, 2, 4} {
		for _, signed := range []bool{false, true} {
			for _, scale := range scales {
				f := FieldSpec{Offset: 8 - width, Width: width, Signed: signed, Scale: scale}
				values := []float64{0, 0.37 * f.Ceiling()}
				if signed {
					values = append(values, 0.37*f.Floor())
				}

				for _, want := range values {
					t.Run(fmt.Sprintf("w%d_s%v_%g_%g", width, signed, scale, want), func(t *testing.T) {
						payload := make([]byte, PayloadSize)
						require.NoError(t, Encode(payload, f, want))

						got, err := Decode(payload, f)
						require.NoError(t, err)
						require.True(t, got.Available)
						assert.InDelta(t, want, got.Number, scale/2+0.001)
					})
				}
			}
		}
	}
}

func TestDecodeKnownLayouts(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		field   FieldSpec
		want    float64
	}{
		{
			name:    "u16 little-endian volts",
			payload: []byte{0x00, 0xC0, 0x03, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
			field:   FieldSpec{Offset: 1, Width: 2, Scale: 0.05},
			want:    48.0,
		},
		{
			name:    "u16 big-endian",
			payload: []byte{0x01, 0x2C, 0, 0, 0, 0, 0, 0},
			field:   FieldSpec{Offset: 0, Width: 2, BigEndian: true, Scale: 1},
			want:    300,
		},
		{
			name:    "s16 negative",
			payload: []byte{0, 0, 0x9C, 0xFF, 0, 0, 0, 0},
			field:   FieldSpec{Offset: 2, Width: 2, Signed: true, Scale: 0.1},
			want:    -10.0,
		},
		{
			name:    "zero offset below zero",
			payload: []byte{0, 0, 0, 0xEC, 0x7C, 0, 0, 0},
			field:   FieldSpec{Offset: 3, Width: 2, Scale: 0.05, ZeroOffset: -32000},
			want:    -1.0,
		},
		{
			name:    "u32 milliamps with offset",
			payload: []byte{0, 0, 0, 0, 0x80, 0x84, 0x1E, 0x00},
			field:   FieldSpec{Offset: 4, Width: 4, Scale: 0.001, ZeroOffset: -2000000},
			want:    0.0,
		},
		{
			name:    "frequency in 1/128 Hz",
			payload: []byte{0, 0, 0, 0, 0, 0x00, 0x1E, 0},
			field:   FieldSpec{Offset: 5, Width: 2, Scale: 1.0 / 128},
			want:    60.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Decode(tt.payload, tt.field)
			require.NoError(t, err)
			require.True(t, v.Available)
			assert.Equal(t, domain.KindNumber, v.Kind)
			assert.InDelta(t, tt.want, v.Number, 1e-9)
		})
	}
}

func TestDecodeZeroIsAvailable(t *testing.T) {
	v, err := Decode(make([]byte, 8), FieldSpec{Offset: 0, Width: 2, Scale: 0.05})
	require.NoError(t, err)
	assert.True(t, v.Available)
	assert.Equal(t, 0.0, v.Number)
}

func TestDecodeEnumAndFlag(t *testing.T) {
	payload := []byte{0x92, 0x0C, 0xFF, 0, 0, 0, 0, 0}

	state, err := Decode(payload, FieldSpec{Offset: 0, Width: 1, Mask: 0x0F, Kind: domain.KindEnum})
	require.NoError(t, err)
	assert.Equal(t, domain.Enum(2), state)

	high, err := Decode(payload, FieldSpec{Offset: 0, Width: 1, Mask: 0xF0, Kind: domain.KindEnum})
	require.NoError(t, err)
	assert.Equal(t, domain.Enum(9), high)

	flag, err := Decode(payload, FieldSpec{Offset: 1, Width: 1, Mask: 0x0C, Kind: domain.KindFlag})
	require.NoError(t, err)
	assert.Equal(t, domain.Flag(true), flag)

	cleared, err := Decode(payload, FieldSpec{Offset: 1, Width: 1, Mask: 0x30, Kind: domain.KindFlag})
	require.NoError(t, err)
	assert.Equal(t, domain.Flag(false), cleared)

	// The whole byte at 0xFF means the bit field is not reported.
	missing, err := Decode(payload, FieldSpec{Offset: 2, Width: 1, Mask: 0x01, Kind: domain.KindFlag})
	require.NoError(t, err)
	assert.False(t, missing.Available)
}

func TestDecodeText(t *testing.T) {
	payload := []byte{'X', 'C', '3', '0', '0', '0', 0xFF, 0xFF}
	v, err := Decode(payload, FieldSpec{Offset: 0, Width: 8, Kind: domain.KindText})
	require.NoError(t, err)
	assert.Equal(t, domain.Text("XC3000"), v)

	all := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	v, err = Decode(all, FieldSpec{Offset: 0, Width: 8, Kind: domain.KindText})
	require.NoError(t, err)
	assert.False(t, v.Available)
}

func TestDecodeShortPayload(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3}, FieldSpec{Offset: 2, Width: 2, Scale: 1})
	assert.ErrorIs(t, err, ErrShortPayload)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		field   FieldSpec
		wantErr error
	}{
		{"u8 at 0.05 for 100 A", FieldSpec{Offset: 3, Width: 1, Scale: 0.05, Max: ptr(100)}, ErrFieldWidthInsufficient},
		{"u8 at 0.05 exactly at ceiling", FieldSpec{Offset: 3, Width: 1, Scale: 0.05, Max: ptr(12.7)}, nil},
		{"u8 at 0.05 on the sentinel", FieldSpec{Offset: 3, Width: 1, Scale: 0.05, Max: ptr(12.75)}, ErrFieldWidthInsufficient},
		{"s8 on the sentinel", FieldSpec{Offset: 0, Width: 1, Signed: true, Max: ptr(127)}, ErrFieldWidthInsufficient},
		{"s8 at ceiling", FieldSpec{Offset: 0, Width: 1, Signed: true, Max: ptr(126)}, nil},
		{"u8 at 0.01 V for a 16 V bus", FieldSpec{Offset: 0, Width: 1, Scale: 0.01, Max: ptr(16)}, ErrFieldWidthInsufficient},
		{"u16 at 0.05 for 100 A", FieldSpec{Offset: 3, Width: 2, Scale: 0.05, Max: ptr(100)}, nil},
		{"unsigned cannot go negative", FieldSpec{Offset: 0, Width: 2, Scale: 0.05, Min: ptr(-10)}, ErrFieldWidthInsufficient},
		{"offset lifts the floor", FieldSpec{Offset: 0, Width: 2, Scale: 0.05, ZeroOffset: -32000, Min: ptr(-1600)}, nil},
		{"width 3", FieldSpec{Offset: 0, Width: 3, Scale: 1}, ErrInvalidField},
		{"past payload end", FieldSpec{Offset: 7, Width: 2, Scale: 1}, ErrInvalidField},
		{"negative offset", FieldSpec{Offset: -1, Width: 1, Scale: 1}, ErrInvalidField},
		{"mask on number", FieldSpec{Offset: 0, Width: 1, Mask: 0x0F}, ErrInvalidField},
		{"mask too wide", FieldSpec{Offset: 0, Width: 1, Mask: 0x1F0, Kind: domain.KindEnum}, ErrInvalidField},
		{"text span", FieldSpec{Offset: 2, Width: 6, Kind: domain.KindText}, nil},
		{"text past end", FieldSpec{Offset: 4, Width: 6, Kind: domain.KindText}, ErrInvalidField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.field.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestCeilingAndFloor(t *testing.T) {
	assert.InDelta(t, 12.7, FieldSpec{Width: 1, Scale: 0.05}.Ceiling(), 1e-9)
	assert.InDelta(t, 0, FieldSpec{Width: 1, Scale: 0.05}.Floor(), 1e-9)
	assert.InDelta(t, 12.6, FieldSpec{Width: 1, Signed: true, Scale: 0.1}.Ceiling(), 1e-9)
	assert.InDelta(t, 4294967294, FieldSpec{Width: 4, Scale: 1}.Ceiling(), 1e-3)
	assert.InDelta(t, -12.8, FieldSpec{Width: 1, Signed: true, Scale: 0.1}.Floor(), 1e-9)
	assert.InDelta(t, -1600, FieldSpec{Width: 2, Scale: 0.05, ZeroOffset: -32000}.Floor(), 1e-9)
}

func TestEncodeRejectsSentinelAndOverflow(t *testing.T) {
	payload := make([]byte, PayloadSize)
	f := FieldSpec{Offset: 0, Width: 1, Scale: 0.05}

	assert.ErrorIs(t, Encode(payload, f, 12.75), ErrOutOfRange)
	assert.ErrorIs(t, Encode(payload, f, -1), ErrOutOfRange)
	assert.NoError(t, Encode(payload, f, 12.7))
	assert.Equal(t, byte(254), payload[0])

	// The ceiling is the largest value that still encodes.
	require.NoError(t, Encode(payload, f, f.Ceiling()))
	v, err := Decode(payload, f)
	require.NoError(t, err)
	assert.InDelta(t, f.Ceiling(), v.Number, 1e-9)
}

func TestEncodeMaskedPreservesOtherBits(t *testing.T) {
	payload := []byte{0xA0, 0, 0, 0, 0, 0, 0, 0}
	f := FieldSpec{Offset: 0, Width: 1, Mask: 0x0F, Kind: domain.KindEnum}

	require.NoError(t, Encode(payload, f, 5))
	assert.Equal(t, byte(0xA5), payload[0])

	assert.ErrorIs(t, Encode(payload, f, 16), ErrOutOfRange)
}

func TestRaw(t *testing.T) {
	payload := []byte{0xFE, 0xFF, 0, 0, 0, 0, 0, 0}
	raw, err := Raw(payload, FieldSpec{Offset: 0, Width: 2, Signed: true})
	require.NoError(t, err)
	assert.Equal(t, int64(-2), raw)
}
