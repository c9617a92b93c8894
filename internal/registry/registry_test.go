package registry

import (
	"errors"
	"testing"

	"github.com/resident-x/go-rvc/internal/codec"
	"github.com/resident-x/go-rvc/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v float64) *float64 { return &v }

// numberField returns an unsigned numeric field documented up to its ceiling.
func numberField(path string, offset, width int, scale float64) Field {
	f := Field{
		FieldSpec: codec.FieldSpec{Offset: offset, Width: width, Scale: scale},
		Path:      path,
	}
	f.Max = ptr(f.Ceiling())
	return f
}

func updatesFor(updates []domain.Update, ns domain.Namespace) map[string]domain.Value {
	out := make(map[string]domain.Value)
	for _, u := range updates {
		if u.Namespace == ns {
			out[u.Path] = u.Value
		}
	}
	return out
}

func TestDefaultLayoutLoads(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)

	assert.Contains(t, r.DGNs(), uint32(0x1FFD4))
	assert.Contains(t, r.DGNs(), uint32(0x0EEFF))

	spec, err := r.Lookup(0x1FFD7)
	require.NoError(t, err)
	assert.Equal(t, "INVERTER_AC_STATUS_1", spec.Name)
	assert.Equal(t, 7, spec.MinLength())

	aps, err := r.Lookup(0x1FFC9)
	require.NoError(t, err)
	assert.Equal(t, 8, aps.MinLength())

	_, err = r.Lookup(0x1FFC1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDefaultLayoutPaths(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)

	inverter := make(map[string]PathInfo)
	for _, p := range r.Paths(domain.NamespaceInverter) {
		inverter[p.Path] = p
	}
	assert.Contains(t, inverter, "/Ac/Out/L1/V")
	assert.Contains(t, inverter, "/Ac/Out/V")
	assert.Contains(t, inverter, "/Dc/0/Current")
	assert.Equal(t, "A", inverter["/Dc/0/Current"].Unit)
	assert.NotContains(t, inverter, "/Rvc/ChargerStatus")

	charger := make(map[string]PathInfo)
	for _, p := range r.Paths(domain.NamespaceCharger) {
		charger[p.Path] = p
	}
	assert.Contains(t, charger, "/Rvc/ChargerStatus")
	assert.Contains(t, charger, "/Ac/In/L1/V")
	assert.Equal(t, domain.KindText, charger["/Info/Model"].Kind)
}

func TestUndersizedFieldRejected(t *testing.T) {
	tests := []struct {
		name  string
		field Field
	}{
		{
			name: "1-byte current at 0.05 A/bit",
			field: Field{
				FieldSpec: codec.FieldSpec{Offset: 3, Width: 1, Scale: 0.05, Max: ptr(100)},
				Path:      "/Ac/Out/L1/I",
			},
		},
		{
			name: "1-byte dc bus voltage at 0.01 V/bit",
			field: Field{
				FieldSpec: codec.FieldSpec{Offset: 0, Width: 1, Scale: 0.01, Max: ptr(16)},
				Path:      "/Dc/0/Voltage",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New([]DgnSpec{{DGN: 0x1FFC1, Scope: ScopeCharger, Fields: []Field{tt.field}}})
			require.Error(t, err)
			assert.ErrorIs(t, err, codec.ErrFieldWidthInsufficient)

			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, uint32(0x1FFC1), cfgErr.DGN)
			assert.Equal(t, tt.field.Path, cfgErr.Path)
		})
	}
}

func TestFieldAtCeilingAccepted(t *testing.T) {
	f := Field{
		FieldSpec: codec.FieldSpec{Offset: 0, Width: 1, Scale: 0.05, Max: ptr(12.7)},
		Path:      "/Dc/Aux/Current",
	}
	_, err := New([]DgnSpec{{DGN: 0x1FF00, Scope: ScopeCharger, Fields: []Field{f}}})
	assert.NoError(t, err)

	// 12.75 is the sentinel pattern and never decodes.
	f.Max = ptr(12.75)
	_, err = New([]DgnSpec{{DGN: 0x1FF00, Scope: ScopeCharger, Fields: []Field{f}}})
	assert.ErrorIs(t, err, codec.ErrFieldWidthInsufficient)
}

func TestNumberFieldRequiresRange(t *testing.T) {
	tests := []struct {
		name    string
		field   codec.FieldSpec
		wantErr error
	}{
		{"u8 current without max", codec.FieldSpec{Offset: 0, Width: 1, Scale: 0.05}, ErrMissingRange},
		{"signed without min", codec.FieldSpec{Offset: 0, Width: 2, Signed: true, Max: ptr(100)}, ErrMissingRange},
		{"negative offset without min", codec.FieldSpec{Offset: 0, Width: 2, Scale: 0.05, ZeroOffset: -32000, Max: ptr(100)}, ErrMissingRange},
		{"unsigned with max", codec.FieldSpec{Offset: 0, Width: 2, Scale: 0.05, Max: ptr(100)}, nil},
		{"signed with both", codec.FieldSpec{Offset: 0, Width: 2, Signed: true, Min: ptr(-100), Max: ptr(100)}, nil},
		{"enum needs no range", codec.FieldSpec{Offset: 0, Width: 1, Kind: domain.KindEnum}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Field{FieldSpec: tt.field, Path: "/Dc/0/Current"}
			_, err := New([]DgnSpec{{DGN: 0x1FF00, Scope: ScopeCharger, Fields: []Field{f}}})
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDefaultLayoutNumbersHaveRange(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)

	for _, dgn := range r.DGNs() {
		spec, err := r.Lookup(dgn)
		require.NoError(t, err)
		for _, f := range spec.Fields {
			if f.Kind != domain.KindNumber {
				continue
			}
			assert.NotNil(t, f.Max, "0x%05X %s has no max", dgn, f.Path)
			if f.Signed || f.ZeroOffset < 0 {
				assert.NotNil(t, f.Min, "0x%05X %s has no min", dgn, f.Path)
			}
			if f.Max != nil {
				assert.LessOrEqual(t, *f.Max, f.Ceiling()+1e-6, "0x%05X %s", dgn, f.Path)
			}
		}
	}
}

func TestConstructionErrors(t *testing.T) {
	flag := func(path string, mask uint32) Field {
		return Field{FieldSpec: codec.FieldSpec{Offset: 2, Width: 1, Mask: mask, Kind: domain.KindFlag}, Path: path}
	}

	tests := []struct {
		name    string
		specs   []DgnSpec
		wantErr error
	}{
		{
			name: "overlapping byte ranges",
			specs: []DgnSpec{{DGN: 0x1FF01, Scope: ScopeInverter, Fields: []Field{
				numberField("/A", 1, 2, 1), numberField("/B", 2, 2, 1),
			}}},
			wantErr: ErrOverlap,
		},
		{
			name: "overlapping bit masks",
			specs: []DgnSpec{{DGN: 0x1FF02, Scope: ScopeInverter, Fields: []Field{
				flag("/A", 0x03), flag("/B", 0x06),
			}}},
			wantErr: ErrOverlap,
		},
		{
			name: "masked flag over a whole byte",
			specs: []DgnSpec{{DGN: 0x1FF03, Scope: ScopeInverter, Fields: []Field{
				numberField("/A", 2, 1, 1), flag("/B", 0x01),
			}}},
			wantErr: ErrOverlap,
		},
		{
			name: "duplicate path in one dgn",
			specs: []DgnSpec{{DGN: 0x1FF04, Scope: ScopeCharger, Fields: []Field{
				numberField("/Dc/0/Voltage", 0, 2, 0.05), numberField("/Dc/0/Voltage", 2, 2, 0.05),
			}}},
			wantErr: ErrDuplicatePath,
		},
		{
			name: "alias collides with another field",
			specs: []DgnSpec{{DGN: 0x1FF05, Scope: ScopeCharger, Fields: []Field{
				{FieldSpec: codec.FieldSpec{Offset: 0, Width: 2, Scale: 1, Max: ptr(1000)}, Path: "/A", Aliases: []string{"/B"}},
				numberField("/B", 2, 2, 1),
			}}},
			wantErr: ErrDuplicatePath,
		},
		{
			name: "duplicate dgn",
			specs: []DgnSpec{
				{DGN: 0x1FF06, Scope: ScopeCharger},
				{DGN: 0x1FF06, Scope: ScopeInverter},
			},
			wantErr: ErrDuplicateDGN,
		},
		{
			name: "kind conflict across dgns",
			specs: []DgnSpec{
				{DGN: 0x1FF07, Scope: ScopeShared, Fields: []Field{numberField("/State", 0, 1, 1)}},
				{DGN: 0x1FF08, Scope: ScopeInverter, Fields: []Field{
					{FieldSpec: codec.FieldSpec{Offset: 0, Width: 1, Kind: domain.KindEnum}, Path: "/State"},
				}},
			},
			wantErr: ErrKindConflict,
		},
		{
			name:    "unknown scope",
			specs:   []DgnSpec{{DGN: 0x1FF09, Scope: "battery"}},
			wantErr: ErrInvalidScope,
		},
		{
			name: "gate on missing field",
			specs: []DgnSpec{{DGN: 0x1FF0A, Scope: ScopeShared, Gate: &Gate{Path: "/Nope", Above: 1},
				Fields: []Field{numberField("/A", 0, 2, 1)}}},
			wantErr: ErrInvalidGate,
		},
		{
			name: "relative path",
			specs: []DgnSpec{{DGN: 0x1FF0B, Scope: ScopeShared, Fields: []Field{numberField("Ac/V", 0, 2, 1)}}},
			wantErr: codec.ErrInvalidField,
		},
		{
			name: "width three",
			specs: []DgnSpec{{DGN: 0x1FF0C, Scope: ScopeShared, Fields: []Field{numberField("/A", 0, 3, 1)}}},
			wantErr: codec.ErrInvalidField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.specs)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSamePathAcrossDGNsAllowed(t *testing.T) {
	_, err := New([]DgnSpec{
		{DGN: 0x1FEE8, Scope: ScopeInverter, Fields: []Field{numberField("/Dc/0/Voltage", 1, 2, 0.05)}},
		{DGN: 0x1FFCC, Scope: ScopeInverter, Fields: []Field{numberField("/Dc/0/Voltage", 0, 2, 0.1)}},
	})
	assert.NoError(t, err)
}

func TestSelectorsAllowOverlap(t *testing.T) {
	battery := &Selector{Offset: 0, Value: 0x01}
	aux := &Selector{Offset: 0, Value: 0x02}

	a := numberField("/Battery/Voltage", 4, 2, 0.01)
	a.When = battery
	b := numberField("/Dc/Aux/Current", 4, 2, 0.05)
	b.When = aux

	_, err := New([]DgnSpec{{DGN: 0x1FFC9, Scope: ScopeCharger, Fields: []Field{a, b}}})
	assert.NoError(t, err)

	// Same selector still conflicts.
	b.When = battery
	_, err = New([]DgnSpec{{DGN: 0x1FFC9, Scope: ScopeCharger, Fields: []Field{a, b}}})
	assert.ErrorIs(t, err, ErrOverlap)
}

func TestDecodeSharedWithAliases(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)
	spec, err := r.Lookup(0x1FFCA)
	require.NoError(t, err)

	// 120 V, 10 A, 60 Hz
	payload := []byte{0x01, 0x60, 0x09, 0xC8, 0x00, 0x00, 0x1E, 0xFF}
	updates, err := spec.Decode(payload, 0x42)
	require.NoError(t, err)

	for _, ns := range domain.Namespaces() {
		got := updatesFor(updates, ns)
		assert.Equal(t, domain.Number(120), got["/Ac/In/L1/V"], ns)
		assert.Equal(t, domain.Number(120), got["/Ac/ActiveIn/L1/V"], ns)
		assert.Equal(t, domain.Number(10), got["/Ac/In/L1/I"], ns)
		assert.Equal(t, domain.Number(60), got["/Ac/In/L1/F"], ns)
	}
}

func TestDecodeGate(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)
	spec, err := r.Lookup(0x1FFCA)
	require.NoError(t, err)

	// 80 V is below the qualification threshold.
	low := []byte{0x01, 0x40, 0x06, 0xC8, 0x00, 0x00, 0x1E, 0xFF}
	_, err = spec.Decode(low, 0x42)
	assert.ErrorIs(t, err, ErrGated)

	missing := []byte{0x01, 0xFF, 0xFF, 0xC8, 0x00, 0x00, 0x1E, 0xFF}
	_, err = spec.Decode(missing, 0x42)
	assert.ErrorIs(t, err, ErrGated)
}

func TestDecodeSourceRestriction(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)
	spec, err := r.Lookup(0x1FFD7)
	require.NoError(t, err)

	payload := []byte{0x01, 0x60, 0x09, 0x64, 0x00, 0x00, 0x1E, 0xFF}

	primary, err := spec.Decode(payload, 0x42)
	require.NoError(t, err)
	got := updatesFor(primary, domain.NamespaceInverter)
	assert.Contains(t, got, "/Ac/Out/L1/V")
	assert.Contains(t, got, "/Ac/Out/L1/I")
	assert.NotContains(t, got, "/Ac/Out/L1/F")

	alternate, err := spec.Decode(payload, 0xD0)
	require.NoError(t, err)
	got = updatesFor(alternate, domain.NamespaceInverter)
	assert.Equal(t, domain.Number(60), got["/Ac/Out/L1/F"])
	assert.Equal(t, domain.Number(60), got["/Ac/Out/F"])
	assert.NotContains(t, got, "/Ac/Out/L1/V")
}

func TestDecodeSelector(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)
	spec, err := r.Lookup(0x1FFC9)
	require.NoError(t, err)

	// APS variant: 13.6 V, 5 A, 30 °C
	aps := []byte{0x02, 0xFF, 0x10, 0x01, 0x64, 0x00, 0x1E, 0xFF}
	updates, err := spec.Decode(aps, 0x42)
	require.NoError(t, err)

	got := updatesFor(updates, domain.NamespaceCharger)
	assert.Equal(t, domain.Number(13.6), got["/Dc/Aux/Voltage"])
	assert.Equal(t, domain.Number(5), got["/Dc/Aux/Current"])
	assert.Equal(t, domain.Number(30), got["/Dc/Aux/Temperature"])
	assert.NotContains(t, got, "/Battery/Voltage")
	assert.NotContains(t, got, "/Soc")
}

func TestDecodeShortFrame(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)
	spec, err := r.Lookup(0x1FFD7)
	require.NoError(t, err)

	_, err = spec.Decode([]byte{0x01, 0x60, 0x09, 0x64}, 0x42)
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load([]byte("dgns: [this is: not valid"))
	assert.Error(t, err)

	_, err = Load([]byte(`
dgns:
  - dgn: "0xZZ"
    scope: shared
`))
	assert.Error(t, err)

	_, err = Load([]byte(`
dgns:
  - dgn: "0x1FF10"
    scope: shared
    fields:
      - path: /A
        offset: 0
        width: 1
        kind: bitmap
`))
	assert.ErrorIs(t, err, codec.ErrInvalidField)
}

func TestLoadParsesHexAttributes(t *testing.T) {
	r, err := Load([]byte(`
dgns:
  - dgn: "0x1FF11"
    name: TEST
    scope: inverter
    fields:
      - path: /Status/Nibble
        offset: 0
        width: 1
        kind: enum
        mask: "0xF0"
        sources: ["0xD0", "66"]
`))
	require.NoError(t, err)

	spec, err := r.Lookup(0x1FF11)
	require.NoError(t, err)
	require.Len(t, spec.Fields, 1)
	assert.Equal(t, uint32(0xF0), spec.Fields[0].Mask)
	assert.Equal(t, []uint8{0xD0, 0x42}, spec.Fields[0].Sources)
	assert.Equal(t, 1.0, spec.Fields[0].Scale)
}

func TestDecodeDeviceLayouts(t *testing.T) {
	tests := []struct {
		name    string
		dgn     uint32
		payload []byte
		ns      domain.Namespace
		want    map[string]domain.Value
	}{
		{
			name:    "ac output rms",
			dgn:     0x1FFD6,
			payload: []byte{0x60, 0x09, 0x70, 0x17, 0xFF, 0xFF, 0xFF, 0xFF},
			ns:      domain.NamespaceInverter,
			want:    map[string]domain.Value{"/Ac/Out/V": domain.Number(120), "/Ac/Out/F": domain.Number(60)},
		},
		{
			name:    "ac output power",
			dgn:     0x1FFCD,
			payload: []byte{0xFF, 0xFF, 0xE8, 0x03, 0x84, 0x03, 0x2C, 0x01},
			ns:      domain.NamespaceInverter,
			want: map[string]domain.Value{
				"/Ac/Out/L1/S": domain.Number(1000),
				"/Ac/Out/L1/P": domain.Number(900),
				"/Ac/Out/L1/Q": domain.Number(300),
			},
		},
		{
			name:    "dc input",
			dgn:     0x1FEA2,
			payload: []byte{0xFF, 0xFF, 0x00, 0x01, 0xE8, 0x03, 0xFF, 0xFF},
			ns:      domain.NamespaceInverter,
			want:    map[string]domain.Value{"/Dc/0/Voltage": domain.Number(12.8), "/Dc/0/Current": domain.Number(10)},
		},
		{
			name:    "ac input limit",
			dgn:     0x1FFF1,
			payload: []byte{0x1E, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
			ns:      domain.NamespaceInverter,
			want:    map[string]domain.Value{"/Ac/In/L1/CurrentLimit": domain.Number(30)},
		},
		{
			name:    "pass through config",
			dgn:     0x1FFB0,
			payload: []byte{0x01, 0x02, 0x64, 0x00, 0xFF, 0xFF, 0xFF, 0xFF},
			ns:      domain.NamespaceInverter,
			want: map[string]domain.Value{
				"/Ac/PassThrough/Enabled": domain.Enum(1),
				"/Ac/PassThrough/Source":  domain.Enum(2),
				"/Ac/PassThrough/Delay":   domain.Number(10),
			},
		},
		{
			name:    "charger ac input quality",
			dgn:     0x1FFC8,
			payload: []byte{0xFF, 0x03, 0xFF, 0xFF, 0xFF, 0xFF, 0x05, 0xFF},
			ns:      domain.NamespaceCharger,
			want:    map[string]domain.Value{"/Ac/In/L1/Flags": domain.Enum(3), "/Ac/In/L1/Distortion": domain.Number(5)},
		},
		{
			name:    "charger ac input",
			dgn:     0x1FFC2,
			payload: []byte{0xFF, 0xFF, 0xE0, 0x2E, 0xC8, 0x00, 0xFF, 0xFF},
			ns:      domain.NamespaceCharger,
			want:    map[string]domain.Value{"/Ac/In/L1/V": domain.Number(120), "/Ac/In/L1/I": domain.Number(10)},
		},
		{
			name:    "charger diagnostics",
			dgn:     0x0CA42,
			payload: []byte{0x32, 0x0A, 0x01, 0x02, 0xFF, 0xFF, 0xFF, 0xFF},
			ns:      domain.NamespaceCharger,
			want: map[string]domain.Value{
				"/FanSpeed":    domain.Number(50),
				"/Derating":    domain.Number(10),
				"/InputMode":   domain.Enum(1),
				"/InputSource": domain.Enum(2),
			},
		},
		{
			name:    "temperatures in the inverter",
			dgn:     0x0E842,
			payload: []byte{0xFF, 0x28, 0x2D, 0xE2, 0xFF, 0xFF, 0xFF, 0xFF},
			ns:      domain.NamespaceInverter,
			want: map[string]domain.Value{
				"/Temp/Transformer": domain.Number(40),
				"/Temp/MOSFET":      domain.Number(45),
				"/Temp/Heatsink":    domain.Number(-30),
			},
		},
		{
			name:    "temperatures in the charger",
			dgn:     0x0E842,
			payload: []byte{0xFF, 0x28, 0x7F, 0xE2, 0xFF, 0xFF, 0xFF, 0xFF},
			ns:      domain.NamespaceCharger,
			want: map[string]domain.Value{
				"/Temp/Transformer": domain.Number(40),
				"/Temp/MOSFET":      domain.Unavailable(domain.KindNumber),
				"/Temp/Heatsink":    domain.Number(-30),
			},
		},
		{
			name:    "dc load control",
			dgn:     0x1FDA0,
			payload: []byte{0x01, 0x02, 0x3C, 0x00, 0x03, 0x05, 0x00, 0x00},
			ns:      domain.NamespaceCharger,
			want: map[string]domain.Value{
				"/Dc/Source/LoadControl/Status":           domain.Enum(1),
				"/Dc/Source/LoadControl/TimeUntilRestart": domain.Number(60),
				"/Dc/Source/LoadControl/RetryCount":       domain.Number(3),
				"/Dc/Source/LoadControl/MaxRetries":       domain.Number(5),
			},
		},
	}

	r, err := Default()
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := r.Lookup(tt.dgn)
			require.NoError(t, err)

			updates, err := spec.Decode(tt.payload, 0x42)
			require.NoError(t, err)

			got := updatesFor(updates, tt.ns)
			for path, want := range tt.want {
				assert.Equal(t, want, got[path], path)
			}
		})
	}
}

func TestDecodeChargerStatusFlags(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)
	spec, err := r.Lookup(0x1CA42)
	require.NoError(t, err)

	updates, err := spec.Decode([]byte{0x45, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, 0x42)
	require.NoError(t, err)
	got := updatesFor(updates, domain.NamespaceCharger)
	assert.Equal(t, domain.Flag(true), got["/Flags/Enabled"])
	assert.Equal(t, domain.Flag(false), got["/Flags/Derating"])
	assert.Equal(t, domain.Flag(true), got["/Flags/BatteryLowVoltage"])
	assert.Equal(t, domain.Flag(true), got["/Flags/ChargerHighTemperature"])
	assert.Equal(t, domain.Flag(false), got["/Flags/ChargerLowTemperature"])

	// An all-ones byte is not available, not eight raised flags.
	updates, err = spec.Decode([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, 0x42)
	require.NoError(t, err)
	for path, v := range updatesFor(updates, domain.NamespaceCharger) {
		assert.False(t, v.Available, path)
	}
}

func TestDecodeChargerInputGate(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)
	spec, err := r.Lookup(0x1FFC2)
	require.NoError(t, err)

	// 80 V
	_, err = spec.Decode([]byte{0xFF, 0xFF, 0x40, 0x1F, 0xC8, 0x00, 0xFF, 0xFF}, 0x42)
	assert.ErrorIs(t, err, ErrGated)
}
