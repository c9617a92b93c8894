// Package registry maps DGNs to the field layouts that decode them.
//
// The registry is built once at startup and validated eagerly: overlapping fields,
// duplicate paths and fields too narrow for their documented range are reported as
// a ConfigurationError before any frame is processed.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/resident-x/go-rvc/internal/codec"
	"github.com/resident-x/go-rvc/internal/domain"
)

var (
	// ErrNotFound is returned by Lookup for DGNs without a layout.
	ErrNotFound = errors.New("dgn not found")
	// ErrShortFrame is returned when a payload is shorter than the layout requires.
	ErrShortFrame = errors.New("frame shorter than layout")
	// ErrGated is returned when a frame fails its gate condition.
	ErrGated = errors.New("frame gated")

	// ErrOverlap is returned when two fields that can be active together share payload bits.
	ErrOverlap = errors.New("overlapping fields")
	// ErrDuplicatePath is returned when one DGN writes the same path twice in a namespace.
	ErrDuplicatePath = errors.New("duplicate path")
	// ErrDuplicateDGN is returned when a DGN has more than one layout.
	ErrDuplicateDGN = errors.New("duplicate dgn")
	// ErrKindConflict is returned when layouts disagree on the value kind of a path.
	ErrKindConflict = errors.New("path kind conflict")
	// ErrInvalidGate is returned for a gate that does not name a usable field.
	ErrInvalidGate = errors.New("invalid gate")
	// ErrInvalidScope is returned for an unknown layout scope.
	ErrInvalidScope = errors.New("invalid scope")
	// ErrMissingRange is returned for a numeric field without a documented range,
	// which would let it skip the width check.
	ErrMissingRange = errors.New("missing documented range")
)

// ConfigurationError reports a defect in a DGN layout.
type ConfigurationError struct {
	DGN  uint32
	Path string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("dgn 0x%05X: %v", e.DGN, e.Err)
	}
	return fmt.Sprintf("dgn 0x%05X %s: %v", e.DGN, e.Path, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Scope names the namespaces a DGN feeds.
type Scope string

const (
	ScopeInverter Scope = "inverter"
	ScopeCharger  Scope = "charger"
	ScopeShared   Scope = "shared"
)

// Namespaces returns the namespaces written by the scope.
func (s Scope) Namespaces() []domain.Namespace {
	switch s {
	case ScopeInverter:
		return []domain.Namespace{domain.NamespaceInverter}
	case ScopeCharger:
		return []domain.Namespace{domain.NamespaceCharger}
	case ScopeShared:
		return domain.Namespaces()
	default:
		return nil
	}
}

// Selector makes a field conditional on a discriminator byte.
type Selector struct {
	Offset int
	Value  byte
}

// Field is a codec field bound to its destination paths.
type Field struct {
	codec.FieldSpec

	Path        string
	Aliases     []string
	Unit        string
	Description string

	// Sources restricts the field to these source addresses. Empty accepts any allowed source.
	Sources []uint8
	When    *Selector
}

// Paths returns the primary path followed by its aliases.
func (f Field) Paths() []string {
	return append([]string{f.Path}, f.Aliases...)
}

// AcceptsSource reports whether the field is decoded for frames from the address.
func (f Field) AcceptsSource(address uint8) bool {
	if len(f.Sources) == 0 {
		return true
	}
	for _, s := range f.Sources {
		if s == address {
			return true
		}
	}
	return false
}

// Active reports whether the field's selector matches the payload.
func (f Field) Active(payload []byte) bool {
	if f.When == nil {
		return true
	}
	return f.When.Offset < len(payload) && payload[f.When.Offset] == f.When.Value
}

// payloadBits returns the payload bits the field reads, as a mask over the 8-byte frame.
func (f Field) payloadBits() uint64 {
	mask := f.Mask
	if mask == 0 || f.Kind == domain.KindText {
		mask = 0xFFFFFFFF
	}
	var out uint64
	for j := 0; j < f.Width; j++ {
		significance := j
		if f.BigEndian {
			significance = f.Width - 1 - j
		}
		b := uint64(mask>>(8*uint(significance))) & 0xFF
		if f.Kind == domain.KindText {
			b = 0xFF
		}
		out |= b << (8 * uint(f.Offset+j))
	}
	return out
}

func coActive(a, b Field) bool {
	return a.When == nil || b.When == nil || *a.When == *b.When
}

// Gate drops whole frames unless the named field decodes above a threshold.
type Gate struct {
	Path  string
	Above float64
}

// DgnSpec is the decode layout of one DGN.
type DgnSpec struct {
	DGN    uint32
	Name   string
	Scope  Scope
	Fields []Field
	Gate   *Gate

	gateField int
	minLength int
}

// MinLength returns the shortest payload that covers every field.
func (d *DgnSpec) MinLength() int {
	return d.minLength
}

// Decode turns a payload into path updates, one per field path and namespace.
// Fields restricted to other sources, or whose selector does not match, are skipped.
func (d *DgnSpec) Decode(payload []byte, source uint8) ([]domain.Update, error) {
	if len(payload) < d.minLength {
		return nil, fmt.Errorf("%w: dgn 0x%05X needs %d bytes, got %d", ErrShortFrame, d.DGN, d.minLength, len(payload))
	}

	if d.Gate != nil {
		v, err := codec.Decode(payload, d.Fields[d.gateField].FieldSpec)
		if err != nil {
			return nil, err
		}
		if !v.Available || v.Number <= d.Gate.Above {
			return nil, ErrGated
		}
	}

	namespaces := d.Scope.Namespaces()
	updates := make([]domain.Update, 0, len(d.Fields)*len(namespaces))
	for _, f := range d.Fields {
		if !f.AcceptsSource(source) || !f.Active(payload) {
			continue
		}
		v, err := codec.Decode(payload, f.FieldSpec)
		if err != nil {
			return nil, fmt.Errorf("dgn 0x%05X %s: %w", d.DGN, f.Path, err)
		}
		for _, ns := range namespaces {
			for _, p := range f.Paths() {
				updates = append(updates, domain.Update{Namespace: ns, Path: p, Value: v})
			}
		}
	}

	return updates, nil
}

// PathInfo describes a path written by the registry.
type PathInfo struct {
	Path        string
	Unit        string
	Description string
	Kind        domain.ValueKind
}

// Registry is the immutable DGN → DgnSpec table.
type Registry struct {
	specs map[uint32]*DgnSpec
	dgns  []uint32
	paths map[domain.Namespace]map[string]PathInfo
}

// New validates the layouts and builds a registry.
func New(specs []DgnSpec) (*Registry, error) {
	r := &Registry{
		specs: make(map[uint32]*DgnSpec, len(specs)),
		paths: make(map[domain.Namespace]map[string]PathInfo),
	}
	for _, ns := range domain.Namespaces() {
		r.paths[ns] = make(map[string]PathInfo)
	}

	for i := range specs {
		spec := specs[i]
		if _, exists := r.specs[spec.DGN]; exists {
			return nil, &ConfigurationError{DGN: spec.DGN, Err: ErrDuplicateDGN}
		}
		if err := prepare(&spec); err != nil {
			return nil, err
		}
		if err := r.indexPaths(&spec); err != nil {
			return nil, err
		}
		r.specs[spec.DGN] = &spec
		r.dgns = append(r.dgns, spec.DGN)
	}

	sort.Slice(r.dgns, func(i, j int) bool { return r.dgns[i] < r.dgns[j] })
	return r, nil
}

// prepare validates one layout and computes its derived attributes.
func prepare(d *DgnSpec) error {
	if len(d.Scope.Namespaces()) == 0 {
		return &ConfigurationError{DGN: d.DGN, Err: fmt.Errorf("%w: %q", ErrInvalidScope, d.Scope)}
	}

	d.minLength = 0
	for i, f := range d.Fields {
		if f.Path == "" || f.Path[0] != '/' {
			return &ConfigurationError{DGN: d.DGN, Path: f.Path, Err: fmt.Errorf("%w: path must start with /", codec.ErrInvalidField)}
		}
		if err := f.FieldSpec.Validate(); err != nil {
			return &ConfigurationError{DGN: d.DGN, Path: f.Path, Err: err}
		}
		if err := checkRange(f); err != nil {
			return &ConfigurationError{DGN: d.DGN, Path: f.Path, Err: err}
		}
		if f.When != nil {
			if f.When.Offset < 0 || f.When.Offset >= codec.PayloadSize {
				return &ConfigurationError{DGN: d.DGN, Path: f.Path, Err: fmt.Errorf("%w: selector offset %d", codec.ErrInvalidField, f.When.Offset)}
			}
			if f.When.Offset+1 > d.minLength {
				d.minLength = f.When.Offset + 1
			}
		}
		if f.End() > d.minLength {
			d.minLength = f.End()
		}

		for j := 0; j < i; j++ {
			other := d.Fields[j]
			if !coActive(f, other) {
				continue
			}
			if f.payloadBits()&other.payloadBits() != 0 {
				return &ConfigurationError{DGN: d.DGN, Path: f.Path, Err: fmt.Errorf("%w with %s", ErrOverlap, other.Path)}
			}
		}
	}

	if err := checkDuplicatePaths(d); err != nil {
		return err
	}

	if d.Gate != nil {
		d.gateField = -1
		for i, f := range d.Fields {
			if f.Path == d.Gate.Path {
				d.gateField = i
				break
			}
		}
		if d.gateField < 0 {
			return &ConfigurationError{DGN: d.DGN, Path: d.Gate.Path, Err: fmt.Errorf("%w: no such field", ErrInvalidGate)}
		}
		g := d.Fields[d.gateField]
		if g.Kind != domain.KindNumber || g.When != nil || len(g.Sources) > 0 {
			return &ConfigurationError{DGN: d.DGN, Path: d.Gate.Path, Err: fmt.Errorf("%w: gate field must be an unconditional number", ErrInvalidGate)}
		}
	}

	return nil
}

// checkRange requires numeric fields to document a max, and a min when they can go negative.
func checkRange(f Field) error {
	if f.Kind != domain.KindNumber {
		return nil
	}
	if f.Max == nil {
		return fmt.Errorf("%w: max", ErrMissingRange)
	}
	if (f.Signed || f.ZeroOffset < 0) && f.Min == nil {
		return fmt.Errorf("%w: min", ErrMissingRange)
	}
	return nil
}

// checkDuplicatePaths rejects two co-active fields of one DGN writing the same path.
func checkDuplicatePaths(d *DgnSpec) error {
	for i, f := range d.Fields {
		seen := make(map[string]bool)
		for _, p := range f.Paths() {
			if seen[p] {
				return &ConfigurationError{DGN: d.DGN, Path: p, Err: ErrDuplicatePath}
			}
			seen[p] = true
		}
		for j := 0; j < i; j++ {
			other := d.Fields[j]
			if !coActive(f, other) {
				continue
			}
			for _, p := range other.Paths() {
				if seen[p] {
					return &ConfigurationError{DGN: d.DGN, Path: p, Err: fmt.Errorf("%w: also written by %s", ErrDuplicatePath, other.Path)}
				}
			}
		}
	}
	return nil
}

// indexPaths records the paths a layout writes and rejects kind conflicts across DGNs.
func (r *Registry) indexPaths(d *DgnSpec) error {
	for _, ns := range d.Scope.Namespaces() {
		for _, f := range d.Fields {
			for _, p := range f.Paths() {
				existing, ok := r.paths[ns][p]
				if ok && existing.Kind != f.Kind {
					return &ConfigurationError{DGN: d.DGN, Path: p, Err: fmt.Errorf("%w: %s in %s, %s here", ErrKindConflict, existing.Kind, ns, f.Kind)}
				}
				if !ok {
					r.paths[ns][p] = PathInfo{Path: p, Unit: f.Unit, Description: f.Description, Kind: f.Kind}
				}
			}
		}
	}
	return nil
}

// Lookup returns the layout for a DGN.
func (r *Registry) Lookup(dgn uint32) (*DgnSpec, error) {
	spec, ok := r.specs[dgn]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%05X", ErrNotFound, dgn)
	}
	return spec, nil
}

// DGNs returns every registered DGN in ascending order.
func (r *Registry) DGNs() []uint32 {
	out := make([]uint32, len(r.dgns))
	copy(out, r.dgns)
	return out
}

// Paths returns the paths the registry writes into a namespace, sorted by path.
func (r *Registry) Paths(ns domain.Namespace) []PathInfo {
	out := make([]PathInfo, 0, len(r.paths[ns]))
	for _, info := range r.paths[ns] {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
