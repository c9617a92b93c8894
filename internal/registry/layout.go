package registry

import (
	_ "embed"
	"fmt"
	"strconv"

	"github.com/resident-x/go-rvc/internal/codec"
	"github.com/resident-x/go-rvc/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed layouts/xantrex.yaml
var xantrexLayoutYAML []byte

// LayoutFile is the YAML form of a DGN table.
type LayoutFile struct {
	Version     string      `yaml:"version"`
	Description string      `yaml:"description"`
	DGNs        []DgnLayout `yaml:"dgns"`
}

// DgnLayout is the YAML form of a DgnSpec.
type DgnLayout struct {
	DGN    string        `yaml:"dgn"`
	Name   string        `yaml:"name"`
	Scope  string        `yaml:"scope"`
	Gate   *GateLayout   `yaml:"gate,omitempty"`
	Fields []FieldLayout `yaml:"fields"`
}

// GateLayout is the YAML form of a Gate.
type GateLayout struct {
	Path  string  `yaml:"path"`
	Above float64 `yaml:"above"`
}

// FieldLayout is the YAML form of a Field.
type FieldLayout struct {
	Path        string          `yaml:"path"`
	Aliases     []string        `yaml:"aliases,omitempty"`
	Offset      int             `yaml:"offset"`
	Width       int             `yaml:"width"`
	Signed      bool            `yaml:"signed,omitempty"`
	BigEndian   bool            `yaml:"big_endian,omitempty"`
	Scale       float64         `yaml:"scale,omitempty"`
	ZeroOffset  float64         `yaml:"zero_offset,omitempty"`
	Mask        string          `yaml:"mask,omitempty"`
	Kind        string          `yaml:"kind,omitempty"`
	Unit        string          `yaml:"unit,omitempty"`
	Min         *float64        `yaml:"min,omitempty"`
	Max         *float64        `yaml:"max,omitempty"`
	Sources     []string        `yaml:"sources,omitempty"`
	When        *SelectorLayout `yaml:"when,omitempty"`
	Description string          `yaml:"description,omitempty"`
}

// SelectorLayout is the YAML form of a Selector.
type SelectorLayout struct {
	Offset int    `yaml:"offset"`
	Value  string `yaml:"value"`
}

// Default builds the registry from the embedded Xantrex Freedom XC layout.
func Default() (*Registry, error) {
	return Load(xantrexLayoutYAML)
}

// Load parses a YAML layout and builds a validated registry.
func Load(data []byte) (*Registry, error) {
	var file LayoutFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dgn layout: %w", err)
	}

	specs, err := file.Specs()
	if err != nil {
		return nil, err
	}

	return New(specs)
}

// Specs converts the YAML form into DgnSpecs.
func (lf *LayoutFile) Specs() ([]DgnSpec, error) {
	specs := make([]DgnSpec, 0, len(lf.DGNs))
	for _, dl := range lf.DGNs {
		dgn, err := parseHex(dl.DGN, 18)
		if err != nil {
			return nil, fmt.Errorf("dgn %q (%s): %w", dl.DGN, dl.Name, err)
		}

		spec := DgnSpec{
			DGN:   uint32(dgn),
			Name:  dl.Name,
			Scope: Scope(dl.Scope),
		}
		if dl.Gate != nil {
			spec.Gate = &Gate{Path: dl.Gate.Path, Above: dl.Gate.Above}
		}

		for _, fl := range dl.Fields {
			field, err := fl.field()
			if err != nil {
				return nil, &ConfigurationError{DGN: spec.DGN, Path: fl.Path, Err: err}
			}
			spec.Fields = append(spec.Fields, field)
		}

		specs = append(specs, spec)
	}
	return specs, nil
}

func (fl FieldLayout) field() (Field, error) {
	kind, ok := domain.ParseValueKind(fl.Kind)
	if !ok {
		return Field{}, fmt.Errorf("%w: kind %q", codec.ErrInvalidField, fl.Kind)
	}

	f := Field{
		FieldSpec: codec.FieldSpec{
			Offset:     fl.Offset,
			Width:      fl.Width,
			Signed:     fl.Signed,
			BigEndian:  fl.BigEndian,
			Scale:      fl.Scale,
			ZeroOffset: fl.ZeroOffset,
			Kind:       kind,
			Min:        fl.Min,
			Max:        fl.Max,
		},
		Path:        fl.Path,
		Aliases:     fl.Aliases,
		Unit:        fl.Unit,
		Description: fl.Description,
	}
	if f.Scale == 0 {
		f.Scale = 1
	}

	if fl.Mask != "" {
		mask, err := parseHex(fl.Mask, 32)
		if err != nil {
			return Field{}, fmt.Errorf("%w: mask: %v", codec.ErrInvalidField, err)
		}
		f.Mask = uint32(mask)
	}

	for _, s := range fl.Sources {
		addr, err := parseHex(s, 8)
		if err != nil {
			return Field{}, fmt.Errorf("%w: source: %v", codec.ErrInvalidField, err)
		}
		f.Sources = append(f.Sources, uint8(addr))
	}

	if fl.When != nil {
		v, err := parseHex(fl.When.Value, 8)
		if err != nil {
			return Field{}, fmt.Errorf("%w: selector: %v", codec.ErrInvalidField, err)
		}
		f.When = &Selector{Offset: fl.When.Offset, Value: byte(v)}
	}

	return f, nil
}

// parseHex accepts 0x-prefixed or decimal numbers.
func parseHex(s string, bitSize int) (uint64, error) {
	return strconv.ParseUint(s, 0, bitSize)
}
