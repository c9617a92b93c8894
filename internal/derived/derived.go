// Package derived computes composite quantities such as rail power from decoded values.
package derived

import (
	"errors"
	"fmt"
	"math"

	"github.com/resident-x/go-rvc/internal/domain"
)

// Op is the arithmetic applied to a relation's inputs.
type Op int

const (
	Product Op = iota
	Sum
)

// String returns the string representation of the operation.
func (o Op) String() string {
	switch o {
	case Product:
		return "product"
	case Sum:
		return "sum"
	default:
		return "unknown"
	}
}

// ErrInvalidRelation is returned for relations that cannot be evaluated.
var ErrInvalidRelation = errors.New("invalid derived relation")

// Relation defines one derived path.
type Relation struct {
	Namespace domain.Namespace
	Op        Op
	Dst       string
	Aliases   []string
	Inputs    []string
	Unit      string
	// CountPath, when set, receives the number of rails that contributed to a sum.
	CountPath string
}

// Paths returns the destination and its aliases.
func (r Relation) Paths() []string {
	return append([]string{r.Dst}, r.Aliases...)
}

// Getter reads the current value of a path in the relation's namespace.
type Getter func(path string) domain.Value

// Compute evaluates the relation. The count is the number of available inputs used.
// A product with any Unavailable input is Unavailable. A sum skips Unavailable
// rails and is Unavailable only when none is available.
func (r Relation) Compute(get Getter) (domain.Value, int) {
	switch r.Op {
	case Product:
		result := 1.0
		for _, p := range r.Inputs {
			x, ok := get(p).Float()
			if !ok {
				return domain.Unavailable(domain.KindNumber), 0
			}
			result *= x
		}
		return domain.Number(round3(result)), len(r.Inputs)

	case Sum:
		total, n := 0.0, 0
		for _, p := range r.Inputs {
			x, ok := get(p).Float()
			if !ok {
				continue
			}
			total += x
			n++
		}
		if n == 0 {
			return domain.Unavailable(domain.KindNumber), 0
		}
		return domain.Number(round3(total)), n
	}

	return domain.Unavailable(domain.KindNumber), 0
}

// Table is an ordered list of relations. A relation may read the output of an earlier one.
type Table []Relation

// Validate checks every relation and rejects one that reads a path produced later in the table.
func (t Table) Validate() error {
	producedAt := make(map[domain.Namespace]map[string]int)
	for i, r := range t {
		if r.Dst == "" || len(r.Inputs) == 0 {
			return fmt.Errorf("%w: %q needs a destination and inputs", ErrInvalidRelation, r.Dst)
		}
		if r.Op == Product && len(r.Inputs) < 2 {
			return fmt.Errorf("%w: product %q needs two inputs", ErrInvalidRelation, r.Dst)
		}
		if producedAt[r.Namespace] == nil {
			producedAt[r.Namespace] = make(map[string]int)
		}
		for _, p := range r.Paths() {
			if _, dup := producedAt[r.Namespace][p]; dup {
				return fmt.Errorf("%w: %s %s written twice", ErrInvalidRelation, r.Namespace, p)
			}
			producedAt[r.Namespace][p] = i
		}
	}

	for i, r := range t {
		for _, in := range r.Inputs {
			if j, ok := producedAt[r.Namespace][in]; ok && j >= i {
				return fmt.Errorf("%w: %s reads %s before it is computed", ErrInvalidRelation, r.Dst, in)
			}
		}
	}
	return nil
}

// Setter writes a derived value.
type Setter func(path string, v domain.Value) error

// Apply recomputes every relation of ns whose inputs are in touched, including
// inputs produced by relations recomputed earlier in the same pass.
func (t Table) Apply(ns domain.Namespace, touched []string, get Getter, set Setter) error {
	dirty := make(map[string]bool, len(touched))
	for _, p := range touched {
		dirty[p] = true
	}

	for _, r := range t {
		if r.Namespace != ns || !r.reads(dirty) {
			continue
		}

		v, n := r.Compute(get)
		for _, p := range r.Paths() {
			if err := set(p, v); err != nil {
				return fmt.Errorf("derived %s: %w", p, err)
			}
			dirty[p] = true
		}
		if r.CountPath != "" {
			if err := set(r.CountPath, domain.Enum(int64(n))); err != nil {
				return fmt.Errorf("derived %s: %w", r.CountPath, err)
			}
		}
	}
	return nil
}

func (r Relation) reads(dirty map[string]bool) bool {
	for _, p := range r.Inputs {
		if dirty[p] {
			return true
		}
	}
	return false
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
