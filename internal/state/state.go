// Package state resolves raw status registers and secondary signals into one canonical operating state.
package state

import (
	"errors"
	"fmt"
	"sort"

	"github.com/resident-x/go-rvc/internal/domain"
)

// State is the canonical operating state published on /State.
type State int

const (
	Off State = iota
	LowPower
	Fault
	Bulk
	Absorption
	Float
	Storage
	Equalize
	Passthru
	Inverting
	Assisting
	PowerSupply
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Off:
		return "off"
	case LowPower:
		return "low_power"
	case Fault:
		return "fault"
	case Bulk:
		return "bulk"
	case Absorption:
		return "absorption"
	case Float:
		return "float"
	case Storage:
		return "storage"
	case Equalize:
		return "equalize"
	case Passthru:
		return "passthru"
	case Inverting:
		return "inverting"
	case Assisting:
		return "assisting"
	case PowerSupply:
		return "power_supply"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Paths written by a Machine.
const (
	StatePath = "/State"
	ModePath  = "/Mode"
)

// Mode values published on the inverter /Mode path.
const (
	ModeOn  = 3
	ModeOff = 4
)

// ErrUnknownRule is returned when a rule order names a rule that does not exist.
var ErrUnknownRule = errors.New("unknown state rule")

// Op is a comparison used by a Condition.
type Op string

const (
	OpEq      Op = "eq"
	OpNe      Op = "ne"
	OpGt      Op = "gt"
	OpLt      Op = "lt"
	OpNonZero Op = "nonzero"
	OpTruthy  Op = "truthy"
)

// Condition tests one cached path. An Unavailable path never satisfies a condition.
type Condition struct {
	Path  string
	Op    Op
	Value float64
}

// Holds reports whether the condition is satisfied by v.
func (c Condition) Holds(v domain.Value) bool {
	x, ok := v.Float()
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return x == c.Value
	case OpNe:
		return x != c.Value
	case OpGt:
		return x > c.Value
	case OpLt:
		return x < c.Value
	case OpNonZero, OpTruthy:
		return x != 0
	default:
		return false
	}
}

// RegisterMap translates a raw status register value through a lookup table.
type RegisterMap struct {
	Path  string
	Table map[int64]State
}

// Rule produces a state either from a register lookup or when all its conditions hold.
type Rule struct {
	Name     string
	Register *RegisterMap
	When     []Condition
	Result   State
}

// Getter reads the current value of a path in the namespace being evaluated.
type Getter func(path string) domain.Value

// Evaluate applies the rule. The second result is false when the rule does not match.
func (r Rule) Evaluate(get Getter) (State, bool) {
	if r.Register != nil {
		v := get(r.Register.Path)
		if !v.Available {
			return 0, false
		}
		s, ok := r.Register.Table[v.Int]
		return s, ok
	}

	if len(r.When) == 0 {
		return 0, false
	}
	for _, c := range r.When {
		if !c.Holds(get(c.Path)) {
			return 0, false
		}
	}
	return r.Result, true
}

// Inputs returns the paths the rule reads.
func (r Rule) Inputs() []string {
	var out []string
	if r.Register != nil {
		out = append(out, r.Register.Path)
	}
	for _, c := range r.When {
		out = append(out, c.Path)
	}
	return out
}

// Machine is the ordered rule list of one namespace.
type Machine struct {
	Namespace domain.Namespace
	Rules     []Rule
	// FollowMode publishes /Mode alongside /State.
	FollowMode bool
}

// Evaluate walks the rules top to bottom and returns the first match.
func (m Machine) Evaluate(get Getter) (State, bool) {
	for _, r := range m.Rules {
		if s, ok := r.Evaluate(get); ok {
			return s, true
		}
	}
	return 0, false
}

// Inputs returns every path read by the machine's rules, sorted and deduplicated.
func (m Machine) Inputs() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range m.Rules {
		for _, p := range r.Inputs() {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Touches reports whether any of the paths is an input of the machine.
func (m Machine) Touches(paths []string) bool {
	inputs := m.Inputs()
	for _, p := range paths {
		i := sort.SearchStrings(inputs, p)
		if i < len(inputs) && inputs[i] == p {
			return true
		}
	}
	return false
}

// Mode maps a state onto the /Mode value.
func Mode(s State) int64 {
	if s == Off {
		return ModeOff
	}
	return ModeOn
}

// Order returns the rules rearranged to follow names. Rules not named keep their
// relative order after the named ones. An empty list leaves the order unchanged.
func Order(rules []Rule, names []string) ([]Rule, error) {
	if len(names) == 0 {
		return rules, nil
	}

	byName := make(map[string]Rule, len(rules))
	for _, r := range rules {
		byName[r.Name] = r
	}

	used := make(map[string]bool, len(names))
	out := make([]Rule, 0, len(rules))
	for _, n := range names {
		r, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRule, n)
		}
		if used[n] {
			continue
		}
		used[n] = true
		out = append(out, r)
	}
	for _, r := range rules {
		if !used[r.Name] {
			out = append(out, r)
		}
	}
	return out, nil
}

// RuleNames returns the names of rules in order.
func RuleNames(rules []Rule) []string {
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Name
	}
	return names
}
