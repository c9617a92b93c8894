package domain

import "math"

// ValueKind is the type of a path value.
type ValueKind int

const (
	KindNumber ValueKind = iota
	KindEnum
	KindFlag
	KindText
)

// String returns the string representation of the value kind.
func (k ValueKind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindEnum:
		return "enum"
	case KindFlag:
		return "flag"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// ParseValueKind converts a layout string into a ValueKind. Empty means number.
func ParseValueKind(s string) (ValueKind, bool) {
	switch s {
	case "", "number":
		return KindNumber, true
	case "enum":
		return KindEnum, true
	case "flag":
		return KindFlag, true
	case "text":
		return KindText, true
	default:
		return KindNumber, false
	}
}

// Value is a typed path value. A Value that is not Available carries no data;
// it is the "not available" marker and is never equal to zero.
type Value struct {
	Kind      ValueKind
	Number    float64
	Int       int64
	Text      string
	Available bool
}

// Number returns an available real value.
func Number(v float64) Value {
	return Value{Kind: KindNumber, Number: v, Available: true}
}

// Enum returns an available enumerated value.
func Enum(v int64) Value {
	return Value{Kind: KindEnum, Int: v, Available: true}
}

// Flag returns an available boolean value.
func Flag(b bool) Value {
	v := Value{Kind: KindFlag, Available: true}
	if b {
		v.Int = 1
	}
	return v
}

// Text returns an available string value.
func Text(s string) Value {
	return Value{Kind: KindText, Text: s, Available: true}
}

// Unavailable returns the not-available marker for a kind.
func Unavailable(kind ValueKind) Value {
	return Value{Kind: kind}
}

// Float returns the numeric view of the value. Text values are not numeric.
func (v Value) Float() (float64, bool) {
	if !v.Available {
		return 0, false
	}
	switch v.Kind {
	case KindNumber:
		return v.Number, true
	case KindEnum, KindFlag:
		return float64(v.Int), true
	default:
		return 0, false
	}
}

// Equal reports whether two values carry the same data.
func (v Value) Equal(o Value) bool {
	if v.Available != o.Available || v.Kind != o.Kind {
		return false
	}
	if !v.Available {
		return true
	}
	switch v.Kind {
	case KindNumber:
		return v.Number == o.Number || (math.IsNaN(v.Number) && math.IsNaN(o.Number))
	case KindText:
		return v.Text == o.Text
	default:
		return v.Int == o.Int
	}
}

// Interface returns the value as a plain Go value for JSON export. Unavailable is nil.
func (v Value) Interface() interface{} {
	if !v.Available {
		return nil
	}
	switch v.Kind {
	case KindNumber:
		return v.Number
	case KindEnum:
		return v.Int
	case KindFlag:
		return v.Int != 0
	default:
		return v.Text
	}
}
