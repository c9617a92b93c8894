package api

import (
	"fmt"
	"strconv"

	"github.com/resident-x/go-rvc/internal/domain"
)

// FormatType represents the output formats supported for path values.
type FormatType string

const (
	FormatDec  FormatType = "dec"
	FormatHex  FormatType = "hex"
	FormatText FormatType = "text"
)

// FormatValue renders a value in the requested format. Unavailable values stay nil.
func FormatValue(v domain.Value, format FormatType) (interface{}, error) {
	switch format {
	case FormatDec, FormatHex, FormatText:
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
	if !v.Available {
		return nil, nil
	}

	switch format {
	case FormatHex:
		switch v.Kind {
		case domain.KindEnum, domain.KindFlag:
			return fmt.Sprintf("0x%X", v.Int), nil
		case domain.KindText:
			return fmt.Sprintf("%X", v.Text), nil
		default:
			return nil, fmt.Errorf("hex format not supported for %s values", v.Kind)
		}
	case FormatText:
		switch v.Kind {
		case domain.KindNumber:
			return strconv.FormatFloat(v.Number, 'f', -1, 64), nil
		case domain.KindText:
			return v.Text, nil
		default:
			return strconv.FormatInt(v.Int, 10), nil
		}
	default:
		return v.Interface(), nil
	}
}
