package refrange

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownUnit      = errors.New("unrecognized unit")
	ErrIncompatibleUnit = errors.New("incompatible units")
)

// unitDef places a canonical unit in a dimension with an integer factor
// relative to the smallest unit of that dimension, so conversions are a
// single exact multiply followed by one division.
type unitDef struct {
	dimension string
	factor    float64
}

var units = map[string]unitDef{
	"/uL":     {"count", 1},
	"10^3/uL": {"count", 1e3},
	"10^6/uL": {"count", 1e6},

	"mg/dL": {"mass_concentration", 1},
	"g/L":   {"mass_concentration", 100},
	"g/dL":  {"mass_concentration", 1000},

	"umol/L": {"molar", 1},
	"mmol/L": {"molar", 1000},

	"U/L":   {"activity", 1},
	"%":     {"fraction", 1},
	"fL":    {"cell_volume", 1},
	"pg":    {"cell_mass", 1},
	"mEq/L": {"equivalents", 1},
	"ng/mL": {"trace", 1},
}

// unitAliases maps normalized spellings (see unitKey) to canonical units.
var unitAliases = map[string]string{
	"/ul": "/uL", "cells/ul": "/uL", "/mm3": "/uL", "cel/ul": "/uL",

	"10^3/ul": "10^3/uL", "k/ul": "10^3/uL", "10^9/l": "10^3/uL", "mil/ul": "10^3/uL",
	"10^3/mm3": "10^3/uL", "mil/mm3": "10^3/uL", "thou/ul": "10^3/uL",

	"10^6/ul": "10^6/uL", "m/ul": "10^6/uL", "10^12/l": "10^6/uL", "milhoes/ul": "10^6/uL",
	"10^6/mm3": "10^6/uL", "milhoes/mm3": "10^6/uL",

	"mg/dl": "mg/dL", "g/l": "g/L", "g/dl": "g/dL",
	"umol/l": "umol/L", "mmol/l": "mmol/L",

	"u/l": "U/L", "iu/l": "U/L", "ui/l": "U/L",
	"%": "%", "pct": "%",
	"fl": "fL", "um3": "fL",
	"pg": "pg",
	"meq/l": "mEq/L",
	"ng/ml": "ng/mL",
}

var unitSymbolReplacer = strings.NewReplacer(
	"µ", "u", "μ", "u", "³", "^3", "⁶", "^6", "⁹", "^9", "¹²", "^12", "ç", "c", "õ", "o",
	" ", "", "*", "", "×", "",
)

func unitKey(u string) string {
	k := unitSymbolReplacer.Replace(strings.ToLower(strings.TrimSpace(u)))
	k = strings.TrimPrefix(k, "x")
	return strings.ReplaceAll(k, "mm^3", "mm3")
}

// NormalizeUnit returns the canonical spelling of u.
func NormalizeUnit(u string) (string, bool) {
	c, ok := unitAliases[unitKey(u)]
	return c, ok
}

// Convert expresses value, measured in from, in unit to. Both units may be
// given in any recognized spelling.
func Convert(value float64, from, to string) (float64, error) {
	f, ok := NormalizeUnit(from)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, from)
	}
	t, ok := NormalizeUnit(to)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, to)
	}
	if f == t {
		return value, nil
	}
	fd, td := units[f], units[t]
	if fd.dimension != td.dimension {
		return 0, fmt.Errorf("%w: %s to %s", ErrIncompatibleUnit, f, t)
	}
	return value * fd.factor / td.factor, nil
}
