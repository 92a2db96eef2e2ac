// Package refrange loads species-specific laboratory reference ranges and
// exposes them as immutable, versioned snapshots.
package refrange

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_ranges.yaml
var defaultRanges []byte

var ErrInvalidTable = errors.New("invalid reference table")

// Notes are interpretation hints attached to out-of-band findings.
type Notes struct {
	Low  string `yaml:"low" json:"low,omitempty"`
	High string `yaml:"high" json:"high,omitempty"`
}

// Range is the reference entry for one test on one species. The critical
// band, when present, must enclose the normal band.
type Range struct {
	Species      string   `yaml:"species" json:"species"`
	Code         string   `yaml:"code" json:"code"`
	Name         string   `yaml:"name" json:"name"`
	Panel        string   `yaml:"panel" json:"panel"`
	Unit         string   `yaml:"unit" json:"unit"`
	Low          float64  `yaml:"low" json:"low"`
	High         float64  `yaml:"high" json:"high"`
	CriticalLow  *float64 `yaml:"critical_low" json:"critical_low,omitempty"`
	CriticalHigh *float64 `yaml:"critical_high" json:"critical_high,omitempty"`
	Aliases      []string `yaml:"aliases" json:"-"`
	Notes        Notes    `yaml:"notes" json:"notes,omitempty"`
}

// Format renders the band the way the reference-values endpoint shows it,
// e.g. "10-100 U/L".
func (r Range) Format() string {
	return fmt.Sprintf("%s-%s %s", formatNumber(r.Low), formatNumber(r.High), r.Unit)
}

func formatNumber(f float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", f), "0"), ".")
}

type document struct {
	Version        string              `yaml:"version"`
	SpeciesAliases map[string][]string `yaml:"species_aliases"`
	Ranges         []Range             `yaml:"ranges"`
}

// Snapshot is an immutable reference table. All lookups on one snapshot are
// consistent with each other; a reload produces a new Snapshot.
type Snapshot struct {
	version        string
	ranges         map[string]map[string]Range // species -> code -> range
	codeAliases    map[string]map[string]string
	speciesAliases map[string]string
}

// Default returns the bundled sample table.
func Default() *Snapshot {
	s, err := Parse(defaultRanges)
	if err != nil {
		panic(fmt.Sprintf("refrange: bundled table is invalid: %v", err))
	}
	return s
}

// LoadFile reads a YAML table from disk.
func LoadFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open reference table: %w", err)
	}
	defer f.Close()
	return Load(f)
}

func Load(r io.Reader) (*Snapshot, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read reference table: %w", err)
	}
	return Parse(b)
}

// Parse builds a Snapshot from YAML. The snapshot version is the declared
// version suffixed with a digest of the document, so edited tables never
// share a version.
func Parse(b []byte) (*Snapshot, error) {
	var doc document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}
	if len(doc.Ranges) == 0 {
		return nil, fmt.Errorf("%w: no ranges", ErrInvalidTable)
	}

	sum := sha256.Sum256(b)
	declared := doc.Version
	if declared == "" {
		declared = "unversioned"
	}

	s := &Snapshot{
		version:        declared + "+" + hex.EncodeToString(sum[:])[:12],
		ranges:         make(map[string]map[string]Range),
		codeAliases:    make(map[string]map[string]string),
		speciesAliases: make(map[string]string),
	}
	for alias, species := range builtinSpeciesAliases {
		s.speciesAliases[alias] = species
	}
	for species, aliases := range doc.SpeciesAliases {
		canonical := strings.ToLower(strings.TrimSpace(species))
		s.speciesAliases[canonical] = canonical
		for _, a := range aliases {
			s.speciesAliases[strings.ToLower(strings.TrimSpace(a))] = canonical
			s.speciesAliases[fold(a)] = canonical
		}
	}

	for i, r := range doc.Ranges {
		r.Species = strings.ToLower(strings.TrimSpace(r.Species))
		r.Code = strings.ToUpper(strings.TrimSpace(r.Code))
		if err := validateRange(r); err != nil {
			return nil, fmt.Errorf("%w: range %d (%s/%s): %v", ErrInvalidTable, i, r.Species, r.Code, err)
		}
		unit, ok := NormalizeUnit(r.Unit)
		if !ok {
			return nil, fmt.Errorf("%w: range %d (%s/%s): unknown unit %q", ErrInvalidTable, i, r.Species, r.Code, r.Unit)
		}
		r.Unit = unit
		if r.Name == "" {
			r.Name = r.Code
		}
		if r.Panel == "" {
			r.Panel = "general"
		}

		if s.ranges[r.Species] == nil {
			s.ranges[r.Species] = make(map[string]Range)
			s.codeAliases[r.Species] = make(map[string]string)
		}
		if _, dup := s.ranges[r.Species][r.Code]; dup {
			return nil, fmt.Errorf("%w: duplicate range %s/%s", ErrInvalidTable, r.Species, r.Code)
		}
		s.ranges[r.Species][r.Code] = r
		s.speciesAliases[r.Species] = r.Species

		s.codeAliases[r.Species][normalizeCode(r.Code)] = r.Code
		for _, a := range r.Aliases {
			s.codeAliases[r.Species][normalizeCode(a)] = r.Code
		}
	}
	return s, nil
}

func validateRange(r Range) error {
	if r.Species == "" || r.Code == "" {
		return errors.New("species and code are required")
	}
	bounds := []float64{r.Low, r.High}
	if r.CriticalLow != nil {
		bounds = append(bounds, *r.CriticalLow)
	}
	if r.CriticalHigh != nil {
		bounds = append(bounds, *r.CriticalHigh)
	}
	for _, v := range bounds {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("bounds must be finite")
		}
	}
	if r.Low > r.High {
		return fmt.Errorf("low %v exceeds high %v", r.Low, r.High)
	}
	if r.CriticalLow != nil && *r.CriticalLow > r.Low {
		return fmt.Errorf("critical_low %v above low %v", *r.CriticalLow, r.Low)
	}
	if r.CriticalHigh != nil && *r.CriticalHigh < r.High {
		return fmt.Errorf("critical_high %v below high %v", *r.CriticalHigh, r.High)
	}
	return nil
}

func (s *Snapshot) Version() string { return s.version }

// Species resolves a species name or alias ("Cão", "cat", "felino") to its
// canonical key.
func (s *Snapshot) Species(raw string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if sp, ok := s.speciesAliases[key]; ok {
		return sp, true
	}
	sp, ok := s.speciesAliases[fold(raw)]
	return sp, ok
}

// CanonicalCode maps a test code or alias to the table's code for species.
// Unknown codes come back upper-cased.
func (s *Snapshot) CanonicalCode(species, raw string) (string, bool) {
	if code, ok := s.codeAliases[species][normalizeCode(raw)]; ok {
		return code, true
	}
	return strings.ToUpper(strings.TrimSpace(raw)), false
}

// Lookup returns the range for a canonical species and a code or alias.
func (s *Snapshot) Lookup(species, code string) (Range, bool) {
	canonical, ok := s.CanonicalCode(species, code)
	if !ok {
		return Range{}, false
	}
	r, ok := s.ranges[species][canonical]
	return r, ok
}

// List returns every range for species ordered by panel, then code.
func (s *Snapshot) List(species string) []Range {
	out := make([]Range, 0, len(s.ranges[species]))
	for _, r := range s.ranges[species] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Panel != out[j].Panel {
			return out[i].Panel < out[j].Panel
		}
		return out[i].Code < out[j].Code
	})
	return out
}

// SpeciesList returns the canonical species present in the table.
func (s *Snapshot) SpeciesList() []string {
	out := make([]string, 0, len(s.ranges))
	for sp := range s.ranges {
		out = append(out, sp)
	}
	sort.Strings(out)
	return out
}

func normalizeCode(s string) string {
	s = fold(s)
	s = strings.NewReplacer(" ", "_", "-", "_", ".", "").Replace(s)
	return s
}
