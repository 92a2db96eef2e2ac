// Package analysis scores laboratory exam submissions against a reference
// range snapshot and produces immutable reports.
package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/luiz1143/Analisa-vet/internal/domain/refrange"
)

// SnapshotSource hands out the reference table to analyze against.
type SnapshotSource interface {
	Snapshot() *refrange.Snapshot
}

type Engine struct {
	refs   SnapshotSource
	strict bool
}

type Option func(*Engine)

// WithStrictReferences rejects tests that have no reference entry instead of
// reporting them as unscorable findings.
func WithStrictReferences() Option {
	return func(e *Engine) { e.strict = true }
}

func NewEngine(refs SnapshotSource, opts ...Option) *Engine {
	e := &Engine{refs: refs}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Analyze scores sub against the current snapshot.
func (e *Engine) Analyze(ctx context.Context, sub Submission) (*Report, error) {
	return e.AnalyzeWith(ctx, e.refs.Snapshot(), sub)
}

// AnalyzeWith scores sub against snap. The result depends only on sub and
// snap: the same pair always yields the same report, byte for byte once
// encoded. A cancelled ctx aborts the run and no report is returned.
func (e *Engine) AnalyzeWith(ctx context.Context, snap *refrange.Snapshot, sub Submission) (*Report, error) {
	if snap == nil {
		return nil, errors.New("analysis: no reference snapshot")
	}

	verr := &ValidationError{}
	species, ok := snap.Species(sub.Species)
	if !ok {
		verr.add("", "species", fmt.Sprintf("unknown species %q", sub.Species))
	}
	if sub.OwnerID == "" {
		verr.add("", "owner_id", "required")
	}
	if sub.SubmittedAt.IsZero() {
		verr.add("", "submitted_at", "required")
	}
	if len(sub.Measurements) == 0 {
		verr.add("", "measurements", "at least one measurement is required")
	}
	// Nothing below can be scored without a species.
	if !ok {
		return nil, verr
	}

	findings := make([]Finding, 0, len(sub.Measurements))
	seen := make(map[string]int, len(sub.Measurements))
	for i, m := range sub.Measurements {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		field := fmt.Sprintf("measurements[%d]", i)
		if strings.TrimSpace(m.Code) == "" {
			verr.add("", field+".code", "required")
			continue
		}
		code, known := snap.CanonicalCode(species, m.Code)
		if prev, dup := seen[code]; dup {
			verr.add(code, field+".code", fmt.Sprintf("duplicate of measurements[%d]", prev))
			continue
		}
		seen[code] = i

		f, reason := score(snap, species, code, known, m)
		if reason != "" {
			verr.add(code, field, reason)
			continue
		}
		if f.Classification == Unscorable && e.strict {
			verr.add(code, field+".code", "no reference range for species "+species)
			continue
		}
		findings = append(findings, f)
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	r := &Report{
		ID:              reportID(sub, species, snap.Version()),
		OwnerID:         sub.OwnerID,
		Species:         species,
		SnapshotVersion: snap.Version(),
		Patient:         sub.Patient,
		Findings:        findings,
		Panels:          summarizePanels(findings),
		FindingCount:    len(findings),
		CreatedAt:       sub.SubmittedAt.UTC(),
	}
	for _, f := range findings {
		r.Breakdown.add(f)
		if f.Severity > r.Severity {
			r.Severity = f.Severity
		}
	}
	digest, err := computeDigest(r)
	if err != nil {
		return nil, err
	}
	r.Digest = digest
	return r, nil
}

// score builds the finding for one measurement. A non-empty reason means the
// measurement is invalid.
func score(snap *refrange.Snapshot, species, code string, known bool, m Measurement) (Finding, string) {
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		return Finding{}, "value must be a finite number"
	}
	unit := ""
	if m.Unit != "" {
		u, ok := refrange.NormalizeUnit(m.Unit)
		if !ok {
			return Finding{}, fmt.Sprintf("unrecognized unit %q", m.Unit)
		}
		unit = u
	}

	if !known {
		return Finding{
			Code:           code,
			Value:          m.Value,
			Unit:           unit,
			Classification: Unscorable,
			Severity:       SeverityNormal,
		}, ""
	}
	ref, _ := snap.Lookup(species, code)

	f := Finding{
		Code:  code,
		Name:  ref.Name,
		Panel: ref.Panel,
		Value: m.Value,
		Unit:  ref.Unit,
		Reference: &Reference{
			Low:          ref.Low,
			High:         ref.High,
			CriticalLow:  ref.CriticalLow,
			CriticalHigh: ref.CriticalHigh,
			Unit:         ref.Unit,
		},
	}
	// A measurement without a unit is taken to be in the reference unit.
	if unit != "" && unit != ref.Unit {
		v, err := refrange.Convert(m.Value, unit, ref.Unit)
		if err != nil {
			return Finding{}, fmt.Sprintf("unit %q cannot be converted to %s", m.Unit, ref.Unit)
		}
		reported := m.Value
		f.Value = round6(v)
		f.ReportedValue = &reported
		f.ReportedUnit = unit
	}

	f.Classification = classify(f.Value, ref)
	f.Severity = SeverityOf(f.Classification)
	switch f.Classification {
	case Low, CriticalLow:
		f.Note = ref.Notes.Low
	case High, CriticalHigh:
		f.Note = ref.Notes.High
	}
	return f, ""
}

// classify places v in the bands of r. Only values strictly outside the
// critical band are critical; the band edges belong to the band.
func classify(v float64, r refrange.Range) Classification {
	switch {
	case r.CriticalLow != nil && v < *r.CriticalLow:
		return CriticalLow
	case r.CriticalHigh != nil && v > *r.CriticalHigh:
		return CriticalHigh
	case v < r.Low:
		return Low
	case v > r.High:
		return High
	default:
		return Normal
	}
}

func summarizePanels(findings []Finding) []PanelSummary {
	byPanel := make(map[string]*PanelSummary)
	for _, f := range findings {
		panel := f.Panel
		if panel == "" {
			panel = "unscored"
		}
		ps, ok := byPanel[panel]
		if !ok {
			ps = &PanelSummary{Panel: panel}
			byPanel[panel] = ps
		}
		ps.Findings++
		if f.Severity > SeverityNormal {
			ps.Abnormal++
		}
		if f.Severity > ps.Severity {
			ps.Severity = f.Severity
		}
	}
	out := make([]PanelSummary, 0, len(byPanel))
	for _, ps := range byPanel {
		out = append(out, *ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Panel < out[j].Panel })
	return out
}

type canonicalSubmission struct {
	Species      string        `json:"species"`
	OwnerID      string        `json:"owner_id"`
	SubmittedAt  string        `json:"submitted_at"`
	Patient      *Patient      `json:"patient,omitempty"`
	Measurements []Measurement `json:"measurements"`
	Snapshot     string        `json:"snapshot"`
}

func reportID(sub Submission, species, version string) string {
	b, _ := json.Marshal(canonicalSubmission{
		Species:      species,
		OwnerID:      sub.OwnerID,
		SubmittedAt:  sub.SubmittedAt.UTC().Format("2006-01-02T15:04:05.000000000Z"),
		Patient:      sub.Patient,
		Measurements: sub.Measurements,
		Snapshot:     version,
	})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:16])
}

func computeDigest(r *Report) (string, error) {
	c := *r
	c.Digest = ""
	b, err := json.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyDigest reports whether r still matches the digest computed when it
// was produced.
func VerifyDigest(r *Report) bool {
	d, err := computeDigest(r)
	return err == nil && d == r.Digest
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
