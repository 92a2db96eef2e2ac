package analysis

import (
	"encoding/json"
	"fmt"
	"time"
)

// Classification is the deviation of one measurement from its reference.
type Classification string

const (
	Normal       Classification = "normal"
	Low          Classification = "low"
	High         Classification = "high"
	CriticalLow  Classification = "critical-low"
	CriticalHigh Classification = "critical-high"
	Unscorable   Classification = "unscorable"
)

// Severity is a total order used for findings, panels and reports.
type Severity int

const (
	SeverityNormal Severity = iota
	SeverityLow
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"normal", "low", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityNormal || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

func ParseSeverity(v string) (Severity, error) {
	for i, name := range severityNames {
		if name == v {
			return Severity(i), nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", v)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseSeverity(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// SeverityOf maps a classification onto the severity scale. Unscorable
// findings do not raise the severity of a report.
func SeverityOf(c Classification) Severity {
	switch c {
	case Low:
		return SeverityLow
	case High:
		return SeverityHigh
	case CriticalLow, CriticalHigh:
		return SeverityCritical
	default:
		return SeverityNormal
	}
}

type Measurement struct {
	Code       string     `json:"code"`
	Value      float64    `json:"value"`
	Unit       string     `json:"unit,omitempty"`
	MeasuredAt *time.Time `json:"measured_at,omitempty"`
}

type Patient struct {
	Name  string `json:"name,omitempty"`
	Breed string `json:"breed,omitempty"`
	Age   string `json:"age,omitempty"`
	Sex   string `json:"sex,omitempty"`
	Tutor string `json:"tutor,omitempty"`
}

// Submission is one exam as received from a caller. It is never modified
// after acceptance.
type Submission struct {
	Species      string        `json:"species"`
	OwnerID      string        `json:"owner_id"`
	SubmittedAt  time.Time     `json:"submitted_at"`
	Patient      *Patient      `json:"patient,omitempty"`
	Measurements []Measurement `json:"measurements"`
}

// Reference is the copy of the reference band a finding was scored against.
type Reference struct {
	Low          float64  `json:"low"`
	High         float64  `json:"high"`
	CriticalLow  *float64 `json:"critical_low,omitempty"`
	CriticalHigh *float64 `json:"critical_high,omitempty"`
	Unit         string   `json:"unit"`
}

type Finding struct {
	Code           string         `json:"code"`
	Name           string         `json:"name,omitempty"`
	Panel          string         `json:"panel,omitempty"`
	Value          float64        `json:"value"`
	Unit           string         `json:"unit,omitempty"`
	ReportedValue  *float64       `json:"reported_value,omitempty"`
	ReportedUnit   string         `json:"reported_unit,omitempty"`
	Reference      *Reference     `json:"reference,omitempty"`
	Classification Classification `json:"classification"`
	Severity       Severity       `json:"severity"`
	Note           string         `json:"note,omitempty"`
}

type PanelSummary struct {
	Panel    string   `json:"panel"`
	Severity Severity `json:"severity"`
	Findings int      `json:"findings"`
	Abnormal int      `json:"abnormal"`
}

// Breakdown counts findings per severity level.
type Breakdown struct {
	Normal     int `json:"normal"`
	Low        int `json:"low"`
	High       int `json:"high"`
	Critical   int `json:"critical"`
	Unscorable int `json:"unscorable"`
}

// At returns how many findings sit at severity s. Unscorable findings are
// counted at the normal level.
func (b Breakdown) At(s Severity) int {
	switch s {
	case SeverityLow:
		return b.Low
	case SeverityHigh:
		return b.High
	case SeverityCritical:
		return b.Critical
	default:
		return b.Normal + b.Unscorable
	}
}

func (b *Breakdown) add(f Finding) {
	switch {
	case f.Classification == Unscorable:
		b.Unscorable++
	case f.Severity == SeverityLow:
		b.Low++
	case f.Severity == SeverityHigh:
		b.High++
	case f.Severity == SeverityCritical:
		b.Critical++
	default:
		b.Normal++
	}
}

// Report is the immutable result of analyzing one submission.
type Report struct {
	ID              string         `json:"id"`
	OwnerID         string         `json:"owner_id"`
	Species         string         `json:"species"`
	SnapshotVersion string         `json:"snapshot_version"`
	Patient         *Patient       `json:"patient,omitempty"`
	Findings        []Finding      `json:"findings"`
	Panels          []PanelSummary `json:"panels"`
	Severity        Severity       `json:"severity"`
	Breakdown       Breakdown      `json:"breakdown"`
	FindingCount    int            `json:"finding_count"`
	CreatedAt       time.Time      `json:"created_at"`
	Digest          string         `json:"digest"`
}

// TopCount is the number of findings at the report's overall severity.
func (r *Report) TopCount() int {
	return r.Breakdown.At(r.Severity)
}

// Abnormal returns the findings that are neither normal nor unscorable.
func (r *Report) Abnormal() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity > SeverityNormal {
			out = append(out, f)
		}
	}
	return out
}
