package analysis

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

var ErrNoMeasurements = errors.New("no measurements found")

var utf8BOM = []byte("\xef\xbb\xbf")

// textPatterns recognizes hemogram and biochemistry lines as printed by
// Brazilian labs ("Hemácias: 6,5"). Codes are reference aliases and are
// resolved by the engine.
var textPatterns = []struct {
	code string
	re   *regexp.Regexp
}{
	{"hemacias", regexp.MustCompile(`\bhem[aá]cias?\s*:?\s*([0-9][0-9.,]*)`)},
	{"hemoglobina", regexp.MustCompile(`\bhemoglobina\s*:?\s*([0-9][0-9.,]*)`)},
	{"hematocrito", regexp.MustCompile(`\bhemat[oó]crito\s*:?\s*([0-9][0-9.,]*)`)},
	{"vcm", regexp.MustCompile(`\bvcm\b\s*:?\s*([0-9][0-9.,]*)`)},
	{"hcm", regexp.MustCompile(`\bhcm\b\s*:?\s*([0-9][0-9.,]*)`)},
	{"chcm", regexp.MustCompile(`\bchcm\b\s*:?\s*([0-9][0-9.,]*)`)},
	{"leucocitos", regexp.MustCompile(`\bleuc[oó]citos?\s*:?\s*([0-9][0-9.,]*)`)},
	{"segmentados", regexp.MustCompile(`\bsegmentados?\s*:?\s*([0-9][0-9.,]*)`)},
	{"linfocitos", regexp.MustCompile(`\blinf[oó]citos?\s*:?\s*([0-9][0-9.,]*)`)},
	{"monocitos", regexp.MustCompile(`\bmon[oó]citos?\s*:?\s*([0-9][0-9.,]*)`)},
	{"eosinofilos", regexp.MustCompile(`\beosin[oó]filos?\s*:?\s*([0-9][0-9.,]*)`)},
	{"basofilos", regexp.MustCompile(`\bbas[oó]filos?\s*:?\s*([0-9][0-9.,]*)`)},
	{"plaquetas", regexp.MustCompile(`\bplaquetas?\s*:?\s*([0-9][0-9.,]*)`)},
	{"proteina_total", regexp.MustCompile(`\bprote[ií]na\s*total\s*:?\s*([0-9][0-9.,]*)`)},
	{"reticulocitos", regexp.MustCompile(`\bretic[uú]l[oó]citos?\s*:?\s*([0-9][0-9.,]*)`)},
	{"tgp", regexp.MustCompile(`\b(?:alt|tgp)\b(?:\s*\((?:alt|tgp)\))?\s*:?\s*([0-9][0-9.,]*)`)},
	{"creatinina", regexp.MustCompile(`\bcreatinina\s*:?\s*([0-9][0-9.,]*)`)},
	{"ureia", regexp.MustCompile(`\bur[eé]ia\s*:?\s*([0-9][0-9.,]*)`)},
	{"glicose", regexp.MustCompile(`\bglicose\s*:?\s*([0-9][0-9.,]*)`)},
	{"albumina", regexp.MustCompile(`\balbumina\s*:?\s*([0-9][0-9.,]*)`)},
}

// ExtractText pulls measurements out of free text, one per recognized test.
// Values carry no unit and are read in the reference unit.
func ExtractText(text string) []Measurement {
	lower := strings.ToLower(text)
	var out []Measurement
	for _, p := range textPatterns {
		m := p.re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		v, err := ParseNumber(m[1])
		if err != nil {
			continue
		}
		out = append(out, Measurement{Code: p.code, Value: v})
	}
	return out
}

// ParseNumber reads decimals written with either separator. When both
// appear, the last one is the decimal mark ("1.234,5" is 1234.5). A single
// separator is always the decimal mark: "250.000" is 250, not 250000.
func ParseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, ".,")
	lastDot, lastComma := strings.LastIndex(s, "."), strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0 && lastComma > lastDot:
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case lastDot >= 0 && lastComma >= 0:
		s = strings.ReplaceAll(s, ",", "")
	case lastComma >= 0:
		s = strings.Replace(s, ",", ".", 1)
	}
	return strconv.ParseFloat(s, 64)
}

var (
	codeColumns  = []string{"code", "codigo", "código", "parametro", "parâmetro", "teste", "exame"}
	valueColumns = []string{"value", "valor", "resultado"}
	unitColumns  = []string{"unit", "unidade"}
)

// ExtractCSV reads an exam export. Two layouts are accepted: one row per
// test with code/value/unit columns, or a header of test names followed by
// a row of values. Columns that do not hold numbers (patient name, tutor)
// are skipped.
func ExtractCSV(r io.Reader) ([]Measurement, error) {
	br := bufio.NewReader(r)
	sample, _ := br.Peek(4096)
	comma := sniffDelimiter(bytes.TrimPrefix(sample, utf8BOM))
	if bytes.HasPrefix(sample, utf8BOM) {
		br.Discard(len(utf8BOM))
	}

	cr := csv.NewReader(br)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(rows) < 2 {
		return nil, ErrNoMeasurements
	}

	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.ToLower(strings.TrimSpace(h))
	}

	var out []Measurement
	if ci, vi := column(header, codeColumns), column(header, valueColumns); ci >= 0 && vi >= 0 {
		ui := column(header, unitColumns)
		for _, row := range rows[1:] {
			if ci >= len(row) || vi >= len(row) {
				continue
			}
			v, err := ParseNumber(row[vi])
			if err != nil || strings.TrimSpace(row[ci]) == "" {
				continue
			}
			m := Measurement{Code: strings.TrimSpace(row[ci]), Value: v}
			if ui >= 0 && ui < len(row) {
				m.Unit = strings.TrimSpace(row[ui])
			}
			out = append(out, m)
		}
	} else {
		// Wide layout: later rows override earlier ones for the same column.
		values := make(map[int]float64)
		for _, row := range rows[1:] {
			for i, cell := range row {
				if i >= len(header) || header[i] == "" || strings.TrimSpace(cell) == "" {
					continue
				}
				if v, err := ParseNumber(cell); err == nil {
					values[i] = v
				}
			}
		}
		for i, h := range header {
			if v, ok := values[i]; ok {
				out = append(out, Measurement{Code: h, Value: v})
			}
		}
	}
	if len(out) == 0 {
		return nil, ErrNoMeasurements
	}
	return out, nil
}

func column(header []string, names []string) int {
	for i, h := range header {
		for _, n := range names {
			if h == n {
				return i
			}
		}
	}
	return -1
}

// sniffDelimiter picks the most frequent of ; , and tab on the header line.
// Semicolon wins ties since comma is also the decimal mark in the exports
// this reads.
func sniffDelimiter(sample []byte) rune {
	line := sample
	if i := bytes.IndexByte(sample, '\n'); i >= 0 {
		line = sample[:i]
	}
	best, bestN := ';', bytes.Count(line, []byte(";"))
	for _, d := range []rune{'\t', ','} {
		if n := bytes.Count(line, []byte(string(d))); n > bestN {
			best, bestN = d, n
		}
	}
	return best
}
