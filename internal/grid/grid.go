// Package grid holds the editable row set of an import session: the parsed
// CSV rows, the active column mapping, and the validate/edit/fix loop the
// wizard runs before submission.
//
// Validation is always a full recomputation over the row set. Incremental
// patching of cached errors is how stale-error bugs happen, and at wizard
// scale a full pass is cheap.
package grid

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/casedesk/importer/internal/mapping"
	"github.com/casedesk/importer/internal/schema"
)

// DefaultCountryCode is prepended to bare 10-digit phone numbers by the
// normalize-phone bulk fix.
const DefaultCountryCode = "+1"

// FilterMode selects which validated rows a view shows.
type FilterMode string

const (
	FilterAll    FilterMode = "all"
	FilterErrors FilterMode = "errors"
	FilterValid  FilterMode = "valid"
)

// ParseFilterMode validates a filter string from the API, defaulting to all.
func ParseFilterMode(s string) (FilterMode, error) {
	switch FilterMode(s) {
	case FilterAll, "":
		return FilterAll, nil
	case FilterErrors:
		return FilterErrors, nil
	case FilterValid:
		return FilterValid, nil
	default:
		return "", fmt.Errorf("unknown filter mode: %s", s)
	}
}

// FixKind names one of the deterministic bulk transforms.
type FixKind string

const (
	FixTrim              FixKind = "trim"
	FixTitleCaseNames    FixKind = "title-case-names"
	FixNormalizePhone    FixKind = "normalize-phone"
	FixUppercaseCategory FixKind = "uppercase-category"
	FixDefaultPriority   FixKind = "default-priority"
)

// FixKinds lists every supported bulk fix.
func FixKinds() []FixKind {
	return []FixKind{
		FixTrim, FixTitleCaseNames, FixNormalizePhone,
		FixUppercaseCategory, FixDefaultPriority,
	}
}

// RowValidation is the validation outcome for one row of the full set.
// Index is the position in the full row set, never in a filtered view.
type RowValidation struct {
	Index  int                 `json:"index"`
	Errors []schema.FieldError `json:"errors,omitempty"`
	Valid  bool                `json:"valid"`
}

// Stats summarizes a validation pass.
type Stats struct {
	Total   int `json:"total"`
	Valid   int `json:"valid"`
	Invalid int `json:"invalid"`
}

// Grid is the mutable row set of one import session. It is not safe for
// concurrent use; the owning session serializes access.
type Grid struct {
	headers []string
	rows    []map[string]string
	mapping mapping.Mapping
}

// New builds a grid over parsed rows. The rows are owned by the grid from
// this point on.
func New(headers []string, rows []map[string]string, m mapping.Mapping) *Grid {
	return &Grid{headers: headers, rows: rows, mapping: m}
}

// Headers returns the CSV header line the grid was built from.
func (g *Grid) Headers() []string { return g.headers }

// Mapping returns the active column mapping.
func (g *Grid) Mapping() mapping.Mapping { return g.mapping }

// SetMapping replaces the active column mapping. Validation results are
// derived, so no invalidation is needed.
func (g *Grid) SetMapping(m mapping.Mapping) { g.mapping = m }

// RowCount returns the current number of rows.
func (g *Grid) RowCount() int { return len(g.rows) }

// Row returns the raw row at index.
func (g *Grid) Row(index int) (map[string]string, error) {
	if err := g.checkIndex(index); err != nil {
		return nil, err
	}
	return g.rows[index], nil
}

// ComputeValidation validates every row against the schema through the
// current mapping and returns one entry per row, in row order.
func (g *Grid) ComputeValidation() []RowValidation {
	out := make([]RowValidation, len(g.rows))
	for i, row := range g.rows {
		errs := schema.ValidateRow(g.mapping.Project(row), i)
		out[i] = RowValidation{Index: i, Errors: errs, Valid: len(errs) == 0}
	}
	return out
}

// Filter returns the validated rows matching mode. Indices refer to the
// full row set so that edits and deletes stay correct under filtering.
func (g *Grid) Filter(mode FilterMode) []RowValidation {
	all := g.ComputeValidation()
	if mode == FilterAll || mode == "" {
		return all
	}

	out := make([]RowValidation, 0, len(all))
	for _, rv := range all {
		if (mode == FilterValid) == rv.Valid {
			out = append(out, rv)
		}
	}
	return out
}

// StatsFor summarizes a validation pass.
func StatsFor(validations []RowValidation) Stats {
	s := Stats{Total: len(validations)}
	for _, rv := range validations {
		if rv.Valid {
			s.Valid++
		}
	}
	s.Invalid = s.Total - s.Valid
	return s
}

// EditCell replaces a single cell value, leaving the rest of the row
// untouched.
func (g *Grid) EditCell(index int, header, value string) error {
	if err := g.checkIndex(index); err != nil {
		return err
	}
	g.rows[index][header] = value
	return nil
}

// DeleteRow removes the row at index. All later rows shift down by one, so
// any row index the caller captured before the delete is stale.
func (g *Grid) DeleteRow(index int) error {
	if err := g.checkIndex(index); err != nil {
		return err
	}
	g.rows = append(g.rows[:index], g.rows[index+1:]...)
	return nil
}

// BulkFix applies one deterministic transform to every row, regardless of
// current validity or filter. Fixes never fail on cell content.
func (g *Grid) BulkFix(kind FixKind) error {
	switch kind {
	case FixTrim:
		g.eachCell(strings.TrimSpace)
	case FixTitleCaseNames:
		g.eachMapped(schema.FieldApplicantName, titleCaseName)
	case FixNormalizePhone:
		g.eachMapped(schema.FieldPhone, normalizePhoneValue)
	case FixUppercaseCategory:
		g.eachMapped(schema.FieldCategory, strings.ToUpper)
	case FixDefaultPriority:
		g.eachMapped(schema.FieldPriority, func(v string) string {
			if v == "" {
				return schema.DefaultPriority
			}
			return v
		})
	default:
		return fmt.Errorf("unknown bulk fix: %s", kind)
	}
	return nil
}

// Snapshot deep-copies the current rows for a submission pass, so edits to
// the live grid cannot corrupt an in-flight submission.
func (g *Grid) Snapshot() []map[string]string {
	out := make([]map[string]string, len(g.rows))
	for i, row := range g.rows {
		cp := make(map[string]string, len(row))
		for k, v := range row {
			cp[k] = v
		}
		out[i] = cp
	}
	return out
}

// eachCell applies fn to every cell of every row.
func (g *Grid) eachCell(fn func(string) string) {
	for _, row := range g.rows {
		for k, v := range row {
			row[k] = fn(v)
		}
	}
}

// eachMapped applies fn to the column mapped to fieldKey. No-op when the
// field is unmapped.
func (g *Grid) eachMapped(fieldKey string, fn func(string) string) {
	header := g.mapping.Header(fieldKey)
	if header == "" {
		return
	}
	for _, row := range g.rows {
		row[header] = fn(row[header])
	}
}

func (g *Grid) checkIndex(index int) error {
	if index < 0 || index >= len(g.rows) {
		return fmt.Errorf("row index %d out of range (0-%d)", index, len(g.rows)-1)
	}
	return nil
}

// titleCaseName lower-cases a name, capitalizes each whitespace-separated
// token, and collapses repeated whitespace. A fresh Caser per call: Casers
// carry state and are not safe to share.
func titleCaseName(v string) string {
	caser := cases.Title(language.English)
	tokens := strings.Fields(strings.ToLower(v))
	for i, tok := range tokens {
		tokens[i] = caser.String(tok)
	}
	return strings.Join(tokens, " ")
}

// normalizePhoneValue strips everything but digits from a phone number.
// A bare 10-digit number gets the default country code; anything else gets
// a leading + if it lacked one. Empty cells are left alone.
func normalizePhoneValue(v string) string {
	if v == "" {
		return v
	}
	hadPlus := strings.HasPrefix(v, "+")

	var b strings.Builder
	for _, r := range v {
		if r >= '0' && r <= '9' {
			b.WriteByte(byte(r))
		}
	}
	digits := b.String()

	if len(digits) == 10 && !hadPlus {
		return DefaultCountryCode + digits
	}
	return "+" + digits
}
