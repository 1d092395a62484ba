// Package report derives the downloadable artifacts of a finished
// submission: the error CSV and the JSON import report. Both are pure
// functions over a submission result.
package report

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/casedesk/importer/internal/mapping"
	"github.com/casedesk/importer/internal/schema"
	"github.com/casedesk/importer/internal/submit"
)

// Summary is the header block of the JSON import report.
type Summary struct {
	BatchID     string    `json:"batchId"`
	CompletedAt time.Time `json:"completedAt"`
	Total       int       `json:"total"`
	Successful  int       `json:"successful"`
	Failed      int       `json:"failed"`
	SuccessRate string    `json:"successRate"`
}

// FailureEntry is one failed row in the JSON report.
type FailureEntry struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// Report is the JSON import report document.
type Report struct {
	Summary  Summary        `json:"summary"`
	Failures []FailureEntry `json:"failures"`
}

// Build assembles the report document from a submission result.
func Build(res *submit.Result) Report {
	failures := make([]FailureEntry, len(res.Failures))
	for i, f := range res.Failures {
		failures[i] = FailureEntry{Row: f.Row, Reason: f.Reason}
	}
	return Report{
		Summary: Summary{
			BatchID:     res.BatchID,
			CompletedAt: res.CompletedAt,
			Total:       res.Total,
			Successful:  res.Successful,
			Failed:      res.Failed,
			SuccessRate: successRate(res.Successful, res.Total),
		},
		Failures: failures,
	}
}

// JSON renders the import report, indented for human consumption.
func JSON(res *submit.Result) ([]byte, error) {
	data, err := json.MarshalIndent(Build(res), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("rendering import report: %w", err)
	}
	return data, nil
}

// ErrorCSV renders the failed rows as a CSV with header
// Row,Error,<one column per logical field>. The field columns carry the
// failing row's original values, read back through the column mapping.
// All text values are quoted with internal quotes doubled.
func ErrorCSV(res *submit.Result, m mapping.Mapping) string {
	fields := schema.Fields()

	header := make([]string, 0, len(fields)+2)
	header = append(header, "Row", "Error")
	for _, f := range fields {
		header = append(header, f.Label)
	}

	lines := make([]string, 0, len(res.Failures)+1)
	lines = append(lines, strings.Join(header, ","))

	for _, fail := range res.Failures {
		projected := m.Project(fail.Data)

		cells := make([]string, 0, len(fields)+2)
		cells = append(cells, strconv.Itoa(fail.Row), quote(fail.Reason))
		for _, f := range fields {
			cells = append(cells, quote(projected[f.Key]))
		}
		lines = append(lines, strings.Join(cells, ","))
	}
	return strings.Join(lines, "\n")
}

// successRate formats successful/total as a whole percentage, "0%" for an
// empty total.
func successRate(successful, total int) string {
	if total == 0 {
		return "0%"
	}
	pct := math.Round(float64(successful) / float64(total) * 100)
	return strconv.Itoa(int(pct)) + "%"
}

// quote wraps a value in double quotes, doubling internal quotes.
func quote(v string) string {
	return `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
}
