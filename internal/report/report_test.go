package report

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/casedesk/importer/internal/mapping"
	"github.com/casedesk/importer/internal/schema"
	"github.com/casedesk/importer/internal/submit"
)

func sampleResult() *submit.Result {
	return &submit.Result{
		BatchID:     "batch-42",
		Total:       10,
		Successful:  8,
		Failed:      2,
		CompletedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Failures: []submit.Failure{
			{
				Row:    3,
				Reason: `Category must be TAX, LICENSE, or PERMIT`,
				Data: map[string]string{
					"ID":   "C-3",
					"Name": `Jane "JD" Doe`,
					"Cat":  "OTHER",
				},
			},
			{
				Row:    7,
				Reason: "Case ID is required",
				Data:   map[string]string{"Name": "John Roe"},
			},
		},
	}
}

func sampleMapping() mapping.Mapping {
	return mapping.Mapping{
		schema.FieldCaseID:        "ID",
		schema.FieldApplicantName: "Name",
		schema.FieldCategory:      "Cat",
	}
}

func TestErrorCSV(t *testing.T) {
	csv := ErrorCSV(sampleResult(), sampleMapping())
	lines := strings.Split(csv, "\n")

	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), csv)
	}

	wantHeader := "Row,Error,Case ID,Applicant Name,Date of Birth,Email,Phone,Category,Priority"
	if lines[0] != wantHeader {
		t.Errorf("header = %q, want %q", lines[0], wantHeader)
	}

	if !strings.HasPrefix(lines[1], `3,"Category must be TAX, LICENSE, or PERMIT","C-3"`) {
		t.Errorf("line 1 = %q", lines[1])
	}
	// Internal quotes are doubled.
	if !strings.Contains(lines[1], `"Jane ""JD"" Doe"`) {
		t.Errorf("line 1 missing escaped name: %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], `7,"Case ID is required","","John Roe"`) {
		t.Errorf("line 2 = %q", lines[2])
	}
}

func TestErrorCSV_NoFailures(t *testing.T) {
	res := &submit.Result{BatchID: "b", Total: 5, Successful: 5}
	csv := ErrorCSV(res, sampleMapping())
	if strings.Count(csv, "\n") != 0 {
		t.Errorf("expected header only, got:\n%s", csv)
	}
}

func TestReportJSON(t *testing.T) {
	data, err := JSON(sampleResult())
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}

	var got Report
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("report does not round-trip: %v", err)
	}

	if got.Summary.BatchID != "batch-42" {
		t.Errorf("batchId = %q", got.Summary.BatchID)
	}
	if got.Summary.SuccessRate != "80%" {
		t.Errorf("successRate = %q, want 80%%", got.Summary.SuccessRate)
	}
	if len(got.Failures) != 2 || got.Failures[0].Row != 3 || got.Failures[1].Reason != "Case ID is required" {
		t.Errorf("failures = %v", got.Failures)
	}
}

func TestSuccessRate(t *testing.T) {
	tests := []struct {
		successful, total int
		want              string
	}{
		{0, 0, "0%"},
		{10, 10, "100%"},
		{9, 10, "90%"},
		{1, 3, "33%"},
		{2, 3, "67%"},
	}
	for _, tt := range tests {
		if got := successRate(tt.successful, tt.total); got != tt.want {
			t.Errorf("successRate(%d, %d) = %q, want %q", tt.successful, tt.total, got, tt.want)
		}
	}
}
