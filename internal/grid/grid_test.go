package grid

import (
	"reflect"
	"testing"

	"github.com/casedesk/importer/internal/mapping"
	"github.com/casedesk/importer/internal/schema"
)

var testHeaders = []string{"case_id", "applicant_name", "dob", "email", "phone", "category", "priority"}

func identityMapping() mapping.Mapping {
	m := mapping.Mapping{}
	for _, key := range schema.FieldKeys() {
		m[key] = key
	}
	return m
}

func validRow(caseID string) map[string]string {
	return map[string]string{
		"case_id":        caseID,
		"applicant_name": "Jane Doe",
		"dob":            "1985-06-15",
		"email":          "jane@example.com",
		"phone":          "+14155552671",
		"category":       "TAX",
		"priority":       "HIGH",
	}
}

func newTestGrid(rows ...map[string]string) *Grid {
	return New(testHeaders, rows, identityMapping())
}

func TestComputeValidation(t *testing.T) {
	bad := validRow("C-2")
	bad["dob"] = "junk"
	g := newTestGrid(validRow("C-1"), bad, validRow("C-3"))

	vs := g.ComputeValidation()
	if len(vs) != 3 {
		t.Fatalf("got %d validations, want 3", len(vs))
	}
	if !vs[0].Valid || vs[1].Valid || !vs[2].Valid {
		t.Errorf("validity = [%v %v %v], want [true false true]", vs[0].Valid, vs[1].Valid, vs[2].Valid)
	}
	if vs[1].Index != 1 {
		t.Errorf("invalid row index = %d, want 1", vs[1].Index)
	}
	if len(vs[1].Errors) != 1 || vs[1].Errors[0].Message != schema.MsgDOBFormat {
		t.Errorf("errors = %v", vs[1].Errors)
	}
}

func TestFilter(t *testing.T) {
	bad := validRow("C-2")
	bad["case_id"] = ""
	g := newTestGrid(validRow("C-1"), bad, validRow("C-3"))

	errRows := g.Filter(FilterErrors)
	if len(errRows) != 1 || errRows[0].Index != 1 {
		t.Errorf("error filter = %v, want single entry with index 1", errRows)
	}

	validRows := g.Filter(FilterValid)
	if len(validRows) != 2 || validRows[0].Index != 0 || validRows[1].Index != 2 {
		t.Errorf("valid filter indices = %v, want [0 2]", validRows)
	}

	if got := g.Filter(FilterAll); len(got) != 3 {
		t.Errorf("all filter returned %d rows, want 3", len(got))
	}
}

func TestParseFilterMode(t *testing.T) {
	if m, err := ParseFilterMode(""); err != nil || m != FilterAll {
		t.Errorf("empty mode = %v, %v; want all, nil", m, err)
	}
	if _, err := ParseFilterMode("bogus"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestEditCell(t *testing.T) {
	g := newTestGrid(validRow("C-1"))

	if err := g.EditCell(0, "applicant_name", "John Roe"); err != nil {
		t.Fatalf("EditCell: %v", err)
	}
	row, _ := g.Row(0)
	if row["applicant_name"] != "John Roe" {
		t.Errorf("name = %q, want John Roe", row["applicant_name"])
	}
	if row["case_id"] != "C-1" {
		t.Error("edit touched an unrelated cell")
	}

	if err := g.EditCell(5, "applicant_name", "x"); err == nil {
		t.Error("expected out-of-range error")
	}
}

func TestDeleteRow_ShiftsIndices(t *testing.T) {
	g := newTestGrid(
		validRow("C-1"), validRow("C-2"), validRow("C-3"),
		validRow("C-4"), validRow("C-5"),
	)

	if err := g.DeleteRow(1); err != nil {
		t.Fatalf("DeleteRow: %v", err)
	}
	if g.RowCount() != 4 {
		t.Fatalf("row count = %d, want 4", g.RowCount())
	}

	wantIDs := []string{"C-1", "C-3", "C-4", "C-5"}
	for i, want := range wantIDs {
		row, _ := g.Row(i)
		if row["case_id"] != want {
			t.Errorf("row %d case_id = %q, want %q", i, row["case_id"], want)
		}
	}
}

func TestBulkFix_Trim(t *testing.T) {
	row := validRow("C-1")
	row["applicant_name"] = "  Jane Doe  "
	row["email"] = "\tjane@example.com "
	g := newTestGrid(row)

	if err := g.BulkFix(FixTrim); err != nil {
		t.Fatalf("BulkFix: %v", err)
	}
	got, _ := g.Row(0)
	if got["applicant_name"] != "Jane Doe" || got["email"] != "jane@example.com" {
		t.Errorf("after trim: %v", got)
	}

	// Idempotent: a second pass changes nothing.
	before := g.Snapshot()
	if err := g.BulkFix(FixTrim); err != nil {
		t.Fatalf("BulkFix: %v", err)
	}
	if !reflect.DeepEqual(g.Snapshot(), before) {
		t.Error("second trim pass changed the row set")
	}
}

func TestBulkFix_TitleCaseNames(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"jane doe", "Jane Doe"},
		{"JANE   DOE", "Jane Doe"},
		{"jAnE dOe", "Jane Doe"},
		{"", ""},
	}

	for _, tt := range tests {
		row := validRow("C-1")
		row["applicant_name"] = tt.in
		g := newTestGrid(row)

		if err := g.BulkFix(FixTitleCaseNames); err != nil {
			t.Fatalf("BulkFix: %v", err)
		}
		got, _ := g.Row(0)
		if got["applicant_name"] != tt.want {
			t.Errorf("titleCase(%q) = %q, want %q", tt.in, got["applicant_name"], tt.want)
		}
	}
}

func TestBulkFix_NormalizePhone(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"9876543210", "+19876543210"},          // bare 10 digits gets country code
		{"(987) 654-3210", "+19876543210"},      // punctuation stripped first
		{"+14155552671", "+14155552671"},        // already E.164
		{"4155552671x", "+14155552671"},         // stray letters dropped
		{"441632960961", "+441632960961"},       // 12 digits just gets a plus
		{"", ""},                                // empty left alone
	}

	for _, tt := range tests {
		row := validRow("C-1")
		row["phone"] = tt.in
		g := newTestGrid(row)

		if err := g.BulkFix(FixNormalizePhone); err != nil {
			t.Fatalf("BulkFix: %v", err)
		}
		got, _ := g.Row(0)
		if got["phone"] != tt.want {
			t.Errorf("normalizePhone(%q) = %q, want %q", tt.in, got["phone"], tt.want)
		}
	}
}

func TestBulkFix_UppercaseCategoryAndDefaultPriority(t *testing.T) {
	row := validRow("C-1")
	row["category"] = "tax"
	row["priority"] = ""
	g := newTestGrid(row, validRow("C-2"))

	if err := g.BulkFix(FixUppercaseCategory); err != nil {
		t.Fatalf("BulkFix: %v", err)
	}
	if err := g.BulkFix(FixDefaultPriority); err != nil {
		t.Fatalf("BulkFix: %v", err)
	}

	got, _ := g.Row(0)
	if got["category"] != "TAX" {
		t.Errorf("category = %q, want TAX", got["category"])
	}
	if got["priority"] != schema.DefaultPriority {
		t.Errorf("priority = %q, want %q", got["priority"], schema.DefaultPriority)
	}

	other, _ := g.Row(1)
	if other["priority"] != "HIGH" {
		t.Errorf("non-empty priority was overwritten: %q", other["priority"])
	}
}

func TestBulkFix_UnmappedFieldIsNoop(t *testing.T) {
	m := identityMapping()
	if err := m.Set(schema.FieldPhone, ""); err != nil {
		t.Fatal(err)
	}
	row := validRow("C-1")
	row["phone"] = "987 654 3210"
	g := New(testHeaders, []map[string]string{row}, m)

	if err := g.BulkFix(FixNormalizePhone); err != nil {
		t.Fatalf("BulkFix: %v", err)
	}
	got, _ := g.Row(0)
	if got["phone"] != "987 654 3210" {
		t.Errorf("unmapped phone column was modified: %q", got["phone"])
	}
}

func TestBulkFix_Unknown(t *testing.T) {
	g := newTestGrid(validRow("C-1"))
	if err := g.BulkFix("explode"); err == nil {
		t.Error("expected error for unknown fix kind")
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	g := newTestGrid(validRow("C-1"))
	snap := g.Snapshot()

	if err := g.EditCell(0, "case_id", "CHANGED"); err != nil {
		t.Fatal(err)
	}
	if snap[0]["case_id"] != "C-1" {
		t.Error("editing the grid mutated a snapshot")
	}
}

func TestStatsFor(t *testing.T) {
	bad := validRow("C-2")
	bad["category"] = "NOPE"
	g := newTestGrid(validRow("C-1"), bad)

	s := StatsFor(g.ComputeValidation())
	if s.Total != 2 || s.Valid != 1 || s.Invalid != 1 {
		t.Errorf("stats = %+v, want {2 1 1}", s)
	}
}
