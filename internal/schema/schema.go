// Package schema defines the fixed case-record schema and row validation
// for CSV imports. This package has no UI or storage dependencies and can
// be used by any frontend.
package schema

// Field keys, in schema declaration order. Validation errors are always
// reported in this order.
const (
	FieldCaseID        = "case_id"
	FieldApplicantName = "applicant_name"
	FieldDOB           = "dob"
	FieldEmail         = "email"
	FieldPhone         = "phone"
	FieldCategory      = "category"
	FieldPriority      = "priority"
)

// Allowed enum values after upper-casing.
var (
	Categories = []string{"TAX", "LICENSE", "PERMIT"}
	Priorities = []string{"LOW", "MEDIUM", "HIGH"}
)

// DefaultPriority is applied when the priority cell is empty or absent.
const DefaultPriority = "LOW"

// Field describes one logical target field of the case schema.
type Field struct {
	Key         string // Stable identifier: "case_id"
	Label       string // Display name: "Case ID"
	Description string // Human description shown in the mapping UI
	Required    bool   // Must be mapped to a CSV header before submission
}

// fields is the fixed schema, in declaration order.
var fields = []Field{
	{Key: FieldCaseID, Label: "Case ID", Description: "Unique identifier for each case", Required: true},
	{Key: FieldApplicantName, Label: "Applicant Name", Description: "Full name of the applicant", Required: true},
	{Key: FieldDOB, Label: "Date of Birth", Description: "Format: YYYY-MM-DD", Required: true},
	{Key: FieldEmail, Label: "Email", Description: "Contact email address", Required: false},
	{Key: FieldPhone, Label: "Phone", Description: "Contact phone number", Required: false},
	{Key: FieldCategory, Label: "Category", Description: "Must be TAX, LICENSE, or PERMIT", Required: true},
	{Key: FieldPriority, Label: "Priority", Description: "Must be LOW, MEDIUM, or HIGH", Required: false},
}

// Fields returns the schema fields in declaration order.
// The returned slice must not be modified.
func Fields() []Field {
	return fields
}

// FieldKeys returns the field keys in declaration order.
func FieldKeys() []string {
	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = f.Key
	}
	return keys
}

// FieldByKey returns the field definition for a key.
// Returns false if the key is not part of the schema.
func FieldByKey(key string) (Field, bool) {
	for _, f := range fields {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

// RequiredKeys returns the keys of all required fields in declaration order.
func RequiredKeys() []string {
	var keys []string
	for _, f := range fields {
		if f.Required {
			keys = append(keys, f.Key)
		}
	}
	return keys
}
