package schema

// validate.go provides row-level validation against the case schema.
//
// Normalization runs before the field rules: category and priority are
// upper-cased, empty email/phone become absent, and a missing priority
// defaults to LOW. Validation then reports the first failing rule per
// field, in schema declaration order.
//
// All functions here are pure and safe for concurrent use.

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Validation error messages. These strings are part of the API surface:
// downstream error reports and the UI match on them verbatim.
const (
	MsgCaseIDRequired  = "Case ID is required"
	MsgNameTooShort    = "Applicant name must be at least 2 characters"
	MsgDOBFormat       = "Date of birth must be in YYYY-MM-DD format"
	MsgDOBRange        = "Date must be between 1900-01-01 and today"
	MsgEmailInvalid    = "Invalid email format"
	MsgPhoneInvalid    = "Invalid phone format (expected E.164)"
	MsgCategoryInvalid = "Category must be TAX, LICENSE, or PERMIT"
	MsgPriorityInvalid = "Priority must be LOW, MEDIUM, or HIGH"
)

var (
	dobRegex   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phoneRegex = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)

	// Characters stripped from phone numbers before the E.164 check.
	phoneStripper = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")
)

var minDOB = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)

// FieldError describes a single validation failure for one field of one row.
// Row is the 0-based index into the current row set.
type FieldError struct {
	Row     int    `json:"row"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Record is a normalized, logical-field-keyed case record. Optional fields
// that are absent are omitted from the map entirely.
type Record map[string]string

// Normalize applies schema defaults and coercions to a raw field-keyed row:
// category/priority upper-cased, priority defaulted to LOW, empty email and
// phone dropped. The input map is not modified.
func Normalize(raw map[string]string) Record {
	rec := make(Record, len(fields))
	for _, f := range fields {
		v, ok := raw[f.Key]
		switch f.Key {
		case FieldCategory:
			rec[f.Key] = strings.ToUpper(v)
		case FieldPriority:
			if v == "" {
				rec[f.Key] = DefaultPriority
			} else {
				rec[f.Key] = strings.ToUpper(v)
			}
		case FieldEmail, FieldPhone:
			if v != "" {
				rec[f.Key] = v
			}
		default:
			if ok {
				rec[f.Key] = v
			} else {
				rec[f.Key] = ""
			}
		}
	}
	return rec
}

// ValidateRow normalizes a raw field-keyed row and validates it, returning
// one FieldError per failing field in schema declaration order. A valid row
// yields an empty slice.
func ValidateRow(raw map[string]string, rowIndex int) []FieldError {
	rec := Normalize(raw)

	var errs []FieldError
	fail := func(field, msg string) {
		errs = append(errs, FieldError{Row: rowIndex, Field: field, Message: msg})
	}

	if rec[FieldCaseID] == "" {
		fail(FieldCaseID, MsgCaseIDRequired)
	}

	// Character count, not byte count: one-rune non-ASCII names are short.
	if utf8.RuneCountInString(rec[FieldApplicantName]) < 2 {
		fail(FieldApplicantName, MsgNameTooShort)
	}

	if dob := rec[FieldDOB]; !dobRegex.MatchString(dob) {
		fail(FieldDOB, MsgDOBFormat)
	} else if !dobInRange(dob) {
		fail(FieldDOB, MsgDOBRange)
	}

	if email, ok := rec[FieldEmail]; ok && !emailRegex.MatchString(email) {
		fail(FieldEmail, MsgEmailInvalid)
	}

	if phone, ok := rec[FieldPhone]; ok {
		if !phoneRegex.MatchString(phoneStripper.Replace(phone)) {
			fail(FieldPhone, MsgPhoneInvalid)
		}
	}

	if !contains(Categories, rec[FieldCategory]) {
		fail(FieldCategory, MsgCategoryInvalid)
	}

	if !contains(Priorities, rec[FieldPriority]) {
		fail(FieldPriority, MsgPriorityInvalid)
	}

	return errs
}

// TryNormalize returns the normalized record when the row passes every
// validation rule, or nil when any rule fails. The submission path uses
// this to decide whether a row may be written at all.
func TryNormalize(raw map[string]string) Record {
	if len(ValidateRow(raw, 0)) > 0 {
		return nil
	}
	return Normalize(raw)
}

// FirstErrorMessage returns the message of the first validation error for a
// raw row, or the empty string when the row is valid. Used by the store
// boundary to report a per-row rejection reason.
func FirstErrorMessage(raw map[string]string) string {
	errs := ValidateRow(raw, 0)
	if len(errs) == 0 {
		return ""
	}
	return errs[0].Message
}

// dobInRange reports whether a YYYY-MM-DD string parses to a real calendar
// date between 1900-01-01 and the end of the current day. Non-dates that
// happen to match the format shape (e.g. 2020-02-31) fail the range check,
// not the format check.
func dobInRange(s string) bool {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return false
	}
	now := time.Now().UTC()
	endOfToday := time.Date(now.Year(), now.Month(), now.Day(), 23, 59, 59, 0, time.UTC)
	return !t.Before(minDOB) && !t.After(endOfToday)
}

func contains(allowed []string, v string) bool {
	for _, a := range allowed {
		if a == v {
			return true
		}
	}
	return false
}
