package store

import "strings"

// reasonPattern maps a technical Postgres error fragment to the message
// shown next to a failed row. Matching is case-insensitive substring;
// first match wins, so specific patterns come before general ones.
type reasonPattern struct {
	pattern string
	message string
}

var reasonPatterns = []reasonPattern{
	{"duplicate key", "A case with this ID already exists in this batch"},
	{"violates unique", "A case with this ID already exists in this batch"},
	{"violates foreign key", "Referenced batch record does not exist"},
	{"value too long", "A field value exceeds the column size"},
	{"violates not-null", "A required field is missing"},
	{"connection refused", "Unable to reach the case store, please try again"},
	{"connection reset", "The case store connection was interrupted"},
	{"deadlock", "The case store was busy, please try again"},
	{"context deadline exceeded", "The write timed out"},
	{"context canceled", "The write was canceled"},
}

// friendlyReason converts a row-level insert error into the reason string
// surfaced in error reports. Unmatched errors fall through verbatim; the
// raw message is still more useful than a generic shrug.
func friendlyReason(err error) string {
	if err == nil {
		return ""
	}
	lower := strings.ToLower(err.Error())
	for _, rp := range reasonPatterns {
		if strings.Contains(lower, rp.pattern) {
			return rp.message
		}
	}
	return err.Error()
}
