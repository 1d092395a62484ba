package core

// errors.go maps technical errors to user-facing messages with support
// codes. When a user reports a code, support can find the matching pattern
// here without digging through logs first.
//
// Patterns are matched case-insensitively with strings.Contains; the first
// match wins, so specific patterns come before general ones.

import (
	"fmt"
	"strings"
)

// UserMessage is the user-facing rendition of an internal error.
type UserMessage struct {
	Message string // what happened
	Action  string // what the user can do about it
	Code    string // support reference
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// Session lifecycle
	{"import session not found", UserMessage{
		Message: "Import session not found",
		Action:  "The session may have expired, please start a new import",
		Code:    "IMP001",
	}},
	{"too many concurrent imports", UserMessage{
		Message: "Too many imports in progress",
		Action:  "Please wait a moment and try again",
		Code:    "IMP002",
	}},
	{"a submission pass is already running", UserMessage{
		Message: "This import is already being submitted",
		Action:  "Wait for the current submission to finish",
		Code:    "IMP003",
	}},

	// Submission preconditions
	{"not authenticated", UserMessage{
		Message: "You are not signed in to the case store",
		Action:  "Check your API key and try again",
		Code:    "SUB001",
	}},
	{"required fields are not mapped", UserMessage{
		Message: "Required columns are not mapped yet",
		Action:  "Map every required field before submitting",
		Code:    "SUB002",
	}},
	{"no rows to submit", UserMessage{
		Message: "There is nothing to submit",
		Action:  "Upload a CSV with at least one data row",
		Code:    "SUB003",
	}},
	{"no retryable failures", UserMessage{
		Message: "No failed rows can be retried",
		Action:  "All remaining failures lost their original data",
		Code:    "SUB004",
	}},

	// File handling
	{"file contains no data", UserMessage{
		Message: "The uploaded file is empty",
		Action:  "Upload a CSV file with a header and data rows",
		Code:    "FILE001",
	}},
	{"header but no data rows", UserMessage{
		Message: "The file has headers but no rows",
		Action:  "Add at least one data row below the header line",
		Code:    "FILE002",
	}},
	{"header line is empty", UserMessage{
		Message: "The file's header line is empty",
		Action:  "The first line must name the columns",
		Code:    "FILE003",
	}},

	// Cancellation and timeouts
	{"submission canceled", UserMessage{
		Message: "The submission was canceled",
		Action:  "Start a new submission when ready",
		Code:    "SUB005",
	}},
	{"context deadline exceeded", UserMessage{
		Message: "The operation timed out",
		Action:  "Try a smaller file or try again later",
		Code:    "SUB006",
	}},

	// Store connectivity
	{"connection refused", UserMessage{
		Message: "Unable to reach the case store",
		Action:  "Please try again in a few moments",
		Code:    "DB001",
	}},
}

// MapError converts any error into a UserMessage. Unmatched errors get the
// generic fallback with code ERR000; the original error stays in the logs.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	lower := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(lower, ep.pattern) {
			return ep.msg
		}
	}
	return UserMessage{
		Message: "An unexpected error occurred",
		Action:  "Please try again or contact support",
		Code:    "ERR000",
	}
}

// FormatUserError renders a UserMessage as a single line for plain-text
// surfaces.
func FormatUserError(um UserMessage) string {
	return fmt.Sprintf("%s. %s [%s]", um.Message, um.Action, um.Code)
}
