// Package mapping assigns CSV headers to the logical case-schema fields.
//
// A Mapping is built once per import: AutoDetect seeds it from the CSV
// header row, then the user may override individual assignments. A header
// can be assigned to at most one field at a time; Set clears any previous
// field that held the header.
package mapping

import (
	"fmt"
	"sort"
	"strings"

	"github.com/casedesk/importer/internal/schema"
)

// Mapping maps logical field keys to CSV header names. Unmapped fields are
// absent (or hold the empty string, which means the same thing).
type Mapping map[string]string

// AutoDetect builds an initial mapping from the CSV headers. A header
// matches a field when, after lower-casing and stripping underscores and
// spaces from both sides, it equals the field key, or when it equals the
// field's display label case-insensitively. The first matching header wins
// and already-mapped fields are not reconsidered.
func AutoDetect(headers []string) Mapping {
	m := make(Mapping, len(schema.Fields()))
	for _, f := range schema.Fields() {
		for _, h := range headers {
			if canonical(h) == canonical(f.Key) || strings.EqualFold(h, f.Label) {
				m[f.Key] = h
				break
			}
		}
	}
	return m
}

// Set assigns a header to a field, replacing the field's previous
// assignment. Any other field currently holding the same header loses it:
// one header never backs two fields. Passing an empty header unmaps the
// field. Returns an error for keys outside the schema.
func (m Mapping) Set(fieldKey, header string) error {
	if _, ok := schema.FieldByKey(fieldKey); !ok {
		return fmt.Errorf("unknown field: %s", fieldKey)
	}

	if header == "" {
		delete(m, fieldKey)
		return nil
	}

	for key, h := range m {
		if h == header && key != fieldKey {
			delete(m, key)
		}
	}
	m[fieldKey] = header
	return nil
}

// Header returns the header mapped to a field, or "" when unmapped.
func (m Mapping) Header(fieldKey string) string {
	return m[fieldKey]
}

// Complete reports whether every required field has a non-empty header.
func (m Mapping) Complete() bool {
	return len(m.MissingRequired()) == 0
}

// MissingRequired returns the required field keys that have no header yet,
// in schema declaration order.
func (m Mapping) MissingRequired() []string {
	var missing []string
	for _, key := range schema.RequiredKeys() {
		if m[key] == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// Project converts one raw CSV row (header-keyed) to a field-keyed row.
// Unmapped fields are omitted; the validator treats them as empty.
func (m Mapping) Project(row map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for key, header := range m {
		if header == "" {
			continue
		}
		out[key] = row[header]
	}
	return out
}

// Clone returns an independent copy of the mapping.
func (m Mapping) Clone() Mapping {
	out := make(Mapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MappedCount returns the number of fields with a non-empty header.
func (m Mapping) MappedCount() int {
	n := 0
	for _, h := range m {
		if h != "" {
			n++
		}
	}
	return n
}

// String renders the mapping as "field=header" pairs in key order,
// for logs.
func (m Mapping) String() string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, " ")
}

// canonical lower-cases a name and strips underscores and spaces, so that
// "Case ID", "case_id" and "caseid" all compare equal.
func canonical(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", "")
	return strings.ReplaceAll(s, " ", "")
}
