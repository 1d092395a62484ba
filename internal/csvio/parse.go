package csvio

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Parse errors.
var (
	ErrEmptyFile  = errors.New("file contains no data")
	ErrNoHeaders  = errors.New("header line is empty")
	ErrOnlyHeader = errors.New("file contains a header but no data rows")
)

// candidate delimiters, in tie-break order.
var delimiters = []rune{',', ';', '\t', '|'}

// Document is a fully parsed CSV file: the header line plus every data row
// keyed by header. Cell values are plain strings; all typing happens later
// in validation.
type Document struct {
	Headers   []string
	Rows      []map[string]string
	Delimiter rune
}

// RowCount returns the number of data rows.
func (d *Document) RowCount() int {
	return len(d.Rows)
}

// DetectDelimiter picks the delimiter used by a CSV sample: whichever of
// comma, semicolon, tab, or pipe occurs most often in the first line.
// Comma wins ties and empty input.
func DetectDelimiter(sample string) rune {
	firstLine, _, _ := strings.Cut(sample, "\n")

	best := ','
	bestCount := 0
	for _, d := range delimiters {
		if n := strings.Count(firstLine, string(d)); n > bestCount {
			best = d
			bestCount = n
		}
	}
	return best
}

// Parse reads an uploaded CSV stream into a Document. The stream is BOM-
// stripped and UTF-8-sanitized first, the delimiter is detected from the
// header line, and ragged rows are tolerated: missing cells become empty
// strings and surplus cells are dropped. Fully empty lines are skipped.
func Parse(r io.Reader) (*Document, error) {
	br := bufio.NewReader(sanitize(r))

	sample, err := peekSample(br)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(sample)) == 0 {
		return nil, ErrEmptyFile
	}
	delim := DetectDelimiter(sample)

	cr := csv.NewReader(br)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	headers, err := cr.Read()
	if err == io.EOF {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("reading header line: %w", err)
	}
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}
	if allEmpty(headers) {
		return nil, ErrNoHeaders
	}

	doc := &Document{Headers: headers, Delimiter: delim}
	for line := 2; ; line++ {
		cells, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing line %d: %w", line, err)
		}
		if allEmpty(cells) {
			continue
		}

		row := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(cells) {
				row[h] = cells[i]
			} else {
				row[h] = ""
			}
		}
		doc.Rows = append(doc.Rows, row)
	}

	if len(doc.Rows) == 0 {
		return nil, ErrOnlyHeader
	}
	return doc, nil
}

// ParseString parses CSV content already held in memory.
func ParseString(content string) (*Document, error) {
	return Parse(strings.NewReader(content))
}

// peekSample returns up to one buffer of the stream without consuming it,
// so the delimiter can be sniffed from the header line.
func peekSample(br *bufio.Reader) (string, error) {
	sample, err := br.Peek(br.Size())
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return "", fmt.Errorf("reading file: %w", err)
	}
	return string(sample), nil
}

func allEmpty(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
