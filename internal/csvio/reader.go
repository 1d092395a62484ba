// Package csvio parses uploaded CSV files into in-memory documents for the
// import wizard. It tolerates the usual mess of real-world exports: UTF-8
// BOMs from Windows tooling, invalid byte sequences, ragged rows, and the
// four delimiters exports actually use (comma, semicolon, tab, pipe).
package csvio

import (
	"io"
	"unicode/utf8"
)

// bomReader strips a leading UTF-8 BOM (0xEF 0xBB 0xBF) if present.
// Bytes read during the probe that turn out not to be a BOM are replayed.
type bomReader struct {
	r       io.Reader
	checked bool
	held    []byte
	buf     [3]byte
}

func newBOMReader(r io.Reader) *bomReader {
	return &bomReader{r: r}
}

func (b *bomReader) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		n, err := io.ReadFull(b.r, b.buf[:])
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
		head := b.buf[:n]
		if n == 3 && head[0] == 0xEF && head[1] == 0xBB && head[2] == 0xBF {
			head = nil
		}
		b.held = head
		if len(b.held) == 0 && err == io.EOF {
			return 0, io.EOF
		}
	}

	if len(b.held) > 0 {
		n := copy(p, b.held)
		b.held = b.held[n:]
		return n, nil
	}
	return b.r.Read(p)
}

// sanitizeReader replaces invalid UTF-8 bytes with '?' as data streams
// through. A multi-byte sequence split across two reads is held back until
// the rest of it arrives, so valid runes are never mangled at buffer
// boundaries.
type sanitizeReader struct {
	r       io.Reader
	pending []byte
}

func newSanitizeReader(r io.Reader) *sanitizeReader {
	return &sanitizeReader{r: r, pending: make([]byte, 0, utf8.UTFMax)}
}

func (s *sanitizeReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	off := copy(p, s.pending)
	s.pending = s.pending[:0]

	n, err := s.r.Read(p[off:])
	n += off
	if n == 0 {
		return 0, err
	}

	if asciiOnly(p[:n]) {
		return n, err
	}
	return s.scrub(p[:n], err == io.EOF), err
}

// scrub rewrites data in place, replacing each invalid byte with '?'.
// Unless atEOF, an incomplete trailing sequence is saved for the next read.
// Returns the number of bytes now valid in data.
func (s *sanitizeReader) scrub(data []byte, atEOF bool) int {
	w := 0
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size <= 1 {
			if !atEOF && startsIncompleteRune(data[i:]) {
				s.pending = append(s.pending, data[i:]...)
				return w
			}
			data[w] = '?'
			w++
			i++
			continue
		}
		copy(data[w:], data[i:i+size])
		w += size
		i += size
	}
	return w
}

// startsIncompleteRune reports whether data is the prefix of a multi-byte
// UTF-8 sequence that has been cut short.
func startsIncompleteRune(data []byte) bool {
	if len(data) == 0 || data[0] < 0xC0 {
		return false
	}
	var want int
	switch {
	case data[0] < 0xE0:
		want = 2
	case data[0] < 0xF0:
		want = 3
	default:
		want = 4
	}
	if len(data) >= want {
		return false
	}
	for _, b := range data[1:] {
		if b&0xC0 != 0x80 {
			return false
		}
	}
	return true
}

func asciiOnly(data []byte) bool {
	for _, b := range data {
		if b >= 0x80 {
			return false
		}
	}
	return true
}

// sanitize wraps a raw upload stream with BOM skipping and UTF-8 scrubbing,
// in that order.
func sanitize(r io.Reader) io.Reader {
	return newSanitizeReader(newBOMReader(r))
}
