package submit

import (
	"encoding/json"
	"fmt"

	"github.com/zeebo/xxh3"
)

// archive is the bounded copy of a submitted dataset attached to its batch
// record for audit and debugging. Never load-bearing: a failure to build
// or store it does not change the submission outcome.
type archive struct {
	Sample    string // JSON array of raw rows
	Rows      int    // rows included in the sample
	Truncated bool   // true when ceilings dropped rows
	Checksum  string // xxh3 of the sample bytes, hex
}

// buildArchive serializes up to maxRows rows, then halves the row count
// until the serialized form fits under maxBytes. The checksum lets an
// auditor verify the stored sample was not altered after the fact.
func buildArchive(rows []map[string]string, maxRows, maxBytes int) (archive, error) {
	n := len(rows)
	if maxRows > 0 && n > maxRows {
		n = maxRows
	}

	var data []byte
	for {
		var err error
		data, err = json.Marshal(rows[:n])
		if err != nil {
			return archive{}, fmt.Errorf("serializing audit sample: %w", err)
		}
		if maxBytes <= 0 || len(data) <= maxBytes || n == 0 {
			break
		}
		n /= 2
	}

	return archive{
		Sample:    string(data),
		Rows:      n,
		Truncated: n < len(rows),
		Checksum:  fmt.Sprintf("%016x", xxh3.Hash(data)),
	}, nil
}
