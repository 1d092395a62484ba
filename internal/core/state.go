package core

// state.go serializes sessions so an import can survive a server restart.
// The snapshot carries the parsed rows, the mapping, and the latest
// result. Failed-row retry data is deliberately not serialized, so a
// restored session can download reports but not retry old failures.

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/casedesk/importer/internal/grid"
	"github.com/casedesk/importer/internal/mapping"
	"github.com/casedesk/importer/internal/submit"
)

// SessionState is the serialized form of a session.
type SessionState struct {
	ID        string              `json:"id"`
	FileName  string              `json:"fileName"`
	CreatedAt time.Time           `json:"createdAt"`
	Headers   []string            `json:"headers"`
	Rows      []map[string]string `json:"rows"`
	Mapping   mapping.Mapping     `json:"mapping"`
	Result    *submit.Result      `json:"result,omitempty"`
}

// Serialize snapshots a session. Fails while a submission pass is
// running: the snapshot would race the pass's result.
func (s *Service) Serialize(id string) ([]byte, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.submitting() {
		return nil, submit.ErrBusy
	}

	state := SessionState{
		ID:        sess.ID,
		FileName:  sess.FileName,
		CreatedAt: sess.CreatedAt,
		Headers:   sess.grid.Headers(),
		Rows:      sess.grid.Snapshot(),
		Mapping:   sess.grid.Mapping().Clone(),
		Result:    sess.result,
	}

	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("serializing session %s: %w", id, err)
	}
	return data, nil
}

// Restore registers a session from a snapshot, replacing any session with
// the same id.
func (s *Service) Restore(data []byte) (string, error) {
	var state SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return "", fmt.Errorf("decoding session snapshot: %w", err)
	}
	if state.ID == "" {
		return "", fmt.Errorf("session snapshot has no id")
	}

	sess := &Session{
		ID:        state.ID,
		FileName:  state.FileName,
		CreatedAt: state.CreatedAt,
		grid:      grid.New(state.Headers, state.Rows, state.Mapping),
		engine:    submit.New(s.store, s.cfg, s.log),
		result:    state.Result,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.log.Info("import session restored", "session_id", sess.ID, "rows", len(state.Rows))
	return sess.ID, nil
}
