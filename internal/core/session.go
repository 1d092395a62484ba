// Package core owns the import session lifecycle: parsing an upload into
// a session, the mapping/validation/edit loop, and driving submission
// passes against the case store. It has no HTTP dependencies and can be
// used by any frontend.
package core

import (
	"sync"
	"time"

	"github.com/casedesk/importer/internal/grid"
	"github.com/casedesk/importer/internal/submit"
)

// Session is one in-flight import: a parsed CSV, its mapping and grid,
// and the submission state once a pass has started.
type Session struct {
	ID        string
	FileName  string
	CreatedAt time.Time

	mu        sync.Mutex
	grid      *grid.Grid
	engine    *submit.Engine
	cancel    func()
	done      chan struct{}
	result    *submit.Result
	submitErr error
	progress  submit.Progress

	listenerMu sync.Mutex
	listeners  []chan submit.Progress
}

// SessionStatus is a point-in-time snapshot of a session for the progress
// endpoint.
type SessionStatus struct {
	ID        string          `json:"id"`
	FileName  string          `json:"fileName"`
	CreatedAt time.Time       `json:"createdAt"`
	RowCount  int             `json:"rowCount"`
	State     submit.State    `json:"state"`
	Progress  submit.Progress `json:"progress"`
	Error     string          `json:"error,omitempty"`
	HasResult bool            `json:"hasResult"`
}

// status assembles a snapshot under the session lock.
func (s *Session) status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SessionStatus{
		ID:        s.ID,
		FileName:  s.FileName,
		CreatedAt: s.CreatedAt,
		RowCount:  s.grid.RowCount(),
		State:     s.engine.State(),
		Progress:  s.progress,
		HasResult: s.result != nil,
	}
	if s.submitErr != nil {
		st.Error = s.submitErr.Error()
	}
	return st
}

// submitting reports whether a pass is currently running.
// Caller holds s.mu.
func (s *Session) submitting() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// subscribe registers a progress listener. The returned func unsubscribes
// and closes the channel; always call it.
func (s *Session) subscribe() (<-chan submit.Progress, func()) {
	ch := make(chan submit.Progress, 8)

	s.listenerMu.Lock()
	s.listeners = append(s.listeners, ch)
	s.listenerMu.Unlock()

	unsubscribe := func() {
		s.listenerMu.Lock()
		defer s.listenerMu.Unlock()
		for i, c := range s.listeners {
			if c == ch {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsubscribe
}

// notifyProgress records the latest progress and fans it out. Slow
// listeners are skipped rather than blocking the chunk loop.
func (s *Session) notifyProgress(p submit.Progress) {
	s.mu.Lock()
	s.progress = p
	s.mu.Unlock()

	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	for _, ch := range s.listeners {
		select {
		case ch <- p:
		default:
		}
	}
}
