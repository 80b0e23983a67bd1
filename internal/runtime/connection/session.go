package connection

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the connection state of the session.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Draining
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Draining:
		return "draining"
	}
	return "unknown"
}

// Session is the process-wide view of the platform session. The auth token
// is read by many goroutines and written by the dispatcher when a token
// frame arrives, so it sits behind a read/write lock.
type Session struct {
	state         atomic.Int32
	stopRequested atomic.Bool
	reconnects    atomic.Int64

	mu          sync.RWMutex
	token       string
	connectedAt time.Time
	lastError   error
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
	if state == Connected {
		s.mu.Lock()
		s.connectedAt = time.Now()
		s.mu.Unlock()
	}
}

// Token returns the last token received from the platform, or "".
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SetToken replaces the token.
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// RequestStop marks the session as stopping; loss notifications are ignored
// from here on.
func (s *Session) RequestStop() {
	s.stopRequested.Store(true)
}

// StopRequested reports whether a stop was requested since the last Run.
func (s *Session) StopRequested() bool {
	return s.stopRequested.Load()
}

// Reconnects counts sessions re-established after an unexpected loss.
func (s *Session) Reconnects() int64 {
	return s.reconnects.Load()
}

func (s *Session) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = err
}

// Info is a point-in-time copy of the session for status reporting.
type Info struct {
	State         string    `json:"state"`
	ConnectedAt   time.Time `json:"connectedAt,omitempty"`
	Reconnects    int64     `json:"reconnects"`
	HasToken      bool      `json:"hasToken"`
	StopRequested bool      `json:"stopRequested"`
	LastError     string    `json:"lastError,omitempty"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := Info{
		State:         s.State().String(),
		Reconnects:    s.Reconnects(),
		HasToken:      s.token != "",
		StopRequested: s.StopRequested(),
	}
	if s.State() == Connected {
		info.ConnectedAt = s.connectedAt
	}
	if s.lastError != nil {
		info.LastError = s.lastError.Error()
	}
	return info
}
