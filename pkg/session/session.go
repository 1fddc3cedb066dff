package session

import (
	"strings"
	"sync"
	"time"
)

type Role string

const (
	RoleAssistant Role = "assistant"
	RoleCaller    Role = "caller"
)

// UnknownCaller is recorded when the telephony side gave no caller identity.
const UnknownCaller = "unknown"

// Entry is one transcript line.
type Entry struct {
	Role Role
	Text string
}

// Session is the in-memory record of one phone call.
type Session struct {
	CallID  string
	Created time.Time

	mu         sync.Mutex
	caller     string
	opening    string
	openingSet bool
	transcript []Entry
}

func New(callID, caller, opening string) *Session {
	if strings.TrimSpace(caller) == "" {
		caller = UnknownCaller
	}
	return &Session{
		CallID:     callID,
		Created:    time.Now(),
		caller:     caller,
		opening:    opening,
		openingSet: strings.TrimSpace(opening) != "",
	}
}

func (s *Session) Caller() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caller
}

// SetCaller replaces an unknown caller identity; a known one is kept.
func (s *Session) SetCaller(caller string) {
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return
	}
	s.mu.Lock()
	if s.caller == UnknownCaller || s.caller == "" {
		s.caller = caller
	}
	s.mu.Unlock()
}

// TakeOpeningUtterance returns the greeting instruction once; later calls get false.
func (s *Session) TakeOpeningUtterance() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.openingSet {
		return "", false
	}
	out := s.opening
	s.opening = ""
	s.openingSet = false
	return out, true
}

func (s *Session) Append(role Role, text string) {
	s.mu.Lock()
	s.transcript = append(s.transcript, Entry{Role: role, Text: text})
	s.mu.Unlock()
}

// Transcript returns a copy of the entries in arrival order.
func (s *Session) Transcript() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// TranscriptText renders the transcript the way the call-ended webhook expects it.
func (s *Session) TranscriptText() string {
	var b strings.Builder
	for _, e := range s.Transcript() {
		switch e.Role {
		case RoleAssistant:
			b.WriteString("\nAgent: ")
		default:
			b.WriteString("\nUser: ")
		}
		b.WriteString(e.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// absorb appends the transcript recorded on other after s's own entries and
// fills in an unknown caller. The opening utterance is never carried over.
func (s *Session) absorb(other *Session) {
	if other == nil || other == s {
		return
	}
	other.mu.Lock()
	entries := other.transcript
	other.transcript = nil
	caller := other.caller
	other.mu.Unlock()

	s.mu.Lock()
	s.transcript = append(s.transcript, entries...)
	if (s.caller == UnknownCaller || s.caller == "") && caller != "" {
		s.caller = caller
	}
	s.mu.Unlock()
}
