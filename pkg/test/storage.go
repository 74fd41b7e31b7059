// Package test provides test doubles shared by Mailsink's unit tests.
package test

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/mailsink/mailsink/pkg/storage"
)

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// StoreStub is an in-memory storage.Store for testing. Methods can be made
// to fail by setting the corresponding error field.
type StoreStub struct {
	sync.Mutex

	AddMessageError    error
	AddTranscriptError error

	messages    []*storage.Message
	parts       map[int64][]*storage.Part
	transcripts []*storage.Transcript
	liveConns   map[string]*storage.LiveConnection
	nextID      int64
}

var _ storage.Store = &StoreStub{}

// NewStore creates a new StoreStub.
func NewStore() *StoreStub {
	return &StoreStub{
		parts:     make(map[int64][]*storage.Part),
		liveConns: make(map[string]*storage.LiveConnection),
	}
}

// AddMessage stores a message with its parts.
func (s *StoreStub) AddMessage(m *storage.Message, parts []*storage.Part) (int64, error) {
	s.Lock()
	defer s.Unlock()
	if s.AddMessageError != nil {
		return 0, s.AddMessageError
	}
	s.nextID++
	m.ID = s.nextID
	s.messages = append(s.messages, m)
	for _, p := range parts {
		p.MessageID = m.ID
	}
	s.parts[m.ID] = parts
	return m.ID, nil
}

// Messages lists all stored messages, oldest first.
func (s *StoreStub) Messages() ([]*storage.Message, error) {
	s.Lock()
	defer s.Unlock()
	out := make([]*storage.Message, len(s.messages))
	copy(out, s.messages)
	return out, nil
}

// Message retrieves a single message.
func (s *StoreStub) Message(id int64) (*storage.Message, error) {
	s.Lock()
	defer s.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, storage.ErrNotExist
}

// MessageSource retrieves the raw source of a message.
func (s *StoreStub) MessageSource(id int64) ([]byte, error) {
	m, err := s.Message(id)
	if err != nil {
		return nil, err
	}
	return m.Source, nil
}

// MessageParts lists all parts of a message.
func (s *StoreStub) MessageParts(id int64) ([]*storage.Part, error) {
	s.Lock()
	defer s.Unlock()
	return s.parts[id], nil
}

// MessageAttachments lists only the attachment parts of a message.
func (s *StoreStub) MessageAttachments(id int64) ([]*storage.Part, error) {
	s.Lock()
	defer s.Unlock()
	var out []*storage.Part
	for _, p := range s.parts[id] {
		if p.IsAttachment {
			out = append(out, p)
		}
	}
	return out, nil
}

// Search applies the query filters in memory.
func (s *StoreStub) Search(q storage.SearchQuery) ([]*storage.Message, error) {
	s.Lock()
	defer s.Unlock()
	var out []*storage.Message
	for _, m := range s.messages {
		if s.matches(m, q) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *StoreStub) matches(m *storage.Message, q storage.SearchQuery) bool {
	if q.From != nil && m.CreatedAt.Before(*q.From) {
		return false
	}
	if q.To != nil && m.CreatedAt.After(*q.To) {
		return false
	}
	if q.HasAttachments {
		found := false
		for _, p := range s.parts[m.ID] {
			if p.IsAttachment {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	if q.Text != "" {
		if !containsFold(m.Subject, q.Text) && !containsFold(m.Sender, q.Text) {
			found := false
			for _, r := range m.Recipients {
				if containsFold(r, q.Text) {
					found = true
				}
			}
			for _, p := range s.parts[m.ID] {
				if containsFold(string(p.Body), q.Text) {
					found = true
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

// DeleteMessage removes a message and its parts and transcripts.
func (s *StoreStub) DeleteMessage(id int64) error {
	s.Lock()
	defer s.Unlock()
	for i, m := range s.messages {
		if m.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			delete(s.parts, id)
			s.dropTranscriptsLocked(id)
			return nil
		}
	}
	return storage.ErrNotExist
}

func (s *StoreStub) dropTranscriptsLocked(messageID int64) {
	kept := s.transcripts[:0]
	for _, t := range s.transcripts {
		if t.MessageID == nil || *t.MessageID != messageID {
			kept = append(kept, t)
		}
	}
	s.transcripts = kept
}

// DeleteAll removes every message, part and transcript.
func (s *StoreStub) DeleteAll() error {
	s.Lock()
	defer s.Unlock()
	s.messages = nil
	s.parts = make(map[int64][]*storage.Part)
	s.transcripts = nil
	return nil
}

// TrimToLimit removes the oldest messages beyond limit.
func (s *StoreStub) TrimToLimit(limit int) ([]int64, error) {
	s.Lock()
	defer s.Unlock()
	if len(s.messages) <= limit {
		return nil, nil
	}
	excess := s.messages[:len(s.messages)-limit]
	ids := make([]int64, len(excess))
	for i, m := range excess {
		ids[i] = m.ID
		delete(s.parts, m.ID)
		s.dropTranscriptsLocked(m.ID)
	}
	s.messages = append([]*storage.Message{}, s.messages[len(excess):]...)
	return ids, nil
}

// AddTranscript stores a session transcript.
func (s *StoreStub) AddTranscript(t *storage.Transcript) error {
	s.Lock()
	defer s.Unlock()
	if s.AddTranscriptError != nil {
		return s.AddTranscriptError
	}
	s.nextID++
	t.ID = s.nextID
	s.transcripts = append(s.transcripts, t)
	return nil
}

// TranscriptForMessage retrieves the newest transcript linked to a message.
func (s *StoreStub) TranscriptForMessage(messageID int64) (*storage.Transcript, error) {
	s.Lock()
	defer s.Unlock()
	for i := len(s.transcripts) - 1; i >= 0; i-- {
		t := s.transcripts[i]
		if t.MessageID != nil && *t.MessageID == messageID {
			return t, nil
		}
	}
	return nil, storage.ErrNotExist
}

// Transcripts lists all transcripts, oldest first.
func (s *StoreStub) Transcripts() ([]*storage.Transcript, error) {
	s.Lock()
	defer s.Unlock()
	out := make([]*storage.Transcript, len(s.transcripts))
	copy(out, s.transcripts)
	return out, nil
}

// CreateLiveConnection records a websocket viewer.
func (s *StoreStub) CreateLiveConnection(sessionID, clientIP string) error {
	s.Lock()
	defer s.Unlock()
	s.nextID++
	s.liveConns[sessionID] = &storage.LiveConnection{
		ID:        s.nextID,
		SessionID: sessionID,
		ClientIP:  clientIP,
		OpenedAt:  time.Now(),
	}
	return nil
}

// CloseLiveConnection marks a websocket viewer as closed.
func (s *StoreStub) CloseLiveConnection(sessionID string) error {
	s.Lock()
	defer s.Unlock()
	lc, ok := s.liveConns[sessionID]
	if !ok {
		return errors.New("no such live connection")
	}
	now := time.Now()
	lc.ClosedAt = &now
	return nil
}

// RecordPing increments the ping counter.
func (s *StoreStub) RecordPing(sessionID string) error {
	s.Lock()
	defer s.Unlock()
	lc, ok := s.liveConns[sessionID]
	if !ok {
		return errors.New("no such live connection")
	}
	now := time.Now()
	lc.PingCount++
	lc.LastPing = &now
	return nil
}

// RecordPong increments the pong counter.
func (s *StoreStub) RecordPong(sessionID string) error {
	s.Lock()
	defer s.Unlock()
	lc, ok := s.liveConns[sessionID]
	if !ok {
		return errors.New("no such live connection")
	}
	now := time.Now()
	lc.PongCount++
	lc.LastPong = &now
	return nil
}

// LiveConnection returns the record of a websocket viewer.
func (s *StoreStub) LiveConnection(sessionID string) *storage.LiveConnection {
	s.Lock()
	defer s.Unlock()
	return s.liveConns[sessionID]
}

// LiveConnections returns copies of all websocket viewer records.
func (s *StoreStub) LiveConnections() []storage.LiveConnection {
	s.Lock()
	defer s.Unlock()
	out := make([]storage.LiveConnection, 0, len(s.liveConns))
	for _, lc := range s.liveConns {
		out = append(out, *lc)
	}
	return out
}

// Close is a no-op.
func (s *StoreStub) Close() error {
	return nil
}
