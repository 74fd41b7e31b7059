// Package message sits between the protocol servers and the store,
// parsing incoming mail and publishing change events.
package message

import (
	"bytes"
	"time"

	"github.com/jhillyerd/enmime/v2"
	"github.com/rs/zerolog/log"

	"github.com/mailsink/mailsink/pkg/msgbus"
	"github.com/mailsink/mailsink/pkg/storage"
)

// Manager is the interface controllers and servers use to interact with
// messages and transcripts.
type Manager interface {
	Deliver(sender string, recipients []string, source []byte) (int64, error)
	List() ([]*storage.Message, error)
	Get(id int64) (*storage.Message, error)
	Source(id int64) ([]byte, error)
	Parts(id int64) ([]*storage.Part, error)
	Attachments(id int64) ([]*storage.Part, error)
	Search(q storage.SearchQuery) ([]*storage.Message, error)
	Remove(id int64) error
	Purge() error
	AddTranscript(t *storage.Transcript) error
	Transcript(messageID int64) (*storage.Transcript, error)
	Transcripts() ([]*storage.Transcript, error)
	CreateLiveConnection(sessionID, clientIP string) error
	CloseLiveConnection(sessionID string) error
	RecordPing(sessionID string) error
	RecordPong(sessionID string) error
}

// StoreManager is a message Manager backed by the storage.Store.
type StoreManager struct {
	Store storage.Store
	Bus   *msgbus.Bus

	// MessagesLimit caps the number of retained messages; zero disables.
	MessagesLimit int
}

// Deliver submits a new message to the store and publishes an add event.
// The SMTP reply does not wait on event delivery; publication is queued on
// the bus. When a message cap is set, the oldest messages are trimmed and
// remove events published for them.
func (s *StoreManager) Deliver(sender string, recipients []string, source []byte) (int64, error) {
	m := &storage.Message{
		Sender:     sender,
		Recipients: recipients,
		Subject:    "",
		Source:     source,
		Size:       int64(len(source)),
		Type:       "text/plain",
		CreatedAt:  time.Now(),
	}
	var parts []*storage.Part
	env, err := enmime.ReadEnvelope(bytes.NewReader(source))
	if err != nil {
		// An unparseable message is still stored; its whole source becomes
		// the single implicit part.
		log.Warn().Str("module", "message").Err(err).Msg("Failed to parse message")
	} else {
		m.Subject = env.GetHeader("Subject")
		if env.Root != nil && env.Root.ContentType != "" {
			m.Type = env.Root.ContentType
		}
		parts = makeParts(env)
	}
	if len(parts) == 0 {
		parts = []*storage.Part{
			{
				Type: m.Type,
				Body: source,
				Size: int64(len(source)),
			},
		}
	}
	id, err := s.Store.AddMessage(m, parts)
	if err != nil {
		return 0, err
	}
	log.Debug().Str("module", "message").Int64("id", id).
		Str("sender", sender).Msg("Delivered message")
	if s.Bus != nil {
		s.Bus.Publish(msgbus.Event{
			Type: msgbus.EventAdd,
			Message: &msgbus.MessageMeta{
				ID:         id,
				Sender:     m.Sender,
				Recipients: m.Recipients,
				Subject:    m.Subject,
				Size:       m.Size,
				Type:       m.Type,
				CreatedAt:  m.CreatedAt,
			},
		})
	}
	s.trim()
	return id, nil
}

// trim enforces MessagesLimit, publishing a remove event per evicted
// message. Trim failures are logged, not returned; the triggering delivery
// already succeeded.
func (s *StoreManager) trim() {
	if s.MessagesLimit <= 0 {
		return
	}
	removed, err := s.Store.TrimToLimit(s.MessagesLimit)
	if err != nil {
		log.Error().Str("module", "message").Err(err).Msg("Failed to trim messages")
		return
	}
	if s.Bus != nil {
		for _, id := range removed {
			s.Bus.Publish(msgbus.Event{Type: msgbus.EventRemove, ID: id})
		}
	}
}

// List returns metadata for all stored messages, oldest first.
func (s *StoreManager) List() ([]*storage.Message, error) {
	return s.Store.Messages()
}

// Get returns metadata for a single message.
func (s *StoreManager) Get(id int64) (*storage.Message, error) {
	return s.Store.Message(id)
}

// Source returns the raw source of a message.
func (s *StoreManager) Source(id int64) ([]byte, error) {
	return s.Store.MessageSource(id)
}

// Parts returns all MIME parts of a message.
func (s *StoreManager) Parts(id int64) ([]*storage.Part, error) {
	return s.Store.MessageParts(id)
}

// Attachments returns the attachment parts of a message.
func (s *StoreManager) Attachments(id int64) ([]*storage.Part, error) {
	return s.Store.MessageAttachments(id)
}

// Search returns metadata for messages matching the query.
func (s *StoreManager) Search(q storage.SearchQuery) ([]*storage.Message, error) {
	return s.Store.Search(q)
}

// Remove deletes the specified message and publishes a remove event.
func (s *StoreManager) Remove(id int64) error {
	if err := s.Store.DeleteMessage(id); err != nil {
		return err
	}
	if s.Bus != nil {
		s.Bus.Publish(msgbus.Event{Type: msgbus.EventRemove, ID: id})
	}
	return nil
}

// Purge removes all messages and transcripts and publishes a clear event.
func (s *StoreManager) Purge() error {
	if err := s.Store.DeleteAll(); err != nil {
		return err
	}
	if s.Bus != nil {
		s.Bus.Publish(msgbus.Event{Type: msgbus.EventClear})
	}
	return nil
}

// AddTranscript stores a completed session transcript.
func (s *StoreManager) AddTranscript(t *storage.Transcript) error {
	return s.Store.AddTranscript(t)
}

// Transcript returns the newest transcript linked to the given message.
func (s *StoreManager) Transcript(messageID int64) (*storage.Transcript, error) {
	return s.Store.TranscriptForMessage(messageID)
}

// Transcripts returns all stored transcripts, orphans included.
func (s *StoreManager) Transcripts() ([]*storage.Transcript, error) {
	return s.Store.Transcripts()
}

// CreateLiveConnection records a new websocket viewer.
func (s *StoreManager) CreateLiveConnection(sessionID, clientIP string) error {
	return s.Store.CreateLiveConnection(sessionID, clientIP)
}

// CloseLiveConnection marks a websocket viewer as closed.
func (s *StoreManager) CloseLiveConnection(sessionID string) error {
	return s.Store.CloseLiveConnection(sessionID)
}

// RecordPing increments the ping counter for a live connection.
func (s *StoreManager) RecordPing(sessionID string) error {
	return s.Store.RecordPing(sessionID)
}

// RecordPong increments the pong counter for a live connection.
func (s *StoreManager) RecordPong(sessionID string) error {
	return s.Store.RecordPong(sessionID)
}

// makeParts flattens the parsed envelope into storable parts. The readable
// text and HTML bodies come first, then inline and other parts, then
// attachments.
func makeParts(env *enmime.Envelope) []*storage.Part {
	var parts []*storage.Part
	add := func(p *enmime.Part, attachment bool) {
		ctype := p.ContentType
		if ctype == "" {
			ctype = "text/plain"
		}
		parts = append(parts, &storage.Part{
			CID:          p.ContentID,
			Type:         ctype,
			IsAttachment: attachment,
			Filename:     p.FileName,
			Charset:      p.Charset,
			Body:         p.Content,
			Size:         int64(len(p.Content)),
		})
	}
	if env.Text != "" {
		parts = append(parts, &storage.Part{
			Type: "text/plain",
			Body: []byte(env.Text),
			Size: int64(len(env.Text)),
		})
	}
	if env.HTML != "" {
		parts = append(parts, &storage.Part{
			Type: "text/html",
			Body: []byte(env.HTML),
			Size: int64(len(env.HTML)),
		})
	}
	for _, p := range env.Inlines {
		add(p, false)
	}
	for _, p := range env.OtherParts {
		add(p, false)
	}
	for _, p := range env.Attachments {
		add(p, true)
	}
	return parts
}
