// Package storage contains implementation independent datastore logic
package storage

import (
	"errors"
	"time"
)

// ErrNotExist indicates the requested message does not exist
var ErrNotExist = errors.New("message does not exist")

// Message is the stored form of one received email.
type Message struct {
	ID         int64
	Sender     string
	Recipients []string
	Subject    string
	Source     []byte
	Size       int64
	Type       string
	CreatedAt  time.Time
}

// Part is one MIME part of a stored message. Non-MIME messages are stored
// with a single implicit part holding the entire body.
type Part struct {
	ID           int64
	MessageID    int64
	CID          string
	Type         string
	IsAttachment bool
	Filename     string
	Charset      string
	Body         []byte
	Size         int64
}

// TranscriptEntry is a single protocol event captured during an SMTP
// session, in the order it occurred.
type TranscriptEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Direction string    `json:"direction"`
	Text      string    `json:"text"`
}

// Transcript is the persisted protocol log of one SMTP connection.
// MessageID refers to the last message completed during the session and is
// nil when the client disconnected without finishing one.
type Transcript struct {
	ID          int64
	MessageID   *int64
	SessionID   string
	ClientIP    string
	ClientPort  int
	ServerIP    string
	ServerPort  int
	TLSEnabled  bool
	TLSProtocol string
	TLSCipher   string
	StartedAt   time.Time
	EndedAt     time.Time
	Entries     []TranscriptEntry
}

// LiveConnection records the lifetime of one websocket viewer.
type LiveConnection struct {
	ID        int64
	SessionID string
	ClientIP  string
	OpenedAt  time.Time
	ClosedAt  *time.Time
	PingCount int64
	PongCount int64
	LastPing  *time.Time
	LastPong  *time.Time
}

// SearchQuery holds the optional message search filters. Filters combine
// conjunctively; the zero value matches every message.
type SearchQuery struct {
	Text           string
	HasAttachments bool
	From           *time.Time
	To             *time.Time
}

// Store is the interface the protocol and web layers use to access
// messages, parts, transcripts and live connection records.
type Store interface {
	// AddMessage stores a message with its parts, returning the new ID.
	AddMessage(m *Message, parts []*Part) (int64, error)
	// Messages lists metadata for all messages, oldest first. Source is not
	// populated; use MessageSource.
	Messages() ([]*Message, error)
	// Message retrieves metadata for a single message.
	Message(id int64) (*Message, error)
	// MessageSource retrieves the raw source of a message.
	MessageSource(id int64) ([]byte, error)
	// MessageParts lists all MIME parts of a message.
	MessageParts(id int64) ([]*Part, error)
	// MessageAttachments lists only the attachment parts of a message.
	MessageAttachments(id int64) ([]*Part, error)
	// Search lists metadata for messages matching the query, oldest first.
	Search(q SearchQuery) ([]*Message, error)
	// DeleteMessage removes a message, its parts and its transcripts.
	DeleteMessage(id int64) error
	// DeleteAll removes every message, part and transcript.
	DeleteAll() error
	// TrimToLimit removes the oldest messages until no more than limit
	// remain, returning the IDs removed.
	TrimToLimit(limit int) ([]int64, error)
	// AddTranscript stores a completed session transcript.
	AddTranscript(t *Transcript) error
	// TranscriptForMessage retrieves the newest transcript linked to the
	// given message.
	TranscriptForMessage(messageID int64) (*Transcript, error)
	// Transcripts lists all transcripts, oldest first, orphans included.
	Transcripts() ([]*Transcript, error)
	// CreateLiveConnection records a new websocket viewer.
	CreateLiveConnection(sessionID, clientIP string) error
	// CloseLiveConnection marks a websocket viewer as closed.
	CloseLiveConnection(sessionID string) error
	// RecordPing increments the ping counter for a live connection.
	RecordPing(sessionID string) error
	// RecordPong increments the pong counter for a live connection.
	RecordPong(sessionID string) error
	// Close releases the underlying database.
	Close() error
}
