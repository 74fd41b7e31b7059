package sqlite

import (
	"time"

	"github.com/uptrace/bun"
)

// message is the bun model for a stored email.
type message struct {
	bun.BaseModel `bun:"table:message"`

	ID         int64     `bun:"id,pk,autoincrement"`
	Sender     string    `bun:"sender"`
	Recipients string    `bun:"recipients"` // JSON array of addresses
	Subject    string    `bun:"subject"`
	Source     []byte    `bun:"source"`
	Size       int64     `bun:"size,notnull"`
	Type       string    `bun:"type"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
}

// messagePart is the bun model for one MIME part of a message. Parts are
// removed by the database when their message is deleted.
type messagePart struct {
	bun.BaseModel `bun:"table:message_part"`

	ID           int64    `bun:"id,pk,autoincrement"`
	MessageID    int64    `bun:"message_id,notnull"`
	Message      *message `bun:"rel:belongs-to,join:message_id=id,on_delete:cascade"`
	CID          string   `bun:"cid"`
	Type         string   `bun:"type"`
	IsAttachment bool     `bun:"is_attachment,notnull"`
	Filename     string   `bun:"filename"`
	Charset      string   `bun:"charset"`
	Body         []byte   `bun:"body"`
	Size         int64    `bun:"size,notnull"`
}

// smtpTranscript is the bun model for one SMTP session protocol log.
// MessageID is nullable so transcripts of sessions that never completed a
// message survive as orphans.
type smtpTranscript struct {
	bun.BaseModel `bun:"table:smtp_transcript"`

	ID          int64     `bun:"id,pk,autoincrement"`
	MessageID   *int64    `bun:"message_id"`
	Message     *message  `bun:"rel:belongs-to,join:message_id=id,on_delete:cascade"`
	SessionID   string    `bun:"session_id,notnull"`
	ClientIP    string    `bun:"client_ip"`
	ClientPort  int       `bun:"client_port"`
	ServerIP    string    `bun:"server_ip"`
	ServerPort  int       `bun:"server_port"`
	TLSEnabled  bool      `bun:"tls_enabled,notnull"`
	TLSProtocol string    `bun:"tls_protocol"`
	TLSCipher   string    `bun:"tls_cipher"`
	StartedAt   time.Time `bun:"started_at,notnull"`
	EndedAt     time.Time `bun:"ended_at,notnull"`
	Entries     string    `bun:"entries"` // JSON array of transcript entries
	CreatedAt   time.Time `bun:"created_at,notnull"`
}

// liveConnection is the bun model for a websocket viewer record. Rows are
// never deleted; they serve as a connection history.
type liveConnection struct {
	bun.BaseModel `bun:"table:live_connection"`

	ID        int64      `bun:"id,pk,autoincrement"`
	SessionID string     `bun:"session_id,notnull,unique"`
	ClientIP  string     `bun:"client_ip"`
	OpenedAt  time.Time  `bun:"opened_at,notnull"`
	ClosedAt  *time.Time `bun:"closed_at"`
	PingCount int64      `bun:"ping_count,notnull"`
	PongCount int64      `bun:"pong_count,notnull"`
	LastPing  *time.Time `bun:"last_ping"`
	LastPong  *time.Time `bun:"last_pong"`
}
