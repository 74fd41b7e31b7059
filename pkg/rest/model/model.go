// Package model contains the JSON representations served by the REST API.
package model

import "time"

// JSONMessageHeader contains the metadata of one stored message.
type JSONMessageHeader struct {
	ID         int64     `json:"id"`
	Sender     string    `json:"sender"`
	Recipients []string  `json:"recipients"`
	Subject    string    `json:"subject"`
	Size       int64     `json:"size"`
	Type       string    `json:"type,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// JSONMessagePart describes one MIME part of a message. Body content is
// served as a string; binary parts are base64 encoded with the encoding
// noted.
type JSONMessagePart struct {
	ID           int64  `json:"id"`
	CID          string `json:"cid,omitempty"`
	Type         string `json:"type"`
	IsAttachment bool   `json:"is_attachment"`
	Filename     string `json:"filename,omitempty"`
	Charset      string `json:"charset,omitempty"`
	Body         string `json:"body"`
	Encoding     string `json:"encoding,omitempty"`
	Size         int64  `json:"size"`
}

// JSONTranscriptEntry is one protocol event of a session transcript.
type JSONTranscriptEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Direction string    `json:"direction"`
	Text      string    `json:"text"`
}

// JSONTranscript is the protocol log of one SMTP connection.
type JSONTranscript struct {
	ID          int64                 `json:"id"`
	MessageID   *int64                `json:"message_id"`
	SessionID   string                `json:"session_id"`
	ClientIP    string                `json:"client_ip"`
	ClientPort  int                   `json:"client_port"`
	ServerIP    string                `json:"server_ip"`
	ServerPort  int                   `json:"server_port"`
	TLSEnabled  bool                  `json:"tls_enabled"`
	TLSProtocol string                `json:"tls_protocol,omitempty"`
	TLSCipher   string                `json:"tls_cipher,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	EndedAt     time.Time             `json:"ended_at"`
	Entries     []JSONTranscriptEntry `json:"entries"`
}
