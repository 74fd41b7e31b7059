package smtp

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mailsink/mailsink/pkg/message"
	"github.com/mailsink/mailsink/pkg/storage"
)

// Transcript entry types.
const (
	entryConnection = "connection"
	entryCommand    = "command"
	entryResponse   = "response"
	entryData       = "data"
	entryTLS        = "tls"
	entryError      = "error"
)

// Transcript entry directions.
const (
	dirClient = "client"
	dirServer = "server"
)

// transcriptRecorder buffers the protocol events of one SMTP connection in
// memory and writes them to the store exactly once, at connection teardown.
// It is used from a single session goroutine and needs no locking.
type transcriptRecorder struct {
	sessionID  string
	clientIP   string
	clientPort int
	serverIP   string
	serverPort int
	startedAt  time.Time
	tlsEnabled bool
	tlsProto   string
	tlsCipher  string
	entries    []storage.TranscriptEntry
	flushed    bool
}

// newTranscriptRecorder captures the connection endpoints and start time.
func newTranscriptRecorder(sessionID string, conn net.Conn) *transcriptRecorder {
	r := &transcriptRecorder{
		sessionID: sessionID,
		startedAt: time.Now(),
	}
	r.clientIP, r.clientPort = splitAddr(conn.RemoteAddr())
	r.serverIP, r.serverPort = splitAddr(conn.LocalAddr())
	return r
}

func splitAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// record appends one entry; entries keep the order they were recorded in.
func (r *transcriptRecorder) record(entryType, direction, text string) {
	r.entries = append(r.entries, storage.TranscriptEntry{
		Timestamp: time.Now().Truncate(time.Millisecond),
		Type:      entryType,
		Direction: direction,
		Text:      text,
	})
}

// recordTLS notes the negotiated TLS parameters for the remainder of the
// session.
func (r *transcriptRecorder) recordTLS(state tls.ConnectionState) {
	r.tlsEnabled = true
	r.tlsProto = tls.VersionName(state.Version)
	r.tlsCipher = tls.CipherSuiteName(state.CipherSuite)
	r.record(entryTLS, dirServer,
		fmt.Sprintf("TLS negotiated: %v %v", r.tlsProto, r.tlsCipher))
}

// flush persists the transcript. messageID links the transcript to the last
// message completed during the session; nil leaves it an orphan. Storage
// failures are logged, the session outcome does not depend on them. Repeat
// calls are ignored.
func (r *transcriptRecorder) flush(manager message.Manager, messageID *int64) {
	if r.flushed {
		return
	}
	r.flushed = true
	t := &storage.Transcript{
		MessageID:   messageID,
		SessionID:   r.sessionID,
		ClientIP:    r.clientIP,
		ClientPort:  r.clientPort,
		ServerIP:    r.serverIP,
		ServerPort:  r.serverPort,
		TLSEnabled:  r.tlsEnabled,
		TLSProtocol: r.tlsProto,
		TLSCipher:   r.tlsCipher,
		StartedAt:   r.startedAt,
		EndedAt:     time.Now(),
		Entries:     r.entries,
	}
	if err := manager.AddTranscript(t); err != nil {
		log.Error().Str("module", "smtp").Str("session", r.sessionID).Err(err).
			Msg("Failed to store session transcript")
	}
}
