// Package sqlite implements the datastore on SQLite, either in memory or
// backed by a database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/mailsink/mailsink/pkg/config"
	"github.com/mailsink/mailsink/pkg/storage"
)

// Store is a storage.Store backed by SQLite via bun.
type Store struct {
	db *bun.DB
}

var _ storage.Store = &Store{}

// New creates a Store per the provided configuration. Without persistence
// the database lives in memory and vanishes on exit.
func New(cfg config.Storage) (*Store, error) {
	dsn := "file::memory:?_foreign_keys=on"
	if cfg.Persistent {
		path := cfg.Path
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, errors.Wrap(err, "locating home directory")
			}
			path = filepath.Join(home, ".mailsink", "mailsink.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrapf(err, "creating database directory for %q", path)
		}
		dsn = "file:" + path + "?_foreign_keys=on"
	}
	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	// Writes are serialized on a single connection; SQLite does not benefit
	// from a larger pool and the in-memory database requires it.
	sqldb.SetMaxOpenConns(1)
	db := bun.NewDB(sqldb, sqlitedialect.New())
	s := &Store{db: db}
	if err := s.createSchema(context.Background()); err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createSchema(ctx context.Context) error {
	models := []interface{}{
		(*message)(nil),
		(*messagePart)(nil),
		(*smtpTranscript)(nil),
		(*liveConnection)(nil),
	}
	for _, m := range models {
		if _, err := s.db.NewCreateTable().
			Model(m).
			IfNotExists().
			WithForeignKeys().
			Exec(ctx); err != nil {
			return errors.Wrap(err, "creating schema")
		}
	}
	indexes := []struct {
		name, table, column string
	}{
		{"idx_message_created_at", "message", "created_at"},
		{"idx_message_part_message_id", "message_part", "message_id"},
		{"idx_smtp_transcript_message_id", "smtp_transcript", "message_id"},
	}
	for _, idx := range indexes {
		if _, err := s.db.NewCreateIndex().
			Table(idx.table).
			Index(idx.name).
			Column(idx.column).
			IfNotExists().
			Exec(ctx); err != nil {
			return errors.Wrapf(err, "creating index %v", idx.name)
		}
	}
	return nil
}

// AddMessage stores the message and its parts in a single transaction.
func (s *Store) AddMessage(m *storage.Message, parts []*storage.Part) (int64, error) {
	ctx := context.Background()
	recips, err := json.Marshal(m.Recipients)
	if err != nil {
		return 0, errors.Wrap(err, "encoding recipients")
	}
	row := &message{
		Sender:     m.Sender,
		Recipients: string(recips),
		Subject:    m.Subject,
		Source:     m.Source,
		Size:       m.Size,
		Type:       m.Type,
		CreatedAt:  m.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
			return errors.Wrap(err, "inserting message")
		}
		for _, p := range parts {
			prow := &messagePart{
				MessageID:    row.ID,
				CID:          p.CID,
				Type:         p.Type,
				IsAttachment: p.IsAttachment,
				Filename:     p.Filename,
				Charset:      p.Charset,
				Body:         p.Body,
				Size:         p.Size,
			}
			if _, err := tx.NewInsert().Model(prow).Exec(ctx); err != nil {
				return errors.Wrap(err, "inserting message part")
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	m.ID = row.ID
	m.CreatedAt = row.CreatedAt
	return row.ID, nil
}

// metaColumns are the message columns fetched for listings; source is
// omitted to keep list queries light.
const metaColumns = "id, sender, recipients, subject, size, type, created_at"

// Messages lists metadata for all messages, oldest first.
func (s *Store) Messages() ([]*storage.Message, error) {
	var rows []message
	err := s.db.NewSelect().
		Model(&rows).
		ColumnExpr(metaColumns).
		OrderExpr("created_at ASC, id ASC").
		Scan(context.Background())
	if err != nil {
		return nil, errors.Wrap(err, "listing messages")
	}
	return messagesFromRows(rows)
}

// Message retrieves metadata for a single message.
func (s *Store) Message(id int64) (*storage.Message, error) {
	row := &message{}
	err := s.db.NewSelect().
		Model(row).
		ColumnExpr(metaColumns).
		Where("id = ?", id).
		Scan(context.Background())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotExist
		}
		return nil, errors.Wrapf(err, "fetching message %v", id)
	}
	return messageFromRow(row)
}

// MessageSource retrieves the raw source of a message.
func (s *Store) MessageSource(id int64) ([]byte, error) {
	var source []byte
	err := s.db.NewSelect().
		Model((*message)(nil)).
		Column("source").
		Where("id = ?", id).
		Scan(context.Background(), &source)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotExist
		}
		return nil, errors.Wrapf(err, "fetching message %v source", id)
	}
	return source, nil
}

// MessageParts lists all MIME parts of a message.
func (s *Store) MessageParts(id int64) ([]*storage.Part, error) {
	return s.parts(id, false)
}

// MessageAttachments lists only the attachment parts of a message.
func (s *Store) MessageAttachments(id int64) ([]*storage.Part, error) {
	return s.parts(id, true)
}

func (s *Store) parts(id int64, attachmentsOnly bool) ([]*storage.Part, error) {
	var rows []messagePart
	q := s.db.NewSelect().
		Model(&rows).
		Where("message_id = ?", id).
		OrderExpr("id ASC")
	if attachmentsOnly {
		q = q.Where("is_attachment = ?", true)
	}
	if err := q.Scan(context.Background()); err != nil {
		return nil, errors.Wrapf(err, "listing parts of message %v", id)
	}
	parts := make([]*storage.Part, 0, len(rows))
	for i := range rows {
		r := &rows[i]
		parts = append(parts, &storage.Part{
			ID:           r.ID,
			MessageID:    r.MessageID,
			CID:          r.CID,
			Type:         r.Type,
			IsAttachment: r.IsAttachment,
			Filename:     r.Filename,
			Charset:      r.Charset,
			Body:         r.Body,
			Size:         r.Size,
		})
	}
	return parts, nil
}

// Search lists metadata for messages matching the query, oldest first.
// Filters are conjunctive; part data is joined only when a filter needs it.
func (s *Store) Search(q storage.SearchQuery) ([]*storage.Message, error) {
	var rows []message
	needsParts := q.Text != "" || q.HasAttachments
	sel := s.db.NewSelect().
		Model(&rows).
		ModelTableExpr("message AS m").
		ColumnExpr("DISTINCT m.id, m.sender, m.recipients, m.subject, m.size, m.type, m.created_at")
	if needsParts {
		sel = sel.Join("LEFT JOIN message_part AS p ON p.message_id = m.id")
	}
	if q.Text != "" {
		like := "%" + q.Text + "%"
		sel = sel.Where(
			"(m.subject LIKE ? OR m.sender LIKE ? OR m.recipients LIKE ? OR p.body LIKE ?)",
			like, like, like, like)
	}
	if q.HasAttachments {
		sel = sel.Where("p.is_attachment = ?", true)
	}
	if q.From != nil {
		sel = sel.Where("m.created_at >= ?", *q.From)
	}
	if q.To != nil {
		sel = sel.Where("m.created_at <= ?", *q.To)
	}
	err := sel.OrderExpr("m.created_at ASC, m.id ASC").Scan(context.Background())
	if err != nil {
		return nil, errors.Wrap(err, "searching messages")
	}
	return messagesFromRows(rows)
}

// DeleteMessage removes a message; parts and linked transcripts cascade.
func (s *Store) DeleteMessage(id int64) error {
	res, err := s.db.NewDelete().
		Model((*message)(nil)).
		Where("id = ?", id).
		Exec(context.Background())
	if err != nil {
		return errors.Wrapf(err, "deleting message %v", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotExist
	}
	return nil
}

// DeleteAll removes every message and transcript, orphans included. Live
// connection records are kept.
func (s *Store) DeleteAll() error {
	return s.db.RunInTx(context.Background(), nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*message)(nil)).
			Where("1 = 1").
			Exec(ctx); err != nil {
			return errors.Wrap(err, "deleting messages")
		}
		if _, err := tx.NewDelete().
			Model((*smtpTranscript)(nil)).
			Where("1 = 1").
			Exec(ctx); err != nil {
			return errors.Wrap(err, "deleting transcripts")
		}
		return nil
	})
}

// TrimToLimit removes the oldest messages until no more than limit remain.
func (s *Store) TrimToLimit(limit int) ([]int64, error) {
	ctx := context.Background()
	var ids []int64
	err := s.db.NewSelect().
		Model((*message)(nil)).
		Column("id").
		Where("id NOT IN (SELECT id FROM message ORDER BY created_at DESC, id DESC LIMIT ?)", limit).
		OrderExpr("created_at ASC, id ASC").
		Scan(ctx, &ids)
	if err != nil {
		return nil, errors.Wrap(err, "selecting excess messages")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := s.db.NewDelete().
		Model((*message)(nil)).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "trimming messages")
	}
	return ids, nil
}

// AddTranscript stores a completed session transcript.
func (s *Store) AddTranscript(t *storage.Transcript) error {
	entries, err := json.Marshal(t.Entries)
	if err != nil {
		return errors.Wrap(err, "encoding transcript entries")
	}
	row := &smtpTranscript{
		MessageID:   t.MessageID,
		SessionID:   t.SessionID,
		ClientIP:    t.ClientIP,
		ClientPort:  t.ClientPort,
		ServerIP:    t.ServerIP,
		ServerPort:  t.ServerPort,
		TLSEnabled:  t.TLSEnabled,
		TLSProtocol: t.TLSProtocol,
		TLSCipher:   t.TLSCipher,
		StartedAt:   t.StartedAt,
		EndedAt:     t.EndedAt,
		Entries:     string(entries),
		CreatedAt:   time.Now(),
	}
	if _, err := s.db.NewInsert().Model(row).Exec(context.Background()); err != nil {
		return errors.Wrap(err, "inserting transcript")
	}
	t.ID = row.ID
	return nil
}

// TranscriptForMessage retrieves the newest transcript linked to the message.
func (s *Store) TranscriptForMessage(messageID int64) (*storage.Transcript, error) {
	row := &smtpTranscript{}
	err := s.db.NewSelect().
		Model(row).
		Where("message_id = ?", messageID).
		OrderExpr("id DESC").
		Limit(1).
		Scan(context.Background())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotExist
		}
		return nil, errors.Wrapf(err, "fetching transcript for message %v", messageID)
	}
	return transcriptFromRow(row)
}

// Transcripts lists all transcripts, oldest first, orphans included.
func (s *Store) Transcripts() ([]*storage.Transcript, error) {
	var rows []smtpTranscript
	err := s.db.NewSelect().
		Model(&rows).
		OrderExpr("id ASC").
		Scan(context.Background())
	if err != nil {
		return nil, errors.Wrap(err, "listing transcripts")
	}
	out := make([]*storage.Transcript, 0, len(rows))
	for i := range rows {
		t, err := transcriptFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// CreateLiveConnection records a new websocket viewer.
func (s *Store) CreateLiveConnection(sessionID, clientIP string) error {
	row := &liveConnection{
		SessionID: sessionID,
		ClientIP:  clientIP,
		OpenedAt:  time.Now(),
	}
	_, err := s.db.NewInsert().Model(row).Exec(context.Background())
	return errors.Wrap(err, "inserting live connection")
}

// CloseLiveConnection marks a websocket viewer as closed.
func (s *Store) CloseLiveConnection(sessionID string) error {
	_, err := s.db.NewUpdate().
		Model((*liveConnection)(nil)).
		Set("closed_at = ?", time.Now()).
		Where("session_id = ?", sessionID).
		Exec(context.Background())
	return errors.Wrap(err, "closing live connection")
}

// RecordPing increments the ping counter for a live connection.
func (s *Store) RecordPing(sessionID string) error {
	_, err := s.db.NewUpdate().
		Model((*liveConnection)(nil)).
		Set("ping_count = ping_count + 1").
		Set("last_ping = ?", time.Now()).
		Where("session_id = ?", sessionID).
		Exec(context.Background())
	return errors.Wrap(err, "recording ping")
}

// RecordPong increments the pong counter for a live connection.
func (s *Store) RecordPong(sessionID string) error {
	_, err := s.db.NewUpdate().
		Model((*liveConnection)(nil)).
		Set("pong_count = pong_count + 1").
		Set("last_pong = ?", time.Now()).
		Where("session_id = ?", sessionID).
		Exec(context.Background())
	return errors.Wrap(err, "recording pong")
}

// LiveConnection retrieves the record of a websocket viewer.
func (s *Store) LiveConnection(sessionID string) (*storage.LiveConnection, error) {
	row := &liveConnection{}
	err := s.db.NewSelect().
		Model(row).
		Where("session_id = ?", sessionID).
		Scan(context.Background())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotExist
		}
		return nil, errors.Wrapf(err, "fetching live connection %v", sessionID)
	}
	return &storage.LiveConnection{
		ID:        row.ID,
		SessionID: row.SessionID,
		ClientIP:  row.ClientIP,
		OpenedAt:  row.OpenedAt,
		ClosedAt:  row.ClosedAt,
		PingCount: row.PingCount,
		PongCount: row.PongCount,
		LastPing:  row.LastPing,
		LastPong:  row.LastPong,
	}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func messageFromRow(row *message) (*storage.Message, error) {
	var recips []string
	if row.Recipients != "" {
		if err := json.Unmarshal([]byte(row.Recipients), &recips); err != nil {
			return nil, errors.Wrapf(err, "decoding recipients of message %v", row.ID)
		}
	}
	return &storage.Message{
		ID:         row.ID,
		Sender:     row.Sender,
		Recipients: recips,
		Subject:    row.Subject,
		Size:       row.Size,
		Type:       row.Type,
		CreatedAt:  row.CreatedAt,
	}, nil
}

func messagesFromRows(rows []message) ([]*storage.Message, error) {
	out := make([]*storage.Message, 0, len(rows))
	for i := range rows {
		m, err := messageFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func transcriptFromRow(row *smtpTranscript) (*storage.Transcript, error) {
	var entries []storage.TranscriptEntry
	if row.Entries != "" {
		if err := json.Unmarshal([]byte(row.Entries), &entries); err != nil {
			return nil, errors.Wrapf(err, "decoding entries of transcript %v", row.ID)
		}
	}
	return &storage.Transcript{
		ID:          row.ID,
		MessageID:   row.MessageID,
		SessionID:   row.SessionID,
		ClientIP:    row.ClientIP,
		ClientPort:  row.ClientPort,
		ServerIP:    row.ServerIP,
		ServerPort:  row.ServerPort,
		TLSEnabled:  row.TLSEnabled,
		TLSProtocol: row.TLSProtocol,
		TLSCipher:   row.TLSCipher,
		StartedAt:   row.StartedAt,
		EndedAt:     row.EndedAt,
		Entries:     entries,
	}, nil
}
