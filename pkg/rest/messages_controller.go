package rest

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/mailsink/mailsink/pkg/rest/model"
	"github.com/mailsink/mailsink/pkg/server/web"
	"github.com/mailsink/mailsink/pkg/storage"
)

// MessageList renders the metadata of all stored messages, oldest first.
func MessageList(w http.ResponseWriter, req *http.Request, ctx *web.Context) error {
	messages, err := ctx.Manager.List()
	if err != nil {
		return fmt.Errorf("failed to list messages: %v", err)
	}
	return web.RenderJSON(w, makeHeaders(messages))
}

// MessageSearch renders the metadata of messages matching the query
// parameters: q (substring), attachments (true/1), from and to
// (RFC 3339). Filters combine conjunctively.
func MessageSearch(w http.ResponseWriter, req *http.Request, ctx *web.Context) error {
	params := req.URL.Query()
	q := storage.SearchQuery{
		Text: params.Get("q"),
	}
	switch params.Get("attachments") {
	case "1", "true":
		q.HasAttachments = true
	}
	if v := params.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "from must be an RFC 3339 timestamp", http.StatusBadRequest)
			return nil
		}
		q.From = &t
	}
	if v := params.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "to must be an RFC 3339 timestamp", http.StatusBadRequest)
			return nil
		}
		q.To = &t
	}
	messages, err := ctx.Manager.Search(q)
	if err != nil {
		return fmt.Errorf("failed to search messages: %v", err)
	}
	return web.RenderJSON(w, makeHeaders(messages))
}

// MessageShow renders the metadata of a single message.
func MessageShow(w http.ResponseWriter, req *http.Request, ctx *web.Context) error {
	id, err := messageID(ctx)
	if err != nil {
		return err
	}
	msg, err := ctx.Manager.Get(id)
	if err == storage.ErrNotExist {
		http.NotFound(w, req)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get message %v: %v", id, err)
	}
	return web.RenderJSON(w, makeHeader(msg))
}

// MessageSource writes the raw source of a message.
func MessageSource(w http.ResponseWriter, req *http.Request, ctx *web.Context) error {
	id, err := messageID(ctx)
	if err != nil {
		return err
	}
	source, err := ctx.Manager.Source(id)
	if err == storage.ErrNotExist {
		http.NotFound(w, req)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get message %v source: %v", id, err)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, err = w.Write(source)
	return err
}

// MessageParts renders all MIME parts of a message.
func MessageParts(w http.ResponseWriter, req *http.Request, ctx *web.Context) error {
	id, err := messageID(ctx)
	if err != nil {
		return err
	}
	parts, err := ctx.Manager.Parts(id)
	if err != nil {
		return fmt.Errorf("failed to get message %v parts: %v", id, err)
	}
	return web.RenderJSON(w, makeParts(parts))
}

// MessageAttachments renders the attachment parts of a message.
func MessageAttachments(w http.ResponseWriter, req *http.Request, ctx *web.Context) error {
	id, err := messageID(ctx)
	if err != nil {
		return err
	}
	parts, err := ctx.Manager.Attachments(id)
	if err != nil {
		return fmt.Errorf("failed to get message %v attachments: %v", id, err)
	}
	return web.RenderJSON(w, makeParts(parts))
}

// MessageTranscript renders the SMTP transcript of the session that
// delivered the message.
func MessageTranscript(w http.ResponseWriter, req *http.Request, ctx *web.Context) error {
	id, err := messageID(ctx)
	if err != nil {
		return err
	}
	t, err := ctx.Manager.Transcript(id)
	if err == storage.ErrNotExist {
		http.NotFound(w, req)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get transcript for message %v: %v", id, err)
	}
	return web.RenderJSON(w, makeTranscript(t))
}

// TranscriptList renders all stored transcripts, orphans included.
func TranscriptList(w http.ResponseWriter, req *http.Request, ctx *web.Context) error {
	transcripts, err := ctx.Manager.Transcripts()
	if err != nil {
		return fmt.Errorf("failed to list transcripts: %v", err)
	}
	jts := make([]*model.JSONTranscript, len(transcripts))
	for i, t := range transcripts {
		jts[i] = makeTranscript(t)
	}
	return web.RenderJSON(w, jts)
}

// MessageDelete removes a single message.
func MessageDelete(w http.ResponseWriter, req *http.Request, ctx *web.Context) error {
	id, err := messageID(ctx)
	if err != nil {
		return err
	}
	err = ctx.Manager.Remove(id)
	if err == storage.ErrNotExist {
		http.NotFound(w, req)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete message %v: %v", id, err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// MessagePurge removes all messages and transcripts.
func MessagePurge(w http.ResponseWriter, req *http.Request, ctx *web.Context) error {
	if err := ctx.Manager.Purge(); err != nil {
		return fmt.Errorf("failed to purge messages: %v", err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// messageID parses the id route variable; the route pattern guarantees it
// is numeric.
func messageID(ctx *web.Context) (int64, error) {
	return strconv.ParseInt(ctx.Vars["id"], 10, 64)
}

func makeHeader(m *storage.Message) *model.JSONMessageHeader {
	return &model.JSONMessageHeader{
		ID:         m.ID,
		Sender:     m.Sender,
		Recipients: m.Recipients,
		Subject:    m.Subject,
		Size:       m.Size,
		Type:       m.Type,
		CreatedAt:  m.CreatedAt,
	}
}

func makeHeaders(messages []*storage.Message) []*model.JSONMessageHeader {
	jmessages := make([]*model.JSONMessageHeader, len(messages))
	for i, m := range messages {
		jmessages[i] = makeHeader(m)
	}
	return jmessages
}

func makeParts(parts []*storage.Part) []*model.JSONMessagePart {
	jparts := make([]*model.JSONMessagePart, len(parts))
	for i, p := range parts {
		jp := &model.JSONMessagePart{
			ID:           p.ID,
			CID:          p.CID,
			Type:         p.Type,
			IsAttachment: p.IsAttachment,
			Filename:     p.Filename,
			Charset:      p.Charset,
			Size:         p.Size,
		}
		if utf8.Valid(p.Body) {
			jp.Body = string(p.Body)
		} else {
			jp.Body = base64.StdEncoding.EncodeToString(p.Body)
			jp.Encoding = "base64"
		}
		jparts[i] = jp
	}
	return jparts
}

func makeTranscript(t *storage.Transcript) *model.JSONTranscript {
	entries := make([]model.JSONTranscriptEntry, len(t.Entries))
	for i, e := range t.Entries {
		entries[i] = model.JSONTranscriptEntry{
			Timestamp: e.Timestamp,
			Type:      e.Type,
			Direction: e.Direction,
			Text:      e.Text,
		}
	}
	return &model.JSONTranscript{
		ID:          t.ID,
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
		Entries:     entries,
	}
}
