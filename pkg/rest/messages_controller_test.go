package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailsink/mailsink/pkg/message"
	"github.com/mailsink/mailsink/pkg/rest/model"
	"github.com/mailsink/mailsink/pkg/storage"
	"github.com/mailsink/mailsink/pkg/test"
)

func seedMessage(t *testing.T, ds *test.StoreStub, n int, created time.Time) int64 {
	t.Helper()
	body := fmt.Sprintf("body %v", n)
	source := []byte(fmt.Sprintf("Subject: subject %v\r\n\r\n%v\r\n", n, body))
	m := &storage.Message{
		Sender:     fmt.Sprintf("sender%v@example.com", n),
		Recipients: []string{fmt.Sprintf("rcpt%v@example.com", n)},
		Subject:    fmt.Sprintf("subject %v", n),
		Source:     source,
		Size:       int64(len(source)),
		Type:       "text/plain",
		CreatedAt:  created,
	}
	parts := []*storage.Part{
		{Type: "text/plain", Body: []byte(body), Size: int64(len(body))},
	}
	id, err := ds.AddMessage(m, parts)
	require.NoError(t, err)
	return id
}

func TestRestMessageList(t *testing.T) {
	ds := test.NewStore()
	setupWebServer(&message.StoreManager{Store: ds}, nil)

	// Empty store renders an empty array, not null.
	w := testRestGet("http://localhost/messages")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "[]\n", w.Body.String())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id0 := seedMessage(t, ds, 0, base)
	seedMessage(t, ds, 1, base.Add(time.Minute))

	w = testRestGet("http://localhost/messages")
	require.Equal(t, http.StatusOK, w.Code)
	var headers []*model.JSONMessageHeader
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &headers))
	require.Len(t, headers, 2)
	assert.Equal(t, id0, headers[0].ID)
	assert.Equal(t, "sender0@example.com", headers[0].Sender)
	assert.Equal(t, []string{"rcpt0@example.com"}, headers[0].Recipients)
	assert.Equal(t, "subject 0", headers[0].Subject)
}

func TestRestMessageShow(t *testing.T) {
	ds := test.NewStore()
	setupWebServer(&message.StoreManager{Store: ds}, nil)
	id := seedMessage(t, ds, 1, time.Now())

	w := testRestGet(fmt.Sprintf("http://localhost/messages/%v.json", id))
	require.Equal(t, http.StatusOK, w.Code)
	var header model.JSONMessageHeader
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &header))
	assert.Equal(t, id, header.ID)
	assert.Equal(t, "subject 1", header.Subject)

	w = testRestGet("http://localhost/messages/999.json")
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Non-numeric ids never reach the handler.
	w = testRestGet("http://localhost/messages/abc.json")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRestMessageSource(t *testing.T) {
	ds := test.NewStore()
	setupWebServer(&message.StoreManager{Store: ds}, nil)
	id := seedMessage(t, ds, 1, time.Now())

	w := testRestGet(fmt.Sprintf("http://localhost/messages/%v.source", id))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "Subject: subject 1\r\n\r\nbody 1\r\n", w.Body.String())

	w = testRestGet("http://localhost/messages/999.source")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRestMessageParts(t *testing.T) {
	ds := test.NewStore()
	setupWebServer(&message.StoreManager{Store: ds}, nil)

	m := &storage.Message{Sender: "s@example.com", Subject: "parts", CreatedAt: time.Now()}
	parts := []*storage.Part{
		{Type: "text/plain", Body: []byte("readable text"), Size: 13},
		{
			Type:         "application/octet-stream",
			IsAttachment: true,
			Filename:     "data.bin",
			Body:         []byte{0xff, 0xfe, 0x00},
			Size:         3,
		},
	}
	id, err := ds.AddMessage(m, parts)
	require.NoError(t, err)

	w := testRestGet(fmt.Sprintf("http://localhost/messages/%v/parts", id))
	require.Equal(t, http.StatusOK, w.Code)
	var jparts []*model.JSONMessagePart
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jparts))
	require.Len(t, jparts, 2)

	// Valid UTF-8 bodies pass through; binary bodies are base64 encoded.
	assert.Equal(t, "readable text", jparts[0].Body)
	assert.Empty(t, jparts[0].Encoding)
	assert.Equal(t, "//4A", jparts[1].Body)
	assert.Equal(t, "base64", jparts[1].Encoding)
	assert.True(t, jparts[1].IsAttachment)

	w = testRestGet(fmt.Sprintf("http://localhost/messages/%v/attachments", id))
	require.Equal(t, http.StatusOK, w.Code)
	jparts = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jparts))
	require.Len(t, jparts, 1)
	assert.Equal(t, "data.bin", jparts[0].Filename)
}

func TestRestMessageSearch(t *testing.T) {
	ds := test.NewStore()
	setupWebServer(&message.StoreManager{Store: ds}, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedMessage(t, ds, 0, base)
	id1 := seedMessage(t, ds, 1, base.Add(time.Hour))

	w := testRestGet("http://localhost/messages/search?q=subject+1")
	require.Equal(t, http.StatusOK, w.Code)
	var headers []*model.JSONMessageHeader
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &headers))
	require.Len(t, headers, 1)
	assert.Equal(t, id1, headers[0].ID)

	w = testRestGet("http://localhost/messages/search?from=2026-03-01T12%3A30%3A00Z")
	require.Equal(t, http.StatusOK, w.Code)
	headers = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &headers))
	require.Len(t, headers, 1)
	assert.Equal(t, id1, headers[0].ID)

	// Malformed timestamps are client errors.
	w = testRestGet("http://localhost/messages/search?from=yesterday")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = testRestGet("http://localhost/messages/search?to=later")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRestMessageDelete(t *testing.T) {
	ds := test.NewStore()
	setupWebServer(&message.StoreManager{Store: ds}, nil)
	id := seedMessage(t, ds, 1, time.Now())

	w := testRestDelete(fmt.Sprintf("http://localhost/messages/%v", id))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = testRestGet(fmt.Sprintf("http://localhost/messages/%v.json", id))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = testRestDelete(fmt.Sprintf("http://localhost/messages/%v", id))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRestMessagePurge(t *testing.T) {
	ds := test.NewStore()
	setupWebServer(&message.StoreManager{Store: ds}, nil)
	seedMessage(t, ds, 1, time.Now())
	seedMessage(t, ds, 2, time.Now())

	w := testRestDelete("http://localhost/messages")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = testRestGet("http://localhost/messages")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())
}

func TestRestMessageTranscript(t *testing.T) {
	ds := test.NewStore()
	setupWebServer(&message.StoreManager{Store: ds}, nil)
	id := seedMessage(t, ds, 1, time.Now())

	now := time.Now().Truncate(time.Millisecond).UTC()
	require.NoError(t, ds.AddTranscript(&storage.Transcript{
		MessageID: &id,
		SessionID: "sess-1",
		ClientIP:  "192.0.2.7",
		StartedAt: now.Add(-time.Second),
		EndedAt:   now,
		Entries: []storage.TranscriptEntry{
			{Timestamp: now, Type: "command", Direction: "client", Text: "EHLO localhost"},
		},
	}))
	require.NoError(t, ds.AddTranscript(&storage.Transcript{
		SessionID: "orphan",
		StartedAt: now,
		EndedAt:   now,
	}))

	w := testRestGet(fmt.Sprintf("http://localhost/messages/%v/transcript.json", id))
	require.Equal(t, http.StatusOK, w.Code)
	var jt model.JSONTranscript
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jt))
	assert.Equal(t, "sess-1", jt.SessionID)
	require.NotNil(t, jt.MessageID)
	assert.Equal(t, id, *jt.MessageID)
	require.Len(t, jt.Entries, 1)
	assert.Equal(t, "EHLO localhost", jt.Entries[0].Text)

	w = testRestGet("http://localhost/messages/999/transcript.json")
	assert.Equal(t, http.StatusNotFound, w.Code)

	// The listing includes orphans.
	w = testRestGet("http://localhost/transcripts.json")
	require.Equal(t, http.StatusOK, w.Code)
	var jts []*model.JSONTranscript
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jts))
	require.Len(t, jts, 2)
	assert.Equal(t, "sess-1", jts[0].SessionID)
	assert.Equal(t, "orphan", jts[1].SessionID)
	assert.Nil(t, jts[1].MessageID)
}
