package rest

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailsink/mailsink/pkg/message"
	"github.com/mailsink/mailsink/pkg/msgbus"
	"github.com/mailsink/mailsink/pkg/server/web"
	"github.com/mailsink/mailsink/pkg/test"
)

func TestRestEventFeed(t *testing.T) {
	ds := test.NewStore()
	bus := msgbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Start(ctx)
	setupWebServer(&message.StoreManager{Store: ds, Bus: bus}, bus)

	srv := httptest.NewServer(web.Router)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})

	// The viewer gets a live connection record.
	require.Eventually(t, func() bool {
		return len(ds.LiveConnections()) == 1
	}, 5*time.Second, 10*time.Millisecond, "live connection never recorded")

	// Published events reach the client. The publish is retried because the
	// feed subscribes asynchronously after the handshake.
	got := make(chan msgbus.Event, 1)
	go func() {
		var ev msgbus.Event
		if err := conn.ReadJSON(&ev); err == nil {
			got <- ev
		}
	}()
	var ev msgbus.Event
	require.Eventually(t, func() bool {
		bus.Publish(msgbus.Event{
			Type:    msgbus.EventAdd,
			Message: &msgbus.MessageMeta{ID: 1, Subject: "hi"},
		})
		bus.Sync()
		select {
		case ev = <-got:
			return true
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond, "event never reached the client")
	assert.Equal(t, msgbus.EventAdd, ev.Type)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "hi", ev.Message.Subject)

	// Pong frames from the client are recorded for diagnostics.
	require.NoError(t, conn.WriteJSON(msgbus.Event{Type: msgbus.EventPong}))
	require.Eventually(t, func() bool {
		lcs := ds.LiveConnections()
		return len(lcs) == 1 && lcs[0].PongCount == 1
	}, 5*time.Second, 10*time.Millisecond, "pong never recorded")

	// Closing the socket closes the live connection record.
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		lcs := ds.LiveConnections()
		return len(lcs) == 1 && lcs[0].ClosedAt != nil
	}, 5*time.Second, 10*time.Millisecond, "live connection never closed")
}

// Test teardown with events still queued: the listener must unsubscribe and
// survive concurrent Close calls from the reader and writer goroutines.
func TestBusListenerCloseWithQueuedEvents(t *testing.T) {
	bus := msgbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Start(ctx)

	bl := newBusListener(bus, "sess-teardown")
	bus.Sync()

	require.NoError(t, bl.Receive(msgbus.Event{Type: msgbus.EventAdd, ID: 1}))
	bl.Close()
	bl.Close() // reader and writer both close on their way out

	// Events after Close never reach the queue, whether published on the
	// bus or delivered directly.
	bus.Publish(msgbus.Event{Type: msgbus.EventRemove, ID: 2})
	bus.Sync()
	require.NoError(t, bl.Receive(msgbus.Event{Type: msgbus.EventRemove, ID: 3}))

	var got []msgbus.Event
	for ev := range bl.c {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].ID)
}

func TestBusListenerDropsWhenFull(t *testing.T) {
	bus := msgbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Start(ctx)

	bl := newBusListener(bus, "sess-drop")
	t.Cleanup(bl.Close)

	// Nothing reads bl.c; overflow is dropped without an error so the bus
	// never stalls or drops the subscription.
	for i := 0; i < 150; i++ {
		require.NoError(t, bl.Receive(msgbus.Event{Type: msgbus.EventAdd, ID: int64(i)}))
	}
	assert.Len(t, bl.c, 100)
}
