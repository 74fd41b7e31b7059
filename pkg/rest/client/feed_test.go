package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailsink/mailsink/pkg/msgbus"
	"github.com/mailsink/mailsink/pkg/rest/model"
)

// scriptedConn plays back a fixed sequence of events, then fails reads.
type scriptedConn struct {
	mu          sync.Mutex
	reads       []msgbus.Event
	wrote       []msgbus.Event
	onExhausted func() // called once when the read script runs out
}

func (c *scriptedConn) ReadJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reads) == 0 {
		if c.onExhausted != nil {
			c.onExhausted()
			c.onExhausted = nil
		}
		return errors.New("connection closed")
	}
	ev := c.reads[0]
	c.reads = c.reads[1:]
	*(v.(*msgbus.Event)) = ev
	return nil
}

func (c *scriptedConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev := v.(type) {
	case *msgbus.Event:
		c.wrote = append(c.wrote, *ev)
	case msgbus.Event:
		c.wrote = append(c.wrote, ev)
	}
	return nil
}

func (c *scriptedConn) written() []msgbus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]msgbus.Event(nil), c.wrote...)
}

func (c *scriptedConn) Close() error { return nil }

// elapsed returns an already fired timer channel.
func elapsed() <-chan time.Time {
	ch := make(chan time.Time)
	close(ch)
	return ch
}

func TestNewFeedRequiresBaseURL(t *testing.T) {
	_, err := NewFeed(Config{})
	require.Error(t, err)
}

func TestFeedBackoffSchedule(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var delays []time.Duration
	dials := 0

	f := &Feed{
		cfg: Config{
			ReconnectBaseDelay:   time.Second,
			MaxReconnectAttempts: 10,
			PollInterval:         time.Second,
			PushRetryInterval:    15 * time.Second,
		},
		dial: func(ctx context.Context) (wsConn, error) {
			dials++
			if dials <= 10 {
				return nil, errors.New("connection refused")
			}
			// Success; end the test once the read script runs dry.
			return &scriptedConn{onExhausted: cancel}, nil
		},
		after: func(d time.Duration) <-chan time.Time {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
			return elapsed()
		},
	}

	err := f.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// Delays double from the base: 1s, 2s, 4s, ... 512s.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delays, 10)
	for i, d := range delays {
		assert.Equal(t, time.Second<<uint(i), d, "delay %v", i)
	}
	assert.Equal(t, 11, dials)
}

func TestFeedDegradesToPolling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const (
		pollEvery  = 100 * time.Millisecond
		retryEvery = 200 * time.Millisecond
	)
	pollCh := make(chan time.Time)
	retryCh := make(chan time.Time)
	refreshes := make(chan []*model.JSONMessageHeader, 10)
	events := make(chan msgbus.Event, 10)

	dials := 0
	f := &Feed{
		OnEvent: func(ev msgbus.Event) { events <- ev },
		OnRefresh: func(headers []*model.JSONMessageHeader) {
			refreshes <- headers
		},
		cfg: Config{
			ReconnectBaseDelay:   time.Second,
			MaxReconnectAttempts: 2,
			PollInterval:         pollEvery,
			PushRetryInterval:    retryEvery,
		},
		dial: func(ctx context.Context) (wsConn, error) {
			dials++
			if dials <= 3 {
				return nil, errors.New("connection refused")
			}
			return &scriptedConn{
				reads:       []msgbus.Event{{Type: msgbus.EventAdd, Message: &msgbus.MessageMeta{ID: 7}}},
				onExhausted: cancel,
			}, nil
		},
		list: func(ctx context.Context) ([]*model.JSONMessageHeader, error) {
			return []*model.JSONMessageHeader{{ID: 3, Subject: "polled"}}, nil
		},
		after: func(d time.Duration) <-chan time.Time {
			switch d {
			case pollEvery:
				return pollCh
			case retryEvery:
				return retryCh
			default:
				// Backoff delays before the feed degrades.
				return elapsed()
			}
		},
	}

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	// Two poll ticks refresh the message list.
	for i := 0; i < 2; i++ {
		pollCh <- time.Now()
		select {
		case headers := <-refreshes:
			require.Len(t, headers, 1)
			assert.Equal(t, "polled", headers[0].Subject)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for poll refresh")
		}
	}

	// The retry tick reconnects the websocket and polling stops.
	retryCh <- time.Now()
	select {
	case ev := <-events:
		assert.Equal(t, msgbus.EventAdd, ev.Type)
		require.NotNil(t, ev.Message)
		assert.Equal(t, int64(7), ev.Message.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for websocket event")
	}

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}

	// A successful connection resets the backoff schedule.
	assert.Equal(t, 0, f.attempts)
	assert.Equal(t, 4, dials)
}

func TestFeedAnswersPingWithPong(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan msgbus.Event, 10)
	conn := &scriptedConn{
		reads: []msgbus.Event{
			{Type: msgbus.EventPing},
			{Type: msgbus.EventAdd, Message: &msgbus.MessageMeta{ID: 1}},
		},
		onExhausted: cancel,
	}

	f := &Feed{
		OnEvent: func(ev msgbus.Event) { events <- ev },
		cfg: Config{
			ReconnectBaseDelay:   time.Second,
			MaxReconnectAttempts: 1,
			PollInterval:         time.Second,
			PushRetryInterval:    time.Second,
		},
		dial: func(ctx context.Context) (wsConn, error) {
			return conn, nil
		},
		after: func(d time.Duration) <-chan time.Time { return elapsed() },
	}

	err := f.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	wrote := conn.written()
	require.Len(t, wrote, 1)
	assert.Equal(t, msgbus.EventPong, wrote[0].Type)

	// Pings are not surfaced to the callback.
	require.Len(t, events, 1)
	ev := <-events
	assert.Equal(t, msgbus.EventAdd, ev.Type)
}
