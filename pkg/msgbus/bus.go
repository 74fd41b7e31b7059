// Package msgbus provides the in-process event bus that fans mailbox change
// events out to live viewers. Events are transient; they are never persisted
// and subscribers joining late do not see earlier events.
package msgbus

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Length of bus operation queue
const opChanLen = 100

// Event types carried on the bus and over the websocket feed.
const (
	EventAdd    = "add"
	EventRemove = "remove"
	EventClear  = "clear"
	EventQuit   = "quit"

	// Transport keepalives, never published on the bus itself.
	EventPing = "ping"
	EventPong = "pong"
)

// MessageMeta is the subset of a stored message carried by add events.
type MessageMeta struct {
	ID         int64     `json:"id"`
	Sender     string    `json:"sender"`
	Recipients []string  `json:"recipients"`
	Subject    string    `json:"subject"`
	Size       int64     `json:"size"`
	Type       string    `json:"type,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Event is one change notification.
type Event struct {
	Type    string       `json:"type"`
	Message *MessageMeta `json:"message,omitempty"` // populated for add
	ID      int64        `json:"id,omitempty"`      // populated for remove
}

// Listener receives published events. A Receive error is logged and the
// event skipped; the listener stays subscribed and gets later events.
type Listener interface {
	Receive(ev Event) error
}

// Bus relays events on to its listeners.
type Bus struct {
	listeners map[Listener]struct{} // listeners interested in events
	opChan    chan func(b *Bus)     // operations queued for this actor
}

// New constructs a new Bus. Call Start to begin processing; the bus runs
// until the provided context is canceled.
func New() *Bus {
	return &Bus{
		listeners: make(map[Listener]struct{}),
		opChan:    make(chan func(b *Bus), opChanLen),
	}
}

// Start Bus processing loop.
func (bus *Bus) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Shutdown
			close(bus.opChan)
			return
		case op := <-bus.opChan:
			op(bus)
		}
	}
}

// Publish queues an event for broadcast by the bus. Delivery happens on the
// bus goroutine, after Publish returns; events are delivered to listeners in
// the order they were published.
func (bus *Bus) Publish(ev Event) {
	bus.opChan <- func(b *Bus) {
		for l := range b.listeners {
			if err := b.deliver(l, ev); err != nil {
				log.Error().Str("module", "msgbus").Err(err).
					Str("event", ev.Type).Msg("Listener failed, skipping event")
			}
		}
	}
}

// deliver sends ev to a single listener, converting a panic into an error so
// one misbehaving listener cannot take down the bus.
func (bus *Bus) deliver(l Listener, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "msgbus").Interface("panic", r).
				Msg("Listener panicked")
		}
	}()
	return l.Receive(ev)
}

// Subscribe registers a listener to receive future events.
func (bus *Bus) Subscribe(l Listener) {
	bus.opChan <- func(b *Bus) {
		b.listeners[l] = struct{}{}
	}
}

// Unsubscribe deletes a listener registration, it will cease to receive
// events.
func (bus *Bus) Unsubscribe(l Listener) {
	bus.opChan <- func(b *Bus) {
		delete(b.listeners, l)
	}
}

// Sync blocks until the bus has processed its queue up to this point, useful
// for unit tests.
func (bus *Bus) Sync() {
	done := make(chan struct{})
	bus.opChan <- func(b *Bus) {
		close(done)
	}
	<-done
}
