// Package sse implements a Server-Sent Events broker that relays the content
// stream to connected clients.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/starford/pkb/internal/bus"
	"github.com/starford/pkb/internal/stream"
)

// Event represents an SSE event to broadcast.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Event types sent to clients.
const (
	TypeChunkAdded         = "chunk.added"
	TypeEntryPulled        = "entry.pulled"
	TypeChunkUpdated       = "chunk.updated"
	TypeChunkRemoved       = "chunk.removed"
	TypeChunkSeen          = "chunk.seen"
	TypeSyncStarted        = "sync.started"
	TypeSyncCompleted      = "sync.completed"
	TypeSyncFailed         = "sync.failed"
	TypeDirectoriesUpdated = "directories.updated"
)

// Broker manages SSE client connections and broadcasts events.
//
// A single internal event loop owns the clients and the listing throttle.
// Public methods talk to it through channels.
type Broker struct {
	listingMin time.Duration

	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	changeCh      chan Event
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a broker. Content changes are followed by a
// directories.updated event at most once per listingThrottle.
func NewBroker(listingThrottle time.Duration) *Broker {
	if listingThrottle <= 0 {
		listingThrottle = 2 * time.Second
	}

	b := &Broker{
		listingMin:    listingThrottle,
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		changeCh:      make(chan Event, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	var lastListing time.Time

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		raw := fmt.Appendf(nil, "event: %s\ndata: %s\n\n", event.Type, payload)

		for ch := range clients {
			select {
			case ch <- raw:
			default:
				// Slow client; drop rather than stall the loop.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			clients[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

		case event := <-b.changeCh:
			broadcast(event)
			now := time.Now()
			if now.Sub(lastListing) >= b.listingMin {
				lastListing = now
				broadcast(Event{Type: TypeDirectoriesUpdated, Data: map[string]string{}})
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all connected clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishChange sends a content change followed by a throttled
// directories.updated event.
func (b *Broker) PublishChange(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.changeCh <- event:
	case <-b.stopped:
	}
}

// Forward relays stream events from the bus until ctx is cancelled or the
// bus is closed.
func (b *Broker) Forward(ctx context.Context, events *bus.Bus, logger *slog.Logger) error {
	sub := bus.Subscribe[any](events)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C:
			if !ok {
				return nil
			}
			ev, change, ok := Translate(e)
			if !ok {
				continue
			}
			logger.Debug("sse: forward", slog.String("type", ev.Type))
			if change {
				b.PublishChange(ev)
			} else {
				b.Publish(ev)
			}
		}
	}
}

// Translate maps a stream event onto an SSE event. change reports whether
// the event alters directory contents. Non-stream values report ok=false.
func Translate(e any) (ev Event, change, ok bool) {
	switch v := e.(type) {
	case stream.ChunkAdded:
		return Event{Type: TypeChunkAdded, Data: v}, true, true
	case stream.EntryPulled:
		return Event{Type: TypeEntryPulled, Data: v}, true, true
	case stream.ChunkUpdated:
		return Event{Type: TypeChunkUpdated, Data: v}, true, true
	case stream.ChunkRemoved:
		return Event{Type: TypeChunkRemoved, Data: v}, true, true
	case stream.ChunkSeen:
		return Event{Type: TypeChunkSeen, Data: v}, false, true
	case stream.SyncStarted:
		return Event{Type: TypeSyncStarted, Data: v}, false, true
	case stream.SyncCompleted:
		return Event{Type: TypeSyncCompleted, Data: v}, false, true
	case stream.SyncFailed:
		return Event{Type: TypeSyncFailed, Data: v}, false, true
	}
	return Event{}, false, false
}

// ServeHTTP is the SSE endpoint handler (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
