// Package sse implements a Server-Sent Events broker for note and graph
// updates.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

// Event types sent to clients.
const (
	TypeNoteIndexed  = "note.indexed"
	TypeNoteDeleted  = "note.deleted"
	TypeNoteRenamed  = "note.renamed"
	TypeGraphUpdated = "graph.updated"
)

// replaySize is how many recent messages a reconnecting client can catch up on.
const replaySize = 128

// Event represents an SSE event to broadcast.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// NoteData is the payload of note events.
type NoteData struct {
	Path    string `json:"path"`
	OldPath string `json:"old_path,omitempty"`
}

type message struct {
	id  uint64
	raw []byte
}

type subscription struct {
	ch     chan []byte
	lastID uint64 // replay messages after this id; 0 for none
}

// Broker manages SSE client connections and broadcasts events.
//
// A single internal loop owns mutable state (clients, replay ring, graph
// throttle). Public methods talk to it through channels, so no mutexes are
// required.
type Broker struct {
	graphMin  time.Duration
	keepAlive time.Duration
	logger    *slog.Logger

	subscribeCh   chan subscription
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	noteEventCh   chan Event
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithKeepAlive sets how often idle streams get a comment line so proxies keep
// them open.
func WithKeepAlive(d time.Duration) Option {
	return func(b *Broker) { b.keepAlive = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// NewBroker creates a broker that sends at most one graph.updated per
// graphThrottle. A burst of note events still ends with a graph.updated once
// the interval has passed.
func NewBroker(graphThrottle time.Duration, opts ...Option) *Broker {
	if graphThrottle <= 0 {
		graphThrottle = 2 * time.Second
	}

	b := &Broker{
		graphMin:      graphThrottle,
		keepAlive:     30 * time.Second,
		logger:        slog.Default(),
		subscribeCh:   make(chan subscription),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		noteEventCh:   make(chan Event, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	var ring []message
	var nextID uint64
	var lastGraph time.Time
	var graphTimer *time.Timer
	var graphDue <-chan time.Time

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			b.logger.Warn("sse: encode event", slog.String("type", event.Type), slog.String("error", err.Error()))
			return
		}
		nextID++
		raw := []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", nextID, event.Type, payload))
		ring = append(ring, message{id: nextID, raw: raw})
		if len(ring) > replaySize {
			ring = ring[len(ring)-replaySize:]
		}

		for ch := range clients {
			select {
			case ch <- raw:
			default:
				// Client buffer full; skip to avoid blocking broker loop.
			}
		}
	}

	graphUpdated := func() {
		lastGraph = time.Now()
		broadcast(Event{Type: TypeGraphUpdated, Data: map[string]string{}})
	}

	for {
		select {
		case <-b.stopCh:
			if graphTimer != nil {
				graphTimer.Stop()
			}
			for ch := range clients {
				close(ch)
			}
			return

		case sub := <-b.subscribeCh:
			clients[sub.ch] = struct{}{}
			if sub.lastID == 0 {
				continue
			}
			for _, m := range ring {
				if m.id <= sub.lastID {
					continue
				}
				select {
				case sub.ch <- m.raw:
				default:
				}
			}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

		case event := <-b.noteEventCh:
			broadcast(event)
			switch {
			case time.Since(lastGraph) >= b.graphMin:
				graphUpdated()
			case graphDue == nil:
				wait := b.graphMin - time.Since(lastGraph)
				if graphTimer == nil {
					graphTimer = time.NewTimer(wait)
				} else {
					graphTimer.Reset(wait)
				}
				graphDue = graphTimer.C
			}

		case <-graphDue:
			graphDue = nil
			graphUpdated()

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
	return b.subscribe(0)
}

// subscribe adds a client that first receives the buffered messages with an
// id above lastID.
func (b *Broker) subscribe(lastID uint64) chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- subscription{ch: ch, lastID: lastID}:
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

// PublishNoteEvent publishes a note change and schedules a throttled
// graph.updated. kind is one of "indexed", "deleted" or "renamed"; oldPath
// is set for renames only.
func (b *Broker) PublishNoteEvent(kind, path, oldPath string) {
	if b.closed.Load() {
		return
	}
	var typ string
	switch kind {
	case "indexed":
		typ = TypeNoteIndexed
	case "deleted":
		typ = TypeNoteDeleted
	case "renamed":
		typ = TypeNoteRenamed
	default:
		b.logger.Debug("sse: unknown note event", slog.String("kind", kind))
		return
	}
	select {
	case b.noteEventCh <- Event{Type: typ, Data: NoteData{Path: path, OldPath: oldPath}}:
	case <-b.stopped:
	}
}

// ServeHTTP is the SSE endpoint handler (GET /events). A Last-Event-ID header
// replays the buffered events the client missed.
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

	lastID, _ := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64)
	ch := b.subscribe(lastID)
	defer b.Unsubscribe(ch)

	ping := time.NewTicker(b.keepAlive)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
