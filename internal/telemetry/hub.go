package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Streams. Event IDs are monotonic per stream.
const (
	StreamCommand  = "command"
	StreamSequence = "sequence"
	streamGlobal   = "global"
)

// Event types.
const (
	TypeReady     = "ready"
	TypeHeartbeat = "heartbeat"
	TypeCommand   = "command"
	TypeProgress  = "progress"
	TypeVersion   = "version"
)

// Event is one server-sent event.
type Event struct {
	ID     int64                  `json:"id,omitempty"`
	Type   string                 `json:"type"`
	Data   map[string]interface{} `json:"data"`
	Stream string                 `json:"stream,omitempty"`
}

// Options configures the hub.
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatJitter   time.Duration
	EventBufferSize   int
}

// SnapshotFunc returns the state sent to a client in its ready event.
type SnapshotFunc func() map[string]interface{}

// Client is one SSE connection.
type Client struct {
	ID      string
	Writer  http.ResponseWriter
	Context context.Context
	Cancel  context.CancelFunc
	LastID  int64
	Stream  string
	Events  chan Event
	once    sync.Once
	mu      sync.Mutex
}

// Hub fans events out to SSE clients and keeps a replay buffer per stream.
//
// Lock order: h.mu before EventBuffer.mu. Buffers are never removed from
// h.buffers, so a buffer may be used after h.mu is released.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]*Client
	streamIDs map[string]*int64
	buffers   map[string]*EventBuffer
	clientSeq atomic.Int64

	opts     Options
	snapshot SnapshotFunc
	log      *logrus.Logger

	heartbeatTicker *time.Ticker
	stopHeartbeat   chan struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub creates a telemetry hub.
func NewHub(opts Options, log *logrus.Logger) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.EventBufferSize <= 0 {
		opts.EventBufferSize = 50
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Hub{
		clients:   make(map[string]*Client),
		streamIDs: make(map[string]*int64),
		buffers:   make(map[string]*EventBuffer),
		opts:      opts,
		log:       log,
		done:      make(chan struct{}),
	}
}

// SetSnapshot sets the ready-event snapshot source.
func (h *Hub) SetSnapshot(fn SnapshotFunc) {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
}

// Subscribe serves one SSE client until it disconnects or the hub stops.
// The optional "stream" query parameter restricts delivery to one stream;
// Last-Event-ID replays buffered events of that stream.
func (h *Hub) Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	select {
	case <-h.done:
		return fmt.Errorf("telemetry hub stopped")
	default:
	}

	clientCtx, cancel := context.WithCancel(ctx)

	lastEventID := int64(0)
	if lastIDStr := r.Header.Get("Last-Event-ID"); lastIDStr != "" {
		if id, err := strconv.ParseInt(lastIDStr, 10, 64); err == nil {
			lastEventID = id
		}
	}

	client := &Client{
		ID:      fmt.Sprintf("client_%d", h.clientSeq.Add(1)),
		Writer:  w,
		Context: clientCtx,
		Cancel:  cancel,
		LastID:  lastEventID,
		Stream:  r.URL.Query().Get("stream"),
		Events:  make(chan Event, 100),
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	if err := h.sendReadyEvent(client); err != nil {
		h.unregisterClient(client.ID)
		return fmt.Errorf("failed to send ready event: %w", err)
	}

	if lastEventID > 0 && client.Stream != "" {
		if err := h.replayEvents(client, lastEventID); err != nil {
			h.unregisterClient(client.ID)
			return fmt.Errorf("failed to replay events: %w", err)
		}
	}

	h.mu.Lock()
	if len(h.clients) == 1 && h.heartbeatTicker == nil {
		h.startHeartbeat()
	}
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{"client": client.ID, "stream": client.Stream}).Debug("Telemetry client connected")
	h.handleClient(client)
	return nil
}

// Publish assigns an ID, buffers the event and delivers it to every client.
// Slow clients drop the event after 100ms.
func (h *Hub) Publish(event Event) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if event.ID == 0 {
		event.ID = h.getNextEventID(event.Stream)
	}
	if event.Stream != "" {
		h.bufferEvent(event)
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		if client.Stream == "" || event.Stream == "" || client.Stream == event.Stream {
			clients = append(clients, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range clients {
		select {
		case <-client.Context.Done():
			continue
		case <-h.done:
			return nil
		case client.Events <- event:
		case <-time.After(100 * time.Millisecond):
			h.log.WithFields(logrus.Fields{"client": client.ID, "type": event.Type}).Debug("Dropping event for slow client")
		}
	}

	return nil
}

// PublishStream publishes an event on a stream.
func (h *Hub) PublishStream(stream string, event Event) error {
	event.Stream = stream
	return h.Publish(event)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) sendReadyEvent(client *Client) error {
	h.mu.RLock()
	snapshot := h.snapshot
	h.mu.RUnlock()

	data := map[string]interface{}{}
	if snapshot != nil {
		data["snapshot"] = snapshot()
	}

	return h.sendEventToClient(client, Event{
		ID:   h.getNextEventID(client.Stream),
		Type: TypeReady,
		Data: data,
	})
}

func (h *Hub) replayEvents(client *Client, lastEventID int64) error {
	h.mu.RLock()
	buffer, exists := h.buffers[client.Stream]
	h.mu.RUnlock()

	if !exists {
		return nil
	}

	for _, event := range buffer.GetEventsAfter(lastEventID) {
		if err := h.sendEventToClient(client, event); err != nil {
			return err
		}
	}
	return nil
}

// sendEventToClient writes one event in SSE framing and flushes it.
func (h *Hub) sendEventToClient(client *Client, event Event) error {
	client.mu.Lock()
	defer client.mu.Unlock()

	if event.ID > 0 {
		if _, err := fmt.Fprintf(client.Writer, "id: %d\n", event.ID); err != nil {
			return fmt.Errorf("failed to write event ID: %w", err)
		}
	}
	if _, err := fmt.Fprintf(client.Writer, "event: %s\n", event.Type); err != nil {
		return fmt.Errorf("failed to write event type: %w", err)
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if _, err := fmt.Fprintf(client.Writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write event data: %w", err)
	}

	if flusher, ok := client.Writer.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

func (h *Hub) handleClient(client *Client) {
	defer func() {
		client.once.Do(func() {
			close(client.Events)
		})
		h.unregisterClient(client.ID)
	}()

	for {
		select {
		case <-client.Context.Done():
			return
		case <-h.done:
			return
		case event, ok := <-client.Events:
			if !ok {
				return
			}
			if err := h.sendEventToClient(client, event); err != nil {
				return
			}
		}
	}
}

func (h *Hub) unregisterClient(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, exists := h.clients[clientID]
	if !exists {
		return
	}
	client.Cancel()
	delete(h.clients, clientID)

	if len(h.clients) == 0 && h.heartbeatTicker != nil {
		h.heartbeatTicker.Stop()
		h.heartbeatTicker = nil
		if h.stopHeartbeat != nil {
			close(h.stopHeartbeat)
			h.stopHeartbeat = nil
		}
	}
}

// getNextEventID returns the next monotonic ID of a stream.
func (h *Hub) getNextEventID(stream string) int64 {
	if stream == "" {
		stream = streamGlobal
	}

	h.mu.RLock()
	counter, exists := h.streamIDs[stream]
	h.mu.RUnlock()
	if exists {
		return atomic.AddInt64(counter, 1)
	}

	h.mu.Lock()
	counter, exists = h.streamIDs[stream]
	if !exists {
		counter = new(int64)
		h.streamIDs[stream] = counter
	}
	h.mu.Unlock()

	return atomic.AddInt64(counter, 1)
}

func (h *Hub) bufferEvent(event Event) {
	h.mu.Lock()
	buffer, exists := h.buffers[event.Stream]
	if !exists {
		buffer = NewEventBuffer(h.opts.EventBufferSize)
		h.buffers[event.Stream] = buffer
	}
	h.mu.Unlock()

	buffer.AddEvent(event)
}

// startHeartbeat must be called with h.mu held and no ticker running.
func (h *Hub) startHeartbeat() {
	interval := h.opts.HeartbeatInterval + h.opts.HeartbeatJitter/2

	h.heartbeatTicker = time.NewTicker(interval)
	h.stopHeartbeat = make(chan struct{})

	ticker := h.heartbeatTicker
	stopChan := h.stopHeartbeat

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ticker.C:
				h.Publish(Event{
					Type: TypeHeartbeat,
					Data: map[string]interface{}{"ts": time.Now().UTC().Format(time.RFC3339)},
				})
			case <-stopChan:
				return
			case <-h.done:
				return
			}
		}
	}()
}

// Stop disconnects every client and stops the heartbeat. It is safe to call
// more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(h.stop)
}

func (h *Hub) stop() {
	close(h.done)

	h.mu.Lock()
	for _, client := range h.clients {
		client.Cancel()
	}
	if h.heartbeatTicker != nil {
		h.heartbeatTicker.Stop()
		h.heartbeatTicker = nil
	}
	if h.stopHeartbeat != nil {
		close(h.stopHeartbeat)
		h.stopHeartbeat = nil
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		h.log.Warn("Telemetry heartbeat did not stop in time")
	}
}

// EventBuffer is a bounded ring of recent events.
type EventBuffer struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
}

// NewEventBuffer creates a buffer holding at most capacity events.
func NewEventBuffer(capacity int) *EventBuffer {
	return &EventBuffer{
		events:   make([]Event, 0, capacity),
		capacity: capacity,
	}
}

// AddEvent appends an event, evicting the oldest when full.
func (b *EventBuffer) AddEvent(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, event)
	if len(b.events) > b.capacity {
		b.events = b.events[len(b.events)-b.capacity:]
	}
}

// GetEventsAfter returns buffered events with an ID above lastID.
func (b *EventBuffer) GetEventsAfter(lastID int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, event := range b.events {
		if event.ID > lastID {
			result = append(result, event)
		}
	}
	return result
}

// GetSize returns the number of buffered events.
func (b *EventBuffer) GetSize() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}
