// Package sse streams pipeline events to host clients as server-sent events.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/markerplow/internal/metrics"
)

// EventType represents the type of SSE event
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventSessionEnded   EventType = "session_ended"

	EventMarkersUpdated       EventType = "markers_updated"
	EventPropagationCompleted EventType = "propagation_completed"

	EventQueueDrained  EventType = "queue_drained"
	EventBudgetChanged EventType = "budget_changed"

	EventHeartbeat EventType = "heartbeat"

	eventConnected EventType = "connected"
)

// knownTypes are the types a client may subscribe to
var knownTypes = map[EventType]struct{}{
	EventSessionStarted:       {},
	EventSessionEnded:         {},
	EventMarkersUpdated:       {},
	EventPropagationCompleted: {},
	EventQueueDrained:         {},
	EventBudgetChanged:        {},
}

// DefaultHeartbeatInterval keeps idle proxies from closing the stream
const DefaultHeartbeatInterval = 30 * time.Second

// clientBuffer is how many undelivered messages a slow client may hold
const clientBuffer = 32

// Event represents an SSE event to be sent to clients
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Publisher accepts events for broadcast
type Publisher interface {
	Broadcast(event Event)
}

// Client is one connected stream. A nil type set receives every event.
type Client struct {
	ID       string
	Messages chan []byte
	types    map[EventType]struct{}
}

func (c *Client) wants(t EventType) bool {
	if c.types == nil || t == EventHeartbeat {
		return true
	}
	_, ok := c.types[t]
	return ok
}

// ParseTypes parses a comma separated subscription list such as
// "markers_updated,session_started". An empty list subscribes to everything.
func ParseTypes(raw string) (map[EventType]struct{}, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	types := make(map[EventType]struct{})
	for part := range strings.SplitSeq(raw, ",") {
		t := EventType(strings.TrimSpace(part))
		if t == "" {
			continue
		}
		if _, ok := knownTypes[t]; !ok {
			return nil, fmt.Errorf("unknown event type %q", t)
		}
		types[t] = struct{}{}
	}
	if len(types) == 0 {
		return nil, nil
	}
	return types, nil
}

// Broker fans events out to connected stream clients
type Broker struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan Event
	done       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	heartbeat  time.Duration
	mu         sync.RWMutex

	// seq numbers delivered events; only the run loop touches it
	seq uint64
}

// NewBroker creates a new SSE broker
func NewBroker() *Broker {
	return NewBrokerWithHeartbeat(DefaultHeartbeatInterval)
}

// NewBrokerWithHeartbeat creates a broker that emits heartbeats at the given interval
func NewBrokerWithHeartbeat(heartbeat time.Duration) *Broker {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	b := &Broker{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Event, 100),
		done:       make(chan struct{}),
		heartbeat:  heartbeat,
	}
	b.wg.Go(b.run)
	return b
}

func (b *Broker) run() {
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			b.mu.Lock()
			for _, client := range b.clients {
				close(client.Messages)
			}
			b.clients = make(map[string]*Client)
			b.mu.Unlock()
			metrics.StreamClients.Set(0)
			log.Debug().Msg("SSE broker stopped")
			return

		case client := <-b.register:
			b.track(client, true)

		case client := <-b.unregister:
			b.track(client, false)

		case event := <-b.broadcast:
			b.fanOut(event)

		case <-ticker.C:
			b.fanOut(Event{Type: EventHeartbeat, Data: map[string]any{"time": time.Now().Unix()}})
		}
	}
}

func (b *Broker) track(client *Client, add bool) {
	b.mu.Lock()
	if add {
		b.clients[client.ID] = client
	} else if _, ok := b.clients[client.ID]; ok {
		delete(b.clients, client.ID)
		close(client.Messages)
	}
	total := len(b.clients)
	b.mu.Unlock()

	metrics.StreamClients.Set(float64(total))
	msg := "SSE client disconnected"
	if add {
		msg = "SSE client connected"
	}
	log.Debug().Str("client_id", client.ID).Int("total_clients", total).Msg(msg)
}

func (b *Broker) fanOut(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(event.Type)).Msg("Failed to marshal SSE event")
		return
	}

	b.seq++
	message := formatSSEMessage(b.seq, string(event.Type), data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, client := range b.clients {
		if !client.wants(event.Type) {
			continue
		}
		select {
		case client.Messages <- message:
		default:
			log.Warn().Str("client_id", client.ID).Str("event_type", string(event.Type)).Msg("SSE client buffer full, dropping message")
		}
	}
}

// Broadcast sends an event to all connected clients. Safe on a nil broker.
func (b *Broker) Broadcast(event Event) {
	if b == nil {
		return
	}
	select {
	case b.broadcast <- event:
	default:
		log.Warn().Str("event_type", string(event.Type)).Msg("SSE broadcast channel full, dropping event")
	}
}

// Stop closes every client stream and waits for the run loop to exit
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
	b.wg.Wait()
}

// ServeHTTP streams events to one client. The optional types query parameter
// limits the stream to the listed event types.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	types, err := ParseTypes(r.URL.Query().Get("types"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	client := &Client{
		ID:       uuid.NewString(),
		Messages: make(chan []byte, clientBuffer),
		types:    types,
	}

	select {
	case b.register <- client:
	case <-b.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	// Non-blocking during shutdown
	defer func() {
		select {
		case b.unregister <- client:
		case <-b.done:
		}
	}()

	data, _ := json.Marshal(Event{
		Type: eventConnected,
		Data: map[string]any{
			"client_id": client.ID,
			"time":      time.Now().Unix(),
		},
	})
	_, _ = w.Write(formatSSEMessage(0, string(eventConnected), data))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-client.Messages:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}

// ClientCount returns the number of connected clients
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// formatSSEMessage frames one event. A zero id omits the id field.
func formatSSEMessage(id uint64, eventType string, data []byte) []byte {
	var buf []byte
	if id > 0 {
		buf = append(buf, "id: "...)
		buf = strconv.AppendUint(buf, id, 10)
		buf = append(buf, '\n')
	}
	return fmt.Appendf(buf, "event: %s\ndata: %s\n\n", eventType, data)
}
