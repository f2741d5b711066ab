// Package gateway streams order lifecycle events to WebSocket clients.
//
// Every event gets a hub-wide sequence number. Clients that reconnect pass
// the last sequence they saw and receive what they missed from the replay
// buffer before live events resume.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"autotrade/internal/model"
)

const channelOrders = "orders"

// Hub fans lifecycle events out to connected clients. It is a
// notification sink: register it with the dispatcher.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	seq     int64

	replay   *ReplayBuffer
	upgrader websocket.Upgrader

	// OnDeliver, if set, receives the lag between an event's transition
	// time and its broadcast.
	OnDeliver func(lag time.Duration)
}

// NewHub creates a Hub retaining replaySize envelopes for backfill.
func NewHub(replaySize int) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		replay:  NewReplayBuffer(replaySize),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Hub) Name() string { return "ws" }

// Send broadcasts e. It never fails; slow clients drop messages.
func (h *Hub) Send(_ context.Context, e model.Event) error {
	h.Broadcast(e)
	return nil
}

// Broadcast assigns the next sequence number to e, stores the envelope for
// replay and queues it on every matching client.
func (h *Hub) Broadcast(e model.Event) int64 {
	now := time.Now().UTC()
	if h.OnDeliver != nil && !e.At.IsZero() {
		if lag := now.Sub(e.At); lag >= 0 {
			h.OnDeliver(lag)
		}
	}

	// Sequencing, retention and fan-out share one critical section so a
	// client registering with since=N sees each seq exactly once.
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	e.Seq = h.seq
	buf := buildEnvelope(channelOrders, e.JSON(), now, e.Seq)
	h.replay.Push(replayEntry{Seq: e.Seq, PortfolioID: e.PortfolioID, Symbol: e.Symbol, Data: buf})
	for c := range h.clients {
		if !c.matches(e.PortfolioID, e.Symbol) {
			continue
		}
		select {
		case c.send <- buf:
		default:
		}
	}
	return e.Seq
}

// buildEnvelope writes {"channel":..,"data":..,"ts":..,"seq":N} without a
// second marshal of data.
func buildEnvelope(channel string, data []byte, now time.Time, seq int64) []byte {
	buf := make([]byte, 0, len(channel)+len(data)+96)
	buf = append(buf, `{"channel":"`...)
	buf = append(buf, channel...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, '}')
	return buf
}

// Seq returns the last assigned sequence number.
func (h *Hub) Seq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// Backfill returns retained envelopes with seq in [from, to], optionally
// restricted to one portfolio.
func (h *Hub) Backfill(from, to int64, portfolioID string) []json.RawMessage {
	var keep func(replayEntry) bool
	if portfolioID != "" {
		keep = func(e replayEntry) bool { return e.PortfolioID == portfolioID }
	}
	entries := h.replay.Range(from, to, keep)
	out := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out
}

// Stats describes the stream for the REST surface.
type Stats struct {
	Clients      int   `json:"clients"`
	Seq          int64 `json:"seq"`
	OldestReplay int64 `json:"oldest_replay_seq"`
	Retained     int   `json:"retained"`
}

// Stats returns current stream counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n, seq := len(h.clients), h.seq
	h.mu.RUnlock()
	return Stats{Clients: n, Seq: seq, OldestReplay: h.replay.Oldest(), Retained: h.replay.Len()}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and registers a client. Query parameters:
// portfolio_id and symbol filter the stream, since=N replays everything
// after sequence N first.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] ws upgrade failed: %v", err)
		return
	}
	q := r.URL.Query()
	c := newClient(h, conn, Filter{PortfolioID: q.Get("portfolio_id"), Symbols: splitSymbols(q.Get("symbol"))})

	since, err := strconv.ParseInt(q.Get("since"), 10, 64)
	count := h.register(c, since, err == nil)

	log.Printf("[gateway] ws client connected (%d total)", count)
	go c.writePump()
	go c.readPump()
}

// register replays retained events after since (when replay is set) and
// adds c to the live set under the write lock, so no live event slips
// between the backfill and the first live message.
func (h *Hub) register(c *Client, since int64, replay bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if replay {
		for _, e := range h.replay.Range(since+1, h.seq, nil) {
			if c.matches(e.PortfolioID, e.Symbol) {
				select {
				case c.send <- e.Data:
				default:
				}
			}
		}
	}
	h.clients[c] = true
	return len(h.clients)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
