package gateway

import (
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendQueue  = 256
)

// Filter narrows a client's stream. Empty fields match everything.
type Filter struct {
	PortfolioID string   `json:"portfolio_id"`
	Symbols     []string `json:"symbols"`
}

// Client represents a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu     sync.RWMutex
	filter Filter
}

func newClient(h *Hub, conn *websocket.Conn, f Filter) *Client {
	return &Client{conn: conn, send: make(chan []byte, sendQueue), hub: h, filter: normalizeFilter(f)}
}

func normalizeFilter(f Filter) Filter {
	out := Filter{PortfolioID: strings.TrimSpace(f.PortfolioID)}
	for _, s := range f.Symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out.Symbols = append(out.Symbols, s)
		}
	}
	return out
}

func splitSymbols(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func (c *Client) matches(portfolioID, symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.filter.PortfolioID != "" && c.filter.PortfolioID != portfolioID {
		return false
	}
	if len(c.filter.Symbols) == 0 {
		return true
	}
	for _, s := range c.filter.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

func (c *Client) setFilter(f Filter) {
	c.mu.Lock()
	c.filter = normalizeFilter(f)
	c.mu.Unlock()
}

func (c *Client) reply(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			// Coalesce whatever is queued into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// clientMsg is anything a client may send.
type clientMsg struct {
	Type  string `json:"type"`
	ReqID string `json:"req_id,omitempty"`
	Ping  int64  `json:"ping,omitempty"`
	Filter
}

func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
		log.Println("[gateway] ws client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMsg
		if json.Unmarshal(raw, &msg) != nil {
			c.reply(map[string]any{"type": "error", "error": "invalid message"})
			continue
		}

		switch strings.ToUpper(msg.Type) {
		case "SUBSCRIBE":
			c.setFilter(msg.Filter)
			c.mu.RLock()
			f := c.filter
			c.mu.RUnlock()
			c.reply(map[string]any{"type": "subscribed", "req_id": msg.ReqID, "filter": f, "seq": c.hub.Seq()})
		case "UNSUBSCRIBE":
			c.setFilter(Filter{})
			c.reply(map[string]any{"type": "unsubscribed", "req_id": msg.ReqID})
		default:
			if msg.Ping > 0 {
				c.reply(map[string]any{"type": "pong", "ping": msg.Ping, "server_ts": time.Now().UnixMilli()})
			}
		}
	}
}
