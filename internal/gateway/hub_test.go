package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"autotrade/internal/model"
)

type envelope struct {
	Channel string      `json:"channel"`
	Seq     int64       `json:"seq"`
	TS      string      `json:"ts"`
	Data    model.Event `json:"data"`
}

func event(portfolio, symbol string, typ model.EventType) model.Event {
	return model.Event{
		ID:          "e",
		Type:        typ,
		OrderID:     "o-" + symbol,
		PortfolioID: portfolio,
		Symbol:      symbol,
		At:          time.Now().UTC(),
	}
}

func TestBuildEnvelope(t *testing.T) {
	ts := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	got := string(buildEnvelope("orders", []byte(`{"a":1}`), ts, 7))
	want := `{"channel":"orders","data":{"a":1},"ts":"2026-03-02T15:00:00Z","seq":7}`
	if got != want {
		t.Errorf("envelope:\n got %s\nwant %s", got, want)
	}
}

func TestHub_SendAssignsSequence(t *testing.T) {
	h := NewHub(10)
	var lags int
	h.OnDeliver = func(time.Duration) { lags++ }

	for i := 0; i < 3; i++ {
		if err := h.Send(context.Background(), event("p1", "AAPL", model.EventCreated)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if h.Seq() != 3 {
		t.Errorf("Seq() = %d, want 3", h.Seq())
	}
	if lags != 3 {
		t.Errorf("OnDeliver called %d times, want 3", lags)
	}

	raw := h.Backfill(2, 3, "")
	if len(raw) != 2 {
		t.Fatalf("Backfill(2,3) = %d entries, want 2", len(raw))
	}
	var env envelope
	if err := json.Unmarshal(raw[0], &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Seq != 2 || env.Channel != "orders" || env.Data.Symbol != "AAPL" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestHub_BackfillByPortfolio(t *testing.T) {
	h := NewHub(10)
	h.Broadcast(event("p1", "AAPL", model.EventCreated))
	h.Broadcast(event("p2", "MSFT", model.EventCreated))
	h.Broadcast(event("p1", "AAPL", model.EventApproved))

	if got := h.Backfill(1, 10, "p1"); len(got) != 2 {
		t.Errorf("p1 backfill = %d entries, want 2", len(got))
	}
	st := h.Stats()
	if st.Seq != 3 || st.Retained != 3 || st.OldestReplay != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEnvelopes reads one frame and splits coalesced messages.
func readEnvelopes(t *testing.T, conn *websocket.Conn) []envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out []envelope
	for _, line := range strings.Split(string(msg), "\n") {
		var env envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		out = append(out, env)
	}
	return out
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", h.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_StreamsFilteredEvents(t *testing.T) {
	h := NewHub(10)
	srv := httptest.NewServer(httptestMux(h))
	defer srv.Close()
	defer h.Close()

	conn := dial(t, srv, "?portfolio_id=p1")
	waitClients(t, h, 1)

	h.Broadcast(event("p2", "MSFT", model.EventCreated))
	h.Broadcast(event("p1", "AAPL", model.EventExecuted))

	got := readEnvelopes(t, conn)
	if len(got) != 1 {
		t.Fatalf("received %d envelopes, want 1", len(got))
	}
	if got[0].Seq != 2 || got[0].Data.PortfolioID != "p1" || got[0].Data.Type != model.EventExecuted {
		t.Errorf("envelope = %+v", got[0])
	}
}

func TestHub_ReplaysSinceOnConnect(t *testing.T) {
	h := NewHub(10)
	srv := httptest.NewServer(httptestMux(h))
	defer srv.Close()
	defer h.Close()

	h.Broadcast(event("p1", "AAPL", model.EventCreated))
	h.Broadcast(event("p1", "AAPL", model.EventApproved))
	h.Broadcast(event("p1", "AAPL", model.EventExecuted))

	conn := dial(t, srv, "?since=1")
	var seqs []int64
	for len(seqs) < 2 {
		for _, env := range readEnvelopes(t, conn) {
			seqs = append(seqs, env.Seq)
		}
	}
	if len(seqs) != 2 || seqs[0] != 2 || seqs[1] != 3 {
		t.Errorf("replayed seqs = %v, want [2 3]", seqs)
	}
}

func TestHub_SubscribeChangesFilter(t *testing.T) {
	h := NewHub(10)
	srv := httptest.NewServer(httptestMux(h))
	defer srv.Close()
	defer h.Close()

	conn := dial(t, srv, "")
	waitClients(t, h, 1)

	if err := conn.WriteJSON(map[string]any{"type": "SUBSCRIBE", "req_id": "r1", "symbols": []string{"msft"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, ack, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if !strings.Contains(string(ack), `"subscribed"`) || !strings.Contains(string(ack), `"MSFT"`) {
		t.Fatalf("ack = %s", ack)
	}

	h.Broadcast(event("p1", "AAPL", model.EventCreated))
	h.Broadcast(event("p1", "MSFT", model.EventCreated))

	got := readEnvelopes(t, conn)
	if len(got) != 1 || got[0].Data.Symbol != "MSFT" {
		t.Errorf("got %+v, want only the MSFT event", got)
	}
}

func TestHub_RemovesClientOnDisconnect(t *testing.T) {
	h := NewHub(10)
	srv := httptest.NewServer(httptestMux(h))
	defer srv.Close()

	conn := dial(t, srv, "")
	waitClients(t, h, 1)
	conn.Close()
	waitClients(t, h, 0)
}

func TestHub_RegisterDuringBroadcastDeliversEachSeqOnce(t *testing.T) {
	const events = 200
	h := NewHub(1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	clients := map[*Client]int64{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < events; i++ {
			h.Broadcast(event("p1", "AAPL", model.EventCreated))
		}
	}()
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newClient(h, nil, Filter{})
			since := h.Seq() / 2
			h.register(c, since, true)
			mu.Lock()
			clients[c] = since
			mu.Unlock()
		}()
	}
	wg.Wait()

	for c, since := range clients {
		want := since + 1
		for len(c.send) > 0 {
			var env envelope
			if err := json.Unmarshal(<-c.send, &env); err != nil {
				t.Fatal(err)
			}
			if env.Seq != want {
				t.Fatalf("since=%d: got seq %d, want %d", since, env.Seq, want)
			}
			want++
		}
		if want != events+1 {
			t.Errorf("since=%d: stream ended at seq %d, want %d", since, want-1, events)
		}
	}
}

func httptestMux(h *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	return mux
}
