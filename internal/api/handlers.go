package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"autotrade/internal/model"
	"autotrade/internal/recommender"
)

// ── Orders ──

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var spec model.OrderSpec
	if err := decodeJSON(w, r, &spec); err != nil {
		writeError(w, r, err, nil)
		return
	}
	o, err := s.deps.Engine.CreateOrder(r.Context(), spec)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

type recommendResponse struct {
	Order  *model.Order `json:"order"`
	Intent model.Intent `json:"intent"`
}

func (s *Server) recommend(w http.ResponseWriter, r *http.Request) {
	var req recommender.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	o, intent, err := s.deps.Engine.CreateFromRecommendation(r.Context(), req)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, recommendResponse{Order: o, Intent: intent})
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.deps.Engine.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		writeError(w, r, model.Invalid("status", "query parameter is required"), nil)
		return
	}
	var statuses []model.Status
	for _, part := range strings.Split(raw, ",") {
		st := model.Status(strings.ToUpper(strings.TrimSpace(part)))
		if !st.Valid() {
			writeError(w, r, model.Invalid("status", "unknown status %q", part), nil)
			return
		}
		statuses = append(statuses, st)
	}
	list, err := s.deps.Engine.OrdersByStatus(r.Context(), statuses...)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, orderList(list))
}

type assignRequest struct {
	PortfolioID string             `json:"portfolio_id"`
	Rule        model.StrategyRule `json:"rule"`
}

func (s *Server) assignOrder(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	o, err := s.deps.Engine.AssignOrder(r.Context(), mux.Vars(r)["id"], req.PortfolioID, req.Rule)
	if err != nil {
		// A rejection persisted the order; return it with the reason.
		writeError(w, r, err, o)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.deps.Engine.CancelOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err, o)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func orderList(list []*model.Order) map[string]any {
	if list == nil {
		list = []*model.Order{}
	}
	return map[string]any{"orders": list, "count": len(list)}
}

// ── Portfolios ──

type portfolioRequest struct {
	ID   string          `json:"id"`
	Cash decimal.Decimal `json:"cash"`
}

func (s *Server) createPortfolio(w http.ResponseWriter, r *http.Request) {
	var req portfolioRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	snap, err := s.deps.Engine.CreatePortfolio(r.Context(), req.ID, req.Cash)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) getPortfolio(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Engine.Portfolio(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) portfolioOrders(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Engine.OrdersByPortfolio(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, orderList(list))
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	snap, err := s.deps.Engine.Deposit(r.Context(), mux.Vars(r)["id"], req.Amount)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	snap, err := s.deps.Engine.Withdraw(r.Context(), mux.Vars(r)["id"], req.Amount)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ── Market data & operations ──

func (s *Server) getPrice(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Engine.Quote(r.Context(), mux.Vars(r)["symbol"])
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type priceRequest struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

func (s *Server) postPrice(w http.ResponseWriter, r *http.Request) {
	if s.deps.Prices == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "price posting disabled", Code: "UNSUPPORTED"})
		return
	}
	var req priceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Symbol == "" {
		writeError(w, r, model.Invalid("symbol", "must not be empty"), nil)
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, r, model.Invalid("price", "must be positive"), nil)
		return
	}
	snap := model.PriceSnapshot{Symbol: req.Symbol, Price: req.Price, Timestamp: s.deps.Now().UTC()}
	if err := s.deps.Prices(r.Context(), snap); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	rep := s.deps.Engine.ForceSweep(r.Context())
	writeJSON(w, http.StatusOK, rep)
}

// events backfills the lifecycle stream: from/to are inclusive sequence
// numbers; to defaults to the latest.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "event stream disabled", Code: "UNSUPPORTED"})
		return
	}
	q := r.URL.Query()
	from, err := parseSeq(q.Get("from"), 1)
	if err != nil {
		writeError(w, r, model.Invalid("from", "%v", err), nil)
		return
	}
	to, err := parseSeq(q.Get("to"), s.deps.Hub.Seq())
	if err != nil {
		writeError(w, r, model.Invalid("to", "%v", err), nil)
		return
	}
	if to < from {
		writeError(w, r, model.Invalid("to", "must not be before from"), nil)
		return
	}
	events := s.deps.Hub.Backfill(from, to, q.Get("portfolio_id"))
	writeJSON(w, http.StatusOK, map[string]any{
		"events":      events,
		"count":       len(events),
		"latest_seq":  s.deps.Hub.Seq(),
		"oldest_seq":  s.deps.Hub.Stats().OldestReplay,
		"server_time": time.Now().UTC(),
	})
}

func parseSeq(s string, fallback int64) (int64, error) {
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("must not be negative")
	}
	return n, nil
}
