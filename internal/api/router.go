// Package api is the HTTP surface of the order engine.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"autotrade/internal/engine"
	"autotrade/internal/gateway"
	"autotrade/internal/model"
)

// PricePoster accepts operator-supplied prices (admin route). Without Redis
// it is the in-process feed; with Redis it publishes into the cache.
type PricePoster func(ctx context.Context, snap model.PriceSnapshot) error

// Deps are the collaborators the routes need. Hub and Prices are optional.
type Deps struct {
	Engine *engine.Engine
	Hub    *gateway.Hub
	Prices PricePoster

	AdminTOTPSecret string
	RPS             float64
	Burst           int
	Now             func() time.Time
}

// Server holds the handlers.
type Server struct {
	deps    Deps
	limiter *RateLimiter
}

// NewServer creates a Server. Call Cleanup on its limiter's context via
// Start, or leave it; idle visitors are then never forgotten.
func NewServer(d Deps) *Server {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Server{deps: d, limiter: NewRateLimiter(d.RPS, d.Burst)}
}

// Limiter exposes the rate limiter so the caller can run its cleanup loop.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

// Router builds the route table:
//
//	GET    /api/v1/health
//	POST   /api/v1/orders
//	POST   /api/v1/orders/recommend
//	GET    /api/v1/orders?status=APPROVED,PENDING
//	GET    /api/v1/orders/{id}
//	POST   /api/v1/orders/{id}/assign
//	POST   /api/v1/orders/{id}/cancel
//	POST   /api/v1/portfolios                    (admin)
//	GET    /api/v1/portfolios/{id}
//	GET    /api/v1/portfolios/{id}/orders
//	POST   /api/v1/portfolios/{id}/deposit       (admin)
//	POST   /api/v1/portfolios/{id}/withdraw      (admin)
//	GET    /api/v1/prices/{symbol}
//	POST   /api/v1/admin/prices                  (admin)
//	POST   /api/v1/admin/sweep                   (admin)
//	GET    /api/v1/events?from=&to=&portfolio_id=
//	GET    /ws
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(Tracing)

	if s.deps.Hub != nil {
		r.HandleFunc("/ws", s.deps.Hub.ServeWS).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.limiter.Middleware)
	v1.HandleFunc("/health", s.health).Methods(http.MethodGet)

	v1.HandleFunc("/orders", s.createOrder).Methods(http.MethodPost)
	v1.HandleFunc("/orders/recommend", s.recommend).Methods(http.MethodPost)
	v1.HandleFunc("/orders", s.listOrders).Methods(http.MethodGet)
	v1.HandleFunc("/orders/{id}", s.getOrder).Methods(http.MethodGet)
	v1.HandleFunc("/orders/{id}/assign", s.assignOrder).Methods(http.MethodPost)
	v1.HandleFunc("/orders/{id}/cancel", s.cancelOrder).Methods(http.MethodPost)

	v1.HandleFunc("/portfolios/{id}", s.getPortfolio).Methods(http.MethodGet)
	v1.HandleFunc("/portfolios/{id}/orders", s.portfolioOrders).Methods(http.MethodGet)
	v1.HandleFunc("/prices/{symbol}", s.getPrice).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.events).Methods(http.MethodGet)

	admin := v1.NewRoute().Subrouter()
	admin.Use(AdminGuard(s.deps.AdminTOTPSecret, s.deps.Now))
	admin.HandleFunc("/portfolios", s.createPortfolio).Methods(http.MethodPost)
	admin.HandleFunc("/portfolios/{id}/deposit", s.deposit).Methods(http.MethodPost)
	admin.HandleFunc("/portfolios/{id}/withdraw", s.withdraw).Methods(http.MethodPost)
	admin.HandleFunc("/admin/prices", s.postPrice).Methods(http.MethodPost)
	admin.HandleFunc("/admin/sweep", s.sweep).Methods(http.MethodPost)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	opts := s.deps.Engine.Options()
	body := map[string]any{
		"status":    "ok",
		"scheduler": s.deps.Engine.Scheduler().Running(),
		"market":    opts.Calendar.StatusString(s.deps.Now()),
	}
	if err := s.deps.Engine.Ping(ctx); err != nil {
		body["status"] = "degraded"
		body["store_error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	if s.deps.Hub != nil {
		body["stream"] = s.deps.Hub.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}
