// Package api provides the operator HTTP handlers: portfolio and order
// queries, manual intents, strategy targets, suspensions and reconciliation.
//
// All monetary values use shopspring/decimal, never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/automatetrade/execution-engine/internal/model"
	"github.com/automatetrade/execution-engine/internal/order"
	"github.com/automatetrade/execution-engine/internal/risk"
	"github.com/automatetrade/execution-engine/internal/scheduler"
)

// Portfolio is the ledger read side.
type Portfolio interface {
	Snapshot(prices map[string]model.Tick) (model.Snapshot, error)
}

// Orders is the order lifecycle manager.
type Orders interface {
	Submit(ctx context.Context, intent model.OrderIntent) (model.OrderRecord, error)
	Cancel(ctx context.Context, id string) (model.OrderRecord, error)
	Order(id string) (model.OrderRecord, bool)
	Orders() []model.OrderRecord
}

// Quotes is the market data hub.
type Quotes interface {
	Latest(symbol string) (model.Tick, bool)
	Prices() map[string]model.Tick
}

// Targets accepts strategy target holdings.
type Targets interface {
	Set(targets map[string]int64) error
}

// Supervisor exposes scheduler suspensions and on-demand reconciliation.
type Supervisor interface {
	Suspensions() []scheduler.Suspension
	ReconcileSymbol(ctx context.Context, symbol string) error
}

// Deps are the collaborators of a Service.
type Deps struct {
	Portfolio  Portfolio
	Orders     Orders
	Quotes     Quotes
	Targets    Targets
	Supervisor Supervisor
	Sectors    risk.SectorLookup
	Hub        *WSHub // optional
}

// Service serves the operator API.
type Service struct {
	Deps
}

// NewService creates a new API service.
func NewService(deps Deps) *Service {
	return &Service{Deps: deps}
}

// Routes mounts the /api/v1 handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/portfolio", s.GetPortfolio)
	r.Get("/orders", s.ListOrders)
	r.Post("/orders", s.CreateOrder)
	r.Get("/orders/{orderID}", s.GetOrder)
	r.Post("/orders/{orderID}/cancel", s.CancelOrder)
	r.Post("/targets", s.SetTargets)
	r.Get("/quotes/{symbol}", s.GetQuote)
	r.Get("/suspensions", s.ListSuspensions)
	r.Post("/reconcile/{symbol}", s.Reconcile)
	if s.Hub != nil {
		r.Get("/ws", s.Hub.HandleWS)
	}
}

// --- Event fan-out ---

// OrderUpdated broadcasts an order record change.
func (s *Service) OrderUpdated(rec model.OrderRecord) {
	if s.Hub == nil {
		return
	}
	s.Hub.Broadcast(WSMessage{
		Type:    MsgOrderUpdated,
		Symbol:  rec.Symbol(),
		OrderID: rec.ID,
		State:   rec.State,
		Reason:  string(rec.Intent.Reason),
		Order:   &rec,
		Time:    rec.UpdatedAt,
	})
}

// SchedulerEvent broadcasts a stop trigger or suspension change.
func (s *Service) SchedulerEvent(ev scheduler.Event) {
	if s.Hub == nil {
		return
	}
	msg := WSMessage{Symbol: ev.Symbol, OrderID: ev.OrderID, Reason: ev.Reason, Time: ev.Time}
	switch ev.Type {
	case scheduler.EventStopTriggered:
		msg.Type = MsgStopTriggered
	case scheduler.EventSymbolSuspended:
		msg.Type = MsgSymbolSuspended
	case scheduler.EventSymbolResumed:
		msg.Type = MsgSymbolResumed
	default:
		return
	}
	s.Hub.Broadcast(msg)
}

// --- Request/Response types ---

// OrderRequest is the JSON body for POST /orders.
type OrderRequest struct {
	ID         string          `json:"id"` // optional idempotency key
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Quantity   int64           `json:"quantity"`
	Kind       string          `json:"kind"` // MARKET (default), LIMIT or STOP
	LimitPrice decimal.Decimal `json:"limit_price"`
	StopPrice  decimal.Decimal `json:"stop_price"`
}

// TargetsRequest is the JSON body for POST /targets.
type TargetsRequest struct {
	Targets map[string]int64 `json:"targets"`
}

// PortfolioResponse is the JSON body of GET /portfolio.
type PortfolioResponse struct {
	model.Snapshot
	AvailableCash  decimal.Decimal            `json:"available_cash"`
	SectorExposure map[string]decimal.Decimal `json:"sector_exposure"`
	StaleSymbols   []string                   `json:"stale_symbols,omitempty"`
}

// --- HTTP Handlers ---

// GetPortfolio handles GET /api/v1/portfolio
// Prices missing or past the staleness bound are listed in stale_symbols;
// those positions are valued at entry price.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Portfolio.Snapshot(s.Quotes.Prices())
	var stale *model.StalePriceError
	if err != nil && !errors.As(err, &stale) {
		writeError(w, "failed to build snapshot", http.StatusInternalServerError)
		return
	}

	resp := PortfolioResponse{
		Snapshot:      snap,
		AvailableCash: snap.AvailableCash(),
	}
	if s.Sectors != nil {
		resp.SectorExposure = risk.SectorExposure(snap, s.Sectors)
	}
	if stale != nil {
		resp.StaleSymbols = stale.Symbols
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListOrders handles GET /api/v1/orders
// Optional filters: ?symbol=AAPL and ?status=open|closed.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	status := r.URL.Query().Get("status")
	if status != "" && status != "open" && status != "closed" {
		writeError(w, "status must be open or closed", http.StatusBadRequest)
		return
	}

	out := []model.OrderRecord{}
	for _, rec := range s.Orders.Orders() {
		if symbol != "" && rec.Symbol() != symbol {
			continue
		}
		if status == "open" && !rec.Open() || status == "closed" && rec.Open() {
			continue
		}
		out = append(out, rec)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.Orders.Order(chi.URLParam(r, "orderID"))
	if !ok {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// CreateOrder handles POST /api/v1/orders
// Submits a manual intent. The response carries the record as of the
// broker acknowledgment, or the rejection reason.
func (s *Service) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	kind := model.KindMarket
	if req.Kind != "" {
		kind = model.OrderKind(strings.ToUpper(req.Kind))
	}
	intent := order.NewIntent(req.Symbol, model.Side(strings.ToUpper(req.Side)), req.Quantity, kind, model.ReasonManual)
	if req.ID != "" {
		intent.ID = req.ID
	}
	intent.LimitPrice = req.LimitPrice
	intent.StopPrice = req.StopPrice

	rec, err := s.Orders.Submit(r.Context(), intent)
	if err != nil {
		writeError(w, err.Error(), submitStatus(err))
		return
	}

	slog.Info("manual order accepted",
		"order_id", rec.ID,
		"symbol", rec.Symbol(),
		"side", rec.Intent.Side,
		"qty", rec.Intent.Quantity,
		"state", rec.State,
	)
	writeJSON(w, http.StatusCreated, rec)
}

func submitStatus(err error) int {
	var ve *model.ValidationError
	var te *model.TerminalGatewayError
	switch {
	case errors.Is(err, model.ErrSymbolSuspended),
		errors.Is(err, model.ErrOpenOrderExists),
		errors.Is(err, model.ErrInsufficientCash),
		errors.Is(err, model.ErrInsufficientPosition):
		return http.StatusConflict
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &te), model.IsTransient(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel
// Returns 202 while the broker has yet to confirm the cancel.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Orders.Cancel(r.Context(), chi.URLParam(r, "orderID"))
	switch {
	case err == nil, errors.Is(err, model.ErrCancelPending):
		status := http.StatusAccepted
		if rec.State.Terminal() {
			status = http.StatusOK
		}
		writeJSON(w, status, rec)
	case errors.Is(err, model.ErrOrderNotFound):
		writeError(w, "order not found", http.StatusNotFound)
	case errors.Is(err, model.ErrTerminalOrder):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, err.Error(), http.StatusBadGateway)
	}
}

// SetTargets handles POST /api/v1/targets
// Targets are consumed by the next periodic cycle.
func (s *Service) SetTargets(w http.ResponseWriter, r *http.Request) {
	var req TargetsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Targets) == 0 {
		writeError(w, "targets are required", http.StatusBadRequest)
		return
	}
	if err := s.Targets.Set(req.Targets); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	slog.Info("strategy targets received", "symbols", len(req.Targets))
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(req.Targets)})
}

// GetQuote handles GET /api/v1/quotes/{symbol}
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	t, ok := s.Quotes.Latest(strings.ToUpper(chi.URLParam(r, "symbol")))
	if !ok {
		writeError(w, "no quote for symbol", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListSuspensions handles GET /api/v1/suspensions
func (s *Service) ListSuspensions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Supervisor.Suspensions())
}

// Reconcile handles POST /api/v1/reconcile/{symbol}
// Queries the broker for every unresolved order on symbol and resumes it
// when nothing remains in doubt.
func (s *Service) Reconcile(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	if !model.ValidTicker(symbol) {
		writeError(w, "invalid symbol", http.StatusBadRequest)
		return
	}
	if err := s.Supervisor.ReconcileSymbol(r.Context(), symbol); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	slog.Info("symbol reconciled on request", "symbol", symbol)
	writeJSON(w, http.StatusOK, map[string]string{"symbol": symbol, "status": "reconciled"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
