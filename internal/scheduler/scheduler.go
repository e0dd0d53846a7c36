// Package scheduler drives the engine: it evaluates stops on every tick for
// held symbols, runs the periodic re-evaluation cycle, and keeps faulted or
// stale symbols suspended from automated action until they recover.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/automatetrade/execution-engine/internal/marketdata"
	"github.com/automatetrade/execution-engine/internal/metrics"
	"github.com/automatetrade/execution-engine/internal/model"
	"github.com/automatetrade/execution-engine/internal/order"
	"github.com/automatetrade/execution-engine/internal/risk"
)

// Ledger is the read side of the portfolio ledger plus the high-water mark
// update driven by ticks.
type Ledger interface {
	Snapshot(prices map[string]model.Tick) (model.Snapshot, error)
	Position(symbol string) (model.Position, bool)
	MarkPrice(ctx context.Context, symbol string, price decimal.Decimal) (model.Position, bool, error)
	Policy() model.RiskPolicy
}

// Orders is the order lifecycle manager as seen by the scheduler.
type Orders interface {
	Submit(ctx context.Context, intent model.OrderIntent) (model.OrderRecord, error)
	Replace(ctx context.Context, orderID string, intent model.OrderIntent) (model.OrderRecord, error)
	Order(id string) (model.OrderRecord, bool)
	OpenOrder(symbol string) (model.OrderRecord, bool)
	Faults() map[string]model.ReconciliationFault
	Sweep(ctx context.Context, now time.Time) []model.OrderRecord
	Reconcile(ctx context.Context, symbol string) error
	Run(ctx context.Context) error
}

// Prices is the market data hub.
type Prices interface {
	Subscribe(symbols ...string) *marketdata.Subscription
	Prices() map[string]model.Tick
}

// Targets supplies strategy target holdings, drained once per cycle.
type Targets interface {
	Take(ctx context.Context) (map[string]int64, error)
}

// Suspension reasons.
const (
	SuspendStalePrice     = "stale_price"
	SuspendReconciliation = "reconciliation_fault"
	SuspendGateway        = "gateway_failure"
)

// Event types emitted to OnEvent listeners.
const (
	EventStopTriggered   = "stop_triggered"
	EventSymbolSuspended = "symbol_suspended"
	EventSymbolResumed   = "symbol_resumed"
)

// Suspension records why a symbol receives no automated intents.
type Suspension struct {
	Symbol string    `json:"symbol"`
	Reason string    `json:"reason"`
	Detail string    `json:"detail,omitempty"`
	Since  time.Time `json:"since"`
}

// Event is a notable scheduler decision.
type Event struct {
	Type    string    `json:"type"`
	Symbol  string    `json:"symbol"`
	Reason  string    `json:"reason,omitempty"`
	OrderID string    `json:"order_id,omitempty"`
	Time    time.Time `json:"time"`
}

// Config holds the scheduler settings.
type Config struct {
	Cadence           Cadence
	Session           Session
	ReconcileInterval time.Duration
}

// CycleReport summarizes one periodic cycle.
type CycleReport struct {
	Forced    map[string]model.Reason
	Submitted []string
	Skipped   map[string]string
	// Deferred is set when the cycle fell outside the trading session and
	// left the strategy targets for the next one.
	Deferred bool
}

// Scheduler coordinates the engine's actors.
type Scheduler struct {
	cfg     Config
	ledger  Ledger
	orders  Orders
	prices  Prices
	targets Targets
	sectors risk.SectorLookup
	now     func() time.Time

	mu          sync.Mutex
	suspensions map[string]map[string]Suspension
	exits       map[string]string
	listeners   []func(Event)
}

// New creates a scheduler.
func New(cfg Config, l Ledger, o Orders, p Prices, t Targets, sectors risk.SectorLookup) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		ledger:      l,
		orders:      o,
		prices:      p,
		targets:     t,
		sectors:     sectors,
		now:         time.Now,
		suspensions: make(map[string]map[string]Suspension),
		exits:       make(map[string]string),
	}
}

// OnEvent registers a listener. Listeners must not block.
func (s *Scheduler) OnEvent(fn func(Event)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Scheduler) emit(ev Event) {
	ev.Time = s.now().UTC()
	s.mu.Lock()
	ls := append(([]func(Event))(nil), s.listeners...)
	s.mu.Unlock()
	for _, fn := range ls {
		fn(ev)
	}
}

// Run starts the tick loop, the cycle timer, the reconcile loop and the
// gateway event loop, and returns when ctx is cancelled or any of them fails.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.orders.Run(ctx) })
	g.Go(func() error { return s.tickLoop(ctx) })
	g.Go(func() error { return s.cycleLoop(ctx) })
	g.Go(func() error { return s.reconcileLoop(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) tickLoop(ctx context.Context) error {
	sub := s.prices.Subscribe()
	defer sub.Close()
	for t := range sub.All(ctx) {
		s.OnTick(ctx, t)
	}
	return ctx.Err()
}

func (s *Scheduler) cycleLoop(ctx context.Context) error {
	for {
		next := s.cfg.Cadence.Next(s.now())
		slog.Info("next cycle scheduled", "at", next)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if _, err := s.RunCycle(ctx); err != nil {
			slog.Error("cycle failed", "err", err)
		}
	}
}

func (s *Scheduler) reconcileLoop(ctx context.Context) error {
	if s.cfg.ReconcileInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.ReconcileOnce(ctx)
		}
	}
}

// OnTick evaluates stop and time exits for a held symbol at the tick price.
// A breached stop is acted on immediately rather than at the next cycle.
// Outside the trading session the tick only marks the position.
func (s *Scheduler) OnTick(ctx context.Context, t model.Tick) {
	if _, held := s.ledger.Position(t.Symbol); !held || !t.Last.IsPositive() {
		return
	}
	s.lift(t.Symbol, SuspendStalePrice)
	if s.Suspended(t.Symbol) {
		return
	}

	pos, held, err := s.ledger.MarkPrice(ctx, t.Symbol, t.Last)
	if err != nil {
		slog.Error("mark price failed", "symbol", t.Symbol, "err", err)
		return
	}
	if !held {
		return
	}
	if !s.MarketOpen() {
		slog.Debug("market closed, exit check deferred", "symbol", t.Symbol)
		return
	}
	if reason, ok := s.exitReason(pos, t.Last); ok {
		s.forceExit(ctx, pos, reason)
	}
}

// exitReason reports whether pos must be exited at price.
func (s *Scheduler) exitReason(pos model.Position, price decimal.Decimal) (model.Reason, bool) {
	policy := s.ledger.Policy()
	if v := risk.CheckStopExit(pos, policy, price); v.Allowed {
		return model.ReasonRiskStop, true
	}
	if v := risk.CheckTimeExit(pos, policy, s.now(), price); v.Allowed {
		return model.ReasonTimeExit, true
	}
	return "", false
}

// exiting reports whether a forced exit for symbol is already in flight.
// Caller holds s.mu.
func (s *Scheduler) exiting(symbol string) bool {
	id, ok := s.exits[symbol]
	if !ok {
		return false
	}
	rec, known := s.orders.Order(id)
	if known && !rec.State.Terminal() {
		return true
	}
	if !known {
		// A replacement waits for the cancel of the order it replaces.
		if _, open := s.orders.OpenOrder(symbol); open {
			return true
		}
	}
	delete(s.exits, symbol)
	return false
}

// forceExit sells the whole position. Forced exits bypass position and
// sector limits. A working non-exit order on the symbol is replaced.
func (s *Scheduler) forceExit(ctx context.Context, pos model.Position, reason model.Reason) {
	intent := order.NewIntent(pos.Symbol, model.SideSell, pos.Quantity, model.KindMarket, reason)

	open, hasOpen := s.orders.OpenOrder(pos.Symbol)

	s.mu.Lock()
	if s.exiting(pos.Symbol) {
		s.mu.Unlock()
		return
	}
	if hasOpen && open.Intent.Reason.Forced() {
		s.exits[pos.Symbol] = open.ID
		s.mu.Unlock()
		return
	}
	s.exits[pos.Symbol] = intent.ID
	s.mu.Unlock()

	metrics.StopTriggers.WithLabelValues(string(reason)).Inc()
	slog.Warn("forced exit triggered",
		"symbol", pos.Symbol,
		"reason", reason,
		"qty", pos.Quantity,
		"order_id", intent.ID,
	)
	s.emit(Event{Type: EventStopTriggered, Symbol: pos.Symbol, Reason: string(reason), OrderID: intent.ID})

	var err error
	if hasOpen {
		_, err = s.orders.Replace(ctx, open.ID, intent)
	} else {
		_, err = s.orders.Submit(ctx, intent)
	}
	if err != nil {
		s.mu.Lock()
		delete(s.exits, pos.Symbol)
		s.mu.Unlock()
		s.submitFailed(pos.Symbol, intent, err)
	}
}

// submitFailed classifies a submit error. Validation failures are ordinary
// "no action" outcomes; anything else suspends the symbol.
func (s *Scheduler) submitFailed(symbol string, intent model.OrderIntent, err error) {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		slog.Info("intent not submitted, no action taken", "symbol", symbol, "reason", intent.Reason, "err", err)
	case errors.Is(err, model.ErrSymbolSuspended):
		s.suspend(symbol, SuspendReconciliation, err.Error())
	default:
		s.suspend(symbol, SuspendGateway, err.Error())
	}
}

// RunCycle performs one periodic re-evaluation: refresh suspensions, force
// exits for breached stops and expired holdings, then converge on strategy
// targets. A symbol with a forced exit ignores its rebalancing target.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleReport, error) {
	start := time.Now()
	defer func() { metrics.CycleDuration.Observe(time.Since(start).Seconds()) }()

	report := CycleReport{Forced: make(map[string]model.Reason), Skipped: make(map[string]string)}
	prices := s.prices.Prices()
	snap, err := s.ledger.Snapshot(prices)
	var stale *model.StalePriceError
	if err != nil && !errors.As(err, &stale) {
		return report, fmt.Errorf("snapshot: %w", err)
	}
	s.syncStale(snap, stale)
	s.syncFaults()

	if !s.MarketOpen() {
		report.Deferred = true
		slog.Info("market closed, cycle deferred", "at", s.now())
		return report, nil
	}

	for _, sym := range sortedKeys(snap.Positions) {
		pos := snap.Positions[sym]
		if s.Suspended(sym) {
			continue
		}
		if reason, ok := s.exitReason(pos, snap.Prices[sym]); ok {
			report.Forced[sym] = reason
			s.forceExit(ctx, pos, reason)
		}
	}

	targets, err := s.targets.Take(ctx)
	if err != nil {
		return report, fmt.Errorf("take targets: %w", err)
	}
	for _, sym := range sortedKeys(targets) {
		if why := s.rebalance(ctx, snap, prices, sym, targets[sym], report.Forced); why != "" {
			report.Skipped[sym] = why
			continue
		}
		report.Submitted = append(report.Submitted, sym)
	}

	slog.Info("cycle complete",
		"forced", len(report.Forced),
		"submitted", len(report.Submitted),
		"skipped", len(report.Skipped),
		"duration", time.Since(start),
	)
	return report, nil
}

// rebalance moves the holding of symbol towards target. It returns why
// nothing was submitted, or "" on submission.
func (s *Scheduler) rebalance(ctx context.Context, snap model.Snapshot, prices map[string]model.Tick, symbol string, target int64, forced map[string]model.Reason) string {
	s.mu.Lock()
	busy := s.exiting(symbol)
	s.mu.Unlock()
	if _, ok := forced[symbol]; ok || busy {
		slog.Info("rebalance skipped, forced exit takes precedence", "symbol", symbol)
		return "forced_exit"
	}
	if s.Suspended(symbol) {
		slog.Info("rebalance skipped, symbol suspended", "symbol", symbol)
		return "suspended"
	}
	if _, ok := s.orders.OpenOrder(symbol); ok {
		slog.Info("rebalance skipped, order already working", "symbol", symbol)
		return "open_order"
	}

	diff := target - snap.Positions[symbol].Quantity
	if diff == 0 {
		return "at_target"
	}

	side := model.SideBuy
	qty := diff
	if diff < 0 {
		side = model.SideSell
		qty = -diff
	} else {
		price := priceFor(snap, prices, symbol)
		if !price.IsPositive() {
			metrics.RiskRejections.WithLabelValues(risk.ReasonNoPrice).Inc()
			slog.Info("no action taken", "symbol", symbol, "reason", risk.ReasonNoPrice)
			return risk.ReasonNoPrice
		}
		policy := s.ledger.Policy()
		if max := risk.MaxQuantity(snap, policy, symbol, price); qty > max {
			slog.Info("buy clamped to position limit", "symbol", symbol, "wanted", qty, "max", max)
			qty = max
		}
		if qty <= 0 {
			metrics.RiskRejections.WithLabelValues(risk.ReasonPositionLimit).Inc()
			slog.Info("no action taken", "symbol", symbol, "reason", risk.ReasonPositionLimit)
			return risk.ReasonPositionLimit
		}
		for _, v := range []risk.Verdict{
			risk.CheckPositionSizeLimit(snap, policy, symbol, qty, price),
			risk.CheckSectorLimit(snap, policy, s.sectors, symbol, qty, price),
		} {
			if !v.Allowed {
				metrics.RiskRejections.WithLabelValues(v.Reason).Inc()
				slog.Info("no action taken", "symbol", symbol, "reason", v.Reason)
				return v.Reason
			}
		}
	}

	intent := order.NewIntent(symbol, side, qty, model.KindMarket, model.ReasonRebalance)
	if _, err := s.orders.Submit(ctx, intent); err != nil {
		s.submitFailed(symbol, intent, err)
		return "submit_failed"
	}
	return ""
}

func priceFor(snap model.Snapshot, prices map[string]model.Tick, symbol string) decimal.Decimal {
	if p, ok := snap.Prices[symbol]; ok && p.IsPositive() {
		return p
	}
	if t, ok := prices[symbol]; ok {
		return t.Last
	}
	return decimal.Zero
}

// ReconcileOnce expires unresponsive orders and queries the broker for every
// faulted or gateway-suspended symbol, lifting suspensions that resolve.
func (s *Scheduler) ReconcileOnce(ctx context.Context) {
	for _, r := range s.orders.Sweep(ctx, s.now()) {
		s.suspend(r.Symbol(), SuspendReconciliation, r.Note)
	}
	s.syncFaults()

	seen := make(map[string]bool)
	for _, sus := range s.Suspensions() {
		if sus.Reason == SuspendStalePrice || seen[sus.Symbol] {
			continue
		}
		seen[sus.Symbol] = true
		if err := s.ReconcileSymbol(ctx, sus.Symbol); err != nil {
			slog.Warn("reconcile failed, symbol stays suspended", "symbol", sus.Symbol, "err", err)
		}
	}
}

// ReconcileSymbol runs a broker status query for symbol and lifts its
// suspension if no fault remains.
func (s *Scheduler) ReconcileSymbol(ctx context.Context, symbol string) error {
	if err := s.orders.Reconcile(ctx, symbol); err != nil {
		return err
	}
	if _, faulted := s.orders.Faults()[symbol]; faulted {
		return fmt.Errorf("%s still has unresolved orders", symbol)
	}
	s.lift(symbol, SuspendReconciliation)
	s.lift(symbol, SuspendGateway)
	return nil
}

func (s *Scheduler) syncStale(snap model.Snapshot, stale *model.StalePriceError) {
	for sym := range snap.Positions {
		if stale != nil && stale.Has(sym) {
			s.suspend(sym, SuspendStalePrice, "price missing or older than staleness bound")
		} else {
			s.lift(sym, SuspendStalePrice)
		}
	}
}

func (s *Scheduler) syncFaults() {
	faults := s.orders.Faults()
	for sym, f := range faults {
		s.suspend(sym, SuspendReconciliation, f.Msg)
	}
	for _, sus := range s.Suspensions() {
		if _, ok := faults[sus.Symbol]; !ok && sus.Reason == SuspendReconciliation {
			s.lift(sus.Symbol, SuspendReconciliation)
		}
	}
}

// MarketOpen reports whether automated intents may be issued now.
func (s *Scheduler) MarketOpen() bool {
	return s.cfg.Session.IsOpen(s.now())
}

// suspend adds reason to the suspensions of symbol. Each reason is lifted
// on its own.
func (s *Scheduler) suspend(symbol, reason, detail string) {
	s.mu.Lock()
	reasons, ok := s.suspensions[symbol]
	if !ok {
		reasons = make(map[string]Suspension)
		s.suspensions[symbol] = reasons
	}
	if _, dup := reasons[reason]; dup {
		s.mu.Unlock()
		return
	}
	reasons[reason] = Suspension{Symbol: symbol, Reason: reason, Detail: detail, Since: s.now().UTC()}
	n := len(s.suspensions)
	s.mu.Unlock()

	metrics.SuspendedSymbols.Set(float64(n))
	slog.Error("symbol suspended", "symbol", symbol, "reason", reason, "detail", detail)
	s.emit(Event{Type: EventSymbolSuspended, Symbol: symbol, Reason: reason})
}

// lift clears reason from the suspensions of symbol. The symbol resumes once
// no reason is left.
func (s *Scheduler) lift(symbol, reason string) {
	s.mu.Lock()
	reasons := s.suspensions[symbol]
	if _, ok := reasons[reason]; !ok {
		s.mu.Unlock()
		return
	}
	delete(reasons, reason)
	remaining := len(reasons)
	if remaining == 0 {
		delete(s.suspensions, symbol)
	}
	n := len(s.suspensions)
	s.mu.Unlock()

	if remaining > 0 {
		slog.Info("suspension reason cleared", "symbol", symbol, "reason", reason, "remaining", remaining)
		return
	}
	metrics.SuspendedSymbols.Set(float64(n))
	slog.Info("symbol resumed", "symbol", symbol, "was", reason)
	s.emit(Event{Type: EventSymbolResumed, Symbol: symbol, Reason: reason})
}

// Suspended reports whether symbol is excluded from automated action.
func (s *Scheduler) Suspended(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.suspensions[symbol]
	return ok
}

// Suspensions lists current suspensions by symbol, then reason. A symbol
// suspended for several reasons appears once per reason.
func (s *Scheduler) Suspensions() []Suspension {
	s.mu.Lock()
	out := make([]Suspension, 0, len(s.suspensions))
	for _, reasons := range s.suspensions {
		for _, sus := range reasons {
			out = append(out, sus)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Reason < out[j].Reason
	})
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
