package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/automatetrade/execution-engine/internal/gateway"
	"github.com/automatetrade/execution-engine/internal/ledger"
	"github.com/automatetrade/execution-engine/internal/model"
	"github.com/automatetrade/execution-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeGateway is a scripted broker. Errors queued in placeErrs are returned
// by successive PlaceOrder calls before it starts accepting.
type fakeGateway struct {
	mu        sync.Mutex
	placeErrs []error
	placed    []model.OrderIntent
	cancels   []string
	byClient  map[string]string
	statuses  map[string]model.BrokerStatus
	lookups   map[string]model.BrokerStatus
	events    chan model.OrderEvent
	next      int

	// onPlace runs before PlaceOrder returns, as a broker streaming events
	// ahead of its reply would.
	onPlace func(in model.OrderIntent, brokerID string)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		byClient: make(map[string]string),
		statuses: make(map[string]model.BrokerStatus),
		lookups:  make(map[string]model.BrokerStatus),
		events:   make(chan model.OrderEvent, 16),
	}
}

func (g *fakeGateway) Events() <-chan model.OrderEvent { return g.events }

func (g *fakeGateway) GetQuote(context.Context, []string) ([]model.Tick, error) { return nil, nil }

func (g *fakeGateway) PlaceOrder(_ context.Context, in model.OrderIntent) (string, error) {
	id, err := g.place(in)
	if err == nil && g.onPlace != nil {
		g.onPlace(in, id)
	}
	return id, err
}

func (g *fakeGateway) place(in model.OrderIntent) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.placed = append(g.placed, in)
	if len(g.placeErrs) > 0 {
		err := g.placeErrs[0]
		g.placeErrs = g.placeErrs[1:]
		if err != nil {
			return "", err
		}
	}
	if id, ok := g.byClient[in.ID]; ok {
		return id, nil
	}
	g.next++
	id := fmt.Sprintf("B-%d", g.next)
	g.byClient[in.ID] = id
	return id, nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, brokerOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, brokerOrderID)
	return nil
}

func (g *fakeGateway) GetOrderStatus(_ context.Context, brokerOrderID string) (model.BrokerStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.statuses[brokerOrderID]
	if !ok {
		return model.BrokerStatus{}, gateway.ErrUnknownOrder
	}
	return st, nil
}

func (g *fakeGateway) LookupOrder(_ context.Context, clientOrderID string) (model.BrokerStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.lookups[clientOrderID]
	if !ok {
		return model.BrokerStatus{}, gateway.ErrUnknownOrder
	}
	return st, nil
}

func (g *fakeGateway) placeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.placed)
}

func (g *fakeGateway) cancelled() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancels...)
}

type staticPrices map[string]model.Tick

func (s staticPrices) Latest(symbol string) (model.Tick, bool) {
	t, ok := s[symbol]
	return t, ok
}

func testConfig() Config {
	return Config{
		MaxSubmitAttempts: 4,
		BackoffMin:        time.Millisecond,
		BackoffMax:        time.Millisecond,
		AckTimeout:        time.Minute,
		MarketBuffer:      d(0.01),
	}
}

type harness struct {
	m      *Manager
	gw     *fakeGateway
	ledger *ledger.Ledger
	store  *store.MemoryStore
}

func newHarness(t *testing.T, cash float64) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	l := ledger.New(ledger.Config{
		AccountID:   "acct",
		InitialCash: d(cash),
		Policy: model.RiskPolicy{
			MaxPositionFraction: d(1),
			MaxSectorFraction:   d(1),
			StopLossFraction:    d(0.05),
		},
	}, st)
	if err := l.Restore(context.Background()); err != nil {
		t.Fatalf("ledger Restore: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(cancel)

	gw := newFakeGateway()
	prices := staticPrices{"AAPL": {Symbol: "AAPL", Bid: d(9.9), Ask: d(10), Last: d(9.95), Timestamp: time.Now()}}
	m := NewManager(testConfig(), gw, l, prices, st)
	m.sleep = func(context.Context, time.Duration) error { return nil }
	return &harness{m: m, gw: gw, ledger: l, store: st}
}

func limitBuy(id, symbol string, qty int64, limit float64) model.OrderIntent {
	return model.OrderIntent{ID: id, Symbol: symbol, Side: model.SideBuy, Quantity: qty,
		Kind: model.KindLimit, LimitPrice: d(limit), Reason: model.ReasonRebalance}
}

func fillEvent(brokerID string, seq, qty int64, price float64) model.OrderEvent {
	return model.OrderEvent{
		Type:          model.EventFill,
		BrokerOrderID: brokerID,
		Fill:          &model.Fill{BrokerOrderID: brokerID, Seq: seq, Quantity: qty, Price: d(price)},
	}
}

func TestSubmit_ReservesThenFills(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	rec, err := h.m.Submit(ctx, limitBuy("o1", "AAPL", 10, 9))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rec.State != model.StateAccepted || rec.BrokerOrderID != "B-1" {
		t.Fatalf("expected ACCEPTED as B-1, got %s %q", rec.State, rec.BrokerOrderID)
	}
	if !h.ledger.AvailableCash().Equal(d(10)) {
		t.Errorf("expected $10 available after reserving $90, got %s", h.ledger.AvailableCash())
	}
	if syms := h.m.OpenSymbols(); len(syms) != 1 || syms[0] != "AAPL" {
		t.Errorf("expected AAPL working, got %v", syms)
	}

	h.m.HandleEvent(ctx, fillEvent("B-1", 1, 10, 9))

	rec, _ = h.m.Order("o1")
	if rec.State != model.StateFilled || rec.FilledQty != 10 || !rec.AvgFillPrice.Equal(d(9)) {
		t.Errorf("expected FILLED 10 @ 9, got %s %d @ %s", rec.State, rec.FilledQty, rec.AvgFillPrice)
	}
	if !h.ledger.Cash().Equal(d(10)) || !h.ledger.AvailableCash().Equal(d(10)) {
		t.Errorf("expected cash 10 with no holds, got cash %s available %s", h.ledger.Cash(), h.ledger.AvailableCash())
	}
	if _, ok := h.m.OpenOrder("AAPL"); ok {
		t.Error("filled order should not remain open")
	}
}

func TestSubmit_MarketBuyReservesWithBuffer(t *testing.T) {
	h := newHarness(t, 1000)
	in := model.OrderIntent{ID: "o1", Symbol: "AAPL", Side: model.SideBuy, Quantity: 10,
		Kind: model.KindMarket, Reason: model.ReasonManual}

	if _, err := h.m.Submit(context.Background(), in); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// 10 shares at ask 10 plus 1%.
	if !h.ledger.AvailableCash().Equal(d(899)) {
		t.Errorf("expected 899 available, got %s", h.ledger.AvailableCash())
	}

	in.ID, in.Symbol = "o2", "MSFT"
	_, err := h.m.Submit(context.Background(), in)
	if !errors.Is(err, model.ErrNoReferencePrice) {
		t.Errorf("market buy without a quote should fail, got %v", err)
	}
}

func TestSubmit_ConcurrentBuysSecondFailsOnCash(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, sym := range []string{"AAPL", "MSFT"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.m.Submit(ctx, limitBuy(fmt.Sprintf("o%d", i), sym, 10, 9))
		}()
	}
	wg.Wait()

	var ok, failed int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		var ve *model.ValidationError
		if !errors.As(err, &ve) || !errors.Is(err, model.ErrInsufficientCash) {
			t.Fatalf("expected a cash validation error, got %v", err)
		}
		if err.Error() != "validation: insufficient available cash" {
			t.Errorf("unexpected message %q", err.Error())
		}
		failed++
	}
	if ok != 1 || failed != 1 {
		t.Errorf("expected one success and one failure, got %d/%d", ok, failed)
	}
	if !h.ledger.AvailableCash().Equal(d(10)) {
		t.Errorf("expected a single $90 hold, available %s", h.ledger.AvailableCash())
	}
}

func TestSubmit_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t, 100)
	timeout := &model.TransientGatewayError{Op: "place_order", Err: context.DeadlineExceeded}
	h.gw.placeErrs = []error{timeout, timeout, timeout}

	rec, err := h.m.Submit(context.Background(), limitBuy("o1", "AAPL", 10, 9))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rec.State != model.StateAccepted || rec.SubmitAttempts != 4 {
		t.Errorf("expected ACCEPTED after 4 attempts, got %s after %d", rec.State, rec.SubmitAttempts)
	}
	if n := h.gw.placeCount(); n != 4 {
		t.Errorf("expected 4 placeOrder calls, got %d", n)
	}
	if !h.ledger.AvailableCash().Equal(d(10)) {
		t.Errorf("retries must not add holds, available %s", h.ledger.AvailableCash())
	}
}

func TestSubmit_GivesUpAndReleases(t *testing.T) {
	h := newHarness(t, 100)
	timeout := &model.TransientGatewayError{Op: "place_order", Err: context.DeadlineExceeded}
	h.gw.placeErrs = []error{timeout, timeout, timeout, timeout}

	rec, err := h.m.Submit(context.Background(), limitBuy("o1", "AAPL", 10, 9))
	var term *model.TerminalGatewayError
	if !errors.As(err, &term) {
		t.Fatalf("expected terminal error after exhausting retries, got %v", err)
	}
	if rec.State != model.StateRejected {
		t.Errorf("expected REJECTED, got %s", rec.State)
	}
	if !h.ledger.AvailableCash().Equal(d(100)) {
		t.Errorf("reservation should be released, available %s", h.ledger.AvailableCash())
	}
}

func TestSubmit_BrokerRejectionIsNotRetried(t *testing.T) {
	h := newHarness(t, 100)
	h.gw.placeErrs = []error{&model.TerminalGatewayError{Op: "place_order", Reason: "symbol halted"}}

	rec, err := h.m.Submit(context.Background(), limitBuy("o1", "AAPL", 10, 9))
	if err == nil || rec.State != model.StateRejected {
		t.Fatalf("expected rejection, got %s, %v", rec.State, err)
	}
	if n := h.gw.placeCount(); n != 1 {
		t.Errorf("terminal errors must not be retried, got %d calls", n)
	}
	if rec.Note != "symbol halted" {
		t.Errorf("expected broker reason in note, got %q", rec.Note)
	}
}

func TestSubmit_DuplicateAndOpenOrder(t *testing.T) {
	h := newHarness(t, 1000)
	ctx := context.Background()

	first, err := h.m.Submit(ctx, limitBuy("o1", "AAPL", 10, 9))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	again, err := h.m.Submit(ctx, limitBuy("o1", "AAPL", 10, 9))
	if err != nil || again.BrokerOrderID != first.BrokerOrderID {
		t.Errorf("resubmitting an intent should return the existing record, got %+v, %v", again, err)
	}
	if n := h.gw.placeCount(); n != 1 {
		t.Errorf("duplicate intent must not reach the broker, got %d calls", n)
	}

	_, err = h.m.Submit(ctx, limitBuy("o2", "AAPL", 5, 9))
	if !errors.Is(err, model.ErrOpenOrderExists) {
		t.Errorf("expected ErrOpenOrderExists, got %v", err)
	}
	if !h.ledger.AvailableCash().Equal(d(910)) {
		t.Errorf("failed submit should release its hold, available %s", h.ledger.AvailableCash())
	}
}

func TestSubmit_SellReservesShares(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	h.m.Submit(ctx, limitBuy("o1", "AAPL", 10, 9))
	h.m.HandleEvent(ctx, fillEvent("B-1", 1, 10, 9))

	sell := model.OrderIntent{ID: "o2", Symbol: "AAPL", Side: model.SideSell, Quantity: 11,
		Kind: model.KindMarket, Reason: model.ReasonManual}
	if _, err := h.m.Submit(ctx, sell); !errors.Is(err, model.ErrInsufficientPosition) {
		t.Fatalf("overselling should fail, got %v", err)
	}

	sell.Quantity = 10
	rec, err := h.m.Submit(ctx, sell)
	if err != nil {
		t.Fatalf("Submit sell: %v", err)
	}
	h.m.HandleEvent(ctx, fillEvent(rec.BrokerOrderID, 1, 10, 10))
	if _, held := h.ledger.Position("AAPL"); held {
		t.Error("position should be closed")
	}
	if !h.ledger.Cash().Equal(d(110)) || !h.ledger.RealizedPnL().Equal(d(10)) {
		t.Errorf("expected cash 110 and pnl 10, got %s and %s", h.ledger.Cash(), h.ledger.RealizedPnL())
	}
}

func TestSubmit_SuspendedSymbol(t *testing.T) {
	h := newHarness(t, 100)
	h.m.mu.Lock()
	h.m.markFault("AAPL", "x", "test")
	h.m.mu.Unlock()

	if _, err := h.m.Submit(context.Background(), limitBuy("o1", "AAPL", 1, 9)); !errors.Is(err, model.ErrSymbolSuspended) {
		t.Errorf("expected ErrSymbolSuspended, got %v", err)
	}
	if !h.m.Faulted("AAPL") || len(h.m.Faults()) != 1 {
		t.Error("fault should be reported")
	}
}

func TestHandleEvent_DuplicateFillIsIgnored(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	h.m.Submit(ctx, limitBuy("o1", "AAPL", 10, 9))

	h.m.HandleEvent(ctx, fillEvent("B-1", 1, 5, 9))
	h.m.HandleEvent(ctx, fillEvent("B-1", 1, 5, 9))

	rec, _ := h.m.Order("o1")
	if rec.State != model.StatePartiallyFilled || rec.FilledQty != 5 {
		t.Errorf("expected PARTIALLY_FILLED 5, got %s %d", rec.State, rec.FilledQty)
	}
	pos, _ := h.ledger.Position("AAPL")
	if pos.Quantity != 5 || !h.ledger.Cash().Equal(d(55)) {
		t.Errorf("duplicate fill booked twice: qty %d cash %s", pos.Quantity, h.ledger.Cash())
	}
}

func TestHandleEvent_OutOfOrderFills(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	h.m.Submit(ctx, limitBuy("o1", "AAPL", 10, 9))

	h.m.HandleEvent(ctx, fillEvent("B-1", 2, 6, 9))
	if rec, _ := h.m.Order("o1"); rec.FilledQty != 0 {
		t.Fatalf("fill 2 must wait for fill 1, filled %d", rec.FilledQty)
	}
	h.m.HandleEvent(ctx, fillEvent("B-1", 1, 4, 8))

	rec, _ := h.m.Order("o1")
	if rec.State != model.StateFilled || rec.FilledQty != 10 {
		t.Fatalf("expected FILLED 10, got %s %d", rec.State, rec.FilledQty)
	}
	if !rec.AvgFillPrice.Equal(d(8.6)) {
		t.Errorf("expected average 8.6, got %s", rec.AvgFillPrice)
	}
}

func TestSubmit_FilledBeforePlaceOrderReturns(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	h.gw.onPlace = func(in model.OrderIntent, brokerID string) {
		h.m.HandleEvent(ctx, model.OrderEvent{Type: model.EventAccepted, BrokerOrderID: brokerID, ClientOrderID: in.ID})
		ev := fillEvent(brokerID, 1, in.Quantity, 9)
		ev.ClientOrderID = in.ID
		h.m.HandleEvent(ctx, ev)
	}

	rec, err := h.m.Submit(ctx, limitBuy("o1", "AAPL", 10, 9))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rec.State != model.StateFilled || rec.BrokerOrderID != "B-1" {
		t.Fatalf("expected FILLED as B-1, got %s %q", rec.State, rec.BrokerOrderID)
	}
	if rec.Unreconciled || h.m.Faulted("AAPL") {
		t.Errorf("an order settled by the event stream must not fault its symbol: %+v", h.m.Faults())
	}

	// The symbol still accepts orders, e.g. a stop exit.
	sell := model.OrderIntent{ID: "o2", Symbol: "AAPL", Side: model.SideSell, Quantity: 10,
		Kind: model.KindMarket, Reason: model.ReasonRiskStop}
	if _, err := h.m.Submit(ctx, sell); err != nil {
		t.Errorf("exit after a fast fill should be accepted, got %v", err)
	}
}

func TestHandleEvent_EventsBeforeLinking(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	// A fill for a broker id nobody knows yet is parked, then replayed once
	// the acknowledgment links it.
	h.m.HandleEvent(ctx, fillEvent("B-1", 1, 10, 9))
	h.m.Submit(ctx, limitBuy("o1", "AAPL", 10, 9))

	rec, _ := h.m.Order("o1")
	if rec.State != model.StateFilled {
		t.Errorf("parked fill should apply after linking, got %s", rec.State)
	}
}

func TestTerminalStatesNeverChange(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	h.m.Submit(ctx, limitBuy("o1", "AAPL", 10, 9))
	h.m.HandleEvent(ctx, fillEvent("B-1", 1, 10, 9))

	h.m.HandleEvent(ctx, model.OrderEvent{Type: model.EventCancelled, BrokerOrderID: "B-1"})
	h.m.HandleEvent(ctx, model.OrderEvent{Type: model.EventRejected, BrokerOrderID: "B-1"})

	rec, _ := h.m.Order("o1")
	if rec.State != model.StateFilled {
		t.Errorf("terminal record moved to %s", rec.State)
	}
	if _, err := h.m.Cancel(ctx, "o1"); !errors.Is(err, model.ErrTerminalOrder) {
		t.Errorf("expected ErrTerminalOrder, got %v", err)
	}
	if _, err := h.m.Cancel(ctx, "missing"); !errors.Is(err, model.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestCancel_WaitsForBrokerConfirmation(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	h.m.Submit(ctx, limitBuy("o1", "AAPL", 10, 9))

	rec, err := h.m.Cancel(ctx, "o1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if rec.State != model.StateAccepted || !rec.CancelRequested {
		t.Errorf("order should stay ACCEPTED until confirmed, got %s", rec.State)
	}
	if !h.ledger.AvailableCash().Equal(d(10)) {
		t.Error("reservation must be kept until the cancel is confirmed")
	}

	h.m.HandleEvent(ctx, model.OrderEvent{Type: model.EventCancelled, BrokerOrderID: "B-1"})
	rec, _ = h.m.Order("o1")
	if rec.State != model.StateCancelled {
		t.Errorf("expected CANCELLED, got %s", rec.State)
	}
	if !h.ledger.AvailableCash().Equal(d(100)) {
		t.Errorf("cancel confirmation should release, available %s", h.ledger.AvailableCash())
	}
}

func TestCancel_QueuedUntilAcknowledged(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	h.gw.placeErrs = []error{&model.TransientGatewayError{Op: "place_order", Err: context.DeadlineExceeded}}

	var cancelErr error
	h.m.sleep = func(ctx context.Context, _ time.Duration) error {
		_, cancelErr = h.m.Cancel(ctx, "o1")
		return nil
	}
	rec, err := h.m.Submit(ctx, limitBuy("o1", "AAPL", 10, 9))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !errors.Is(cancelErr, model.ErrCancelPending) {
		t.Errorf("cancel before ack should be queued, got %v", cancelErr)
	}
	if got := h.gw.cancelled(); len(got) != 1 || got[0] != rec.BrokerOrderID {
		t.Errorf("queued cancel should be sent after ack, got %v", got)
	}
}

func TestReplace_SubmitsAfterCancel(t *testing.T) {
	h := newHarness(t, 1000)
	ctx := context.Background()
	h.m.Submit(ctx, limitBuy("o1", "AAPL", 10, 9))

	if _, err := h.m.Replace(ctx, "o1", limitBuy("o2", "AAPL", 10, 9.5)); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if n := h.gw.placeCount(); n != 1 {
		t.Fatalf("replacement must wait for the cancel, got %d placements", n)
	}

	h.m.HandleEvent(ctx, model.OrderEvent{Type: model.EventCancelled, BrokerOrderID: "B-1"})
	open, ok := h.m.OpenOrder("AAPL")
	if !ok || open.ID != "o2" || open.State != model.StateAccepted {
		t.Errorf("expected replacement o2 to be working, got %+v", open)
	}
	if !h.ledger.AvailableCash().Equal(d(905)) {
		t.Errorf("expected only the replacement hold, available %s", h.ledger.AvailableCash())
	}
}

func TestSweepAndReconcile_UnknownToBroker(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	h.gw.placeErrs = []error{&model.TransientGatewayError{Op: "place_order", Err: context.DeadlineExceeded}}
	h.m.sleep = func(context.Context, time.Duration) error {
		h.m.Sweep(ctx, time.Now().Add(time.Hour))
		return nil
	}

	rec, err := h.m.Submit(ctx, limitBuy("o1", "AAPL", 10, 9))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rec.State != model.StateExpired || !rec.Unreconciled {
		t.Fatalf("expected unreconciled EXPIRED, got %s", rec.State)
	}
	if !h.m.Faulted("AAPL") {
		t.Fatal("symbol should be faulted")
	}
	if !h.ledger.AvailableCash().Equal(d(10)) {
		t.Errorf("reservation must be kept until reconciled, available %s", h.ledger.AvailableCash())
	}

	if err := h.m.Reconcile(ctx, "AAPL"); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if h.m.Faulted("AAPL") {
		t.Error("fault should be cleared")
	}
	if !h.ledger.AvailableCash().Equal(d(100)) {
		t.Errorf("reservation should be released, available %s", h.ledger.AvailableCash())
	}
}

func TestReconcile_BooksMissedFills(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	h.gw.placeErrs = []error{&model.TransientGatewayError{Op: "place_order", Err: context.DeadlineExceeded}}
	h.m.sleep = func(context.Context, time.Duration) error {
		h.m.Sweep(ctx, time.Now().Add(time.Hour))
		return nil
	}
	h.m.Submit(ctx, limitBuy("o1", "AAPL", 10, 9))

	h.gw.lookups["o1"] = model.BrokerStatus{BrokerOrderID: "B-9", State: model.StateFilled, FilledQty: 10, AvgFillPrice: d(9)}
	if err := h.m.Reconcile(ctx, "AAPL"); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	rec, _ := h.m.Order("o1")
	if rec.State != model.StateExpired || rec.FilledQty != 10 || rec.Unreconciled {
		t.Errorf("expected reconciled EXPIRED record with 10 filled, got %s %d", rec.State, rec.FilledQty)
	}
	pos, ok := h.ledger.Position("AAPL")
	if !ok || pos.Quantity != 10 {
		t.Errorf("missed fill should be booked, got %+v", pos)
	}
	if !h.ledger.Cash().Equal(d(10)) || !h.ledger.AvailableCash().Equal(d(10)) {
		t.Errorf("expected cash 10 and no holds, got %s/%s", h.ledger.Cash(), h.ledger.AvailableCash())
	}

	// Late events for a sealed record are duplicates.
	h.m.HandleEvent(ctx, fillEvent("B-9", 1, 10, 9))
	if pos, _ := h.ledger.Position("AAPL"); pos.Quantity != 10 {
		t.Errorf("late fill double-booked, qty %d", pos.Quantity)
	}
}

func TestReconcile_PartialFillNotBookedTwice(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	h.m.Submit(ctx, limitBuy("o1", "AAPL", 10, 9))

	// A restart leaves the working order faulted; the broker reports half of
	// it filled, and the fill event for that half arrives only afterwards.
	h.m.mu.Lock()
	h.m.orders["o1"].Unreconciled = true
	h.m.markFault("AAPL", "o1", "restored without confirmed broker state")
	h.m.mu.Unlock()
	h.gw.statuses["B-1"] = model.BrokerStatus{BrokerOrderID: "B-1", State: model.StatePartiallyFilled, FilledQty: 5, AvgFillPrice: d(9)}

	if err := h.m.Reconcile(ctx, "AAPL"); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	rec, _ := h.m.Order("o1")
	if rec.State != model.StatePartiallyFilled || rec.FilledQty != 5 {
		t.Fatalf("expected PARTIALLY_FILLED 5 after reconcile, got %s %d", rec.State, rec.FilledQty)
	}
	if h.m.Faulted("AAPL") {
		t.Error("fault should clear once the broker state is adopted")
	}

	h.m.HandleEvent(ctx, fillEvent("B-1", 1, 5, 9))
	pos, _ := h.ledger.Position("AAPL")
	if pos.Quantity != 5 || !h.ledger.Cash().Equal(d(55)) {
		t.Fatalf("fill already covered by reconcile was booked again: qty %d cash %s", pos.Quantity, h.ledger.Cash())
	}

	h.m.HandleEvent(ctx, fillEvent("B-1", 2, 5, 9))
	rec, _ = h.m.Order("o1")
	if rec.State != model.StateFilled || rec.FilledQty != 10 {
		t.Errorf("expected FILLED 10, got %s %d", rec.State, rec.FilledQty)
	}
	if pos, _ := h.ledger.Position("AAPL"); pos.Quantity != 10 || !h.ledger.Cash().Equal(d(10)) {
		t.Errorf("expected 10 shares and $10 cash, got %d / %s", pos.Quantity, h.ledger.Cash())
	}
}

func TestRestore_FaultsOpenOrdersUntilReconciled(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	now := time.Now().UTC()
	h.store.SaveOrder(ctx, &model.OrderRecord{
		ID:            "o1",
		Intent:        limitBuy("o1", "AAPL", 10, 9),
		BrokerOrderID: "B-1",
		State:         model.StateAccepted,
		CreatedAt:     now,
		UpdatedAt:     now,
		NextFillSeq:   1,
	})
	h.gw.statuses["B-1"] = model.BrokerStatus{BrokerOrderID: "B-1", State: model.StateAccepted}

	if err := h.m.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !h.m.Faulted("AAPL") {
		t.Fatal("restored open order should fault its symbol")
	}
	if err := h.m.Reconcile(ctx, "AAPL"); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if h.m.Faulted("AAPL") {
		t.Error("fault should clear once the broker confirms the order is working")
	}
	if open, ok := h.m.OpenOrder("AAPL"); !ok || open.Unreconciled {
		t.Errorf("order should remain open and reconciled, got %+v", open)
	}
}

func TestOnChange_SeesEveryTransition(t *testing.T) {
	h := newHarness(t, 100)
	var states []model.OrderState
	h.m.OnChange(func(r model.OrderRecord) { states = append(states, r.State) })

	h.m.Submit(context.Background(), limitBuy("o1", "AAPL", 10, 9))
	h.m.HandleEvent(context.Background(), fillEvent("B-1", 1, 10, 9))

	want := []model.OrderState{model.StateSubmitted, model.StateAccepted, model.StateFilled}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, states)
	}
	if got := h.m.Orders(); len(got) != 1 {
		t.Errorf("expected 1 order, got %d", len(got))
	}
}
