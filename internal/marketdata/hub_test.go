package marketdata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/automatetrade/execution-engine/internal/model"
)

func tick(sym string, last float64) model.Tick {
	return model.Tick{Symbol: sym, Last: d(last), Timestamp: time.Now()}
}

func nextWithin(t *testing.T, s *Subscription, wait time.Duration) (model.Tick, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	return s.Next(ctx)
}

func TestHub_LatestIsLastWriteWins(t *testing.T) {
	h := NewHub(8)
	h.Publish(tick("AAPL", 10))
	h.Publish(tick("AAPL", 11))

	got, ok := h.Latest("AAPL")
	if !ok || !got.Last.Equal(d(11)) {
		t.Fatalf("expected latest 11, got %v (ok=%v)", got.Last, ok)
	}
}

func TestSubscription_CoalescesPerSymbol(t *testing.T) {
	h := NewHub(8)
	s := h.Subscribe("AAPL", "MSFT")
	defer s.Close()

	h.Publish(tick("AAPL", 10))
	h.Publish(tick("MSFT", 300))
	h.Publish(tick("AAPL", 12))
	h.Publish(tick("GOOG", 1)) // not subscribed

	first, err := nextWithin(t, s, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Symbol != "AAPL" || !first.Last.Equal(d(12)) {
		t.Errorf("expected coalesced AAPL@12, got %s@%s", first.Symbol, first.Last)
	}
	second, err := nextWithin(t, s, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Symbol != "MSFT" {
		t.Errorf("expected MSFT, got %s", second.Symbol)
	}
	if _, err := nextWithin(t, s, 20*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected empty queue, got %v", err)
	}
}

func TestSubscription_KeepsEverySymbolPending(t *testing.T) {
	h := NewHub(2)
	s := h.Subscribe()
	defer s.Close()

	h.Publish(tick("A", 1))
	h.Publish(tick("B", 2))
	h.Publish(tick("C", 3))
	h.Publish(tick("A", 4))

	var got []string
	for i := 0; i < 3; i++ {
		tk, err := nextWithin(t, s, time.Second)
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		got = append(got, tk.Symbol)
		if tk.Symbol == "A" && !tk.Last.Equal(d(4)) {
			t.Errorf("expected A coalesced to 4, got %s", tk.Last)
		}
	}
	if strings.Join(got, ",") != "A,B,C" {
		t.Errorf("every symbol's latest tick must be delivered once, got %v", got)
	}
	if _, err := nextWithin(t, s, 20*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected empty queue, got %v", err)
	}
}

func TestSubscription_PrimedWithLatest(t *testing.T) {
	h := NewHub(8)
	h.Publish(tick("AAPL", 10))

	s := h.Subscribe("AAPL")
	defer s.Close()
	got, err := nextWithin(t, s, time.Second)
	if err != nil || !got.Last.Equal(d(10)) {
		t.Fatalf("restarted subscription should replay latest tick, got %v err=%v", got.Last, err)
	}
}

func TestSubscription_CloseEndsSequence(t *testing.T) {
	h := NewHub(8)
	s := h.Subscribe()
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Close()
	}()

	count := 0
	for range s.All(context.Background()) {
		count++
	}
	if count != 0 {
		t.Errorf("expected no ticks, got %d", count)
	}
	s.Close()
}

func TestStreamClient_PublishesFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case received <- string(msg):
		default:
		}
		frame := `{"data":[{"service":"LEVELONE_EQUITIES","content":[{"key":"AAPL","1":150,"2":150.1,"3":150.05}]}]}`
		conn.WriteMessage(websocket.TextMessage, []byte(frame))
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	hub := NewHub(8)
	sub := hub.Subscribe("AAPL")
	defer sub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := NewStreamClient(url, func() []string { return []string{"AAPL"} }, NewNormalizer(), hub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case msg := <-received:
		if !strings.Contains(msg, "LEVELONE_EQUITIES") || !strings.Contains(msg, "AAPL") {
			t.Errorf("unexpected subscription request: %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received subscription")
	}

	got, err := nextWithin(t, sub, 2*time.Second)
	if err != nil {
		t.Fatalf("expected tick from stream, got %v", err)
	}
	if !got.Last.Equal(d(150.05)) {
		t.Errorf("expected last 150.05, got %s", got.Last)
	}
}

func TestStreamClient_ResubscribesWhenSymbolsChange(t *testing.T) {
	upgrader := websocket.Upgrader{}
	requests := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			requests <- string(msg)
		}
	}))
	defer srv.Close()

	var mu sync.Mutex
	symbols := []string{"AAPL"}
	current := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), symbols...)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := NewStreamClient(url, current, NewNormalizer(), NewHub(8))
	client.RefreshInterval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case msg := <-requests:
		if !strings.Contains(msg, `"keys":"AAPL"`) {
			t.Fatalf("unexpected first subscription: %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received subscription")
	}

	mu.Lock()
	symbols = []string{"AAPL", "MSFT"}
	mu.Unlock()

	select {
	case msg := <-requests:
		if !strings.Contains(msg, `"keys":"AAPL,MSFT"`) {
			t.Errorf("expected resubscription with MSFT, got %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("symbol change was never resubscribed")
	}
}

type stubQuotes struct {
	ticks []model.Tick
	err   error
}

func (s stubQuotes) GetQuote(_ context.Context, _ []string) ([]model.Tick, error) {
	return s.ticks, s.err
}

func TestPoller_PublishesValidQuotes(t *testing.T) {
	hub := NewHub(8)
	src := stubQuotes{ticks: []model.Tick{tick("AAPL", 150), {Symbol: "BAD"}}}
	p := NewPoller(src, hub, func() []string { return []string{"AAPL", "BAD"} }, time.Second, time.Second)

	if n := p.PollOnce(context.Background()); n != 1 {
		t.Fatalf("expected 1 published quote, got %d", n)
	}
	if _, ok := hub.Latest("BAD"); ok {
		t.Error("quote without last price should not be published")
	}
}

func TestPoller_SkipsUnchangedQuotes(t *testing.T) {
	hub := NewHub(8)
	q := tick("AAPL", 150)
	p := NewPoller(stubQuotes{ticks: []model.Tick{q}}, hub, func() []string { return []string{"AAPL"} }, time.Second, time.Second)

	if n := p.PollOnce(context.Background()); n != 1 {
		t.Fatalf("expected first poll to publish, got %d", n)
	}
	if n := p.PollOnce(context.Background()); n != 0 {
		t.Errorf("a quote with the same timestamp should not be republished, got %d", n)
	}
}

func TestQuoteClient_NormalizesQuoteMap(t *testing.T) {
	queries := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.Query().Get("symbols")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"AAPL":{"symbol":"AAPL","quote":{"bidPrice":150,"askPrice":150.1,"lastPrice":150.05,"totalVolume":1000,"quoteTime":1760000000000}}}`))
	}))
	defer srv.Close()

	hub := NewHub(8)
	p := NewPoller(NewQuoteClient(srv.URL, NewNormalizer()), hub, func() []string { return []string{"AAPL", "MSFT"} }, time.Second, time.Second)

	if n := p.PollOnce(context.Background()); n != 1 {
		t.Fatalf("expected 1 published quote, got %d", n)
	}
	if query := <-queries; query != "AAPL,MSFT" {
		t.Errorf("expected symbols query AAPL,MSFT, got %q", query)
	}
	got, ok := hub.Latest("AAPL")
	if !ok || !got.Last.Equal(d(150.05)) {
		t.Errorf("expected AAPL last 150.05, got %v (ok=%v)", got.Last, ok)
	}
}

func TestQuoteClient_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewQuoteClient(srv.URL, NewNormalizer()).GetQuote(context.Background(), []string{"AAPL"})
	if !model.IsTransient(err) {
		t.Errorf("expected a transient error, got %v", err)
	}
}
