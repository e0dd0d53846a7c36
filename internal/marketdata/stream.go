package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/automatetrade/execution-engine/internal/model"
)

// subscribeRequest is the LEVELONE_EQUITIES subscription command.
type subscribeRequest struct {
	Requests []streamCommand `json:"requests"`
}

type streamCommand struct {
	Service    string            `json:"service"`
	RequestID  string            `json:"requestid"`
	Command    string            `json:"command"`
	Parameters map[string]string `json:"parameters"`
}

// StreamClient maintains a websocket session with the quote provider,
// normalizes each frame and publishes the resulting ticks to a hub. It
// reconnects with exponential backoff until its context is done.
type StreamClient struct {
	URL         string
	Fields      string
	ReadTimeout time.Duration
	// RefreshInterval is how often the symbol set is re-read. A changed set
	// is re-subscribed on the open session.
	RefreshInterval time.Duration

	symbols    func() []string
	normalizer *Normalizer
	hub        *Hub
	dialer     *websocket.Dialer
	backoff    *backoff.Backoff
}

// NewStreamClient creates a stream client for url. symbols is evaluated on
// every (re)subscription and must return a sorted list.
func NewStreamClient(url string, symbols func() []string, n *Normalizer, hub *Hub) *StreamClient {
	return &StreamClient{
		URL:             url,
		Fields:          DefaultFields,
		ReadTimeout:     60 * time.Second,
		RefreshInterval: 5 * time.Second,
		symbols:         symbols,
		normalizer:      n,
		hub:             hub,
		dialer:          websocket.DefaultDialer,
		backoff: &backoff.Backoff{
			Min:    250 * time.Millisecond,
			Max:    30 * time.Second,
			Factor: 2,
			Jitter: true,
		},
	}
}

// Run keeps a session alive until ctx is done.
func (c *StreamClient) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		wait := c.backoff.Duration()
		slog.Warn("market data stream disconnected", "url", c.URL, "err", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *StreamClient) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.URL, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	requestID := 1
	subscribed := c.symbols()
	if err := c.subscribe(conn, requestID, subscribed); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			if c.ReadTimeout > 0 {
				conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
			}
			_, msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- msg:
			case <-done:
				return
			}
		}
	}()

	var refresh <-chan time.Time
	if c.RefreshInterval > 0 {
		ticker := time.NewTicker(c.RefreshInterval)
		defer ticker.Stop()
		refresh = ticker.C
	}

	first := true
	for {
		select {
		case err := <-readErr:
			return err
		case msg := <-frames:
			if first {
				c.backoff.Reset()
				first = false
			}
			c.publish(c.normalizer.Ingest(msg))
		case <-refresh:
			next := c.symbols()
			if slices.Equal(next, subscribed) {
				continue
			}
			requestID++
			if err := c.subscribe(conn, requestID, next); err != nil {
				return err
			}
			subscribed = next
		}
	}
}

// subscribe sends a SUBS request, which replaces the session's symbol set.
func (c *StreamClient) subscribe(conn *websocket.Conn, requestID int, symbols []string) error {
	req := subscribeRequest{Requests: []streamCommand{{
		Service:   serviceLevelOne,
		RequestID: strconv.Itoa(requestID),
		Command:   "SUBS",
		Parameters: map[string]string{
			"keys":   strings.Join(symbols, ","),
			"fields": c.Fields,
		},
	}}}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	slog.Info("market data stream subscribed", "url", c.URL, "symbols", len(symbols))
	return nil
}

func (c *StreamClient) publish(ticks []model.Tick) {
	for _, t := range ticks {
		c.hub.Publish(t)
	}
}
