// Package marketdata turns provider quote payloads into uniform ticks and fans
// them out to subscribers.
//
// The provider speaks two dialects: streaming frames carrying numbered field
// codes with partial updates, and REST quote maps keyed by symbol. Both are
// merged against the last-known tick so a partial update never blanks a field.
package marketdata

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/automatetrade/execution-engine/internal/metrics"
	"github.com/automatetrade/execution-engine/internal/model"
)

// Level-one equity field codes.
const (
	FieldSymbol    = "0"
	FieldBid       = "1"
	FieldAsk       = "2"
	FieldLast      = "3"
	FieldVolume    = "8"
	FieldQuoteTime = "35"

	// DefaultFields is the subscription field list sent to the stream.
	DefaultFields = "0,1,2,3,8,35"

	serviceLevelOne = "LEVELONE_EQUITIES"
)

// Drop reasons reported on metrics.TicksDropped.
const (
	dropMalformed  = "malformed"
	dropIncomplete = "incomplete"
	dropBadField   = "bad_field"
)

// quoteUpdate is a possibly partial update; nil fields were absent.
type quoteUpdate struct {
	symbol string
	bid    *decimal.Decimal
	ask    *decimal.Decimal
	last   *decimal.Decimal
	volume *int64
	ts     time.Time
}

// streamFrame is the streaming envelope. Exactly one of the slices is
// populated per frame in practice.
type streamFrame struct {
	Data     []dataFrame       `json:"data"`
	Notify   []json.RawMessage `json:"notify"`
	Response []json.RawMessage `json:"response"`
}

type dataFrame struct {
	Service   string                       `json:"service"`
	Timestamp int64                        `json:"timestamp"`
	Command   string                       `json:"command"`
	Content   []map[string]json.RawMessage `json:"content"`
}

// restQuote is one entry of a REST quote map.
type restQuote struct {
	Symbol string `json:"symbol"`
	Quote  *struct {
		BidPrice    json.RawMessage `json:"bidPrice"`
		AskPrice    json.RawMessage `json:"askPrice"`
		LastPrice   json.RawMessage `json:"lastPrice"`
		TotalVolume json.RawMessage `json:"totalVolume"`
		QuoteTime   int64           `json:"quoteTime"`
	} `json:"quote"`
}

// Normalizer converts raw provider payloads into complete ticks. It keeps the
// last tick per symbol to fill the gaps of partial updates. Safe for
// concurrent use.
type Normalizer struct {
	mu   sync.Mutex
	last map[string]model.Tick
	now  func() time.Time
}

// NewNormalizer creates a normalizer with no prior state.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		last: make(map[string]model.Tick),
		now:  time.Now,
	}
}

// Ingest parses one raw payload. A payload may carry several symbols, so the
// result is a slice; an empty slice means no tick. Malformed input is dropped
// and counted, never returned as an error.
func (n *Normalizer) Ingest(raw []byte) []model.Tick {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		drop(dropMalformed, "invalid json", err)
		return nil
	}

	_, isData := top["data"]
	_, isNotify := top["notify"]
	_, isResponse := top["response"]
	if isData || isNotify || isResponse {
		var frame streamFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			drop(dropMalformed, "invalid stream frame", err)
			return nil
		}
		return n.ingestStream(frame)
	}
	return n.ingestQuoteMap(top)
}

func (n *Normalizer) ingestStream(frame streamFrame) []model.Tick {
	var ticks []model.Tick
	for _, df := range frame.Data {
		if df.Service != serviceLevelOne {
			continue
		}
		frameTS := time.Time{}
		if df.Timestamp > 0 {
			frameTS = time.UnixMilli(df.Timestamp).UTC()
		}
		for _, content := range df.Content {
			upd, ok := parseContent(content, frameTS)
			if !ok {
				continue
			}
			if t, ok := n.merge(upd); ok {
				ticks = append(ticks, t)
			}
		}
	}
	return ticks
}

func (n *Normalizer) ingestQuoteMap(top map[string]json.RawMessage) []model.Tick {
	var ticks []model.Tick
	for key, raw := range top {
		var rq restQuote
		if err := json.Unmarshal(raw, &rq); err != nil || rq.Quote == nil {
			drop(dropMalformed, "invalid quote entry", err)
			continue
		}
		symbol := rq.Symbol
		if symbol == "" {
			symbol = key
		}
		upd := quoteUpdate{symbol: strings.ToUpper(symbol)}
		var ok bool
		if upd.bid, ok = priceField(rq.Quote.BidPrice); !ok {
			continue
		}
		if upd.ask, ok = priceField(rq.Quote.AskPrice); !ok {
			continue
		}
		if upd.last, ok = priceField(rq.Quote.LastPrice); !ok {
			continue
		}
		if upd.volume, ok = volumeField(rq.Quote.TotalVolume); !ok {
			continue
		}
		if rq.Quote.QuoteTime > 0 {
			upd.ts = time.UnixMilli(rq.Quote.QuoteTime).UTC()
		}
		if t, ok := n.merge(upd); ok {
			ticks = append(ticks, t)
		}
	}
	return ticks
}

func parseContent(content map[string]json.RawMessage, frameTS time.Time) (quoteUpdate, bool) {
	var symbol string
	rawKey, ok := content["key"]
	if !ok {
		rawKey, ok = content[FieldSymbol]
	}
	if !ok || json.Unmarshal(rawKey, &symbol) != nil || strings.TrimSpace(symbol) == "" {
		drop(dropMalformed, "content without symbol", nil)
		return quoteUpdate{}, false
	}
	upd := quoteUpdate{symbol: strings.ToUpper(strings.TrimSpace(symbol)), ts: frameTS}

	if upd.bid, ok = priceField(content[FieldBid]); !ok {
		return quoteUpdate{}, false
	}
	if upd.ask, ok = priceField(content[FieldAsk]); !ok {
		return quoteUpdate{}, false
	}
	if upd.last, ok = priceField(content[FieldLast]); !ok {
		return quoteUpdate{}, false
	}
	if upd.volume, ok = volumeField(content[FieldVolume]); !ok {
		return quoteUpdate{}, false
	}
	if raw, present := content[FieldQuoteTime]; present {
		var ms int64
		if err := json.Unmarshal(raw, &ms); err != nil || ms < 0 {
			drop(dropBadField, "quote time", err)
			return quoteUpdate{}, false
		}
		if ms > 0 {
			upd.ts = time.UnixMilli(ms).UTC()
		}
	}
	return upd, true
}

// priceField returns nil,true when absent and nil,false when present but invalid.
func priceField(raw json.RawMessage) (*decimal.Decimal, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, true
	}
	var v decimal.Decimal
	if err := json.Unmarshal(raw, &v); err != nil {
		drop(dropBadField, "price", err)
		return nil, false
	}
	if v.IsNegative() {
		drop(dropBadField, "negative price", nil)
		return nil, false
	}
	return &v, true
}

func volumeField(raw json.RawMessage) (*int64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, true
	}
	var v decimal.Decimal
	if err := json.Unmarshal(raw, &v); err != nil || v.IsNegative() {
		drop(dropBadField, "volume", err)
		return nil, false
	}
	vol := v.IntPart()
	return &vol, true
}

// merge folds upd into the last-known tick. A symbol's first tick must carry
// a positive last price.
func (n *Normalizer) merge(upd quoteUpdate) (model.Tick, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	t, seen := n.last[upd.symbol]
	t.Symbol = upd.symbol
	if upd.bid != nil {
		t.Bid = *upd.bid
	}
	if upd.ask != nil {
		t.Ask = *upd.ask
	}
	if upd.last != nil {
		t.Last = *upd.last
	}
	if upd.volume != nil {
		t.Volume = *upd.volume
	}
	if !seen && !t.Last.IsPositive() {
		drop(dropIncomplete, "first update without last price", nil)
		return model.Tick{}, false
	}
	if !upd.ts.IsZero() {
		t.Timestamp = upd.ts
	} else {
		t.Timestamp = n.now().UTC()
	}

	n.last[upd.symbol] = t
	metrics.TicksIngested.Inc()
	return t, true
}

func drop(reason, msg string, err error) {
	metrics.TicksDropped.WithLabelValues(reason).Inc()
	if err != nil {
		slog.Debug("market data dropped", "reason", reason, "detail", msg, "err", err)
		return
	}
	slog.Debug("market data dropped", "reason", reason, "detail", msg)
}
