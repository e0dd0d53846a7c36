// Package gateway defines the brokerage boundary of the engine and a paper
// broker that simulates it against live quotes.
package gateway

import (
	"context"
	"errors"

	"github.com/automatetrade/execution-engine/internal/model"
)

// ErrUnknownOrder is returned by status queries for orders the broker has
// never seen.
var ErrUnknownOrder = errors.New("gateway: unknown order")

// Gateway is the brokerage API. Responses are untrusted: events may be
// duplicated or arrive before PlaceOrder returns.
//
// Implementations return *model.TransientGatewayError for network and
// timeout failures and *model.TerminalGatewayError for explicit rejections.
type Gateway interface {
	// GetQuote returns the latest quotes for symbols.
	GetQuote(ctx context.Context, symbols []string) ([]model.Tick, error)

	// PlaceOrder submits intent and returns the broker order id. intent.ID is
	// the client order id; placing the same intent twice returns the same
	// broker order.
	PlaceOrder(ctx context.Context, intent model.OrderIntent) (string, error)

	// CancelOrder requests cancellation. Confirmation arrives as an
	// EventCancelled on Events.
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// GetOrderStatus returns the broker's view of an order.
	GetOrderStatus(ctx context.Context, brokerOrderID string) (model.BrokerStatus, error)

	// LookupOrder finds an order by client order id, for orders whose
	// acknowledgment was never seen. Returns ErrUnknownOrder if none exists.
	LookupOrder(ctx context.Context, clientOrderID string) (model.BrokerStatus, error)

	// Events streams acknowledgments, rejections, fills and cancellations.
	Events() <-chan model.OrderEvent
}
