package marketdata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/automatetrade/execution-engine/internal/model"
)

// QuoteClient fetches REST quote maps from the quote provider. It is the
// polling source when no stream is configured, and independent of the
// broker so the paper broker can quote from the hub it feeds.
type QuoteClient struct {
	URL        string
	httpClient *http.Client
	normalizer *Normalizer
}

// NewQuoteClient creates a client for baseURL. Symbols are sent as a
// comma-separated "symbols" query parameter.
func NewQuoteClient(baseURL string, n *Normalizer) *QuoteClient {
	return &QuoteClient{
		URL:        baseURL,
		normalizer: n,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// GetQuote implements QuoteSource.
func (c *QuoteClient) GetQuote(ctx context.Context, symbols []string) ([]model.Tick, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, fmt.Errorf("quote url: %w", err)
	}
	q := u.Query()
	q.Set("symbols", strings.Join(symbols, ","))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &model.TransientGatewayError{Op: "get_quote", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &model.TransientGatewayError{Op: "get_quote", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &model.TransientGatewayError{Op: "get_quote", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return c.normalizer.Ingest(body), nil
}
