package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/shopspring/decimal"
)

// Default JSONPath expressions match a Yahoo-style quote document
// ({"regularMarketPrice": 187.5, "shortName": "Apple Inc."}).
const (
	DefaultPricePath = "$.regularMarketPrice"
	DefaultNamePath  = "$.shortName"
)

// maxQuoteBytes caps the quote document read from the endpoint.
const maxQuoteBytes = 1 << 20

// HTTP fetches quotes from a JSON endpoint. URL is a template in which
// "{symbol}" is replaced by the escaped ticker.
type HTTP struct {
	URL       string
	PricePath string
	NamePath  string // optional; the symbol is used when empty or missing
	Client    *http.Client
	now       func() time.Time
}

// NewHTTP creates an HTTP oracle. Empty paths fall back to the defaults.
func NewHTTP(urlTemplate, pricePath, namePath string, client *http.Client) *HTTP {
	if pricePath == "" {
		pricePath = DefaultPricePath
	}
	if namePath == "" {
		namePath = DefaultNamePath
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTP{
		URL:       urlTemplate,
		PricePath: pricePath,
		NamePath:  namePath,
		Client:    client,
		now:       time.Now,
	}
}

func (h *HTTP) Quote(ctx context.Context, symbol string) (Quote, error) {
	addr := strings.ReplaceAll(h.URL, "{symbol}", url.PathEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("oracle: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxQuoteBytes))
		return Quote{}, fmt.Errorf("%w: %s: status %d", ErrUnavailable, symbol, resp.StatusCode)
	}

	var doc any
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxQuoteBytes))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Quote{}, fmt.Errorf("%w: %s: decode: %v", ErrUnavailable, symbol, err)
	}

	price, err := extractPrice(doc, h.PricePath)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, err)
	}
	if !price.IsPositive() {
		return Quote{}, fmt.Errorf("%w: %s: non-positive price %s", ErrUnavailable, symbol, price)
	}

	name := symbol
	if h.NamePath != "" {
		if v, err := jsonpath.Get(h.NamePath, doc); err == nil {
			if s, ok := first(v).(string); ok && s != "" {
				name = s
			}
		}
	}

	return Quote{Symbol: symbol, CompanyName: name, Price: price, At: h.now()}, nil
}

func extractPrice(doc any, path string) (decimal.Decimal, error) {
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price path %q: %w", path, err)
	}
	switch p := first(v).(type) {
	case json.Number:
		return decimal.NewFromString(p.String())
	case float64:
		return decimal.NewFromFloat(p), nil
	case string:
		// some endpoints quote prices as strings
		return decimal.NewFromString(strings.TrimSpace(p))
	default:
		return decimal.Zero, fmt.Errorf("price path %q: not a number: %v", path, v)
	}
}

// first unwraps a single-element result list; jsonpath returns a list for
// wildcard and slice expressions.
func first(v any) any {
	if list, ok := v.([]any); ok && len(list) > 0 {
		return list[0]
	}
	return v
}
