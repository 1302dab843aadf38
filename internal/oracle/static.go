package oracle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Static serves quotes from an in-memory table. Prices can be changed and
// failures injected at runtime; it is safe for concurrent use.
type Static struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	fail   map[string]error
	calls  map[string]int
	now    func() time.Time
}

// NewStatic creates an empty quote table.
func NewStatic() *Static {
	return &Static{
		quotes: make(map[string]Quote),
		fail:   make(map[string]error),
		calls:  make(map[string]int),
		now:    time.Now,
	}
}

// ParseStatic builds a table from "SYMBOL=PRICE[:Company Name]" entries
// separated by commas, e.g. "AAPL=187.50:Apple Inc.,MSFT=410".
func ParseStatic(spec string) (*Static, error) {
	s := NewStatic()
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		sym, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("oracle: static quote %q: expected SYMBOL=PRICE", entry)
		}
		priceText, name, _ := strings.Cut(rest, ":")
		price, err := decimal.NewFromString(strings.TrimSpace(priceText))
		if err != nil {
			return nil, fmt.Errorf("oracle: static quote %q: %w", entry, err)
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("oracle: static quote %q: price must be positive", entry)
		}
		s.Set(strings.TrimSpace(sym), strings.TrimSpace(name), price)
	}
	return s, nil
}

// Set installs a quote for symbol and clears any injected failure.
func (s *Static) Set(symbol, companyName string, price decimal.Decimal) {
	symbol = strings.ToUpper(symbol)
	if companyName == "" {
		companyName = symbol
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[symbol] = Quote{Symbol: symbol, CompanyName: companyName, Price: price}
	delete(s.fail, symbol)
}

// Fail makes subsequent quotes for symbol return err. A nil err restores
// normal quoting.
func (s *Static) Fail(symbol string, err error) {
	symbol = strings.ToUpper(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, symbol)
		return
	}
	s.fail[symbol] = err
}

// Calls returns how many times symbol has been quoted.
func (s *Static) Calls(symbol string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[strings.ToUpper(symbol)]
}

func (s *Static) Quote(ctx context.Context, symbol string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	symbol = strings.ToUpper(symbol)

	s.mu.Lock()
	s.calls[symbol]++
	q, ok := s.quotes[symbol]
	err := s.fail[symbol]
	s.mu.Unlock()

	if err != nil {
		return Quote{}, err
	}
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	q.At = s.now()
	return q, nil
}
