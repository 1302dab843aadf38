// Package lots implements FIFO lot accounting for equity positions.
//
// The engine is pure: it takes the current lot queue of one user+symbol and
// an instruction, and returns the lots to insert, update, or close. It never
// touches storage.
//
//   - Every BUY opens a new lot at the trade price. Lots are never merged, so
//     per-purchase cost basis and open order are preserved.
//   - A SELL consumes lots oldest first. A fully consumed lot is closed; a
//     partially consumed lot keeps its unit cost and shrinks in quantity.
//   - Average cost is a read-time aggregation (see Summarize), never a write.
//
// All monetary values use shopspring/decimal, never float64.
package lots

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/equity-ledger/internal/model"
)

var (
	// ErrInsufficientShares is returned when a sell exceeds the shares held.
	// The engine never fills part of an order.
	ErrInsufficientShares = errors.New("lots: insufficient shares")

	// ErrInvalidQuantity is returned for a non-positive share quantity.
	ErrInvalidQuantity = errors.New("lots: quantity must be positive")

	// ErrInvalidPrice is returned for a non-positive price.
	ErrInvalidPrice = errors.New("lots: price must be positive")

	// ErrNotABuy is returned when Open is given a non-BUY trade.
	ErrNotABuy = errors.New("lots: only a BUY trade opens a lot")

	// ErrMixedQueue is returned when a queue holds lots of several
	// users or symbols, or a trade does not match its queue.
	ErrMixedQueue = errors.New("lots: queue mixes users or symbols")
)

// AverageCostScale is the number of fractional digits kept when reporting
// an average cost per share.
var AverageCostScale int32 = 4

// Fill is one consumed slice of a lot during a sell.
type Fill struct {
	LotID     string          `json:"lot_id"`
	Quantity  int64           `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	Proceeds  decimal.Decimal `json:"proceeds"`   // quantity * sale price
	CostBasis decimal.Decimal `json:"cost_basis"` // quantity * unit cost
	Closed    bool            `json:"closed"`     // the lot was fully consumed
}

// SellPlan is the result of matching a sell against a lot queue.
type SellPlan struct {
	Quantity    int64
	Price       decimal.Decimal
	Fills       []Fill
	Updated     []model.StoredLot // partially consumed lots with reduced quantity
	Closed      []string          // IDs of fully consumed lots
	Remaining   []model.StoredLot // queue after the sell, oldest first
	Proceeds    decimal.Decimal
	CostBasis   decimal.Decimal // basis of the consumed shares
	RealizedPnL decimal.Decimal // proceeds - consumed basis
}

// Summary aggregates a lot queue for reporting.
type Summary struct {
	Quantity    int64
	CostBasis   decimal.Decimal
	AverageCost decimal.Decimal
	Lots        int
}

// Open returns the lot a BUY trade appends to the queue. The new lot carries
// the trade's quantity with unit cost and last price equal to the trade
// price; existing lots are left untouched.
func Open(queue []model.StoredLot, trade model.Trade) (model.NewLot, error) {
	if trade.Side != model.Buy {
		return model.NewLot{}, ErrNotABuy
	}
	if trade.Quantity <= 0 {
		return model.NewLot{}, ErrInvalidQuantity
	}
	if !trade.Price.IsPositive() {
		return model.NewLot{}, ErrInvalidPrice
	}
	for _, l := range queue {
		if l.UserID != trade.UserID || l.Symbol != trade.Symbol {
			return model.NewLot{}, ErrMixedQueue
		}
	}
	return model.NewLot{Lot: model.Lot{
		UserID:      trade.UserID,
		Symbol:      trade.Symbol,
		CompanyName: trade.CompanyName,
		Quantity:    trade.Quantity,
		UnitCost:    trade.Price,
		LastPrice:   trade.Price,
		OpenedAt:    trade.ExecutedAt,
	}}, nil
}

// MatchSell consumes quantity shares from the queue oldest first at the
// given sale price. The queue must belong to one user+symbol and be ordered
// oldest first; it is not modified.
func MatchSell(queue []model.StoredLot, quantity int64, price decimal.Decimal) (SellPlan, error) {
	if quantity <= 0 {
		return SellPlan{}, ErrInvalidQuantity
	}
	if !price.IsPositive() {
		return SellPlan{}, ErrInvalidPrice
	}
	if err := checkQueue(queue); err != nil {
		return SellPlan{}, err
	}
	if held := Held(queue); quantity > held {
		return SellPlan{}, fmt.Errorf("%w: hold %d, selling %d", ErrInsufficientShares, held, quantity)
	}

	plan := SellPlan{
		Quantity:  quantity,
		Price:     price,
		Proceeds:  decimal.Zero,
		CostBasis: decimal.Zero,
	}
	remaining := quantity

	for _, l := range queue {
		if remaining == 0 {
			plan.Remaining = append(plan.Remaining, l)
			continue
		}

		consumed := min(l.Quantity, remaining)
		fill := Fill{
			LotID:     l.ID,
			Quantity:  consumed,
			UnitCost:  l.UnitCost,
			Proceeds:  price.Mul(decimal.NewFromInt(consumed)),
			CostBasis: l.UnitCost.Mul(decimal.NewFromInt(consumed)),
			Closed:    consumed == l.Quantity,
		}
		plan.Fills = append(plan.Fills, fill)
		plan.Proceeds = plan.Proceeds.Add(fill.Proceeds)
		plan.CostBasis = plan.CostBasis.Add(fill.CostBasis)

		if fill.Closed {
			plan.Closed = append(plan.Closed, l.ID)
		} else {
			// Unit cost of the remaining shares is unchanged.
			shrunk := l
			shrunk.Quantity = l.Quantity - consumed
			plan.Updated = append(plan.Updated, shrunk)
			plan.Remaining = append(plan.Remaining, shrunk)
		}
		remaining -= consumed
	}

	plan.RealizedPnL = plan.Proceeds.Sub(plan.CostBasis)
	return plan, nil
}

// Held returns the total quantity of shares in the queue.
func Held(queue []model.StoredLot) int64 {
	var n int64
	for _, l := range queue {
		n += l.Quantity
	}
	return n
}

// CostBasis returns Σ quantity * unit cost over the queue.
func CostBasis(queue []model.StoredLot) decimal.Decimal {
	total := decimal.Zero
	for _, l := range queue {
		total = total.Add(l.TotalValue())
	}
	return total
}

// Summarize aggregates the queue into quantity, cost basis and average cost.
// An empty queue summarizes to zeros.
func Summarize(queue []model.StoredLot) Summary {
	s := Summary{
		Quantity:    Held(queue),
		CostBasis:   CostBasis(queue),
		AverageCost: decimal.Zero,
		Lots:        len(queue),
	}
	if s.Quantity > 0 {
		s.AverageCost = s.CostBasis.Div(decimal.NewFromInt(s.Quantity)).Round(AverageCostScale)
	}
	return s
}

// Verify checks that a sell plan is internally consistent with the queue it
// was computed from: fills add up to the order, proceeds equal quantity *
// price exactly, and shares and basis are conserved.
func Verify(before []model.StoredLot, plan SellPlan) error {
	var filled int64
	proceeds := decimal.Zero
	for _, f := range plan.Fills {
		if f.Quantity <= 0 {
			return fmt.Errorf("fill of lot %s has quantity %d", f.LotID, f.Quantity)
		}
		filled += f.Quantity
		proceeds = proceeds.Add(f.Proceeds)
	}
	if filled != plan.Quantity {
		return fmt.Errorf("fills total %d shares, order is %d", filled, plan.Quantity)
	}
	want := plan.Price.Mul(decimal.NewFromInt(plan.Quantity))
	if !proceeds.Equal(want) || !plan.Proceeds.Equal(want) {
		return fmt.Errorf("proceeds %s, want %s", proceeds, want)
	}
	if got, want := Held(plan.Remaining), Held(before)-plan.Quantity; got != want {
		return fmt.Errorf("%d shares remain, want %d", got, want)
	}
	if got, want := CostBasis(plan.Remaining), CostBasis(before).Sub(plan.CostBasis); !got.Equal(want) {
		return fmt.Errorf("remaining basis %s, want %s", got, want)
	}
	for _, l := range plan.Remaining {
		if l.Quantity <= 0 {
			return fmt.Errorf("lot %s would remain with quantity %d", l.ID, l.Quantity)
		}
	}
	return nil
}

// checkQueue verifies the queue belongs to a single user and symbol.
func checkQueue(queue []model.StoredLot) error {
	for i := 1; i < len(queue); i++ {
		if queue[i].UserID != queue[0].UserID || queue[i].Symbol != queue[0].Symbol {
			return ErrMixedQueue
		}
	}
	return nil
}

// --- Replay ---

// Replay rebuilds the open lot queues implied by a trade log, keyed by
// symbol. Trades must belong to one user; they are applied in
// (ExecutedAt, ID) order. A replayed lot takes the BUY trade's LotID, or
// the trade ID when LotID is empty.
func Replay(trades []model.Trade) (map[string][]model.StoredLot, error) {
	ordered := make([]model.Trade, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].ExecutedAt.Equal(ordered[j].ExecutedAt) {
			return ordered[i].ExecutedAt.Before(ordered[j].ExecutedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	queues := make(map[string][]model.StoredLot)
	for _, t := range ordered {
		queue := queues[t.Symbol]
		switch t.Side {
		case model.Buy:
			nl, err := Open(queue, t)
			if err != nil {
				return nil, fmt.Errorf("replay trade %s: %w", t.ID, err)
			}
			id := t.LotID
			if id == "" {
				id = t.ID
			}
			queues[t.Symbol] = append(queue, model.StoredLot{ID: id, Lot: nl.Lot})
		case model.Sell:
			plan, err := MatchSell(queue, t.Quantity, t.Price)
			if err != nil {
				return nil, fmt.Errorf("replay trade %s: %w", t.ID, err)
			}
			queues[t.Symbol] = plan.Remaining
		default:
			return nil, fmt.Errorf("replay trade %s: unknown side %v", t.ID, t.Side)
		}
		if len(queues[t.Symbol]) == 0 {
			delete(queues, t.Symbol)
		}
	}
	return queues, nil
}

// GroupBySymbol splits lots into per-symbol queues, preserving order.
func GroupBySymbol(all []model.StoredLot) map[string][]model.StoredLot {
	out := make(map[string][]model.StoredLot)
	for _, l := range all {
		out[l.Symbol] = append(out[l.Symbol], l)
	}
	return out
}
