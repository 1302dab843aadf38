package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/shopspring/decimal"

	"github.com/atmx/equity-ledger/internal/model"
	"github.com/atmx/equity-ledger/internal/trade"
)

// printMarkdown renders md for the terminal, falling back to the raw text
// when it cannot be rendered.
func printMarkdown(md string) {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(120))
	if err == nil {
		var out string
		if out, err = r.Render(md); err == nil {
			fmt.Print(out)
			return
		}
	}
	fmt.Fprintln(os.Stderr, "render:", err)
	fmt.Print(md)
}

func money(d decimal.Decimal) string { return model.FormatMoney(d) }

// price keeps the four fractional digits quotes carry.
func price(d decimal.Decimal) string { return "$" + d.StringFixed(4) }

// OrderMarkdown describes a committed order and its fills.
func OrderMarkdown(res *model.TradeResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s %d %s\n\n", res.Side, res.Quantity, res.Symbol)
	fmt.Fprintf(&b, "%s\n\n", res.Message)
	b.WriteString("| Trade | Lot | Quantity | Price | Total |\n")
	b.WriteString("|---|---|--:|--:|--:|\n")
	for _, t := range res.Trades {
		fmt.Fprintf(&b, "| %s | %s | %d | %s | %s |\n", t.ID, t.LotID, t.Quantity, price(t.Price), money(t.Total))
	}
	b.WriteString("\n")
	if res.Side == model.Sell {
		fmt.Fprintf(&b, "Cost basis %s, realized P&L %s.\n\n", money(res.CostBasis), money(res.RealizedPnL))
	}
	fmt.Fprintf(&b, "Cash after order: **%s**\n", money(res.Cash))
	return b.String()
}

// PortfolioMarkdown tabulates positions by symbol, followed by totals.
func PortfolioMarkdown(p *model.Portfolio) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Portfolio of %s\n\n", p.UserID)
	fmt.Fprintf(&b, "As of %s\n\n", p.AsOf.Format("2006-01-02 15:04:05 MST"))

	if len(p.Positions) > 0 {
		b.WriteString("| Symbol | Company | Quantity | Avg cost | Last | Value | Unrealized | Lots |\n")
		b.WriteString("|---|---|--:|--:|--:|--:|--:|--:|\n")
		syms := make([]string, 0, len(p.Positions))
		for s := range p.Positions {
			syms = append(syms, s)
		}
		sort.Strings(syms)
		for _, s := range syms {
			pos := p.Positions[s]
			last := price(pos.LastPrice)
			if pos.Stale {
				last += " (stale)"
			}
			fmt.Fprintf(&b, "| %s | %s | %d | %s | %s | %s | %s | %d |\n",
				pos.Symbol, pos.CompanyName, pos.Quantity, price(pos.AverageCost), last,
				money(pos.PositionValue), money(pos.UnrealizedPnL), pos.Lots)
		}
		b.WriteString("\n")
	} else {
		b.WriteString("No open positions.\n\n")
	}

	b.WriteString("| | |\n|---|--:|\n")
	fmt.Fprintf(&b, "| Cash | %s |\n", money(p.Cash))
	fmt.Fprintf(&b, "| Equities | %s |\n", money(p.EquitiesValue))
	fmt.Fprintf(&b, "| Total | **%s** |\n", money(p.TotalValue))
	fmt.Fprintf(&b, "| Unrealized P&L | %s |\n", money(p.UnrealizedPnL))

	if len(p.PriceErrors) > 0 {
		b.WriteString("\nPrices unavailable:\n\n")
		syms := make([]string, 0, len(p.PriceErrors))
		for s := range p.PriceErrors {
			syms = append(syms, s)
		}
		sort.Strings(syms)
		for _, s := range syms {
			fmt.Fprintf(&b, "- %s: %s\n", s, p.PriceErrors[s])
		}
	}
	return b.String()
}

// HistoryMarkdown tabulates trades in the order given.
func HistoryMarkdown(userID string, trades []model.Trade) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Trades of %s\n\n", userID)
	if len(trades) == 0 {
		b.WriteString("No trades.\n")
		return b.String()
	}
	b.WriteString("| Executed | Side | Symbol | Quantity | Price | Total | Order |\n")
	b.WriteString("|---|---|---|--:|--:|--:|---|\n")
	for _, t := range trades {
		fmt.Fprintf(&b, "| %s | %s | %s | %d | %s | %s | %s |\n",
			t.ExecutedAt.Format("2006-01-02 15:04:05"), t.Side, t.Symbol, t.Quantity,
			price(t.Price), money(t.Total), t.OrderID)
	}
	return b.String()
}

// AuditMarkdown summarizes an audit report, listing every symbol checked.
func AuditMarkdown(r *trade.AuditReport) string {
	var b strings.Builder
	status := "consistent"
	if !r.OK {
		status = "**INCONSISTENT**"
	}
	fmt.Fprintf(&b, "## Audit of %s: %s\n\n", r.UserID, status)
	fmt.Fprintf(&b, "%d trades replayed. Cash %s, expected %s.\n\n", r.Trades, money(r.Cash), money(r.ExpectedCash))
	if len(r.Symbols) == 0 {
		return b.String()
	}
	b.WriteString("| Symbol | Held | Replayed | Held basis | Replayed basis | Status |\n")
	b.WriteString("|---|--:|--:|--:|--:|---|\n")
	for _, s := range r.Symbols {
		st := "ok"
		if !s.OK {
			st = s.Problem
		}
		fmt.Fprintf(&b, "| %s | %d | %d | %s | %s | %s |\n",
			s.Symbol, s.HeldQuantity, s.ReplayQuantity, money(s.HeldCostBasis), money(s.ReplayCostBasis), st)
	}
	return b.String()
}
