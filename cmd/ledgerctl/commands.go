package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"github.com/atmx/equity-ledger/internal/app"
	"github.com/atmx/equity-ledger/internal/config"
	"github.com/atmx/equity-ledger/internal/model"
	"github.com/atmx/equity-ledger/internal/outcome"
	"github.com/atmx/equity-ledger/internal/store"
)

// openLedger builds the service from the environment. Logs go to stderr at
// warning level or above so command output stays readable.
func openLedger(ctx context.Context) (*app.Ledger, error) {
	cfg := config.Load()
	level := max(cfg.LogLevel, slog.LevelWarn)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return app.Open(ctx, cfg, logger, nil)
}

// fail reports err and maps it to an exit status.
func fail(err error) subcommands.ExitStatus {
	if kind := outcome.KindOf(err); kind != outcome.StoreFailure {
		fmt.Fprintf(os.Stderr, "%s: %s\n", kind, outcome.MessageOf(err))
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return subcommands.ExitFailure
}

func usage(msg string) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, msg)
	return subcommands.ExitUsageError
}

// --- migrate ---

type migrateCmd struct{}

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "create the ledger tables" }
func (*migrateCmd) Usage() string {
	return `ledgerctl migrate

  Creates the trades, lots, balances and cash_transactions tables in the
  database selected by DATABASE_DRIVER and DATABASE_URL.
`
}
func (*migrateCmd) SetFlags(*flag.FlagSet) {}

func (*migrateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg := config.Load()
	_, closeFn, err := store.Open(ctx, store.Options{Driver: cfg.DatabaseDriver, URL: cfg.DatabaseURL, Migrate: true})
	if err != nil {
		return fail(err)
	}
	defer closeFn()
	fmt.Printf("schema ready (%s)\n", cfg.DatabaseDriver)
	return subcommands.ExitSuccess
}

// --- open ---

type openCmd struct {
	user   string
	amount string
}

func (*openCmd) Name() string     { return "open" }
func (*openCmd) Synopsis() string { return "open an account" }
func (*openCmd) Usage() string {
	return `ledgerctl open -u <user> [-a <amount>]

  Opens an account. Without -a the configured OPENING_BALANCE is credited.
`
}

func (c *openCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "u", "", "user id")
	f.StringVar(&c.amount, "a", "", "opening cash, e.g. 10000.00")
}

func (c *openCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	var amount *decimal.Decimal
	if c.amount != "" {
		a, err := decimal.NewFromString(c.amount)
		if err != nil {
			return usage("invalid amount: " + c.amount)
		}
		amount = &a
	}
	l, err := openLedger(ctx)
	if err != nil {
		return fail(err)
	}
	defer l.Close()

	res, err := l.Service.OpenAccount(ctx, c.user, amount)
	if err != nil {
		return fail(err)
	}
	fmt.Println(res.Message)
	return subcommands.ExitSuccess
}

// --- deposit / withdraw ---

type cashCmd struct {
	kind   string
	user   string
	amount string
}

func (c *cashCmd) Name() string { return c.kind }
func (c *cashCmd) Synopsis() string {
	if c.kind == "withdraw" {
		return "withdraw free cash"
	}
	return "deposit cash"
}
func (c *cashCmd) Usage() string {
	return fmt.Sprintf("ledgerctl %s -u <user> -a <amount>\n", c.kind)
}

func (c *cashCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "u", "", "user id")
	f.StringVar(&c.amount, "a", "", "amount, at most 2 decimal places")
}

func (c *cashCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	amount, err := decimal.NewFromString(c.amount)
	if err != nil {
		return usage("invalid amount: " + c.amount)
	}
	l, err := openLedger(ctx)
	if err != nil {
		return fail(err)
	}
	defer l.Close()

	move := l.Service.Deposit
	if c.kind == "withdraw" {
		move = l.Service.Withdraw
	}
	res, err := move(ctx, c.user, amount)
	if err != nil {
		return fail(err)
	}
	fmt.Println(res.Message)
	return subcommands.ExitSuccess
}

// --- buy / sell ---

type orderCmd struct {
	side   string
	user   string
	symbol string
	qty    int64
}

func (c *orderCmd) Name() string     { return c.side }
func (c *orderCmd) Synopsis() string { return c.side + " shares at the current price" }
func (c *orderCmd) Usage() string {
	return fmt.Sprintf(`ledgerctl %s -u <user> -s <symbol> -q <quantity>

  Executes a market order. Sells consume the oldest lots first.
`, c.side)
}

func (c *orderCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "u", "", "user id")
	f.StringVar(&c.symbol, "s", "", "ticker symbol")
	f.Int64Var(&c.qty, "q", 0, "number of shares")
}

func (c *orderCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	side, err := model.ParseSide(c.side)
	if err != nil {
		return usage(err.Error())
	}
	l, err := openLedger(ctx)
	if err != nil {
		return fail(err)
	}
	defer l.Close()

	res, err := l.Service.Execute(ctx, side, c.user, c.symbol, c.qty)
	if err != nil {
		return fail(err)
	}
	printMarkdown(OrderMarkdown(res))
	return subcommands.ExitSuccess
}

// --- portfolio ---

type portfolioCmd struct {
	user string
	json bool
}

func (*portfolioCmd) Name() string     { return "portfolio" }
func (*portfolioCmd) Synopsis() string { return "value holdings at current prices" }
func (*portfolioCmd) Usage() string {
	return `ledgerctl portfolio -u <user> [-json]

  Values every open position at the current oracle price. Positions whose
  price could not be fetched are marked stale.
`
}

func (c *portfolioCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "u", "", "user id")
	f.BoolVar(&c.json, "json", false, "print JSON instead of a table")
}

func (c *portfolioCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	l, err := openLedger(ctx)
	if err != nil {
		return fail(err)
	}
	defer l.Close()

	p, err := l.Service.Portfolio(ctx, c.user)
	if err != nil {
		return fail(err)
	}
	if c.json {
		return printJSON(p)
	}
	printMarkdown(PortfolioMarkdown(p))
	return subcommands.ExitSuccess
}

// --- history ---

type historyCmd struct {
	user  string
	start string
	end   string
	json  bool
}

func (*historyCmd) Name() string     { return "history" }
func (*historyCmd) Synopsis() string { return "list executed trades" }
func (*historyCmd) Usage() string {
	return `ledgerctl history -u <user> [-start <date>] [-end <date>] [-json]

  Lists trades oldest first. Dates are YYYY-MM-DD or RFC 3339; both bounds
  are inclusive.
`
}

func (c *historyCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "u", "", "user id")
	f.StringVar(&c.start, "start", "", "first day or instant to include")
	f.StringVar(&c.end, "end", "", "last day or instant to include")
	f.BoolVar(&c.json, "json", false, "print JSON instead of a table")
}

func (c *historyCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	filter, err := parseRange(c.start, c.end)
	if err != nil {
		return usage(err.Error())
	}
	l, err := openLedger(ctx)
	if err != nil {
		return fail(err)
	}
	defer l.Close()

	trades, err := l.Service.History(ctx, c.user, filter)
	if err != nil {
		return fail(err)
	}
	if c.json {
		return printJSON(trades)
	}
	printMarkdown(HistoryMarkdown(c.user, trades))
	return subcommands.ExitSuccess
}

// parseRange parses inclusive bounds; a date-only end covers the whole day.
func parseRange(start, end string) (model.TimeFilter, error) {
	var f model.TimeFilter
	if start != "" {
		t, _, err := parseBound(start)
		if err != nil {
			return f, fmt.Errorf("invalid -start %q", start)
		}
		f.Start = &t
	}
	if end != "" {
		t, dateOnly, err := parseBound(end)
		if err != nil {
			return f, fmt.Errorf("invalid -end %q", end)
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Microsecond)
		}
		f.End = &t
	}
	return f, nil
}

func parseBound(v string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse("2006-01-02", v)
	return t, true, err
}

// --- audit ---

type auditCmd struct {
	user string
}

func (*auditCmd) Name() string     { return "audit" }
func (*auditCmd) Synopsis() string { return "check lots and cash against the logs" }
func (*auditCmd) Usage() string {
	return `ledgerctl audit -u <user>

  Replays the trade log under FIFO and compares it with the open lots and
  the cash balance. Exits non-zero on any mismatch.
`
}

func (c *auditCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "u", "", "user id")
}

func (c *auditCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	l, err := openLedger(ctx)
	if err != nil {
		return fail(err)
	}
	defer l.Close()

	report, err := l.Service.Audit(ctx, c.user)
	if report != nil {
		printMarkdown(AuditMarkdown(report))
	}
	if err != nil {
		return fail(err)
	}
	return subcommands.ExitSuccess
}

func printJSON(v any) subcommands.ExitStatus {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fail(err)
	}
	return subcommands.ExitSuccess
}
