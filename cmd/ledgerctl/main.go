// Command ledgerctl operates an equity ledger from the shell, against the
// store configured by the same environment variables as the server.
package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
	"github.com/posener/complete/v2"
	"github.com/posener/complete/v2/predict"
)

// Commands are the ledgerctl subcommands, by group.
var commands = []struct {
	cmd   subcommands.Command
	group string
}{
	{&migrateCmd{}, "store"},
	{&openCmd{}, "accounts"},
	{&cashCmd{kind: "deposit"}, "accounts"},
	{&cashCmd{kind: "withdraw"}, "accounts"},
	{&orderCmd{side: "buy"}, "orders"},
	{&orderCmd{side: "sell"}, "orders"},
	{&portfolioCmd{}, "reports"},
	{&historyCmd{}, "reports"},
	{&auditCmd{}, "reports"},
}

func main() {
	completion().Complete(path.Base(os.Args[0]))

	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(commander.CommandsCommand(), "")
	for _, c := range commands {
		commander.Register(c.cmd, c.group)
	}

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}

// completion describes the command line for shell completion. Install with
// COMP_INSTALL=1 ledgerctl.
func completion() *complete.Command {
	user := map[string]complete.Predictor{"u": predict.Something}
	order := map[string]complete.Predictor{
		"u": predict.Something,
		"s": predict.Something,
		"q": predict.Something,
	}
	cash := map[string]complete.Predictor{
		"u": predict.Something,
		"a": predict.Something,
	}
	history := map[string]complete.Predictor{
		"u":     predict.Something,
		"start": predict.Something,
		"end":   predict.Something,
		"json":  predict.Nothing,
	}
	return &complete.Command{
		Sub: map[string]*complete.Command{
			"migrate":   {},
			"open":      {Flags: cash},
			"deposit":   {Flags: cash},
			"withdraw":  {Flags: cash},
			"buy":       {Flags: order},
			"sell":      {Flags: order},
			"portfolio": {Flags: map[string]complete.Predictor{"u": predict.Something, "json": predict.Nothing}},
			"history":   {Flags: history},
			"audit":     {Flags: user},
			"help":      {},
		},
	}
}
