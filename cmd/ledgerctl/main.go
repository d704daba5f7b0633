package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruralpay/walletledger/internal/app"
	"github.com/ruralpay/walletledger/internal/config"
	"github.com/ruralpay/walletledger/internal/database"
	"github.com/ruralpay/walletledger/internal/logger"
	"github.com/sirupsen/logrus"
)

const usage = `usage: ledgerctl <command> [flags]

commands:
  reconcile             scan every wallet against its ledger and log findings
  verify-audit          walk the audit hash chain and report breaks
  cleanup-idempotency   delete expired idempotency records
  schema                apply the embedded schema (use -print to only print it)
`

// Exit codes: 0 ok, 1 failure, 2 usage, 3 findings present.
const (
	exitOK       = 0
	exitFailure  = 1
	exitUsage    = 2
	exitFindings = 3
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}

	cmd, rest := args[0], args[1:]
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	batch := fs.Int("batch", 1000, "rows deleted per statement (cleanup-idempotency)")
	printOnly := fs.Bool("print", false, "print the schema instead of applying it (schema)")
	if err := fs.Parse(rest); err != nil {
		return exitUsage
	}

	switch cmd {
	case "reconcile", "verify-audit", "cleanup-idempotency", "schema":
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return exitUsage
	}

	if cmd == "schema" && *printOnly {
		fmt.Fprint(stdout, database.Schema())
		return exitOK
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return exitFailure
	}
	log := logger.New(cfg.Server.LogLevel)
	log.SetOutput(stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, nil)
	if err != nil {
		log.WithError(err).Error("failed to initialize")
		return exitFailure
	}
	defer a.Close()

	return execute(ctx, cmd, a, *batch, stdout, log)
}

func execute(ctx context.Context, cmd string, a *app.App, batch int, stdout io.Writer, log *logrus.Logger) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	switch cmd {
	case "schema":
		if err := database.EnsureSchema(ctx, a.DB); err != nil {
			log.WithError(err).Error("schema apply failed")
			return exitFailure
		}
		log.Info("schema applied")
		return exitOK

	case "reconcile":
		report, err := a.Tasks.Reconcile(ctx)
		if err != nil {
			return exitFailure
		}
		enc.Encode(report)
		if len(report.Inconsistent) > 0 {
			return exitFindings
		}
		return exitOK

	case "verify-audit":
		issues, err := a.Tasks.VerifyAudit(ctx)
		if err != nil {
			return exitFailure
		}
		enc.Encode(map[string]any{"valid": len(issues) == 0, "issues": issues})
		if len(issues) > 0 {
			return exitFindings
		}
		return exitOK

	case "cleanup-idempotency":
		n, err := a.Tasks.CleanupIdempotency(ctx, batch)
		if err != nil {
			return exitFailure
		}
		enc.Encode(map[string]int64{"deleted": n})
		return exitOK
	}
	return exitUsage
}
