package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ruralpay/walletledger/internal/config"
	"github.com/ruralpay/walletledger/internal/logger"
	"github.com/ruralpay/walletledger/internal/models"
	"github.com/sirupsen/logrus"
)

type options struct {
	wallets    int
	balance    string
	walletType string
	currency   string
}

// Seeds wallets with an opening balance. Each opening balance is written as
// a DEPOSIT with its CREDIT leg so reconciliation finds no drift.
func main() {
	var opts options
	flag.IntVar(&opts.wallets, "wallets", 1000, "number of wallets to create")
	flag.StringVar(&opts.balance, "balance", "10000.00", "opening balance per wallet")
	flag.StringVar(&opts.walletType, "type", models.WalletTypeSavings, "wallet type (SAVINGS or CURRENT)")
	flag.StringVar(&opts.currency, "currency", "", "wallet currency (defaults to LEDGER_CURRENCY)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.New("info").WithError(err).Fatal("failed to load configuration")
	}
	log := logger.New(cfg.Server.LogLevel)
	if opts.currency == "" {
		opts.currency = cfg.Ledger.Currency
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL())
	if err != nil {
		log.WithError(err).Fatal("unable to connect to database")
	}
	defer pool.Close()

	n, err := seed(ctx, pool, opts)
	if err != nil {
		log.WithError(err).Fatal("bulk insert failed")
	}
	log.WithFields(logrus.Fields{"wallets": n, "balance": opts.balance}).Info("seeding complete")
}

func seed(ctx context.Context, pool *pgxpool.Pool, opts options) (int64, error) {
	var balance pgtype.Numeric
	if err := balance.Scan(opts.balance); err != nil {
		return 0, fmt.Errorf("invalid balance %q: %w", opts.balance, err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var nextCustomer int64
	if err := tx.QueryRow(ctx, "SELECT COALESCE(MAX(customer_id), 0) + 1 FROM wallets").Scan(&nextCustomer); err != nil {
		return 0, fmt.Errorf("read customer ids: %w", err)
	}

	numbers, err := walletNumbers(opts.walletType, opts.wallets)
	if err != nil {
		return 0, err
	}

	walletRows := make([][]any, 0, len(numbers))
	txRows := make([][]any, 0, len(numbers))
	entryRows := make([][]any, 0, len(numbers))
	for i, number := range numbers {
		ref := "SEED-" + number
		walletRows = append(walletRows, []any{number, nextCustomer + int64(i), opts.walletType, opts.currency, balance})
		txRows = append(txRows, []any{ref, string(models.TxDeposit), balance, opts.currency, "opening balance", number, string(models.StatusSuccessful)})
		entryRows = append(entryRows, []any{ref, number, string(models.EntryCredit), balance})
	}

	copied, err := tx.CopyFrom(ctx,
		pgx.Identifier{"wallets"},
		[]string{"wallet_number", "customer_id", "wallet_type", "currency", "balance"},
		pgx.CopyFromRows(walletRows),
	)
	if err != nil {
		return 0, fmt.Errorf("copy wallets: %w", err)
	}

	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"transactions"},
		[]string{"reference", "type", "amount", "currency", "narration", "wallet_number", "status"},
		pgx.CopyFromRows(txRows),
	); err != nil {
		return 0, fmt.Errorf("copy transactions: %w", err)
	}

	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"ledger_entries"},
		[]string{"transaction_reference", "wallet_number", "entry_type", "amount"},
		pgx.CopyFromRows(entryRows),
	); err != nil {
		return 0, fmt.Errorf("copy ledger entries: %w", err)
	}

	return copied, tx.Commit(ctx)
}

// walletNumbers returns n distinct numbers. Collisions with existing rows
// surface as a unique violation from COPY.
func walletNumbers(walletType string, n int) ([]string, error) {
	seen := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for len(out) < n {
		number, err := models.GenerateWalletNumber(walletType)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[number]; dup {
			continue
		}
		seen[number] = struct{}{}
		out = append(out, number)
	}
	return out, nil
}
