// Command ledger-export writes an account's fill history to a Parquet file.
//
//	ledger-export -user alice -out fills.parquet
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/papertrade/paper-engine/internal/config"
	"github.com/papertrade/paper-engine/internal/logging"
	"github.com/papertrade/paper-engine/internal/export"
	"github.com/papertrade/paper-engine/internal/store"
)

func main() {
	configPath := flag.String("config", config.Path(), "path to the YAML config file")
	userID := flag.String("user", "", "user whose fills to export (required)")
	out := flag.String("out", "fills.parquet", "output Parquet file")
	timeout := flag.Duration("timeout", time.Minute, "overall export timeout")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "ledger-export: -user is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledger-export: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewWriter(os.Stderr, cfg.Logging.Level, "text")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, cfg, *userID, *out, logger); err != nil {
		logger.Error("export failed", "user", *userID, "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, userID, out string, logger *slog.Logger) error {
	st, closeStore, err := store.Open(ctx, store.OpenOptions{
		Driver:      cfg.Storage.Driver,
		DatabaseURL: cfg.Storage.DatabaseURL,
		SQLitePath:  cfg.Storage.SQLitePath,
	})
	if err != nil {
		return err
	}
	defer closeStore()

	acct, err := st.GetAccountByUser(ctx, userID)
	if err != nil {
		return err
	}
	n, err := export.AccountFills(ctx, st, acct.ID, out)
	if err != nil {
		return err
	}
	logger.Info("fills exported", "user", userID, "account_id", acct.ID, "fills", n, "path", out)
	return nil
}
