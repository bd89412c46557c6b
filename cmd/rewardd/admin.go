package main

import (
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Digital-Creators-Team/reward-module/auth"
	"github.com/Digital-Creators-Team/reward-module/catalog"
	"github.com/Digital-Creators-Team/reward-module/db/sqlstore"
	"github.com/Digital-Creators-Team/reward-module/logging"
	"github.com/Digital-Creators-Team/reward-module/pkg/ledger"
	"github.com/Digital-Creators-Team/reward-module/pkg/money"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Logging)

			dbCfg := cfg.Database
			dbCfg.AutoMigrate = false
			db, err := sqlstore.Open(dbCfg, logger)
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck

			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info().Str("driver", db.Driver()).Msg("Migrations applied")
			return nil
		},
	}
}

func newSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load catalog entries and create accounts",
		Long: `Upserts every entry found in --catalog (a YAML file or a directory of them)
and creates the accounts given with --account. Existing accounts are left untouched.

Account format: id:wallet[:free_spin_credits], e.g. alice:100.00:3`,
		RunE: runSeed,
	}
	cmd.Flags().String("catalog", "", "Catalog YAML file or directory")
	cmd.Flags().StringSlice("account", nil, "Account to create (repeatable)")
	return cmd
}

func runSeed(cmd *cobra.Command, _ []string) error {
	catalogPath, _ := cmd.Flags().GetString("catalog")
	specs, _ := cmd.Flags().GetStringSlice("account")
	if catalogPath == "" && len(specs) == 0 {
		return fmt.Errorf("nothing to seed: pass --catalog and/or --account")
	}

	accounts := make([]ledger.Account, 0, len(specs))
	for _, s := range specs {
		acc, err := parseAccount(s)
		if err != nil {
			return err
		}
		accounts = append(accounts, acc)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging)

	db, err := sqlstore.Open(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck

	ctx := cmd.Context()
	if catalogPath != "" {
		entries, err := catalog.Load(catalogPath)
		if err != nil {
			return err
		}
		if err := upsertEntries(ctx, db, entries); err != nil {
			return err
		}
		logger.Info().Str("catalog", catalogPath).Int("entries", len(entries)).Msg("Catalog seeded")
	}

	for _, acc := range accounts {
		if _, err := db.GetAccount(ctx, acc.ID); err == nil {
			logger.Info().Str("account_id", acc.ID).Msg("Account exists, skipped")
			continue
		} else if !stderrors.Is(err, ledger.ErrAccountNotFound) {
			return err
		}
		if err := db.CreateAccount(ctx, acc); err != nil {
			return fmt.Errorf("failed to create account %s: %w", acc.ID, err)
		}
		logger.Info().
			Str("account_id", acc.ID).
			Str("wallet_balance", acc.WalletBalance.StringFixed(money.Scale)).
			Int64("free_spin_credits", acc.FreeSpinCredits).
			Msg("Account created")
	}
	return nil
}

func parseAccount(s string) (ledger.Account, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || strings.TrimSpace(parts[0]) == "" {
		return ledger.Account{}, fmt.Errorf("invalid account %q, want id:wallet[:credits]", s)
	}
	wallet, err := decimal.NewFromString(parts[1])
	if err != nil || !money.Valid(wallet) {
		return ledger.Account{}, fmt.Errorf("invalid wallet balance in %q", s)
	}
	acc := ledger.Account{ID: strings.TrimSpace(parts[0]), WalletBalance: wallet}
	if len(parts) == 3 {
		credits, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || credits < 0 {
			return ledger.Account{}, fmt.Errorf("invalid free spin credits in %q", s)
		}
		acc.FreeSpinCredits = credits
	}
	return acc, nil
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a JWT for an account (development)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			accountID, _ := cmd.Flags().GetString("account")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if accountID == "" {
				return fmt.Errorf("--account is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.JWT.Expiration
			}
			tok, err := auth.GenerateToken(cfg.JWT.Secret, accountID, accountID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("account", "", "Account id placed in the token")
	cmd.Flags().Duration("ttl", time.Duration(0), "Token lifetime (default jwt.expiration)")
	return cmd
}
