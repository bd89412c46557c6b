package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Digital-Creators-Team/reward-module/pkg/jackpot"
	"github.com/Digital-Creators-Team/reward-module/pkg/money"
	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

const (
	tableJackpotPool          = "jackpot_pool"
	tableJackpotContributions = "jackpot_contributions"
	jackpotPoolID             = 1
)

type poolRow struct {
	ID        int64 `db:"id"`
	Amount    int64 `db:"amount"`
	Version   int64 `db:"version"`
	UpdatedAt int64 `db:"updated_at"`
}

func (r poolRow) toSnapshot() jackpot.Snapshot {
	return jackpot.Snapshot{
		Total:     money.FromMinor(r.Amount),
		Version:   r.Version,
		UpdatedAt: fromMillis(r.UpdatedAt),
	}
}

type contributionRow struct {
	TransactionID string `db:"transaction_id"`
	Delta         int64  `db:"delta"`
	TotalAfter    int64  `db:"total_after"`
	VersionAfter  int64  `db:"version_after"`
	CreatedAt     int64  `db:"created_at"`
}

// EnsurePool implements jackpot.Store. The seed only applies when the row is created.
func (db *DB) EnsurePool(ctx context.Context, seed decimal.Decimal) (jackpot.Snapshot, error) {
	amount, err := money.ToMinor(seed)
	if err != nil || amount < 0 {
		return jackpot.Snapshot{}, fmt.Errorf("invalid jackpot seed %s", seed)
	}
	query, args, err := db.dialect.Insert(tableJackpotPool).
		Rows(poolRow{ID: jackpotPoolID, Amount: amount, Version: 0, UpdatedAt: millis(db.now())}).
		OnConflict(goqu.DoNothing()).
		Prepared(true).ToSQL()
	if err != nil {
		return jackpot.Snapshot{}, fmt.Errorf("failed to build pool insert: %w", err)
	}
	if _, err := db.x.ExecContext(ctx, query, args...); err != nil {
		return jackpot.Snapshot{}, fmt.Errorf("failed to ensure jackpot pool: %w", err)
	}
	return db.LoadPool(ctx)
}

// LoadPool implements jackpot.Store.
func (db *DB) LoadPool(ctx context.Context) (jackpot.Snapshot, error) {
	row, err := db.pool(ctx, db.x, false)
	if err != nil {
		return jackpot.Snapshot{}, err
	}
	return row.toSnapshot(), nil
}

// ApplyContribution implements jackpot.Store.
//
// The pool update is a single relative UPDATE, so concurrent writers from
// several instances serialize on the row and never lose an increment.
func (db *DB) ApplyContribution(ctx context.Context, c jackpot.Contribution) (jackpot.Snapshot, bool, error) {
	delta, err := money.ToMinor(c.Delta)
	if err != nil || delta < 0 {
		return jackpot.Snapshot{}, false, fmt.Errorf("invalid jackpot delta %s", c.Delta)
	}

	var (
		out     jackpot.Snapshot
		applied bool
	)
	err = db.withTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		prev, err := db.contribution(ctx, tx, c.TransactionID)
		switch {
		case err == nil:
			out = jackpot.Snapshot{Total: money.FromMinor(prev.TotalAfter), Version: prev.VersionAfter, UpdatedAt: fromMillis(prev.CreatedAt)}
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		now := millis(db.now())
		if delta > 0 {
			res, err := tx.ExecContext(ctx,
				"UPDATE jackpot_pool SET amount = amount + ?, version = version + 1, updated_at = ? WHERE id = ?",
				delta, now, jackpotPoolID)
			if err != nil {
				return fmt.Errorf("failed to increment jackpot pool: %w", err)
			}
			if n, err := affected(res); err != nil {
				return err
			} else if n != 1 {
				return fmt.Errorf("jackpot pool row missing")
			}
			applied = true
		}

		row, err := db.pool(ctx, tx, true)
		if err != nil {
			return err
		}
		out = row.toSnapshot()

		query, args, err := db.dialect.Insert(tableJackpotContributions).Rows(contributionRow{
			TransactionID: c.TransactionID,
			Delta:         delta,
			TotalAfter:    row.Amount,
			VersionAfter:  row.Version,
			CreatedAt:     now,
		}).Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("failed to build contribution insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to record contribution: %w", err)
		}
		return nil
	})
	if err != nil {
		return jackpot.Snapshot{}, false, err
	}
	return out, applied, nil
}

func (db *DB) pool(ctx context.Context, q sqlx.QueryerContext, lock bool) (poolRow, error) {
	query, args, err := db.dialect.From(tableJackpotPool).
		Select("id", "amount", "version", "updated_at").
		Where(goqu.C("id").Eq(jackpotPoolID)).Prepared(true).ToSQL()
	if err != nil {
		return poolRow{}, fmt.Errorf("failed to build pool query: %w", err)
	}
	if lock {
		query += db.forUpdate()
	}
	var row poolRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		return poolRow{}, fmt.Errorf("failed to load jackpot pool: %w", err)
	}
	return row, nil
}

func (db *DB) contribution(ctx context.Context, tx *sqlx.Tx, transactionID string) (contributionRow, error) {
	query, args, err := db.dialect.From(tableJackpotContributions).
		Select("transaction_id", "delta", "total_after", "version_after", "created_at").
		Where(goqu.C("transaction_id").Eq(transactionID)).Prepared(true).ToSQL()
	if err != nil {
		return contributionRow{}, fmt.Errorf("failed to build contribution query: %w", err)
	}
	var row contributionRow
	if err := tx.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contributionRow{}, err
		}
		return contributionRow{}, fmt.Errorf("failed to get contribution: %w", err)
	}
	return row, nil
}
