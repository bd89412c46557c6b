package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Digital-Creators-Team/reward-module/catalog"
	"github.com/Digital-Creators-Team/reward-module/pkg/ledger"
	"github.com/Digital-Creators-Team/reward-module/pkg/money"
	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

const (
	tableAccounts     = "accounts"
	tableReservations = "reservations"
	tableTransactions = "reward_transactions"
)

type accountRow struct {
	ID              string `db:"id"`
	WalletBalance   int64  `db:"wallet_balance"`
	RewardPoints    int64  `db:"reward_points"`
	FreeSpinCredits int64  `db:"free_spin_credits"`
	UpdatedAt       int64  `db:"updated_at"`
}

func (r accountRow) toAccount() ledger.Account {
	return ledger.Account{
		ID:              r.ID,
		WalletBalance:   money.FromMinor(r.WalletBalance),
		RewardPoints:    r.RewardPoints,
		FreeSpinCredits: r.FreeSpinCredits,
		UpdatedAt:       fromMillis(r.UpdatedAt),
	}
}

type reservationRow struct {
	ID             string `db:"id"`
	IdempotencyKey string `db:"idempotency_key"`
	AccountID      string `db:"account_id"`
	CatalogEntryID string `db:"catalog_entry_id"`
	Amount         int64  `db:"amount"`
	Source         string `db:"funding_source"`
	Status         string `db:"status"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

func (r reservationRow) toReservation() ledger.Reservation {
	return ledger.Reservation{
		ID:             r.ID,
		IdempotencyKey: r.IdempotencyKey,
		AccountID:      r.AccountID,
		CatalogEntryID: r.CatalogEntryID,
		Amount:         money.FromMinor(r.Amount),
		Source:         ledger.FundingSource(r.Source),
		Status:         ledger.ReservationStatus(r.Status),
		CreatedAt:      fromMillis(r.CreatedAt),
	}
}

type transactionRow struct {
	ID             string         `db:"id"`
	ReservationID  string         `db:"reservation_id"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	AccountID      string         `db:"account_id"`
	CatalogEntryID string         `db:"catalog_entry_id"`
	CostCharged    int64          `db:"cost_charged"`
	Source         string         `db:"funding_source"`
	OutcomeType    string         `db:"outcome_type"`
	OutcomeLabel   string         `db:"outcome_label"`
	OutcomeValue   string         `db:"outcome_value"`
	Status         string         `db:"status"`
	FailureReason  string         `db:"failure_reason"`
	CreatedAt      int64          `db:"created_at"`
}

func (r transactionRow) toTransaction() (ledger.Transaction, error) {
	value, err := decimal.NewFromString(r.OutcomeValue)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: bad outcome value %q: %w", r.ID, r.OutcomeValue, err)
	}
	return ledger.Transaction{
		ID:             r.ID,
		ReservationID:  r.ReservationID,
		IdempotencyKey: r.IdempotencyKey.String,
		AccountID:      r.AccountID,
		CatalogEntryID: r.CatalogEntryID,
		CostCharged:    money.FromMinor(r.CostCharged),
		Source:         ledger.FundingSource(r.Source),
		OutcomeType:    catalog.OutcomeType(r.OutcomeType),
		OutcomeLabel:   r.OutcomeLabel,
		OutcomeValue:   value,
		Status:         ledger.TransactionStatus(r.Status),
		FailureReason:  r.FailureReason,
		CreatedAt:      fromMillis(r.CreatedAt),
	}, nil
}

func transactionRowFrom(tx ledger.Transaction) (transactionRow, error) {
	cost, err := money.ToMinor(tx.CostCharged)
	if err != nil {
		return transactionRow{}, err
	}
	row := transactionRow{
		ID:             tx.ID,
		ReservationID:  tx.ReservationID,
		AccountID:      tx.AccountID,
		CatalogEntryID: tx.CatalogEntryID,
		CostCharged:    cost,
		Source:         string(tx.Source),
		OutcomeType:    string(tx.OutcomeType),
		OutcomeLabel:   tx.OutcomeLabel,
		OutcomeValue:   tx.OutcomeValue.String(),
		Status:         string(tx.Status),
		FailureReason:  tx.FailureReason,
		CreatedAt:      millis(tx.CreatedAt),
	}
	if tx.IdempotencyKey != "" {
		row.IdempotencyKey = sql.NullString{String: tx.IdempotencyKey, Valid: true}
	}
	return row, nil
}

var (
	accountColumns     = []interface{}{"id", "wallet_balance", "reward_points", "free_spin_credits", "updated_at"}
	reservationColumns = []interface{}{"id", "idempotency_key", "account_id", "catalog_entry_id", "amount",
		"funding_source", "status", "created_at", "updated_at"}
	transactionColumns = []interface{}{"id", "reservation_id", "idempotency_key", "account_id", "catalog_entry_id",
		"cost_charged", "funding_source", "outcome_type", "outcome_label", "outcome_value", "status",
		"failure_reason", "created_at"}
)

// CreateAccount inserts an account. Used by seeding tools and tests.
func (db *DB) CreateAccount(ctx context.Context, acc ledger.Account) error {
	balance, err := money.ToMinor(acc.WalletBalance)
	if err != nil || acc.WalletBalance.IsNegative() || acc.RewardPoints < 0 || acc.FreeSpinCredits < 0 {
		return fmt.Errorf("%w: account %s balances must be non-negative", ledger.ErrInvalidAmount, acc.ID)
	}
	query, args, err := db.dialect.Insert(tableAccounts).Rows(accountRow{
		ID:              acc.ID,
		WalletBalance:   balance,
		RewardPoints:    acc.RewardPoints,
		FreeSpinCredits: acc.FreeSpinCredits,
		UpdatedAt:       millis(db.now()),
	}).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build account insert: %w", err)
	}
	if _, err := db.x.ExecContext(ctx, query, args...); err != nil {
		return classify(fmt.Errorf("failed to create account %s: %w", acc.ID, err))
	}
	return nil
}

// GetAccount implements ledger.Store.
func (db *DB) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	row, err := db.accountByID(ctx, db.x, id, false)
	if err != nil {
		return ledger.Account{}, classify(err)
	}
	return row.toAccount(), nil
}

// HoldFunds implements ledger.Store.
func (db *DB) HoldFunds(ctx context.Context, res ledger.Reservation) (ledger.Reservation, error) {
	var out ledger.Reservation
	err := db.withTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		existing, err := db.reservationBy(ctx, tx, "idempotency_key", res.IdempotencyKey)
		switch {
		case errors.Is(err, ledger.ErrNotFound):
		case err != nil:
			return err
		default:
			if existing.AccountID != res.AccountID || existing.CatalogEntryID != res.CatalogEntryID {
				return ledger.ErrKeyMismatch
			}
			out = existing.toReservation()
			switch ledger.ReservationStatus(existing.Status) {
			case ledger.ReservationHeld:
				out.Resumed = true
				return nil
			case ledger.ReservationSettled:
				return ledger.ErrAlreadySettled
			}
			// Refunded: hold again under the same reservation id.
			source, amount, err := db.debit(ctx, tx, res.AccountID, res.Amount)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE reservations SET amount = ?, funding_source = ?, status = ?, updated_at = ? WHERE id = ? AND status = ?",
				amount, string(source), string(ledger.ReservationHeld), millis(db.now()), existing.ID,
				string(ledger.ReservationRefunded)); err != nil {
				return fmt.Errorf("failed to re-hold reservation %s: %w", existing.ID, err)
			}
			out.Amount = money.FromMinor(amount)
			out.Source = source
			out.Status = ledger.ReservationHeld
			return nil
		}

		source, amount, err := db.debit(ctx, tx, res.AccountID, res.Amount)
		if err != nil {
			return err
		}
		row := reservationRow{
			ID:             res.ID,
			IdempotencyKey: res.IdempotencyKey,
			AccountID:      res.AccountID,
			CatalogEntryID: res.CatalogEntryID,
			Amount:         amount,
			Source:         string(source),
			Status:         string(ledger.ReservationHeld),
			CreatedAt:      millis(res.CreatedAt),
			UpdatedAt:      millis(res.CreatedAt),
		}
		query, args, err := db.dialect.Insert(tableReservations).Rows(row).Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("failed to build reservation insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert reservation: %w", err)
		}
		out = row.toReservation()
		return nil
	})
	return out, err
}

// SettleReservation implements ledger.Store.
func (db *DB) SettleReservation(ctx context.Context, res ledger.Reservation, t ledger.Transaction) (ledger.Transaction, error) {
	var out ledger.Transaction
	err := db.withTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		cur, err := db.reservationBy(ctx, tx, "id", res.ID)
		if err != nil {
			return err
		}
		switch ledger.ReservationStatus(cur.Status) {
		case ledger.ReservationSettled:
			return ledger.ErrAlreadySettled
		case ledger.ReservationHeld:
		default:
			return fmt.Errorf("%w: %s is %s", ledger.ErrReservationNotHeld, cur.ID, cur.Status)
		}

		// The stored reservation is authoritative for what was charged.
		t.CostCharged = money.FromMinor(cur.Amount)
		t.Source = ledger.FundingSource(cur.Source)
		t.IdempotencyKey = cur.IdempotencyKey

		if err := db.credit(ctx, tx, cur.AccountID, t.OutcomeType, t.OutcomeValue); err != nil {
			return err
		}
		if err := db.insertTransaction(ctx, tx, t); err != nil {
			return err
		}
		if err := db.setReservationStatus(ctx, tx, cur.ID, ledger.ReservationHeld, ledger.ReservationSettled); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// RefundReservation implements ledger.Store.
func (db *DB) RefundReservation(ctx context.Context, res ledger.Reservation, t ledger.Transaction) (ledger.Transaction, error) {
	var out ledger.Transaction
	err := db.withTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		cur, err := db.reservationBy(ctx, tx, "id", res.ID)
		if err != nil {
			return err
		}
		if ledger.ReservationStatus(cur.Status) != ledger.ReservationHeld {
			return fmt.Errorf("%w: %s is %s", ledger.ErrReservationNotHeld, cur.ID, cur.Status)
		}

		switch ledger.FundingSource(cur.Source) {
		case ledger.FundingFreeCredit:
			err = db.credit(ctx, tx, cur.AccountID, catalog.OutcomeFreeSpin, decimal.NewFromInt(1))
		default:
			err = db.credit(ctx, tx, cur.AccountID, catalog.OutcomeMoney, money.FromMinor(cur.Amount))
		}
		if err != nil {
			return err
		}

		t.CostCharged = money.FromMinor(cur.Amount)
		t.Source = ledger.FundingSource(cur.Source)
		t.IdempotencyKey = ""
		if err := db.insertTransaction(ctx, tx, t); err != nil {
			return err
		}
		if err := db.setReservationStatus(ctx, tx, cur.ID, ledger.ReservationHeld, ledger.ReservationRefunded); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// TransactionByKey implements ledger.Store.
func (db *DB) TransactionByKey(ctx context.Context, key string) (ledger.Transaction, error) {
	query, args, err := db.dialect.From(tableTransactions).Select(transactionColumns...).
		Where(goqu.C("idempotency_key").Eq(key)).Limit(1).Prepared(true).ToSQL()
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("failed to build transaction query: %w", err)
	}
	var row transactionRow
	if err := db.x.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Transaction{}, ledger.ErrNotFound
		}
		return ledger.Transaction{}, classify(fmt.Errorf("failed to get transaction by key: %w", err))
	}
	t, err := row.toTransaction()
	return t, classify(err)
}

// ListTransactions implements ledger.Store.
func (db *DB) ListTransactions(ctx context.Context, f ledger.HistoryFilter) ([]ledger.Transaction, error) {
	var where []goqu.Expression
	if f.AccountID != "" {
		where = append(where, goqu.C("account_id").Eq(f.AccountID))
	}
	if f.CatalogEntryID != "" {
		where = append(where, goqu.C("catalog_entry_id").Eq(f.CatalogEntryID))
	}
	if f.Status != "" {
		where = append(where, goqu.C("status").Eq(string(f.Status)))
	}
	if !f.Since.IsZero() {
		where = append(where, goqu.C("created_at").Gte(millis(f.Since)))
	}
	if !f.Until.IsZero() {
		where = append(where, goqu.C("created_at").Lt(millis(f.Until)))
	}

	ds := db.dialect.From(tableTransactions).Select(transactionColumns...).
		Where(where...).
		Order(goqu.C("created_at").Desc(), goqu.C("id").Desc())
	if f.Limit > 0 {
		ds = ds.Limit(f.Limit)
	}
	if f.Offset > 0 {
		ds = ds.Offset(f.Offset)
	}
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build history query: %w", err)
	}

	var rows []transactionRow
	if err := db.x.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, classify(fmt.Errorf("failed to list transactions: %w", err))
	}
	out := make([]ledger.Transaction, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTransaction()
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, t)
	}
	return out, nil
}

// HeldReservationsBefore implements ledger.Store.
func (db *DB) HeldReservationsBefore(ctx context.Context, cutoff time.Time, limit uint) ([]ledger.Reservation, error) {
	ds := db.dialect.From(tableReservations).Select(reservationColumns...).
		Where(
			goqu.C("status").Eq(string(ledger.ReservationHeld)),
			goqu.C("created_at").Lt(millis(cutoff)),
		).
		Order(goqu.C("created_at").Asc(), goqu.C("id").Asc())
	if limit > 0 {
		ds = ds.Limit(limit)
	}
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build held reservation query: %w", err)
	}
	var rows []reservationRow
	if err := db.x.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, classify(fmt.Errorf("failed to list held reservations: %w", err))
	}
	return lo.Map(rows, func(r reservationRow, _ int) ledger.Reservation { return r.toReservation() }), nil
}

func (db *DB) accountByID(ctx context.Context, q sqlx.QueryerContext, id string, lock bool) (accountRow, error) {
	query, args, err := db.dialect.From(tableAccounts).Select(accountColumns...).
		Where(goqu.C("id").Eq(id)).Limit(1).Prepared(true).ToSQL()
	if err != nil {
		return accountRow{}, fmt.Errorf("failed to build account query: %w", err)
	}
	if lock {
		query += db.forUpdate()
	}
	var row accountRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return accountRow{}, ledger.ErrAccountNotFound
		}
		return accountRow{}, fmt.Errorf("failed to get account %s: %w", id, err)
	}
	return row, nil
}

func (db *DB) reservationBy(ctx context.Context, tx *sqlx.Tx, column, value string) (reservationRow, error) {
	query, args, err := db.dialect.From(tableReservations).Select(reservationColumns...).
		Where(goqu.C(column).Eq(value)).Limit(1).Prepared(true).ToSQL()
	if err != nil {
		return reservationRow{}, fmt.Errorf("failed to build reservation query: %w", err)
	}
	query += db.forUpdate()
	var row reservationRow
	if err := tx.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return reservationRow{}, ledger.ErrNotFound
		}
		return reservationRow{}, fmt.Errorf("failed to get reservation: %w", err)
	}
	return row, nil
}

// debit takes one free credit when cost is positive and one is available,
// otherwise cost from the wallet. Both are conditional updates so balances
// cannot go negative under any interleaving.
func (db *DB) debit(ctx context.Context, tx *sqlx.Tx, accountID string, cost decimal.Decimal) (ledger.FundingSource, int64, error) {
	amount, err := money.ToMinor(cost)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ledger.ErrInvalidAmount, err)
	}
	now := millis(db.now())

	if amount == 0 {
		if _, err := db.accountByID(ctx, tx, accountID, true); err != nil {
			return "", 0, err
		}
		return ledger.FundingWallet, 0, nil
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE accounts SET free_spin_credits = free_spin_credits - 1, updated_at = ? WHERE id = ? AND free_spin_credits > 0",
		now, accountID)
	if err != nil {
		return "", 0, fmt.Errorf("failed to consume free credit: %w", err)
	}
	if n, err := affected(res); err != nil {
		return "", 0, err
	} else if n == 1 {
		return ledger.FundingFreeCredit, 0, nil
	}

	res, err = tx.ExecContext(ctx,
		"UPDATE accounts SET wallet_balance = wallet_balance - ?, updated_at = ? WHERE id = ? AND wallet_balance >= ?",
		amount, now, accountID, amount)
	if err != nil {
		return "", 0, fmt.Errorf("failed to debit wallet: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return "", 0, err
	}
	if n == 1 {
		return ledger.FundingWallet, amount, nil
	}

	if _, err := db.accountByID(ctx, tx, accountID, false); err != nil {
		return "", 0, err
	}
	return "", 0, ledger.ErrInsufficientFunds
}

func (db *DB) credit(ctx context.Context, tx *sqlx.Tx, accountID string, kind catalog.OutcomeType, value decimal.Decimal) error {
	var (
		query  string
		amount int64
	)
	switch kind {
	case catalog.OutcomeMoney:
		m, err := money.ToMinor(value)
		if err != nil {
			return fmt.Errorf("%w: %v", ledger.ErrInvalidAmount, err)
		}
		amount = m
		query = "UPDATE accounts SET wallet_balance = wallet_balance + ?, updated_at = ? WHERE id = ?"
	case catalog.OutcomePoints:
		amount = value.IntPart()
		query = "UPDATE accounts SET reward_points = reward_points + ?, updated_at = ? WHERE id = ?"
	case catalog.OutcomeFreeSpin:
		amount = value.IntPart()
		query = "UPDATE accounts SET free_spin_credits = free_spin_credits + ?, updated_at = ? WHERE id = ?"
	default:
		return nil
	}
	if amount <= 0 {
		return nil
	}

	res, err := tx.ExecContext(ctx, query, amount, millis(db.now()), accountID)
	if err != nil {
		return fmt.Errorf("failed to credit %s: %w", kind, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n != 1 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func (db *DB) insertTransaction(ctx context.Context, tx *sqlx.Tx, t ledger.Transaction) error {
	row, err := transactionRowFrom(t)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrInvalidAmount, err)
	}
	query, args, err := db.dialect.Insert(tableTransactions).Rows(row).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build transaction insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (db *DB) setReservationStatus(ctx context.Context, tx *sqlx.Tx, id string, from, to ledger.ReservationStatus) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE reservations SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(to), millis(db.now()), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update reservation %s: %w", id, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: reservation %s changed concurrently", ledger.ErrConflict, id)
	}
	return nil
}
