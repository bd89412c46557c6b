// Package sqlstore persists accounts, the reward ledger, the catalog and the
// jackpot pool through sqlx. SQLite (modernc) serves development and tests,
// MySQL serves production.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Digital-Creators-Team/reward-module/catalog"
	"github.com/Digital-Creators-Team/reward-module/config"
	"github.com/Digital-Creators-Team/reward-module/pkg/ledger"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// DB wraps the sqlx handle with the dialect-specific bits.
type DB struct {
	x         *sqlx.DB
	driver    string
	dialect   goqu.DialectWrapper
	txTimeout time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// Open connects, pings and optionally migrates.
func Open(cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	driver := strings.ToLower(cfg.Driver)
	dsn := cfg.DSN
	var dialect goqu.DialectWrapper

	switch driver {
	case DriverSQLite:
		dialect = goqu.Dialect("sqlite3")
		if !strings.Contains(dsn, "_txlock") {
			dsn = appendParam(dsn, "_txlock=immediate")
		}
	case DriverMySQL:
		dialect = goqu.Dialect("mysql")
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	x, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		x.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		x.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		x.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := x.PingContext(ctx); err != nil {
		_ = x.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}

	txTimeout := cfg.TxTimeout
	if txTimeout <= 0 {
		txTimeout = 5 * time.Second
	}

	db := &DB{
		x:         x,
		driver:    driver,
		dialect:   dialect,
		txTimeout: txTimeout,
		logger:    logger.With().Str("component", "sqlstore").Str("driver", driver).Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}

	if cfg.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			_ = x.Close()
			return nil, err
		}
	}

	db.logger.Info().Msg("Database connected")
	return db, nil
}

// Close closes the pool.
func (db *DB) Close() error {
	return db.x.Close()
}

// Ping checks connectivity for health probes.
func (db *DB) Ping(ctx context.Context) error {
	return db.x.PingContext(ctx)
}

// Driver returns the configured driver name.
func (db *DB) Driver() string {
	return db.driver
}

func appendParam(dsn, param string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + param
	}
	return dsn + "?" + param
}

// forUpdate returns the row-lock suffix. SQLite transactions are already
// exclusive under _txlock=immediate.
func (db *DB) forUpdate() string {
	if db.driver == DriverMySQL {
		return " FOR UPDATE"
	}
	return ""
}

// withTx runs fn in a transaction with a default timeout when ctx has no deadline.
func (db *DB) withTx(ctx context.Context, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, db.txTimeout)
		defer cancel()
	}

	tx, err := db.x.BeginTxx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, tx); err != nil {
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// classify maps driver errors that a retry can resolve to ledger.ErrConflict
// and every other non-domain failure to ledger.ErrStorageUnavailable.
func classify(err error) error {
	if err == nil || isDomain(err) {
		return err
	}
	if isRetryable(err) {
		return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
	}
	return fmt.Errorf("%w: %w", ledger.ErrStorageUnavailable, err)
}

var domainErrors = []error{
	ledger.ErrAccountNotFound,
	ledger.ErrInsufficientFunds,
	ledger.ErrConflict,
	ledger.ErrAlreadySettled,
	ledger.ErrReservationNotHeld,
	ledger.ErrKeyMismatch,
	ledger.ErrNotFound,
	ledger.ErrInvalidAmount,
	ledger.ErrInvalidRequest,
	ledger.ErrStorageUnavailable,
	catalog.ErrEntryNotFound,
	catalog.ErrInvalidEntry,
	catalog.ErrNoEnabledOutcomes,
}

func isDomain(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isRetryable(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case 1062, 1205, 1213:
			return true
		}
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return false
}

func affected(res interface{ RowsAffected() (int64, error) }) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

func millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
