package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Digital-Creators-Team/reward-module/catalog"
	"github.com/Digital-Creators-Team/reward-module/pkg/money"
	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

const (
	tableCatalogEntries  = "catalog_entries"
	tableCatalogOutcomes = "catalog_outcomes"
)

type entryRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Kind      string `db:"kind"`
	Cost      int64  `db:"cost"`
	Active    bool   `db:"active"`
	UpdatedAt int64  `db:"updated_at"`
}

type outcomeRow struct {
	EntryID  string `db:"entry_id"`
	Position int    `db:"position"`
	Label    string `db:"label"`
	Type     string `db:"outcome_type"`
	Value    string `db:"value"`
	Weight   int64  `db:"weight"`
	Disabled bool   `db:"disabled"`
}

func (r outcomeRow) toOutcome() (catalog.WeightedOutcome, error) {
	value, err := decimal.NewFromString(r.Value)
	if err != nil {
		return catalog.WeightedOutcome{}, fmt.Errorf("outcome %s/%d: bad value %q: %w", r.EntryID, r.Position, r.Value, err)
	}
	return catalog.WeightedOutcome{
		Label:    r.Label,
		Type:     catalog.OutcomeType(r.Type),
		Value:    value,
		Weight:   r.Weight,
		Disabled: r.Disabled,
	}, nil
}

var (
	entryColumns   = []interface{}{"id", "name", "kind", "cost", "active", "updated_at"}
	outcomeColumns = []interface{}{"entry_id", "position", "label", "outcome_type", "value", "weight", "disabled"}
)

// GetEntry implements catalog.Store.
func (db *DB) GetEntry(ctx context.Context, id string) (catalog.Entry, error) {
	query, args, err := db.dialect.From(tableCatalogEntries).Select(entryColumns...).
		Where(goqu.C("id").Eq(id)).Limit(1).Prepared(true).ToSQL()
	if err != nil {
		return catalog.Entry{}, fmt.Errorf("failed to build entry query: %w", err)
	}
	var row entryRow
	if err := db.x.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Entry{}, catalog.ErrEntryNotFound
		}
		return catalog.Entry{}, classify(fmt.Errorf("failed to get catalog entry %s: %w", id, err))
	}

	outcomes, err := db.outcomes(ctx, goqu.C("entry_id").Eq(id))
	if err != nil {
		return catalog.Entry{}, classify(err)
	}
	e, err := assemble(row, outcomes[id])
	return e, classify(err)
}

// ListEntries implements catalog.Store.
func (db *DB) ListEntries(ctx context.Context, activeOnly bool) ([]catalog.Entry, error) {
	ds := db.dialect.From(tableCatalogEntries).Select(entryColumns...).Order(goqu.C("id").Asc())
	if activeOnly {
		ds = ds.Where(goqu.C("active").Eq(true))
	}
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build entry list query: %w", err)
	}
	var rows []entryRow
	if err := db.x.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, classify(fmt.Errorf("failed to list catalog entries: %w", err))
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := lo.Map(rows, func(r entryRow, _ int) string { return r.ID })
	outcomes, err := db.outcomes(ctx, goqu.C("entry_id").In(ids))
	if err != nil {
		return nil, classify(err)
	}

	out := make([]catalog.Entry, 0, len(rows))
	for _, r := range rows {
		e, err := assemble(r, outcomes[r.ID])
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, e)
	}
	return out, nil
}

// UpsertEntry implements catalog.Writer. Outcomes are replaced wholesale.
func (db *DB) UpsertEntry(ctx context.Context, e catalog.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	cost := money.MustMinor(e.Cost)

	return db.withTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		for _, table := range []string{tableCatalogOutcomes, tableCatalogEntries} {
			col := "id"
			if table == tableCatalogOutcomes {
				col = "entry_id"
			}
			query, args, err := db.dialect.Delete(table).Where(goqu.C(col).Eq(e.ID)).Prepared(true).ToSQL()
			if err != nil {
				return fmt.Errorf("failed to build delete: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to clear %s for %s: %w", table, e.ID, err)
			}
		}

		query, args, err := db.dialect.Insert(tableCatalogEntries).Rows(entryRow{
			ID:        e.ID,
			Name:      e.Name,
			Kind:      string(e.Kind),
			Cost:      cost,
			Active:    e.Active,
			UpdatedAt: millis(db.now()),
		}).Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("failed to build entry insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert entry %s: %w", e.ID, err)
		}

		rows := lo.Map(e.Outcomes, func(o catalog.WeightedOutcome, i int) interface{} {
			return outcomeRow{
				EntryID:  e.ID,
				Position: i,
				Label:    o.Label,
				Type:     string(o.Type),
				Value:    o.Value.String(),
				Weight:   o.Weight,
				Disabled: o.Disabled,
			}
		})
		if len(rows) == 0 {
			return nil
		}
		query, args, err = db.dialect.Insert(tableCatalogOutcomes).Rows(rows...).Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("failed to build outcome insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert outcomes for %s: %w", e.ID, err)
		}
		return nil
	})
}

func (db *DB) outcomes(ctx context.Context, where goqu.Expression) (map[string][]outcomeRow, error) {
	query, args, err := db.dialect.From(tableCatalogOutcomes).Select(outcomeColumns...).
		Where(where).Order(goqu.C("entry_id").Asc(), goqu.C("position").Asc()).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build outcome query: %w", err)
	}
	var rows []outcomeRow
	if err := db.x.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	return lo.GroupBy(rows, func(r outcomeRow) string { return r.EntryID }), nil
}

func assemble(row entryRow, outcomes []outcomeRow) (catalog.Entry, error) {
	e := catalog.Entry{
		ID:     row.ID,
		Name:   row.Name,
		Kind:   catalog.Kind(row.Kind),
		Cost:   money.FromMinor(row.Cost),
		Active: row.Active,
	}
	for _, r := range outcomes {
		o, err := r.toOutcome()
		if err != nil {
			return catalog.Entry{}, err
		}
		e.Outcomes = append(e.Outcomes, o)
	}
	return e, nil
}
