package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Digital-Creators-Team/reward-module/pkg/money"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// OutcomeType is what a selected outcome pays out.
type OutcomeType string

const (
	OutcomeMoney    OutcomeType = "money"
	OutcomePoints   OutcomeType = "points"
	OutcomeFreeSpin OutcomeType = "free_spin"
	OutcomeNone     OutcomeType = "none"
)

// Valid reports whether t is a known outcome type.
func (t OutcomeType) Valid() bool {
	switch t {
	case OutcomeMoney, OutcomePoints, OutcomeFreeSpin, OutcomeNone:
		return true
	default:
		return false
	}
}

// ParseOutcomeType accepts the canonical names case-insensitively.
func ParseOutcomeType(s string) (OutcomeType, error) {
	t := OutcomeType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown outcome type %q", s)
	}
	return t, nil
}

// Kind distinguishes presentation of an entry. Selection is identical for both.
type Kind string

const (
	KindCrate Kind = "crate"
	KindWheel Kind = "wheel"
)

var (
	// ErrEntryNotFound is returned by stores when no entry has the requested id.
	ErrEntryNotFound = errors.New("catalog entry not found")
	// ErrNoEnabledOutcomes means nothing in the entry can ever be selected.
	ErrNoEnabledOutcomes = errors.New("catalog entry has no enabled outcome with positive weight")
	// ErrInvalidEntry wraps every other validation failure.
	ErrInvalidEntry = errors.New("invalid catalog entry")
)

// WeightedOutcome is one slice of a wheel or one possible crate drop.
// Disabled outcomes are display-only and never enter the weight pool.
type WeightedOutcome struct {
	Label    string          `mapstructure:"label" json:"label" db:"label"`
	Type     OutcomeType     `mapstructure:"type" json:"type" db:"outcome_type"`
	Value    decimal.Decimal `mapstructure:"value" json:"value" db:"value"`
	Weight   int64           `mapstructure:"weight" json:"weight" db:"weight"`
	Disabled bool            `mapstructure:"disabled" json:"disabled" db:"disabled"`
}

// Selectable reports whether the outcome participates in selection.
func (o WeightedOutcome) Selectable() bool {
	return !o.Disabled && o.Weight > 0
}

// Entry is a crate or wheel configuration.
type Entry struct {
	ID       string            `mapstructure:"id" json:"id"`
	Name     string            `mapstructure:"name" json:"name"`
	Kind     Kind              `mapstructure:"kind" json:"kind"`
	Cost     decimal.Decimal   `mapstructure:"cost" json:"cost"`
	Active   bool              `mapstructure:"active" json:"active"`
	Outcomes []WeightedOutcome `mapstructure:"outcomes" json:"outcomes"`
}

// EnabledIndexes returns the positions of selectable outcomes in catalog order.
func (e Entry) EnabledIndexes() []int {
	return lo.FilterMap(e.Outcomes, func(o WeightedOutcome, i int) (int, bool) {
		return i, o.Selectable()
	})
}

// TotalWeight sums the weights of selectable outcomes.
func (e Entry) TotalWeight() int64 {
	return lo.SumBy(e.Outcomes, func(o WeightedOutcome) int64 {
		if !o.Selectable() {
			return 0
		}
		return o.Weight
	})
}

// Share returns the probability of outcome i, zero for disabled outcomes.
func (e Entry) Share(i int) float64 {
	total := e.TotalWeight()
	if total == 0 || i < 0 || i >= len(e.Outcomes) || !e.Outcomes[i].Selectable() {
		return 0
	}
	return float64(e.Outcomes[i].Weight) / float64(total)
}

// Validate checks the invariants every stored entry must hold.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEntry)
	}
	if e.Kind != "" && e.Kind != KindCrate && e.Kind != KindWheel {
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidEntry, e.ID, e.Kind)
	}
	if !money.Valid(e.Cost) {
		return fmt.Errorf("%w: %s: cost %s must be non-negative with at most %d decimals",
			ErrInvalidEntry, e.ID, e.Cost, money.Scale)
	}
	for i, o := range e.Outcomes {
		if err := o.validate(); err != nil {
			return fmt.Errorf("%w: %s: outcome %d: %v", ErrInvalidEntry, e.ID, i, err)
		}
	}
	if len(e.EnabledIndexes()) == 0 {
		return fmt.Errorf("%w: %s", ErrNoEnabledOutcomes, e.ID)
	}
	return nil
}

func (o WeightedOutcome) validate() error {
	if !o.Type.Valid() {
		return fmt.Errorf("unknown type %q", o.Type)
	}
	if o.Weight < 0 {
		return fmt.Errorf("weight %d is negative", o.Weight)
	}
	if o.Value.IsNegative() {
		return fmt.Errorf("value %s is negative", o.Value)
	}
	switch o.Type {
	case OutcomeMoney:
		if !money.Valid(o.Value) {
			return fmt.Errorf("money value %s exceeds %d decimals", o.Value, money.Scale)
		}
	case OutcomePoints, OutcomeFreeSpin:
		if !o.Value.Equal(o.Value.Truncate(0)) {
			return fmt.Errorf("%s value %s must be whole", o.Type, o.Value)
		}
	}
	return nil
}

// Store reads catalog entries. It is implemented by the SQL store.
type Store interface {
	GetEntry(ctx context.Context, id string) (Entry, error)
	ListEntries(ctx context.Context, activeOnly bool) ([]Entry, error)
}

// Writer persists entries authored by tooling.
type Writer interface {
	UpsertEntry(ctx context.Context, entry Entry) error
}
