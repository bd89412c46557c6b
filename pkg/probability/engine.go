// Package probability selects one outcome of a catalog entry by weight.
//
// Disabled outcomes are never part of the weight pool. The redirect guard in
// Select only exists for samplers that violate that rule.
package probability

import (
	"context"
	"errors"
	"fmt"

	"github.com/Digital-Creators-Team/reward-module/catalog"
	"github.com/rs/zerolog"
)

// ErrConfiguration is returned when an entry cannot produce any outcome.
var ErrConfiguration = errors.New("probability configuration error")

// Sampler picks an index into entry.Outcomes.
type Sampler interface {
	Sample(entry catalog.Entry, r Rand) (int, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(entry catalog.Entry, r Rand) (int, error)

// Sample implements Sampler.
func (f SamplerFunc) Sample(entry catalog.Entry, r Rand) (int, error) {
	return f(entry, r)
}

// CumulativeSampler draws r in [0, total) over selectable outcomes and walks
// cumulative sums in catalog order, returning the first index with r < sum.
type CumulativeSampler struct{}

// Sample implements Sampler.
func (CumulativeSampler) Sample(entry catalog.Entry, r Rand) (int, error) {
	total := entry.TotalWeight()
	if total <= 0 {
		return -1, catalog.ErrNoEnabledOutcomes
	}
	draw := r.Int63n(total)

	var cum int64
	for i, o := range entry.Outcomes {
		if !o.Selectable() {
			continue
		}
		cum += o.Weight
		if draw < cum {
			return i, nil
		}
	}
	return -1, fmt.Errorf("draw %d outside total weight %d", draw, total)
}

// GuardEvent describes a sampler result that pointed at a disabled outcome.
type GuardEvent struct {
	EntryID       string `json:"entry_id" mapstructure:"entry_id"`
	SampledIndex  int    `json:"sampled_index" mapstructure:"sampled_index"`
	SampledLabel  string `json:"sampled_label" mapstructure:"sampled_label"`
	SelectedIndex int    `json:"selected_index" mapstructure:"selected_index"`
	SelectedLabel string `json:"selected_label" mapstructure:"selected_label"`
}

// GuardReporter receives guard events. Implementations must not block.
type GuardReporter interface {
	GuardTriggered(ctx context.Context, event GuardEvent)
}

// Selection is the engine's answer for one draw.
type Selection struct {
	Index      int
	Outcome    catalog.WeightedOutcome
	Redirected bool
}

// Engine is safe for concurrent use if its Rand is.
type Engine struct {
	rand    Rand
	sampler Sampler
	guard   GuardReporter
	logger  zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithSampler replaces the cumulative sampler.
func WithSampler(s Sampler) Option {
	return func(e *Engine) { e.sampler = s }
}

// WithGuardReporter sets where guard events go.
func WithGuardReporter(g GuardReporter) Option {
	return func(e *Engine) { e.guard = g }
}

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l.With().Str("component", "probability").Logger() }
}

// New creates an engine drawing from r.
func New(r Rand, opts ...Option) *Engine {
	e := &Engine{
		rand:    r,
		sampler: CumulativeSampler{},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Select picks one outcome of entry.
func (e *Engine) Select(ctx context.Context, entry catalog.Entry) (Selection, error) {
	enabled := entry.EnabledIndexes()
	if len(enabled) == 0 {
		return Selection{}, fmt.Errorf("%w: %s: %v", ErrConfiguration, entry.ID, catalog.ErrNoEnabledOutcomes)
	}

	idx, err := e.sampler.Sample(entry, e.rand)
	if err != nil {
		return Selection{}, fmt.Errorf("%w: %s: %v", ErrConfiguration, entry.ID, err)
	}
	if idx < 0 || idx >= len(entry.Outcomes) {
		return Selection{}, fmt.Errorf("%w: %s: sampled index %d out of range", ErrConfiguration, entry.ID, idx)
	}

	if entry.Outcomes[idx].Selectable() {
		return Selection{Index: idx, Outcome: entry.Outcomes[idx]}, nil
	}

	redirected := nextSelectable(entry, idx)
	event := GuardEvent{
		EntryID:       entry.ID,
		SampledIndex:  idx,
		SampledLabel:  entry.Outcomes[idx].Label,
		SelectedIndex: redirected,
		SelectedLabel: entry.Outcomes[redirected].Label,
	}
	e.logger.Warn().
		Str("entry_id", entry.ID).
		Int("sampled_index", idx).
		Int("selected_index", redirected).
		Msg("Sampler returned a non-selectable outcome, redirected")
	if e.guard != nil {
		e.guard.GuardTriggered(ctx, event)
	}

	return Selection{Index: redirected, Outcome: entry.Outcomes[redirected], Redirected: true}, nil
}

// nextSelectable scans forward from idx+1, wrapping, for the first selectable outcome.
// The caller guarantees one exists.
func nextSelectable(entry catalog.Entry, idx int) int {
	n := len(entry.Outcomes)
	for k := 1; k <= n; k++ {
		j := (idx + k) % n
		if entry.Outcomes[j].Selectable() {
			return j
		}
	}
	return idx
}
