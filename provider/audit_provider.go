package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/Digital-Creators-Team/reward-module/config"
	"github.com/Digital-Creators-Team/reward-module/events/kafka"
	"github.com/Digital-Creators-Team/reward-module/metrics"
	"github.com/Digital-Creators-Team/reward-module/middleware"
	"github.com/Digital-Creators-Team/reward-module/pkg/money"
	"github.com/Digital-Creators-Team/reward-module/pkg/probability"
	"github.com/Digital-Creators-Team/reward-module/pkg/providers"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"
)

const sourceService = "reward-module"

// Audit actions.
const (
	ActionOpen         = "reward_open"
	ActionFailure      = "reward_failure"
	ActionGuardTrigger = "guard_triggered"
)

// AuditProvider implements providers.AuditProvider on the Kafka audit topic.
// Without a producer every event is written to the logger instead.
type AuditProvider struct {
	producer *kafka.Producer
	topic    string
	logger   zerolog.Logger
}

var _ providers.AuditProvider = (*AuditProvider)(nil)

// NewAuditProvider creates an audit provider. producer may be nil.
func NewAuditProvider(cfg *config.Config, producer *kafka.Producer, logger zerolog.Logger) *AuditProvider {
	return &AuditProvider{
		producer: producer,
		topic:    cfg.Topic(config.TopicAudit),
		logger:   logger.With().Str("component", "audit_provider").Logger(),
	}
}

// LogOpen records a settled open.
func (p *AuditProvider) LogOpen(ctx context.Context, log *providers.OpenLog) error {
	details, err := toDetails(log)
	if err != nil {
		return err
	}
	details["cost_charged"] = log.CostCharged.StringFixed(money.Scale)
	details["outcome_value"] = log.OutcomeValue.String()

	return p.send(ctx, kafka.AuditEvent{
		Timestamp: stamp(log.Timestamp),
		AccountID: log.AccountID,
		Action:    ActionOpen,
		Details:   details,
		Result:    "success",
	}, log.IdempotencyKey)
}

// LogFailure records a charged open that did not settle.
func (p *AuditProvider) LogFailure(ctx context.Context, log *providers.FailureLog) error {
	details, err := toDetails(log)
	if err != nil {
		return err
	}
	result := "refunded"
	if !log.Refunded {
		result = "refund_failed"
	}
	return p.send(ctx, kafka.AuditEvent{
		Timestamp: stamp(log.Timestamp),
		AccountID: log.AccountID,
		Action:    ActionFailure,
		Details:   details,
		Result:    result,
	}, log.IdempotencyKey)
}

// GuardTriggered implements probability.GuardReporter.
func (p *AuditProvider) GuardTriggered(ctx context.Context, e probability.GuardEvent) {
	metrics.RecordGuardTrigger(e.EntryID)
	p.logger.Warn().
		Str("entry_id", e.EntryID).
		Str("sampled_label", e.SampledLabel).
		Str("selected_label", e.SelectedLabel).
		Msg("Sampler pointed at a disabled outcome, redirected")

	details, err := toDetails(e)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to encode guard event")
		return
	}
	_ = p.send(ctx, kafka.AuditEvent{
		Timestamp: time.Now().UTC(),
		Action:    ActionGuardTrigger,
		Details:   details,
		Result:    "redirected",
	}, e.EntryID)
}

func (p *AuditProvider) send(ctx context.Context, event kafka.AuditEvent, key string) error {
	event.SourceService = sourceService
	event.TraceID = middleware.TraceIDFromContext(ctx)

	if p.producer == nil {
		p.logger.Info().
			Str("action", event.Action).
			Str("account_id", event.AccountID).
			Str("result", event.Result).
			Str("trace_id", event.TraceID).
			Interface("details", event.Details).
			Msg("Audit event")
		return nil
	}
	if err := p.producer.SendMessage(p.topic, key, event); err != nil {
		p.logger.Error().Err(err).Str("action", event.Action).Msg("Failed to send audit event to Kafka")
		return fmt.Errorf("failed to send audit event: %w", err)
	}
	return nil
}

func toDetails(v interface{}) (map[string]interface{}, error) {
	details := map[string]interface{}{}
	if err := mapstructure.Decode(v, &details); err != nil {
		return nil, fmt.Errorf("failed to encode audit details: %w", err)
	}
	return details, nil
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
