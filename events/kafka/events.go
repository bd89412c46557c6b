package kafka

import (
	"time"

	"github.com/Digital-Creators-Team/reward-module/pkg/jackpot"
	"github.com/shopspring/decimal"
)

// SnapshotEvent is the jackpot topic payload.
type SnapshotEvent struct {
	Source    string          `json:"source"`
	Total     decimal.Decimal `json:"jackpot_total"`
	Version   int64           `json:"jackpot_version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewSnapshotEvent tags s with the publishing instance.
func NewSnapshotEvent(source string, s jackpot.Snapshot) SnapshotEvent {
	return SnapshotEvent{Source: source, Total: s.Total, Version: s.Version, UpdatedAt: s.UpdatedAt}
}

// Snapshot converts the event back.
func (e SnapshotEvent) Snapshot() jackpot.Snapshot {
	return jackpot.Snapshot{Total: e.Total, Version: e.Version, UpdatedAt: e.UpdatedAt}
}

// AuditEvent is the audit topic payload.
type AuditEvent struct {
	Timestamp     time.Time              `json:"timestamp"`
	AccountID     string                 `json:"account_id,omitempty"`
	SourceService string                 `json:"source_service"`
	Action        string                 `json:"action"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Result        string                 `json:"result"`
	TraceID       string                 `json:"trace_id,omitempty"`
}
