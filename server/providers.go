package server

import "github.com/Digital-Creators-Team/reward-module/pkg/providers"

// Re-export provider interfaces/types from pkg/providers to keep a single source of truth.
type (
	AuditProvider = providers.AuditProvider
	OpenLog       = providers.OpenLog
	FailureLog    = providers.FailureLog
)
