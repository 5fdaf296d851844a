// Package telemetry provides logging, tracing and metrics for capman.
//
// # Logging
//
// Logger wraps zerolog. Components derive child loggers with
// NewComponentLogger or Component and attach execution identifiers with
// WithExecutionID:
//
//	logger, _ := telemetry.NewLogger(cfg.Logging)
//	orgLog := logger.Component("organizer")
//	orgLog.Info().Str("execution_id", id).Msg("Action submitted")
//
// # Metrics
//
// Metrics registers its collectors on a private registry under the
// configured namespace. Every Record method is a no-op on a nil or
// disabled Metrics, so callers never guard them.
//
// # Tracing
//
// Tracer emits one span per action worker (execution.<kind>) and one per
// cloud controller call (cloud.<operation>), exported to stdout or to an
// OTLP collector over gRPC.
package telemetry
