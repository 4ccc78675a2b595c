// Package telemetry provides observability instrumentation for reshard.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into one bundle that the
// executor, the plan runs and the admin API share.
//
// # Usage
//
// Initialize telemetry at server startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("executor")
//	logger.WithPlanID(id).WithPhase("check_shard").Info("dispatching")
//	logger.WithError(err).Warn("commit failed, retrying")
//
// # Tracing
//
// Every dispatch cycle and every commit gets a span:
//
//	ctx, span := tel.Tracer.StartDispatchSpan(ctx, planID, phase)
//	defer span.End()
//
// Supported exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// Plan engine counters (dispatches, retries, holds, commits) and admin API request
// counts are registered on a private registry and served by the admin API at /metrics.
//
// # Events
//
// Plan lifecycle events (plan.created, phase.started, phase.finished, plan.held,
// plan.completed, plan.archived) are published asynchronously to subscribers:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.PlanID)
//	}, telemetry.FilterByType(telemetry.EventTypePlanHeld))
package telemetry
