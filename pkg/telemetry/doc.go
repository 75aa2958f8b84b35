// Package telemetry provides logging, tracing and metrics for render passes.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry with stdout or OTLP/gRPC exporters) and Prometheus metrics.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.ListenAddress = ":9464"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    return err
//	}
//
//	op := tel.StartOperation(ctx, "render.pass")
//	err = render(op.Context())
//	op.End(err)
//
// # Spans
//
//   - render.pass: one render of a feedstock
//   - pinning.fetch: the pinning cache lookup of a pass
//   - matrix.expand: the expansion of one platform
//
// # Metrics
//
// All metrics use the "smithy" namespace:
//
//   - renders_total{status}, render_duration_seconds{status}
//   - configurations{platform}: configurations of the last render
//   - pinning_cache_total{outcome}, pinning_fetch_duration_seconds
//   - stale_migrations_total
//   - policy_violations_total{policy,severity}
//   - errors_by_class_total{class}, errors_by_code_total{code}
//
// Metrics implements pinning.Observer, so it can be handed to the pinning
// cache directly.
package telemetry
