package telemetry_test

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/feedstock-tools/smithy/pkg/engine"
	"github.com/feedstock-tools/smithy/pkg/telemetry"
)

// Example_structuredLogging shows a component logger with render fields.
func Example_structuredLogging() {
	var buf bytes.Buffer
	logger := telemetry.NewLoggerTo(&buf, telemetry.LoggingConfig{Level: "info", Format: "json"})

	log := logger.Component("renderer")
	log.Info().Str("render_id", "r-1").Msg("Render completed")

	fmt.Println(strings.Contains(buf.String(), `"component":"renderer"`), strings.Contains(buf.String(), `"render_id":"r-1"`))
	// Output: true true
}

// Example_instrumentedOperation wraps an operation in a span.
func Example_instrumentedOperation() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Output = "stderr"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer tel.Shutdown(context.Background())

	op := tel.StartOperation(context.Background(), "render.pass", telemetry.AttrFeedstock.String("foo-feedstock"))
	op.End(nil)

	tel.Metrics.RecordRender(engine.RenderStatusSucceeded, time.Second, &engine.Result{
		Configs: []engine.BuildConfig{{Platform: engine.PlatformLinux64}},
	})
	fmt.Println("done")
	// Output: done
}
