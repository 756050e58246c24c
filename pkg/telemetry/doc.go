// Package telemetry carries the logs, spans, metrics and run events of pint
// processes.
//
// Logs are zerolog lines tagged with run, rank and slot. Spans form a tree
// of one run span, a block span per block and rank, and an iteration span
// per iteration, exported over OTLP or to stdout. Metrics live in a private
// Prometheus registry served on /metrics. Events are delivered to in-process
// subscribers, synchronously or batched.
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = telemetry.WithRunContext(tel.WithContext(ctx), runID, "tcp", ranks)
//	defer telemetry.EndRunContext(ctx, runID, blocks, err)
//
// Workers write their protocol on stdout, so their logs go to stderr and
// their spans leave over OTLP only. Code that does not care uses
// NewNopTelemetry.
package telemetry
