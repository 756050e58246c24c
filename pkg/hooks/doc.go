// Package hooks provides controller hooks: a statistics collector with
// filter and sort helpers, and bridges from controller events into the
// logger, Prometheus metrics, OpenTelemetry spans, the event publisher,
// the SQLite store and residual plots.
//
// A hook instance belongs to one rank. Hooks that read another hook's
// data, such as Store and Plot reading Stats, must be registered after it.
package hooks
