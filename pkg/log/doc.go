// Package log provides the structured lifecycle event log for pocketmesh.
//
// It is separate from operational logging (slog). The event log captures a
// machine-readable trace of everything the connection lifecycle does: state
// and intent transitions, circuit breaker changes, recovery task activity,
// heartbeat probes, errors and raw companion frames.
//
// # Basic Usage
//
//	// Console during development
//	cfg.EventLog = log.NewSlogAdapter(slog.Default())
//
//	// Binary file for later analysis with pocketmesh-log
//	fl, _ := log.NewFileLogger("/var/lib/pocketmesh/events.plog")
//	cfg.EventLog = log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), fl)
//
// # File Format
//
// Log files are a concatenation of CBOR-encoded Event values with integer
// map keys. The conventional extension is .plog.
package log
