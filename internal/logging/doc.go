// Package logging provides structured logging for the sidecar.
//
// It wraps Go's log/slog to emit JSON lines. Records always go to stderr so
// the hosting platform captures them; when a log file is configured the same
// records are fanned out to it through slog-multi.
//
// # Context Propagation
//
// Child loggers carry persistent attributes:
//
//	logger := logging.NopLogger()
//	sup := logger.WithComponent("supervisor").WithAttempt(2)
//	sup.Info("driver exited", "exit_code", 1)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"driver exited","component":"supervisor","attempt":2,"exit_code":1}
//
// The driver child process logs to its own stderr, which the supervisor wires
// to the parent's stderr, so both processes share one stream.
//
// # Testing
//
// Use [NopLogger] to discard output, or [NewLoggerTo] with a bytes.Buffer to
// assert on emitted records.
package logging
