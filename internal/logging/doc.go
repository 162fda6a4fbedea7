// Package logging builds the slog loggers used by capsule binaries.
//
// Console output is a compact line format meant for terminals and journald;
// JSON output keeps the same keys with ts/level/msg naming. When a log file is
// configured the console handler and a JSON file handler are fanned out so the
// file always carries machine-readable records.
//
// Context helpers attach record, stage, job type and correlation ids so worker
// code never has to thread those attributes by hand.
package logging
