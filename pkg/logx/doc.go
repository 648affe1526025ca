// Package logx is notifbox's structured logging on top of zerolog.
//
// Loggers are values carrying fields; a Service owns the sinks (console and
// an optional JSON file) and can swap level and sinks at runtime.
package logx
