// Package logx configures receiving-atc's structured logging.
//
// It is a thin wrapper (logx.Logger) over zerolog: readable console output
// with a short caller, plus an optional JSON-lines file sink.
package logx
