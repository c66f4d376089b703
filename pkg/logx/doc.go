// Package logx configures postpilot's structured logging.
//
// A thin wrapper (logx.Logger) over zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional operator alert sink (min-level + rate limiting), used to
//     surface unbilled posts and other errors that need a human.
package logx
