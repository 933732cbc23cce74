// Package logx provides structured logging for relaybot.
//
// It wraps zerolog behind a small Field-based API so components never
// depend on zerolog directly, and supports hot-swapping sinks at runtime:
// console, append-only file, and a rate-limited operator-chat mirror.
package logx
