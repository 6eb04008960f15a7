// Package logx is workerd's logging layer on top of zerolog.
//
// A Service owns the sinks (console, JSON file) and can be re-applied while
// running; every Logger taken from it follows. Worker trace lines go through a
// separate plain-text TraceWriter with an optional rate limit.
package logx
