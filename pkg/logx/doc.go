// Package logx is rekitten's logging layer: a thin Logger over zerolog with
// typed Field helpers, plus a Service whose sinks (console, JSON file) and
// level can be swapped on config reload without rebuilding derived loggers.
package logx
