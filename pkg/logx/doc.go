// Package logx is the dispatcher's logging layer: a value-type Logger
// over zerolog whose sinks (console or JSON on stdout, JSON file) are
// swapped in place when the config reloads.
package logx
