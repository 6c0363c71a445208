// Package logx is cellwatch's structured logging layer on top of zerolog.
//
// Console output is human-readable with a short file:line caller, the optional log
// file gets JSON lines, and lines at or above the alert level can be forwarded to
// the delivery channel (rate limited, repeats collapsed). Loggers handed out by a
// Service follow later Service.Apply calls.
package logx
