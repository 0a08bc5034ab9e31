// Package control is the requester-facing endpoint: newline-delimited JSON
// requests over TCP, one response line per request, plus an optional
// Prometheus metrics listener.
package control
