// Package server manages HTTP listener lifecycle: non-blocking start,
// signal-driven graceful shutdown, and asynchronous serve-error
// propagation.
package server
