/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package downstreamqueue implements admission control for downstream (origin)
// connections of an HTTP reverse proxy or gateway.
//
// The Queue decides, for every inbound request that must be forwarded to a
// downstream server, whether a new downstream connection may be opened
// immediately or must wait for capacity, and tracks per-authority concurrency
// so that no single origin host is overwhelmed. When an active connection for
// a host completes, the freed capacity is handed to the longest-waiting
// blocked request for the same host (strict per-host FIFO fairness).
//
// Key features:
//   - Per-authority cap on simultaneously active downstream connections
//   - Unified-host mode collapsing all authorities into a single global cap
//   - FIFO promotion of blocked requests with O(1) cancellation
//   - Bounded memory: host bookkeeping is dropped as soon as a host has no traffic
//
// The Queue performs no I/O and never blocks; every operation is a bounded
// synchronous bookkeeping update. It is intentionally not safe for concurrent
// use: callers are expected to run one queue per worker or to serialize calls
// with an external guard (see the dispatcher package).
package downstreamqueue
