/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package dispatcher drives a downstreamqueue.Queue from concurrent callers.
//
// The downstream queue itself is a synchronous bookkeeping structure with no
// internal locking; the Dispatcher is the exclusive-access guard around it.
// It admits requests, parks callers that have to wait for per-host connection
// capacity, resumes them in FIFO order when capacity frees up, retries
// downstream connection attempts with backoff, and tears everything down on
// shutdown.
//
// The package also provides the DownstreamLimit HTTP middleware that applies
// the queue to inbound proxied requests, grouping them by target authority.
package dispatcher
