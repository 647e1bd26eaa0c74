/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package downstreamqueue

import (
	"container/list"
	"fmt"
	"math"
)

// DispatchState represents the position of a downstream request in its admission lifecycle.
type DispatchState int

// Dispatch states of a downstream request.
// Allowed transitions: None -> Pending -> {Active | Blocked | Failure},
// Blocked -> Active (on promotion). Failure and post-Active completion are
// terminal: the request is expected to be removed from the queue after them.
const (
	DispatchStateNone DispatchState = iota
	DispatchStatePending
	DispatchStateBlocked
	DispatchStateActive
	DispatchStateFailure
)

// String returns a human-readable representation of the dispatch state.
func (s DispatchState) String() string {
	switch s {
	case DispatchStateNone:
		return "none"
	case DispatchStatePending:
		return "pending"
	case DispatchStateBlocked:
		return "blocked"
	case DispatchStateActive:
		return "active"
	case DispatchStateFailure:
		return "failure"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// blockedLink is a placeholder for a blocked request in a host's FIFO.
// A link with req == nil is a tombstone: its request already left the blocked
// state through another path (cancellation). Tombstones stay in the FIFO until
// the next promotion scan passes over and discards them, which keeps
// cancellation O(1).
type blockedLink struct {
	req *Request
}

// Request is the admission-control handle of a single downstream request.
// The queue references it, never copies it; the caller owns the request's own
// data. A Request must not be shared between queues and must not be re-added
// after removal.
type Request struct {
	// Authority is the destination identity (target host/authority) used to
	// group requests by origin. It must not change after the request has been
	// added to a queue.
	Authority string

	state   DispatchState
	regElem *list.Element
	link    *blockedLink
}

// NewRequest creates a new request handle for the given destination authority.
func NewRequest(authority string) *Request {
	return &Request{Authority: authority}
}

// DispatchState returns the current dispatch state of the request.
func (r *Request) DispatchState() DispatchState {
	return r.state
}

// hostEntry tracks the downstream connections of a single host key.
// An entry exists only while the host has traffic: it is created lazily on
// first use and erased as soon as numActive == 0 and the blocked FIFO is empty.
type hostEntry struct {
	numActive int
	blocked   *list.List // of *blockedLink
}

// Opts represents options for the queue.
type Opts struct {
	// MetricsCollector is used to collect queue statistics.
	// It can be nil, in this case, metrics will be disabled.
	MetricsCollector MetricsCollector
}

// Queue is the downstream-connection admission-control queue.
//
// Queue is not safe for concurrent use. All methods must be called from a
// single goroutine or under an external exclusive guard; no locking happens
// inside. Precondition violations (calling a method on a request in the wrong
// state) indicate a bug in the calling dispatcher and make the methods panic.
type Queue struct {
	maxConnsPerHost int
	unifiedHost     bool

	requests    *list.List // of *Request, admission order
	hostEntries map[string]*hostEntry

	metricsCollector MetricsCollector
}

// New creates a new Queue.
// maxConnsPerHost limits the number of simultaneously active downstream
// connections per host key; a value <= 0 means no limit. If unifiedHost is
// true, all authorities collapse into a single host key, turning the per-host
// cap into a single global cap.
func New(maxConnsPerHost int, unifiedHost bool) *Queue {
	return NewWithOpts(maxConnsPerHost, unifiedHost, Opts{})
}

// NewWithOpts is a more configurable version of creating Queue.
func NewWithOpts(maxConnsPerHost int, unifiedHost bool, opts Opts) *Queue {
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = math.MaxInt
	}
	metricsCollector := opts.MetricsCollector
	if metricsCollector == nil {
		metricsCollector = disabledMetricsCollector
	}
	return &Queue{
		maxConnsPerHost:  maxConnsPerHost,
		unifiedHost:      unifiedHost,
		requests:         list.New(),
		hostEntries:      make(map[string]*hostEntry),
		metricsCollector: metricsCollector,
	}
}

// NewFromConfig creates a new Queue from the passed configuration.
func NewFromConfig(cfg *Config) *Queue {
	return NewFromConfigWithOpts(cfg, Opts{})
}

// NewFromConfigWithOpts is a more configurable version of creating Queue from the passed configuration.
func NewFromConfigWithOpts(cfg *Config, opts Opts) *Queue {
	return NewWithOpts(cfg.MaxConnsPerHost, cfg.UnifiedHost, opts)
}

// AddPending registers a new request in the queue and tags it pending.
// The queue takes ownership of the request for lifecycle purposes: it must
// eventually leave the queue via Remove or Teardown.
// Panics if the request was already added.
func (q *Queue) AddPending(req *Request) {
	if req.state != DispatchStateNone {
		panic(fmt.Sprintf("downstreamqueue: add pending request in state %q", req.state))
	}
	req.state = DispatchStatePending
	req.regElem = q.requests.PushBack(req)
	q.metricsCollector.SetRequestsAmount(q.requests.Len())
}

// MarkFailure tags a pending request as failed. The request stays registered;
// the caller still must remove it via Remove.
func (q *Queue) MarkFailure(req *Request) {
	if req.state != DispatchStatePending {
		panic(fmt.Sprintf("downstreamqueue: mark failure of request in state %q", req.state))
	}
	req.state = DispatchStateFailure
}

// CanActivate reports whether a new downstream connection may be opened for
// the given authority right now. It is a pure capacity check and reserves
// nothing; the caller is expected to follow up with MarkActive (or
// MarkBlocked) before invoking the queue again.
func (q *Queue) CanActivate(authority string) bool {
	ent, ok := q.hostEntries[q.makeHostKey(authority)]
	if !ok {
		return true
	}
	return ent.numActive < q.maxConnsPerHost
}

// MarkActive transitions a request to the active state and counts its
// connection against the host's cap, lazily creating the host bookkeeping
// entry if needed. The request must be pending, or blocked and already
// detached from its host's FIFO (i.e. just returned by Remove as promoted).
func (q *Queue) MarkActive(req *Request) {
	if req.state != DispatchStatePending && !(req.state == DispatchStateBlocked && req.link == nil) {
		panic(fmt.Sprintf("downstreamqueue: mark active request in state %q", req.state))
	}
	ent := q.findHostEntry(q.makeHostKey(req.Authority))
	ent.numActive++
	req.state = DispatchStateActive
	q.metricsCollector.SetHostEntriesAmount(len(q.hostEntries))
}

// MarkBlocked transitions a pending request to the blocked state and appends
// it to the tail of its host's FIFO of capacity waiters.
func (q *Queue) MarkBlocked(req *Request) {
	if req.state != DispatchStatePending {
		panic(fmt.Sprintf("downstreamqueue: mark blocked request in state %q", req.state))
	}
	ent := q.findHostEntry(q.makeHostKey(req.Authority))
	req.state = DispatchStateBlocked
	link := &blockedLink{req: req}
	req.link = link
	ent.blocked.PushBack(link)
	q.metricsCollector.SetHostEntriesAmount(len(q.hostEntries))
	q.metricsCollector.IncBlocked()
}

// Remove finalizes a request: it leaves all queue collections, its internal
// bookkeeping is destroyed, and ownership goes back to the caller. Removing a
// blocked request tombstones its FIFO link in O(1) (silent cancellation) and
// never touches other waiters.
//
// If the removed request was active, the freed capacity is offered to the
// longest-waiting blocked request for the same host; that request is returned
// as promoted and the caller is responsible for transitioning it with
// MarkActive (or removing it). Returns nil if no promotion happened.
//
// Panics if the request was never added to the queue.
func (q *Queue) Remove(req *Request) *Request {
	if req.state == DispatchStateNone {
		panic("downstreamqueue: remove request that was never added")
	}

	if req.state != DispatchStateActive {
		// Pending, blocked and failed requests hold no capacity.
		// A blocked request that was already promoted (and detached from the
		// FIFO) has no link anymore.
		if req.state == DispatchStateBlocked && req.link != nil {
			req.link.req = nil // tombstone, discarded lazily by a later promotion scan
			req.link = nil
		}
		q.removeFromRegistry(req)
		return nil
	}

	q.removeFromRegistry(req)

	host := q.makeHostKey(req.Authority)
	ent, ok := q.hostEntries[host]
	if !ok || ent.numActive == 0 {
		panic(fmt.Sprintf("downstreamqueue: no active connections accounted for host %q", host))
	}
	ent.numActive--

	if q.removeHostEntryIfEmpty(ent, host) {
		return nil
	}

	// The cap may have been reached by other means (e.g. unified-host mode
	// concentrating all traffic on one entry); promote only below the cap.
	if ent.numActive >= q.maxConnsPerHost {
		return nil
	}

	for elem := ent.blocked.Front(); elem != nil; {
		next := elem.Next()
		link := elem.Value.(*blockedLink)
		if link.req == nil {
			ent.blocked.Remove(elem)
			q.metricsCollector.AddDiscardedLinks(1)
			elem = next
			continue
		}
		promoted := link.req
		promoted.link = nil
		link.req = nil
		ent.blocked.Remove(elem)
		q.removeHostEntryIfEmpty(ent, host)
		q.metricsCollector.IncPromotions()
		return promoted
	}

	// Only tombstones were left in the FIFO.
	q.removeHostEntryIfEmpty(ent, host)
	return nil
}

// Len returns the number of requests currently registered in the queue,
// regardless of their dispatch state.
func (q *Queue) Len() int {
	return q.requests.Len()
}

// Requests returns a snapshot of all currently registered requests in
// admission order.
func (q *Queue) Requests() []*Request {
	reqs := make([]*Request, 0, q.requests.Len())
	for elem := q.requests.Front(); elem != nil; elem = elem.Next() {
		reqs = append(reqs, elem.Value.(*Request))
	}
	return reqs
}

// Teardown removes every registered request from the queue and relinquishes
// ownership of them back to the caller. The removed requests are returned in
// admission order. The queue is empty and usable afterward.
func (q *Queue) Teardown() []*Request {
	reqs := make([]*Request, 0, q.requests.Len())
	for elem := q.requests.Front(); elem != nil; elem = elem.Next() {
		req := elem.Value.(*Request)
		if req.link != nil {
			req.link.req = nil
			req.link = nil
		}
		req.regElem = nil
		req.state = DispatchStateNone
		reqs = append(reqs, req)
	}
	q.requests.Init()
	q.hostEntries = make(map[string]*hostEntry)
	q.metricsCollector.SetRequestsAmount(0)
	q.metricsCollector.SetHostEntriesAmount(0)
	return reqs
}

func (q *Queue) makeHostKey(authority string) string {
	if q.unifiedHost {
		return ""
	}
	return authority
}

func (q *Queue) findHostEntry(host string) *hostEntry {
	ent, ok := q.hostEntries[host]
	if !ok {
		ent = &hostEntry{blocked: list.New()}
		q.hostEntries[host] = ent
	}
	return ent
}

func (q *Queue) removeFromRegistry(req *Request) {
	q.requests.Remove(req.regElem)
	req.regElem = nil
	req.state = DispatchStateNone
	q.metricsCollector.SetRequestsAmount(q.requests.Len())
}

func (q *Queue) removeHostEntryIfEmpty(ent *hostEntry, host string) bool {
	if ent.numActive == 0 && ent.blocked.Len() == 0 {
		delete(q.hostEntries, host)
		q.metricsCollector.SetHostEntriesAmount(len(q.hostEntries))
		return true
	}
	return false
}
