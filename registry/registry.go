// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package registry implements the client-side connection registry:
// sessions are keyed by (domain, port), with a per-key concurrency cap
// (fixed at 1) and a FIFO queue of pending (request, response) pairs
// awaiting a free session.
package registry

import (
	"sync"

	"github.com/flowhttp/h1/session"
	"github.com/flowhttp/h1/wire"
)

// MaxSessionsPerHost is the per-(domain,port) concurrency cap, fixed
// at 1 with pipelining permitted over the single session.
const MaxSessionsPerHost = 1

// pending is one queued (request, response) pair awaiting a session.
type pending struct {
	req  *wire.Message
	resp *wire.Message
}

// bucket is the per-(domain,port) state: the set of live sessions and
// the FIFO of work not yet assigned to one.
type bucket struct {
	sessions []*session.Session
	queue    []pending
}

// Registry is the client dispatch loop's view of all open connections,
// grouped by destination.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{buckets: map[string]*bucket{}}
}

func key(domain, port string) string { return domain + ":" + port }

// Enqueue appends a (request, response) pair to the bucket for
// (domain, port), creating the bucket if necessary. It does not itself
// create a session or assign the pair — that's NeedsConnect/Assign,
// called from the dispatch loop's per-bucket iteration.
func (r *Registry) Enqueue(domain, port string, req, resp *wire.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(domain, port)
	b := r.buckets[k]
	if b == nil {
		b = &bucket{}
		r.buckets[k] = b
	}
	b.queue = append(b.queue, pending{req: req, resp: resp})
}

// Buckets returns every (domain, port) key with at least one queued
// pair or live session, for the dispatch loop to iterate over.
func (r *Registry) Buckets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.buckets))
	for k, b := range r.buckets {
		if len(b.queue) > 0 || len(b.sessions) > 0 {
			keys = append(keys, k)
		}
	}
	return keys
}

// NeedsConnect reports whether bucketKey has room under
// MaxSessionsPerHost and has queued work waiting — the dispatch loop
// establishes a new socket in that case.
func (r *Registry) NeedsConnect(bucketKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.buckets[bucketKey]
	if b == nil {
		return false
	}
	return len(b.sessions) < MaxSessionsPerHost && len(b.queue) > 0
}

// AddSession registers a freshly-connected session under bucketKey and
// immediately assigns it one pending (request, response) pair, which
// the caller is responsible for enqueuing onto the session itself.
func (r *Registry) AddSession(bucketKey string, s *session.Session) (req, resp *wire.Message, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.buckets[bucketKey]
	if b == nil {
		b = &bucket{}
		r.buckets[bucketKey] = b
	}
	b.sessions = append(b.sessions, s)
	if len(b.queue) == 0 {
		return nil, nil, false
	}
	p := b.queue[0]
	b.queue = b.queue[1:]
	return p.req, p.resp, true
}

// Assign hands the next queued pair, if any, to an already-open
// session in bucketKey — pipelining multiple requests over the same
// session is permitted.
func (r *Registry) Assign(bucketKey string) (s *session.Session, req, resp *wire.Message, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.buckets[bucketKey]
	if b == nil || len(b.sessions) == 0 || len(b.queue) == 0 {
		return nil, nil, nil, false
	}
	p := b.queue[0]
	b.queue = b.queue[1:]
	return b.sessions[0], p.req, p.resp, true
}

// Sessions returns every live session across every bucket, for the
// dispatch loop's read/write/prune scan.
func (r *Registry) Sessions() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*session.Session
	for _, b := range r.buckets {
		out = append(out, b.sessions...)
	}
	return out
}

// Prune removes finished sessions from every bucket.
func (r *Registry) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.buckets {
		live := b.sessions[:0]
		for _, s := range b.sessions {
			if !s.IsFinished() {
				live = append(live, s)
			}
		}
		b.sessions = live
	}
}
