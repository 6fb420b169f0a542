// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package h1 implements the dispatch loop: a single long-lived
// goroutine per role (server, client) that polls sessions
// for readiness, dispatches read/write work onto a worker pool, prunes
// finished sessions, and accepts (server) or initiates (client) new
// connections.
package h1

import (
	"net"
	"sync"
	"time"

	"github.com/flowhttp/h1/logging"
	"github.com/flowhttp/h1/params"
	"github.com/flowhttp/h1/registry"
	"github.com/flowhttp/h1/session"
	"github.com/flowhttp/h1/taskpool"
)

// DefaultIdleSleep is how long the dispatch loop sleeps when an
// iteration finds no work, to yield the goroutine briefly.
const DefaultIdleSleep = time.Millisecond

// DefaultWorkers is the worker count to pass to NewEngine for its
// default pool size.
const DefaultWorkers = 0 // NewEngine maps any value <= 0 to 4 workers.

// Engine is the dispatch loop's runtime: a worker pool plus a stop
// token, shared by both the server and client roles.
type Engine struct {
	pool *taskpool.FastPool

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}

	wg sync.WaitGroup

	IdleSleep time.Duration

	// OnAcceptError, if set, is invoked whenever the server's listener
	// Accept call fails non-fatally (e.g. a transient resource limit),
	// letting the caller log or meter it without stopping the loop.
	OnAcceptError func(error)
}

// NewEngine constructs an Engine with a worker pool of the given size
// (0 selects a small fixed default, mirroring nbio's
// runtime.NumCPU()-sized default poller count in spirit, without
// tying the worker count to poller count since this repo has no
// per-core poller).
func NewEngine(workers int) *Engine {
	if workers <= 0 {
		workers = 4
	}
	return &Engine{
		pool:      taskpool.NewFastPool(workers),
		stopCh:    make(chan struct{}),
		IdleSleep: DefaultIdleSleep,
	}
}

// Stop signals every running loop to exit, waits for the loops to
// return, then stops the worker pool: tasks already running finish,
// tasks still queued are not run.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	e.pool.Stop()
}

func (e *Engine) isStopped() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// sessionSet is the server role's map of active sessions, guarded by
// its own mutex so the dispatch loop can snapshot it for a scan
// without blocking Accept.
type sessionSet struct {
	mu   sync.Mutex
	sess map[*session.Session]struct{}
}

func newSessionSet() *sessionSet {
	return &sessionSet{sess: map[*session.Session]struct{}{}}
}

func (s *sessionSet) add(sess *session.Session) {
	s.mu.Lock()
	s.sess[sess] = struct{}{}
	s.mu.Unlock()
}

func (s *sessionSet) snapshot() []*session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session.Session, 0, len(s.sess))
	for sess := range s.sess {
		out = append(out, sess)
	}
	return out
}

func (s *sessionSet) remove(sess *session.Session) {
	s.mu.Lock()
	delete(s.sess, sess)
	s.mu.Unlock()
}

// ServeServer runs the server dispatch loop until Stop is called. ln
// is an already-listening, non-blocking TCP listener; src resolves
// per-role parameters for sessions it creates; onRequest, if non-nil,
// is invoked with every request a session has finished parsing so the
// caller can populate the response the session has already enqueued
// for it.
func (e *Engine) ServeServer(ln net.Listener, src params.Source, onRequest func(*session.Session, session.Exchange)) {
	e.wg.Add(1)
	defer e.wg.Done()

	sessions := newSessionSet()
	if tl, ok := ln.(*net.TCPListener); ok {
		tl.SetDeadline(time.Time{})
	}

	for !e.isStopped() {
		did := false

		for _, sess := range sessions.snapshot() {
			if sess.IsFinished() {
				sessions.remove(sess)
				continue
			}
			switch {
			case sess.HasReadDataWaiting():
				did = true
				s := sess
				e.pool.Go(func() {
					s.Read()
					if onRequest != nil {
						for _, ex := range s.PendingRequests() {
							onRequest(s, ex)
						}
					}
				})
			case sess.HasWriteDataWaiting():
				did = true
				s := sess
				e.pool.Go(func() { s.Write() })
			}
		}

		if conn, err := acceptNonBlocking(ln); err == nil && conn != nil {
			did = true
			sess := session.New(session.RoleServer, conn, src)
			sessions.add(sess)
		} else if err != nil && e.OnAcceptError != nil {
			e.OnAcceptError(err)
		}

		if !did {
			time.Sleep(e.IdleSleep)
		}
	}

	for _, sess := range sessions.snapshot() {
		sess.Close(nil)
	}
}

// acceptNonBlocking performs one non-blocking Accept attempt: a short
// deadline turns a would-block listener into an immediate timeout
// error rather than parking the dispatch goroutine.
func acceptNonBlocking(ln net.Listener) (net.Conn, error) {
	if tl, ok := ln.(*net.TCPListener); ok {
		tl.SetDeadline(time.Now().Add(time.Millisecond))
		conn, err := tl.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, nil
			}
			return nil, err
		}
		conn.(*net.TCPConn).SetNoDelay(true)
		return conn, nil
	}
	return nil, nil
}

// ServeClient runs the client dispatch loop until Stop is called, iterating per (domain, port) bucket of
// reg: establishing a new connection when a bucket has queued work and
// room under the concurrency cap, assigning any further queued pairs
// onto that bucket's already-open session so they pipeline instead of
// waiting, and otherwise dispatching read/write exactly as the server
// loop does.
func (e *Engine) ServeClient(reg *registry.Registry, src params.Source, dial func(domain, port string) (net.Conn, error), onSession func(*session.Session)) {
	e.wg.Add(1)
	defer e.wg.Done()

	for !e.isStopped() {
		did := false

		for _, s := range reg.Sessions() {
			switch {
			case s.HasReadDataWaiting():
				did = true
				sess := s
				e.pool.Go(func() { sess.Read() })
			case s.HasWriteDataWaiting():
				did = true
				sess := s
				e.pool.Go(func() { sess.Write() })
			}
		}

		for _, bucketKey := range reg.Buckets() {
			if reg.NeedsConnect(bucketKey) {
				did = true
				domain, port := splitBucketKey(bucketKey)
				conn, err := dial(domain, port)
				if err != nil {
					logging.Warn("h1: client connect to %s failed: %v", bucketKey, err)
					continue
				}
				sess := session.New(session.RoleClient, conn, src)
				if onSession != nil {
					onSession(sess)
				}
				req, resp, ok := reg.AddSession(bucketKey, sess)
				if ok {
					sess.Enqueue(req, resp)
				}
			}

			// Drain any further queued pairs for this bucket onto its
			// already-open session: pipelining keeps them in flight on
			// the one connection instead of waiting for it to finish.
			for {
				sess, req, resp, ok := reg.Assign(bucketKey)
				if !ok {
					break
				}
				did = true
				sess.Enqueue(req, resp)
			}
		}

		reg.Prune()

		if !did {
			time.Sleep(e.IdleSleep)
		}
	}

	for _, s := range reg.Sessions() {
		s.Close(nil)
	}
}

func splitBucketKey(k string) (domain, port string) {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == ':' {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}
