// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package session implements the per-connection session state machine:
// one instance per TCP connection, owning the socket, driving the
// incremental parser with received bytes, writing outbound messages in
// pipeline order, and correlating responses to requests. The dispatch
// loop (package h1) is the only caller of
// read()/write()/HasReadDataWaiting()/HasWriteDataWaiting(); every
// entry point here serializes on Session's own mutex, mirroring
// nbio's per-Conn mutex idiom (Conn.mux).
package session

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowhttp/h1/h1id"
	"github.com/flowhttp/h1/logging"
	"github.com/flowhttp/h1/mempool"
	"github.com/flowhttp/h1/params"
	"github.com/flowhttp/h1/wire"
)

// DefaultKeepaliveTime is the idle-read deadline applied once a
// session's pipeline drains with nothing left in flight, mirroring
// nbio's Config.KeepaliveTime default. Exceeding it finishes the
// session.
const DefaultKeepaliveTime = 120 * time.Second

// DefaultMaxReadsPerDispatch caps how many recv() iterations a single
// Read call performs, mirroring nbio's MaxConnReadTimesPerEventLoop
// knob so one very chatty connection cannot starve the worker pool.
const DefaultMaxReadsPerDispatch = 16

// Role distinguishes a server session (reads requests, writes
// responses) from a client session (writes requests, reads responses).
type Role int8

const (
	RoleServer Role = iota
	RoleClient
)

// entry pairs one pipeline slot's outbound and inbound Message, keyed
// by its sequence id.
type entry struct {
	seq       uint64
	outbound  *wire.Message
	inbound   *wire.Message
	rendered  bool   // header for this entry has been written
	pending   []byte // rendered bytes not yet flushed to the socket
	chunkIdx  int    // next chunk index to render (Chunked outbound only)
	trailSent bool   // 0-size chunk + trailer already written
	delivered bool   // inbound request already handed out by PendingRequests
}

// Session is one TCP connection's parser, writer state, and pipeline
// of in-flight (outbound, inbound) message pairs.
type Session struct {
	mu   sync.Mutex
	role Role

	conn net.Conn

	params params.Source

	parser *wire.Parser

	requestSequence uint64
	readSequence    uint64
	writeSequence   uint64

	messages map[uint64]*entry
	pipeline []uint64

	working  bool
	finished bool
	lastErr  error

	readBuf []byte

	// idleDeadline, when non-zero, is the wall-clock time at which an
	// empty pipeline's wait for the next pipelined request is deemed
	// expired.
	idleDeadline time.Time

	// diagID is a per-session diagnostic correlator, logged but never
	// placed on the wire.
	diagID uuid.UUID

	// NamePrefix is propagated to the parser and to any Blob created for
	// an outbound message, so spilled temp files are traceable to this
	// connection.
	NamePrefix string

	// KeepaliveTime is the idle-read deadline applied when the pipeline
	// drains with nothing in flight; zero disables it.
	KeepaliveTime time.Duration

	// MaxReadsPerDispatch caps the recv() iterations per Read call; <= 0
	// disables the cap.
	MaxReadsPerDispatch int

	// OnClose, if set, is invoked exactly once when the session
	// transitions to finished — the server/client facades use this to
	// forward session closes to their own OnClose callbacks.
	OnClose func(*Session, error)
}

// New constructs a Session over an already-established, non-blocking
// socket. src resolves MAXBUFFERSIZE and MEMCHUNKSIZELIMIT without
// Session depending on the concrete Server/Client type.
func New(role Role, conn net.Conn, src params.Source) *Session {
	kind := wire.KindRequest
	if role == RoleClient {
		kind = wire.KindResponse
	}
	p := wire.NewParser(kind)
	if limit, err := params.Lookup(src, params.MemChunkSizeLimit); err == nil {
		p.MemChunkLimit = limit
	}
	return &Session{
		role:                role,
		conn:                conn,
		params:              src,
		parser:              p,
		messages:            map[uint64]*entry{},
		diagID:              h1id.New(),
		KeepaliveTime:       DefaultKeepaliveTime,
		MaxReadsPerDispatch: DefaultMaxReadsPerDispatch,
	}
}

// DiagID returns this session's diagnostic correlator, for log lines
// that need to be grep-able across interleaved concurrent sessions.
func (s *Session) DiagID() uuid.UUID {
	return s.diagID
}

// IsFinished reports whether the session is eligible for removal from
// the dispatch loop's session map.
func (s *Session) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Close closes the underlying socket and marks the session finished,
// releasing the ready signal of every in-flight message in the
// non-finished state: IsFinished and IsErrored both stay false.
func (s *Session) Close(err error) {
	s.mu.Lock()
	already := s.finished
	s.finished = true
	if err != nil {
		s.lastErr = err
	}
	pending := s.messages
	s.messages = nil
	s.pipeline = nil
	s.mu.Unlock()

	if already {
		return
	}
	s.conn.Close()
	for _, e := range pending {
		if e.outbound != nil {
			e.outbound.ReleaseChunk()
		}
		if e.inbound != nil {
			e.inbound.ReleaseChunk()
		}
	}
	if s.OnClose != nil {
		s.OnClose(s, err)
	}
}

// tryLock attempts to acquire the session mutex and set working=true
// atomically: contention yields an immediate false rather than
// blocking the dispatch loop.
func (s *Session) tryLock() bool {
	if !s.mu.TryLock() {
		return false
	}
	if s.working {
		s.mu.Unlock()
		return false
	}
	s.working = true
	return true
}

func (s *Session) unlock() {
	s.working = false
	s.mu.Unlock()
}

// HasReadDataWaiting polls the socket for POLLIN|POLLERR with a zero
// timeout. On lock contention it
// reports false immediately rather than blocking.
func (s *Session) HasReadDataWaiting() bool {
	if !s.tryLock() {
		return false
	}
	defer s.unlock()
	if s.finished {
		return false
	}
	if !s.idleDeadline.IsZero() && time.Now().After(s.idleDeadline) {
		s.finishLocked(errKeepaliveExpired)
		return false
	}
	ready, err := pollReadable(s.conn)
	if err != nil {
		return false
	}
	return ready
}

var errKeepaliveExpired = errors.New("session: keep-alive idle timeout expired")

// HasWriteDataWaiting polls the socket for POLLOUT|POLLERR and also
// requires a not-fully-serialized outbound message at the head of the
// pipeline.
func (s *Session) HasWriteDataWaiting() bool {
	if !s.tryLock() {
		return false
	}
	defer s.unlock()
	if s.finished || len(s.pipeline) == 0 {
		return false
	}
	ready, err := pollWritable(s.conn)
	if err != nil {
		return false
	}
	return ready
}

func (s *Session) maxBufferSize() int {
	n, err := params.Lookup(s.params, params.MaxBufferSize)
	if err != nil || n <= 0 {
		return int(4096)
	}
	return int(n)
}

// Enqueue registers a new pipeline slot. For a client session, req is
// the outbound request and resp is the caller-owned Message that will
// adopt the parsed response. For a server session, req is typically nil (the
// session itself parses incoming requests) and resp the response the
// caller wants rendered once it's ready; EnqueueResponse is the usual
// server-side entry point instead.
func (s *Session) Enqueue(req, resp *wire.Message) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestSequence++
	seq := s.requestSequence
	e := &entry{seq: seq, outbound: req, inbound: resp}
	if req == nil {
		// server side: resp is the message to render.
		e.outbound, e.inbound = resp, nil
	}
	s.messages[seq] = e
	s.pipeline = append(s.pipeline, seq)
	if req != nil {
		s.parser.RegisterMessage(seq, resp)
	}
	return seq
}

// EnqueueResponse is the server-side counterpart of Enqueue: pairs a
// just-parsed request with a fresh response Message and appends the
// pair to messages/pipeline under the next request_sequence, in
// request arrival order.
func (s *Session) EnqueueResponse(req *wire.Message) (resp *wire.Message, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestSequence++
	seq = s.requestSequence
	resp = wire.NewMessage(wire.KindResponse)
	resp.SetID(seq)
	s.messages[seq] = &entry{seq: seq, outbound: resp, inbound: req}
	s.pipeline = append(s.pipeline, seq)
	return resp, seq
}

var errEAgain = errors.New("session: EAGAIN")

// read loops reading up to MAXBUFFERSIZE bytes, feeding each block to
// the parser, draining and correlating its output, and repeating until
// EAGAIN/EWOULDBLOCK or EOF/error.
func (s *Session) Read() {
	if !s.tryLock() {
		return
	}
	defer s.unlock()
	if s.finished {
		return
	}

	bufSize := s.maxBufferSize()
	maxReads := s.MaxReadsPerDispatch
	for i := 0; maxReads <= 0 || i < maxReads; i++ {
		// net.Conn.Read blocks instead of returning EAGAIN, so a
		// zero-timeout poll that finds nothing readable stands in for it.
		if ready, err := pollReadable(s.conn); err != nil || !ready {
			s.armKeepaliveLocked()
			return
		}
		if cap(s.readBuf) < bufSize {
			s.readBuf = mempool.Malloc(bufSize)
		}
		buf := s.readBuf[:bufSize]
		n, err := s.conn.Read(buf)
		if n > 0 {
			if perr := s.parser.ProcessBlock(buf[:n]); perr != nil {
				logging.Error("session %s: parser error: %v", s.diagID, perr)
			}
			s.drainParsedLocked()
		}
		if err != nil {
			if isTemporary(err) {
				s.armKeepaliveLocked()
				return
			}
			if err == io.EOF {
				s.finishLocked(nil)
				return
			}
			s.finishLocked(err)
			return
		}
		if n < bufSize {
			// short read on a non-blocking socket: no more data right now.
			s.armKeepaliveLocked()
			return
		}
	}
}

// armKeepaliveLocked records the wall-clock deadline by which the next
// pipelined request must arrive, once the pipeline has fully drained.
// Called with s.mu held.
func (s *Session) armKeepaliveLocked() {
	if s.KeepaliveTime <= 0 {
		return
	}
	if len(s.pipeline) > 0 {
		s.idleDeadline = time.Time{}
		return
	}
	s.idleDeadline = time.Now().Add(s.KeepaliveTime)
}

// drainParsedLocked correlates every message the parser has finished
// since the last drain. Called with s.mu held.
func (s *Session) drainParsedLocked() {
	for _, msg := range s.parser.TakeMessages() {
		switch s.role {
		case RoleClient:
			s.correlateClientLocked(msg)
		case RoleServer:
			s.correlateServerLocked(msg)
		}
	}
}

// correlateClientLocked matches a parsed response to the outbound
// request at read_sequence: the caller-supplied response Message
// adopts the parsed contents and its ready signal fires.
func (s *Session) correlateClientLocked(msg *wire.Message) {
	s.readSequence++
	e, ok := s.messages[s.readSequence]
	if !ok {
		logging.Warn("session: response with no matching outbound request, seq=%d", s.readSequence)
		return
	}
	if e.inbound != nil && e.inbound != msg {
		e.inbound.Adopt(msg)
	} else {
		e.inbound = msg
	}
	delete(s.messages, s.readSequence)
}

// correlateServerLocked pairs a parsed request with a fresh response
// Message and enqueues both under the next request_sequence. Callers
// observe new requests via PendingRequests.
func (s *Session) correlateServerLocked(msg *wire.Message) {
	s.requestSequence++
	seq := s.requestSequence
	resp := wire.NewMessage(wire.KindResponse)
	resp.SetID(seq)
	s.messages[seq] = &entry{seq: seq, outbound: resp, inbound: msg}
	s.pipeline = append(s.pipeline, seq)
}

// Exchange pairs a just-arrived request with the fresh response
// Message the session created for it, handed to the server's
// application callback.
type Exchange struct {
	Request  *wire.Message
	Response *wire.Message
}

// PendingRequests drains requests that have arrived and been paired
// with a fresh response Message but not yet been handed to a caller.
// Each request is returned exactly once across repeated calls.
func (s *Session) PendingRequests() []Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Exchange
	for _, seq := range s.pipeline {
		e := s.messages[seq]
		if e != nil && e.inbound != nil && !e.delivered {
			e.delivered = true
			out = append(out, Exchange{Request: e.inbound, Response: e.outbound})
		}
	}
	return out
}

func (s *Session) finishLocked(err error) {
	s.finished = true
	if err != nil {
		s.lastErr = err
	}
	pending := s.messages
	s.messages = nil
	s.pipeline = nil
	go func() {
		s.conn.Close()
		for _, e := range pending {
			if e.outbound != nil {
				e.outbound.ReleaseChunk()
			}
			if e.inbound != nil {
				e.inbound.ReleaseChunk()
			}
		}
		if s.OnClose != nil {
			s.OnClose(s, err)
		}
	}()
}

func isTemporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, errEAgain)
}

// Write pulls the head of pipeline, renders the outbound message per
// its transport, writes as much as possible, and advances the write
// offset; once the whole message has gone out, it pops the entry from
// pipeline and moves on to the next one in the same call so a burst of
// small pipelined messages drains in one Write.
func (s *Session) Write() {
	if !s.tryLock() {
		return
	}
	defer s.unlock()
	if s.finished {
		return
	}

	for len(s.pipeline) > 0 {
		seq := s.pipeline[0]
		e := s.messages[seq]
		if e == nil || e.outbound == nil {
			s.pipeline = s.pipeline[1:]
			continue
		}
		done, err := s.writeEntry(e)
		if err != nil {
			s.finishLocked(err)
			return
		}
		if !done {
			return
		}
		s.pipeline = s.pipeline[1:]
		s.writeSequence++
	}
}

// writeEntry renders and flushes exactly one pipeline entry to
// completion (non-blocking: returns done=false on EAGAIN, to be
// resumed on the next Write call — the write offset and chunk offset
// persist on entry across such resumptions via the writer buffered
// inside render below).
func (s *Session) writeEntry(e *entry) (done bool, err error) {
	msg := e.outbound
	switch msg.Transport() {
	case wire.TransportFixed:
		return s.writeFixed(e, msg)
	case wire.TransportChunked:
		return s.writeChunked(e, msg)
	default:
		// Multipart, Stream, Undeclared: reserved extension points —
		// signal non-ready and do not progress the pipeline.
		return false, nil
	}
}

func (s *Session) writeFixed(e *entry, msg *wire.Message) (bool, error) {
	if !e.rendered {
		buf := &bufferWriter{}
		if err := wire.RenderHeader(buf, msg); err != nil {
			return false, err
		}
		if _, err := wire.RenderFixedBody(buf, msg); err != nil {
			return false, err
		}
		e.pending = buf.Bytes()
		e.rendered = true
	}
	return s.flushPending(e, msg)
}

func (s *Session) writeChunked(e *entry, msg *wire.Message) (bool, error) {
	if !e.rendered {
		buf := &bufferWriter{}
		if err := wire.RenderHeader(buf, msg); err != nil {
			return false, err
		}
		e.pending = buf.Bytes()
		e.rendered = true
	}
	if len(e.pending) > 0 {
		ok, err := s.flushPending(e, msg)
		if err != nil || !ok {
			return false, err
		}
	}
	chunks := msg.Chunks()
	for e.chunkIdx < len(chunks) {
		if len(e.pending) == 0 {
			buf := &bufferWriter{}
			body, err := chunks[e.chunkIdx].Body().Bytes()
			if err != nil {
				return false, err
			}
			if err := wire.RenderChunk(buf, body); err != nil {
				return false, err
			}
			e.pending = buf.Bytes()
		}
		ok, err := s.flushPending(e, msg)
		if err != nil || !ok {
			return false, err
		}
		e.chunkIdx++
	}
	if !e.trailSent {
		if len(e.pending) == 0 {
			buf := &bufferWriter{}
			if err := wire.RenderChunk(buf, nil); err != nil {
				return false, err
			}
			if err := wire.RenderTrailer(buf, msg); err != nil {
				return false, err
			}
			e.pending = buf.Bytes()
		}
		ok, err := s.flushPending(e, msg)
		if err != nil || !ok {
			return false, err
		}
		e.trailSent = true
	}
	return true, nil
}

// flushPending writes e.pending (already rendered bytes not yet on
// the wire) to the socket, trimming what was written. Returns
// done=true once e.pending is fully drained.
func (s *Session) flushPending(e *entry, msg *wire.Message) (bool, error) {
	for len(e.pending) > 0 {
		n, err := s.conn.Write(e.pending)
		if n > 0 {
			e.pending = e.pending[n:]
		}
		if err != nil {
			if isTemporary(err) {
				return false, nil
			}
			return false, err
		}
		if n == 0 {
			return false, nil
		}
	}
	msg.MarkHeaderSerialized()
	return true, nil
}

// bufferWriter is a tiny growable-[]byte io.Writer, avoiding a
// bytes.Buffer import for what is otherwise a one-shot render target.
type bufferWriter struct {
	buf []byte
}

func (b *bufferWriter) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *bufferWriter) Bytes() []byte { return b.buf }
