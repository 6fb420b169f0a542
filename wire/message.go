// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"sync"
)

// Kind distinguishes the three message shapes the parser can produce:
// Request, Response, or a Chunk child of a Chunked message.
type Kind int8

const (
	KindRequest Kind = iota
	KindResponse
	KindChunk
)

// Transport is Message.transport, a sum type over how the body is (or
// will be) framed on the wire.
type Transport int8

const (
	TransportUndeclared Transport = iota
	TransportFixed
	TransportMultipart
	TransportChunked
	TransportStream
)

// Method enumerates the request methods the parser recognizes. The
// zero value is GET.
type Method int8

const (
	MethodGet Method = iota
	MethodHead
	MethodPost
	MethodPut
	MethodDelete
	MethodConnect
	MethodOptions
	MethodTrace
	MethodPatch
)

var methodNames = map[string]Method{
	"GET":     MethodGet,
	"HEAD":    MethodHead,
	"POST":    MethodPost,
	"PUT":     MethodPut,
	"DELETE":  MethodDelete,
	"CONNECT": MethodConnect,
	"OPTIONS": MethodOptions,
	"TRACE":   MethodTrace,
	"PATCH":   MethodPatch,
}

func (m Method) String() string {
	for name, v := range methodNames {
		if v == m {
			return name
		}
	}
	return "GET"
}

// readySignal is a single-shot, at-most-one-waiter notification
//. A chunked message releases it once per
// chunk while remaining non-terminal; IsFinished must be queryable
// independently of whether the signal has fired.
type readySignal struct {
	mu       sync.Mutex
	ch       chan struct{}
	finished bool
	errored  bool
}

func newReadySignal() *readySignal {
	return &readySignal{ch: make(chan struct{}, 1)}
}

// release arms the signal for one waiter. Non-blocking: if a previous
// release hasn't been consumed yet, this is a no-op (at-most-one
// outstanding notification, matching a binary semaphore).
func (s *readySignal) release(finished, errored bool) {
	s.mu.Lock()
	if finished {
		s.finished = true
	}
	if errored {
		s.errored = true
	}
	s.mu.Unlock()
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the signal is released.
func (s *readySignal) Wait() { <-s.ch }

// Chan exposes the underlying channel for select-based waiting.
func (s *readySignal) Chan() <-chan struct{} { return s.ch }

func (s *readySignal) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *readySignal) IsErrored() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errored
}

// Message is a request, response, or chunk.
type Message struct {
	mu sync.Mutex

	kind      Kind
	transport Transport

	// request-only
	method Method
	target []byte
	domain string
	port   string

	// response-only
	statusCode   int
	reasonPhrase string

	version string

	fields        map[string][]string
	trailerFields map[string][]string

	body   *Blob
	chunks []*Message

	contentLength int64

	id uint64

	errorIsSet        bool
	errorMessage      string
	parsingIsFinished bool

	headerSerialized bool

	ready *readySignal
}

// NewMessage constructs an empty Message of the given kind, with a
// fresh Blob body and ready signal.
func NewMessage(kind Kind) *Message {
	return &Message{
		kind:    kind,
		version: "HTTP/1.1",
		fields:  map[string][]string{},
		body:    NewBlob(),
		ready:   newReadySignal(),
	}
}

func (m *Message) Kind() Kind           { return m.kind }
func (m *Message) Transport() Transport { return m.transport }
func (m *Message) Method() Method       { return m.method }
func (m *Message) Target() []byte       { return m.target }
func (m *Message) Domain() string       { return m.domain }
func (m *Message) Port() string         { return m.port }
func (m *Message) StatusCode() int      { return m.statusCode }
func (m *Message) ReasonPhrase() string { return m.reasonPhrase }
func (m *Message) Version() string      { return m.version }
func (m *Message) Body() *Blob          { return m.body }
func (m *Message) Chunks() []*Message   { return m.chunks }
func (m *Message) ContentLength() int64 { return m.contentLength }
func (m *Message) ID() uint64           { return m.id }
func (m *Message) ErrorIsSet() bool     { return m.errorIsSet }
func (m *Message) ErrorMessage() string { return m.errorMessage }
func (m *Message) ParsingIsFinished() bool { return m.parsingIsFinished }
func (m *Message) ReadySignal() interface {
	Wait()
	Chan() <-chan struct{}
	IsFinished() bool
	IsErrored() bool
} {
	return m.ready
}

func (m *Message) SetID(id uint64)         { m.id = id }
func (m *Message) SetMethod(method Method) { m.method = method }
func (m *Message) SetTarget(t []byte) {
	cp := make([]byte, len(t))
	copy(cp, t)
	m.target = cp
}
func (m *Message) SetDomain(d string) { m.domain = d }
func (m *Message) SetPort(p string)   { m.port = p }
func (m *Message) SetVersion(v string) { m.version = v }

// SetStatus is a no-op once the header has been serialized onto the
// wire.
func (m *Message) SetStatus(code int, reason string) {
	if m.headerSerialized {
		return
	}
	m.statusCode = code
	m.reasonPhrase = reason
}

// AddField appends a value to fields[upperField(name)], preserving
// duplicate order.
func (m *Message) AddField(name, value string) {
	if m.headerSerialized {
		return
	}
	key := upperField(name)
	m.fields[key] = append(m.fields[key], value)
}

// SetField replaces all values of the given field.
func (m *Message) SetField(name string, values ...string) {
	if m.headerSerialized {
		return
	}
	m.fields[upperField(name)] = values
}

// Field returns the values stored for name (case-insensitive lookup:
// storage is upper-case).
func (m *Message) Field(name string) []string {
	return m.fields[upperField(name)]
}

// Fields returns the full fields map (upper-cased keys).
func (m *Message) Fields() map[string][]string { return m.fields }

func (m *Message) AddTrailerField(name, value string) {
	if m.trailerFields == nil {
		m.trailerFields = map[string][]string{}
	}
	m.trailerFields[upperField(name)] = append(m.trailerFields[upperField(name)], value)
}

func (m *Message) TrailerField(name string) []string {
	return m.trailerFields[upperField(name)]
}

func (m *Message) TrailerFields() map[string][]string { return m.trailerFields }

// SetBody replaces the body, forcing transport=Fixed and recomputing
// ContentLength.
func (m *Message) SetBody(b *Blob) {
	if m.parsingIsFinished && m.transport == TransportFixed {
		return
	}
	m.body = b
	m.transport = TransportFixed
	m.contentLength = b.Size()
}

// AddChunk appends a Chunk message, forcing transport=Chunked.
func (m *Message) AddChunk(chunk *Message) {
	m.transport = TransportChunked
	m.chunks = append(m.chunks, chunk)
}

func (m *Message) setTransport(t Transport) { m.transport = t }

// MarkHeaderSerialized records that this Message's header has gone out
// on the wire; subsequent status/field mutation becomes a no-op.
func (m *Message) MarkHeaderSerialized() { m.headerSerialized = true }

// MarkErrored records a parse failure on this Message:
// error_is_set is set, the status/reason reflect the failure, and the
// ready signal is released in errored mode.
func (m *Message) MarkErrored(err error) {
	m.errorIsSet = true
	m.errorMessage = err.Error()
	code, reason := StatusForError(err)
	m.statusCode = code
	m.reasonPhrase = reason
	m.parsingIsFinished = true
	m.ready.release(true, true)
}

// MarkFinished records that parsing of this Message has completed
// normally and releases the ready signal in finished mode.
func (m *Message) MarkFinished() {
	m.parsingIsFinished = true
	m.ready.release(true, false)
}

// ReleaseChunk releases the ready signal in non-finished mode: used
// once per arrived chunk on a Chunked message, which is not yet
// terminal.
func (m *Message) ReleaseChunk() {
	m.ready.release(false, false)
}

// Adopt transfers all wire-derived state from src into m, leaving m's
// own ready signal untouched except that if src had already been
// signaled, m's signal is immediately released too.
func (m *Message) Adopt(src *Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.kind = src.kind
	m.transport = src.transport
	m.method = src.method
	m.target = src.target
	m.domain = src.domain
	m.port = src.port
	m.statusCode = src.statusCode
	m.reasonPhrase = src.reasonPhrase
	m.version = src.version
	m.fields = src.fields
	m.trailerFields = src.trailerFields
	m.body = src.body
	m.chunks = src.chunks
	m.contentLength = src.contentLength
	m.errorIsSet = src.errorIsSet
	m.errorMessage = src.errorMessage
	m.parsingIsFinished = src.parsingIsFinished

	if src.ready.IsFinished() || src.ready.IsErrored() {
		m.ready.release(src.ready.IsFinished(), src.ready.IsErrored())
	}
}
