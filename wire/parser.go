// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"strconv"
	"strings"
	"sync"
)

// DefaultMemChunkSizeLimit is the built-in default for MEMCHUNKSIZELIMIT:
// the in-memory body/chunk byte budget before spillover to a temp file.
const DefaultMemChunkSizeLimit int64 = 1 << 20 // 1_048_576

// Parser is the incremental, resumable HTTP/1.1 byte-stream parser.
// One Parser serves one connection's whole lifetime, cycling
// Finished -> NewHeader for each pipelined message.
// It never blocks and never panics: malformed input is reported via
// the returned Message's error_is_set flag, never by returning from
// ProcessBlock with a usable error for the caller to branch on beyond
// logging.
type Parser struct {
	mu sync.Mutex

	kind Kind // KindRequest or KindResponse; never KindChunk.

	input  []byte
	cursor int

	state      MinorState
	majorStart int
	minorStart int

	contentLength int64
	chunkSize     int64
	chunked       bool
	trailerSeen   bool

	currentChunk   *Blob
	currentMessage *Message

	tempFieldName  string
	tempFieldValue string
	extensions     string

	messageRegister map[uint64]*Message
	messagesOut     []*Message

	nextMessageID uint64

	// MemChunkLimit resolves MEMCHUNKSIZELIMIT; the owning session sets this from its
	// own parameter lookup chain. Defaults to DefaultMemChunkSizeLimit.
	MemChunkLimit int64

	// NamePrefix is propagated to any Blob that spills to disk, so
	// spilled files are traceable to this parser's connection.
	NamePrefix string
}

// NewParser constructs a Parser in its initial state, positioned at
// the start of a request (kind=KindRequest) or response
// (kind=KindResponse) line.
func NewParser(kind Kind) *Parser {
	p := &Parser{
		kind:            kind,
		messageRegister: map[uint64]*Message{},
		MemChunkLimit:   DefaultMemChunkSizeLimit,
	}
	p.resetForNextMessage()
	return p
}

func (p *Parser) resetForNextMessage() {
	if p.kind == KindRequest {
		p.state = minorLeadingCRLF
	} else {
		p.state = minorResponseVersionBefore
	}
	p.majorStart = p.cursor
	p.minorStart = p.cursor
	p.contentLength = 0
	p.chunkSize = 0
	p.chunked = false
	p.trailerSeen = false
	p.tempFieldName = ""
	p.tempFieldValue = ""
	p.extensions = ""
	p.currentChunk = nil

	p.nextMessageID++
	msg := NewMessage(p.kind)
	msg.SetID(p.nextMessageID)
	if registered, ok := p.messageRegister[p.nextMessageID]; ok {
		p.currentMessage = registered
		delete(p.messageRegister, p.nextMessageID)
	} else {
		p.currentMessage = msg
	}
}

// RegisterMessage associates a caller-owned Message with id. If the
// parser has already begun (or finished) populating a same-id message,
// the caller's Message immediately Adopts its contents. Otherwise the association is remembered so the
// next message the parser starts with that id populates msg directly.
func (p *Parser) RegisterMessage(id uint64, msg *Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.currentMessage != nil && p.currentMessage.ID() == id {
		msg.Adopt(p.currentMessage)
		p.currentMessage = msg
		return
	}
	for i, m := range p.messagesOut {
		if m.ID() == id {
			msg.Adopt(m)
			p.messagesOut[i] = msg
			return
		}
	}
	p.messageRegister[id] = msg
}

// TakeMessages drains and returns all messages completed (fully or
// with an error) since the last call.
func (p *Parser) TakeMessages() []*Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.messagesOut
	p.messagesOut = nil
	return out
}

// ProcessBlock feeds a block of bytes to the parser. Idempotent on
// empty input. Calling ProcessBlock on S1, S2, ... Sn produces exactly
// the same output messages as one call on the concatenation, because
// the only persistent state is this struct's fields, and the scan loop
// below always resumes from p.cursor without assuming anything about
// where a previous call stopped.
func (p *Parser) ProcessBlock(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(data) == 0 {
		return nil
	}
	p.input = append(p.input, data...)

	for p.cursor < len(p.input) {
		c := p.input[p.cursor]
		major := majorOf(p.state)
		var err error
		switch major {
		case MajorNewHeader:
			err = p.stepNewHeader(c)
		case MajorFieldLine:
			err = p.stepFieldLine(c)
		case MajorMessageBody:
			err = p.stepMessageBody()
			if err == errNeedMoreData {
				return nil
			}
		case MajorChunkedBody:
			err = p.stepChunkedBody(c)
			if err == errNeedMoreData {
				return nil
			}
		case MajorTrailer:
			err = p.stepTrailer(c)
		case MajorFinished:
			// handled inline by transition code below; should not
			// observe this major state at loop entry.
		}
		if err != nil {
			p.failCurrentMessage(err)
			continue
		}
	}
	return nil
}

var errNeedMoreData = errInternalSentinel{}

type errInternalSentinel struct{}

func (errInternalSentinel) Error() string { return "wire: need more data" }

// failCurrentMessage marks the in-flight message as errored, enqueues
// it, and resets the parser to start a fresh message immediately after
// the byte that caused the failure — "Error isolation": a malformed message never prevents later messages on
// the same stream from parsing.
func (p *Parser) failCurrentMessage(err error) {
	p.currentMessage.MarkErrored(err)
	p.messagesOut = append(p.messagesOut, p.currentMessage)
	p.cursor++
	p.compactAndReset()
}

func (p *Parser) compactAndReset() {
	if p.cursor > 0 {
		p.input = append([]byte(nil), p.input[p.cursor:]...)
		p.cursor = 0
	}
	p.resetForNextMessage()
}

// ---- MajorNewHeader ----

func (p *Parser) stepNewHeader(c byte) error {
	i := p.cursor
	switch p.state {
	case minorLeadingCRLF:
		switch c {
		case '\r', '\n':
			p.cursor++
			return nil
		default:
			p.minorStart = i
			p.state = minorMethodBefore
			return p.stepNewHeader(c)
		}
	case minorMethodBefore:
		if !isValidMethodChar(c) {
			return ErrInvalidMethod
		}
		p.minorStart = i
		p.state = minorMethod
		p.cursor++
		return nil
	case minorMethod:
		if c == ' ' {
			name := strings.ToUpper(string(p.input[p.minorStart:i]))
			method, ok := methodNames[name]
			if !ok {
				return ErrInvalidMethod
			}
			p.currentMessage.SetMethod(method)
			p.minorStart = i + 1
			p.state = minorTargetBefore
			p.cursor++
			return nil
		}
		if !isAlpha(c) {
			return ErrInvalidMethod
		}
		p.cursor++
		return nil
	case minorTargetBefore:
		if c == ' ' {
			p.cursor++
			return nil
		}
		p.minorStart = i
		p.state = minorTarget
		p.cursor++
		return nil
	case minorTarget:
		if c == ' ' {
			p.currentMessage.SetTarget(p.input[p.minorStart:i])
			p.minorStart = i + 1
			p.state = minorRequestVersionBefore
		}
		p.cursor++
		return nil
	case minorRequestVersionBefore:
		if c == ' ' {
			p.cursor++
			return nil
		}
		p.minorStart = i
		p.state = minorRequestVersion
		p.cursor++
		return nil
	case minorRequestVersion:
		switch c {
		case ' ':
			p.currentMessage.SetVersion(string(p.input[p.minorStart:i]))
		case '\r':
			p.currentMessage.SetVersion(string(p.input[p.minorStart:i]))
			p.state = minorRequestVersionLF
		case '\n':
			// bare LF accepted as a line terminator.
			p.currentMessage.SetVersion(string(p.input[p.minorStart:i]))
			p.cursor++
			p.minorStart = p.cursor
			p.enterFieldLine()
			return nil
		}
		p.cursor++
		return nil
	case minorRequestVersionLF:
		if c != '\n' {
			return ErrLFExpected
		}
		p.cursor++
		p.minorStart = p.cursor
		p.enterFieldLine()
		return nil

	case minorResponseVersionBefore:
		p.minorStart = i
		p.state = minorResponseVersion
		return p.stepNewHeader(c)
	case minorResponseVersion:
		if c == ' ' {
			p.currentMessage.SetVersion(string(p.input[p.minorStart:i]))
			p.minorStart = i + 1
			p.state = minorResponseCodeBefore
		}
		p.cursor++
		return nil
	case minorResponseCodeBefore:
		if c == ' ' {
			p.cursor++
			return nil
		}
		if !isNum(c) {
			return ErrInvalidStatusCode
		}
		p.minorStart = i
		p.state = minorResponseCode
		p.cursor++
		return nil
	case minorResponseCode:
		if c == ' ' {
			code, err := strconv.Atoi(string(p.input[p.minorStart:i]))
			if err != nil {
				return ErrInvalidStatusCode
			}
			p.currentMessage.statusCode = code
			p.minorStart = i + 1
			p.state = minorReasonBefore
			p.cursor++
			return nil
		}
		if !isNum(c) {
			return ErrInvalidStatusCode
		}
		p.cursor++
		return nil
	case minorReasonBefore:
		p.minorStart = i
		p.state = minorReason
		return p.stepNewHeader(c)
	case minorReason:
		switch c {
		case '\r':
			p.currentMessage.reasonPhrase = string(p.input[p.minorStart:i])
			p.state = minorReasonLF
			p.cursor++
			return nil
		case '\n':
			p.currentMessage.reasonPhrase = string(p.input[p.minorStart:i])
			p.cursor++
			p.minorStart = p.cursor
			p.enterFieldLine()
			return nil
		}
		p.cursor++
		return nil
	case minorReasonLF:
		if c != '\n' {
			return ErrLFExpected
		}
		p.cursor++
		p.minorStart = p.cursor
		p.enterFieldLine()
		return nil
	}
	return nil
}

func (p *Parser) enterFieldLine() {
	p.state = minorFieldNameBefore
}

// ---- MajorFieldLine ----

func (p *Parser) stepFieldLine(c byte) error {
	i := p.cursor
	switch p.state {
	case minorFieldNameBefore:
		switch c {
		case '\r', '\n':
			return p.dispatchBodyAfterBlankLine(c)
		default:
			if !isToken(c) {
				return ErrInvalidFieldName
			}
			p.minorStart = i
			p.state = minorFieldName
			p.cursor++
			return nil
		}
	case minorFieldName:
		switch c {
		case ':':
			p.tempFieldName = upperField(string(p.input[p.minorStart:i]))
			p.minorStart = i + 1
			p.state = minorFieldValueBefore
		case '\r', '\n':
			return ErrInvalidFieldName
		default:
			if !isToken(c) {
				return ErrInvalidFieldName
			}
		}
		p.cursor++
		return nil
	case minorFieldValueBefore:
		if isWS(c) {
			p.cursor++
			p.minorStart = p.cursor
			return nil
		}
		p.minorStart = i
		p.state = minorFieldValue
		return p.stepFieldLine(c)
	case minorFieldValue:
		switch c {
		case '\r':
			p.tempFieldValue = trimOWS(string(p.input[p.minorStart:i]))
			p.state = minorFieldValueCR
			p.cursor++
			return nil
		case '\n':
			p.tempFieldValue = trimOWS(string(p.input[p.minorStart:i]))
			p.cursor++
			return p.finishFieldValueLine()
		default:
			if !isFieldContent(c) {
				return ErrInvalidFieldValue
			}
			p.cursor++
			return nil
		}
	case minorFieldValueCR:
		if c != '\n' {
			return ErrLFExpected
		}
		p.cursor++
		return p.finishFieldValueLine()
	case minorHeaderBlankCR:
		if c != '\n' {
			return ErrLFExpected
		}
		return p.finishHeaderBlock()
	}
	return nil
}

func (p *Parser) finishFieldValueLine() error {
	if err := p.commitHeaderField(); err != nil {
		return err
	}
	p.minorStart = p.cursor
	p.state = minorFieldNameBefore
	return nil
}

func trimOWS(s string) string {
	i, j := 0, len(s)
	for i < j && isWS(s[i]) {
		i++
	}
	for j > i && isWS(s[j-1]) {
		j--
	}
	return s[i:j]
}

func (p *Parser) commitHeaderField() error {
	name, value := p.tempFieldName, p.tempFieldValue
	p.tempFieldName, p.tempFieldValue = "", ""

	switch name {
	case "CONTENT-LENGTH":
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 63)
		if err != nil || n < 0 {
			return ErrInvalidContentLength
		}
		p.contentLength = n
		p.currentMessage.AddField(name, value)
		return nil
	case "TRANSFER-ENCODING":
		for _, coding := range splitListValue(value) {
			if strings.EqualFold(coding, "chunked") {
				p.chunked = true
			}
		}
		if !p.chunked {
			return ErrInvalidTransferCoding
		}
		p.currentMessage.AddField(name, value)
		return nil
	case "TRAILER":
		p.trailerSeen = true
		for _, v := range splitListValue(value) {
			p.currentMessage.AddField(name, v)
		}
		return nil
	}

	if isListField(name) {
		for _, v := range splitListValue(value) {
			p.currentMessage.AddField(name, v)
		}
	} else {
		p.currentMessage.AddField(name, value)
	}
	return nil
}

// dispatchBodyAfterBlankLine implements the Body-dispatch step: the
// blank line ending the header block picks MessageBody, ChunkedBody,
// or Finished (in finishHeaderBlock). A Transfer-Encoding carrying the
// chunked coding routes to ChunkedBody; finishHeaderBlock rejects a
// nonzero Content-Length alongside it with ErrConflictingLength.
func (p *Parser) dispatchBodyAfterBlankLine(c byte) error {
	if c == '\r' {
		p.cursor++
		p.state = minorHeaderBlankCR
		return nil
	}
	// bare LF, no CR.
	return p.finishHeaderBlock()
}

func (p *Parser) finishHeaderBlock() error {
	p.cursor++
	if p.chunked && p.contentLength > 0 {
		return ErrConflictingLength
	}
	if p.chunked {
		p.currentChunk = NewBlob()
		p.currentChunk.SetNamePrefix(p.NamePrefix)
		p.state = minorChunkSizeBefore
		p.minorStart = p.cursor
		return nil
	}
	if p.contentLength > 0 {
		p.currentChunk = NewBlob()
		p.currentChunk.SetNamePrefix(p.NamePrefix)
		p.state = minorBodyFixed
		p.minorStart = p.cursor
		return nil
	}
	p.finishMessage()
	return nil
}

// ---- MajorMessageBody ----

func (p *Parser) stepMessageBody() error {
	need := p.contentLength
	have := int64(len(p.input) - p.cursor)
	if have < need {
		return errNeedMoreData
	}
	chunk := p.input[p.cursor : p.cursor+int(need)]
	if err := p.accumulate(p.currentChunk, chunk); err != nil {
		return ErrInsufficientStorage
	}
	p.cursor += int(need)
	p.currentMessage.SetBody(p.currentChunk)
	p.finishMessage()
	return nil
}

// accumulate appends data to blob, spilling to a temp file once the
// in-memory size exceeds MEMCHUNKSIZELIMIT; a failure here terminates
// the message with status 507.
func (p *Parser) accumulate(blob *Blob, data []byte) error {
	if err := blob.Append(data); err != nil {
		return err
	}
	if !blob.IsOnDisk() && blob.Size() > p.memLimit() {
		if err := blob.ConvertToFile(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Parser) memLimit() int64 {
	if p.MemChunkLimit > 0 {
		return p.MemChunkLimit
	}
	return DefaultMemChunkSizeLimit
}

// ---- MajorChunkedBody ----

func (p *Parser) stepChunkedBody(c byte) error {
	i := p.cursor
	switch p.state {
	case minorChunkSizeBefore:
		if !isHex(c) {
			return ErrInvalidChunkSize
		}
		p.minorStart = i
		p.state = minorChunkSize
		p.chunkSize = 0
		return p.accumulateChunkSizeDigit(c)
	case minorChunkSize:
		switch {
		case isHex(c):
			return p.accumulateChunkSizeDigit(c)
		case c == ';':
			p.state = minorChunkExt
			p.minorStart = i + 1
			p.cursor++
			return nil
		case c == '\r':
			p.state = minorChunkSizeCR
			p.cursor++
			return nil
		case isWS(c):
			p.cursor++
			return nil
		default:
			return ErrInvalidChunkSize
		}
	case minorChunkExt:
		switch c {
		case '\r':
			p.extensions = string(p.input[p.minorStart:i])
			p.state = minorChunkSizeCR
		case '\n':
			return ErrLFExpected
		}
		p.cursor++
		return nil
	case minorChunkSizeCR:
		if c != '\n' {
			return ErrLFExpected
		}
		p.cursor++
		return p.afterChunkSizeLine()
	case minorChunkData:
		return p.stepChunkData()
	case minorChunkDataCR:
		if c != '\r' {
			return ErrCRExpected
		}
		p.state = minorChunkDataLF
		p.cursor++
		return nil
	case minorChunkDataLF:
		if c != '\n' {
			return ErrLFExpected
		}
		p.cursor++
		p.state = minorChunkSizeBefore
		p.minorStart = p.cursor
		return nil
	}
	return nil
}

func (p *Parser) accumulateChunkSizeDigit(c byte) error {
	var v int64
	switch {
	case c >= '0' && c <= '9':
		v = int64(c - '0')
	case c >= 'a' && c <= 'f':
		v = int64(c-'a') + 10
	case c >= 'A' && c <= 'F':
		v = int64(c-'A') + 10
	}
	// guard against overflow before it happens.
	const maxChunk = int64(1) << 62
	if p.chunkSize > (maxChunk-v)/16 {
		return ErrChunkSizeOverflow
	}
	p.chunkSize = p.chunkSize*16 + v
	p.cursor++
	return nil
}

func (p *Parser) afterChunkSizeLine() error {
	if p.chunkSize > 0 {
		p.state = minorChunkData
		p.minorStart = p.cursor
		return nil
	}
	// zero-length chunk: end of chunked body. The trailer section is
	// always scanned; an absent Trailer header just means we expect an
	// immediate blank line, which MajorTrailer handles uniformly.
	p.state = minorTrailerFieldNameBefore
	p.minorStart = p.cursor
	return nil
}

func (p *Parser) stepChunkData() error {
	need := p.chunkSize
	have := int64(len(p.input) - p.cursor)
	if have < need {
		return errNeedMoreData
	}
	data := p.input[p.cursor : p.cursor+int(need)]
	if err := p.accumulate(p.currentChunk, data); err != nil {
		return ErrInsufficientStorage
	}
	p.cursor += int(need)

	chunkMsg := NewMessage(KindChunk)
	chunkMsg.SetBody(p.currentChunk)
	p.currentMessage.AddChunk(chunkMsg)
	p.currentMessage.ReleaseChunk()
	p.currentChunk = NewBlob()
	p.currentChunk.SetNamePrefix(p.NamePrefix)

	p.state = minorChunkDataCR
	return nil
}

// ---- MajorTrailer ----

func (p *Parser) stepTrailer(c byte) error {
	i := p.cursor
	switch p.state {
	case minorTrailerFieldNameBefore:
		switch c {
		case '\r', '\n':
			if c == '\r' {
				p.cursor++
				p.state = minorTrailerBlankCR
				return nil
			}
			p.cursor++
			p.finishMessage()
			return nil
		default:
			if !isToken(c) {
				return ErrInvalidFieldName
			}
			p.minorStart = i
			p.state = minorTrailerFieldName
			p.cursor++
			return nil
		}
	case minorTrailerFieldName:
		if c == ':' {
			p.tempFieldName = upperField(string(p.input[p.minorStart:i]))
			p.minorStart = i + 1
			p.state = minorTrailerFieldValueBefore
			p.cursor++
			return nil
		}
		if c == '\r' || c == '\n' {
			return ErrInvalidFieldName
		}
		if !isToken(c) {
			return ErrInvalidFieldName
		}
		p.cursor++
		return nil
	case minorTrailerFieldValueBefore:
		if isWS(c) {
			p.cursor++
			p.minorStart = p.cursor
			return nil
		}
		p.minorStart = i
		p.state = minorTrailerFieldValue
		return p.stepTrailer(c)
	case minorTrailerFieldValue:
		switch c {
		case '\r':
			p.tempFieldValue = trimOWS(string(p.input[p.minorStart:i]))
			p.state = minorTrailerFieldValueCR
			p.cursor++
			return nil
		case '\n':
			p.tempFieldValue = trimOWS(string(p.input[p.minorStart:i]))
			p.cursor++
			return p.finishTrailerFieldLine()
		default:
			if !isFieldContent(c) {
				return ErrInvalidFieldValue
			}
		}
		p.cursor++
		return nil
	case minorTrailerFieldValueCR:
		if c != '\n' {
			return ErrLFExpected
		}
		p.cursor++
		return p.finishTrailerFieldLine()
	case minorTrailerBlankCR:
		if c != '\n' {
			return ErrLFExpected
		}
		p.cursor++
		p.finishMessage()
		return nil
	}
	return nil
}

func (p *Parser) finishTrailerFieldLine() error {
	p.currentMessage.AddTrailerField(p.tempFieldName, p.tempFieldValue)
	p.tempFieldName, p.tempFieldValue = "", ""
	p.minorStart = p.cursor
	p.state = minorTrailerFieldNameBefore
	return nil
}

func (p *Parser) finishMessage() {
	p.currentMessage.setTransport(p.transportOfCurrent())
	p.currentMessage.MarkFinished()
	p.messagesOut = append(p.messagesOut, p.currentMessage)
	p.compactAndReset()
}

func (p *Parser) transportOfCurrent() Transport {
	switch {
	case p.chunked:
		return TransportChunked
	case p.contentLength > 0:
		return TransportFixed
	default:
		return p.currentMessage.transport
	}
}
