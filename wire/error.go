// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wire

import "errors"

// Protocol errors: malformed start-line, bad field syntax, illegal bytes,
// invalid numerics. Each maps to a status code attached to the message
// that was being parsed when the error fired.
var (
	ErrInvalidMethod          = errors.New("wire: invalid method")
	ErrInvalidRequestTarget   = errors.New("wire: invalid request-target")
	ErrInvalidVersion         = errors.New("wire: invalid HTTP version")
	ErrInvalidStatusCode      = errors.New("wire: invalid status code")
	ErrInvalidReasonPhrase    = errors.New("wire: invalid reason phrase")
	ErrCRExpected             = errors.New("wire: CR expected")
	ErrLFExpected             = errors.New("wire: LF expected")
	ErrInvalidFieldName       = errors.New("wire: invalid field name")
	ErrInvalidFieldValue      = errors.New("wire: invalid field value")
	ErrUnterminatedQuote      = errors.New("wire: unterminated quoted field value")
	ErrInvalidContentLength   = errors.New("wire: invalid Content-Length")
	ErrConflictingLength      = errors.New("wire: Content-Length present with Transfer-Encoding: chunked")
	ErrInvalidChunkSize       = errors.New("wire: invalid chunk size")
	ErrChunkSizeOverflow      = errors.New("wire: chunk size overflows accumulator")
	ErrInvalidTransferCoding  = errors.New("wire: unsupported Transfer-Encoding")
)

// Resource errors: the body blob failed to accumulate data.
var (
	ErrInsufficientStorage = errors.New("wire: insufficient storage for body")
)

// StatusForError maps a parse-time error to the status code the
// caller should attach to the message in error: 400 for protocol
// errors, 501 for an unrecognized method, 507 for storage failure
// while accumulating a body.
func StatusForError(err error) (code int, reason string) {
	switch err {
	case ErrInvalidMethod:
		return 501, "Not Implemented"
	case ErrInsufficientStorage:
		return 507, "Insufficient Storage"
	case nil:
		return 200, "OK"
	default:
		return 400, "Bad Request"
	}
}
