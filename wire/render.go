// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"io"
	"sort"
	"strconv"
)

// RenderHeader writes the request-line or status-line plus the field
// block and terminating blank line for m onto w. It does not write the
// body: Fixed/Chunked framing is the caller's (session's) job, since
// the session decides how much of the body it has buffered versus how
// much still needs to stream off disk.
//
// Calling RenderHeader marks m's header serialized.
func RenderHeader(w io.Writer, m *Message) error {
	var err error
	switch m.Kind() {
	case KindRequest:
		target := m.Target()
		if len(target) == 0 {
			target = []byte("/")
		}
		_, err = fmt.Fprintf(w, "%s %s %s\r\n", m.Method().String(), target, versionOrDefault(m.Version()))
	case KindResponse:
		reason := m.ReasonPhrase()
		_, err = fmt.Fprintf(w, "%s %d %s\r\n", versionOrDefault(m.Version()), m.StatusCode(), reason)
	default:
		return fmt.Errorf("wire: cannot render a %v message header directly", m.Kind())
	}
	if err != nil {
		return err
	}
	if err := writeFields(w, m.Fields()); err != nil {
		return err
	}
	switch m.Transport() {
	case TransportFixed:
		if _, err := fmt.Fprintf(w, "Content-Length: %s\r\n", strconv.FormatInt(m.ContentLength(), 10)); err != nil {
			return err
		}
	case TransportChunked:
		if _, err := io.WriteString(w, "Transfer-Encoding: chunked\r\n"); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}
	m.MarkHeaderSerialized()
	return nil
}

// RenderFixedBody writes m's body bytes onto w. Callers use this after
// RenderHeader for a TransportFixed message.
func RenderFixedBody(w io.Writer, m *Message) (int64, error) {
	return m.Body().WriteTo(w)
}

// RenderChunk writes one chunk of data as "<hex-size>\r\n<payload>\r\n".
// A zero-length data slice renders only the terminating "0\r\n" line;
// RenderTrailer then writes the trailer fields and the final blank line.
func RenderChunk(w io.Writer, data []byte) error {
	if _, err := fmt.Fprintf(w, "%x\r\n", len(data)); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// RenderTrailer writes the trailer field block (if any) plus the final
// blank line that terminates a chunked message, after the 0-size chunk
// has already been written via RenderChunk(w, nil).
func RenderTrailer(w io.Writer, m *Message) error {
	if err := writeFields(w, m.TrailerFields()); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

func writeFields(w io.Writer, fields map[string][]string) error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		list := isListField(name)
		for _, v := range fields[name] {
			if list && fieldValueQuotesNeeded(v) {
				v = `"` + fieldValueEscape(v) + `"`
			}
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", name, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func versionOrDefault(v string) string {
	if v == "" {
		return "HTTP/1.1"
	}
	return v
}
