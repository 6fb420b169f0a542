// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func parseAll(t *testing.T, kind Kind, blocks ...[]byte) []*Message {
	t.Helper()
	p := NewParser(kind)
	for _, b := range blocks {
		require.NoError(t, p.ProcessBlock(b))
	}
	return p.TakeMessages()
}

func TestFixedLengthRequestRoundTrip(t *testing.T) {
	raw := []byte("POST /widgets HTTP/1.1\r\nHost: example.com\r\nContent-Length: 5\r\n\r\nhello")
	msgs := parseAll(t, KindRequest, raw)
	require.Len(t, msgs, 1)

	msg := msgs[0]
	require.True(t, msg.ParsingIsFinished())
	require.False(t, msg.ErrorIsSet())
	require.Equal(t, MethodPost, msg.Method())
	require.Equal(t, "/widgets", string(msg.Target()))
	require.Equal(t, TransportFixed, msg.Transport())
	require.EqualValues(t, 5, msg.ContentLength())
	require.Equal(t, []string{"example.com"}, msg.Field("host"))
	body, err := msg.Body().Bytes()
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))

	var out bytes.Buffer
	require.NoError(t, RenderHeader(&out, msg))
	_, err = RenderFixedBody(&out, msg)
	require.NoError(t, err)

	echo := parseAll(t, KindRequest, out.Bytes())
	require.Len(t, echo, 1)
	echoBody, err := echo[0].Body().Bytes()
	require.NoError(t, err)
	require.Equal(t, "hello", string(echoBody))
}

// TestResumability checks that feeding a byte stream in two arbitrary
// pieces produces the same result as feeding it in one piece, for any
// split point.
func TestResumability(t *testing.T) {
	raw := []byte("GET /a HTTP/1.1\r\nHost: h\r\nContent-Length: 3\r\n\r\nabc")

	whole := parseAll(t, KindRequest, raw)
	require.Len(t, whole, 1)

	for split := 1; split < len(raw); split++ {
		msgs := parseAll(t, KindRequest, raw[:split], raw[split:])
		require.Lenf(t, msgs, 1, "split at %d", split)
		require.Equalf(t, whole[0].Method(), msgs[0].Method(), "split at %d", split)
		require.Equalf(t, string(whole[0].Target()), string(msgs[0].Target()), "split at %d", split)
		wantBody, _ := whole[0].Body().Bytes()
		gotBody, _ := msgs[0].Body().Bytes()
		require.Equalf(t, wantBody, gotBody, "split at %d", split)
	}
}

func TestBareLFTolerance(t *testing.T) {
	raw := []byte("GET / HTTP/1.1\nHost: h\nContent-Length: 2\n\nhi")
	msgs := parseAll(t, KindRequest, raw)
	require.Len(t, msgs, 1)
	require.False(t, msgs[0].ErrorIsSet())
	body, err := msgs[0].Body().Bytes()
	require.NoError(t, err)
	require.Equal(t, "hi", string(body))
}

func TestBareLFInTrailer(t *testing.T) {
	raw := []byte("POST / HTTP/1.1\r\n" +
		"Host: h\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n" +
		"3\r\nfoo\r\n" +
		"0\r\n" +
		"X-Trailer: value\n" +
		"\r\n")
	msgs := parseAll(t, KindRequest, raw)
	require.Len(t, msgs, 1)
	require.False(t, msgs[0].ErrorIsSet())
	require.Equal(t, []string{"value"}, msgs[0].TrailerField("x-trailer"))
}

func TestChunkedBodyWithTrailer(t *testing.T) {
	raw := []byte("POST /upload HTTP/1.1\r\n" +
		"Host: h\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n" +
		"5\r\nhello\r\n" +
		"1\r\n \r\n" +
		"5\r\nworld\r\n" +
		"0\r\n" +
		"X-Checksum: abc123\r\n" +
		"\r\n")
	msgs := parseAll(t, KindRequest, raw)
	require.Len(t, msgs, 1)

	msg := msgs[0]
	require.Equal(t, TransportChunked, msg.Transport())
	require.Len(t, msg.Chunks(), 3)
	var got []byte
	for _, c := range msg.Chunks() {
		b, err := c.Body().Bytes()
		require.NoError(t, err)
		got = append(got, b...)
	}
	require.Equal(t, "hello world", string(got))
	require.Equal(t, []string{"abc123"}, msg.TrailerField("x-checksum"))
}

func TestCaseInsensitiveFieldLookup(t *testing.T) {
	raw := []byte("GET / HTTP/1.1\r\nContent-Type: text/plain\r\n\r\n")
	msgs := parseAll(t, KindRequest, raw)
	require.Len(t, msgs, 1)
	require.Equal(t, []string{"text/plain"}, msgs[0].Field("content-type"))
	require.Equal(t, []string{"text/plain"}, msgs[0].Field("CONTENT-TYPE"))
}

func TestDuplicateFieldsPreserveOrder(t *testing.T) {
	raw := []byte("GET / HTTP/1.1\r\nX-A: one\r\nX-A: two\r\n\r\n")
	msgs := parseAll(t, KindRequest, raw)
	require.Len(t, msgs, 1)
	require.Equal(t, []string{"one", "two"}, msgs[0].Field("x-a"))
}

func TestInvalidRequestLineIsIsolatedError(t *testing.T) {
	raw := []byte("BOGUS / HTTP/1.1\r\nHost: h\r\n\r\nGET /ok HTTP/1.1\r\nHost: h\r\nContent-Length: 0\r\n\r\n")
	msgs := parseAll(t, KindRequest, raw)
	require.NotEmpty(t, msgs)
	require.True(t, msgs[0].ErrorIsSet())
	// error isolation: a malformed message does not prevent later
	// well-formed ones on the same stream from being parsed.
	if len(msgs) > 1 {
		require.False(t, msgs[len(msgs)-1].ErrorIsSet())
	}
}

func TestSpilloverToDisk(t *testing.T) {
	p := NewParser(KindRequest)
	p.MemChunkLimit = 8

	body := bytes.Repeat([]byte("x"), 32)
	raw := []byte("POST /big HTTP/1.1\r\nHost: h\r\nContent-Length: 32\r\n\r\n")
	raw = append(raw, body...)

	require.NoError(t, p.ProcessBlock(raw))
	msgs := p.TakeMessages()
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].Body().IsOnDisk())
	got, err := msgs[0].Body().Bytes()
	require.NoError(t, err)
	require.Equal(t, body, got)
	require.NoError(t, msgs[0].Body().Close())
}

func TestRenderChunkedRoundTrip(t *testing.T) {
	msg := NewMessage(KindResponse)
	msg.SetStatus(200, "OK")
	msg.SetField("Content-Type", "text/plain")

	c1 := NewMessage(KindChunk)
	require.NoError(t, c1.Body().Append([]byte("hello ")))
	c2 := NewMessage(KindChunk)
	require.NoError(t, c2.Body().Append([]byte("world")))
	msg.AddChunk(c1)
	msg.AddChunk(c2)
	msg.AddTrailerField("X-Done", "yes")

	var out bytes.Buffer
	require.NoError(t, RenderHeader(&out, msg))
	for _, c := range msg.Chunks() {
		b, err := c.Body().Bytes()
		require.NoError(t, err)
		require.NoError(t, RenderChunk(&out, b))
	}
	require.NoError(t, RenderChunk(&out, nil))
	require.NoError(t, RenderTrailer(&out, msg))

	echo := parseAll(t, KindResponse, out.Bytes())
	require.Len(t, echo, 1)
	require.Equal(t, 200, echo[0].StatusCode())
	require.Equal(t, []string{"yes"}, echo[0].TrailerField("x-done"))
	var body []byte
	for _, c := range echo[0].Chunks() {
		b, _ := c.Body().Bytes()
		body = append(body, b...)
	}
	require.Equal(t, "hello world", string(body))
}

func TestListFieldMemberWithCommaRoundTrip(t *testing.T) {
	msg := NewMessage(KindRequest)
	msg.SetMethod(MethodGet)
	msg.SetTarget([]byte("/"))
	msg.AddField("Accept", "a")
	msg.AddField("Accept", "b,c")
	msg.AddField("Accept", "d")
	msg.SetBody(NewBlob())

	var out bytes.Buffer
	require.NoError(t, RenderHeader(&out, msg))
	require.Contains(t, out.String(), `ACCEPT: "b,c"`)

	echo := parseAll(t, KindRequest, out.Bytes())
	require.Len(t, echo, 1)
	require.Equal(t, []string{"a", "b,c", "d"}, echo[0].Field("accept"))
}

func TestTrailerHeaderNamesListSplit(t *testing.T) {
	raw := []byte("GET / HTTP/1.1\r\nHost: example.com\r\nTransfer-Encoding: chunked\r\nTrailer: X-A, X-B\r\n\r\n" +
		"0\r\nX-A: 1\r\nX-B: 2\r\n\r\n")
	msgs := parseAll(t, KindRequest, raw)
	require.Len(t, msgs, 1)
	require.Equal(t, []string{"X-A", "X-B"}, msgs[0].Field("trailer"))
}
