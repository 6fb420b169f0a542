// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package client

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowhttp/h1/params"
	"github.com/flowhttp/h1/wire"
)

// TestSendRequestAgainstFakeServer drives a request through the
// Client facade against a bare TCP listener that hand-writes a
// minimal HTTP/1.1 response, exercising SendRequest end to end without
// depending on the server facade.
func TestSendRequestAgainstFakeServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		io.ReadAtLeast(conn, buf, 1)
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	}()

	c := New(params.NewSet())
	defer c.Stop()

	addr := ln.Addr().(*net.TCPAddr)
	req := wire.NewMessage(wire.KindRequest)
	req.SetMethod(wire.MethodGet)
	req.SetTarget([]byte("/"))
	req.SetDomain(addr.IP.String())
	req.SetPort(strconv.Itoa(addr.Port))
	req.SetBody(wire.NewBlob())

	resp := c.SendRequest(req)

	select {
	case <-resp.ReadySignal().Chan():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response")
	}

	require.Equal(t, 200, resp.StatusCode())
	body, err := resp.Body().Bytes()
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))
}

