// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package h1

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowhttp/h1/params"
	"github.com/flowhttp/h1/registry"
	"github.com/flowhttp/h1/session"
	"github.com/flowhttp/h1/wire"
)

// TestServeServerAndClientRoundTrip drives one request/response over a
// real TCP loopback connection through both dispatch loops, exercising
// Accept, the worker pool, and session correlation together.
func TestServeServerAndClientRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	src := params.NewSet()
	serverEngine := NewEngine(2)
	serverEngine.IdleSleep = time.Millisecond

	go serverEngine.ServeServer(ln, src, func(sess *session.Session, ex session.Exchange) {
		ex.Response.SetStatus(200, "OK")
		body := wire.NewBlob()
		require.NoError(t, body.Append([]byte("pong")))
		ex.Response.SetBody(body)
	})
	defer serverEngine.Stop()

	addr := ln.Addr().(*net.TCPAddr)

	reg := registry.New()
	clientEngine := NewEngine(2)
	clientEngine.IdleSleep = time.Millisecond
	go clientEngine.ServeClient(reg, src, func(domain, port string) (net.Conn, error) {
		return net.Dial("tcp", net.JoinHostPort(domain, port))
	}, nil)
	defer clientEngine.Stop()

	req := wire.NewMessage(wire.KindRequest)
	req.SetMethod(wire.MethodGet)
	req.SetTarget([]byte("/ping"))
	req.SetField("Host", addr.String())
	req.SetBody(wire.NewBlob())

	resp := wire.NewMessage(wire.KindResponse)
	reg.Enqueue(addr.IP.String(), strconv.Itoa(addr.Port), req, resp)

	select {
	case <-resp.ReadySignal().Chan():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response")
	}

	require.False(t, resp.ErrorIsSet())
	require.Equal(t, 200, resp.StatusCode())
	body, err := resp.Body().Bytes()
	require.NoError(t, err)
	require.Equal(t, "pong", string(body))
}

