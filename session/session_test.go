// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowhttp/h1/params"
	"github.com/flowhttp/h1/wire"
)

func TestClientServerRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	src := params.NewSet()
	serverSess := New(RoleServer, serverConn, src)
	clientSess := New(RoleClient, clientConn, src)

	req := wire.NewMessage(wire.KindRequest)
	req.SetMethod(wire.MethodGet)
	req.SetTarget([]byte("/hello"))
	req.SetField("Host", "example.com")
	req.SetBody(wire.NewBlob())

	resp := wire.NewMessage(wire.KindResponse)
	clientSess.Enqueue(req, resp)

	writeDone := make(chan struct{})
	go func() {
		clientSess.Write()
		close(writeDone)
	}()

	serverSess.Read()
	<-writeDone

	ex := serverSess.PendingRequests()
	require.Len(t, ex, 1)
	require.Equal(t, wire.MethodGet, ex[0].Request.Method())
	require.Equal(t, "/hello", string(ex[0].Request.Target()))
	require.Equal(t, []string{"example.com"}, ex[0].Request.Field("host"))

	// A second call must not redeliver the same request.
	require.Empty(t, serverSess.PendingRequests())

	ex[0].Response.SetStatus(200, "OK")
	ex[0].Response.SetField("Content-Type", "text/plain")
	ex[0].Response.SetBody(bodyOf(t, "hi there"))

	respWriteDone := make(chan struct{})
	go func() {
		serverSess.Write()
		close(respWriteDone)
	}()

	clientSess.Read()
	<-respWriteDone

	require.True(t, resp.ParsingIsFinished())
	require.Equal(t, 200, resp.StatusCode())
	got, err := resp.Body().Bytes()
	require.NoError(t, err)
	require.Equal(t, "hi there", string(got))
}

func bodyOf(t *testing.T, s string) *wire.Blob {
	t.Helper()
	b := wire.NewBlob()
	require.NoError(t, b.Append([]byte(s)))
	return b
}

func TestPendingRequestsDeliveredExactlyOnce(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	src := params.NewSet()
	serverSess := New(RoleServer, serverConn, src)
	clientSess := New(RoleClient, clientConn, src)

	req := wire.NewMessage(wire.KindRequest)
	req.SetMethod(wire.MethodGet)
	req.SetTarget([]byte("/"))
	req.SetBody(wire.NewBlob())
	resp := wire.NewMessage(wire.KindResponse)
	clientSess.Enqueue(req, resp)

	writeDone := make(chan struct{})
	go func() {
		clientSess.Write()
		close(writeDone)
	}()
	serverSess.Read()
	<-writeDone

	first := serverSess.PendingRequests()
	require.Len(t, first, 1)
	second := serverSess.PendingRequests()
	require.Empty(t, second)
}
