// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package server

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowhttp/h1/params"
	"github.com/flowhttp/h1/session"
	"github.com/flowhttp/h1/wire"
)

func TestServerLifecycleAndEcho(t *testing.T) {
	srv := New(params.NewSet(), func(sess *session.Session, req, resp *wire.Message) {
		resp.SetStatus(200, "OK")
		body := wire.NewBlob()
		require.NoError(t, body.Append([]byte("hello")))
		resp.SetBody(body)
	})
	srv.SetAddress("127.0.0.1")
	srv.SetPort(0)

	require.NoError(t, srv.Start())
	defer srv.Stop()
	require.True(t, srv.IsRunning())
	require.Equal(t, NoError, srv.GetErrorCode())
	require.NotZero(t, srv.GetPort())

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.GetPort())))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: h\r\nContent-Length: 0\r\n\r\n"))
	require.NoError(t, err)

	buf := make([]byte, 512)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(buf)
	require.True(t, err == nil || err == io.EOF)
	require.Contains(t, string(buf[:n]), "200")
	require.Contains(t, string(buf[:n]), "hello")
}

func TestServerAlreadyRunning(t *testing.T) {
	srv := New(params.NewSet(), nil)
	srv.SetAddress("127.0.0.1")
	require.NoError(t, srv.Start())
	defer srv.Stop()

	err := srv.Start()
	require.Error(t, err)
	require.Equal(t, ServerAlreadyRunning, srv.GetErrorCode())

	srv.ClearError()
	require.Equal(t, NoError, srv.GetErrorCode())
}

