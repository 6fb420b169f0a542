// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package registry

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowhttp/h1/params"
	"github.com/flowhttp/h1/session"
	"github.com/flowhttp/h1/wire"
)

func TestEnqueueAndNeedsConnect(t *testing.T) {
	r := New()
	require.False(t, r.NeedsConnect("example.com:80"))

	req := wire.NewMessage(wire.KindRequest)
	resp := wire.NewMessage(wire.KindResponse)
	r.Enqueue("example.com", "80", req, resp)

	require.True(t, r.NeedsConnect("example.com:80"))
	require.Contains(t, r.Buckets(), "example.com:80")
}

func TestAddSessionAssignsQueuedWork(t *testing.T) {
	r := New()
	req := wire.NewMessage(wire.KindRequest)
	resp := wire.NewMessage(wire.KindResponse)
	r.Enqueue("example.com", "80", req, resp)

	clientConn, _ := net.Pipe()
	defer clientConn.Close()
	sess := session.New(session.RoleClient, clientConn, params.NewSet())

	gotReq, gotResp, ok := r.AddSession("example.com:80", sess)
	require.True(t, ok)
	require.Same(t, req, gotReq)
	require.Same(t, resp, gotResp)

	// Concurrency cap: a second bucket connect is not needed once one
	// session occupies the (domain, port) slot and no more work is
	// queued.
	require.False(t, r.NeedsConnect("example.com:80"))
	require.Equal(t, []*session.Session{sess}, r.Sessions())
}

func TestMaxSessionsPerHostCap(t *testing.T) {
	r := New()
	for i := 0; i < 3; i++ {
		req := wire.NewMessage(wire.KindRequest)
		resp := wire.NewMessage(wire.KindResponse)
		r.Enqueue("h", "80", req, resp)
	}

	clientConn, _ := net.Pipe()
	defer clientConn.Close()
	sess := session.New(session.RoleClient, clientConn, params.NewSet())
	_, _, ok := r.AddSession("h:80", sess)
	require.True(t, ok)

	// One session now occupies the cap (MaxSessionsPerHost == 1); the
	// dispatch loop must not open a second connection even though two
	// requests remain queued — pipelining happens over the one session.
	require.False(t, r.NeedsConnect("h:80"))

	s, req, resp, ok := r.Assign("h:80")
	require.True(t, ok)
	require.Same(t, sess, s)
	require.NotNil(t, req)
	require.NotNil(t, resp)
}

func TestPrune(t *testing.T) {
	r := New()
	req := wire.NewMessage(wire.KindRequest)
	resp := wire.NewMessage(wire.KindResponse)
	r.Enqueue("h", "80", req, resp)

	clientConn, _ := net.Pipe()
	sess := session.New(session.RoleClient, clientConn, params.NewSet())
	r.AddSession("h:80", sess)
	require.Len(t, r.Sessions(), 1)

	sess.Close(nil)
	r.Prune()
	require.Empty(t, r.Sessions())
}
