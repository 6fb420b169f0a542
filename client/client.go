// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package client is a thin lifecycle facade over the dispatch loop
// (package h1) and the client connection registry (package registry).
// It owns no protocol logic of its own — that lives in
// wire/session/h1/registry — mirroring nbio's own Dialer-over-Engine
// conventions.
package client

import (
	"net"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/google/uuid"

	"github.com/flowhttp/h1"
	"github.com/flowhttp/h1/h1id"
	"github.com/flowhttp/h1/logging"
	"github.com/flowhttp/h1/params"
	"github.com/flowhttp/h1/registry"
	"github.com/flowhttp/h1/session"
	"github.com/flowhttp/h1/wire"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// DialTimeout bounds how long a bucket's connect attempt may block the
// dispatch loop before giving up.
const DialTimeout = 10 * time.Second

// Client sends requests against per-(domain,port) sessions managed by
// a connection registry and dispatch loop, started lazily on first use.
type Client struct {
	mu sync.Mutex

	reg    *registry.Registry
	engine *h1.Engine
	params params.Source

	started bool
	diagID  uuid.UUID

	// Workers sizes the dispatch loop's worker pool; <= 0 selects
	// h1.NewEngine's default.
	Workers int

	// OnClose, if set, is invoked once per session when it finishes.
	OnClose func(error)
}

// New constructs a Client with its own connection registry. src
// resolves MAXBUFFERSIZE/MEMCHUNKSIZELIMIT for every session the
// client opens.
func New(src params.Source) *Client {
	return &Client{
		reg:    registry.New(),
		params: src,
		diagID: h1id.New(),
	}
}

// DiagID returns this Client's role-level diagnostic correlator.
func (c *Client) DiagID() uuid.UUID { return c.diagID }

// Snapshot forwards to params.Snapshot for the client's parameter
// source.
func (c *Client) Snapshot() map[string]int64 {
	return params.Snapshot(c.params)
}

func (c *Client) ensureStartedLocked() {
	if c.started {
		return
	}
	c.started = true
	c.engine = h1.NewEngine(c.Workers)

	if b, err := jsonAPI.Marshal(params.Snapshot(c.params)); err == nil {
		logging.Debug("client %s: starting with params %s", c.diagID, string(b))
	}

	onClose := c.OnClose
	go c.engine.ServeClient(c.reg, c.params, dialTCP, func(sess *session.Session) {
		if onClose != nil {
			sess.OnClose = func(_ *session.Session, err error) { onClose(err) }
		}
	})
}

func dialTCP(domain, port string) (net.Conn, error) {
	return net.DialTimeout("tcp", net.JoinHostPort(domain, port), DialTimeout)
}

// SendRequest enqueues req against its Domain()/Port() bucket and
// returns a fresh response Message whose ready signal fires once the
// response has been fully received or a parse error has been recorded
// on it. If the session carrying it closes first, the signal fires
// with ParsingIsFinished still false; no error is recorded on the
// Message in that case. It lazily starts the dispatch loop on first
// use.
func (c *Client) SendRequest(req *wire.Message) *wire.Message {
	c.mu.Lock()
	c.ensureStartedLocked()
	c.mu.Unlock()

	resp := wire.NewMessage(wire.KindResponse)
	c.reg.Enqueue(req.Domain(), req.Port(), req, resp)
	return resp
}

// Stop terminates the dispatch thread.
func (c *Client) Stop() {
	c.mu.Lock()
	engine := c.engine
	started := c.started
	c.started = false
	c.mu.Unlock()

	if started && engine != nil {
		engine.Stop()
	}
}
