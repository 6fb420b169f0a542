// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package server is a thin lifecycle facade over the dispatch loop
// (package h1) and an already-bound TCP listener. It owns no protocol
// logic of its own — that lives in wire/session/h1 — and exists only
// to expose address/port/start/stop/error-reporting, mirroring a
// Server type as a thin wrapper over its Engine.
package server

import (
	"errors"
	"net"
	"strconv"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/google/uuid"

	"github.com/flowhttp/h1"
	"github.com/flowhttp/h1/h1id"
	"github.com/flowhttp/h1/logging"
	"github.com/flowhttp/h1/params"
	"github.com/flowhttp/h1/session"
	"github.com/flowhttp/h1/wire"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrorCode is the role-level error taxonomy: NO_ERROR,
// SERVER_ALREADY_RUNNING, START_FAILED.
type ErrorCode int

const (
	NoError ErrorCode = iota
	ServerAlreadyRunning
	StartFailed
)

func (c ErrorCode) String() string {
	switch c {
	case NoError:
		return "NO_ERROR"
	case ServerAlreadyRunning:
		return "SERVER_ALREADY_RUNNING"
	case StartFailed:
		return "START_FAILED"
	default:
		return "UNKNOWN_ERROR"
	}
}

// Handler is invoked with every request a session has finished
// parsing, so the caller can populate resp and let the session render
// it. resp is already enqueued on sess's pipeline before Handler runs.
type Handler func(sess *session.Session, req, resp *wire.Message)

// Server is a bindable, startable/stoppable HTTP/1.1 listener.
type Server struct {
	mu sync.Mutex

	address string
	port    string

	ln net.Listener

	engine *h1.Engine
	params params.Source

	running bool
	errCode ErrorCode
	errMsg  string

	handler Handler

	diagID uuid.UUID

	// Workers sizes the dispatch loop's worker pool; <= 0 selects
	// h1.NewEngine's default.
	Workers int

	// OnAcceptError, if set, forwards the dispatch loop's non-fatal
	// Accept failures.
	OnAcceptError func(error)

	// OnClose, if set, is invoked once when a session that has
	// delivered at least one request finishes; a session that closes
	// before its first request is not reported.
	OnClose func(*session.Session, error)
}

// New constructs a Server bound to no address yet; set_address/
// set_port must be called (or left at their zero-value "any
// interface"/"0 = OS-assigned port" defaults) before start().
func New(src params.Source, handler Handler) *Server {
	return &Server{params: src, handler: handler, diagID: h1id.New(), port: "0"}
}

// DiagID returns this Server's role-level diagnostic correlator,
// independent of any per-session UUID.
func (srv *Server) DiagID() uuid.UUID { return srv.diagID }

// SetAddress sets the bind address used by the next start() call.
func (srv *Server) SetAddress(ip string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.address = ip
}

// SetPort sets the bind port used by the next start() call.
func (srv *Server) SetPort(p int) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.port = strconv.Itoa(p)
}

// GetAddress returns the configured bind address.
func (srv *Server) GetAddress() string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.address
}

// GetPort returns the listener's bound port while the server is
// running (the OS-assigned one if set_port was 0), else the port
// set_port configured.
func (srv *Server) GetPort() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.ln != nil {
		if tcpAddr, ok := srv.ln.Addr().(*net.TCPAddr); ok {
			return tcpAddr.Port
		}
	}
	p, _ := strconv.Atoi(srv.port)
	return p
}

// GetSocketHandle returns the underlying listener, or nil if the
// server is not running.
func (srv *Server) GetSocketHandle() net.Listener {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.ln
}

// IsRunning reports whether start() has succeeded and stop() has not
// yet been called.
func (srv *Server) IsRunning() bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.running
}

// ClearError resets the role-level error state to NO_ERROR, the
// documented recovery path once the underlying condition has been
// resolved.
func (srv *Server) ClearError() {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.errCode = NoError
	srv.errMsg = ""
}

func (srv *Server) GetErrorCode() ErrorCode {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.errCode
}

func (srv *Server) GetErrorMessage() string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.errMsg
}

func (srv *Server) setErrorLocked(code ErrorCode, msg string) {
	srv.errCode = code
	srv.errMsg = msg
}

// Start binds and listens on the configured address/port and launches
// the dispatch loop.
func (srv *Server) Start() error {
	srv.mu.Lock()
	if srv.running {
		srv.setErrorLocked(ServerAlreadyRunning, "server already running")
		err := errors.New(srv.errMsg)
		srv.mu.Unlock()
		return err
	}

	addr := net.JoinHostPort(srv.address, srv.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		srv.setErrorLocked(StartFailed, err.Error())
		srv.mu.Unlock()
		return err
	}

	srv.ln = ln
	srv.running = true
	srv.errCode = NoError
	srv.errMsg = ""
	srv.engine = h1.NewEngine(srv.Workers)
	srv.engine.OnAcceptError = srv.OnAcceptError
	engine := srv.engine
	handler := srv.handler
	onClose := srv.OnClose
	paramSrc := srv.params
	srv.mu.Unlock()

	if b, err := jsonAPI.Marshal(params.Snapshot(paramSrc)); err == nil {
		logging.Debug("server %s: starting on %s with params %s", srv.diagID, addr, string(b))
	}

	go engine.ServeServer(ln, paramSrc, func(sess *session.Session, ex session.Exchange) {
		sess.OnClose = onClose
		if handler != nil {
			handler(sess, ex.Request, ex.Response)
		}
	})

	return nil
}

// Stop terminates the dispatch loop and closes the listener.
func (srv *Server) Stop() {
	srv.mu.Lock()
	engine := srv.engine
	ln := srv.ln
	srv.ln = nil
	srv.running = false
	srv.mu.Unlock()

	if engine != nil {
		engine.Stop()
	}
	if ln != nil {
		ln.Close()
	}
}
