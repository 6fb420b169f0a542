// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package h1id generates diagnostic correlators: UUIDs attached to
// sessions and roles (Server/Client) purely for grepping one
// connection's or one role's lifecycle out of interleaved concurrent
// log output. These are distinct from the
// wire-level numeric Message.id sequence counters used for request
// correlation — h1id never touches the wire.
package h1id

import "github.com/google/uuid"

// New returns a fresh random correlator.
func New() uuid.UUID {
	return uuid.New()
}

// String is a convenience for log formatting call sites that only ever
// need the textual form.
func String() string {
	return New().String()
}
