// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package params implements a hierarchical parameter lookup:
// MAXBUFFERSIZE and MEMCHUNKSIZELIMIT resolve session -> owning role ->
// built-in default, with an absent key yielding ErrParameterNotFound.
// A Session holds a Source capability rather than a raw back-pointer to
// its owning Server/Client, so the session package does not import
// server/client.
package params

import "errors"

// ErrParameterNotFound is returned when a key is absent at every level
// of the lookup chain, including the built-in defaults.
var ErrParameterNotFound = errors.New("params: parameter not found")

const (
	MaxBufferSize     = "MAXBUFFERSIZE"
	MemChunkSizeLimit = "MEMCHUNKSIZELIMIT"
)

var defaults = map[string]int64{
	MaxBufferSize:     4096,
	MemChunkSizeLimit: 1 << 20,
}

// Source is the capability a Session is handed at construction so it
// can resolve parameters without depending on the concrete Server or
// Client type that owns it.
type Source interface {
	Param(key string) (int64, bool)
}

// Set is a flat, in-process parameter table implementing Source. A
// role (server or client) owns one Set; a session-local override, when
// needed, is expressed as a child Set via Override.
type Set struct {
	values map[string]int64
	parent Source
}

// NewSet returns a Set with no local overrides, falling back to the
// package defaults.
func NewSet() *Set {
	return &Set{values: map[string]int64{}}
}

// Override returns a new Set that checks its own values before falling
// back to parent — used to build the session -> role -> default chain.
func Override(parent Source) *Set {
	return &Set{values: map[string]int64{}, parent: parent}
}

// SetParam installs a local override.
func (s *Set) SetParam(key string, value int64) {
	s.values[key] = value
}

// Param implements Source: local value, else parent, else built-in
// default, else ErrParameterNotFound (reported via the ok return).
func (s *Set) Param(key string) (int64, bool) {
	if v, ok := s.values[key]; ok {
		return v, true
	}
	if s.parent != nil {
		if v, ok := s.parent.Param(key); ok {
			return v, true
		}
	}
	if v, ok := defaults[key]; ok {
		return v, true
	}
	return 0, false
}

// Lookup resolves key against src, returning ErrParameterNotFound if
// unset anywhere in the chain.
func Lookup(src Source, key string) (int64, error) {
	if src == nil {
		if v, ok := defaults[key]; ok {
			return v, nil
		}
		return 0, ErrParameterNotFound
	}
	v, ok := src.Param(key)
	if !ok {
		return 0, ErrParameterNotFound
	}
	return v, nil
}

// Snapshot is a diagnostic dump of every closed-set parameter as
// currently resolved through src, for server/client diagnostic logging.
func Snapshot(src Source) map[string]int64 {
	out := make(map[string]int64, len(defaults))
	for key := range defaults {
		if v, err := Lookup(src, key); err == nil {
			out[key] = v
		}
	}
	return out
}
