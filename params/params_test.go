// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package params

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupFallsBackToDefault(t *testing.T) {
	v, err := Lookup(NewSet(), MaxBufferSize)
	require.NoError(t, err)
	require.EqualValues(t, 4096, v)
}

func TestLookupUnknownKey(t *testing.T) {
	_, err := Lookup(NewSet(), "NOT-A-REAL-PARAM")
	require.ErrorIs(t, err, ErrParameterNotFound)
}

func TestOverrideChain(t *testing.T) {
	role := NewSet()
	role.SetParam(MemChunkSizeLimit, 10)

	session := Override(role)
	v, err := Lookup(session, MemChunkSizeLimit)
	require.NoError(t, err)
	require.EqualValues(t, 10, v)

	session.SetParam(MemChunkSizeLimit, 5)
	v, err = Lookup(session, MemChunkSizeLimit)
	require.NoError(t, err)
	require.EqualValues(t, 5, v)
}

func TestSnapshot(t *testing.T) {
	snap := Snapshot(NewSet())
	require.EqualValues(t, 4096, snap[MaxBufferSize])
	require.EqualValues(t, 1<<20, snap[MemChunkSizeLimit])
}
