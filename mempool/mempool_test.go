// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mempool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemPoolMallocFree(t *testing.T) {
	pool := New(64, 1024*1024)
	for _, size := range []int{0, 1, 63, 64, 65, 4096, 2 * 1024 * 1024} {
		buf := pool.Malloc(size)
		require.Len(t, buf, size)
		pool.Free(buf)
	}
}

func TestMemPoolRealloc(t *testing.T) {
	pool := New(64, 1024)
	buf := pool.Malloc(32)
	buf = pool.Realloc(buf, 128)
	require.Len(t, buf, 128)
	buf = pool.Realloc(buf, 2048)
	require.Len(t, buf, 2048)
}

func TestPackageLevelHelpers(t *testing.T) {
	Init(64, 1024)
	buf := Malloc(100)
	require.Len(t, buf, 100)
	buf = Append(buf, 'a', 'b')
	require.Equal(t, byte('a'), buf[len(buf)-2])
	Free(buf)
}
