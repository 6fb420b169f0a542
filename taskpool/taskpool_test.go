// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package taskpool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFastPoolGo(t *testing.T) {
	p := NewFastPool(4)
	defer p.Stop()

	var wg sync.WaitGroup
	var mu sync.Mutex
	sum := 0
	const n = 256
	wg.Add(n)
	for i := 0; i < n; i++ {
		p.Go(func() {
			mu.Lock()
			sum++
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	require.Equal(t, n, sum)
}

func TestFastPoolRecoversPanic(t *testing.T) {
	p := NewFastPool(2)
	defer p.Stop()

	var wg sync.WaitGroup
	wg.Add(2)
	p.Go(func() {
		defer wg.Done()
		panic("boom")
	})
	p.Go(func() {
		defer wg.Done()
	})
	wg.Wait()
}

func BenchmarkFastPoolGo(b *testing.B) {
	p := NewFastPool(32)
	defer p.Stop()

	b.ReportAllocs()
	b.ResetTimer()

	const testLoopNum = 1024
	for i := 0; i < b.N; i++ {
		var wg sync.WaitGroup
		wg.Add(testLoopNum)
		for j := 0; j < testLoopNum; j++ {
			p.Go(func() {
				time.Sleep(time.Nanosecond * 10)
				wg.Done()
			})
		}
		wg.Wait()
	}
}
