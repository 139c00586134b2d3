package handoff

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_NoConsumerNoPermit(t *testing.T) {
	p := New[int]()
	assert.False(t, p.AcquireProvidePermit())

	done := make(chan bool)
	go func() { done <- p.Provide(1) }()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("provide blocked without a waiting consumer")
	}
}

func TestProvider_OneCycle(t *testing.T) {
	p := New[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provided := make(chan bool, 1)
	go func() {
		if !assert.NoError(t, p.AwaitProvidePermit(ctx)) {
			provided <- false
			return
		}
		defer p.ReleaseProvidePermit()
		provided <- p.Provide("batch")
	}()

	res, err := p.WaitForResource(ctx)
	require.NoError(t, err)
	assert.Equal(t, "batch", res.Value)

	// 关闭之前生产者一直阻塞
	select {
	case <-provided:
		t.Fatal("provider returned before the resource was closed")
	case <-time.After(50 * time.Millisecond):
	}
	res.Close()
	res.Close()
	assert.True(t, <-provided)
}

func TestProvider_PermitIsExclusive(t *testing.T) {
	p := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _, _ = p.WaitForResource(ctx) }()
	require.Eventually(t, p.IsWaiting, time.Second, time.Millisecond)

	assert.True(t, p.AcquireProvidePermit())
	assert.False(t, p.AcquireProvidePermit())
	p.ReleaseProvidePermit()
	assert.True(t, p.AcquireProvidePermit())
	p.ReleaseProvidePermit()
}

func TestProvider_InterruptedConsumerReleasesProvider(t *testing.T) {
	for i := 0; i < 200; i++ {
		p := New[int]()
		ctx, cancel := context.WithCancel(context.Background())

		waitErr := make(chan error, 1)
		go func() {
			res, err := p.WaitForResource(ctx)
			if res != nil {
				res.Close()
			}
			waitErr <- err
		}()
		require.Eventually(t, p.IsWaiting, time.Second, time.Millisecond)
		require.True(t, p.AcquireProvidePermit())

		// 打断与交付同时发生
		provided := make(chan struct{})
		go func() {
			defer close(provided)
			defer p.ReleaseProvidePermit()
			p.Provide(i)
		}()
		cancel()

		select {
		case <-provided:
		case <-time.After(2 * time.Second):
			t.Fatalf("iteration %d: provider blocked after consumer interruption", i)
		}
		<-waitErr
	}
}

func TestProvider_ManyProducersOneConsumer(t *testing.T) {
	p := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const producers, each = 4, 50
	var wg sync.WaitGroup
	for w := 0; w < producers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; {
				if err := p.AwaitProvidePermit(ctx); err != nil {
					return
				}
				if p.Provide(w*each + i) {
					i++
				}
				p.ReleaseProvidePermit()
			}
		}(w)
	}

	seen := make(map[int]bool)
	for len(seen) < producers*each {
		res, err := p.WaitForResource(ctx)
		require.NoError(t, err)
		assert.False(t, seen[res.Value], "duplicate %d", res.Value)
		seen[res.Value] = true
		res.Close()
	}
	wg.Wait()
}
