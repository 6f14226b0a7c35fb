package controller

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCancellingSourceCancelsChildren(t *testing.T) {
	root := NewSource(context.Background())
	a := root.Child()
	b := a.Child()

	assert.False(t, b.Token().IsCancelled())
	root.Cancel()

	assert.True(t, a.Token().IsCancelled())
	assert.True(t, b.Token().IsCancelled())
	select {
	case <-b.Token().Done():
	default:
		t.Fatal("token is not done")
	}
}

func TestCancellingChildLeavesParent(t *testing.T) {
	root := NewSource(context.Background())
	child := root.Child()

	child.Cancel()

	assert.True(t, child.Token().IsCancelled())
	assert.False(t, root.Token().IsCancelled())
}

func TestZeroTokenIsNeverCancelled(t *testing.T) {
	var token Token
	assert.False(t, token.IsCancelled())
	assert.NotNil(t, token.Context())
}

func TestOutcomeKinds(t *testing.T) {
	assert.Equal(t, OutcomeSplit, Split("7").Kind)
	assert.Equal(t, "7", Split("7").ContinuationToken)
	assert.Equal(t, "cancelled", Cancelled().Kind.String())
	assert.Equal(t, "error", Failed(context.Canceled).Kind.String())
	assert.Equal(t, "success", Success().Kind.String())
}

func TestBoundedExecutorLimitsConcurrency(t *testing.T) {
	e := NewBoundedExecutor(2)
	var running, peak atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		e.Execute(func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		})
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Greater(t, peak.Load(), int32(0))
}
