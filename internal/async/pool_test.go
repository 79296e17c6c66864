package async

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/logging"
)

func TestPoolRunsSubmittedJobs(t *testing.T) {
	p := NewPool("test", 2, 16, logging.Nop())
	defer p.Close()

	var ran atomic.Int64
	for i := 0; i < 10; i++ {
		require.True(t, p.Submit(func() { ran.Add(1) }))
	}

	assert.Eventually(t, func() bool {
		return ran.Load() == 10
	}, time.Second, 5*time.Millisecond)
}

func TestPoolDropsWhenSaturated(t *testing.T) {
	p := NewPool("test", 1, 1, logging.Nop())
	defer p.Close()

	block := make(chan struct{})
	// Occupy the worker, then fill the single queue slot.
	require.True(t, p.Submit(func() { <-block }))
	for !p.Submit(func() { <-block }) {
		// The worker may not have picked up the first job yet.
	}

	dropped := false
	for i := 0; i < 100; i++ {
		if !p.Submit(func() {}) {
			dropped = true
			break
		}
	}
	close(block)
	assert.True(t, dropped)
	assert.Positive(t, p.Dropped())
}

func TestPoolRecoverFromPanic(t *testing.T) {
	p := NewPool("test", 1, 4, logging.Nop())
	defer p.Close()

	var ran atomic.Bool
	require.True(t, p.Submit(func() { panic("boom") }))
	require.True(t, p.Submit(func() { ran.Store(true) }))

	assert.Eventually(t, func() bool { return ran.Load() }, time.Second, 5*time.Millisecond)
}

func TestPoolCloseRejectsNewWork(t *testing.T) {
	p := NewPool("test", 1, 4, logging.Nop())
	p.Close()
	assert.False(t, p.Submit(func() {}))

	// Idempotent.
	p.Close()
}
