package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunsJobRepeatedly(t *testing.T) {
	s := New(nil)
	var runs atomic.Int32
	s.Add("count", 20*time.Millisecond, func(context.Context) { runs.Add(1) })

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_SkipsAfterContextDone(t *testing.T) {
	s := New(nil)
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Add("never", 10*time.Millisecond, func(context.Context) { runs.Add(1) })

	require.NoError(t, s.Start(ctx))
	time.Sleep(50 * time.Millisecond)
	s.Stop()
	assert.Zero(t, runs.Load())
}

func TestScheduler_RejectsNonPositiveInterval(t *testing.T) {
	s := New(nil)
	s.Add("bad", 0, func(context.Context) {})
	assert.Error(t, s.Start(context.Background()))
}
