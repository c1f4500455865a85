package flight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestDoCollapsesConcurrentCallers(t *testing.T) {
	g := New[string](time.Minute, nil)

	var runs atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})
	work := func() (string, error) {
		if runs.Add(1) == 1 {
			close(started)
		}
		<-release
		return "answer", nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	sharedCount := atomic.Int32{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		v, shared, err := g.Do(context.Background(), "chat-1", work)
		assert.NoError(t, err)
		assert.False(t, shared)
		results[0] = v
	}()
	<-started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, shared, err := g.Do(context.Background(), "chat-1", work)
			assert.NoError(t, err)
			if shared {
				sharedCount.Add(1)
			}
			results[i] = v
		}(i)
	}

	require.Eventually(t, func() bool { return g.Waiters("chat-1") == callers-1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, int32(callers-1), sharedCount.Load())
	for _, r := range results {
		assert.Equal(t, "answer", r)
	}
	assert.Equal(t, 0, g.Pending())
}

func TestDoSharesFailureAndFreesSlot(t *testing.T) {
	g := New[int](time.Minute, nil)
	boom := errors.New("element never appeared")
	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, errs[0] = g.Do(context.Background(), "k", func() (int, error) {
			close(started)
			<-release
			return 0, boom
		})
	}()
	<-started
	for i := 1; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = g.Do(context.Background(), "k", func() (int, error) {
				t.Error("duplicate caller must not run work")
				return 0, nil
			})
		}(i)
	}
	require.Eventually(t, func() bool { return g.Waiters("k") == 2 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}

	v, shared, err := g.Do(context.Background(), "k", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.False(t, shared)
	assert.Equal(t, 7, v)
}

func TestDistinctKeysDoNotBlock(t *testing.T) {
	g := New[string](time.Minute, nil)
	block := make(chan struct{})
	defer close(block)

	go func() {
		_, _, _ = g.Do(context.Background(), "slow", func() (string, error) {
			<-block
			return "slow", nil
		})
	}()
	require.Eventually(t, func() bool { return g.Pending() == 1 }, time.Second, time.Millisecond)

	done := make(chan string, 1)
	go func() {
		v, _, _ := g.Do(context.Background(), "fast", func() (string, error) { return "fast", nil })
		done <- v
	}()

	select {
	case v := <-done:
		assert.Equal(t, "fast", v)
	case <-time.After(time.Second):
		t.Fatal("distinct key was serialized behind another execution")
	}
}

func TestCancelledCallerLeavesRunIntact(t *testing.T) {
	g := New[string](time.Minute, nil)
	release := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, _, err := g.Do(ctx, "k", func() (string, error) {
			<-release
			return "finished", nil
		})
		leaderDone <- err
	}()
	require.Eventually(t, func() bool { return g.Pending() == 1 }, time.Second, time.Millisecond)

	follower := make(chan string, 1)
	go func() {
		v, _, _ := g.Do(context.Background(), "k", func() (string, error) { return "duplicate", nil })
		follower <- v
	}()
	require.Eventually(t, func() bool { return g.Waiters("k") == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-leaderDone, context.Canceled)

	close(release)
	assert.Equal(t, "finished", <-follower)
}

func TestPanicBecomesSharedError(t *testing.T) {
	g := New[string](time.Minute, nil)
	_, _, err := g.Do(context.Background(), "k", func() (string, error) {
		panic("selector exploded")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "selector exploded")
	assert.Equal(t, 0, g.Pending())
}

func TestSweepPrunesStaleEntries(t *testing.T) {
	g := New[string](5*time.Minute, nil)
	base := time.Now()
	g.now = func() time.Time { return base }

	pruned := 0
	g.OnPrune = func(n int) { pruned += n }

	hung := make(chan struct{})
	defer close(hung)
	firstResult := make(chan string, 1)
	go func() {
		v, _, _ := g.Do(context.Background(), "k", func() (string, error) {
			<-hung
			return "late", nil
		})
		firstResult <- v
	}()
	require.Eventually(t, func() bool { return g.Pending() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 0, g.Sweep(base.Add(4*time.Minute)))
	assert.Equal(t, 1, g.Sweep(base.Add(6*time.Minute)))
	assert.Equal(t, 1, pruned)
	assert.Equal(t, 0, g.Pending())

	// A brand-new execution for the same key is no longer blocked.
	v, shared, err := g.Do(context.Background(), "k", func() (string, error) { return "fresh", nil })
	require.NoError(t, err)
	assert.False(t, shared)
	assert.Equal(t, "fresh", v)
}

func TestPrunedRunDoesNotEvictReplacement(t *testing.T) {
	g := New[string](time.Minute, nil)
	base := time.Now()
	g.now = func() time.Time { return base }

	releaseOld := make(chan struct{})
	oldDone := make(chan string, 1)
	go func() {
		v, _, _ := g.Do(context.Background(), "k", func() (string, error) {
			<-releaseOld
			return "old", nil
		})
		oldDone <- v
	}()
	require.Eventually(t, func() bool { return g.Pending() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 1, g.Sweep(base.Add(2*time.Minute)))

	releaseNew := make(chan struct{})
	newDone := make(chan string, 1)
	go func() {
		v, _, _ := g.Do(context.Background(), "k", func() (string, error) {
			<-releaseNew
			return "new", nil
		})
		newDone <- v
	}()
	require.Eventually(t, func() bool { return g.Pending() == 1 }, time.Second, time.Millisecond)

	close(releaseOld)
	assert.Equal(t, "old", <-oldDone)
	assert.Equal(t, 1, g.Pending(), "completion of the pruned run must not remove its replacement")

	close(releaseNew)
	assert.Equal(t, "new", <-newDone)
	assert.Equal(t, 0, g.Pending())
}

func TestStartStopDoesNotLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	g := New[string](10*time.Millisecond, nil)
	var changes atomic.Int32
	g.OnChange = func(int) { changes.Add(1) }

	hung := make(chan struct{})
	go func() {
		_, _, _ = g.Do(context.Background(), "k", func() (string, error) {
			<-hung
			return "", nil
		})
	}()
	require.Eventually(t, func() bool { return g.Pending() == 1 }, time.Second, time.Millisecond)

	g.Start(5 * time.Millisecond)
	g.Start(5 * time.Millisecond)
	require.Eventually(t, func() bool { return g.Pending() == 0 }, time.Second, 5*time.Millisecond)
	g.Stop()
	g.Stop()

	close(hung)
	require.Eventually(t, func() bool { return changes.Load() >= 3 }, time.Second, time.Millisecond)
}
