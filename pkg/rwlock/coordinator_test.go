package rwlock_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/f3rrix/GlobalReaderWriterLock/pkg/rwlock"
)

func localOpts(b *rwlock.LocalBackend, capacity int) []rwlock.Option {
	return []rwlock.Option{
		rwlock.WithBackend(b),
		rwlock.WithCapacity(capacity),
		rwlock.WithProbeInterval(time.Millisecond),
	}
}

func openCoordinator(t *testing.T, identity string, opts []rwlock.Option) *rwlock.Coordinator {
	t.Helper()
	c, err := rwlock.Open(identity, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestReadersUpToCapacityAcquireImmediately(t *testing.T) {
	const capacity = 4
	opts := localOpts(rwlock.NewLocalBackend(), capacity)

	coords := make([]*rwlock.Coordinator, capacity)
	for i := range coords {
		coords[i] = openCoordinator(t, "cap", opts)
		require.NoError(t, coords[i].AcquireRead())
	}
	for _, c := range coords {
		require.NoError(t, c.ReleaseRead())
	}
}

func TestReaderBeyondCapacityWaitsForARelease(t *testing.T) {
	const capacity = 4
	opts := localOpts(rwlock.NewLocalBackend(), capacity)

	coords := make([]*rwlock.Coordinator, capacity)
	for i := range coords {
		coords[i] = openCoordinator(t, "cap", opts)
		require.NoError(t, coords[i].AcquireRead())
	}

	extra := openCoordinator(t, "cap", opts)
	acquired := make(chan struct{})
	go func() {
		if err := extra.AcquireRead(); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("fifth reader acquired while pool was exhausted")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, coords[0].ReleaseRead())

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("fifth reader did not acquire after a release")
	}

	require.NoError(t, extra.ReleaseRead())
	for _, c := range coords[1:] {
		require.NoError(t, c.ReleaseRead())
	}
}

func TestWriterBlocksNewReaders(t *testing.T) {
	opts := localOpts(rwlock.NewLocalBackend(), 8)

	w := openCoordinator(t, "wb", opts)
	require.NoError(t, w.AcquireWrite())

	const readers = 3
	var acquired int32
	var wg sync.WaitGroup
	coords := make([]*rwlock.Coordinator, readers)
	for i := 0; i < readers; i++ {
		coords[i] = openCoordinator(t, "wb", opts)
		wg.Add(1)
		go func(c *rwlock.Coordinator) {
			defer wg.Done()
			if err := c.AcquireRead(); err == nil {
				atomic.AddInt32(&acquired, 1)
			}
		}(coords[i])
	}

	require.Never(t, func() bool {
		return atomic.LoadInt32(&acquired) > 0
	}, 100*time.Millisecond, 10*time.Millisecond, "reader acquired while writer held the lock")

	require.NoError(t, w.ReleaseWrite())
	wg.Wait()
	require.EqualValues(t, readers, acquired, "all readers should acquire once the writer releases")

	for _, c := range coords {
		require.NoError(t, c.ReleaseRead())
	}
}

func TestWriterWaitsForEveryReader(t *testing.T) {
	opts := localOpts(rwlock.NewLocalBackend(), 8)

	r1 := openCoordinator(t, "ww", opts)
	r2 := openCoordinator(t, "ww", opts)
	require.NoError(t, r1.AcquireRead())
	require.NoError(t, r2.AcquireRead())

	w := openCoordinator(t, "ww", opts)
	acquired := make(chan struct{})
	go func() {
		if err := w.AcquireWrite(); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("writer acquired while two readers were active")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, r1.ReleaseRead())

	select {
	case <-acquired:
		t.Fatal("writer acquired while one reader was still active")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, r2.ReleaseRead())

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not acquire after the last reader released")
	}
	require.NoError(t, w.ReleaseWrite())
}

func TestReleaseIsIdempotent(t *testing.T) {
	const capacity = 4
	opts := localOpts(rwlock.NewLocalBackend(), capacity)

	c := openCoordinator(t, "idem", opts)
	require.NoError(t, c.AcquireRead())
	require.NoError(t, c.ReleaseRead())
	// Second release must not return a unit the coordinator no longer holds.
	require.NoError(t, c.ReleaseRead())

	// The pool still admits exactly capacity readers, no more.
	coords := make([]*rwlock.Coordinator, capacity)
	for i := range coords {
		coords[i] = openCoordinator(t, "idem", opts)
		require.NoError(t, coords[i].AcquireRead())
	}
	extra := openCoordinator(t, "idem", opts)
	blocked := make(chan struct{})
	go func() {
		if err := extra.AcquireRead(); err == nil {
			close(blocked)
		}
	}()
	select {
	case <-blocked:
		t.Fatal("double release inflated the pool capacity")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, coords[0].ReleaseRead())
	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not acquire after a release")
	}
	require.NoError(t, extra.ReleaseRead())
	for _, c := range coords[1:] {
		require.NoError(t, c.ReleaseRead())
	}

	w := openCoordinator(t, "idem", opts)
	require.NoError(t, w.AcquireWrite())
	require.NoError(t, w.ReleaseWrite())
	require.NoError(t, w.ReleaseWrite())
}

func TestUsageFaults(t *testing.T) {
	opts := localOpts(rwlock.NewLocalBackend(), 4)

	_, err := rwlock.Open("", opts...)
	var usage *rwlock.UsageError
	require.ErrorAs(t, err, &usage)

	c := openCoordinator(t, "usage", opts)
	require.NoError(t, c.AcquireRead())
	require.ErrorAs(t, c.AcquireRead(), &usage)
	require.ErrorAs(t, c.AcquireWrite(), &usage)
	require.NoError(t, c.ReleaseRead())

	require.NoError(t, c.Close())
	require.ErrorIs(t, c.AcquireRead(), rwlock.ErrClosed)
	require.ErrorIs(t, c.ReleaseRead(), rwlock.ErrClosed)
	require.ErrorIs(t, c.AcquireWrite(), rwlock.ErrClosed)
	require.ErrorIs(t, c.ReleaseWrite(), rwlock.ErrClosed)
}

func TestCloseReleasesHeldResources(t *testing.T) {
	opts := localOpts(rwlock.NewLocalBackend(), 2)

	// A reader torn down without ReleaseRead must return its unit.
	r := openCoordinator(t, "close", opts)
	require.NoError(t, r.AcquireRead())
	require.NoError(t, r.Close())

	for i := 0; i < 2; i++ {
		c := openCoordinator(t, "close", opts)
		require.NoError(t, c.AcquireRead())
		defer func() { require.NoError(t, c.ReleaseRead()) }()
	}

	// A writer torn down without ReleaseWrite must free the gate.
	opts2 := localOpts(rwlock.NewLocalBackend(), 2)
	w := openCoordinator(t, "close2", opts2)
	require.NoError(t, w.AcquireWrite())
	require.NoError(t, w.Close())

	r2 := openCoordinator(t, "close2", opts2)
	require.NoError(t, r2.AcquireRead())
	require.NoError(t, r2.ReleaseRead())
}

func TestWriterDrainProbesOnClock(t *testing.T) {
	backend := rwlock.NewLocalBackend()
	fc := clockwork.NewFakeClock()

	r := openCoordinator(t, "drain", localOpts(backend, 4))
	require.NoError(t, r.AcquireRead())

	w := openCoordinator(t, "drain", []rwlock.Option{
		rwlock.WithBackend(backend),
		rwlock.WithCapacity(4),
		rwlock.WithProbeInterval(10 * time.Millisecond),
		rwlock.WithClock(fc),
	})
	acquired := make(chan struct{})
	go func() {
		if err := w.AcquireWrite(); err == nil {
			close(acquired)
		}
	}()

	// The writer's first probe sees the reader and parks on the clock.
	fc.BlockUntil(1)
	select {
	case <-acquired:
		t.Fatal("writer finished its drain with a reader outstanding")
	default:
	}

	require.NoError(t, r.ReleaseRead())
	fc.Advance(10 * time.Millisecond)

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not finish the drain after the reader left")
	}
	require.NoError(t, w.ReleaseWrite())
}

// Hammer in the style of the classic RW mutex stress tests: a shared
// activity counter takes +1 per holding reader and +10000 per holding
// writer; any observation that mixes the two is an exclusion violation.
func TestHammer(t *testing.T) {
	const (
		readers    = 10
		writers    = 2
		iterations = 50
	)
	opts := localOpts(rwlock.NewLocalBackend(), 8)

	var activity int32
	done := make(chan error)

	reader := func() {
		for i := 0; i < iterations; i++ {
			c, err := rwlock.Open("hammer", opts...)
			if err != nil {
				done <- err
				return
			}
			if err := c.AcquireRead(); err != nil {
				done <- err
				return
			}
			n := atomic.AddInt32(&activity, 1)
			if n < 1 || n >= 10000 {
				done <- fmt.Errorf("rlock(%d)", n)
				return
			}
			atomic.AddInt32(&activity, -1)
			if err := c.ReleaseRead(); err != nil {
				done <- err
				return
			}
			_ = c.Close()
		}
		done <- nil
	}

	writer := func() {
		for i := 0; i < iterations; i++ {
			c, err := rwlock.Open("hammer", opts...)
			if err != nil {
				done <- err
				return
			}
			if err := c.AcquireWrite(); err != nil {
				done <- err
				return
			}
			n := atomic.AddInt32(&activity, 10000)
			if n != 10000 {
				done <- fmt.Errorf("wlock(%d)", n)
				return
			}
			atomic.AddInt32(&activity, -10000)
			if err := c.ReleaseWrite(); err != nil {
				done <- err
				return
			}
			_ = c.Close()
		}
		done <- nil
	}

	for i := 0; i < readers; i++ {
		go reader()
	}
	for i := 0; i < writers; i++ {
		go writer()
	}
	for i := 0; i < readers+writers; i++ {
		require.NoError(t, <-done)
	}
}

func TestWriterLivenessAfterReadersStop(t *testing.T) {
	opts := localOpts(rwlock.NewLocalBackend(), 4)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				c, err := rwlock.Open("live", opts...)
				if err != nil {
					return
				}
				if err := c.AcquireRead(); err != nil {
					_ = c.Close()
					return
				}
				time.Sleep(time.Millisecond)
				_ = c.ReleaseRead()
				_ = c.Close()
			}
		}()
	}

	w := openCoordinator(t, "live", opts)
	acquired := make(chan struct{})
	go func() {
		if err := w.AcquireWrite(); err == nil {
			close(acquired)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	close(stop)

	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("writer starved after readers stopped arriving")
	}
	require.NoError(t, w.ReleaseWrite())

	// Readers parked at the gate drain out once the writer releases.
	wg.Wait()
}
