package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"
)

type fakeConn struct {
	id     int
	closed atomic.Bool
	busy   atomic.Bool
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) dial(_ context.Context, _ string) (*fakeConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{id: len(d.conns) + 1}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestPool(t *testing.T, maxPerKey int, clock *fakeClock) (*Pool[string, *fakeConn], *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	p := New(Config{
		Name:        "test",
		MaxPerKey:   maxPerKey,
		IdleTimeout: time.Minute,
	}, d.dial, WithClock(clock.Now))
	t.Cleanup(func() { _ = p.Close() })
	return p, d
}

func TestAcquireExhaustsAtCap(t *testing.T) {
	ctx := context.Background()
	p, d := newTestPool(t, 3, newFakeClock())

	leases := make([]*Lease[string, *fakeConn], 0, 3)
	for i := 0; i < 3; i++ {
		l, err := p.Acquire(ctx, "host-a")
		require.NoError(t, err)
		leases = append(leases, l)
	}

	_, err := p.Acquire(ctx, "host-a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExhausted))
	assert.Equal(t, 3, d.dials())

	// Another key has its own cap.
	other, err := p.Acquire(ctx, "host-b")
	require.NoError(t, err)
	other.Release()

	leases[1].Release()
	l, err := p.Acquire(ctx, "host-a")
	require.NoError(t, err)
	assert.Same(t, leases[1].Conn(), l.Conn(), "released connection should be reused")
	assert.Equal(t, 4, d.dials())
}

func TestReleaseReusesConnection(t *testing.T) {
	ctx := context.Background()
	p, d := newTestPool(t, 5, newFakeClock())

	for i := 0; i < 10; i++ {
		l, err := p.Acquire(ctx, "host")
		require.NoError(t, err)
		l.Release()
	}

	assert.Equal(t, 1, d.dials())
	assert.Equal(t, Stats{Keys: 1, Total: 1, Idle: 1}, p.Stats())
}

func TestDialFailureAddsNothing(t *testing.T) {
	ctx := context.Background()
	p, d := newTestPool(t, 1, newFakeClock())
	d.err = errors.New("auth failed")

	_, err := p.Acquire(ctx, "host")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth failed")
	assert.Equal(t, Stats{}, p.Stats())

	d.err = nil
	l, err := p.Acquire(ctx, "host")
	require.NoError(t, err, "failed dial must not hold a slot")
	l.Release()
}

func TestDiscardFreesSlot(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, 1, newFakeClock())

	l, err := p.Acquire(ctx, "host")
	require.NoError(t, err)
	conn := l.Conn()
	l.Discard()
	assert.True(t, conn.closed.Load())

	l2, err := p.Acquire(ctx, "host")
	require.NoError(t, err)
	assert.NotSame(t, conn, l2.Conn())
	l2.Release()
}

func TestFinishDiscardsPoisonedConnections(t *testing.T) {
	ctx := context.Background()
	p, d := newTestPool(t, 2, newFakeClock())

	protocolErr := errors.Base("connection reset")
	p.SetPoisonClassifier(func(err error) bool { return errors.Is(err, protocolErr) })

	l, err := p.Acquire(ctx, "host")
	require.NoError(t, err)
	l.Finish(errors.New("file not found"))
	assert.False(t, l.Conn().closed.Load(), "ordinary errors keep the session")

	l, err = p.Acquire(ctx, "host")
	require.NoError(t, err)
	assert.Equal(t, 1, d.dials())
	l.Finish(errors.Errorf("read: %w", protocolErr))
	assert.True(t, l.Conn().closed.Load())
	assert.Equal(t, 0, p.Stats().Total)
}

func TestLeaseReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, 1, newFakeClock())

	l, err := p.Acquire(ctx, "host")
	require.NoError(t, err)
	l.Release()
	l.Release()
	l.Discard()

	assert.Equal(t, Stats{Keys: 1, Total: 1, Idle: 1}, p.Stats())
}

func TestSweepEvictsOnlyIdleConnections(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	p, _ := newTestPool(t, 5, clock)

	busy, err := p.Acquire(ctx, "host")
	require.NoError(t, err)
	idle, err := p.Acquire(ctx, "host")
	require.NoError(t, err)
	idle.Release()

	clock.Advance(30 * time.Second)
	assert.Equal(t, 0, p.Sweep(), "not idle long enough")

	clock.Advance(31 * time.Second)
	assert.Equal(t, 1, p.Sweep())
	assert.True(t, idle.Conn().closed.Load())
	assert.False(t, busy.Conn().closed.Load(), "in-use connection must survive the sweep")
	assert.Equal(t, Stats{Keys: 1, Total: 1, InUse: 1}, p.Stats())

	// Once released and idle past the timeout it goes too.
	busy.Release()
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, p.Sweep())
	assert.Equal(t, Stats{}, p.Stats())
}

func TestBackgroundSweeper(t *testing.T) {
	d := &fakeDialer{}
	p := New(Config{
		Name:          "sweeper",
		MaxPerKey:     1,
		IdleTimeout:   time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
	}, d.dial)
	defer p.Close()

	l, err := p.Acquire(context.Background(), "host")
	require.NoError(t, err)
	conn := l.Conn()
	l.Release()

	require.Eventually(t, conn.closed.Load, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, p.Stats().Total)
}

func TestKeepAliveValidation(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	d := &fakeDialer{}
	p := New(Config{
		Name:        "keepalive",
		MaxPerKey:   1,
		IdleTimeout: time.Hour,
		KeepAlive:   30 * time.Second,
	}, d.dial, WithClock(clock.Now))
	defer p.Close()

	var validated int
	p.SetValidator(func(_ context.Context, c *fakeConn) error {
		validated++
		if c.id == 1 {
			return errors.New("noop failed")
		}
		return nil
	})

	l, err := p.Acquire(ctx, "host")
	require.NoError(t, err)
	first := l.Conn()
	l.Release()

	// Reused quickly: no validation.
	l, err = p.Acquire(ctx, "host")
	require.NoError(t, err)
	assert.Same(t, first, l.Conn())
	assert.Equal(t, 0, validated)
	l.Release()

	// Idle past keep-alive: validated, fails, replaced.
	clock.Advance(time.Minute)
	l, err = p.Acquire(ctx, "host")
	require.NoError(t, err)
	assert.Equal(t, 1, validated)
	assert.True(t, first.closed.Load())
	assert.Equal(t, 2, l.Conn().id)
	l.Release()
}

func TestConcurrentAcquireNeverSharesOrExceedsCap(t *testing.T) {
	ctx := context.Background()
	const maxPerKey = 4
	p, d := newTestPool(t, maxPerKey, newFakeClock())

	var (
		wg        sync.WaitGroup
		exhausted atomic.Int64
		shared    atomic.Int64
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l, err := p.Acquire(ctx, "host")
				if err != nil {
					if errors.Is(err, ErrExhausted) {
						exhausted.Add(1)
						continue
					}
					t.Errorf("unexpected error: %v", err)
					return
				}
				if !l.Conn().busy.CompareAndSwap(false, true) {
					shared.Add(1)
				}
				l.Conn().busy.Store(false)
				l.Release()
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, shared.Load(), "a connection was handed to two callers")
	assert.LessOrEqual(t, d.dials(), maxPerKey)
	assert.LessOrEqual(t, p.Stats().Total, maxPerKey)
}

func TestCloseClosesIdleAndRejectsAcquire(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, 2, newFakeClock())

	idle, err := p.Acquire(ctx, "host")
	require.NoError(t, err)
	busy, err := p.Acquire(ctx, "host")
	require.NoError(t, err)
	idle.Release()

	require.NoError(t, p.Close())
	assert.True(t, idle.Conn().closed.Load())
	assert.False(t, busy.Conn().closed.Load())

	_, err = p.Acquire(ctx, "host")
	assert.True(t, errors.Is(err, ErrClosed))

	busy.Release()
	assert.True(t, busy.Conn().closed.Load(), "released after close should be closed")
}

func TestAcquireHonoursContext(t *testing.T) {
	p, d := newTestPool(t, 1, newFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Acquire(ctx, "host")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, d.dials())
}
