package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridian-data/meridian-engine/pkg/apperrors"
	"github.com/meridian-data/meridian-engine/pkg/config"
	"github.com/meridian-data/meridian-engine/pkg/driver/drivertest"
)

func testPool(t *testing.T, connector *drivertest.Connector, cfg config.PoolConfig) *Pool {
	t.Helper()
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 2
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = time.Second
	}
	p := New(connector, cfg, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = p.Dispose() })
	return p
}

func TestAcquire_ReusesIdleConnection(t *testing.T) {
	connector := drivertest.NewConnector()
	p := testPool(t, connector, config.PoolConfig{})

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(pc)

	again, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, pc, again)
	assert.Equal(t, 1, connector.ConnectCalls())
	p.Release(again)
}

func TestAcquire_HandsOffToWaiterDirectly(t *testing.T) {
	connector := drivertest.NewConnector()
	p := testPool(t, connector, config.PoolConfig{MaxConns: 1})

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan *PooledConn, 1)
	go func() {
		waited, err := p.Acquire(context.Background())
		if err != nil {
			close(got)
			return
		}
		got <- waited
	}()

	// Let the second acquire queue before releasing.
	time.Sleep(20 * time.Millisecond)
	p.Release(pc)

	waited := <-got
	require.NotNil(t, waited)
	assert.Same(t, pc, waited)
	assert.Equal(t, 1, connector.ConnectCalls())

	leased, idle := p.Stats()
	assert.Equal(t, 1, leased)
	assert.Equal(t, 0, idle)
	p.Release(waited)
}

func TestAcquire_TimeoutWhenExhausted(t *testing.T) {
	connector := drivertest.NewConnector()
	p := testPool(t, connector, config.PoolConfig{MaxConns: 1, AcquireTimeout: 50 * time.Millisecond})

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(pc)

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrPoolExhausted)
}

func TestAcquire_CallerCancellation(t *testing.T) {
	connector := drivertest.NewConnector()
	p := testPool(t, connector, config.PoolConfig{MaxConns: 1})

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(pc)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestAcquire_LivenessCheckDiscardsDeadConnection(t *testing.T) {
	connector := drivertest.NewConnector()
	p := testPool(t, connector, config.PoolConfig{LivenessCheck: true, LivenessRetries: 1})

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(pc)

	connector.SetPingError(errors.New("connection reset"))
	replacement, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, pc, replacement)
	assert.Equal(t, 2, connector.ConnectCalls())
	p.Release(replacement)
}

func TestAcquire_RecyclesConnectionsPastMaxAge(t *testing.T) {
	connector := drivertest.NewConnector()
	p := testPool(t, connector, config.PoolConfig{MaxConnAge: time.Nanosecond})

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(pc)

	time.Sleep(5 * time.Millisecond)
	fresh, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, pc, fresh)
	assert.Equal(t, 2, connector.ConnectCalls())
	p.Release(fresh)
}

func TestAcquire_DialFailure(t *testing.T) {
	connector := drivertest.NewConnector()
	connector.SetConnectError(errors.New("refused"))
	p := testPool(t, connector, config.PoolConfig{LivenessRetries: 0})

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial connection")

	// The failed dial must not hold a capacity slot.
	connector.SetConnectError(nil)
	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(pc)
}

func TestPool_NeverExceedsMaxConns(t *testing.T) {
	connector := drivertest.NewConnector()
	p := testPool(t, connector, config.PoolConfig{MaxConns: 3, AcquireTimeout: 5 * time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pc, err := p.Acquire(context.Background())
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			p.Release(pc)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, connector.OpenConns(), 3)
	leased, idle := p.Stats()
	assert.Equal(t, 0, leased)
	assert.LessOrEqual(t, idle, 3)
}

func TestDispose_ClosesPool(t *testing.T) {
	connector := drivertest.NewConnector()
	p := testPool(t, connector, config.PoolConfig{})

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(pc)

	require.NoError(t, p.Dispose())
	assert.Equal(t, 0, connector.OpenConns())

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrPoolClosed)
}

func TestDispose_WakesBlockedWaiters(t *testing.T) {
	connector := drivertest.NewConnector()
	p := testPool(t, connector, config.PoolConfig{MaxConns: 1, AcquireTimeout: 5 * time.Second})

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, p.Dispose())
	assert.ErrorIs(t, <-errCh, apperrors.ErrPoolClosed)

	// A connection released after dispose is closed, not pooled.
	p.Release(pc)
	assert.Equal(t, 0, connector.OpenConns())
}
