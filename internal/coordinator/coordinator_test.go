package coordinator

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/mssql-ease/internal/errs"
	"github.com/joao-brasil/mssql-ease/internal/pool"
	"github.com/joao-brasil/mssql-ease/internal/transport/transporttest"
	"github.com/joao-brasil/mssql-ease/pkg/connstr"
)

// unreachable aponta para uma porta sem Redis, forçando o modo fallback.
func unreachable(max, divisor int) Options {
	opts := DefaultOptions()
	opts.Enabled = true
	opts.Addr = "127.0.0.1:1"
	opts.DialTimeout = 200 * time.Millisecond
	opts.HeartbeatInterval = 0
	opts.MaxSessions = max
	opts.LocalLimitDivisor = divisor
	opts.InstanceID = "test"
	return opts
}

func newFallback(t *testing.T, max, divisor int) *Coordinator {
	t.Helper()
	c, err := New(context.Background(), unreachable(max, divisor))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	require.True(t, c.IsFallback())
	return c
}

func TestFallbackLocalLimit(t *testing.T) {
	c := newFallback(t, 2, 1)
	ctx := context.Background()

	require.NoError(t, c.Acquire(ctx, "pool-a"))
	require.NoError(t, c.Acquire(ctx, "pool-a"))
	// Cada pool tem seu próprio contador.
	require.NoError(t, c.Acquire(ctx, "pool-b"))

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := c.Acquire(waitCtx, "pool-a")
	assert.ErrorIs(t, err, ErrLimitReached)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	n, err := c.GlobalCount(ctx, "pool-a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	c.Release("pool-a")
	n, _ = c.GlobalCount(ctx, "pool-a")
	assert.Equal(t, 1, n)
}

func TestFallbackReleaseWakesWaiter(t *testing.T) {
	opts := unreachable(1, 1)
	opts.PollInterval = time.Hour
	c, err := New(context.Background(), opts)
	require.NoError(t, err)
	defer c.Close(context.Background())

	require.NoError(t, c.Acquire(context.Background(), "pool-a"))

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- c.Acquire(ctx, "pool-a")
	}()

	time.Sleep(30 * time.Millisecond)
	c.Release("pool-a")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	c := newFallback(t, 3, 1)
	c.Release("pool-a")
	n, err := c.GlobalCount(context.Background(), "pool-a")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestNewWithoutFallbackFails(t *testing.T) {
	opts := unreachable(2, 1)
	opts.Fallback = false
	_, err := New(context.Background(), opts)
	assert.True(t, errs.IsConnect(err))
}

func TestLocalLimit(t *testing.T) {
	tests := []struct {
		max, divisor, want int
	}{
		{30, 3, 10},
		{30, 0, 10},
		{2, 3, 1},
		{7, 2, 3},
	}
	for _, tt := range tests {
		c := &Coordinator{opts: Options{MaxSessions: tt.max, LocalLimitDivisor: tt.divisor}}
		assert.Equal(t, tt.want, c.localLimit(), "max=%d divisor=%d", tt.max, tt.divisor)
	}
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, Options{}.Validate())
	assert.NoError(t, unreachable(1, 1).Validate())

	for name, mutate := range map[string]func(*Options){
		"addr":      func(o *Options) { o.Addr = "" },
		"max":       func(o *Options) { o.MaxSessions = 0 },
		"poll":      func(o *Options) { o.PollInterval = 0 },
		"heartbeat": func(o *Options) { o.HeartbeatInterval = time.Minute; o.HeartbeatTTL = time.Second },
	} {
		t.Run(name, func(t *testing.T) {
			o := unreachable(1, 1)
			mutate(&o)
			assert.True(t, errs.IsConfig(o.Validate()))
		})
	}
}

func TestCoordinatorLimitsPoolCreation(t *testing.T) {
	c := newFallback(t, 1, 1)
	f := &transporttest.Factory{Database: "Nobel"}
	cfg := connstr.Config{Server: "sql.example.com", UserName: "ease", Password: "s3cret", Database: "Nobel"}
	p, err := pool.NewPool(context.Background(), cfg.Hash(), cfg, f, pool.Options{
		Max:            3,
		AcquireTimeout: 80 * time.Millisecond,
		Limiter:        c,
	})
	require.NoError(t, err)
	defer p.Drain(context.Background())

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	assert.True(t, errs.IsConnect(err))
	assert.ErrorIs(t, err, ErrLimitReached)
	assert.Equal(t, 1, f.Created())

	// Destruir a sessão devolve o slot.
	p.Discard(first)
	second, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(second)
}

// TestRedisSharedLimit runs against a real Redis when REDIS_ADDR is set.
func TestRedisSharedLimit(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	newInstance := func(id string) *Coordinator {
		opts := DefaultOptions()
		opts.Enabled = true
		opts.Addr = addr
		opts.Fallback = false
		opts.MaxSessions = 2
		opts.HeartbeatInterval = 0
		opts.InstanceID = id
		c, err := New(ctx, opts)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close(ctx) })
		return c
	}
	a := newInstance("a-" + uuid.NewString())
	b := newInstance("b-" + uuid.NewString())
	key := "test-" + uuid.NewString()

	require.NoError(t, a.Acquire(ctx, key))
	require.NoError(t, b.Acquire(ctx, key))

	n, err := a.GlobalCount(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := a.InstanceCounts(ctx, b.InstanceID())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[key])

	done := make(chan error, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		done <- a.Acquire(waitCtx, key)
	}()
	time.Sleep(100 * time.Millisecond)
	b.Release(key)
	require.NoError(t, <-done)

	a.Release(key)
	a.Release(key)
	n, _ = a.GlobalCount(ctx, key)
	assert.Equal(t, 0, n)
}
