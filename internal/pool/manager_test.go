package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/mssql-ease/internal/errs"
	"github.com/joao-brasil/mssql-ease/internal/metrics"
	"github.com/joao-brasil/mssql-ease/internal/transport"
	"github.com/joao-brasil/mssql-ease/internal/transport/transporttest"
	"github.com/joao-brasil/mssql-ease/pkg/connstr"
)

func TestManagerSharesPoolPerIdentity(t *testing.T) {
	var factories atomic.Int32
	f := &transporttest.Factory{Database: "Nobel"}
	m, err := NewManager(Options{Max: 4}, func(connstr.Config) (transport.Factory, error) {
		factories.Add(1)
		return f, nil
	})
	require.NoError(t, err)
	defer m.Drain(context.Background())

	equivalent := testConfig
	equivalent.Server = "SQL.Example.COM"
	equivalent.Port = connstr.DefaultPort

	var wg sync.WaitGroup
	conns := make([]*Conn, 4)
	for i := range conns {
		cfg := testConfig
		if i%2 == 1 {
			cfg = equivalent
		}
		wg.Add(1)
		go func(i int, cfg connstr.Config) {
			defer wg.Done()
			c, err := m.Connect(context.Background(), cfg)
			if assert.NoError(t, err) {
				conns[i] = c
			}
		}(i, cfg)
	}
	wg.Wait()

	assert.Equal(t, int32(1), factories.Load())
	assert.Len(t, m.Pools(), 1)
	p1, ok := m.Pool(testConfig)
	require.True(t, ok)
	p2, ok := m.Pool(equivalent)
	require.True(t, ok)
	assert.Same(t, p1, p2)

	for _, c := range conns {
		if c != nil {
			require.NoError(t, c.Release(context.Background()))
		}
	}
	assert.Equal(t, 4, p1.Stats().Idle)
}

func TestManagerSeparatesDistinctConfigs(t *testing.T) {
	f := &transporttest.Factory{Database: "Nobel"}
	m := newTestManager(t, f, Options{Max: 2})

	other := testConfig
	other.Database = "Physics"

	c1, err := m.Connect(context.Background(), testConfig)
	require.NoError(t, err)
	c2, err := m.Connect(context.Background(), other)
	require.NoError(t, err)

	assert.Len(t, m.Pools(), 2)
	assert.Len(t, m.Stats(), 2)
	require.NoError(t, c1.Release(context.Background()))
	require.NoError(t, c2.Release(context.Background()))
}

func TestManagerCorrectsDatabase(t *testing.T) {
	f := &transporttest.Factory{Database: "master"}
	m := newTestManager(t, f, Options{Max: 1})
	corrections := metrics.DatabaseCorrections.WithLabelValues(testConfig.Normalize().Hash()[:12])
	before := testutil.ToFloat64(corrections)

	c, sess := connect(t, m)
	reqs := sess.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "USE [Nobel]", reqs[0].Text)
	assert.Equal(t, "Nobel", sess.Database())
	require.NoError(t, c.Release(context.Background()))

	// A borrower that moved the session elsewhere leaves it to be corrected.
	c, sess = connect(t, m)
	sess.SetDatabase("tempdb")
	require.NoError(t, c.Release(context.Background()))

	c, sess = connect(t, m)
	assert.Equal(t, "Nobel", sess.Database())
	assert.Len(t, sess.Requests(), 2)
	require.NoError(t, c.Release(context.Background()))

	assert.Equal(t, before+2, testutil.ToFloat64(corrections))
}

func TestManagerSkipsCorrectionOnCaseOnlyDifference(t *testing.T) {
	f := &transporttest.Factory{Database: "NOBEL"}
	m := newTestManager(t, f, Options{Max: 1})

	c, sess := connect(t, m)
	assert.Empty(t, sess.Requests())
	require.NoError(t, c.Release(context.Background()))
}

func TestManagerCorrectionFailureDestroysSession(t *testing.T) {
	f := &transporttest.Factory{
		Database: "master",
		Responder: func(_ *transporttest.Session, req *transport.Request) ([]transport.Event, error) {
			if transporttest.IsUse(req.Text) {
				return []transport.Event{transport.ErrorEvent(errors.New("Database 'Nobel' does not exist")), transport.DoneEvent(false, nil)}, nil
			}
			return transporttest.Done(nil, req)
		},
	}
	m := newTestManager(t, f, Options{Max: 1})

	_, err := m.Connect(context.Background(), testConfig)
	require.Error(t, err)
	assert.True(t, errs.IsConnect(err))
	assert.Contains(t, err.Error(), "does not exist")
	assert.Equal(t, 1, f.Destroyed())

	p, ok := m.Pool(testConfig)
	require.True(t, ok)
	assert.Equal(t, 0, p.Stats().Active)
}

func TestManagerRejectsInvalidConfig(t *testing.T) {
	f := &transporttest.Factory{}
	m := newTestManager(t, f, Options{Max: 1})

	_, err := m.Connect(context.Background(), connstr.Config{})
	assert.True(t, errs.IsConfig(err))

	bad := testConfig
	bad.IsolationLevel = "CHAOS"
	_, err = m.Connect(context.Background(), bad)
	assert.True(t, errs.IsConfig(err))
	assert.Equal(t, 0, f.Created())
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(Options{Min: 3, Max: 2}, func(connstr.Config) (transport.Factory, error) { return nil, nil })
	assert.True(t, errs.IsConfig(err))

	_, err = NewManager(Options{}, nil)
	assert.True(t, errs.IsConfig(err))
}

func TestManagerFactoryError(t *testing.T) {
	boom := errors.New("no driver")
	m, err := NewManager(Options{}, func(connstr.Config) (transport.Factory, error) { return nil, boom })
	require.NoError(t, err)

	_, err = m.Connect(context.Background(), testConfig)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, m.Pools())
}

func TestManagerDrain(t *testing.T) {
	f := &transporttest.Factory{Database: "Nobel"}
	m, err := NewManager(Options{Max: 2}, func(connstr.Config) (transport.Factory, error) { return f, nil })
	require.NoError(t, err)

	c, err := m.Connect(context.Background(), testConfig)
	require.NoError(t, err)
	require.NoError(t, c.Release(context.Background()))

	require.NoError(t, m.Drain(context.Background()))
	assert.Empty(t, m.Pools())
	assert.Equal(t, 1, f.Destroyed())

	_, err = m.Connect(context.Background(), testConfig)
	assert.ErrorIs(t, err, errs.ErrPoolDrained)
	assert.True(t, errs.IsConnect(err))

	assert.NoError(t, m.Drain(context.Background()))
}

func TestManagerConnectionErrorHook(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []error
	)
	opts := Options{Max: 1, OnConnectionError: func(err error, _ uint64) {
		mu.Lock()
		seen = append(seen, err)
		mu.Unlock()
	}}
	f := &transporttest.Factory{CreateErr: errors.New("Login failed for user 'ease'")}
	m := newTestManager(t, f, opts)

	_, err := m.Connect(context.Background(), testConfig)
	assert.True(t, errs.IsConnect(err))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Contains(t, seen[0].Error(), "Login failed")
}
