package pool

import (
	"context"
	"time"

	"github.com/joao-brasil/mssql-ease/internal/errs"
)

// Valores padrão das opções de pool.
const (
	DefaultMax              = 10
	DefaultEvictionInterval = 30 * time.Second
	DefaultAcquireTimeout   = 30 * time.Second
)

// Options controls the sizing and maintenance of every pool a Manager creates.
type Options struct {
	// Min is the number of idle sessions kept warm.
	Min int `yaml:"min"`
	// Max bounds the sessions of one pool, borrowed or idle.
	Max int `yaml:"max"`
	// IdleTimeout destroys sessions idle for longer; 0 keeps them forever.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// EvictionInterval is the maintenance period; 0 disables maintenance.
	// DefaultOptions sets it to DefaultEvictionInterval.
	EvictionInterval time.Duration `yaml:"eviction_interval"`
	// ValidateOnAcquire validates idle sessions before handing them out.
	ValidateOnAcquire bool `yaml:"validate_on_acquire"`
	// AcquireTimeout bounds how long Acquire waits for a session.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// Limiter, when set, caps sessions per pool identity across processes.
	Limiter Limiter `yaml:"-"`
	// OnConnectionError is called for every session creation or validation
	// failure, with the id of the session involved (0 when none was created).
	OnConnectionError func(err error, sessionID uint64) `yaml:"-"`
}

// Limiter grants permission to open one more session for a pool identity.
type Limiter interface {
	Acquire(ctx context.Context, key string) error
	Release(key string)
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Max:              DefaultMax,
		EvictionInterval: DefaultEvictionInterval,
		AcquireTimeout:   DefaultAcquireTimeout,
	}
}

// withDefaults fills a zero Max and AcquireTimeout with defaults.
func (o Options) withDefaults() Options {
	if o.Max == 0 {
		o.Max = DefaultMax
	}
	if o.AcquireTimeout == 0 {
		o.AcquireTimeout = DefaultAcquireTimeout
	}
	return o
}

// Validate checks the ranges of the sizing options.
func (o Options) Validate() error {
	switch {
	case o.Max < 1:
		return errs.Config("pool max must be at least 1, got %d", o.Max)
	case o.Min < 0:
		return errs.Config("pool min must not be negative, got %d", o.Min)
	case o.Min > o.Max:
		return errs.Config("pool min (%d) must not exceed max (%d)", o.Min, o.Max)
	case o.IdleTimeout < 0:
		return errs.Config("pool idle_timeout must not be negative")
	case o.EvictionInterval < 0:
		return errs.Config("pool eviction_interval must not be negative")
	case o.AcquireTimeout < 0:
		return errs.Config("pool acquire_timeout must not be negative")
	}
	return nil
}
