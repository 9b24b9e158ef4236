// Package tds implements the session transport on top of go-mssqldb. Each
// session owns one physical connection, pinned through a dedicated *sql.DB
// limited to a single open connection.
package tds

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/joao-brasil/mssql-ease/internal/errs"
	"github.com/joao-brasil/mssql-ease/internal/transport"
	"github.com/joao-brasil/mssql-ease/pkg/connstr"
)

var sessionSeed atomic.Uint64

// Connector creates sessions for one connection config. It implements
// transport.Factory.
type Connector struct {
	cfg connstr.Config
	dsn string
}

// NewConnector validates cfg and prepares the driver DSN.
func NewConnector(cfg connstr.Config) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Normalize()
	return &Connector{cfg: cfg, dsn: cfg.DSN()}, nil
}

// Config returns the normalized config sessions are created from.
func (c *Connector) Config() connstr.Config { return c.cfg }

// Create implements transport.Factory.
func (c *Connector) Create(ctx context.Context) (transport.Session, error) {
	start := time.Now()
	drv, err := mssql.NewConnector(c.dsn)
	if err != nil {
		return nil, errs.New(errs.KindConnect, "create", err)
	}

	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	db := sql.OpenDB(drv)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, errs.New(errs.KindConnect, "create", fmt.Errorf("connect to %s: %w", c.cfg.Addr(), err))
	}

	var database string
	if err := conn.QueryRowContext(ctx, "SELECT DB_NAME()").Scan(&database); err != nil {
		conn.Close()
		db.Close()
		return nil, errs.New(errs.KindConnect, "create", fmt.Errorf("read active database: %w", err))
	}

	s := &Session{
		id:       sessionSeed.Add(1),
		db:       db,
		conn:     conn,
		timeout:  c.cfg.RequestTimeout,
		database: database,
	}
	log.Printf("[tds] session %d: connected to %s (database=%s) in %s", s.id, c.cfg.Addr(), database, time.Since(start).Round(time.Millisecond))
	return s, nil
}

// Validate implements transport.Factory: the session must be healthy and
// answer a ping.
func (c *Connector) Validate(ctx context.Context, sess transport.Session) bool {
	s, ok := sess.(*Session)
	if !ok || !s.Connected() {
		return false
	}
	if err := s.ping(ctx); err != nil {
		log.Printf("[tds] session %d: validation failed: %v", s.id, err)
		return false
	}
	return true
}

// Destroy implements transport.Factory.
func (c *Connector) Destroy(sess transport.Session) error {
	return sess.Close()
}
