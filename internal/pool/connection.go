// Package pool fornece o gerenciamento de sessões SQL Server: um pool por
// identidade de configuração, com limites min/max, validação, eviction de
// sessões ociosas, correção de database no acquire e o handle de sessão com
// pilha de transações.
package pool

import (
	"sync"
	"time"

	"github.com/joao-brasil/mssql-ease/internal/transport"
)

// SessionState representa o estado do ciclo de vida de uma sessão no pool.
type SessionState int

const (
	SessionIdle      SessionState = iota // Disponível no pool
	SessionBorrowed                      // Emprestada a um handle
	SessionDestroyed                     // Removida do pool
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionBorrowed:
		return "borrowed"
	case SessionDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// PooledSession encapsula uma transport.Session com metadados de pool.
type PooledSession struct {
	mu sync.Mutex

	sess transport.Session

	state SessionState

	createdAt  time.Time
	lastUsedAt time.Time

	// lastHealthCheck é a última vez que a sessão foi validada.
	lastHealthCheck time.Time

	// useCount rastreia quantas vezes a sessão foi emprestada.
	useCount uint64
}

func newPooledSession(sess transport.Session) *PooledSession {
	now := time.Now()
	return &PooledSession{
		sess:            sess,
		state:           SessionIdle,
		createdAt:       now,
		lastUsedAt:      now,
		lastHealthCheck: now,
	}
}

// ID retorna o identificador da sessão.
func (s *PooledSession) ID() uint64 { return s.sess.ID() }

// Session retorna a sessão de transporte subjacente.
func (s *PooledSession) Session() transport.Session { return s.sess }

// State retorna o estado atual da sessão.
func (s *PooledSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UseCount retorna quantas vezes a sessão foi emprestada.
func (s *PooledSession) UseCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.useCount
}

func (s *PooledSession) markBorrowed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SessionBorrowed
	s.lastUsedAt = time.Now()
	s.useCount++
}

func (s *PooledSession) markIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SessionIdle
	s.lastUsedAt = time.Now()
}

func (s *PooledSession) markDestroyed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SessionDestroyed
}

func (s *PooledSession) markChecked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHealthCheck = time.Now()
}

// idleDuration retorna há quanto tempo a sessão está ociosa.
func (s *PooledSession) idleDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastUsedAt)
}
