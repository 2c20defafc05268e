package conversation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/models"
)

// session is an active conversation. history is only touched by the
// current owner of lock.
type session struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool
	lock    *turnLock
	history []models.Message
}

func newSession(id string) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		lock:   newTurnLock(),
	}
}

func (s *session) close() {
	s.closed.Store(true)
	s.cancel()
}

func (s *session) snapshot() []models.Message {
	out := make([]models.Message, len(s.history))
	copy(out, s.history)
	return out
}

// appendTurn records one exchange and drops the oldest entries beyond limit.
func (s *session) appendTurn(input, reply string, limit int) {
	now := time.Now().UTC()
	s.history = append(s.history,
		models.Message{Role: models.RoleUser, Content: input, CreatedAt: now},
		models.Message{Role: models.RoleAssistant, Content: reply, CreatedAt: now},
	)
	if limit > 0 && len(s.history) > limit {
		trimmed := make([]models.Message, limit)
		copy(trimmed, s.history[len(s.history)-limit:])
		s.history = trimmed
	}
}

type registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*session)}
}

func (r *registry) get(id string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// getOrCreate returns the session for id, creating it on first use.
func (r *registry) getOrCreate(id string) (*session, bool) {
	if s := r.get(id); s != nil {
		return s, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s := newSession(id)
	r.sessions[id] = s
	return s, true
}

func (r *registry) remove(id string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	return s
}

func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *registry) drain() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session, 0, len(r.sessions))
	for id, s := range r.sessions {
		out = append(out, s)
		delete(r.sessions, id)
	}
	return out
}
