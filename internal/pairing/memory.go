package pairing

import (
	"sync"
	"time"
)

// MemoryStore is the in-process session store used by the editor host.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byPIN    map[string]string // pin -> session id
	byDigest map[string]string // digest -> session id
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[string]*Session),
		byPIN:    make(map[string]string),
		byDigest: make(map[string]string),
		stopCh:   make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Close stops the background sweeper.
func (m *MemoryStore) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

func (m *MemoryStore) Create(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byPIN[s.PIN]; ok {
		if existing := m.sessions[id]; existing != nil && existing.Status == StatusPending && !existing.Expired(time.Now()) {
			return ErrPINCollision
		}
	}
	cp := *s
	m.sessions[cp.ID] = &cp
	m.byPIN[cp.PIN] = cp.ID
	m.byDigest[cp.SecretDigest] = cp.ID
	return nil
}

func (m *MemoryStore) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetByPIN(pin string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupPending(m.byPIN[pin])
}

func (m *MemoryStore) GetByDigest(digest string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupPending(m.byDigest[digest])
}

// lookupPending resolves an index entry to a live pending session.
// Caller holds the lock.
func (m *MemoryStore) lookupPending(id string) (*Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Expired(time.Now()) {
		return nil, ErrExpired
	}
	if s.Status != StatusPending {
		return nil, ErrAlreadyPaired
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Complete(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status == StatusCompleted {
		return nil, ErrAlreadyPaired
	}
	if s.Status == StatusExpired || s.Expired(time.Now()) {
		return nil, ErrExpired
	}
	s.Status = StatusCompleted
	s.CompletedAt = time.Now()
	delete(m.byPIN, s.PIN)
	delete(m.byDigest, s.SecretDigest)
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	delete(m.byPIN, s.PIN)
	delete(m.byDigest, s.SecretDigest)
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		switch {
		case s.Status == StatusPending && s.Expired(now):
			s.Status = StatusExpired
			delete(m.byPIN, s.PIN)
			delete(m.byDigest, s.SecretDigest)
			n++
		case s.Status == StatusCompleted && now.Sub(s.CompletedAt) > CompletedGrace:
			delete(m.sessions, id)
			n++
		case s.Status == StatusExpired && now.Sub(s.ExpiresAt) > CompletedGrace:
			delete(m.sessions, id)
			n++
		}
	}
	return n
}
