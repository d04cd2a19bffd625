package pairing

import (
	"errors"
	"time"
)

// Session statuses. Transitions are monotonic: pending may move to
// completed or expired, never back.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusExpired   = "expired"
)

// DefaultTTL is the pairing session lifetime.
const DefaultTTL = 5 * time.Minute

// CompletedGrace keeps a completed session readable for idempotent
// re-reads before it is dropped.
const CompletedGrace = 60 * time.Second

var (
	ErrNotFound      = errors.New("pairing session not found")
	ErrExpired       = errors.New("pairing session expired")
	ErrAlreadyPaired = errors.New("pairing session already redeemed")
)

// Session is a short-lived pairing offer. The pairing secret itself is
// never stored, only its digest.
type Session struct {
	ID            string
	WorkspaceID   string
	WorkspaceName string
	PIN           string
	SecretDigest  string
	LocalAddr     string
	RelayURL      string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Status        string
	CompletedAt   time.Time
}

// Expired reports whether the session has passed its TTL.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Store is a pairing session store with secondary indexes by PIN and by
// secret digest. Complete must atomically flip status and drop both
// secondary indexes so either redemption path wins at most once.
type Store interface {
	// Create inserts a pending session. The PIN must be unique among
	// currently pending sessions; ErrPINCollision is returned otherwise.
	Create(s *Session) error
	// Get returns a session by id, including recently completed ones.
	Get(id string) (*Session, error)
	// GetByPIN returns a pending session by PIN.
	GetByPIN(pin string) (*Session, error)
	// GetByDigest returns a pending session by secret digest.
	GetByDigest(digest string) (*Session, error)
	// Complete atomically marks the session completed and removes the
	// PIN and digest indexes. A second Complete returns ErrAlreadyPaired.
	Complete(id string) (*Session, error)
	// Delete removes a session and its indexes.
	Delete(id string) error
	// Sweep expires overdue pending sessions and drops completed ones
	// past the grace window. Returns the number of sessions touched.
	Sweep(now time.Time) int
}

// ErrPINCollision is returned by Create when the PIN is already held by
// a pending session.
var ErrPINCollision = errors.New("pin already in use")
