package pairing

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newSession(ttl time.Duration) *Session {
	now := time.Now()
	return &Session{
		ID:            uuid.New().String(),
		WorkspaceID:   "ws-1",
		WorkspaceName: "demo",
		PIN:           "123456",
		SecretDigest:  "digest-abc",
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		Status:        StatusPending,
	}
}

// Both backends must satisfy the same contract.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	mem := NewMemoryStore()
	t.Cleanup(mem.Close)
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "pair.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{"memory": mem, "sqlite": sq}
}

func TestLookupByPINAndDigest(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			sess := newSession(DefaultTTL)
			if err := store.Create(sess); err != nil {
				t.Fatalf("Create: %v", err)
			}

			byPIN, err := store.GetByPIN("123456")
			if err != nil {
				t.Fatalf("GetByPIN: %v", err)
			}
			if byPIN.ID != sess.ID || byPIN.WorkspaceName != "demo" {
				t.Errorf("GetByPIN returned %+v", byPIN)
			}

			byDigest, err := store.GetByDigest("digest-abc")
			if err != nil {
				t.Fatalf("GetByDigest: %v", err)
			}
			if byDigest.ID != sess.ID {
				t.Errorf("GetByDigest returned %+v", byDigest)
			}
		})
	}
}

func TestCompleteIsOnce(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			sess := newSession(DefaultTTL)
			if err := store.Create(sess); err != nil {
				t.Fatalf("Create: %v", err)
			}

			done, err := store.Complete(sess.ID)
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if done.Status != StatusCompleted {
				t.Errorf("status = %q", done.Status)
			}

			if _, err := store.Complete(sess.ID); !errors.Is(err, ErrAlreadyPaired) {
				t.Errorf("second Complete = %v, want ErrAlreadyPaired", err)
			}

			// Both secondary indexes must be gone.
			if _, err := store.GetByPIN("123456"); err == nil {
				t.Error("GetByPIN should fail after completion")
			}
			if _, err := store.GetByDigest("digest-abc"); err == nil {
				t.Error("GetByDigest should fail after completion")
			}

			// Idempotent re-read by id within the grace window.
			got, err := store.Get(sess.ID)
			if err != nil {
				t.Fatalf("Get after complete: %v", err)
			}
			if got.Status != StatusCompleted {
				t.Errorf("re-read status = %q", got.Status)
			}
		})
	}
}

func TestPINCollision(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Create(newSession(DefaultTTL)); err != nil {
				t.Fatalf("Create: %v", err)
			}
			dup := newSession(DefaultTTL) // same PIN, fresh id
			if err := store.Create(dup); !errors.Is(err, ErrPINCollision) {
				t.Errorf("Create with duplicate pin = %v, want ErrPINCollision", err)
			}
		})
	}
}

func TestExpiry(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			sess := newSession(-time.Second)
			if err := store.Create(sess); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if _, err := store.GetByPIN(sess.PIN); !errors.Is(err, ErrExpired) {
				t.Errorf("GetByPIN on expired = %v, want ErrExpired", err)
			}
			if _, err := store.Complete(sess.ID); err == nil {
				t.Error("Complete on expired session should fail")
			}
		})
	}
}

func TestSweep(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			expired := newSession(-time.Minute)
			if err := store.Create(expired); err != nil {
				t.Fatalf("Create: %v", err)
			}
			live := newSession(DefaultTTL)
			live.PIN = "654321"
			live.SecretDigest = "digest-other"
			if err := store.Create(live); err != nil {
				t.Fatalf("Create live: %v", err)
			}

			if n := store.Sweep(time.Now()); n == 0 {
				t.Error("Sweep should touch the expired session")
			}
			if _, err := store.GetByPIN(live.PIN); err != nil {
				t.Errorf("live session should survive sweep: %v", err)
			}

			// Far future: completed/expired records past grace are dropped.
			store.Sweep(time.Now().Add(24 * time.Hour))
			if _, err := store.Get(expired.ID); !errors.Is(err, ErrNotFound) {
				t.Errorf("expired session should be dropped, got %v", err)
			}
		})
	}
}
