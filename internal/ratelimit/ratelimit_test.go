package ratelimit

import (
	"errors"
	"testing"
	"time"

	"gexchange/models"
)

func newTestService() *Service {
	return NewService(map[Action]time.Duration{
		ActionCreate: 32 * time.Second,
		ActionToggle: 2 * time.Second,
	})
}

func TestReserveEnforcesCooldown(t *testing.T) {
	s := newTestService()
	t0 := time.Unix(10_000, 0)

	if _, err := s.Reserve("alice", ActionCreate, t0); err != nil {
		t.Fatalf("first reserve: %v", err)
	}

	_, err := s.Reserve("alice", ActionCreate, t0.Add(8*time.Second))
	var rl *models.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rl.Remaining != 24*time.Second {
		t.Fatalf("expected 24s remaining, got %v", rl.Remaining)
	}
	if rl.RemainingSeconds() != 24 {
		t.Fatalf("expected 24 remaining seconds, got %d", rl.RemainingSeconds())
	}

	if _, err := s.Reserve("alice", ActionCreate, t0.Add(32*time.Second)); err != nil {
		t.Fatalf("reserve after cooldown: %v", err)
	}
}

func TestRejectedAttemptDoesNotExtendCooldown(t *testing.T) {
	s := newTestService()
	t0 := time.Unix(10_000, 0)

	if _, err := s.Reserve("alice", ActionCreate, t0); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	for i := 1; i < 5; i++ {
		if _, err := s.Reserve("alice", ActionCreate, t0.Add(time.Duration(i)*time.Second)); err == nil {
			t.Fatalf("attempt %d should be limited", i)
		}
	}
	if _, err := s.Reserve("alice", ActionCreate, t0.Add(32*time.Second)); err != nil {
		t.Fatalf("rejected attempts must not push the cooldown: %v", err)
	}
}

func TestCancelReturnsToken(t *testing.T) {
	s := newTestService()
	t0 := time.Unix(10_000, 0)

	ticket, err := s.Reserve("bob", ActionCreate, t0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	ticket.Cancel()

	if _, err := s.Reserve("bob", ActionCreate, t0); err != nil {
		t.Fatalf("reserve after cancel: %v", err)
	}
}

func TestActionsAndPlayersAreIndependent(t *testing.T) {
	s := newTestService()
	t0 := time.Unix(10_000, 0)

	if _, err := s.Reserve("alice", ActionCreate, t0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Reserve("alice", ActionToggle, t0); err != nil {
		t.Fatalf("toggle must use its own cooldown: %v", err)
	}
	if _, err := s.Reserve("bob", ActionCreate, t0); err != nil {
		t.Fatalf("other players are not limited: %v", err)
	}
	if got := s.Remaining("alice", ActionToggle, t0.Add(time.Second)); got != time.Second {
		t.Fatalf("expected 1s toggle remaining, got %v", got)
	}
}

func TestUnconfiguredActionNeverLimited(t *testing.T) {
	s := NewService(nil)
	now := time.Unix(10_000, 0)
	for i := 0; i < 3; i++ {
		ticket, err := s.Reserve("alice", ActionCreate, now)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		ticket.Cancel()
	}
	if s.Remaining("alice", ActionCreate, now) != 0 {
		t.Fatalf("expected no remaining cooldown")
	}
}

func TestForgetResetsPlayer(t *testing.T) {
	s := newTestService()
	t0 := time.Unix(10_000, 0)
	if _, err := s.Reserve("alice", ActionCreate, t0); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	s.Forget("alice")
	if _, err := s.Reserve("alice", ActionCreate, t0); err != nil {
		t.Fatalf("reserve after forget: %v", err)
	}
}
