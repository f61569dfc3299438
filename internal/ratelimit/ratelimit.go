// Package ratelimit tracks per-player cooldowns for market actions.
//
// Each (player, action) pair owns a token bucket with a burst of one token
// refilled once per cooldown. A successful action consumes the token and
// restarts the cooldown; a rejected or rolled back action gives it back.
// State is ephemeral and rebuilt from zero on restart.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gexchange/models"
)

// Action names a rate limited market action.
type Action string

const (
	// ActionCreate covers creating sell offers and buy orders.
	ActionCreate Action = "create"
	// ActionToggle covers enabling and disabling existing offers.
	ActionToggle Action = "toggle"
)

// slack absorbs float rounding in the token bucket so an action retried
// exactly at the end of its cooldown is accepted.
const slack = time.Millisecond

// Service hands out cooldown tickets per player and action.
type Service struct {
	cooldowns map[Action]time.Duration
	limiters  sync.Map // key -> *rate.Limiter
}

type key struct {
	player string
	action Action
}

// NewService creates a service with the given cooldown per action. Actions
// without a cooldown (or with a non-positive one) are never limited.
func NewService(cooldowns map[Action]time.Duration) *Service {
	cd := make(map[Action]time.Duration, len(cooldowns))
	for a, d := range cooldowns {
		cd[a] = d
	}
	return &Service{cooldowns: cd}
}

// Cooldown returns the configured cooldown for action.
func (s *Service) Cooldown(action Action) time.Duration {
	return s.cooldowns[action]
}

// Ticket is a provisional cooldown reservation. Call Cancel when the guarded
// operation fails so the player is not charged a cooldown for it.
type Ticket struct {
	res *rate.Reservation
	at  time.Time
}

// Cancel returns the reserved token. It is a no-op on a nil ticket.
func (t *Ticket) Cancel() {
	if t == nil || t.res == nil {
		return
	}
	t.res.CancelAt(t.at)
}

// Reserve claims the cooldown for (player, action) at now. When the cooldown
// has not elapsed it returns a *models.RateLimitError with the remaining time.
func (s *Service) Reserve(player string, action Action, now time.Time) (*Ticket, error) {
	cooldown := s.cooldowns[action]
	if cooldown <= 0 {
		return &Ticket{}, nil
	}

	lim := s.limiter(player, action, cooldown)
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return nil, &models.RateLimitError{Action: string(action), Remaining: cooldown}
	}
	if delay := res.DelayFrom(now); delay > slack {
		res.CancelAt(now)
		return nil, &models.RateLimitError{Action: string(action), Remaining: delay}
	}
	return &Ticket{res: res, at: now}, nil
}

// Remaining reports how long (player, action) must still wait at now without
// consuming anything.
func (s *Service) Remaining(player string, action Action, now time.Time) time.Duration {
	cooldown := s.cooldowns[action]
	if cooldown <= 0 {
		return 0
	}
	v, ok := s.limiters.Load(key{player, action})
	if !ok {
		return 0
	}
	res := v.(*rate.Limiter).ReserveN(now, 1)
	if !res.OK() {
		return cooldown
	}
	delay := res.DelayFrom(now)
	res.CancelAt(now)
	if delay <= slack {
		return 0
	}
	return delay
}

// Forget drops every limiter held for player, e.g. when the session ends.
func (s *Service) Forget(player string) {
	for a := range s.cooldowns {
		s.limiters.Delete(key{player, a})
	}
}

func (s *Service) limiter(player string, action Action, cooldown time.Duration) *rate.Limiter {
	k := key{player, action}
	if v, ok := s.limiters.Load(k); ok {
		return v.(*rate.Limiter)
	}
	v, _ := s.limiters.LoadOrStore(k, rate.NewLimiter(rate.Every(cooldown), 1))
	return v.(*rate.Limiter)
}
