package ratelimit

import (
	"sync"
	"time"
)

type State string

const (
	StateNormal  State = "NORMAL"
	StateSoft    State = "SOFT_BACKOFF"
	StateHardBan State = "HARD_BAN"
)

const maxMultiplier = 16

type Backoff struct {
	mu          sync.Mutex
	state       State
	until       time.Time
	multiplier  int
	consecutive int
	softBase    time.Duration
	hardBase    time.Duration
	now         func() time.Time
}

func NewBackoff(softBase, hardBase time.Duration) *Backoff {
	if softBase <= 0 {
		softBase = 5 * time.Second
	}
	if hardBase <= 0 {
		hardBase = 2 * time.Minute
	}
	return &Backoff{
		state:      StateNormal,
		multiplier: 1,
		softBase:   softBase,
		hardBase:   hardBase,
		now:        time.Now,
	}
}

func (b *Backoff) OnThrottle(hard bool, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if hard {
		if retryAfter <= 0 {
			retryAfter = b.hardBase
		}
		b.state = StateHardBan
		b.until = now.Add(retryAfter)
		b.consecutive++
		return
	}

	if retryAfter <= 0 {
		retryAfter = b.softBase
	}
	b.consecutive++
	b.state = StateSoft
	b.until = now.Add(retryAfter * time.Duration(b.multiplier))
	if b.multiplier < maxMultiplier {
		b.multiplier *= 2
	}
}

// OnCleanWindow ослабляет мягкий бэкофф на один шаг после чистого запроса.
func (b *Backoff) OnCleanWindow() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateSoft {
		return
	}
	b.consecutive = 0
	if b.multiplier > 1 {
		b.multiplier /= 2
	}
	if b.multiplier <= 1 {
		b.multiplier = 1
		b.state = StateNormal
	}
}

func (b *Backoff) Blocked() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Before(b.until) {
		return true, b.until.Sub(now)
	}
	if b.state == StateHardBan {
		b.state = StateNormal
		b.multiplier = 1
		b.consecutive = 0
	}
	return false, 0
}

func (b *Backoff) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
