package ratelimit

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Kind names an independently limited class of operation.
type Kind string

const (
	KindConnection Kind = "connection"
	KindMessage    Kind = "message"
	KindUpdate     Kind = "update"
)

// sweepProbability is the chance that a single Admit call also evicts expired entries.
const sweepProbability = 0.01

type Config struct {
	Window      time.Duration `mapstructure:"window"`
	MaxRequests int           `mapstructure:"maxRequests"`
}

type entry struct {
	count       int
	windowStart time.Time
	blocked     bool
}

// Limiter is a fixed window counter keyed by client id.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry

	now    func() time.Time
	sample func() float64
}

func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		entries: make(map[string]*entry),
		now:     time.Now,
		sample:  rand.Float64,
	}
}

// Admit reports whether the call is allowed. Once a client crosses MaxRequests it stays
// rejected until its window expires.
func (l *Limiter) Admit(clientID string) bool {
	if l == nil || l.cfg.MaxRequests <= 0 || l.cfg.Window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.sample() < sweepProbability {
		l.sweepLocked(now)
	}

	e, ok := l.entries[clientID]
	if !ok || now.Sub(e.windowStart) >= l.cfg.Window {
		l.entries[clientID] = &entry{count: 1, windowStart: now}
		return true
	}

	e.count++
	if e.blocked {
		return false
	}
	if e.count > l.cfg.MaxRequests {
		e.blocked = true
		return false
	}
	return true
}

// Len returns the number of tracked clients, expired ones included.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Limiter) sweepLocked(now time.Time) {
	for id, e := range l.entries {
		if now.Sub(e.windowStart) >= l.cfg.Window {
			delete(l.entries, id)
		}
	}
}

// Set holds one Limiter per Kind so exhausting one kind never affects another.
type Set struct {
	limiters map[Kind]*Limiter
}

func NewSet(cfgs map[Kind]Config) *Set {
	s := &Set{limiters: make(map[Kind]*Limiter, len(cfgs))}
	for kind, cfg := range cfgs {
		s.limiters[kind] = NewLimiter(cfg)
	}
	return s
}

// Admit applies the limiter configured for kind. Unconfigured kinds are always admitted.
func (s *Set) Admit(kind Kind, clientID string) bool {
	if s == nil {
		return true
	}
	return s.limiters[kind].Admit(clientID)
}

func (s *Set) Limiter(kind Kind) *Limiter {
	return s.limiters[kind]
}
