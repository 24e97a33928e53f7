// Package lim rate-limits gate traffic by hashed wallet identity. Redis holds
// the shared fixed-window counters; a local token-bucket fallback takes over
// fail-closed when Redis is unreachable.
package lim

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"veilpost/metrics"
	"veilpost/svc/util"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
)

// Rule is one endpoint's budget, e.g. 30 unlocks per 60s window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Counter is the shared fixed-window backend. *db.Redis satisfies it.
type Counter interface {
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

type Limiter struct {
	counter       Counter
	mu            sync.Mutex
	localLimiters map[string]*limiterEntry
	quit          chan struct{}
	stopOnce      sync.Once
	evictionSem   chan struct{}
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// New builds a limiter. counter may be nil; every check then uses the local
// fallback.
func New(counter Counter) *Limiter {
	l := &Limiter{
		counter:       counter,
		localLimiters: make(map[string]*limiterEntry),
		quit:          make(chan struct{}),
		evictionSem:   make(chan struct{}, 1),
	}
	go l.cleanupLoop()
	return l
}

// Check consumes one slot of the identity's budget for the endpoint. The key
// is a hashed identity, never a raw address.
func (l *Limiter) Check(ctx context.Context, identityKey, endpoint string, rule Rule) *Result {
	if l.counter != nil {
		checkCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		usage, err := l.counter.RateLimit(checkCtx, "rl:"+endpoint+":"+identityKey, rule.Limit, rule.Window)
		if err != nil {
			util.Warn().Err(err).Msg("shared rate limit unavailable, using local fallback")
			return l.failClosedLocal(identityKey, endpoint, rule)
		}
		remaining := rule.Limit - usage
		if remaining < 0 {
			remaining = 0
		}
		res := &Result{
			Allowed:   usage <= rule.Limit,
			Limit:     rule.Limit,
			Remaining: remaining,
			Reset:     time.Now().Add(rule.Window),
		}
		if !res.Allowed {
			metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
		}
		return res
	}
	return l.failClosedLocal(identityKey, endpoint, rule)
}

// failClosedLocal approximates the rule with a per-key token bucket. At
// capacity it rejects rather than letting unknown keys through unmetered.
func (l *Limiter) failClosedLocal(identityKey, endpoint string, rule Rule) *Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := (maxLimiters * 9) / 10
	if len(l.localLimiters) >= threshold {
		toEvict := len(l.localLimiters) / 10
		if toEvict > 0 {
			select {
			case l.evictionSem <- struct{}{}:
				go func() {
					defer func() { <-l.evictionSem }()
					l.asyncEvictOldest(toEvict)
				}()
			default:
			}
		}
	}
	if len(l.localLimiters) >= maxLimiters {
		util.Warn().
			Int("limiters", len(l.localLimiters)).
			Str("identity", util.RedactIdentityHash(identityKey)).
			Msg("rate limiter at capacity, rejecting request")
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
		return &Result{Allowed: false, Limit: rule.Limit, Reset: time.Now().Add(rule.Window)}
	}

	key := identityKey + ":" + endpoint
	entry, exists := l.localLimiters[key]
	if !exists {
		perSecond := rate.Limit(float64(rule.Limit) / rule.Window.Seconds())
		entry = &limiterEntry{
			limiter:    rate.NewLimiter(perSecond, rule.Limit),
			lastAccess: time.Now(),
		}
		l.localLimiters[key] = entry
	} else {
		entry.lastAccess = time.Now()
	}
	if !entry.limiter.Allow() {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
		return &Result{Allowed: false, Limit: rule.Limit, Reset: time.Now().Add(rule.Window)}
	}
	return &Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - 1,
		Reset:     time.Now().Add(rule.Window),
	}
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictExpiredLimiters()
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) evictExpiredLimiters() {
	now := time.Now()
	toDelete := make([]string, 0, 100)
	l.mu.Lock()
	for key, entry := range l.localLimiters {
		if now.Sub(entry.lastAccess) > limiterTTL {
			toDelete = append(toDelete, key)
		}
	}
	for _, key := range toDelete {
		delete(l.localLimiters, key)
	}
	evicted := len(toDelete)
	remaining := len(l.localLimiters)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
}

func (l *Limiter) asyncEvictOldest(count int) {
	l.mu.Lock()
	if len(l.localLimiters) < (maxLimiters*8)/10 {
		l.mu.Unlock()
		return
	}
	type kv struct {
		key        string
		lastAccess time.Time
	}
	entries := make([]kv, 0, len(l.localLimiters))
	for k, v := range l.localLimiters {
		entries = append(entries, kv{k, v.lastAccess})
	}
	l.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < count && i < len(entries); i++ {
		delete(l.localLimiters, entries[i].key)
	}
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.quit) })
}
