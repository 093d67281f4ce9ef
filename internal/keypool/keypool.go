// Package keypool manages a pool of provider credentials with per-key rate
// limiting and health tracking, so outbound embedding and LLM calls spread
// load across keys and route around bad ones.
package keypool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/shubamchaudhary/ChunkAI-sub000/internal/config"
	"github.com/shubamchaudhary/ChunkAI-sub000/pkg/observability"
)

var (
	// ErrNoKeyAvailable is returned when no key frees up before the caller's deadline
	ErrNoKeyAvailable = errors.New("no key available")

	// ErrAllKeysUnhealthy is returned when every key is cooling down at the deadline
	ErrAllKeysUnhealthy = errors.New("all keys unhealthy")

	// ErrPoolClosed is returned when acquiring from a closed pool
	ErrPoolClosed = errors.New("key pool closed")
)

// Health is a key's position in its health state machine
type Health string

// Key health states. An unhealthy key re-enters service through a single
// probe request after its cooldown elapses.
const (
	HealthHealthy   Health = "HEALTHY"
	HealthUnhealthy Health = "UNHEALTHY"
	HealthProbing   Health = "PROBING"
)

// FailureKind classifies a provider call failure for health accounting
type FailureKind int

const (
	// FailureTransient covers 5xx responses and connection errors
	FailureTransient FailureKind = iota

	// FailureRateLimited covers provider 429 responses
	FailureRateLimited

	// FailureKeyLeaked covers 403 / "key leaked" responses; the key is
	// cooled down immediately regardless of its failure run
	FailureKeyLeaked
)

func (k FailureKind) String() string {
	switch k {
	case FailureRateLimited:
		return "rate_limited"
	case FailureKeyLeaked:
		return "key_leaked"
	default:
		return "transient"
	}
}

// key is the pool's internal per-credential state. All fields are guarded
// by the pool mutex except the limiter, which is internally synchronized.
type key struct {
	id     string
	secret string
	rpm    int
	rpd    int

	limiter *rate.Limiter

	health              Health
	consecutiveFailures int
	cooldownUntil       time.Time
	probeInFlight       bool

	usedToday int64
	dayStart  time.Time

	lastSuccessAt *time.Time
	lastFailureAt *time.Time
}

// Pool hands out leases on credentials. One mutex guards bucket scans,
// health state and the waiter queue.
type Pool struct {
	keys             []*key
	cooldown         time.Duration
	failureThreshold int

	waiters []chan struct{}
	closed  bool

	logger  observability.Logger
	metrics observability.MetricsClient

	stopRefill chan struct{}
	wg         sync.WaitGroup

	mu sync.Mutex
}

// Lease is a held credential. Exactly one of Success or Failure must be
// called when the provider call finishes.
type Lease struct {
	pool  *Pool
	keyID string

	secret string
	closed bool
	mu     sync.Mutex
}

// KeyID returns the leased key's identifier
func (l *Lease) KeyID() string {
	return l.keyID
}

// Credential returns the leased key's secret
func (l *Lease) Credential() string {
	return l.secret
}

// Success reports that the provider call with this lease succeeded
func (l *Lease) Success() {
	l.close(func(p *Pool) { p.reportSuccess(l.keyID) })
}

// Failure reports that the provider call with this lease failed
func (l *Lease) Failure(kind FailureKind) {
	l.close(func(p *Pool) { p.reportFailure(l.keyID, kind) })
}

func (l *Lease) close(report func(*Pool)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	report(l.pool)
}

// New creates a key pool from the configured credentials
func New(cfg config.KeyPoolConfig, logger observability.Logger, metrics observability.MetricsClient) (*Pool, error) {
	if len(cfg.Keys) == 0 {
		return nil, errors.New("key pool requires at least one key")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = 2 * time.Minute
	}
	threshold := cfg.ConsecutiveFailureThreshold
	if threshold <= 0 {
		threshold = 3
	}

	now := time.Now()
	keys := make([]*key, 0, len(cfg.Keys))
	for _, kc := range cfg.Keys {
		if kc.ID == "" || kc.Secret == "" {
			return nil, errors.New("key pool entries require id and secret")
		}
		rpm := kc.RPM
		if rpm <= 0 {
			rpm = 60
		}
		keys = append(keys, &key{
			id:     kc.ID,
			secret: kc.Secret,
			rpm:    rpm,
			rpd:    kc.RPD,
			// Bucket capacity is the configured RPM, refilling linearly
			limiter:  rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
			health:   HealthHealthy,
			dayStart: now,
		})
	}

	p := &Pool{
		keys:             keys,
		cooldown:         cooldown,
		failureThreshold: threshold,
		logger:           logger.WithPrefix("keypool"),
		metrics:          metrics,
		stopRefill:       make(chan struct{}),
	}

	// Refill happens continuously inside rate.Limiter; the tick only exists
	// to wake waiters that blocked while every bucket was empty.
	p.wg.Add(1)
	go p.refillLoop()

	return p, nil
}

func (p *Pool) refillLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			p.wakeOneLocked()
			p.mu.Unlock()
		case <-p.stopRefill:
			return
		}
	}
}

// Acquire blocks until a key with bucket capacity and OK health is
// available, or ctx expires. Bound the wait with a context deadline.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if lease := p.tryAcquireLocked(); lease != nil {
			p.mu.Unlock()
			return lease, nil
		}

		waiter := make(chan struct{}, 1)
		p.waiters = append(p.waiters, waiter)
		p.mu.Unlock()

		select {
		case <-waiter:
			continue
		case <-ctx.Done():
			p.mu.Lock()
			p.removeWaiterLocked(waiter)
			allUnhealthy := p.allUnhealthyLocked()
			p.mu.Unlock()

			p.metrics.IncrementCounter("keypool_acquire_timeouts", 1)
			if allUnhealthy {
				return nil, ErrAllKeysUnhealthy
			}
			return nil, ErrNoKeyAvailable
		}
	}
}

// tryAcquireLocked scans keys in increasing bucket-utilisation order and
// leases the first one that is admissible and has a token.
func (p *Pool) tryAcquireLocked() *Lease {
	now := time.Now()

	candidates := make([]*key, len(p.keys))
	copy(candidates, p.keys)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].utilisation() < candidates[j].utilisation()
	})

	for _, k := range candidates {
		if !p.admissibleLocked(k, now) {
			continue
		}
		if !k.limiter.Allow() {
			continue
		}

		k.rollDayLocked(now)
		k.usedToday++
		if k.health == HealthProbing {
			k.probeInFlight = true
		}

		p.metrics.RecordCounter("keypool_leases", 1, map[string]string{"key": k.id})
		return &Lease{pool: p, keyID: k.id, secret: k.secret}
	}
	return nil
}

// admissibleLocked applies health and daily-budget gates, performing the
// UNHEALTHY to PROBING transition when a cooldown has elapsed.
func (p *Pool) admissibleLocked(k *key, now time.Time) bool {
	if k.health == HealthUnhealthy {
		if now.Before(k.cooldownUntil) {
			return false
		}
		k.health = HealthProbing
		k.probeInFlight = false
		p.logger.Info("Key entering probe state", map[string]interface{}{"key": k.id})
	}

	// PROBING admits exactly one in-flight request
	if k.health == HealthProbing && k.probeInFlight {
		return false
	}

	k.rollDayLocked(now)
	if k.rpd > 0 && k.usedToday >= int64(k.rpd) {
		return false
	}
	return true
}

func (k *key) utilisation() float64 {
	return 1.0 - k.limiter.Tokens()/float64(k.rpm)
}

func (k *key) rollDayLocked(now time.Time) {
	if now.Sub(k.dayStart) >= 24*time.Hour {
		k.dayStart = now
		k.usedToday = 0
	}
}

func (p *Pool) reportSuccess(keyID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := p.findLocked(keyID)
	if k == nil {
		return
	}

	now := time.Now()
	k.lastSuccessAt = &now
	k.consecutiveFailures = 0

	if k.health == HealthProbing {
		k.health = HealthHealthy
		k.probeInFlight = false
		p.logger.Info("Key recovered", map[string]interface{}{"key": k.id})
	}

	p.metrics.RecordCounter("keypool_reports", 1, map[string]string{"key": k.id, "outcome": "success"})
	p.wakeOneLocked()
}

func (p *Pool) reportFailure(keyID string, kind FailureKind) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := p.findLocked(keyID)
	if k == nil {
		return
	}

	now := time.Now()
	k.lastFailureAt = &now
	k.consecutiveFailures++

	switch {
	case kind == FailureKeyLeaked:
		p.coolDownLocked(k, now, kind)
	case k.health == HealthProbing:
		p.coolDownLocked(k, now, kind)
	case k.consecutiveFailures >= p.failureThreshold:
		p.coolDownLocked(k, now, kind)
	}

	p.metrics.RecordCounter("keypool_reports", 1, map[string]string{"key": k.id, "outcome": kind.String()})
	p.wakeOneLocked()
}

func (p *Pool) coolDownLocked(k *key, now time.Time, kind FailureKind) {
	k.health = HealthUnhealthy
	k.probeInFlight = false
	k.cooldownUntil = now.Add(p.cooldown)
	p.logger.Warn("Key marked unhealthy", map[string]interface{}{
		"key":                  k.id,
		"kind":                 kind.String(),
		"consecutive_failures": k.consecutiveFailures,
		"cooldown_until":       k.cooldownUntil.Format(time.RFC3339),
	})
}

func (p *Pool) findLocked(keyID string) *key {
	for _, k := range p.keys {
		if k.id == keyID {
			return k
		}
	}
	return nil
}

func (p *Pool) allUnhealthyLocked() bool {
	now := time.Now()
	for _, k := range p.keys {
		if k.health != HealthUnhealthy || !now.Before(k.cooldownUntil) {
			return false
		}
	}
	return true
}

// wakeOneLocked hands the signal to the longest-waiting acquirer
func (p *Pool) wakeOneLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	select {
	case w <- struct{}{}:
	default:
	}
}

func (p *Pool) removeWaiterLocked(waiter chan struct{}) {
	for i, w := range p.waiters {
		if w == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// KeyStats is a point-in-time view of one key
type KeyStats struct {
	ID                  string
	Health              Health
	RPM                 int
	TokensAvailable     float64
	UsedToday           int64
	ConsecutiveFailures int
	CooldownUntil       time.Time
	LastSuccessAt       *time.Time
	LastFailureAt       *time.Time
}

// Stats returns a snapshot of every key's limits and health
func (p *Pool) Stats() []KeyStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make([]KeyStats, 0, len(p.keys))
	for _, k := range p.keys {
		stats = append(stats, KeyStats{
			ID:                  k.id,
			Health:              k.health,
			RPM:                 k.rpm,
			TokensAvailable:     k.limiter.Tokens(),
			UsedToday:           k.usedToday,
			ConsecutiveFailures: k.consecutiveFailures,
			CooldownUntil:       k.cooldownUntil,
			LastSuccessAt:       k.lastSuccessAt,
			LastFailureAt:       k.lastFailureAt,
		})
	}
	return stats
}

// Size returns the number of keys in the pool
func (p *Pool) Size() int {
	return len(p.keys)
}

// Close shuts the pool down and fails all pending acquires
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, w := range p.waiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	p.waiters = nil
	p.mu.Unlock()

	close(p.stopRefill)
	p.wg.Wait()
}
