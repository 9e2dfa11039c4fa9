// Package admission gates WebSocket upgrade attempts: an upgrade-rate
// pre-filter, an optional origin allow-list, a global
// concurrent-connection ceiling, and a per-remote-IP
// concurrent-connection ceiling. Grounded on the teacher's
// internal/ratelimit.Limiter (a per-IP golang.org/x/time/rate bucket
// with idle-bucket eviction), folded in here as upgradeRateLimiter
// since this package is its only caller — generalized into the full
// ordered-check admission contract spec.md §4.2 requires.
package admission

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limits, per spec.md §6.
const (
	MaxGlobalConnections = 1000
	MaxConnsPerIP        = 10
)

// Reason enumerates why an upgrade attempt was rejected.
type Reason string

const (
	ReasonForbiddenOrigin  Reason = "forbidden_origin"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonServerBusy       Reason = "server_busy"
	ReasonTooManyPerIP     Reason = "too_many_per_ip"
	ReasonLockPoisoned     Reason = "lock_poisoned"
)

// Rejection is returned by Admit when an upgrade attempt is denied. It
// carries the HTTP status code the PublicSurface must respond with.
type Rejection struct {
	Reason  Reason
	Status  int
	Message string
}

func (r *Rejection) Error() string { return r.Message }

func reject(reason Reason, status int, message string) *Rejection {
	return &Rejection{Reason: reason, Status: status, Message: message}
}

var (
	rejectForbiddenOrigin = reject(ReasonForbiddenOrigin, http.StatusForbidden, "Forbidden Origin")
	rejectPreFilterBusy   = reject(ReasonRateLimited, http.StatusTooManyRequests, "Rate Limit Exceeded")
	rejectServerBusy      = reject(ReasonServerBusy, http.StatusServiceUnavailable, "Server Busy")
	rejectTooManyPerIP    = reject(ReasonTooManyPerIP, http.StatusTooManyRequests, "Rate Limit Exceeded")
	rejectLockPoisoned    = reject(ReasonLockPoisoned, http.StatusInternalServerError, "Lock Poisoned")
)

// Ticket is a scoped capability proving a connection was admitted. Its
// Release must run on every termination path; it is safe to call
// Release more than once.
type Ticket struct {
	ip       string
	released atomic.Bool
	owner    *Controller
}

// Release decrements the per-IP counter with saturating-at-zero
// semantics and removes the map entry once it reaches zero, then
// decrements the global counter. Idempotent.
func (t *Ticket) Release() {
	if !t.released.CompareAndSwap(false, true) {
		return
	}
	t.owner.releaseIP(t.ip)
	t.owner.global.Add(-1)
}

// upgradeRateLimitPerSecond and upgradeRateLimitBurst bound the
// upgrade-attempt pre-filter: 10 attempts/second per IP, burst 20.
const (
	upgradeRateLimitPerSecond = 10
	upgradeRateLimitBurst     = 20
	upgradeBucketIdleTTL      = 3 * time.Minute
	upgradeBucketSweepEvery   = time.Minute
)

// upgradeRateLimiter throttles WebSocket upgrade attempts per remote IP
// with a token bucket (golang.org/x/time/rate), evicting buckets that
// have gone quiet so a long-running process doesn't accumulate one
// bucket per IP it has ever seen.
type upgradeRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*upgradeBucket
	r       rate.Limit
	burst   int
}

type upgradeBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newUpgradeRateLimiter(r rate.Limit, burst int) *upgradeRateLimiter {
	l := &upgradeRateLimiter{
		buckets: make(map[string]*upgradeBucket),
		r:       r,
		burst:   burst,
	}
	go l.evictIdleBuckets()
	return l
}

// allow reports whether an upgrade attempt from ip may proceed,
// lazily creating that IP's bucket on first sight.
func (l *upgradeRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &upgradeBucket{limiter: rate.NewLimiter(l.r, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	return b.limiter.Allow()
}

func (l *upgradeRateLimiter) evictIdleBuckets() {
	ticker := time.NewTicker(upgradeBucketSweepEvery)
	defer ticker.Stop()

	for range ticker.C {
		l.evictOnce()
	}
}

// evictOnce removes every bucket idle longer than upgradeBucketIdleTTL.
// Split out of evictIdleBuckets so a test can drive one sweep without
// waiting on the real ticker.
func (l *upgradeRateLimiter) evictOnce() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.buckets {
		if time.Since(b.lastSeen) > upgradeBucketIdleTTL {
			delete(l.buckets, ip)
		}
	}
}

// Controller implements the ordered admission checks of spec.md §4.2.
type Controller struct {
	allowedOrigin string

	preFilter *upgradeRateLimiter
	global    atomic.Int64
	perIPMu   sync.Mutex
	perIP     map[string]int
}

// NewController builds a Controller. An empty allowedOrigin disables
// the origin allow-list check entirely.
func NewController(allowedOrigin string) *Controller {
	return &Controller{
		allowedOrigin: allowedOrigin,
		preFilter:     newUpgradeRateLimiter(upgradeRateLimitPerSecond, upgradeRateLimitBurst),
		perIP:         make(map[string]int),
	}
}

// Admit runs the ordered checks and, on success, increments the per-IP
// and global counters and returns a Ticket the caller must Release on
// every termination path. First failure wins.
func (c *Controller) Admit(remoteIP, origin string) (*Ticket, *Rejection) {
	// Ambient pre-filter: defense-in-depth against upgrade floods. This
	// is a request-rate check, distinct from (and additional to) the
	// per-IP *concurrent connection* ceiling below.
	if !c.preFilter.allow(remoteIP) {
		return nil, rejectPreFilterBusy
	}

	if c.allowedOrigin != "" && origin != "" && origin != c.allowedOrigin {
		return nil, rejectForbiddenOrigin
	}

	if c.global.Load() >= MaxGlobalConnections {
		return nil, rejectServerBusy
	}

	ticket, rej := c.admitPerIP(remoteIP)
	if rej != nil {
		return nil, rej
	}

	c.global.Add(1)
	return ticket, nil
}

func (c *Controller) admitPerIP(ip string) (*Ticket, *Rejection) {
	if c == nil {
		return nil, rejectLockPoisoned
	}

	c.perIPMu.Lock()
	defer c.perIPMu.Unlock()

	if c.perIP[ip] >= MaxConnsPerIP {
		return nil, rejectTooManyPerIP
	}

	c.perIP[ip]++
	return &Ticket{ip: ip, owner: c}, nil
}

func (c *Controller) releaseIP(ip string) {
	c.perIPMu.Lock()
	defer c.perIPMu.Unlock()

	if c.perIP[ip] <= 1 {
		delete(c.perIP, ip)
		return
	}
	c.perIP[ip]--
}

// GlobalCount returns the current live-connection count (advisory;
// admission serialization is by the counters above, not by readers of
// this value).
func (c *Controller) GlobalCount() int64 { return c.global.Load() }

// PerIPCount returns the current live-connection count for ip.
func (c *Controller) PerIPCount(ip string) int {
	c.perIPMu.Lock()
	defer c.perIPMu.Unlock()
	return c.perIP[ip]
}
