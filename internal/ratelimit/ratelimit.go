// Package ratelimit provides a per-client-IP request limiter and a
// cooperating auth-failure blocker, shared by the broker and façade HTTP
// surfaces.
package ratelimit

import (
	"container/list"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// entry tracks one client IP's recent request timestamps (a sliding-window
// log, not a fixed-window counter: a request from 59 seconds ago still
// counts against the limit, a request from 61 seconds ago does not) plus
// its auth-failure timestamps and any active block.
type entry struct {
	requests     []time.Time
	authFailures []time.Time
	blockedUntil time.Time
	lastSeen     time.Time
	lru          *list.Element
}

// Limiter enforces a requests-per-minute ceiling per IP via a sliding
// window, and blocks an IP for blockDuration once it accumulates
// authFailLimit failed auth attempts within a minute. Entries are kept on
// an LRU list so eviction under maxEntries never needs to re-sort the
// whole table.
type Limiter struct {
	mu            sync.Mutex
	requestLimit  int
	authFailLimit int
	blockDuration time.Duration
	maxEntries    int
	staleTTL      time.Duration
	pruneEvery    uint64
	opCount       uint64
	entries       map[string]*entry
	lru           *list.List // front = least recently used
}

// New builds a Limiter capped at 10k tracked IPs. A zero or negative
// argument selects that knob's default (120 req/min, 10 bad auths, a
// 10-minute block).
func New(requestLimit, authFailLimit int, blockDuration time.Duration) *Limiter {
	return NewWithBounds(requestLimit, authFailLimit, blockDuration, 10_000, 0, 256)
}

// NewWithBounds is New with explicit eviction knobs, exposed for tests.
func NewWithBounds(requestLimit, authFailLimit int, blockDuration time.Duration, maxEntries int, staleTTL time.Duration, pruneEvery uint64) *Limiter {
	if requestLimit <= 0 {
		requestLimit = 120
	}
	if authFailLimit <= 0 {
		authFailLimit = 10
	}
	if blockDuration <= 0 {
		blockDuration = 10 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	if staleTTL <= 0 {
		staleTTL = 30 * time.Minute
		if d := blockDuration * 3; d > staleTTL {
			staleTTL = d
		}
	}
	if pruneEvery == 0 {
		pruneEvery = 256
	}
	return &Limiter{
		requestLimit:  requestLimit,
		authFailLimit: authFailLimit,
		blockDuration: blockDuration,
		maxEntries:    maxEntries,
		staleTTL:      staleTTL,
		pruneEvery:    pruneEvery,
		entries:       make(map[string]*entry),
		lru:           list.New(),
	}
}

// Allow records one request from ip and reports whether it is still within
// the trailing-minute limit.
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e := l.touchLocked(ip, now)
	l.maybePruneLocked(now)

	if now.Before(e.blockedUntil) {
		return false
	}
	e.requests = dropBefore(e.requests, now.Add(-time.Minute))
	e.requests = append(e.requests, now)
	return len(e.requests) <= l.requestLimit
}

// AddAuthFailure records a failed bearer-token check for ip and reports
// whether this call just tripped the block threshold.
func (l *Limiter) AddAuthFailure(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e := l.touchLocked(ip, now)
	l.maybePruneLocked(now)

	e.authFailures = dropBefore(e.authFailures, now.Add(-time.Minute))
	e.authFailures = append(e.authFailures, now)
	if len(e.authFailures) >= l.authFailLimit {
		e.blockedUntil = now.Add(l.blockDuration)
		return true
	}
	return false
}

// ClearAuthFailures resets ip's auth-failure history, called after a
// successful authenticated request.
func (l *Limiter) ClearAuthFailures(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e := l.touchLocked(ip, now)
	e.authFailures = nil
	l.maybePruneLocked(now)
}

// touchLocked fetches (or creates) ip's entry and moves it to the back of
// the LRU list, marking it most recently used.
func (l *Limiter) touchLocked(ip string, now time.Time) *entry {
	e, ok := l.entries[ip]
	if !ok {
		e = &entry{lastSeen: now}
		e.lru = l.lru.PushBack(ip)
		l.entries[ip] = e
		return e
	}
	e.lastSeen = now
	l.lru.MoveToBack(e.lru)
	return e
}

func (l *Limiter) maybePruneLocked(now time.Time) {
	l.opCount++
	over := len(l.entries) > l.maxEntries
	periodic := l.opCount%l.pruneEvery == 0
	if !over && !periodic {
		return
	}
	l.pruneStaleLocked(now)
	l.pruneOverCapLocked()
}

// pruneStaleLocked walks the whole LRU list from the front, dropping every
// entry that has been idle past staleTTL and is not currently serving an
// active block.
func (l *Limiter) pruneStaleLocked(now time.Time) {
	cutoff := now.Add(-l.staleTTL)
	for el := l.lru.Front(); el != nil; {
		ip := el.Value.(string)
		e := l.entries[ip]
		next := el.Next()
		if e.lastSeen.Before(cutoff) && !now.Before(e.blockedUntil) {
			l.lru.Remove(el)
			delete(l.entries, ip)
		}
		el = next
	}
}

// pruneOverCapLocked evicts least-recently-used entries once the table is
// still over maxEntries after the stale sweep, skipping any entry that is
// currently blocked by moving it behind the cap line instead of dropping
// it (a blocked IP is the one piece of state callers most need preserved).
func (l *Limiter) pruneOverCapLocked() {
	over := len(l.entries) - l.maxEntries
	if over <= 0 {
		return
	}
	now := time.Now()
	el := l.lru.Front()
	for over > 0 && el != nil {
		next := el.Next()
		ip := el.Value.(string)
		e := l.entries[ip]
		if now.Before(e.blockedUntil) {
			l.lru.MoveToBack(el)
			el = next
			continue
		}
		l.lru.Remove(el)
		delete(l.entries, ip)
		over--
		el = next
	}
}

// dropBefore returns the suffix of times at or after cutoff, reusing the
// backing array since callers always rebuild ts via append right after.
func dropBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

// ClientIP extracts the host portion of a net/http Request.RemoteAddr.
func ClientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err == nil {
		return host
	}
	if strings.Contains(remoteAddr, ":") && strings.Count(remoteAddr, ":") == 1 {
		parts := strings.Split(remoteAddr, ":")
		if _, pErr := strconv.Atoi(parts[1]); pErr == nil {
			return parts[0]
		}
	}
	return remoteAddr
}
