// Package ledger implements the per-backend liveness accounting that
// decides when a backend may be killed. All operations run under a
// short-held lock; nothing here ever suspends.
package ledger

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TokenID identifies one outstanding per-request keep-alive extension.
// Ids are unique and strictly increasing for the lifetime of one Ledger.
type TokenID uint64

// Ledger is the mutable keep-alive state of one backend. The zero value is
// not usable; construct with New.
type Ledger struct {
	log *logrus.Entry

	mu            sync.Mutex
	aliveUntil    time.Time
	tokens        map[TokenID]time.Time
	tokenOrder    []TokenID // insertion order, for deterministic iteration/debugging
	nextTokenID   TokenID
	idleKeepAlive time.Duration
}

// New constructs a Ledger whose alive_until is initialized to aliveUntil
// and which has no outstanding tokens. idleKeepAlive is the D_idle duration
// applied whenever a token is released.
func New(log *logrus.Entry, aliveUntil time.Time, idleKeepAlive time.Duration) *Ledger {
	return &Ledger{
		log:           log,
		aliveUntil:    aliveUntil,
		tokens:        make(map[TokenID]time.Time),
		idleKeepAlive: idleKeepAlive,
	}
}

// IsAlive reports whether the backend must be kept running at now: true if
// alive_until > now, or any outstanding token's deadline is > now.
func (l *Ledger) IsAlive(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isAliveLocked(now)
}

func (l *Ledger) isAliveLocked(now time.Time) bool {
	if l.aliveUntil.After(now) {
		return true
	}
	for _, deadline := range l.tokens {
		if deadline.After(now) {
			return true
		}
	}
	return false
}

// ExtendIdleUntil sets alive_until to the later of its current value and t.
// Monotone: deadlines never regress.
func (l *Ledger) ExtendIdleUntil(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.After(l.aliveUntil) {
		l.aliveUntil = t
	}
}

// IssueToken allocates a fresh TokenID and records (id -> deadline).
func (l *Ledger) IssueToken(deadline time.Time) TokenID {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextTokenID
	l.nextTokenID++
	l.tokens[id] = deadline
	l.tokenOrder = append(l.tokenOrder, id)
	return id
}

// ReleaseToken removes the token's mapping if present and extends
// alive_until to now + D_idle: releasing a token means a request just
// finished, and the backend should stay warm to amortize startup cost for
// follow-up requests. Double-release is tolerated and logged at debug.
func (l *Ledger) ReleaseToken(id TokenID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	idleUntil := now.Add(l.idleKeepAlive)
	if idleUntil.After(l.aliveUntil) {
		l.aliveUntil = idleUntil
	}

	if _, present := l.tokens[id]; !present {
		if l.log != nil {
			l.log.WithField("token_id", id).Debug("token already invalidated")
		}
		return
	}
	delete(l.tokens, id)
	for i, tokenID := range l.tokenOrder {
		if tokenID == id {
			l.tokenOrder = append(l.tokenOrder[:i], l.tokenOrder[i+1:]...)
			break
		}
	}
}

// AliveUntil returns the current alive_until deadline, for tests and logs.
func (l *Ledger) AliveUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.aliveUntil
}

// TokenCount returns the number of outstanding tokens, for tests and logs.
func (l *Ledger) TokenCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tokens)
}
