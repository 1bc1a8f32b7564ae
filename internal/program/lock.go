package program

import (
	"context"
	"errors"
	"sync"
)

// ErrDisplaced is returned to a waiter whose place was taken by a newer caller.
var ErrDisplaced = errors.New("program: lock waiter displaced")

// LastInWinsMutex is a mutual-exclusion lock with at most one waiter. A new
// caller arriving while the lock is held replaces the current waiter, so when
// the lock frees it goes to the most recent request.
type LastInWinsMutex struct {
	mu     sync.Mutex
	held   bool
	waiter chan bool
}

// Acquire blocks until the lock is obtained, the caller is displaced
// (ErrDisplaced), or ctx ends. The returned func releases the lock and is
// safe to call more than once.
func (l *LastInWinsMutex) Acquire(ctx context.Context) (func(), error) {
	return l.Enter().Wait(ctx)
}

// Enter takes the caller's place at the lock without blocking: the lock
// itself when free, otherwise the single waiter slot, displacing whoever
// held it. Callers that must keep arrival order call Enter in that order and
// Wait elsewhere. Every ticket must be waited on.
func (l *LastInWinsMutex) Enter() *Ticket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		l.held = true
		return &Ticket{l: l, granted: true}
	}
	ch := make(chan bool, 1)
	if l.waiter != nil {
		l.waiter <- false
	}
	l.waiter = ch
	return &Ticket{l: l, ch: ch}
}

// Ticket is a place at a LastInWinsMutex taken by Enter.
type Ticket struct {
	l       *LastInWinsMutex
	ch      chan bool // buffered; true = lock handed over, false = displaced
	granted bool
}

// Wait blocks until the ticket's holder owns the lock, was displaced
// (ErrDisplaced), or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (func(), error) {
	l := t.l
	if t.granted {
		return l.releaser(), nil
	}
	select {
	case granted := <-t.ch:
		if !granted {
			return nil, ErrDisplaced
		}
		return l.releaser(), nil
	case <-ctx.Done():
		l.mu.Lock()
		if l.waiter == t.ch {
			l.waiter = nil
			l.mu.Unlock()
			return nil, ctx.Err()
		}
		l.mu.Unlock()
		// resolved concurrently with the cancellation
		if granted := <-t.ch; granted {
			l.release()
		}
		return nil, ctx.Err()
	}
}

// TryAcquire takes the lock only if it is free.
func (l *LastInWinsMutex) TryAcquire() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, false
	}
	l.held = true
	return l.releaser(), true
}

// Waiting reports whether a caller is queued.
func (l *LastInWinsMutex) Waiting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiter != nil
}

func (l *LastInWinsMutex) releaser() func() {
	var once sync.Once
	return func() { once.Do(l.release) }
}

func (l *LastInWinsMutex) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.waiter != nil {
		// ownership passes directly; held stays true
		l.waiter <- true
		l.waiter = nil
		return
	}
	l.held = false
}

// Key identifies one member's reply slot in one chat.
type Key struct {
	MemberID string
	ChatID   string
}

// LockTable lazily creates one LastInWinsMutex per key.
type LockTable struct {
	mu    sync.Mutex
	locks map[Key]*LastInWinsMutex
}

func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[Key]*LastInWinsMutex)}
}

// Get returns the lock for key, creating it on first use.
func (t *LockTable) Get(key Key) *LastInWinsMutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[key]
	if !ok {
		l = &LastInWinsMutex{}
		t.locks[key] = l
	}
	return l
}
