// Package store implements the shared in-memory key/value engine (spec
// component C3's keyed-string half): a string value map with optional
// per-key expiry, backed by a single mutex and a background expiry
// goroutine.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/pascaldekloe/respkv/shutdown"
)

type entry struct {
	value     []byte
	expiresAt time.Time
	hasExpiry bool
}

// deadline is one (instant, key) pair in the expiration index, ordered
// primarily by at and secondarily by key to break ties deterministically.
type deadline struct {
	at  time.Time
	key string
}

func less(a, b deadline) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.key < b.key
}

// Store is a mapping from key to value plus an expiration index, both
// guarded by one mutex so the two can never be mutated out of step.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	index   []deadline // sorted by (at, key); index[0] is the earliest

	wake chan struct{} // capacity 1: coalescing "earliest deadline changed" notify

	now func() time.Time // overridden in tests
}

// New creates an empty Store and starts its background expiry
// goroutine, which runs until sig fires.
func New(sig *shutdown.Signal) *Store {
	s := &Store{
		entries: make(map[string]entry),
		wake:    make(chan struct{}, 1),
		now:     time.Now,
	}
	go s.expireLoop(sig)
	return s
}

func (s *Store) lock()   { s.mu.Lock() }
func (s *Store) unlock() { s.mu.Unlock() }

// notifyWake coalesces concurrent notifications into a single pending
// wake-up.
func (s *Store) notifyWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Get returns the current value for key, or (nil, false) if absent or
// expired. Expired-but-not-yet-purged keys are treated as absent.
func (s *Store) Get(key string) ([]byte, bool) {
	s.lock()
	defer s.unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if e.hasExpiry && !e.expiresAt.After(s.now()) {
		return nil, false
	}
	return e.value, true
}

// Set stores value for key, optionally expiring after expire. expire <=
// 0 means no TTL.
func (s *Store) Set(key string, value []byte, expire time.Duration) {
	s.lock()
	defer s.unlock()

	var earliestBefore time.Time
	hadEarliest := len(s.index) > 0
	if hadEarliest {
		earliestBefore = s.index[0].at
	}

	if old, ok := s.entries[key]; ok && old.hasExpiry {
		s.removeIndex(deadline{at: old.expiresAt, key: key})
	}

	e := entry{value: value}
	if expire > 0 {
		e.hasExpiry = true
		e.expiresAt = s.now().Add(expire)
		s.insertIndex(deadline{at: e.expiresAt, key: key})
	}
	s.entries[key] = e

	if e.hasExpiry && (!hadEarliest || e.expiresAt.Before(earliestBefore)) {
		s.notifyWake()
	}
}

// Delete removes key unconditionally. It reports whether key was present.
func (s *Store) Delete(key string) bool {
	s.lock()
	defer s.unlock()

	old, ok := s.entries[key]
	if !ok {
		return false
	}
	delete(s.entries, key)
	if old.hasExpiry {
		s.removeIndex(deadline{at: old.expiresAt, key: key})
	}
	return true
}

func (s *Store) insertIndex(d deadline) {
	i := sort.Search(len(s.index), func(i int) bool { return !less(s.index[i], d) })
	s.index = append(s.index, deadline{})
	copy(s.index[i+1:], s.index[i:])
	s.index[i] = d
}

func (s *Store) removeIndex(d deadline) {
	i := sort.Search(len(s.index), func(i int) bool { return !less(s.index[i], d) })
	if i < len(s.index) && s.index[i] == d {
		s.index = append(s.index[:i], s.index[i+1:]...)
	}
}

// expireLoop owns the expiration index's removal side: find the
// earliest deadline, sleep until it's due or a wake-up arrives, purge
// due entries, repeat.
func (s *Store) expireLoop(sig *shutdown.Signal) {
	for {
		s.lock()
		var wait time.Duration
		var hasNext bool
		if len(s.index) > 0 {
			hasNext = true
			wait = s.index[0].at.Sub(s.now())
		}
		s.unlock()

		if !hasNext {
			select {
			case <-s.wake:
			case <-sig.Done():
				return
			}
			continue
		}

		if wait <= 0 {
			s.purgeDue()
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		case <-sig.Done():
			timer.Stop()
			return
		}
	}
}

func (s *Store) purgeDue() {
	s.lock()
	defer s.unlock()

	now := s.now()
	i := 0
	for i < len(s.index) && !s.index[i].at.After(now) {
		d := s.index[i]
		if e, ok := s.entries[d.key]; ok && e.hasExpiry && e.expiresAt.Equal(d.at) {
			delete(s.entries, d.key)
		}
		i++
	}
	s.index = s.index[i:]
}
