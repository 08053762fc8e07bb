// Package watchlist keeps the transaction hashes the reconciler follows closely, between the moment they are
// broadcast and the moment they settle.
package watchlist

import (
	"sort"
	"sync"
	"time"
)

// Status values control whether a Watchlist accepts new hashes.
const (
	Work int = 0
	Stop int = 1
)

// Entry is a watched transaction.
type Entry struct {
	Hash  string
	Added time.Time
	Polls int
}

// Watchlist is a concurrent set of watched transactions. It is bounded: once full, Add refuses new hashes and the
// periodic pass picks them up instead.
type Watchlist struct {
	l      sync.Mutex
	status int
	max    int
	m      map[string]*Entry
}

// New returns a working watchlist holding at most max hashes. A non positive max means unbounded.
func New(max int) *Watchlist {
	return &Watchlist{max: max, m: make(map[string]*Entry)}
}

// Add starts watching hash and reports whether it was accepted. Adding a watched hash keeps its original entry.
func (w *Watchlist) Add(hash string, now time.Time) bool {
	w.l.Lock()
	defer w.l.Unlock()

	if w.status == Stop {
		return false
	}

	if _, ok := w.m[hash]; ok {
		return true
	}

	if w.max > 0 && len(w.m) >= w.max {
		return false
	}

	w.m[hash] = &Entry{Hash: hash, Added: now}

	return true
}

// Del stops watching hash, returning its entry and an ok flag.
func (w *Watchlist) Del(hash string) (Entry, bool) {
	w.l.Lock()
	defer w.l.Unlock()

	e, ok := w.m[hash]
	if !ok {
		return Entry{}, false
	}

	delete(w.m, hash)

	return *e, true
}

// Polled counts one more poll of hash.
func (w *Watchlist) Polled(hash string) {
	w.l.Lock()
	if e, ok := w.m[hash]; ok {
		e.Polls++
	}
	w.l.Unlock()
}

// Expire drops the hashes added before cutoff and returns them.
func (w *Watchlist) Expire(cutoff time.Time) []string {
	w.l.Lock()
	defer w.l.Unlock()

	var r []string

	for h, e := range w.m {
		if e.Added.Before(cutoff) {
			r = append(r, h)
			delete(w.m, h)
		}
	}

	sort.Strings(r)

	return r
}

// Snapshot returns the watched entries, oldest first.
func (w *Watchlist) Snapshot() []Entry {
	w.l.Lock()
	r := make([]Entry, 0, len(w.m))
	for _, e := range w.m {
		r = append(r, *e)
	}
	w.l.Unlock()

	sort.Slice(r, func(i, j int) bool {
		if r[i].Added.Equal(r[j].Added) {
			return r[i].Hash < r[j].Hash
		}

		return r[i].Added.Before(r[j].Added)
	})

	return r
}

// Len returns the number of watched hashes.
func (w *Watchlist) Len() int {
	w.l.Lock()
	defer w.l.Unlock()

	return len(w.m)
}

// Stop sets status to Stop. Watched hashes are kept.
func (w *Watchlist) Stop() {
	w.l.Lock()
	w.status = Stop
	w.l.Unlock()
}

// Start sets status to Work.
func (w *Watchlist) Start() {
	w.l.Lock()
	w.status = Work
	w.l.Unlock()
}

// Status returns the current status.
func (w *Watchlist) Status() int {
	w.l.Lock()
	defer w.l.Unlock()

	return w.status
}
