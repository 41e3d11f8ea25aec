package supervisor

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"
)

// RoutineStats aggregates every run started under one name.
type RoutineStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Started     uint64    `json:"started"`
	Panics      uint64    `json:"panics"`
	Restarts    uint64    `json:"restarts"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
	LastPanic   string    `json:"last_panic,omitempty"`
}

// Snapshot is a point-in-time copy, routines sorted by name.
type Snapshot struct {
	Active     int64          `json:"active"`
	FirstError string         `json:"first_error,omitempty"`
	Routines   []RoutineStats `json:"routines"`
}

// Snapshot is safe on a nil Supervisor.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Active: s.running.Load(), Routines: s.book.copy()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	return snap
}

type ledger struct {
	mu     sync.Mutex
	byName map[string]*RoutineStats
}

func (l *ledger) entry(name string) *RoutineStats {
	st, ok := l.byName[name]
	if !ok {
		st = &RoutineStats{Name: name}
		l.byName[name] = st
	}
	return st
}

// started returns the start time so restart loops can tell how long a
// run lasted.
func (l *ledger) started(name string, restart bool) time.Time {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.entry(name)
	st.Started++
	st.Active++
	if restart {
		st.Restarts++
	}
	st.LastStartAt = now
	return now
}

func (l *ledger) stopped(name string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.entry(name)
	st.Active = max(st.Active-1, 0)
	if err != nil {
		st.LastErr = err.Error()
	}
}

func (l *ledger) panicked(name string, r any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.entry(name)
	st.Panics++
	st.LastPanic = fmt.Sprint(r)
}

func (l *ledger) copy() []RoutineStats {
	l.mu.Lock()
	out := make([]RoutineStats, 0, len(l.byName))
	for _, st := range l.byName {
		out = append(out, *st)
	}
	l.mu.Unlock()
	slices.SortFunc(out, func(a, b RoutineStats) int { return cmp.Compare(a.Name, b.Name) })
	return out
}
