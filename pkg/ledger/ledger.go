package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/sdmgr/pkg/log"
	"github.com/cuemby/sdmgr/pkg/metrics"
	"github.com/cuemby/sdmgr/pkg/storage"
	"github.com/cuemby/sdmgr/pkg/types"
)

// Transition describes a change in a check's (success, output) pair
type Transition struct {
	CheckID    string             `json:"check_id"`
	EntityKind string             `json:"entity_kind"`
	EntityID   string             `json:"entity_id"`
	Check      string             `json:"check"`
	Previous   *types.StatusCheck `json:"previous,omitempty"`
	Current    types.StatusCheck  `json:"current"`
}

// Sink receives transitions. Sinks are best-effort: errors are logged
// and never reach the caller of Record.
type Sink interface {
	Notify(ctx context.Context, t Transition) error
}

// Ledger keeps the latest outcome of every check and reports changes
type Ledger struct {
	store storage.Store
	sinks []Sink
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*checkLock
}

// checkLock serializes records for one check id. refs counts holders and
// waiters so the entry can be dropped once nobody needs it.
type checkLock struct {
	sync.Mutex
	refs int
}

// New creates a new ledger writing to store and notifying sinks
func New(store storage.Store, sinks ...Sink) *Ledger {
	return &Ledger{
		store: store,
		sinks: sinks,
		now:   time.Now,
		locks: make(map[string]*checkLock),
	}
}

// AddSink registers another transition sink
func (l *Ledger) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

func (l *Ledger) acquire(checkID string) *checkLock {
	l.mu.Lock()
	m, ok := l.locks[checkID]
	if !ok {
		m = &checkLock{}
		l.locks[checkID] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return m
}

func (l *Ledger) release(checkID string, m *checkLock) {
	m.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	m.refs--
	if m.refs == 0 {
		delete(l.locks, checkID)
	}
}

func (l *Ledger) heldLocks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *Ledger) currentSinks() []Sink {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Sink(nil), l.sinks...)
}

// Record stores the outcome of one check run and reports whether it was a
// transition. The first outcome recorded for a check id is a transition.
func (l *Ledger) Record(ctx context.Context, entityKind, entityID, check string, start time.Time, success bool, output string) (bool, error) {
	checkID := types.CheckID(entityKind, entityID, check)

	lock := l.acquire(checkID)
	defer l.release(checkID, lock)

	end := l.now()
	if start.IsZero() {
		start = end
	}

	previous, err := l.store.GetStatusCheck(checkID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return false, fmt.Errorf("failed to read status check %s: %w", checkID, err)
		}
		previous = nil
	}

	current := types.StatusCheck{
		CheckID:   checkID,
		StartTime: start,
		EndTime:   end,
		Success:   success,
		Output:    output,
	}
	if err := l.store.PutStatusCheck(&current); err != nil {
		return false, fmt.Errorf("failed to write status check %s: %w", checkID, err)
	}

	metrics.ChecksTotal.WithLabelValues(check, metrics.Result(success)).Inc()
	metrics.CheckDuration.WithLabelValues(check).Observe(end.Sub(start).Seconds())

	changed := previous == nil || previous.Success != success || previous.Output != output
	if !changed {
		return false, nil
	}

	metrics.CheckTransitionsTotal.WithLabelValues(check).Inc()

	t := Transition{
		CheckID:    checkID,
		EntityKind: entityKind,
		EntityID:   entityID,
		Check:      check,
		Previous:   previous,
		Current:    current,
	}
	for _, sink := range l.currentSinks() {
		if err := sink.Notify(ctx, t); err != nil {
			logger := log.WithCheck(checkID)
			logger.Warn().Err(err).Msgf("transition sink %T failed", sink)
		}
	}
	return true, nil
}

// List returns the stored outcomes whose check id starts with prefix
func (l *Ledger) List(prefix string) ([]*types.StatusCheck, error) {
	return l.store.ListStatusChecks(prefix)
}
