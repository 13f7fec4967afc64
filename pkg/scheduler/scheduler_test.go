package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/sdmgr/pkg/events"
	"github.com/cuemby/sdmgr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type domainList struct {
	domains []*types.Domain
	err     error
}

func (l domainList) ListActiveDomains() ([]*types.Domain, error) {
	return l.domains, l.err
}

func domains(n int) domainList {
	var l domainList
	for i := 1; i <= n; i++ {
		l.domains = append(l.domains, &types.Domain{ID: i, Name: fmt.Sprintf("example%d.com", i), Active: true})
	}
	return l
}

// fakeChecker records the domains it saw. When block is set each check
// waits for it to close or for its context to end.
type fakeChecker struct {
	mu        sync.Mutex
	checked   []string
	block     chan struct{}
	panicOn   string
	running   atomic.Int32
	peak      atomic.Int32
	cancelled atomic.Int32
}

func (c *fakeChecker) CheckDomain(ctx context.Context, d *types.Domain) *types.DomainReport {
	n := c.running.Add(1)
	defer c.running.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if d.Name == c.panicOn {
		panic("boom")
	}
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			c.cancelled.Add(1)
		}
	} else {
		time.Sleep(5 * time.Millisecond)
	}

	c.mu.Lock()
	c.checked = append(c.checked, d.Name)
	c.mu.Unlock()
	return &types.DomainReport{Domain: d.Name, Checks: []types.CheckResult{{Check: "ns_records", Success: true}}}
}

func (c *fakeChecker) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.checked)
}

func TestRunOnceChecksEveryDomain(t *testing.T) {
	checker := &fakeChecker{}
	s := NewScheduler(domains(5), checker, Config{MaxConcurrent: 2})

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, checker.count())
	assert.LessOrEqual(t, checker.peak.Load(), int32(2))
	assert.False(t, s.InFlight())
}

func TestRunOnceListError(t *testing.T) {
	s := NewScheduler(domainList{err: errors.New("db closed")}, &fakeChecker{}, Config{})

	_, err := s.RunOnce(context.Background())
	assert.ErrorContains(t, err, "db closed")
	assert.False(t, s.InFlight())
}

func TestRunOnceSurvivesPanics(t *testing.T) {
	checker := &fakeChecker{panicOn: "example2.com"}
	s := NewScheduler(domains(3), checker, Config{})

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, checker.count())
}

func TestSweepSkipsWhileInFlight(t *testing.T) {
	checker := &fakeChecker{block: make(chan struct{})}
	s := NewScheduler(domains(2), checker, Config{})
	defer s.Stop()

	require.True(t, s.Sweep())
	assert.True(t, s.InFlight())
	assert.False(t, s.Sweep())

	_, err := s.RunOnce(context.Background())
	assert.Error(t, err)

	close(checker.block)
	assert.Eventually(t, func() bool { return !s.InFlight() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, checker.count())

	assert.True(t, s.Sweep())
}

func TestSweepPublishesEvents(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	s := NewScheduler(domains(1), &fakeChecker{}, Config{Publisher: broker})
	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	var seen []events.EventType
	timeout := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-sub:
			seen = append(seen, ev.Type)
		case <-timeout:
			t.Fatalf("only received %v", seen)
		}
	}
	assert.Equal(t, []events.EventType{events.EventSweepStarted, events.EventSweepCompleted}, seen)
}

func TestStopCancelsInFlightChecks(t *testing.T) {
	checker := &fakeChecker{block: make(chan struct{})}
	s := NewScheduler(domains(3), checker, Config{MaxConcurrent: 3})

	require.True(t, s.Sweep())
	assert.Eventually(t, func() bool { return checker.running.Load() == 3 }, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.Equal(t, int32(3), checker.cancelled.Load())
	assert.False(t, s.InFlight())
	assert.False(t, s.Sweep())
}

func TestSweepRacingStop(t *testing.T) {
	for i := 0; i < 20; i++ {
		s := NewScheduler(domains(2), &fakeChecker{}, Config{})

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.Sweep()
			}()
		}
		s.Stop()
		wg.Wait()

		assert.False(t, s.Sweep())
		s.Stop()
		assert.False(t, s.InFlight())
	}
}

func TestStartTicks(t *testing.T) {
	checker := &fakeChecker{}
	s := NewScheduler(domains(1), checker, Config{Interval: 10 * time.Millisecond})
	require.True(t, s.Enabled())

	s.Start()
	assert.Eventually(t, func() bool { return checker.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestStartDisabled(t *testing.T) {
	checker := &fakeChecker{}
	s := NewScheduler(domains(1), checker, Config{})
	assert.False(t, s.Enabled())

	s.Start()
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, checker.count())
	s.Stop()
}

func TestCheckOne(t *testing.T) {
	checker := &fakeChecker{}
	s := NewScheduler(domains(0), checker, Config{})

	report := s.CheckOne(context.Background(), &types.Domain{Name: "example.com"})
	assert.Equal(t, "example.com", report.Domain)
	assert.True(t, report.Success())
}
