package poll

import (
	"context"
	"sync"
	"testing"
	"time"
)

type scriptedOracle struct {
	mu       sync.Mutex
	statuses []string
	idx      int
}

func (s *scriptedOracle) PollStatus(ctx context.Context, txID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx < len(s.statuses) {
		st := s.statuses[s.idx]
		s.idx++
		return st, nil
	}
	return s.statuses[len(s.statuses)-1], nil
}

type collector struct {
	mu      sync.Mutex
	updates []Update
	done    chan Update
}

func newCollector() *collector {
	return &collector{done: make(chan Update, 1)}
}

func (c *collector) cb(u Update) {
	c.mu.Lock()
	c.updates = append(c.updates, u)
	c.mu.Unlock()
	if u.Terminal {
		select {
		case c.done <- u:
		default:
		}
	}
}

func (c *collector) all() []Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Update, len(c.updates))
	copy(out, c.updates)
	return out
}

func waitTerminal(t *testing.T, c *collector) Update {
	t.Helper()
	select {
	case u := <-c.done:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal update")
		return Update{}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
	}{
		{"Finalized", StatusConfirmed},
		{"transaction confirmed", StatusConfirmed},
		{"Completed", StatusConfirmed},
		{"Failed", StatusFailed},
		{"Rejected by network", StatusFailed},
		{"accepted", StatusPending},
		{"queued", StatusPending},
		{"", StatusUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.raw); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestPoller_ConfirmsOnFinalized(t *testing.T) {
	oracle := &scriptedOracle{statuses: []string{"pending", "pending", "finalized"}}
	p := New(oracle, Config{Interval: time.Millisecond})
	c := newCollector()
	p.Start(context.Background(), "tx1", c.cb)
	u := waitTerminal(t, c)
	if u.Status != StatusConfirmed || u.Promoted {
		t.Errorf("want unpromoted confirmed, got %+v", u)
	}
}

func TestPoller_AcceptedStreakPromotesExactlyOnce(t *testing.T) {
	oracle := &scriptedOracle{statuses: []string{"accepted"}}
	p := New(oracle, Config{Interval: time.Millisecond})
	c := newCollector()
	p.Start(context.Background(), "tx1", c.cb)
	u := waitTerminal(t, c)
	if u.Status != StatusConfirmed || !u.Promoted {
		t.Fatalf("want promoted confirmed, got %+v", u)
	}
	if u.Attempt != AcceptedPromoteStreak {
		t.Errorf("promotion at attempt %d, want %d", u.Attempt, AcceptedPromoteStreak)
	}
	// give a would-be duplicate time to appear
	time.Sleep(20 * time.Millisecond)
	confirmed := 0
	for _, upd := range c.all() {
		if upd.Status == StatusConfirmed {
			confirmed++
		}
	}
	if confirmed != 1 {
		t.Errorf("confirmed reported %d times, want exactly once", confirmed)
	}
}

func TestPoller_InterruptedStreakDoesNotPromote(t *testing.T) {
	statuses := []string{
		"accepted", "accepted", "accepted", "accepted", "accepted",
		"pending", // resets the streak
		"accepted", "accepted", "accepted", "accepted", "accepted", "accepted",
		"finalized",
	}
	oracle := &scriptedOracle{statuses: statuses}
	p := New(oracle, Config{Interval: time.Millisecond})
	c := newCollector()
	p.Start(context.Background(), "tx1", c.cb)
	u := waitTerminal(t, c)
	if u.Promoted {
		t.Errorf("streak was interrupted, promotion must not fire: %+v", u)
	}
	if u.Status != StatusConfirmed {
		t.Errorf("want confirmed via finalized, got %+v", u)
	}
}

func TestPoller_TimeoutReportsPendingNotFailed(t *testing.T) {
	oracle := &scriptedOracle{statuses: []string{"pending"}}
	p := New(oracle, Config{Interval: time.Millisecond, MaxAttempts: 5})
	c := newCollector()
	p.Start(context.Background(), "tx1", c.cb)
	u := waitTerminal(t, c)
	if !u.TimedOut || u.Status != StatusPending {
		t.Errorf("exhaustion must be pending+timeout, got %+v", u)
	}
}

func TestPoller_NoCallbackAfterStop(t *testing.T) {
	oracle := &scriptedOracle{statuses: []string{"pending"}}
	p := New(oracle, Config{Interval: time.Millisecond})
	c := newCollector()
	p.Start(context.Background(), "tx1", c.cb)
	time.Sleep(10 * time.Millisecond)
	p.Stop()
	seen := len(c.all())
	time.Sleep(20 * time.Millisecond)
	if got := len(c.all()); got != seen {
		t.Errorf("callbacks after Stop: had %d, now %d", seen, got)
	}
}

func TestPoller_StopIdempotentAndSafeWithoutLoop(t *testing.T) {
	p := New(&scriptedOracle{statuses: []string{"pending"}}, Config{})
	p.Stop()
	p.Stop()
	p.Start(context.Background(), "tx1", func(Update) {})
	p.Stop()
	p.Stop()
}

func TestPoller_StartCancelsPreviousLoop(t *testing.T) {
	oracle := &scriptedOracle{statuses: []string{"pending"}}
	p := New(oracle, Config{Interval: time.Millisecond})
	first := newCollector()
	p.Start(context.Background(), "tx1", first.cb)
	time.Sleep(5 * time.Millisecond)

	second := newCollector()
	p.Start(context.Background(), "tx2", second.cb)
	firstSeen := len(first.all())
	time.Sleep(20 * time.Millisecond)
	if got := len(first.all()); got != firstSeen {
		t.Errorf("first loop kept reporting after replacement: had %d, now %d", firstSeen, got)
	}
	if len(second.all()) == 0 {
		t.Error("second loop produced no updates")
	}
	p.Stop()
}

func TestPoller_FailureClassified(t *testing.T) {
	oracle := &scriptedOracle{statuses: []string{"pending", "rejected"}}
	p := New(oracle, Config{Interval: time.Millisecond})
	c := newCollector()
	p.Start(context.Background(), "tx1", c.cb)
	u := waitTerminal(t, c)
	if u.Status != StatusFailed {
		t.Errorf("want failed, got %+v", u)
	}
}
