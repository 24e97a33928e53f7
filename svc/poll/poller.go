// Package poll drives a bounded confirmation loop against the wallet's
// unreliable status oracle.
package poll

import (
	"context"
	"strings"
	"sync"
	"time"

	"veilpost/metrics"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusUnknown   Status = "unknown"
)

const (
	DefaultInterval    = 3 * time.Second
	DefaultMaxAttempts = 120 // ~6 minutes at the default interval

	// AcceptedPromoteStreak is the number of consecutive "accepted" reads
	// after which a transaction is unilaterally promoted to confirmed.
	// Some wallets report a persistent "accepted" mempool status that never
	// transitions to a recognized confirmed string; after ~30s of it the
	// poller chooses liveness over strict certainty. A transaction promoted
	// this way could in principle still be dropped later; no stronger
	// guarantee exists with the current oracle.
	AcceptedPromoteStreak = 10
)

// Classify normalizes a free-text wallet status by substring match.
func Classify(raw string) Status {
	s := strings.ToLower(raw)
	switch {
	case strings.Contains(s, "finalize"), strings.Contains(s, "confirm"), strings.Contains(s, "complete"):
		return StatusConfirmed
	case strings.Contains(s, "fail"), strings.Contains(s, "reject"):
		return StatusFailed
	case s == "":
		return StatusUnknown
	default:
		return StatusPending
	}
}

// Oracle is the slice of the wallet capability the poller needs.
type Oracle interface {
	PollStatus(ctx context.Context, txID string) (string, error)
}

// Update is delivered to the status callback on every poll and once on a
// terminal condition. TimedOut marks attempt exhaustion: the status stays
// pending, never failed, so the caller can re-check manually.
type Update struct {
	TxID     string
	Status   Status
	Raw      string
	Attempt  int
	Promoted bool
	TimedOut bool
	Terminal bool
}

type Config struct {
	Interval      time.Duration
	MaxAttempts   int
	PromoteStreak int
}

// Poller tracks at most one logical transaction at a time. Starting a new
// loop implicitly cancels the previous one.
type Poller struct {
	oracle Oracle
	cfg    Config

	mu     sync.Mutex
	cancel context.CancelFunc
	gen    uint64
}

func New(oracle Oracle, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.PromoteStreak <= 0 {
		cfg.PromoteStreak = AcceptedPromoteStreak
	}
	return &Poller{oracle: oracle, cfg: cfg}
}

// Start begins polling txID, cancelling any loop already running on this
// poller. The callback is never invoked after Stop returns.
func (p *Poller) Start(ctx context.Context, txID string, onUpdate func(Update)) {
	loopCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.cancel = cancel
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	// emit delivers an update only if this loop is still the active
	// generation and has not been stopped.
	emit := func(u Update) bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		if loopCtx.Err() != nil || p.gen != gen {
			return false
		}
		onUpdate(u)
		return true
	}

	go p.run(loopCtx, txID, emit)
}

// Stop cancels the active loop. Idempotent and safe with no loop running;
// called on component teardown and wallet disconnect. A transaction already
// broadcast is not cancelled, only local observation stops.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.gen++
}

func (p *Poller) run(ctx context.Context, txID string, emit func(Update) bool) {
	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()

	acceptedStreak := 0
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		timer.Reset(p.cfg.Interval)

		raw, err := p.oracle.PollStatus(ctx, txID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// oracle hiccup: unknown, keep polling
			emit(Update{TxID: txID, Status: StatusUnknown, Attempt: attempt})
			continue
		}

		if strings.Contains(strings.ToLower(raw), "accepted") {
			acceptedStreak++
		} else {
			acceptedStreak = 0
		}

		switch st := Classify(raw); st {
		case StatusConfirmed:
			emit(Update{TxID: txID, Status: StatusConfirmed, Raw: raw, Attempt: attempt, Terminal: true})
			return
		case StatusFailed:
			emit(Update{TxID: txID, Status: StatusFailed, Raw: raw, Attempt: attempt, Terminal: true})
			return
		default:
			if acceptedStreak >= p.cfg.PromoteStreak {
				metrics.PollerPromotions.Inc()
				emit(Update{TxID: txID, Status: StatusConfirmed, Raw: raw, Attempt: attempt, Promoted: true, Terminal: true})
				return
			}
			emit(Update{TxID: txID, Status: st, Raw: raw, Attempt: attempt})
		}
	}

	metrics.PollerTimeouts.Inc()
	emit(Update{TxID: txID, Status: StatusPending, Attempt: p.cfg.MaxAttempts, TimedOut: true, Terminal: true})
}
