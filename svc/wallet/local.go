package wallet

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"veilpost/pkg/compose"
	"veilpost/pkg/domain"
)

// StatusMode controls how the local wallet reports transaction status,
// mirroring the behaviors seen from real wallet extensions.
type StatusMode int

const (
	// ModeFinalize transitions pending -> finalized after two polls.
	ModeFinalize StatusMode = iota
	// ModeAcceptedForever reports "accepted" on every poll and never
	// reaches a recognized confirmed string. Exercises the poller's
	// streak-promotion heuristic.
	ModeAcceptedForever
	// ModeReject reports "rejected" after one poll.
	ModeReject
)

// Local is an in-memory wallet for tests and development runs. It simulates
// record consumption, split output latency and the status oracle.
type Local struct {
	mu          sync.Mutex
	records     []localRecord
	polls       map[string]int
	mode        StatusMode
	syncLatency time.Duration
	priv        ed25519.PrivateKey
	pub         ed25519.PublicKey
	executed    []compose.Invocation
	rejectNext  bool
	counter     int
}

type localRecord struct {
	raw       string
	nonce     string
	spent     bool
	visibleAt time.Time
}

func NewLocal(mode StatusMode, syncLatency time.Duration) (*Local, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate signing key")
	}
	return &Local{
		polls:       make(map[string]int),
		mode:        mode,
		syncLatency: syncLatency,
		priv:        priv,
		pub:         pub,
	}, nil
}

// Fund adds an unspent record of the given value.
func (l *Local) Fund(value uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addRecord(value, time.Now())
}

func (l *Local) addRecord(value uint64, visibleAt time.Time) {
	l.counter++
	raw := fmt.Sprintf(
		"{ owner: aleo1local.private, microcredits: %du64.private, _nonce: n%d.public }",
		value, l.counter,
	)
	l.records = append(l.records, localRecord{
		raw:       raw,
		nonce:     domain.ExtractNonce(raw),
		visibleAt: visibleAt,
	})
}

// RejectNext makes the next Execute or Sign call fail as a user refusal.
func (l *Local) RejectNext() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejectNext = true
}

// Executed returns every invocation submitted so far.
func (l *Local) Executed() []compose.Invocation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]compose.Invocation, len(l.executed))
	copy(out, l.executed)
	return out
}

func (l *Local) ListRecords(ctx context.Context, programID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	var out []string
	for _, r := range l.records {
		if r.spent || now.Before(r.visibleAt) {
			continue
		}
		out = append(out, r.raw)
	}
	return out, nil
}

func (l *Local) Execute(ctx context.Context, inv compose.Invocation) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rejectNext {
		l.rejectNext = false
		return "", ErrRejected
	}
	l.executed = append(l.executed, inv)
	l.consumeInputs(inv)
	if inv.Function == "split" && len(inv.Inputs) == 2 {
		total := domain.ParseValue(inv.Inputs[0])
		var amount uint64
		fmt.Sscanf(inv.Inputs[1], "%du64", &amount)
		if amount > 0 && amount < total {
			visible := time.Now().Add(l.syncLatency)
			l.addRecord(amount, visible)
			l.addRecord(total-amount, visible)
		}
	}
	return "at1" + uuid.New().String(), nil
}

// consumeInputs marks any input that parses as a record as spent. A record
// referenced in a submitted transaction must never be reused.
func (l *Local) consumeInputs(inv compose.Invocation) {
	for _, in := range inv.Inputs {
		nonce := domain.ExtractNonce(in)
		if nonce == in {
			continue // not a record input
		}
		for i := range l.records {
			if l.records[i].nonce == nonce {
				l.records[i].spent = true
			}
		}
	}
}

func (l *Local) PollStatus(ctx context.Context, txID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.polls[txID]++
	switch l.mode {
	case ModeAcceptedForever:
		return "accepted", nil
	case ModeReject:
		if l.polls[txID] > 1 {
			return "rejected", nil
		}
		return "pending", nil
	default:
		if l.polls[txID] > 2 {
			return "finalized", nil
		}
		return "pending", nil
	}
}

func (l *Local) Sign(ctx context.Context, msg []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rejectNext {
		l.rejectNext = false
		return nil, ErrRejected
	}
	return ed25519.Sign(l.priv, msg), nil
}

// PublicKey exposes the verification key for tests.
func (l *Local) PublicKey() ed25519.PublicKey {
	return l.pub
}

var _ Capability = (*Local)(nil)
