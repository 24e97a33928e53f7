package sweep

import (
	"context"
	"sync"
	"time"

	"veilpost/pkg/domain"
	"veilpost/svc/util"
	"veilpost/svc/wallet"
)

// Target is one gated post the sweep may try to unlock.
type Target struct {
	PostID  string
	Creator string
	MinTier uint8
}

// Outcome records one finished unlock attempt.
type Outcome struct {
	PostID string
	Body   string
	Err    error
}

// Batch carries everything one sweep pass needs: the holder's address for
// identity hashing, the passes they claim, and the candidate posts.
type Batch struct {
	Address string
	Passes  []domain.ClaimedPass
	Targets []Target
}

// Sweeper unlocks covered posts strictly one at a time through a single
// worker, so signature prompts never race each other. Every attempted post is
// memoized for the session: successes are not re-requested and failures are
// not retried in a loop. An unlock already in flight always runs to
// completion, even if Stop is called or newer batches arrive.
type Sweeper struct {
	gate      Gate
	signer    wallet.Capability
	namespace string
	now       func() time.Time
	onOutcome func(Outcome)

	mu        sync.Mutex
	attempted map[string]bool
	queue     chan task
	stopOnce  sync.Once
	done      chan struct{}
}

type task struct {
	target       Target
	identityHash string
	passes       []domain.ClaimedPass
}

type Config struct {
	Gate      Gate
	Signer    wallet.Capability
	Namespace string
	QueueSize int
	Now       func() time.Time
	OnOutcome func(Outcome)
}

func New(cfg Config) *Sweeper {
	if cfg.Namespace == "" {
		cfg.Namespace = Namespace
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Sweeper{
		gate:      cfg.Gate,
		signer:    cfg.Signer,
		namespace: cfg.Namespace,
		now:       cfg.Now,
		onOutcome: cfg.OnOutcome,
		attempted: make(map[string]bool),
		queue:     make(chan task, cfg.QueueSize),
		done:      make(chan struct{}),
	}
	go s.worker()
	return s
}

// Enqueue filters the batch down to posts the holder's passes cover and that
// have not been attempted this session, then queues them. Returns the number
// queued.
func (s *Sweeper) Enqueue(batch Batch) int {
	identityHash := HashAddress(batch.Address)
	queued := 0
	for _, t := range batch.Targets {
		if t.MinTier == 0 {
			continue
		}
		if !covered(batch.Passes, t.Creator, t.MinTier) {
			continue
		}
		s.mu.Lock()
		if s.attempted[t.PostID] {
			s.mu.Unlock()
			continue
		}
		s.attempted[t.PostID] = true
		s.mu.Unlock()

		select {
		case s.queue <- task{target: t, identityHash: identityHash, passes: batch.Passes}:
			queued++
		case <-s.done:
			return queued
		default:
			// queue full: forget the reservation so a later batch retries
			s.mu.Lock()
			delete(s.attempted, t.PostID)
			s.mu.Unlock()
			util.Warn().Str("post_id", t.PostID).Msg("sweep queue full, dropping target")
			return queued
		}
	}
	return queued
}

func covered(passes []domain.ClaimedPass, creator string, minTier uint8) bool {
	for _, p := range passes {
		if p.Covers(creator, minTier) {
			return true
		}
	}
	return false
}

func (s *Sweeper) worker() {
	for {
		select {
		case <-s.done:
			return
		case t := <-s.queue:
			out := s.unlockOne(t)
			if s.onOutcome != nil {
				s.onOutcome(out)
			}
		}
	}
}

// unlockOne signs best-effort and submits. A declined signature is not an
// error: the request goes out unsigned, matching the gate's enforcement.
func (s *Sweeper) unlockOne(t task) Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ts := s.now().Unix()
	msg := UnlockMessage(s.namespace, t.target.PostID, ts)

	var sig string
	if s.signer != nil {
		raw, err := s.signer.Sign(ctx, []byte(msg))
		if err != nil {
			util.Debug().Err(err).Msg("unlock signature unavailable, continuing unsigned")
		} else {
			sig = EncodeSignature(raw)
		}
	}

	body, err := s.gate.Unlock(ctx, UnlockRequest{
		PostID:             t.target.PostID,
		CreatorAddress:     t.target.Creator,
		WalletIdentityHash: t.identityHash,
		ClaimedPasses:      t.passes,
		Timestamp:          ts,
		Signature:          sig,
	})
	if err != nil {
		util.Warn().Err(err).Str("post_id", t.target.PostID).Msg("unlock failed")
		return Outcome{PostID: t.target.PostID, Err: err}
	}
	return Outcome{PostID: t.target.PostID, Body: body}
}

// Reset clears the session memo so the next batch retries everything.
func (s *Sweeper) Reset() {
	s.mu.Lock()
	s.attempted = make(map[string]bool)
	s.mu.Unlock()
}

// Stop shuts the worker down after any in-flight unlock finishes. Idempotent.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
