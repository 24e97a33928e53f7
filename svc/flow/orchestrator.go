package flow

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"veilpost/metrics"
	"veilpost/pkg/compose"
	"veilpost/pkg/domain"
	"veilpost/svc/poll"
	"veilpost/svc/util"
	"veilpost/svc/wallet"
)

// DefaultResyncDelays is the bounded backoff schedule used while waiting for
// split outputs to surface in the wallet after confirmation.
var DefaultResyncDelays = []time.Duration{
	3 * time.Second,
	5 * time.Second,
	8 * time.Second,
	12 * time.Second,
	15 * time.Second,
}

// DefaultSplitWaitAttempts bounds the split confirmation wait (~3 minutes at
// the default poll interval).
const DefaultSplitWaitAttempts = 60

type Config struct {
	// RecordsProgram is the program whose records fund payments.
	RecordsProgram string
	PollInterval   time.Duration
	SplitAttempts  int
	PromoteStreak  int
	ResyncDelays   []time.Duration
}

// Request describes one payment. Build binds the resolved payer records into
// the final invocation; it receives exactly PayerRecords raw records in
// ranked order.
type Request struct {
	Required    uint64
	PlatformCut uint64
	Payers      int
	Build       func(records []string) compose.Invocation
	// OnState observes reducer transitions; optional.
	OnState func(State)
}

type Result struct {
	TxID      string
	Split     bool
	SplitTxID string
}

// Orchestrator runs one payment attempt at a time. The submitting latch
// rejects re-entrant runs while a flow is in flight and is released on every
// exit path.
type Orchestrator struct {
	wallet     wallet.Capability
	cfg        Config
	submitting atomic.Bool
}

func New(w wallet.Capability, cfg Config) *Orchestrator {
	if cfg.RecordsProgram == "" {
		cfg.RecordsProgram = compose.CreditsProgram
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = poll.DefaultInterval
	}
	if cfg.SplitAttempts <= 0 {
		cfg.SplitAttempts = DefaultSplitWaitAttempts
	}
	if len(cfg.ResyncDelays) == 0 {
		cfg.ResyncDelays = DefaultResyncDelays
	}
	return &Orchestrator{wallet: w, cfg: cfg}
}

// Run drives SELECT -> (PAY | SPLIT -> WAIT -> RESYNC -> PAY) to completion.
// Insufficiency and timeouts are terminal; the caller retries the whole flow
// manually, never silently, to avoid duplicate on-chain splits.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if !o.submitting.CompareAndSwap(false, true) {
		return nil, domain.ErrFlowInFlight
	}
	defer o.submitting.Store(false)

	if req.Build == nil {
		return nil, errors.New("flow: request missing Build")
	}
	if req.Payers < 1 || req.Payers > 2 {
		return nil, errors.Errorf("flow: unsupported payer record count %d", req.Payers)
	}

	state := StateIdle
	step := func(kind EventKind) error {
		next, err := Reduce(state, Event{Kind: kind})
		if err != nil {
			return err
		}
		state = next
		if req.OnState != nil {
			req.OnState(state)
		}
		return nil
	}

	if err := step(EvStart); err != nil {
		return nil, err
	}

	records, err := o.fetchRecords(ctx, nil)
	if err != nil {
		_ = step(EvRejected)
		return nil, errors.Wrap(domain.ErrWalletRejected, err.Error())
	}

	sel := Select(records, req.Required, req.PlatformCut, req.Payers)
	switch sel.Decision {
	case DecideInsufficient:
		_ = step(EvInsufficient)
		metrics.InsufficientFunds.WithLabelValues(sel.Reason.Code).Inc()
		return nil, sel.Reason

	case DecidePay:
		if err := step(EvPayDirect); err != nil {
			return nil, err
		}
		return o.pay(ctx, req, sel.Payers, step, "")

	case DecideSplit:
		if err := step(EvNeedSplit); err != nil {
			return nil, err
		}
		return o.splitThenPay(ctx, req, sel.SplitRec, step)
	}
	return nil, errors.New("flow: unreachable selection decision")
}

func (o *Orchestrator) splitThenPay(ctx context.Context, req Request, rec domain.Record, step func(EventKind) error) (*Result, error) {
	metrics.SplitFlows.Inc()
	creatorLeg := req.Required - req.PlatformCut
	inv := compose.Split(rec.Raw, creatorLeg)

	splitTxID, err := o.wallet.Execute(ctx, inv)
	if err != nil {
		_ = step(EvRejected)
		return nil, errors.Wrap(domain.ErrWalletRejected, err.Error())
	}
	if err := step(EvSplitSubmitted); err != nil {
		return nil, err
	}
	util.Info().Str("tx_id", splitTxID).Uint64("amount", creatorLeg).Msg("split submitted")

	status, err := o.waitConfirm(ctx, splitTxID)
	if err != nil {
		// waitConfirm only errors on context cancellation
		_ = step(EvCancelled)
		return nil, err
	}
	switch status {
	case poll.StatusConfirmed:
		if err := step(EvSplitConfirmed); err != nil {
			return nil, err
		}
	case poll.StatusFailed:
		_ = step(EvRejected)
		return nil, domain.ErrSubmitFailed
	default:
		_ = step(EvSplitTimedOut)
		return nil, domain.ErrSplitTimeout
	}

	payers, err := o.resync(ctx, req, rec.Nonce)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			_ = step(EvCancelled)
		} else {
			_ = step(EvResyncTimedOut)
		}
		return nil, err
	}
	if err := step(EvResyncDone); err != nil {
		return nil, err
	}

	res, err := o.pay(ctx, req, payers, step, splitTxID)
	if err != nil {
		return nil, err
	}
	res.Split = true
	return res, nil
}

// waitConfirm blocks until the split reaches a terminal status. Strictly
// sequential: RESYNC must not start before the split confirms.
func (o *Orchestrator) waitConfirm(ctx context.Context, txID string) (poll.Status, error) {
	p := poll.New(o.wallet, poll.Config{
		Interval:      o.cfg.PollInterval,
		MaxAttempts:   o.cfg.SplitAttempts,
		PromoteStreak: o.cfg.PromoteStreak,
	})
	defer p.Stop()

	done := make(chan poll.Update, 1)
	p.Start(ctx, txID, func(u poll.Update) {
		if u.Terminal {
			select {
			case done <- u:
			default:
			}
		}
	})
	select {
	case <-ctx.Done():
		return poll.StatusUnknown, ctx.Err()
	case u := <-done:
		return u.Status, nil
	}
}

// resync re-fetches records after the split, excluding the consumed nonce
// (a stale wallet cache may still surface it briefly). Succeeds only once
// enough unconsumed records are visible for the payment's legs.
func (o *Orchestrator) resync(ctx context.Context, req Request, consumedNonce string) ([]domain.Record, error) {
	exclude := map[string]struct{}{consumedNonce: {}}
	for i, delay := range o.cfg.ResyncDelays {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		records, err := o.fetchRecords(ctx, exclude)
		if err != nil {
			util.Warn().Err(err).Int("attempt", i+1).Msg("resync record fetch failed")
			continue
		}
		if len(records) < req.Payers {
			util.Debug().Int("attempt", i+1).Int("visible", len(records)).Msg("split outputs not yet visible")
			continue
		}
		legs := []uint64{req.Required - req.PlatformCut, req.PlatformCut}
		if req.Payers == 1 {
			legs = []uint64{req.Required}
		}
		sel := SelectLegs(records, legs)
		if sel.Decision == DecidePay {
			return sel.Payers, nil
		}
	}
	return nil, domain.ErrResyncTimeout
}

func (o *Orchestrator) pay(ctx context.Context, req Request, payers []domain.Record, step func(EventKind) error, splitTxID string) (*Result, error) {
	if len(payers) < req.Payers {
		_ = step(EvRejected)
		return nil, errors.Errorf("flow: resolved %d records, action needs %d", len(payers), req.Payers)
	}
	raws := make([]string, req.Payers)
	for i := 0; i < req.Payers; i++ {
		raws[i] = payers[i].Raw
	}
	inv := req.Build(raws)
	txID, err := o.wallet.Execute(ctx, inv)
	if err != nil {
		_ = step(EvRejected)
		return nil, errors.Wrap(domain.ErrWalletRejected, err.Error())
	}
	if err := step(EvSubmitted); err != nil {
		return nil, err
	}
	util.Info().Str("tx_id", txID).Str("function", inv.Function).Msg("payment submitted")
	return &Result{TxID: txID, SplitTxID: splitTxID}, nil
}

func (o *Orchestrator) fetchRecords(ctx context.Context, exclude map[string]struct{}) ([]domain.Record, error) {
	raws, err := o.wallet.ListRecords(ctx, o.cfg.RecordsProgram)
	if err != nil {
		return nil, err
	}
	records := domain.ParseRecords(raws)
	if len(exclude) == 0 {
		return records, nil
	}
	out := records[:0]
	for _, r := range records {
		if _, skip := exclude[r.Nonce]; skip {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
