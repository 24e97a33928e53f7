package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veilpost/pkg/compose"
	"veilpost/pkg/domain"
	"veilpost/svc/wallet"
)

func fastConfig() Config {
	return Config{
		PollInterval:  time.Millisecond,
		SplitAttempts: 20,
		ResyncDelays:  []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	}
}

func subscribeRequest(required, cut uint64) Request {
	return Request{
		Required:    required,
		PlatformCut: cut,
		Payers:      2,
		Build: func(records []string) compose.Invocation {
			return compose.Subscribe("aleo1creator", 1, "42", records[0], records[1])
		},
	}
}

func TestRun_DirectPayWithTwoRecords(t *testing.T) {
	w, err := wallet.NewLocal(wallet.ModeFinalize, 0)
	require.NoError(t, err)
	w.Fund(9_000_000)
	w.Fund(1_500_000)

	o := New(w, fastConfig())
	var states []State
	req := subscribeRequest(7_000_000, 1_000_000)
	req.OnState = func(s State) { states = append(states, s) }

	res, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, res.TxID)
	assert.False(t, res.Split)

	execs := w.Executed()
	require.Len(t, execs, 1)
	assert.Equal(t, "subscribe", execs[0].Function)
	assert.Equal(t, []State{StateSelecting, StatePaying, StateDone}, states)
}

func TestRun_SplitThenPay(t *testing.T) {
	// One record of 10 units, required total 7 split as 6/1: the
	// orchestrator must submit split(record, 6), wait for confirmation,
	// resync, then pay with the two resulting records.
	w, err := wallet.NewLocal(wallet.ModeFinalize, 0)
	require.NoError(t, err)
	w.Fund(10_000_000)

	o := New(w, fastConfig())
	res, err := o.Run(context.Background(), subscribeRequest(7_000_000, 1_000_000))
	require.NoError(t, err)
	assert.True(t, res.Split)
	assert.NotEmpty(t, res.SplitTxID)
	assert.NotEmpty(t, res.TxID)

	execs := w.Executed()
	require.Len(t, execs, 2)
	assert.Equal(t, "split", execs[0].Function)
	assert.Equal(t, compose.CreditsProgram, execs[0].Program)
	assert.Equal(t, "6000000u64", execs[0].Inputs[1])
	assert.Equal(t, "subscribe", execs[1].Function)
	// PAY never begins with fewer records than the action requires
	assert.Len(t, execs[1].Inputs, 5)
}

func TestRun_NoRecordsTerminatesWithoutSubmission(t *testing.T) {
	w, err := wallet.NewLocal(wallet.ModeFinalize, 0)
	require.NoError(t, err)

	o := New(w, fastConfig())
	_, err = o.Run(context.Background(), subscribeRequest(7_000_000, 1_000_000))
	assert.ErrorIs(t, err, domain.ErrNoRecords)
	assert.Empty(t, w.Executed(), "insufficient funds must perform zero submissions")
}

func TestRun_DistinctInsufficiencyReasons(t *testing.T) {
	w, err := wallet.NewLocal(wallet.ModeFinalize, 0)
	require.NoError(t, err)
	w.Fund(2_000_000)
	w.Fund(2_000_000)

	o := New(w, fastConfig())
	_, err = o.Run(context.Background(), subscribeRequest(7_000_000, 1_000_000))
	assert.ErrorIs(t, err, domain.ErrTotalTooLow)

	w2, err := wallet.NewLocal(wallet.ModeFinalize, 0)
	require.NoError(t, err)
	w2.Fund(4_000_000)
	w2.Fund(4_000_000)
	o2 := New(w2, fastConfig())
	_, err = o2.Run(context.Background(), subscribeRequest(7_000_000, 1_000_000))
	assert.ErrorIs(t, err, domain.ErrLargestTooLow)
}

func TestRun_WalletRejectionIsRecoverable(t *testing.T) {
	w, err := wallet.NewLocal(wallet.ModeFinalize, 0)
	require.NoError(t, err)
	w.Fund(9_000_000)
	w.Fund(1_500_000)
	w.RejectNext()

	o := New(w, fastConfig())
	_, err = o.Run(context.Background(), subscribeRequest(7_000_000, 1_000_000))
	assert.ErrorIs(t, err, domain.ErrWalletRejected)

	// the latch must be released: a retry proceeds
	res, err := o.Run(context.Background(), subscribeRequest(7_000_000, 1_000_000))
	require.NoError(t, err)
	assert.NotEmpty(t, res.TxID)
}

func TestRun_ReentrantRunRejected(t *testing.T) {
	w, err := wallet.NewLocal(wallet.ModeFinalize, 0)
	require.NoError(t, err)
	o := New(w, fastConfig())
	o.submitting.Store(true)
	_, err = o.Run(context.Background(), subscribeRequest(7_000_000, 1_000_000))
	assert.ErrorIs(t, err, domain.ErrFlowInFlight)
}

func TestRun_SplitTimeoutIsTerminal(t *testing.T) {
	// oracle that stays pending forever exhausts the bounded split wait
	w, err := wallet.NewLocal(wallet.ModeFinalize, 0)
	require.NoError(t, err)
	w.Fund(10_000_000)

	cfg := fastConfig()
	cfg.SplitAttempts = 3
	o := New(&pendingForever{Local: w}, cfg)
	_, err = o.Run(context.Background(), subscribeRequest(7_000_000, 1_000_000))
	assert.ErrorIs(t, err, domain.ErrSplitTimeout)

	execs := w.Executed()
	require.Len(t, execs, 1, "timeout must not be auto-retried")
	assert.Equal(t, "split", execs[0].Function)
}

func TestRun_CancellationDuringResyncIsNotATimeout(t *testing.T) {
	// split outputs never surface, so the flow sits in RESYNC until the
	// caller walks away
	w, err := wallet.NewLocal(wallet.ModeFinalize, time.Hour)
	require.NoError(t, err)
	w.Fund(10_000_000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := New(w, fastConfig())
	var states []State
	req := subscribeRequest(7_000_000, 1_000_000)
	req.OnState = func(s State) {
		states = append(states, s)
		if s == StateResyncing {
			cancel()
		}
	}

	_, err = o.Run(ctx, req)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, domain.ErrResyncTimeout)
	require.NotEmpty(t, states)
	assert.Equal(t, StateFailed, states[len(states)-1])
}

type pendingForever struct {
	*wallet.Local
}

func (p *pendingForever) PollStatus(ctx context.Context, txID string) (string, error) {
	return "pending", nil
}
