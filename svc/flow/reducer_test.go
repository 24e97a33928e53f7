package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veilpost/pkg/domain"
)

func rec(nonce string, value uint64) domain.Record {
	return domain.Record{Raw: "{raw-" + nonce + "}", Nonce: nonce, Value: value}
}

func TestReduce_HappyPaths(t *testing.T) {
	direct := []EventKind{EvStart, EvPayDirect, EvSubmitted}
	s := StateIdle
	for _, ev := range direct {
		next, err := Reduce(s, Event{Kind: ev})
		require.NoError(t, err)
		s = next
	}
	assert.Equal(t, StateDone, s)

	split := []EventKind{EvStart, EvNeedSplit, EvSplitSubmitted, EvSplitConfirmed, EvResyncDone, EvSubmitted}
	s = StateIdle
	for _, ev := range split {
		next, err := Reduce(s, Event{Kind: ev})
		require.NoError(t, err)
		s = next
	}
	assert.Equal(t, StateDone, s)
}

func TestReduce_IllegalTransition(t *testing.T) {
	_, err := Reduce(StateIdle, Event{Kind: EvSubmitted})
	assert.Error(t, err)

	_, err = Reduce(StateDone, Event{Kind: EvStart})
	assert.Error(t, err)

	// paying cannot be re-entered from a terminal failure
	_, err = Reduce(StateFailed, Event{Kind: EvSubmitted})
	assert.Error(t, err)
}

func TestReduce_CancellationIsTerminal(t *testing.T) {
	next, err := Reduce(StateResyncing, Event{Kind: EvCancelled})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, next)

	next, err = Reduce(StateWaitingSplit, Event{Kind: EvCancelled})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, next)

	_, err = Reduce(StateDone, Event{Kind: EvCancelled})
	assert.Error(t, err)
}

func TestSelect_Insufficient(t *testing.T) {
	sel := Select(nil, 700, 100, 2)
	assert.Equal(t, DecideInsufficient, sel.Decision)
	assert.Equal(t, domain.ErrNoRecords, sel.Reason)

	sel = Select([]domain.Record{rec("a", 300), rec("b", 200)}, 700, 100, 2)
	assert.Equal(t, DecideInsufficient, sel.Decision)
	assert.Equal(t, domain.ErrTotalTooLow, sel.Reason)

	// total covers it but no single record does
	sel = Select([]domain.Record{rec("a", 400), rec("b", 400)}, 700, 100, 2)
	assert.Equal(t, DecideInsufficient, sel.Decision)
	assert.Equal(t, domain.ErrLargestTooLow, sel.Reason)
}

func TestSelect_DirectPayTwoRecords(t *testing.T) {
	records := []domain.Record{rec("a", 900), rec("b", 150)}
	sel := Select(records, 700, 100, 2)
	assert.Equal(t, DecidePay, sel.Decision)
	require.Len(t, sel.Payers, 2)
	assert.Equal(t, "a", sel.Payers[0].Nonce)
	assert.Equal(t, "b", sel.Payers[1].Nonce)
}

func TestSelect_SkipsSharedNonceCandidate(t *testing.T) {
	// second-ranked shares the primary's nonce (cache duplication); the
	// third-ranked takes the second-record role.
	records := []domain.Record{rec("a", 900), rec("a", 900), rec("c", 200)}
	sel := Select(records, 700, 100, 2)
	require.Equal(t, DecidePay, sel.Decision)
	require.Len(t, sel.Payers, 2)
	assert.Equal(t, "c", sel.Payers[1].Nonce)
}

func TestSelect_SkipsBelowCutCandidate(t *testing.T) {
	// 50 < platformCut, excluded from the second-record role even though
	// it is otherwise eligible.
	records := []domain.Record{rec("a", 900), rec("b", 50), rec("c", 120)}
	sel := Select(records, 700, 100, 2)
	require.Equal(t, DecidePay, sel.Decision)
	assert.Equal(t, "c", sel.Payers[1].Nonce)
}

func TestSelect_SingleRecordNeedsSplit(t *testing.T) {
	records := []domain.Record{rec("a", 1000)}
	sel := Select(records, 700, 100, 2)
	assert.Equal(t, DecideSplit, sel.Decision)
	assert.Equal(t, "a", sel.SplitRec.Nonce)
}

func TestSelect_SinglePayerAction(t *testing.T) {
	records := []domain.Record{rec("a", 1000), rec("b", 500)}
	sel := Select(records, 700, 0, 1)
	assert.Equal(t, DecidePay, sel.Decision)
	require.Len(t, sel.Payers, 1)
	assert.Equal(t, "a", sel.Payers[0].Nonce)
}
