// Package flow orchestrates record selection, auto-split and payment
// submission as an explicit state machine. States are values transitioned by
// a pure reducer; side effects (wallet calls, polling) are triggered by the
// orchestrator based on the state it reaches, never by hidden flags.
package flow

import (
	"github.com/pkg/errors"

	"veilpost/pkg/domain"
)

type State string

const (
	StateIdle         State = "idle"
	StateSelecting    State = "selecting"
	StateSplitting    State = "splitting"
	StateWaitingSplit State = "waiting_split"
	StateResyncing    State = "resyncing"
	StatePaying       State = "paying"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

type EventKind string

const (
	EvStart          EventKind = "start"
	EvPayDirect      EventKind = "pay_direct"
	EvNeedSplit      EventKind = "need_split"
	EvInsufficient   EventKind = "insufficient"
	EvSplitSubmitted EventKind = "split_submitted"
	EvSplitConfirmed EventKind = "split_confirmed"
	EvSplitTimedOut  EventKind = "split_timed_out"
	EvResyncDone     EventKind = "resync_done"
	EvResyncTimedOut EventKind = "resync_timed_out"
	EvSubmitted      EventKind = "submitted"
	EvRejected       EventKind = "rejected"
	// EvCancelled marks the caller abandoning the flow (modal close,
	// navigation) while the orchestrator was blocked; distinct from a timeout
	// so terminal reporting does not mislabel user intent.
	EvCancelled EventKind = "cancelled"
)

type Event struct {
	Kind EventKind
}

var transitions = map[State]map[EventKind]State{
	StateIdle: {
		EvStart: StateSelecting,
	},
	StateSelecting: {
		EvPayDirect:    StatePaying,
		EvNeedSplit:    StateSplitting,
		EvInsufficient: StateFailed,
		EvRejected:     StateFailed,
	},
	StateSplitting: {
		EvSplitSubmitted: StateWaitingSplit,
		EvRejected:       StateFailed,
	},
	StateWaitingSplit: {
		EvSplitConfirmed: StateResyncing,
		EvSplitTimedOut:  StateFailed,
		EvRejected:       StateFailed,
		EvCancelled:      StateFailed,
	},
	StateResyncing: {
		EvResyncDone:     StatePaying,
		EvResyncTimedOut: StateFailed,
		EvCancelled:      StateFailed,
	},
	StatePaying: {
		EvSubmitted: StateDone,
		EvRejected:  StateFailed,
	},
}

// Reduce is the pure transition function. An event that is not legal in the
// current state is a programming error in the orchestrator, not a runtime
// condition.
func Reduce(s State, ev Event) (State, error) {
	if next, ok := transitions[s][ev.Kind]; ok {
		return next, nil
	}
	return s, errors.Errorf("flow: illegal transition %s + %s", s, ev.Kind)
}

// Terminal reports whether no further events apply.
func Terminal(s State) bool {
	return s == StateDone || s == StateFailed
}

// Decision is the outcome of pure record selection.
type Decision int

const (
	DecideInsufficient Decision = iota
	DecidePay
	DecideSplit
)

// Selection carries the resolved payer records for DecidePay, the record to
// divide for DecideSplit, or the distinct insufficiency reason.
type Selection struct {
	Decision Decision
	Payers   []domain.Record
	SplitRec domain.Record
	Reason   *domain.Err
}

// Select inspects deduplicated, value-sorted records and decides the path.
// records must be sorted descending (ParseRecords does this).
//
// The contract consumes exactly one payer-side record per leg, and the
// entire required amount must originate from a single record, so the
// largest record is checked against the full total even when the payment is
// later split across two legs.
func Select(records []domain.Record, required, platformCut uint64, payerRecords int) Selection {
	if len(records) == 0 {
		return Selection{Decision: DecideInsufficient, Reason: domain.ErrNoRecords}
	}
	if domain.TotalValue(records) < required {
		return Selection{Decision: DecideInsufficient, Reason: domain.ErrTotalTooLow}
	}
	primary := records[0]
	if primary.Value < required {
		return Selection{Decision: DecideInsufficient, Reason: domain.ErrLargestTooLow}
	}
	if payerRecords <= 1 {
		return Selection{Decision: DecidePay, Payers: []domain.Record{primary}}
	}

	// Second-record role: distinct nonce (a cache can surface the same
	// record twice even after dedup across separate fetches) and at least
	// the platform cut. Candidates below the cut are skipped even if
	// otherwise eligible.
	for _, candidate := range records[1:] {
		if candidate.Nonce == primary.Nonce {
			continue
		}
		if candidate.Value < platformCut {
			continue
		}
		return Selection{Decision: DecidePay, Payers: []domain.Record{primary, candidate}}
	}

	// One usable record covering the full amount: split it so the second
	// piece exactly covers the platform leg.
	return Selection{Decision: DecideSplit, SplitRec: primary}
}

// SelectLegs resolves one distinct record per leg amount, greedily over the
// ranked list. Used after a split, where no single record covers the full
// total anymore but each leg is covered by one of the split outputs.
func SelectLegs(records []domain.Record, legs []uint64) Selection {
	payers := make([]domain.Record, 0, len(legs))
	used := make(map[string]struct{}, len(legs))
	for _, leg := range legs {
		found := false
		for _, r := range records {
			if _, taken := used[r.Nonce]; taken {
				continue
			}
			if r.Value < leg {
				continue
			}
			used[r.Nonce] = struct{}{}
			payers = append(payers, r)
			found = true
			break
		}
		if !found {
			return Selection{Decision: DecideInsufficient, Reason: domain.ErrTotalTooLow}
		}
	}
	return Selection{Decision: DecidePay, Payers: payers}
}
