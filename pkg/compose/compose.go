// Package compose builds on-chain invocations for every supported action.
// Composing is side-effect-free and never touches the network; this package
// is the single source of truth for input ordering and fee estimates.
package compose

import "fmt"

const (
	// CoreProgram hosts the platform contract.
	CoreProgram = "veilpost_v1.aleo"
	// CreditsProgram hosts the native record split function.
	CreditsProgram = "credits.aleo"
)

type Action string

const (
	ActionRegister     Action = "register"
	ActionSubscribe    Action = "subscribe"
	ActionTip          Action = "tip"
	ActionRenew        Action = "renew"
	ActionVerifyAccess Action = "verify_access"
	ActionPublish      Action = "publish"
	ActionSplit        Action = "split"
)

// Fee estimates in microcredits. Fixed constants, not computed; bumping one
// is a versioned change because wallets display it before signing.
const (
	FeeRegister     uint64 = 300_000
	FeeSubscribe    uint64 = 500_000
	FeeTip          uint64 = 250_000
	FeeRenew        uint64 = 500_000
	FeeVerifyAccess uint64 = 200_000
	FeePublish      uint64 = 350_000
	FeeSplit        uint64 = 100_000
)

// Invocation is everything the wallet needs to execute one transition.
type Invocation struct {
	Program  string
	Function string
	Inputs   []string
	Fee      uint64
}

// PayerRecords reports how many distinct payer-side records an action
// consumes. Subscribe and renew carry a creator leg and a platform-fee leg;
// the contract consumes exactly one record per leg.
func PayerRecords(a Action) int {
	switch a {
	case ActionSubscribe, ActionRenew:
		return 2
	case ActionTip:
		return 1
	default:
		return 0
	}
}

// Register announces a creator handle. The handle travels as a field hash so
// the raw name never appears in a public input.
func Register(handleHash string) Invocation {
	return Invocation{
		Program:  CoreProgram,
		Function: "register_creator",
		Inputs:   []string{handleHash + "field"},
		Fee:      FeeRegister,
	}
}

// Subscribe mints a new access pass. Input order is part of the contract ABI:
// creator address, tier, client-generated pass id, payment record for the
// creator leg, then the platform-fee record.
func Subscribe(creator string, tier uint8, passID, paymentRecord, feeRecord string) Invocation {
	return Invocation{
		Program:  CoreProgram,
		Function: "subscribe",
		Inputs: []string{
			creator,
			fmt.Sprintf("%du8", tier),
			passID + "field",
			paymentRecord,
			feeRecord,
		},
		Fee: FeeSubscribe,
	}
}

// Tip sends a one-off private payment to a creator.
func Tip(creator string, amount uint64, paymentRecord string) Invocation {
	return Invocation{
		Program:  CoreProgram,
		Function: "tip",
		Inputs: []string{
			creator,
			fmt.Sprintf("%du64", amount),
			paymentRecord,
		},
		Fee: FeeTip,
	}
}

// Renew replaces an expiring pass. A fresh passID is always minted; the old
// one is never reused.
func Renew(passRecord string, tier uint8, newPassID, paymentRecord, feeRecord string) Invocation {
	return Invocation{
		Program:  CoreProgram,
		Function: "renew",
		Inputs: []string{
			passRecord,
			fmt.Sprintf("%du8", tier),
			newPassID + "field",
			paymentRecord,
			feeRecord,
		},
		Fee: FeeRenew,
	}
}

// VerifyAccess destroys and recreates an identical pass, producing a
// possession proof without mutating tier or expiry.
func VerifyAccess(passRecord string) Invocation {
	return Invocation{
		Program:  CoreProgram,
		Function: "verify_access",
		Inputs:   []string{passRecord},
		Fee:      FeeVerifyAccess,
	}
}

// Publish registers a content item's id and minimum tier on chain.
func Publish(contentID string, minTier uint8) Invocation {
	return Invocation{
		Program:  CoreProgram,
		Function: "publish",
		Inputs: []string{
			contentID + "field",
			fmt.Sprintf("%du8", minTier),
		},
		Fee: FeePublish,
	}
}

// Split divides one record into (amount, remainder). Runs against the native
// credits program, not the platform contract.
func Split(record string, amount uint64) Invocation {
	return Invocation{
		Program:  CreditsProgram,
		Function: "split",
		Inputs: []string{
			record,
			fmt.Sprintf("%du64", amount),
		},
		Fee: FeeSplit,
	}
}
