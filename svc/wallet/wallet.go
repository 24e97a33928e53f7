// Package wallet defines the capability contract the payment core consumes.
// The wallet is opaque: it lists decrypted records, executes transitions,
// reports transaction status and signs bytes. Any call may fail; callers
// treat failure as user cancellation, not a crash.
package wallet

import (
	"context"

	"github.com/pkg/errors"

	"veilpost/pkg/compose"
)

// ErrRejected marks a wallet-side refusal (user declined signing or
// executing). Recoverable; surfaced as a retry-capable failure.
var ErrRejected = errors.New("wallet rejected request")

type Capability interface {
	// ListRecords returns decrypted record plaintexts for a program. May
	// contain duplicates across calls; callers dedupe by nonce.
	ListRecords(ctx context.Context, programID string) ([]string, error)
	// Execute submits one transition and returns its transaction id.
	Execute(ctx context.Context, inv compose.Invocation) (string, error)
	// PollStatus returns the wallet's free-text status for a transaction.
	PollStatus(ctx context.Context, txID string) (string, error)
	// Sign produces a signature over msg with the wallet's key.
	Sign(ctx context.Context, msg []byte) ([]byte, error)
}

// Funcs is the raw capability surface handed over by an embedding
// environment, where individual functions may genuinely be absent.
type Funcs struct {
	ListRecords func(ctx context.Context, programID string) ([]string, error)
	Execute     func(ctx context.Context, inv compose.Invocation) (string, error)
	PollStatus  func(ctx context.Context, txID string) (string, error)
	Sign        func(ctx context.Context, msg []byte) ([]byte, error)
}

// Bind validates the surface and wraps it as a Capability. A missing
// ListRecords, Execute or PollStatus is a misconfigured environment, not a
// user-correctable condition, so Bind panics at the call site. Sign may be
// absent: the unlock protocol degrades to unsigned requests.
func Bind(f Funcs) Capability {
	if f.ListRecords == nil {
		panic("wallet: capability missing ListRecords")
	}
	if f.Execute == nil {
		panic("wallet: capability missing Execute")
	}
	if f.PollStatus == nil {
		panic("wallet: capability missing PollStatus")
	}
	return &bound{f: f}
}

type bound struct {
	f Funcs
}

func (b *bound) ListRecords(ctx context.Context, programID string) ([]string, error) {
	return b.f.ListRecords(ctx, programID)
}

func (b *bound) Execute(ctx context.Context, inv compose.Invocation) (string, error) {
	return b.f.Execute(ctx, inv)
}

func (b *bound) PollStatus(ctx context.Context, txID string) (string, error) {
	return b.f.PollStatus(ctx, txID)
}

func (b *bound) Sign(ctx context.Context, msg []byte) ([]byte, error) {
	if b.f.Sign == nil {
		return nil, ErrRejected
	}
	return b.f.Sign(ctx, msg)
}
