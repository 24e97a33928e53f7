package sweep

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veilpost/pkg/compose"
	"veilpost/pkg/domain"
	"veilpost/svc/wallet"
)

type fakeGate struct {
	mu       sync.Mutex
	requests []UnlockRequest
	inFlight int
	maxSeen  int
	fail     map[string]error
	delay    time.Duration
	notify   chan string
}

func newFakeGate() *fakeGate {
	return &fakeGate{fail: map[string]error{}, notify: make(chan string, 64)}
}

func (f *fakeGate) Unlock(ctx context.Context, req UnlockRequest) (string, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.requests = append(f.requests, req)
	delay := f.delay
	failErr := f.fail[req.PostID]
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	f.notify <- req.PostID
	if failErr != nil {
		return "", failErr
	}
	return "body of " + req.PostID, nil
}

func (f *fakeGate) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeGate) waitFor(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.notify:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for unlock %d of %d", i+1, n)
		}
	}
}

func testSigner() wallet.Capability {
	return wallet.Bind(wallet.Funcs{
		ListRecords: func(ctx context.Context, p string) ([]string, error) { return nil, nil },
		Execute:     func(ctx context.Context, inv compose.Invocation) (string, error) { return "", nil },
		PollStatus:  func(ctx context.Context, tx string) (string, error) { return "", nil },
		Sign:        func(ctx context.Context, msg []byte) ([]byte, error) { return []byte("sig"), nil },
	})
}

func coveredBatch(targets ...Target) Batch {
	return Batch{
		Address: "aleo1holder",
		Passes:  []domain.ClaimedPass{{Creator: "aleo1creator", Tier: 2}},
		Targets: targets,
	}
}

func TestUnlockMessageShape(t *testing.T) {
	msg := UnlockMessage("veilpost", "post42", 1700000000)
	assert.Equal(t, "veilpost:unlock:post42:1700000000", msg)
}

func TestHashAddressIsOneWayHex(t *testing.T) {
	h := HashAddress("aleo1holder")
	assert.Len(t, h, 64)
	assert.NotContains(t, h, "aleo1")
	assert.Equal(t, h, HashAddress("aleo1holder"))
}

func TestSweepUnlocksCoveredPostsSequentially(t *testing.T) {
	gate := newFakeGate()
	gate.delay = 10 * time.Millisecond
	s := New(Config{Gate: gate, Signer: testSigner()})
	defer s.Stop()

	n := s.Enqueue(coveredBatch(
		Target{PostID: "p1", Creator: "aleo1creator", MinTier: 1},
		Target{PostID: "p2", Creator: "aleo1creator", MinTier: 2},
		Target{PostID: "p3", Creator: "aleo1creator", MinTier: 1},
	))
	require.Equal(t, 3, n)
	gate.waitFor(t, 3)

	gate.mu.Lock()
	defer gate.mu.Unlock()
	assert.Equal(t, 1, gate.maxSeen, "unlocks must never overlap")
	assert.Len(t, gate.requests, 3)
}

func TestSweepSkipsUncoveredAndPublicPosts(t *testing.T) {
	gate := newFakeGate()
	s := New(Config{Gate: gate, Signer: testSigner()})
	defer s.Stop()

	n := s.Enqueue(coveredBatch(
		Target{PostID: "public", Creator: "aleo1creator", MinTier: 0},
		Target{PostID: "tier3", Creator: "aleo1creator", MinTier: 3},
		Target{PostID: "other", Creator: "aleo1other", MinTier: 1},
		Target{PostID: "ok", Creator: "aleo1creator", MinTier: 2},
	))
	assert.Equal(t, 1, n)
	gate.waitFor(t, 1)
	assert.Equal(t, "ok", gate.requests[0].PostID)
}

func TestSweepMemoizesFailuresForSession(t *testing.T) {
	gate := newFakeGate()
	gate.fail["p1"] = ErrDenied
	s := New(Config{Gate: gate, Signer: testSigner()})
	defer s.Stop()

	batch := coveredBatch(Target{PostID: "p1", Creator: "aleo1creator", MinTier: 1})
	require.Equal(t, 1, s.Enqueue(batch))
	gate.waitFor(t, 1)

	// same batch arrives again, e.g. after a refetch
	assert.Equal(t, 0, s.Enqueue(batch), "failed unlock must not retry")
	assert.Equal(t, 1, gate.count())

	s.Reset()
	assert.Equal(t, 1, s.Enqueue(batch), "reset clears the session memo")
	gate.waitFor(t, 1)
}

func TestSweepContinuesUnsignedWhenSigningUnavailable(t *testing.T) {
	gate := newFakeGate()
	signer := wallet.Bind(wallet.Funcs{
		ListRecords: func(ctx context.Context, p string) ([]string, error) { return nil, nil },
		Execute:     func(ctx context.Context, inv compose.Invocation) (string, error) { return "", nil },
		PollStatus:  func(ctx context.Context, tx string) (string, error) { return "", nil },
	})
	s := New(Config{Gate: gate, Signer: signer})
	defer s.Stop()

	require.Equal(t, 1, s.Enqueue(coveredBatch(Target{PostID: "p1", Creator: "aleo1creator", MinTier: 1})))
	gate.waitFor(t, 1)
	assert.Empty(t, gate.requests[0].Signature)
	assert.False(t, strings.Contains(gate.requests[0].WalletIdentityHash, "aleo1"))
}

func TestSweepReportsOutcomes(t *testing.T) {
	gate := newFakeGate()
	gate.fail["bad"] = ErrDenied

	var mu sync.Mutex
	outcomes := map[string]Outcome{}
	s := New(Config{
		Gate:   gate,
		Signer: testSigner(),
		OnOutcome: func(o Outcome) {
			mu.Lock()
			outcomes[o.PostID] = o
			mu.Unlock()
		},
	})
	defer s.Stop()

	s.Enqueue(coveredBatch(
		Target{PostID: "good", Creator: "aleo1creator", MinTier: 1},
		Target{PostID: "bad", Creator: "aleo1creator", MinTier: 1},
	))
	gate.waitFor(t, 2)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(outcomes) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "body of good", outcomes["good"].Body)
	assert.ErrorIs(t, outcomes["bad"].Err, ErrDenied)
}

func TestStopIdempotent(t *testing.T) {
	s := New(Config{Gate: newFakeGate(), Signer: testSigner()})
	s.Stop()
	s.Stop()
}
