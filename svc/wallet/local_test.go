package wallet

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veilpost/pkg/compose"
)

func TestBindPanicsOnMissingCore(t *testing.T) {
	assert.Panics(t, func() {
		Bind(Funcs{})
	})
}

func TestBindSignAbsentDegradesToRejected(t *testing.T) {
	c := Bind(Funcs{
		ListRecords: func(ctx context.Context, programID string) ([]string, error) { return nil, nil },
		Execute:     func(ctx context.Context, inv compose.Invocation) (string, error) { return "at1x", nil },
		PollStatus:  func(ctx context.Context, txID string) (string, error) { return "pending", nil },
	})

	_, err := c.Sign(context.Background(), []byte("msg"))
	assert.ErrorIs(t, err, ErrRejected)
}

func TestLocalFundAndList(t *testing.T) {
	w, err := NewLocal(ModeFinalize, 0)
	require.NoError(t, err)
	w.Fund(5000)
	w.Fund(12000)

	records, err := w.ListRecords(context.Background(), "credits.aleo")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestLocalExecuteConsumesInputs(t *testing.T) {
	w, err := NewLocal(ModeFinalize, 0)
	require.NoError(t, err)
	w.Fund(5000)
	ctx := context.Background()

	records, err := w.ListRecords(ctx, "credits.aleo")
	require.NoError(t, err)
	require.Len(t, records, 1)

	_, err = w.Execute(ctx, compose.Invocation{
		Program:  "veilpost_v1.aleo",
		Function: "pay",
		Inputs:   []string{records[0], "3000u64"},
	})
	require.NoError(t, err)

	after, err := w.ListRecords(ctx, "credits.aleo")
	require.NoError(t, err)
	assert.Empty(t, after, "a record referenced in a submitted transaction must never be reused")
}

func TestLocalSplitProducesDelayedOutputs(t *testing.T) {
	w, err := NewLocal(ModeFinalize, 50*time.Millisecond)
	require.NoError(t, err)
	w.Fund(10000)
	ctx := context.Background()

	records, err := w.ListRecords(ctx, "credits.aleo")
	require.NoError(t, err)
	require.Len(t, records, 1)

	_, err = w.Execute(ctx, compose.Invocation{
		Program:  "credits.aleo",
		Function: "split",
		Inputs:   []string{records[0], "4000u64"},
	})
	require.NoError(t, err)

	// outputs exist but are hidden until the simulated sync latency elapses
	hidden, err := w.ListRecords(ctx, "credits.aleo")
	require.NoError(t, err)
	assert.Empty(t, hidden)

	require.Eventually(t, func() bool {
		visible, err := w.ListRecords(ctx, "credits.aleo")
		return err == nil && len(visible) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestLocalRejectNext(t *testing.T) {
	w, err := NewLocal(ModeFinalize, 0)
	require.NoError(t, err)
	w.RejectNext()

	_, err = w.Execute(context.Background(), compose.Invocation{Function: "pay"})
	assert.ErrorIs(t, err, ErrRejected)

	// refusal is one-shot
	_, err = w.Execute(context.Background(), compose.Invocation{Function: "pay"})
	assert.NoError(t, err)
}

func TestLocalStatusModes(t *testing.T) {
	ctx := context.Background()

	w, err := NewLocal(ModeFinalize, 0)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		status, err := w.PollStatus(ctx, "at1tx")
		require.NoError(t, err)
		assert.Equal(t, "pending", status)
	}
	status, err := w.PollStatus(ctx, "at1tx")
	require.NoError(t, err)
	assert.Equal(t, "finalized", status)

	w, err = NewLocal(ModeAcceptedForever, 0)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		status, err := w.PollStatus(ctx, "at1tx")
		require.NoError(t, err)
		assert.Equal(t, "accepted", status)
	}

	w, err = NewLocal(ModeReject, 0)
	require.NoError(t, err)
	status, err = w.PollStatus(ctx, "at1tx")
	require.NoError(t, err)
	assert.Equal(t, "pending", status)
	status, err = w.PollStatus(ctx, "at1tx")
	require.NoError(t, err)
	assert.Equal(t, "rejected", status)
}

func TestLocalSignVerifiable(t *testing.T) {
	w, err := NewLocal(ModeFinalize, 0)
	require.NoError(t, err)

	msg := []byte("veilpost:unlock:p123:1700000000")
	sig, err := w.Sign(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(w.PublicKey(), msg, sig))
}

func TestLocalHonorsContextCancellation(t *testing.T) {
	w, err := NewLocal(ModeFinalize, 0)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = w.ListRecords(ctx, "credits.aleo")
	assert.Error(t, err)
	_, err = w.Execute(ctx, compose.Invocation{})
	assert.Error(t, err)
	_, err = w.PollStatus(ctx, "at1tx")
	assert.Error(t, err)
}
