package ledger_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veritrail/veritrail/internal/ledger"
	"go.uber.org/zap"
)

func newGateway() *ledger.Gateway {
	return ledger.NewGateway(ledger.NewMemoryStore(), zap.NewNop())
}

func TestGatewayAppend_convertsPayload(t *testing.T) {
	g := newGateway()

	entry, err := g.Append(ctx, ledger.AppendRequest{
		LedgerID:   "tenant-1",
		Action:     "update",
		EntityType: "service_request",
		EntityID:   "sr_9",
		ActorID:    "user_3",
		OldValues:  map[string]any{"status": "open"},
		NewValues:  map[string]any{"status": "closed", "amount": 1250.50},
	})
	require.NoError(t, err)
	require.NotNil(t, entry.Payload)
	assert.NotNil(t, entry.Payload.Old)
	assert.NotNil(t, entry.Payload.New)
	assert.Equal(t, uint64(0), entry.Sequence)
	assert.NotEmpty(t, entry.ContentHash)
}

func TestGatewayAppend_validation(t *testing.T) {
	g := newGateway()

	_, err := g.Append(ctx, ledger.AppendRequest{Action: "create"})
	require.ErrorIs(t, err, ledger.ErrEncoding)

	_, err = g.Append(ctx, ledger.AppendRequest{LedgerID: "tenant-1"})
	require.ErrorIs(t, err, ledger.ErrEncoding)
}

func TestGatewayAppend_encodingErrorPersistsNothing(t *testing.T) {
	g := newGateway()

	_, err := g.Append(ctx, ledger.AppendRequest{
		LedgerID:  "tenant-1",
		Action:    "create",
		NewValues: map[string]any{"bad": make(chan int)},
	})
	require.ErrorIs(t, err, ledger.ErrEncoding)

	tail, err := g.Tail(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Nil(t, tail, "failed append must not persist an entry")
}

func TestGatewayRange_andGet(t *testing.T) {
	g := newGateway()
	for i := 0; i < 4; i++ {
		_, err := g.Append(ctx, ledger.AppendRequest{LedgerID: "tenant-1", Action: "update"})
		require.NoError(t, err)
	}

	entries, err := g.Range(ctx, "tenant-1", 1, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].Sequence)
	assert.Equal(t, uint64(2), entries[1].Sequence)

	got, err := g.Get(ctx, "tenant-1", 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Sequence)

	_, err = g.Get(ctx, "tenant-1", 99)
	assert.True(t, errors.Is(err, ledger.ErrNotFound))
}

func TestGatewayVerifyAndRedact_endToEnd(t *testing.T) {
	g := newGateway()
	_, err := g.Append(ctx, ledger.AppendRequest{
		LedgerID:  "tenant-1",
		Action:    "create",
		NewValues: map[string]any{"email": "gone@example.com"},
	})
	require.NoError(t, err)

	res, err := g.Redact(ctx, "tenant-1", ledger.ValueMatcher{Value: "gone@example.com"}, "", ledger.RedactionRequest{
		RequestedBy: "dpo",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.EntriesAffected)
	assert.NotEmpty(t, res.RequestID)

	v, err := g.Verify(ctx, "tenant-1", ledger.VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, uint64(1), v.VerifiedCount)
}
