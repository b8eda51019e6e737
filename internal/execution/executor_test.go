package execution

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphapipe/trading-engine/internal/tradestate"
)

func fastConfig() Config {
	return Config{
		MaxRetries:   3,
		BackoffBase:  time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
		OrderTimeout: time.Second,
	}
}

func newTestExecutor(t *testing.T) (*Executor, *SimBroker, *tradestate.Ledger) {
	t.Helper()
	broker := NewSimBroker()
	broker.SetMark("ACME", 100)
	ledger, err := tradestate.NewLedger(filepath.Join(t.TempDir(), "ledger.jsonl"))
	require.NoError(t, err)
	return NewExecutor(fastConfig(), broker, ledger), broker, ledger
}

func TestTransientFailureRetriesThenFills(t *testing.T) {
	ex, broker, _ := newTestExecutor(t)
	broker.FailNext(ErrorTypeTransient, false)
	broker.FailNext(ErrorTypeTransient, false)

	rec, err := ex.Sell(context.Background(), "ACME", 40, true, "intent-1")
	require.NoError(t, err)
	assert.Equal(t, 40, rec.Quantity)
	assert.Equal(t, 100.0, rec.Price)
	assert.Equal(t, 1, broker.OrderCount(), "exactly one order despite retries")
}

func TestBusinessRejectionSurfacesImmediately(t *testing.T) {
	ex, broker, _ := newTestExecutor(t)
	broker.FailNext(ErrorTypeBusiness, false)

	_, err := ex.Sell(context.Background(), "ACME", 40, false, "intent-1")
	require.Error(t, err)
	assert.True(t, IsBusiness(err))
	assert.Equal(t, 0, broker.OrderCount(), "business rejection must not be retried")
}

func TestRetriesExhaustedStaysTransient(t *testing.T) {
	ex, broker, _ := newTestExecutor(t)
	for i := 0; i < 4; i++ {
		broker.FailNext(ErrorTypeTransient, false)
	}
	_, err := ex.Sell(context.Background(), "ACME", 40, false, "intent-1")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 0, broker.OrderCount())
}

// Ambiguous outcome where the order actually reached the venue: the executor
// must find it through reconciliation and must not send a second order.
func TestAmbiguousOutcomeReconcilesWithoutDuplicate(t *testing.T) {
	ex, broker, _ := newTestExecutor(t)
	broker.FailNext(ErrorTypeAmbiguous, true) // timeout, but the send landed

	rec, err := ex.Sell(context.Background(), "ACME", 40, true, "intent-1")
	require.NoError(t, err)
	assert.Equal(t, 40, rec.Quantity)
	assert.Equal(t, 1, broker.OrderCount(), "reconciled fill must not be re-sent")
}

// Ambiguous outcome where the order never arrived: reconciliation confirms
// absence, making exactly one retry send safe.
func TestAmbiguousOutcomeConfirmedAbsentRetries(t *testing.T) {
	ex, broker, _ := newTestExecutor(t)
	broker.FailNext(ErrorTypeAmbiguous, false) // timeout, send was lost

	rec, err := ex.Sell(context.Background(), "ACME", 40, true, "intent-1")
	require.NoError(t, err)
	assert.Equal(t, 40, rec.Quantity)
	assert.Equal(t, 1, broker.OrderCount())
}

// An intent already confirmed in the ledger is replayed, never re-sent: this
// is the crash-recovery half of exactly-once.
func TestLedgerIntentReplayedNotResent(t *testing.T) {
	ex, broker, ledger := newTestExecutor(t)
	require.NoError(t, ledger.Append(tradestate.TradeRecord{
		Instrument:     "ACME",
		Action:         tradestate.ActionSell,
		Price:          101.5,
		Quantity:       40,
		OrderID:        "prev-run-7",
		IdempotencyKey: "intent-1",
	}))

	rec, err := ex.Sell(context.Background(), "ACME", 40, false, "intent-1")
	require.NoError(t, err)
	assert.Equal(t, "prev-run-7", rec.OrderID)
	assert.Equal(t, 101.5, rec.Price)
	assert.Equal(t, 0, broker.OrderCount(), "replayed intent must not reach the broker")
}

func TestBuyUsesLimitPriceAndRejectsZeroQuantity(t *testing.T) {
	ex, broker, _ := newTestExecutor(t)

	rec, err := ex.Buy(context.Background(), "ACME", 10, 99.5, false, "intent-b")
	require.NoError(t, err)
	assert.Equal(t, 99.5, rec.Price)
	assert.Equal(t, tradestate.ActionBuy, rec.Action)
	assert.Equal(t, 1, broker.OrderCount())

	_, err = ex.Buy(context.Background(), "ACME", 0, 99.5, false, "intent-z")
	require.Error(t, err)
	assert.True(t, IsBusiness(err))
}
