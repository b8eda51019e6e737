package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alphapipe/trading-engine/internal/observ"
	"github.com/alphapipe/trading-engine/internal/tradestate"
)

// Config mirrors config.Execution.
type Config struct {
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	OrderTimeout time.Duration
}

// Executor submits orders with at-most-once semantics per logical intent.
// Transient failures retry with bounded exponential backoff; business
// rejections surface immediately; ambiguous outcomes are reconciled against
// broker order history before anything is re-sent. The trade ledger doubles
// as the crash journal: an intent key already present means the order
// happened in a previous life of the process.
type Executor struct {
	cfg    Config
	broker Broker
	ledger *tradestate.Ledger
	now    func() time.Time
}

func NewExecutor(cfg Config, broker Broker, ledger *tradestate.Ledger) *Executor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 8 * time.Second
	}
	return &Executor{cfg: cfg, broker: broker, ledger: ledger, now: time.Now}
}

// Buy submits an entry order. limitPrice bounds a patient entry; urgent
// escalates to market.
func (e *Executor) Buy(ctx context.Context, instrument string, qty int, limitPrice float64, urgent bool, intentKey string) (*tradestate.TradeRecord, error) {
	return e.submit(ctx, instrument, SideBuy, qty, limitPrice, urgent, intentKey)
}

// Sell submits a full exit order for the lifecycle. Exits always go to
// market: urgency only affects retry pacing upstream, never whether we chase
// a fill.
func (e *Executor) Sell(ctx context.Context, instrument string, qty int, urgent bool, intentKey string) (*tradestate.TradeRecord, error) {
	return e.submit(ctx, instrument, SideSell, qty, 0, urgent, intentKey)
}

// PartialSell submits a tier exit for part of a position. On the wire it is
// the same market sell; the distinct entry point keeps the partial intent
// visible at call sites and in order logs.
func (e *Executor) PartialSell(ctx context.Context, instrument string, qty int, urgent bool, intentKey string) (*tradestate.TradeRecord, error) {
	return e.submit(ctx, instrument, SideSell, qty, 0, urgent, intentKey)
}

func (e *Executor) submit(ctx context.Context, instrument string, side Side, qty int, limitPrice float64, urgent bool, intentKey string) (*tradestate.TradeRecord, error) {
	if qty <= 0 {
		return nil, NewBusinessError("place", instrument, "", fmt.Sprintf("non-positive quantity %d", qty), nil)
	}

	// Crash recovery: if the ledger already holds this intent, the order was
	// confirmed in a previous run. Replay the record instead of re-sending.
	if rec := e.replayFromLedger(intentKey); rec != nil {
		observ.Log("order_replayed", map[string]any{
			"instrument": instrument, "intent_key": intentKey, "order_id": rec.OrderID,
		})
		return rec, nil
	}

	orderType := OrderTypeLimit
	if urgent || limitPrice <= 0 {
		orderType = OrderTypeMarket
	}
	req := OrderRequest{
		ClientOrderID: uuid.NewString(),
		Instrument:    instrument,
		Side:          side,
		Type:          orderType,
		Quantity:      qty,
		LimitPrice:    limitPrice,
	}
	sentBefore := e.now().Add(-time.Minute)

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := e.backoff(ctx, attempt); err != nil {
				return nil, NewTransientError("place", instrument, req.ClientOrderID, "canceled during backoff", err)
			}
			observ.IncCounter("order_retries_total", map[string]string{"side": string(side)})
		}

		octx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
		status, err := e.broker.PlaceOrder(octx, req)
		cancel()

		if err == nil {
			return e.confirm(status, intentKey), nil
		}
		observ.Log("order_attempt_failed", map[string]any{
			"instrument": instrument, "side": string(side), "attempt": attempt, "err": err.Error(),
		})

		switch {
		case IsBusiness(err):
			observ.IncCounter("order_rejections_total", map[string]string{"side": string(side)})
			return nil, err
		case IsTransient(err):
			lastErr = err
		case IsAmbiguous(err):
			// Unknown outcome: consult broker history for our client order id
			// before any re-send. A found fill is adopted; only a confirmed
			// absence makes a retry safe.
			status, rerr := e.reconcile(ctx, req.ClientOrderID, sentBefore)
			if rerr != nil {
				return nil, NewAmbiguousError("reconcile", instrument, req.ClientOrderID,
					"outcome unknown and reconciliation failed", rerr)
			}
			if status != nil {
				observ.IncCounter("order_reconciled_fills_total", nil)
				return e.confirm(status, intentKey), nil
			}
			observ.IncCounter("order_reconciled_absent_total", nil)
			lastErr = err
		default:
			return nil, err
		}
	}
	return nil, NewTransientError("place", instrument, req.ClientOrderID,
		fmt.Sprintf("retries exhausted after %d attempts", e.cfg.MaxRetries+1), lastErr)
}

// reconcile searches recent broker orders for the client order id. A nil
// status with nil error means the broker confirmed it never saw the order.
func (e *Executor) reconcile(ctx context.Context, clientOrderID string, since time.Time) (*OrderStatus, error) {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()

	orders, err := e.broker.ListRecentOrders(rctx, since)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].ClientOrderID == clientOrderID {
			o := orders[i]
			observ.Log("order_reconciled", map[string]any{
				"client_order_id": clientOrderID, "order_id": o.OrderID, "state": string(o.State),
			})
			return &o, nil
		}
	}
	return nil, nil
}

func (e *Executor) confirm(status *OrderStatus, intentKey string) *tradestate.TradeRecord {
	observ.IncCounter("orders_filled_total", map[string]string{"side": string(status.Side)})
	observ.Log("order_filled", map[string]any{
		"instrument": status.Instrument,
		"side":       string(status.Side),
		"order_id":   status.OrderID,
		"quantity":   status.FilledQty,
		"price":      status.AvgFillPrice,
	})
	action := tradestate.ActionBuy
	if status.Side == SideSell {
		action = tradestate.ActionSell
	}
	return &tradestate.TradeRecord{
		Instrument:     status.Instrument,
		Action:         action,
		Price:          status.AvgFillPrice,
		Quantity:       status.FilledQty,
		Timestamp:      e.now().UTC(),
		OrderID:        status.OrderID,
		IdempotencyKey: intentKey,
	}
}

func (e *Executor) replayFromLedger(intentKey string) *tradestate.TradeRecord {
	if intentKey == "" || e.ledger == nil {
		return nil
	}
	found, err := e.ledger.HasKey(intentKey)
	if err != nil || !found {
		return nil
	}
	records, err := e.ledger.All()
	if err != nil {
		return nil
	}
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].IdempotencyKey == intentKey {
			rec := records[i]
			return &rec
		}
	}
	return nil
}

func (e *Executor) backoff(ctx context.Context, attempt int) error {
	d := e.cfg.BackoffBase * time.Duration(1<<uint(attempt-1))
	if d > e.cfg.BackoffMax {
		d = e.cfg.BackoffMax
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
