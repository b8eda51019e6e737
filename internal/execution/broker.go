package execution

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType distinguishes patient limit orders from urgent market orders.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderState at the broker.
type OrderState string

const (
	OrderStatePending  OrderState = "PENDING"
	OrderStateFilled   OrderState = "FILLED"
	OrderStateRejected OrderState = "REJECTED"
	OrderStateCanceled OrderState = "CANCELED"
)

// OrderRequest is one order submission. ClientOrderID is caller-assigned and
// stable across retries of the same logical order; reconciliation keys on it.
type OrderRequest struct {
	ClientOrderID string
	Instrument    string
	Side          Side
	Type          OrderType
	Quantity      int
	LimitPrice    float64 // ignored for market orders
}

// OrderStatus is the broker's view of an order.
type OrderStatus struct {
	OrderID       string
	ClientOrderID string
	Instrument    string
	Side          Side
	State         OrderState
	FilledQty     int
	AvgFillPrice  float64
	SubmittedAt   time.Time
}

// Broker is the minimal order surface the executor needs. ListRecentOrders
// exists for reconciliation: after an ambiguous send the executor looks the
// client order id up in broker history before it will ever re-send.
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderStatus, error)
	GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)
	ListRecentOrders(ctx context.Context, since time.Time) ([]OrderStatus, error)
}

// SimBroker is an in-memory paper broker. Tests script failures with
// FailNext; a scripted ambiguous failure still records the order internally,
// modeling a send that reached the venue before the response was lost.
type SimBroker struct {
	mu        sync.Mutex
	markPrice map[string]float64
	orders    []OrderStatus
	failQueue []simFailure
	nextID    int
}

type simFailure struct {
	errType    ErrorType
	recordFill bool // ambiguous sends that actually reached the venue
}

func NewSimBroker() *SimBroker {
	return &SimBroker{markPrice: make(map[string]float64)}
}

// SetMark sets the fill price used for market orders on an instrument.
func (b *SimBroker) SetMark(instrument string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markPrice[instrument] = price
}

// FailNext scripts the next PlaceOrder call to fail with the given class.
// For ambiguous failures, recordFill controls whether the order silently
// reached the venue anyway.
func (b *SimBroker) FailNext(errType ErrorType, recordFill bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failQueue = append(b.failQueue, simFailure{errType: errType, recordFill: recordFill})
}

func (b *SimBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewTransientError("place", req.Instrument, req.ClientOrderID, "context done", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.failQueue) > 0 {
		f := b.failQueue[0]
		b.failQueue = b.failQueue[1:]
		if f.errType == ErrorTypeAmbiguous && f.recordFill {
			b.fillUnsafe(req)
		}
		switch f.errType {
		case ErrorTypeTransient:
			return nil, NewTransientError("place", req.Instrument, req.ClientOrderID, "simulated network failure", nil)
		case ErrorTypeBusiness:
			return nil, NewBusinessError("place", req.Instrument, req.ClientOrderID, "simulated rejection", nil)
		default:
			return nil, NewAmbiguousError("place", req.Instrument, req.ClientOrderID, "simulated timeout", nil)
		}
	}

	status := b.fillUnsafe(req)
	return &status, nil
}

func (b *SimBroker) fillUnsafe(req OrderRequest) OrderStatus {
	b.nextID++
	price := req.LimitPrice
	if req.Type == OrderTypeMarket || price <= 0 {
		price = b.markPrice[req.Instrument]
	}
	status := OrderStatus{
		OrderID:       simOrderID(b.nextID),
		ClientOrderID: req.ClientOrderID,
		Instrument:    req.Instrument,
		Side:          req.Side,
		State:         OrderStateFilled,
		FilledQty:     req.Quantity,
		AvgFillPrice:  price,
		SubmittedAt:   time.Now().UTC(),
	}
	b.orders = append(b.orders, status)
	return status
}

func (b *SimBroker) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.orders {
		if b.orders[i].OrderID == orderID {
			o := b.orders[i]
			return &o, nil
		}
	}
	return nil, NewBusinessError("status", "", "", "unknown order "+orderID, nil)
}

func (b *SimBroker) ListRecentOrders(ctx context.Context, since time.Time) ([]OrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]OrderStatus, 0, len(b.orders))
	for _, o := range b.orders {
		if !o.SubmittedAt.Before(since) {
			out = append(out, o)
		}
	}
	return out, nil
}

// OrderCount reports total orders accepted; tests assert no duplicates.
func (b *SimBroker) OrderCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

func simOrderID(n int) string {
	return fmt.Sprintf("sim-%d", n)
}
