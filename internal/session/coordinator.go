package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/stockscan/internal/inventory"
)

// State is the coordinator's position in the transaction lifecycle
type State string

const (
	StateScanning   State = "SCANNING"
	StateResolved   State = "RESOLVED"
	StateCreating   State = "CREATING"
	StatePending    State = "PENDING"
	StateCommitting State = "COMMITTING"
	StateCommitted  State = "COMMITTED"
	StateFailed     State = "FAILED"
)

var (
	// ErrCommitInFlight is returned by Cancel while the commit call is
	// outstanding. Its outcome is unknown until the call returns
	ErrCommitInFlight = errors.New("commit in flight")

	// ErrNoPending is returned when there is nothing to commit or cancel
	ErrNoPending = errors.New("no pending transaction")
)

// StateError is returned for an operation the current state does not allow
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s while %s", e.Op, e.State)
}

// keyNamespace scopes idempotency keys derived by this package
var keyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("stockscan/transactions"))

// IdempotencyKey derives the key for a mutation of itemID opened by the
// scan accepted at windowStart. Keys are stable for the same scan, so a
// retried commit can never apply twice
func IdempotencyKey(itemID string, op inventory.Operation, windowStart time.Time) string {
	name := fmt.Sprintf("%s|%s|%d", itemID, op, windowStart.UnixNano())
	return uuid.NewSHA1(keyNamespace, []byte(name)).String()
}

// PendingTransaction is a confirmed-but-uncommitted stock mutation
type PendingTransaction struct {
	Item              *inventory.Item
	Operation         inventory.Operation
	Quantity          float64
	UnitPriceOverride *int64 // cents
	IdempotencyKey    string
}

// UnitPrice returns the price the transaction sells at, in cents
func (p PendingTransaction) UnitPrice() int64 {
	if p.UnitPriceOverride != nil {
		return *p.UnitPriceOverride
	}
	return p.Item.UnitPrice
}

// Revenue returns the sale value in cents, rounded to the cent. Only
// sales produce revenue
func (p PendingTransaction) Revenue() int64 {
	if p.Operation != inventory.OpSell {
		return 0
	}
	return int64(math.Round(p.Quantity * float64(p.UnitPrice())))
}

// Mutation returns the service call for the transaction
func (p PendingTransaction) Mutation() inventory.Mutation {
	return inventory.Mutation{
		ItemID:         p.Item.ID,
		Operation:      p.Operation,
		Quantity:       p.Quantity,
		IdempotencyKey: p.IdempotencyKey,
	}
}

// Totals are the session's committed sales
type Totals struct {
	Count   int
	Revenue int64 // cents
}

// Coordinator owns the SCANNING -> RESOLVED -> PENDING -> COMMITTING ->
// (COMMITTED | FAILED) -> SCANNING lifecycle. There is at most one
// pending transaction at a time
type Coordinator struct {
	service    inventory.Service
	resolver   *inventory.Resolver
	sink       TotalsSink
	timeSource TimeSource
	staleness  time.Duration

	mu          sync.Mutex
	state       State
	generation  int
	resolution  inventory.Resolution
	windowStart time.Time
	pending     *PendingTransaction
	lastErr     error
	totals      Totals
	listener    func(State)
}

// NewCoordinator creates a coordinator in SCANNING. sink may be nil.
// staleness <= 0 uses inventory.DefaultStaleness
func NewCoordinator(service inventory.Service, resolver *inventory.Resolver, sink TotalsSink, timeSrc TimeSource, staleness time.Duration) *Coordinator {
	if staleness <= 0 {
		staleness = inventory.DefaultStaleness
	}
	return &Coordinator{
		service:    service,
		resolver:   resolver,
		sink:       sink,
		timeSource: timeSrc,
		staleness:  staleness,
		state:      StateScanning,
	}
}

// OnChange registers a callback invoked after every transition
func (c *Coordinator) OnChange(fn func(State)) {
	c.mu.Lock()
	c.listener = fn
	c.mu.Unlock()
}

// transitionLocked moves to state and returns the notification to run
// once the lock is released
func (c *Coordinator) transitionLocked(state State) func() {
	c.state = state
	c.generation++
	fn := c.listener
	if fn == nil {
		return func() {}
	}
	return func() { fn(state) }
}

// State returns the current state
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Resolution returns the item under consideration, if any
func (c *Coordinator) Resolution() (inventory.Resolution, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolution, c.resolution.Item != nil
}

// Pending returns the pending transaction, if any
func (c *Coordinator) Pending() (PendingTransaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return PendingTransaction{}, false
	}
	return *c.pending, true
}

// LastError returns the error of the last failed commit
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Totals returns the committed sales so far
func (c *Coordinator) Totals() Totals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totals
}

// Resolved records a found item for the scan accepted at windowStart
func (c *Coordinator) Resolved(res inventory.Resolution, windowStart time.Time) error {
	c.mu.Lock()
	if c.state != StateScanning {
		state := c.state
		c.mu.Unlock()
		return &StateError{Op: "resolve", State: state}
	}
	c.resolution = res
	c.windowStart = windowStart
	c.lastErr = nil
	notify := c.transitionLocked(StateResolved)
	c.mu.Unlock()
	notify()
	return nil
}

// BeginCreate opens the create-item flow for an unknown code
func (c *Coordinator) BeginCreate() error {
	c.mu.Lock()
	if c.state != StateScanning {
		state := c.state
		c.mu.Unlock()
		return &StateError{Op: "create", State: state}
	}
	c.lastErr = nil
	notify := c.transitionLocked(StateCreating)
	c.mu.Unlock()
	notify()
	return nil
}

// FinishCreate closes the create-item flow and returns to SCANNING
func (c *Coordinator) FinishCreate() error {
	c.mu.Lock()
	if c.state != StateCreating {
		state := c.state
		c.mu.Unlock()
		return &StateError{Op: "finish create", State: state}
	}
	notify := c.transitionLocked(StateScanning)
	c.mu.Unlock()
	notify()
	return nil
}

// Prepare builds the pending transaction for the resolved item. Decrements
// are checked against stock on hand, re-read from the service when the
// resolved item is older than the staleness threshold
func (c *Coordinator) Prepare(ctx context.Context, op inventory.Operation, quantity float64, priceOverride *int64) (PendingTransaction, error) {
	c.mu.Lock()
	if c.state != StateResolved && c.state != StatePending {
		state := c.state
		c.mu.Unlock()
		return PendingTransaction{}, &StateError{Op: "prepare", State: state}
	}
	res := c.resolution
	windowStart := c.windowStart
	gen := c.generation
	c.mu.Unlock()

	if err := validateTransaction(res.Item, op, quantity, priceOverride); err != nil {
		return PendingTransaction{}, err
	}

	if op.Decrements() {
		fresh, err := c.resolver.Fresh(ctx, res, c.staleness)
		if err != nil {
			return PendingTransaction{}, fmt.Errorf("re-reading stock: %w", err)
		}
		res = fresh
		if quantity > res.Item.StockOnHand {
			return PendingTransaction{}, fmt.Errorf("%s of %g with %g on hand: %w", op, quantity, res.Item.StockOnHand, inventory.ErrInsufficientStock)
		}
	}

	tx := PendingTransaction{
		Item:              res.Item,
		Operation:         op,
		Quantity:          quantity,
		UnitPriceOverride: priceOverride,
		IdempotencyKey:    IdempotencyKey(res.Item.ID, op, windowStart),
	}

	c.mu.Lock()
	if c.generation != gen {
		state := c.state
		c.mu.Unlock()
		return PendingTransaction{}, &StateError{Op: "prepare", State: state}
	}
	c.resolution = res
	c.pending = &tx
	notify := c.transitionLocked(StatePending)
	c.mu.Unlock()
	notify()
	return tx, nil
}

func validateTransaction(item *inventory.Item, op inventory.Operation, quantity float64, priceOverride *int64) error {
	fields := map[string]string{}
	if !op.Valid() {
		fields["operation"] = "must be SELL, STOCK_IN or STOCK_OUT"
	}
	switch {
	case quantity <= 0 || math.IsNaN(quantity) || math.IsInf(quantity, 0):
		fields["quantity"] = "must be greater than 0"
	case !item.IsBulk && quantity != math.Trunc(quantity):
		fields["quantity"] = "must be a whole number for unit items"
	}
	if priceOverride != nil && *priceOverride <= 0 {
		fields["unit_price"] = "must be greater than 0"
	}
	if len(fields) > 0 {
		return &inventory.ValidationError{Fields: fields}
	}
	return nil
}

// Commit sends the pending transaction. It is also the retry after a
// failure and reuses the same idempotency key. On failure the transaction
// stays available and the state is FAILED
func (c *Coordinator) Commit(ctx context.Context) (*inventory.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	switch c.state {
	case StatePending, StateFailed:
	case StateCommitting:
		c.mu.Unlock()
		return nil, ErrCommitInFlight
	default:
		state := c.state
		c.mu.Unlock()
		return nil, &StateError{Op: "commit", State: state}
	}
	tx := *c.pending
	notify := c.transitionLocked(StateCommitting)
	c.mu.Unlock()
	notify()

	slog.Info("Committing transaction",
		"item_id", tx.Item.ID,
		"operation", tx.Operation,
		"quantity", tx.Quantity,
		"idempotency_key", tx.IdempotencyKey,
	)
	updated, err := c.service.ApplyTransaction(ctx, tx.Mutation())
	if err != nil {
		c.mu.Lock()
		c.lastErr = err
		notify := c.transitionLocked(StateFailed)
		c.mu.Unlock()
		slog.Warn("Transaction failed", "idempotency_key", tx.IdempotencyKey, "network", inventory.IsNetwork(err), "error", err)
		notify()
		return nil, fmt.Errorf("applying transaction: %w", err)
	}

	if c.resolver != nil {
		c.resolver.Remember(updated)
	}

	c.mu.Lock()
	revenue := tx.Revenue()
	if tx.Operation == inventory.OpSell {
		c.totals.Count++
		c.totals.Revenue += revenue
	}
	ev := CommittedEvent{
		Transaction: tx,
		Item:        updated,
		Revenue:     revenue,
		Totals:      c.totals,
		At:          c.timeSource.Now(),
	}
	c.pending = nil
	c.resolution = inventory.Resolution{}
	c.lastErr = nil
	committed := c.transitionLocked(StateCommitted)
	resumed := c.transitionLocked(StateScanning)
	c.mu.Unlock()

	committed()
	if c.sink != nil {
		c.sink.TransactionCommitted(ev)
	}
	resumed()
	return updated, nil
}

// Cancel abandons the resolved item, the pending or failed transaction, or
// the create-item flow, and returns to SCANNING. It never calls the service
func (c *Coordinator) Cancel() error {
	c.mu.Lock()
	switch c.state {
	case StateResolved, StatePending, StateFailed, StateCreating:
	case StateCommitting:
		c.mu.Unlock()
		return ErrCommitInFlight
	default:
		c.mu.Unlock()
		return ErrNoPending
	}
	c.pending = nil
	c.resolution = inventory.Resolution{}
	c.lastErr = nil
	notify := c.transitionLocked(StateScanning)
	c.mu.Unlock()
	notify()
	return nil
}
