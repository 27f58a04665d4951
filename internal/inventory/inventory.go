package inventory

import (
	"context"
	"math"
	"time"
)

// Operation is a stock mutation chosen by the user
type Operation string

const (
	OpSell     Operation = "SELL"
	OpStockIn  Operation = "STOCK_IN"
	OpStockOut Operation = "STOCK_OUT"
)

// Valid reports whether o is a known operation
func (o Operation) Valid() bool {
	switch o {
	case OpSell, OpStockIn, OpStockOut:
		return true
	}
	return false
}

// Decrements reports whether o removes stock
func (o Operation) Decrements() bool {
	return o == OpSell || o == OpStockOut
}

// Delta returns the signed stock change for quantity
func (o Operation) Delta(quantity float64) float64 {
	if o.Decrements() {
		return -quantity
	}
	return quantity
}

// Item is an inventory item as known to the inventory service
type Item struct {
	ID            string    `json:"id"`
	Code          string    `json:"code"`
	Name          string    `json:"name"`
	Category      string    `json:"category,omitempty"`
	UnitPrice     int64     `json:"unit_price"` // Price in cents
	UnitCost      int64     `json:"unit_cost"`  // Cost in cents
	StockOnHand   float64   `json:"stock_on_hand"`
	IsBulk        bool      `json:"is_bulk"` // Sold by weight or volume rather than units
	UnitOfMeasure string    `json:"unit_of_measure"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewItem holds the create-item form
type NewItem struct {
	Code            string  `json:"code" validate:"required,max=64"`
	Name            string  `json:"name" validate:"required,max=120"`
	Category        string  `json:"category" validate:"max=60"`
	UnitPrice       int64   `json:"unit_price" validate:"gt=0"`
	UnitCost        int64   `json:"unit_cost" validate:"gte=0"`
	InitialQuantity float64 `json:"initial_quantity" validate:"gte=0"`
	IsBulk          bool    `json:"is_bulk"`
	UnitOfMeasure   string  `json:"unit_of_measure" validate:"omitempty,oneof=unit kg g l ml m"`
}

// Mutation is a single idempotent stock change
type Mutation struct {
	ItemID         string    `json:"item_id"`
	Operation      Operation `json:"operation"`
	Quantity       float64   `json:"quantity"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// Service is the inventory lookup and mutation contract. Implementations
// are BoltDB (local) and Client (REST)
type Service interface {
	// FindByCode returns ErrNotFound when no item carries the code
	FindByCode(ctx context.Context, code string) (*Item, error)

	// CreateItem returns a *ValidationError when the form is incomplete
	CreateItem(ctx context.Context, item NewItem) (*Item, error)

	// ApplyTransaction applies m at most once per idempotency key and
	// returns the updated item. Replaying a key returns the original result
	ApplyTransaction(ctx context.Context, m Mutation) (*Item, error)
}

// Catalog is a Service that can also enumerate items
type Catalog interface {
	Service
	GetItem(ctx context.Context, id string) (*Item, error)
	ListItems(ctx context.Context) ([]*Item, error)
}

// isWhole reports whether a quantity is a whole number of units
func isWhole(q float64) bool {
	return q == math.Trunc(q)
}
