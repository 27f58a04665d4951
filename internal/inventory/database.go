package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	itemsBucket        = "items"
	codesBucket        = "codes"
	transactionsBucket = "transactions"
)

// IDGenerator generates unique IDs for items
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// transactionRecord is what an idempotency key maps to
type transactionRecord struct {
	Mutation  Mutation  `json:"mutation"`
	Result    Item      `json:"result"`
	AppliedAt time.Time `json:"applied_at"`
}

// BoltDB implements Catalog using BoltDB
type BoltDB struct {
	db          *bbolt.DB
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	return NewBoltDBWithDeps(path, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewBoltDBWithDeps creates a new BoltDB with custom dependencies for testing
func NewBoltDBWithDeps(path string, idGen IDGenerator, timeSrc TimeSource) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{itemsBucket, codesBucket, transactionsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db, idGenerator: idGen, timeSource: timeSrc}, nil
}

func getItem(tx *bbolt.Tx, id string) (*Item, error) {
	data := tx.Bucket([]byte(itemsBucket)).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling item: %w", err)
	}
	return &item, nil
}

func putItem(tx *bbolt.Tx, item *Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshaling item: %w", err)
	}
	return tx.Bucket([]byte(itemsBucket)).Put([]byte(item.ID), data)
}

// FindByCode retrieves an item by its barcode value
func (b *BoltDB) FindByCode(ctx context.Context, code string) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var item *Item
	err := b.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(codesBucket)).Get([]byte(code))
		if id == nil {
			return ErrNotFound
		}
		var err error
		item, err = getItem(tx, string(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// GetItem retrieves an item by ID
func (b *BoltDB) GetItem(ctx context.Context, id string) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var item *Item
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		item, err = getItem(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ListItems returns all items
func (b *BoltDB) ListItems(ctx context.Context) ([]*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items := make([]*Item, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(itemsBucket)).ForEach(func(k, v []byte) error {
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("unmarshaling item: %w", err)
			}
			items = append(items, &item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// CreateItem validates the form and stores a new item with its initial stock
func (b *BoltDB) CreateItem(ctx context.Context, n NewItem) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.Code = strings.TrimSpace(n.Code)
	n.Name = strings.TrimSpace(n.Name)
	if err := n.Validate(); err != nil {
		return nil, err
	}

	now := b.timeSource.Now()
	unit := n.UnitOfMeasure
	if unit == "" {
		unit = "unit"
	}
	item := &Item{
		ID:            b.idGenerator.Generate(),
		Code:          n.Code,
		Name:          n.Name,
		Category:      n.Category,
		UnitPrice:     n.UnitPrice,
		UnitCost:      n.UnitCost,
		StockOnHand:   n.InitialQuantity,
		IsBulk:        n.IsBulk,
		UnitOfMeasure: unit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		codes := tx.Bucket([]byte(codesBucket))
		if codes.Get([]byte(item.Code)) != nil {
			return &ValidationError{Fields: map[string]string{"code": "already exists"}}
		}
		if err := putItem(tx, item); err != nil {
			return err
		}
		return codes.Put([]byte(item.Code), []byte(item.ID))
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ApplyTransaction applies a mutation once per idempotency key. The key
// lookup, stock check and write happen in one bolt transaction
func (b *BoltDB) ApplyTransaction(ctx context.Context, m Mutation) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateMutation(m); err != nil {
		return nil, err
	}

	var result *Item
	err := b.db.Update(func(tx *bbolt.Tx) error {
		txns := tx.Bucket([]byte(transactionsBucket))
		if data := txns.Get([]byte(m.IdempotencyKey)); data != nil {
			var rec transactionRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("unmarshaling transaction: %w", err)
			}
			if rec.Mutation != m {
				return fmt.Errorf("idempotency key %s reused with a different mutation: %w", m.IdempotencyKey, ErrConflict)
			}
			result = &rec.Result
			return nil
		}

		item, err := getItem(tx, m.ItemID)
		if err != nil {
			return err
		}
		if !item.IsBulk && !isWhole(m.Quantity) {
			return &ValidationError{Fields: map[string]string{"quantity": "must be a whole number for unit items"}}
		}
		if m.Operation.Decrements() && m.Quantity > item.StockOnHand {
			return fmt.Errorf("%s of %g with %g on hand: %w", m.Operation, m.Quantity, item.StockOnHand, ErrInsufficientStock)
		}

		now := b.timeSource.Now()
		item.StockOnHand += m.Operation.Delta(m.Quantity)
		item.UpdatedAt = now
		if err := putItem(tx, item); err != nil {
			return err
		}

		data, err := json.Marshal(transactionRecord{Mutation: m, Result: *item, AppliedAt: now})
		if err != nil {
			return fmt.Errorf("marshaling transaction: %w", err)
		}
		if err := txns.Put([]byte(m.IdempotencyKey), data); err != nil {
			return err
		}
		result = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
