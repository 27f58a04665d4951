package inventory

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BoltDB", func() {
	var (
		ctx   context.Context
		clock *mockTimeSource
		db    *BoltDB
	)

	BeforeEach(func() {
		ctx = context.Background()
		clock = &mockTimeSource{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
		var err error
		db, err = NewBoltDBWithDeps(filepath.Join(GinkgoT().TempDir(), "test.db"), &mockIDGenerator{ids: []string{"item-1", "item-2"}}, clock)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("CreateItem", func() {
		var (
			form NewItem
			item *Item
			err  error
		)

		BeforeEach(func() {
			form = NewItem{Code: "9999999999999", Name: "Yerba 1kg", UnitPrice: 250000, InitialQuantity: 5}
		})

		JustBeforeEach(func() {
			item, err = db.CreateItem(ctx, form)
		})

		When("the form is complete", func() {
			It("stores the item with its initial stock", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(item.ID).To(Equal("item-1"))
				Expect(item.StockOnHand).To(Equal(5.0))
				Expect(item.UnitOfMeasure).To(Equal("unit"))
				Expect(item.CreatedAt).To(Equal(clock.now))
			})

			It("can be found by code", func() {
				found, findErr := db.FindByCode(ctx, "9999999999999")
				Expect(findErr).NotTo(HaveOccurred())
				Expect(found.Name).To(Equal("Yerba 1kg"))
			})
		})

		When("the name is missing", func() {
			BeforeEach(func() {
				form.Name = "  "
			})

			It("returns a validation error naming the field", func() {
				var verr *ValidationError
				Expect(errors.As(err, &verr)).To(BeTrue())
				Expect(verr.Fields).To(HaveKey("name"))
			})
		})

		When("the code already exists", func() {
			BeforeEach(func() {
				_, createErr := db.CreateItem(ctx, form)
				Expect(createErr).NotTo(HaveOccurred())
			})

			It("rejects the duplicate", func() {
				var verr *ValidationError
				Expect(errors.As(err, &verr)).To(BeTrue())
				Expect(verr.Fields).To(HaveKeyWithValue("code", "already exists"))
			})
		})
	})

	Describe("FindByCode", func() {
		It("returns ErrNotFound for unknown codes", func() {
			_, err := db.FindByCode(ctx, "0000000000000")
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})
	})

	Describe("ApplyTransaction", func() {
		var item *Item

		BeforeEach(func() {
			var err error
			item, err = db.CreateItem(ctx, NewItem{Code: "7790001234567", Name: "Coca Cola 2L", UnitPrice: 180000, InitialQuantity: 20})
			Expect(err).NotTo(HaveOccurred())
		})

		It("decrements stock on a sale", func() {
			updated, err := db.ApplyTransaction(ctx, Mutation{ItemID: item.ID, Operation: OpSell, Quantity: 3, IdempotencyKey: "k1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.StockOnHand).To(Equal(17.0))
		})

		It("increments stock on stock-in", func() {
			updated, err := db.ApplyTransaction(ctx, Mutation{ItemID: item.ID, Operation: OpStockIn, Quantity: 4, IdempotencyKey: "k1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.StockOnHand).To(Equal(24.0))
		})

		It("applies a replayed key only once", func() {
			m := Mutation{ItemID: item.ID, Operation: OpSell, Quantity: 3, IdempotencyKey: "k1"}
			first, err := db.ApplyTransaction(ctx, m)
			Expect(err).NotTo(HaveOccurred())
			second, err := db.ApplyTransaction(ctx, m)
			Expect(err).NotTo(HaveOccurred())

			Expect(second.StockOnHand).To(Equal(first.StockOnHand))
			stored, err := db.GetItem(ctx, item.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.StockOnHand).To(Equal(17.0))
		})

		It("rejects a key reused for a different mutation", func() {
			_, err := db.ApplyTransaction(ctx, Mutation{ItemID: item.ID, Operation: OpSell, Quantity: 3, IdempotencyKey: "k1"})
			Expect(err).NotTo(HaveOccurred())

			_, err = db.ApplyTransaction(ctx, Mutation{ItemID: item.ID, Operation: OpSell, Quantity: 4, IdempotencyKey: "k1"})
			Expect(errors.Is(err, ErrConflict)).To(BeTrue())
		})

		It("refuses to sell more than the stock on hand", func() {
			_, err := db.ApplyTransaction(ctx, Mutation{ItemID: item.ID, Operation: OpStockOut, Quantity: 21, IdempotencyKey: "k1"})
			Expect(errors.Is(err, ErrInsufficientStock)).To(BeTrue())

			stored, _ := db.GetItem(ctx, item.ID)
			Expect(stored.StockOnHand).To(Equal(20.0))
		})

		It("refuses fractional quantities on unit items", func() {
			_, err := db.ApplyTransaction(ctx, Mutation{ItemID: item.ID, Operation: OpSell, Quantity: 1.5, IdempotencyKey: "k1"})
			var verr *ValidationError
			Expect(errors.As(err, &verr)).To(BeTrue())
		})

		It("requires an idempotency key", func() {
			_, err := db.ApplyTransaction(ctx, Mutation{ItemID: item.ID, Operation: OpSell, Quantity: 1})
			var verr *ValidationError
			Expect(errors.As(err, &verr)).To(BeTrue())
			Expect(verr.Fields).To(HaveKey("idempotency_key"))
		})

		It("returns ErrNotFound for unknown items", func() {
			_, err := db.ApplyTransaction(ctx, Mutation{ItemID: "nope", Operation: OpSell, Quantity: 1, IdempotencyKey: "k1"})
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})
	})

	Describe("ListItems", func() {
		It("returns an empty slice when there are no items", func() {
			items, err := db.ListItems(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).NotTo(BeNil())
			Expect(items).To(BeEmpty())
		})
	})
})
