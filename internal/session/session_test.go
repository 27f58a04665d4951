package session

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/stockscan/internal/capture"
	"github.com/zombor/stockscan/internal/inventory"
	"github.com/zombor/stockscan/internal/scanning"
)

const cokeCode = "7790001234567"

var _ = Describe("Session", func() {
	var (
		ctx      context.Context
		db       *inventory.BoltDB
		service  *flakyService
		clock    *mockTimeSource
		resolver *inventory.Resolver
		decoder  *mockDecoder
		ocr      *scanning.OCR
		surface  *mockSurface
		sink     *mockSink
		feedback *mockFeedback
		source   *mockSource
		coke     *inventory.Item
		s        *Session
	)

	stock := func(id string) float64 {
		item, err := db.GetItem(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		return item.StockOnHand
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		db, err = inventory.NewBoltDB(filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(db.Close)

		coke, err = db.CreateItem(ctx, inventory.NewItem{
			Code:            cokeCode,
			Name:            "Coca Cola 2L",
			UnitPrice:       1850,
			InitialQuantity: 20,
		})
		Expect(err).NotTo(HaveOccurred())

		service = &flakyService{Service: db}
		clock = &mockTimeSource{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
		resolver = inventory.NewResolverWithDeps(service, 0, clock)
		decoder = &mockDecoder{err: scanning.ErrNoCandidate}
		ocr = nil
		surface = &mockSurface{}
		sink = &mockSink{}
		feedback = &mockFeedback{}
		source = newMockSource("cam-1")
	})

	JustBeforeEach(func() {
		s = New(source, Options{
			Engine:     scanning.NewEngine(decoder, ocr, 0),
			Service:    service,
			Resolver:   resolver,
			Feedback:   feedback,
			Surface:    surface,
			Totals:     sink,
			TimeSource: clock,
		})
		DeferCleanup(s.Close)
	})

	Describe("selling a scanned item", func() {
		It("commits the sale and updates totals once", func() {
			s.submit(ctx, ean(cokeCode))
			Expect(surface.resolvedCount()).To(Equal(1))
			Expect(s.Coordinator().State()).To(Equal(StateResolved))
			res, ok := s.Coordinator().Resolution()
			Expect(ok).To(BeTrue())
			Expect(res.Item.Name).To(Equal("Coca Cola 2L"))
			Expect(res.Item.StockOnHand).To(Equal(20.0))

			tx, err := s.Prepare(ctx, inventory.OpSell, 3, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(tx.IdempotencyKey).NotTo(BeEmpty())
			Expect(s.Coordinator().State()).To(Equal(StatePending))
			Expect(sink.count()).To(Equal(0))

			updated, err := s.Commit(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.StockOnHand).To(Equal(17.0))
			Expect(stock(coke.ID)).To(Equal(17.0))

			Expect(s.Coordinator().State()).To(Equal(StateScanning))
			Expect(s.Coordinator().Totals()).To(Equal(Totals{Count: 1, Revenue: 3 * 1850}))
			Expect(sink.count()).To(Equal(1))
			Expect(sink.events[0].Revenue).To(Equal(int64(3 * 1850)))
			_, pending := s.Coordinator().Pending()
			Expect(pending).To(BeFalse())
		})

		It("uses the price override for revenue", func() {
			s.submit(ctx, ean(cokeCode))
			price := int64(1500)
			_, err := s.Prepare(ctx, inventory.OpSell, 2, &price)
			Expect(err).NotTo(HaveOccurred())
			_, err = s.Commit(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Coordinator().Totals().Revenue).To(Equal(int64(3000)))
		})

		It("does not count stock-in as revenue", func() {
			s.submit(ctx, ean(cokeCode))
			_, err := s.Prepare(ctx, inventory.OpStockIn, 10, nil)
			Expect(err).NotTo(HaveOccurred())
			_, err = s.Commit(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stock(coke.ID)).To(Equal(30.0))
			Expect(s.Coordinator().Totals()).To(Equal(Totals{}))
			Expect(sink.count()).To(Equal(1))
		})

		It("acknowledges the accepted scan", func() {
			s.submit(ctx, ean(cokeCode))
			Eventually(feedback.acks).Should(Equal(1))
		})

		When("feedback fails", func() {
			BeforeEach(func() {
				feedback.err = errors.New("no audio device")
			})

			It("still resolves the item", func() {
				s.submit(ctx, ean(cokeCode))
				Expect(surface.resolvedCount()).To(Equal(1))
			})
		})
	})

	Describe("debouncing", func() {
		It("ignores decodes while an item is open", func() {
			s.submit(ctx, ean(cokeCode))
			s.submit(ctx, ean("9999999999999"))
			Expect(surface.resolvedCount()).To(Equal(1))
			Expect(surface.unknownCodes()).To(BeEmpty())
		})

		It("runs one cycle for repeats within the cooldown", func() {
			s.submit(ctx, ean(cokeCode))
			Expect(s.Cancel()).To(Succeed())

			clock.Advance(time.Second)
			s.submit(ctx, ean(cokeCode))
			Expect(surface.resolvedCount()).To(Equal(1))
			Expect(s.Coordinator().State()).To(Equal(StateScanning))
		})

		It("starts a new cycle once the cooldown elapses", func() {
			s.submit(ctx, ean(cokeCode))
			first := surface.lastScan().WindowStart
			Expect(s.Cancel()).To(Succeed())

			clock.Advance(scanning.DefaultCooldown)
			s.submit(ctx, ean(cokeCode))
			Expect(surface.resolvedCount()).To(Equal(2))
			Expect(surface.lastScan().WindowStart).To(BeTemporally(">", first))
		})

		It("merges OCR and structured reads of the same label", func() {
			s.submit(ctx, ean(cokeCode))
			Expect(s.Cancel()).To(Succeed())

			s.submit(ctx, scanning.DecodedCode{Value: cokeCode, Format: scanning.FormatOCRNumeric})
			Expect(surface.resolvedCount()).To(Equal(1))
		})

		It("reports the open window in the status", func() {
			Expect(s.Status().Debounce).To(Equal(scanning.DebounceIdle))
			s.submit(ctx, ean(cokeCode))
			Expect(s.Status().Debounce).To(Equal(scanning.DebounceAccepted))
		})
	})

	Describe("lookup failures", func() {
		BeforeEach(func() {
			service.set(func(f *flakyService) {
				f.findErr = &inventory.NetworkError{Op: "find by code", Err: errors.New("connection refused")}
			})
		})

		It("reports the error to the surface", func() {
			s.submit(ctx, ean(cokeCode))

			status, ok := surface.lastStatus()
			Expect(ok).To(BeTrue())
			Expect(status.State).To(Equal(StateScanning))
			Expect(status.LastError).To(MatchError(ContainSubstring("connection refused")))
			Expect(surface.resolvedCount()).To(Equal(0))
			Expect(surface.unknownCodes()).To(BeEmpty())
		})

		It("lets an immediate re-scan retry the lookup", func() {
			s.submit(ctx, ean(cokeCode))
			service.set(func(f *flakyService) { f.findErr = nil })

			clock.Advance(100 * time.Millisecond)
			s.submit(ctx, ean(cokeCode))
			Expect(surface.resolvedCount()).To(Equal(1))
			Expect(s.Status().LastError).NotTo(HaveOccurred())
		})
	})

	Describe("unknown codes", func() {
		const newCode = "9999999999999"

		It("opens the create flow and never a transaction", func() {
			s.submit(ctx, ean(newCode))
			Expect(surface.unknownCodes()).To(Equal([]string{newCode}))
			Expect(surface.resolvedCount()).To(Equal(0))
			Expect(s.Coordinator().State()).To(Equal(StateCreating))

			_, err := s.Prepare(ctx, inventory.OpSell, 1, nil)
			var stateErr *StateError
			Expect(errors.As(err, &stateErr)).To(BeTrue())
			Expect(service.calls()).To(Equal(0))
		})

		It("keeps the form open on validation errors", func() {
			s.submit(ctx, ean(newCode))
			_, err := s.CreateItem(ctx, inventory.NewItem{Code: newCode, UnitPrice: 500})
			var verr *inventory.ValidationError
			Expect(errors.As(err, &verr)).To(BeTrue())
			Expect(verr.Fields).To(HaveKey("name"))
			Expect(s.Coordinator().State()).To(Equal(StateCreating))
		})

		It("creates the item and does not open it straight away", func() {
			s.submit(ctx, ean(newCode))
			clock.Advance(10 * time.Second)

			item, err := s.CreateItem(ctx, inventory.NewItem{Code: newCode, Name: "Alfajor", UnitPrice: 500, InitialQuantity: 5})
			Expect(err).NotTo(HaveOccurred())
			Expect(item.StockOnHand).To(Equal(5.0))
			Expect(s.Coordinator().State()).To(Equal(StateScanning))

			s.submit(ctx, ean(newCode))
			Expect(surface.resolvedCount()).To(Equal(0))
			Expect(s.Coordinator().State()).To(Equal(StateScanning))

			clock.Advance(scanning.DefaultCooldown)
			s.submit(ctx, ean(newCode))
			Expect(surface.resolvedCount()).To(Equal(1))
		})

		It("returns to scanning when the form is cancelled", func() {
			s.submit(ctx, ean(newCode))
			Expect(s.Cancel()).To(Succeed())
			Expect(s.Coordinator().State()).To(Equal(StateScanning))
			Expect(service.calls()).To(Equal(0))
		})

		It("rejects CreateItem outside the create flow", func() {
			_, err := s.CreateItem(ctx, inventory.NewItem{Code: newCode, Name: "x", UnitPrice: 1})
			var stateErr *StateError
			Expect(errors.As(err, &stateErr)).To(BeTrue())
		})
	})

	Describe("commit failures", func() {
		JustBeforeEach(func() {
			s.submit(ctx, ean(cokeCode))
			_, err := s.Prepare(ctx, inventory.OpSell, 3, nil)
			Expect(err).NotTo(HaveOccurred())
		})

		When("the request never reaches the service", func() {
			BeforeEach(func() {
				service.failBefore = &inventory.NetworkError{Op: "apply transaction", Err: errors.New("connection refused")}
			})

			It("leaves stock unchanged and the transaction re-offerable", func() {
				before, _ := s.Coordinator().Pending()

				_, err := s.Commit(ctx)
				Expect(inventory.IsNetwork(err)).To(BeTrue())
				Expect(s.Coordinator().State()).To(Equal(StateFailed))
				Expect(s.Coordinator().LastError()).To(HaveOccurred())
				Expect(stock(coke.ID)).To(Equal(20.0))
				Expect(s.Coordinator().Totals()).To(Equal(Totals{}))

				after, ok := s.Coordinator().Pending()
				Expect(ok).To(BeTrue())
				Expect(after.IdempotencyKey).To(Equal(before.IdempotencyKey))

				service.set(func(f *flakyService) { f.failBefore = nil })
				updated, err := s.Commit(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(updated.StockOnHand).To(Equal(17.0))
				Expect(s.Coordinator().Totals().Count).To(Equal(1))
			})
		})

		When("the response is lost after the service applied it", func() {
			BeforeEach(func() {
				service.failAfter = &inventory.NetworkError{Op: "apply transaction", Err: errors.New("connection reset")}
			})

			It("applies the mutation exactly once across retries", func() {
				_, err := s.Commit(ctx)
				Expect(err).To(HaveOccurred())
				Expect(s.Coordinator().State()).To(Equal(StateFailed))

				service.set(func(f *flakyService) { f.failAfter = nil })
				updated, err := s.Commit(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(updated.StockOnHand).To(Equal(17.0))
				Expect(stock(coke.ID)).To(Equal(17.0))
				Expect(service.calls()).To(Equal(2))
			})
		})

		When("the service reports a conflict", func() {
			BeforeEach(func() {
				service.failBefore = inventory.ErrConflict
			})

			It("fails and can be cancelled without side effects", func() {
				_, err := s.Commit(ctx)
				Expect(errors.Is(err, inventory.ErrConflict)).To(BeTrue())
				Expect(s.Coordinator().State()).To(Equal(StateFailed))

				Expect(s.Cancel()).To(Succeed())
				Expect(s.Coordinator().State()).To(Equal(StateScanning))
				Expect(stock(coke.ID)).To(Equal(20.0))
				Expect(sink.count()).To(Equal(0))
			})
		})
	})

	Describe("quantity validation", func() {
		JustBeforeEach(func() {
			s.submit(ctx, ean(cokeCode))
		})

		It("rejects selling more than is on hand", func() {
			_, err := s.Prepare(ctx, inventory.OpSell, 21, nil)
			Expect(errors.Is(err, inventory.ErrInsufficientStock)).To(BeTrue())
			Expect(s.Coordinator().State()).To(Equal(StateResolved))
		})

		It("rejects stock-out beyond stock on hand", func() {
			_, err := s.Prepare(ctx, inventory.OpStockOut, 25, nil)
			Expect(errors.Is(err, inventory.ErrInsufficientStock)).To(BeTrue())
		})

		It("allows stock-in of any positive amount", func() {
			_, err := s.Prepare(ctx, inventory.OpStockIn, 500, nil)
			Expect(err).NotTo(HaveOccurred())
		})

		It("re-reads stale stock before confirming", func() {
			_, err := db.ApplyTransaction(ctx, inventory.Mutation{ItemID: coke.ID, Operation: inventory.OpStockOut, Quantity: 18, IdempotencyKey: "other-terminal"})
			Expect(err).NotTo(HaveOccurred())

			clock.Advance(inventory.DefaultStaleness + time.Second)
			_, err = s.Prepare(ctx, inventory.OpSell, 5, nil)
			Expect(errors.Is(err, inventory.ErrInsufficientStock)).To(BeTrue())

			_, err = s.Prepare(ctx, inventory.OpSell, 2, nil)
			Expect(err).NotTo(HaveOccurred())
		})

		DescribeTable("rejects invalid input",
			func(op inventory.Operation, qty float64, field string) {
				_, err := s.Prepare(ctx, op, qty, nil)
				var verr *inventory.ValidationError
				Expect(errors.As(err, &verr)).To(BeTrue())
				Expect(verr.Fields).To(HaveKey(field))
			},
			Entry("zero quantity", inventory.OpSell, 0.0, "quantity"),
			Entry("negative quantity", inventory.OpStockIn, -1.0, "quantity"),
			Entry("fractional units", inventory.OpSell, 1.5, "quantity"),
			Entry("unknown operation", inventory.Operation("GIFT"), 1.0, "operation"),
		)
	})

	Describe("Cancel", func() {
		It("drops the pending transaction without calling the service", func() {
			s.submit(ctx, ean(cokeCode))
			_, err := s.Prepare(ctx, inventory.OpSell, 1, nil)
			Expect(err).NotTo(HaveOccurred())

			Expect(s.Cancel()).To(Succeed())
			Expect(s.Coordinator().State()).To(Equal(StateScanning))
			Expect(service.calls()).To(Equal(0))
			Expect(stock(coke.ID)).To(Equal(20.0))
		})

		It("reports nothing to cancel while scanning", func() {
			Expect(s.Cancel()).To(MatchError(ErrNoPending))
		})

		It("is refused while the commit is in flight", func() {
			release := make(chan struct{})
			service.block = release

			s.submit(ctx, ean(cokeCode))
			_, err := s.Prepare(ctx, inventory.OpSell, 1, nil)
			Expect(err).NotTo(HaveOccurred())

			done := make(chan error, 1)
			go func() {
				_, err := s.Commit(ctx)
				done <- err
			}()

			Eventually(s.Coordinator().State).Should(Equal(StateCommitting))
			Expect(s.Cancel()).To(MatchError(ErrCommitInFlight))
			_, err = s.Commit(ctx)
			Expect(err).To(MatchError(ErrCommitInFlight))

			close(release)
			Eventually(done).Should(Receive(BeNil()))
			Expect(s.Coordinator().State()).To(Equal(StateScanning))
			Expect(stock(coke.ID)).To(Equal(19.0))
		})
	})

	Describe("payment QR codes", func() {
		It("presents the payment and opens no transaction", func() {
			s.submit(ctx, scanning.DecodedCode{Value: `{"alias":"kiosco.centro","amount":100}`, Format: scanning.FormatQR})
			Expect(surface.paymentCount()).To(Equal(1))
			Expect(surface.resolvedCount()).To(Equal(0))
			Expect(surface.unknownCodes()).To(BeEmpty())
			Expect(s.Coordinator().State()).To(Equal(StateScanning))
		})

		It("resolves QR codes that are not payments", func() {
			s.submit(ctx, scanning.DecodedCode{Value: cokeCode, Format: scanning.FormatQR})
			Expect(surface.paymentCount()).To(Equal(0))
			Expect(surface.resolvedCount()).To(Equal(1))
		})
	})

	Describe("SubmitManual", func() {
		It("resolves a typed code", func() {
			Expect(s.SubmitManual(ctx, " "+cokeCode+" ")).To(Succeed())
			Expect(surface.resolvedCount()).To(Equal(1))
			Expect(surface.lastScan().Code.Format).To(Equal(scanning.FormatEAN13))
		})

		It("requires a code", func() {
			var verr *inventory.ValidationError
			Expect(errors.As(s.SubmitManual(ctx, "  "), &verr)).To(BeTrue())
		})

		It("is refused while an item is open", func() {
			Expect(s.SubmitManual(ctx, cokeCode)).To(Succeed())
			var stateErr *StateError
			Expect(errors.As(s.SubmitManual(ctx, "123"), &stateErr)).To(BeTrue())
		})
	})

	Describe("device lifecycle", func() {
		When("the camera cannot be opened", func() {
			BeforeEach(func() {
				source.openErr = &capture.DeviceError{Device: "cam-1", Reason: "permission denied", Err: capture.ErrCameraUnavailable}
			})

			It("reports the failure and still releases the device on close", func() {
				err := s.Open(ctx)
				Expect(errors.Is(err, capture.ErrCameraUnavailable)).To(BeTrue())
				Expect(surface.failures).To(HaveLen(1))

				Expect(s.SubmitManual(ctx, cokeCode)).To(Succeed())
				Expect(surface.resolvedCount()).To(Equal(1))

				Expect(s.Close()).To(Succeed())
				Expect(s.Close()).To(Succeed())
				Expect(source.closes()).To(Equal(1))
			})
		})

		When("the camera supports zoom and torch", func() {
			BeforeEach(func() {
				source.caps = capture.Capabilities{Zoom: &capture.ZoomRange{Min: 1, Max: 4}, TorchAvailable: true}
			})

			JustBeforeEach(func() {
				Expect(s.Open(ctx)).To(Succeed())
			})

			It("clamps zoom to the device range", func() {
				Expect(s.Status().Zoom).To(Equal(1.0))
				s.SetZoom(10)
				Expect(source.zoom).To(Equal(4.0))
				Expect(s.Status().Zoom).To(Equal(4.0))
			})

			It("switches the torch off on close", func() {
				s.SetTorch(true)
				Expect(s.Status().Torch).To(BeTrue())
				Expect(s.Close()).To(Succeed())
				Expect(source.torch).To(BeFalse())
			})

			It("keeps running when the torch fails", func() {
				source.torchErr = errors.New("torch busy")
				s.SetTorch(true)
				Expect(s.Status().Torch).To(BeFalse())
			})
		})

		When("the camera has no torch", func() {
			JustBeforeEach(func() {
				Expect(s.Open(ctx)).To(Succeed())
			})

			It("does not touch the device", func() {
				s.SetTorch(true)
				s.SetZoom(2)
				Expect(source.torchCalls).To(Equal(0))
				Expect(source.zoom).To(Equal(0.0))
			})
		})

		It("refuses to run after close", func() {
			Expect(s.Close()).To(Succeed())
			Expect(s.Run(ctx)).To(MatchError(ErrClosed))
		})
	})

	Describe("Run", func() {
		BeforeEach(func() {
			decoder.err = nil
			decoder.code = ean(cokeCode)
		})

		It("decodes frames and resolves one cycle per held label", func() {
			Expect(s.Open(ctx)).To(Succeed())
			done := make(chan error, 1)
			go func() { done <- s.Run(ctx) }()

			for i := 0; i < 5; i++ {
				source.frames <- blankFrame(clock.Now())
			}
			Eventually(surface.resolvedCount).Should(Equal(1))
			Consistently(surface.resolvedCount, 100*time.Millisecond).Should(Equal(1))

			Expect(s.Close()).To(Succeed())
			Eventually(done).Should(Receive(BeNil()))
		})
	})

	Describe("OCR fallback", func() {
		BeforeEach(func() {
			factory := func(ctx context.Context) (scanning.TextRecognizer, error) {
				return &mockRecognizer{text: "7 790001 234567"}, nil
			}
			ocr = scanning.NewOCR(factory, scanning.DefaultOCRRegion)
		})

		It("feeds OCR reads into the same pipeline", func() {
			Expect(s.EnableOCR(ctx)).To(Succeed())
			Eventually(ocr.Status).Should(Equal(scanning.StatusReading))

			s.decodeFrame(ctx, blankFrame(clock.Now()))
			s.ocrTick(ctx)

			Expect(surface.resolvedCount()).To(Equal(1))
			Expect(surface.lastScan().Code.Format).To(Equal(scanning.FormatOCRNumeric))
			Expect(s.Status().OCRStatus).To(Equal("found: " + cokeCode))
		})

		It("does not read while an item is open", func() {
			Expect(s.EnableOCR(ctx)).To(Succeed())
			Eventually(ocr.Status).Should(Equal(scanning.StatusReading))

			s.submit(ctx, ean(cokeCode))
			s.decodeFrame(ctx, blankFrame(clock.Now()))
			s.ocrTick(ctx)
			Expect(surface.resolvedCount()).To(Equal(1))
			Expect(ocr.Status()).To(Equal(scanning.StatusReading))
		})

		It("stops on close", func() {
			Expect(s.EnableOCR(ctx)).To(Succeed())
			Expect(s.Close()).To(Succeed())
			Expect(ocr.Active()).To(BeFalse())
			Expect(ocr.Status()).To(Equal(scanning.StatusIdle))
		})
	})

	When("no OCR provider is configured", func() {
		It("refuses to enable OCR", func() {
			Expect(s.EnableOCR(ctx)).To(HaveOccurred())
		})
	})
})
