package scanning

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Debouncer", func() {
	var (
		debouncer *Debouncer
		start     time.Time
		ean       DecodedCode
	)

	BeforeEach(func() {
		debouncer = NewDebouncer(0)
		start = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
		ean = DecodedCode{Value: "7790001234567", Format: FormatEAN13}
	})

	It("accepts the first decode", func() {
		accepted, ok := debouncer.Accept(ean, start)
		Expect(ok).To(BeTrue())
		Expect(accepted.WindowStart).To(Equal(start))
		Expect(debouncer.State(start)).To(Equal(DebounceAccepted))
	})

	It("suppresses the same code within the cooldown", func() {
		_, ok := debouncer.Accept(ean, start)
		Expect(ok).To(BeTrue())

		for i := 1; i < 20; i++ {
			_, ok = debouncer.Accept(ean, start.Add(time.Duration(i)*100*time.Millisecond))
			Expect(ok).To(BeFalse())
		}
	})

	It("accepts the same code again once the cooldown elapses", func() {
		debouncer.Accept(ean, start)

		Expect(debouncer.State(start.Add(DefaultCooldown))).To(Equal(DebounceIdle))
		accepted, ok := debouncer.Accept(ean, start.Add(DefaultCooldown))
		Expect(ok).To(BeTrue())
		Expect(accepted.WindowStart).To(Equal(start.Add(DefaultCooldown)))
	})

	It("accepts a different code immediately", func() {
		debouncer.Accept(ean, start)

		other := DecodedCode{Value: "4006381333931", Format: FormatEAN13}
		_, ok := debouncer.Accept(other, start.Add(10*time.Millisecond))
		Expect(ok).To(BeTrue())
	})

	It("merges OCR and structured reads of the same label", func() {
		debouncer.Accept(ean, start)

		ocr := DecodedCode{Value: "7790001234567", Format: FormatOCRNumeric}
		_, ok := debouncer.Accept(ocr, start.Add(500*time.Millisecond))
		Expect(ok).To(BeFalse())
	})

	It("keeps a QR payload apart from an equal Code 128 value", func() {
		debouncer.Accept(DecodedCode{Value: "ABC-1", Format: FormatCode128}, start)

		_, ok := debouncer.Accept(DecodedCode{Value: "ABC-1", Format: FormatQR}, start.Add(time.Millisecond))
		Expect(ok).To(BeTrue())
	})

	It("does not extend the window on suppressed repeats", func() {
		debouncer.Accept(ean, start)
		debouncer.Accept(ean, start.Add(1900*time.Millisecond))

		_, ok := debouncer.Accept(ean, start.Add(2*time.Second))
		Expect(ok).To(BeTrue())
	})

	Describe("Suppress", func() {
		It("opens a window without emitting", func() {
			debouncer.Suppress(ean, start)

			_, ok := debouncer.Accept(ean, start.Add(time.Second))
			Expect(ok).To(BeFalse())

			_, ok = debouncer.Accept(ean, start.Add(3*time.Second))
			Expect(ok).To(BeTrue())
		})
	})
})
