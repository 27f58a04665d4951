package session

import (
	"time"

	"github.com/zombor/stockscan/internal/inventory"
	"github.com/zombor/stockscan/internal/payment"
	"github.com/zombor/stockscan/internal/scanning"
)

// Status is a snapshot of a session for display
type Status struct {
	SessionID string
	State     State
	Debounce  scanning.DebounceState
	OCRActive bool
	OCRStatus string
	Zoom      float64
	Torch     bool
	LastError error
}

// Surface is the user-facing side of a session. Calls arrive from session
// goroutines; implementations must not call back into the session
// synchronously from ItemResolved or UnknownCode
type Surface interface {
	// ItemResolved presents a found item; the user picks an operation and
	// quantity and calls Prepare, or Cancel
	ItemResolved(res inventory.Resolution, scan scanning.Accepted)

	// UnknownCode opens the create-item form pre-filled with code
	UnknownCode(code string)

	// PaymentScanned presents a payment QR. No transaction is opened
	PaymentScanned(p payment.Payload)

	StatusChanged(status Status)

	// DeviceFailed reports a terminal camera error. Manual entry remains
	// available through SubmitManual
	DeviceFailed(err error)
}

// CommittedEvent describes a transaction the inventory service applied
type CommittedEvent struct {
	Transaction PendingTransaction
	Item        *inventory.Item // as returned by the service
	Revenue     int64           // cents; zero unless the operation is a sale
	Totals      Totals
	At          time.Time
}

// TotalsSink consumes committed transactions, for example a running
// sales display
type TotalsSink interface {
	TransactionCommitted(ev CommittedEvent)
}

// NopSurface ignores every event
type NopSurface struct{}

func (NopSurface) ItemResolved(inventory.Resolution, scanning.Accepted) {}
func (NopSurface) UnknownCode(string)                                   {}
func (NopSurface) PaymentScanned(payment.Payload)                       {}
func (NopSurface) StatusChanged(Status)                                 {}
func (NopSurface) DeviceFailed(error)                                   {}
