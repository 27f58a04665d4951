package scanning

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Feedback acknowledges an accepted scan to the user (beep, vibration).
// Callers must not let it block the decode loop
type Feedback interface {
	Acknowledge(ctx context.Context, code DecodedCode) error
}

// NopFeedback does nothing
type NopFeedback struct{}

// Acknowledge implements Feedback
func (NopFeedback) Acknowledge(ctx context.Context, code DecodedCode) error {
	return nil
}

// BellFeedback rings the terminal bell
type BellFeedback struct {
	mu sync.Mutex
	w  io.Writer
}

// NewBellFeedback writes the BEL character to w on every accepted scan
func NewBellFeedback(w io.Writer) *BellFeedback {
	return &BellFeedback{w: w}
}

// Acknowledge implements Feedback
func (b *BellFeedback) Acknowledge(ctx context.Context, code DecodedCode) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := io.WriteString(b.w, "\a"); err != nil {
		return fmt.Errorf("ringing bell: %w", err)
	}
	return nil
}
