package scanning

import (
	"sync"
	"time"
)

// DefaultCooldown is how long an accepted code suppresses repeats of itself
const DefaultCooldown = 2 * time.Second

// DebounceState is the debouncer's position in IDLE -> ACCEPTED -> IDLE
type DebounceState string

const (
	DebounceIdle     DebounceState = "IDLE"
	DebounceAccepted DebounceState = "ACCEPTED"
)

// Accepted is a decode that passed the debouncer. WindowStart is the time
// the cooldown window opened and seeds the transaction idempotency key
type Accepted struct {
	Code        DecodedCode
	WindowStart time.Time
}

// Debouncer suppresses repeated emissions of the same code within a cooldown.
// Every decode strategy feeds the same Debouncer
type Debouncer struct {
	cooldown time.Duration

	mu         sync.Mutex
	last       DecodedCode
	acceptedAt time.Time
	hasLast    bool
}

// NewDebouncer creates a debouncer. cooldown <= 0 uses DefaultCooldown
func NewDebouncer(cooldown time.Duration) *Debouncer {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Debouncer{cooldown: cooldown}
}

// Accept reports whether code starts a new scan event at now. A code is
// accepted when it differs from the last accepted code or when the cooldown
// since that code was accepted has elapsed
func (d *Debouncer) Accept(code DecodedCode, now time.Time) (Accepted, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.hasLast && d.last.SameEvent(code) && now.Sub(d.acceptedAt) < d.cooldown {
		return Accepted{}, false
	}

	d.last = code
	d.acceptedAt = now
	d.hasLast = true
	return Accepted{Code: code, WindowStart: now}, true
}

// Suppress opens a cooldown window for code without emitting it
func (d *Debouncer) Suppress(code DecodedCode, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.last = code
	d.acceptedAt = now
	d.hasLast = true
}

// Reset closes the open window so the next decode of any code is accepted
func (d *Debouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.hasLast = false
}

// State reports whether a cooldown window is open at now
func (d *Debouncer) State(now time.Time) DebounceState {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.hasLast && now.Sub(d.acceptedAt) < d.cooldown {
		return DebounceAccepted
	}
	return DebounceIdle
}
