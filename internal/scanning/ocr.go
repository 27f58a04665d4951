package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zombor/stockscan/internal/capture"
)

// OCR status strings shown while the fallback strategy is active
const (
	StatusIdle    = "idle"
	StatusLoading = "loading"
	StatusReading = "reading"
)

// ErrOCRNotReady is returned by Read while the recognizer is still loading
var ErrOCRNotReady = errors.New("ocr not ready")

// OCR is the fallback strategy for labels too small or worn for structured
// decode. It reads the digits printed below the bars from a cropped region
type OCR struct {
	factory RecognizerFactory
	region  Region

	mu          sync.Mutex
	rec         TextRecognizer
	status      string
	lastEmitted string
	generation  int
	loading     bool
	listener    func(string)
}

// NewOCR creates an idle OCR strategy
func NewOCR(factory RecognizerFactory, region Region) *OCR {
	return &OCR{
		factory: factory,
		region:  region,
		status:  StatusIdle,
	}
}

// OnStatus registers a callback invoked after every status change
func (o *OCR) OnStatus(fn func(string)) {
	o.mu.Lock()
	o.listener = fn
	o.mu.Unlock()
}

// setStatusLocked records a status and returns the listener to notify once
// the lock is released
func (o *OCR) setStatusLocked(status string) func() {
	o.status = status
	fn := o.listener
	if fn == nil {
		return func() {}
	}
	return func() { fn(status) }
}

// Status returns the current progress string
func (o *OCR) Status() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Active reports whether the strategy has been started and not stopped
func (o *OCR) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loading || o.rec != nil
}

// Start initializes the recognizer in the background. It returns at once;
// Status reports "loading" until the recognizer is ready
func (o *OCR) Start(ctx context.Context) {
	o.mu.Lock()
	if o.loading || o.rec != nil {
		o.mu.Unlock()
		return
	}
	o.loading = true
	o.generation++
	gen := o.generation
	notify := o.setStatusLocked(StatusLoading)
	o.mu.Unlock()
	notify()

	go func() {
		rec, err := o.factory(ctx)

		o.mu.Lock()
		if gen != o.generation {
			// stopped while loading
			o.mu.Unlock()
			if rec != nil {
				rec.Close()
			}
			return
		}
		o.loading = false
		if err != nil {
			notify := o.setStatusLocked(fmt.Sprintf("error: %v", err))
			o.mu.Unlock()
			slog.Error("Failed to initialize OCR", "error", err)
			notify()
			return
		}
		o.rec = rec
		notify := o.setStatusLocked(StatusReading)
		o.mu.Unlock()
		slog.Info("OCR ready")
		notify()
	}()
}

// Read runs one OCR pass over the frame. It returns ErrNoCandidate when no
// barcode number was read, or when the number equals the last one emitted
func (o *OCR) Read(ctx context.Context, frame capture.Frame) (DecodedCode, error) {
	o.mu.Lock()
	rec := o.rec
	o.mu.Unlock()
	if rec == nil {
		return DecodedCode{}, ErrOCRNotReady
	}

	pngData, err := encodePNG(crop(frame.Image, o.region))
	if err != nil {
		return DecodedCode{}, err
	}

	text, err := rec.Recognize(ctx, pngData)
	if err != nil {
		return DecodedCode{}, fmt.Errorf("recognizing text: %w", err)
	}

	candidate, ok := ExtractCandidate(text)

	o.mu.Lock()
	if o.rec != rec {
		o.mu.Unlock()
		return DecodedCode{}, ErrOCRNotReady
	}
	if !ok || candidate.Digits == o.lastEmitted {
		o.mu.Unlock()
		return DecodedCode{}, ErrNoCandidate
	}
	o.lastEmitted = candidate.Digits
	notify := o.setStatusLocked("found: " + candidate.Digits)
	o.mu.Unlock()
	notify()

	conf := 0.5
	if candidate.Valid {
		conf = 1.0
	}
	slog.Debug("OCR candidate", "digits", candidate.Digits, "kind", candidate.Kind, "check_digit_valid", candidate.Valid)

	return DecodedCode{
		Value:      candidate.Digits,
		Format:     FormatOCRNumeric,
		Confidence: confidence(conf),
		CapturedAt: frame.CapturedAt,
	}, nil
}

// Reset forgets the last emitted value so the same label can be read again
func (o *OCR) Reset() {
	o.mu.Lock()
	o.lastEmitted = ""
	o.mu.Unlock()
}

// Stop closes the recognizer and abandons any initialization in progress.
// Safe to call more than once
func (o *OCR) Stop() error {
	o.mu.Lock()
	o.generation++
	o.loading = false
	rec := o.rec
	o.rec = nil
	o.lastEmitted = ""
	notify := o.setStatusLocked(StatusIdle)
	o.mu.Unlock()
	notify()

	if rec == nil {
		return nil
	}
	if err := rec.Close(); err != nil {
		return fmt.Errorf("closing recognizer: %w", err)
	}
	return nil
}
