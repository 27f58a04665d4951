// Package session ties a frame source, the decode engine, the debouncer and
// the transaction coordinator into one scanner session per camera
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/stockscan/internal/capture"
	"github.com/zombor/stockscan/internal/inventory"
	"github.com/zombor/stockscan/internal/payment"
	"github.com/zombor/stockscan/internal/scanning"
)

// DefaultOCRInterval is how often the OCR fallback reads the latest frame
const DefaultOCRInterval = 2 * time.Second

// ErrClosed is returned by operations on a closed session
var ErrClosed = errors.New("session closed")

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Options configures a Session. Engine, Service and Resolver are required
type Options struct {
	Engine   *scanning.Engine
	Service  inventory.Service
	Resolver *inventory.Resolver
	Feedback scanning.Feedback
	Surface  Surface
	Totals   TotalsSink

	Facing      capture.Facing
	Cooldown    time.Duration
	OCRInterval time.Duration
	Staleness   time.Duration
	TimeSource  TimeSource
}

// Session is one open camera and the scan pipeline behind it
type Session struct {
	id          string
	source      capture.Source
	engine      *scanning.Engine
	debouncer   *scanning.Debouncer
	resolver    *inventory.Resolver
	coord       *Coordinator
	feedback    scanning.Feedback
	surface     Surface
	facing      capture.Facing
	ocrInterval time.Duration
	timeSource  TimeSource

	// submitMu serializes both decode strategies into the debouncer
	submitMu sync.Mutex

	mu         sync.Mutex
	caps       capture.Capabilities
	zoom       float64
	torch      bool
	latest     *capture.Frame
	createFrom scanning.DecodedCode
	resolveErr error
	cancelRun  context.CancelFunc
	cancelOCR  context.CancelFunc
	closed     bool
	onClose    func()
	closeOnce  sync.Once
	closeErr   error
}

// New creates a session over source. Call Open, then Run
func New(source capture.Source, opts Options) *Session {
	if opts.Feedback == nil {
		opts.Feedback = scanning.NopFeedback{}
	}
	if opts.Surface == nil {
		opts.Surface = NopSurface{}
	}
	if opts.OCRInterval <= 0 {
		opts.OCRInterval = DefaultOCRInterval
	}
	if opts.TimeSource == nil {
		opts.TimeSource = defaultTimeSource{}
	}

	s := &Session{
		id:          uuid.NewString(),
		source:      source,
		engine:      opts.Engine,
		debouncer:   scanning.NewDebouncer(opts.Cooldown),
		resolver:    opts.Resolver,
		coord:       NewCoordinator(opts.Service, opts.Resolver, opts.Totals, opts.TimeSource, opts.Staleness),
		feedback:    opts.Feedback,
		surface:     opts.Surface,
		facing:      opts.Facing,
		ocrInterval: opts.OCRInterval,
		timeSource:  opts.TimeSource,
	}
	s.coord.OnChange(s.stateChanged)
	if ocr := s.engine.OCR(); ocr != nil {
		ocr.OnStatus(func(string) { s.surface.StatusChanged(s.Status()) })
	}
	return s
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// DeviceID returns the identifier of the camera the session owns
func (s *Session) DeviceID() string {
	return s.source.DeviceID()
}

// Coordinator returns the transaction state machine
func (s *Session) Coordinator() *Coordinator {
	return s.coord
}

// Open acquires the camera. A failure is terminal for the camera but the
// session stays usable for manual entry; Close must still be called
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	caps, err := s.source.Open(ctx, s.facing)
	if err != nil {
		slog.Error("Failed to open camera", "device", s.source.DeviceID(), "error", err)
		s.surface.DeviceFailed(err)
		return fmt.Errorf("opening camera: %w", err)
	}

	s.mu.Lock()
	s.caps = caps
	if caps.Zoom != nil {
		s.zoom = caps.Zoom.Min
	}
	s.mu.Unlock()

	slog.Info("Scanner session opened",
		"session", s.id,
		"device", s.source.DeviceID(),
		"facing", s.facing.String(),
		"zoom", caps.Zoom != nil,
		"torch", caps.TorchAvailable,
	)
	s.surface.StatusChanged(s.Status())
	return nil
}

// Run decodes frames until ctx is cancelled, the source ends, or the
// session is closed. Structured decode and OCR run concurrently
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel
	s.mu.Unlock()
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.decodeFrames(ctx)
	})
	g.Go(func() error {
		return s.readOCR(ctx)
	})
	return g.Wait()
}

func (s *Session) decodeFrames(ctx context.Context) error {
	frames := s.source.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				slog.Info("Frame source ended", "device", s.source.DeviceID())
				return nil
			}
			s.decodeFrame(ctx, frame)
		}
	}
}

func (s *Session) decodeFrame(ctx context.Context, frame capture.Frame) {
	s.mu.Lock()
	s.latest = &frame
	s.mu.Unlock()

	if s.coord.State() != StateScanning {
		return
	}

	code, err := s.engine.DecodeFrame(frame)
	if err != nil {
		if !errors.Is(err, scanning.ErrNoCandidate) && !errors.Is(err, scanning.ErrThrottled) {
			slog.Debug("Structured decode failed", "error", err)
		}
		return
	}
	s.submit(ctx, code)
}

func (s *Session) readOCR(ctx context.Context) error {
	ticker := time.NewTicker(s.ocrInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.ocrTick(ctx)
		}
	}
}

// ocrTick runs one OCR pass over the latest frame. The read is cancelled
// if the coordinator leaves SCANNING while it runs
func (s *Session) ocrTick(ctx context.Context) {
	ocr := s.engine.OCR()
	if ocr == nil || !ocr.Active() || s.coord.State() != StateScanning {
		return
	}

	s.mu.Lock()
	frame := s.latest
	readCtx, cancel := context.WithCancel(ctx)
	s.cancelOCR = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelOCR = nil
		s.mu.Unlock()
		cancel()
	}()
	if frame == nil {
		return
	}

	code, err := ocr.Read(readCtx, *frame)
	if err != nil {
		switch {
		case errors.Is(err, scanning.ErrNoCandidate), errors.Is(err, scanning.ErrOCRNotReady), readCtx.Err() != nil:
		default:
			slog.Warn("OCR read failed", "error", err)
		}
		return
	}
	s.submit(ctx, code)
}

// submit runs a decode through the debouncer and, when accepted, routes it
// to payment classification or item resolution
func (s *Session) submit(ctx context.Context, code scanning.DecodedCode) {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	if s.coord.State() != StateScanning {
		return
	}

	accepted, ok := s.debouncer.Accept(code, s.timeSource.Now())
	if !ok {
		return
	}
	slog.Info("Scan accepted", "session", s.id, "value", code.Value, "format", code.Format)
	s.mu.Lock()
	s.resolveErr = nil
	s.mu.Unlock()
	s.acknowledge(ctx, code)

	if code.Format == scanning.FormatQR {
		if p := payment.Classify(code.Value); p.IsPayment() {
			slog.Info("Payment QR scanned", "kind", p.Kind, "account", p.Account())
			s.surface.PaymentScanned(p)
			return
		}
	}

	res, err := s.resolver.Resolve(ctx, code.Value)
	switch {
	case errors.Is(err, inventory.ErrNotFound):
		s.mu.Lock()
		s.createFrom = code
		s.mu.Unlock()
		if err := s.coord.BeginCreate(); err != nil {
			slog.Warn("Could not open create flow", "error", err)
			return
		}
		s.surface.UnknownCode(code.Value)
	case err != nil:
		slog.Error("Failed to resolve code", "value", code.Value, "error", err)
		// let an immediate re-scan of the same label retry the lookup
		s.debouncer.Reset()
		s.mu.Lock()
		s.resolveErr = fmt.Errorf("resolving %s: %w", code.Value, err)
		s.mu.Unlock()
		s.surface.StatusChanged(s.Status())
		return
	default:
		if err := s.coord.Resolved(res, accepted.WindowStart); err != nil {
			slog.Warn("Could not record resolved item", "error", err)
			return
		}
		s.surface.ItemResolved(res, accepted)
	}
}

// acknowledge fires feedback without blocking the decode loop
func (s *Session) acknowledge(ctx context.Context, code scanning.DecodedCode) {
	go func() {
		if err := s.feedback.Acknowledge(ctx, code); err != nil {
			slog.Warn("Scan feedback failed", "error", err)
		}
	}()
}

// SubmitManual feeds a typed code through the same path as a decode. It is
// the fallback when the camera is unavailable
func (s *Session) SubmitManual(ctx context.Context, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return &inventory.ValidationError{Fields: map[string]string{"code": "is required"}}
	}
	if state := s.coord.State(); state != StateScanning {
		return &StateError{Op: "submit code", State: state}
	}
	s.submit(ctx, scanning.DecodedCode{
		Value:      value,
		Format:     manualFormat(value),
		CapturedAt: s.timeSource.Now(),
	})
	return nil
}

// manualFormat infers the symbology a typed code would have been printed in
func manualFormat(value string) scanning.Format {
	for _, r := range value {
		if r < '0' || r > '9' {
			return scanning.FormatCode128
		}
	}
	switch len(value) {
	case 13:
		return scanning.FormatEAN13
	case 12:
		return scanning.FormatUPC
	case 8:
		return scanning.FormatEAN8
	default:
		return scanning.FormatCode128
	}
}

// Prepare builds the pending transaction for the resolved item
func (s *Session) Prepare(ctx context.Context, op inventory.Operation, quantity float64, priceOverride *int64) (PendingTransaction, error) {
	return s.coord.Prepare(ctx, op, quantity, priceOverride)
}

// Commit sends, or retries, the pending transaction
func (s *Session) Commit(ctx context.Context) (*inventory.Item, error) {
	return s.coord.Commit(ctx)
}

// Cancel returns to scanning without touching the inventory
func (s *Session) Cancel() error {
	return s.coord.Cancel()
}

// CreateItem submits the create-item form. A *inventory.ValidationError
// leaves the form open. On success the session returns to scanning and
// the new code is held off for one cooldown, so it does not immediately
// open a transaction
func (s *Session) CreateItem(ctx context.Context, n inventory.NewItem) (*inventory.Item, error) {
	if state := s.coord.State(); state != StateCreating {
		return nil, &StateError{Op: "create item", State: state}
	}

	item, err := s.resolver.Create(ctx, n)
	if err != nil {
		return nil, err
	}
	slog.Info("Item created", "id", item.ID, "code", item.Code, "stock", item.StockOnHand)

	s.mu.Lock()
	from := s.createFrom
	s.mu.Unlock()
	from.Value = item.Code
	if from.Format == "" {
		from.Format = manualFormat(item.Code)
	}

	s.submitMu.Lock()
	s.debouncer.Suppress(from, s.timeSource.Now())
	err = s.coord.FinishCreate()
	s.submitMu.Unlock()
	if err != nil {
		return item, err
	}
	return item, nil
}

// SetZoom requests a zoom level, clamped to the device range. Failures
// are logged; zoom is best-effort
func (s *Session) SetZoom(level float64) {
	s.mu.Lock()
	zoom := s.caps.Zoom
	s.mu.Unlock()
	if zoom == nil {
		slog.Debug("Zoom not supported", "device", s.source.DeviceID())
		return
	}

	level = zoom.Clamp(level)
	if err := s.source.SetZoom(level); err != nil {
		slog.Warn("Failed to set zoom", "level", level, "error", err)
		return
	}
	s.mu.Lock()
	s.zoom = level
	s.mu.Unlock()
	s.surface.StatusChanged(s.Status())
}

// SetTorch switches the torch. Failures are logged; torch is best-effort
func (s *Session) SetTorch(on bool) {
	s.mu.Lock()
	available := s.caps.TorchAvailable
	s.mu.Unlock()
	if !available {
		slog.Debug("Torch not available", "device", s.source.DeviceID())
		return
	}

	if err := s.source.SetTorch(on); err != nil {
		slog.Warn("Failed to set torch", "on", on, "error", err)
		return
	}
	s.mu.Lock()
	s.torch = on
	s.mu.Unlock()
	s.surface.StatusChanged(s.Status())
}

// EnableOCR starts the OCR fallback. It returns before the recognizer has
// loaded; progress is reported through StatusChanged
func (s *Session) EnableOCR(ctx context.Context) error {
	ocr := s.engine.OCR()
	if ocr == nil {
		return errors.New("no OCR provider configured")
	}
	ocr.Start(ctx)
	return nil
}

// DisableOCR stops the OCR fallback
func (s *Session) DisableOCR() {
	s.stopOCRRead()
	if ocr := s.engine.OCR(); ocr != nil {
		if err := ocr.Stop(); err != nil {
			slog.Warn("Failed to stop OCR", "error", err)
		}
	}
}

// Status returns a snapshot of the session
func (s *Session) Status() Status {
	st := Status{
		SessionID: s.id,
		State:     s.coord.State(),
		Debounce:  s.debouncer.State(s.timeSource.Now()),
		LastError: s.coord.LastError(),
	}
	if ocr := s.engine.OCR(); ocr != nil {
		st.OCRActive = ocr.Active()
		st.OCRStatus = ocr.Status()
	}
	s.mu.Lock()
	st.Zoom = s.zoom
	st.Torch = s.torch
	if st.LastError == nil {
		st.LastError = s.resolveErr
	}
	s.mu.Unlock()
	return st
}

func (s *Session) stateChanged(state State) {
	switch state {
	case StateScanning:
		// the same label may be read again by OCR in the next cycle
		if ocr := s.engine.OCR(); ocr != nil {
			ocr.Reset()
		}
	case StateCommitted:
	default:
		s.stopOCRRead()
	}
	s.surface.StatusChanged(s.Status())
}

func (s *Session) stopOCRRead() {
	s.mu.Lock()
	cancel := s.cancelOCR
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close stops decoding, stops OCR and releases the camera. It is safe to
// call more than once and after a failed Open
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		cancelRun := s.cancelRun
		torch := s.torch
		onClose := s.onClose
		s.mu.Unlock()

		if cancelRun != nil {
			cancelRun()
		}
		s.DisableOCR()

		if torch {
			if err := s.source.SetTorch(false); err != nil {
				slog.Debug("Failed to switch torch off", "error", err)
			}
		}
		if err := s.source.Close(); err != nil {
			s.closeErr = fmt.Errorf("closing camera: %w", err)
		}

		if onClose != nil {
			onClose()
		}
		slog.Info("Scanner session closed", "session", s.id, "device", s.source.DeviceID(), "totals", s.coord.Totals())
	})
	return s.closeErr
}
