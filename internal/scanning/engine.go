package scanning

import (
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/zombor/stockscan/internal/capture"
)

// DefaultFrameRate is the structured decode rate. Higher rates cost CPU
// without improving detection
const DefaultFrameRate = 15

// ErrThrottled is returned for frames skipped to hold the target rate
var ErrThrottled = errors.New("frame skipped")

// Engine turns frames into code candidates. Structured decode runs on every
// frame it admits; the OCR fallback is driven separately on a coarser timer
type Engine struct {
	decoder BarcodeDecoder
	ocr     *OCR
	limiter *rate.Limiter
}

// NewEngine creates an engine. fps <= 0 disables throttling. ocr may be nil
// when no OCR provider is configured
func NewEngine(decoder BarcodeDecoder, ocr *OCR, fps float64) *Engine {
	limit := rate.Inf
	if fps > 0 {
		limit = rate.Limit(fps)
	}
	return &Engine{
		decoder: decoder,
		ocr:     ocr,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// DecodeFrame runs structured decode on a frame
func (e *Engine) DecodeFrame(frame capture.Frame) (DecodedCode, error) {
	if !e.limiter.Allow() {
		return DecodedCode{}, ErrThrottled
	}
	code, err := e.decoder.Decode(frame.Image, frame.CapturedAt)
	if err != nil {
		if errors.Is(err, ErrNoCandidate) {
			return DecodedCode{}, err
		}
		return DecodedCode{}, fmt.Errorf("decoding frame: %w", err)
	}
	return code, nil
}

// OCR returns the fallback strategy, or nil
func (e *Engine) OCR() *OCR {
	return e.ocr
}
