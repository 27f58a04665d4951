package scanning

import (
	"context"
	"fmt"
	"sync"

	"github.com/otiai10/gosseract/v2"
)

// Tesseract implements TextRecognizer with a local Tesseract engine
type Tesseract struct {
	mu     sync.Mutex
	client *gosseract.Client
}

// NewTesseract creates a Tesseract recognizer restricted to digits
func NewTesseract(language string) (*Tesseract, error) {
	if language == "" {
		language = "eng"
	}
	client := gosseract.NewClient()

	if err := client.SetLanguage(language); err != nil {
		client.Close()
		return nil, fmt.Errorf("setting OCR language: %w", err)
	}
	if err := client.SetWhitelist("0123456789"); err != nil {
		client.Close()
		return nil, fmt.Errorf("setting OCR whitelist: %w", err)
	}
	// PSM 6 = Assume a single uniform block of text
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_BLOCK); err != nil {
		client.Close()
		return nil, fmt.Errorf("setting page segmentation mode: %w", err)
	}

	return &Tesseract{client: client}, nil
}

// TesseractFactory returns a RecognizerFactory for NewTesseract
func TesseractFactory(language string) RecognizerFactory {
	return func(ctx context.Context) (TextRecognizer, error) {
		return NewTesseract(language)
	}
}

// Recognize runs OCR on the image. The engine call itself cannot be
// interrupted, so cancellation is checked on both sides of it
func (t *Tesseract) Recognize(ctx context.Context, pngData []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return "", fmt.Errorf("tesseract recognizer closed")
	}
	if err := t.client.SetImageFromBytes(pngData); err != nil {
		return "", fmt.Errorf("setting image: %w", err)
	}
	text, err := t.client.Text()
	if err != nil {
		return "", fmt.Errorf("extracting text: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return text, nil
}

// Close releases OCR resources
func (t *Tesseract) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}
