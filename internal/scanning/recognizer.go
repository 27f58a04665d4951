package scanning

import "context"

// digitsPrompt is the shared prompt used by the vision-model recognizers
const digitsPrompt = `The image is a crop of a product label taken just below a barcode. Read the human-readable number printed under the bars.

Rules:
- Return ONLY the digits, with no spaces, punctuation or explanation
- Barcode numbers are usually 13, 12 or 8 digits long
- If no number is legible, return NONE
- Do not use markdown code blocks`

// TextRecognizer reads text from an image. Implementations are the OCR
// capability providers: Tesseract, Gemini and Ollama
type TextRecognizer interface {
	// Recognize returns the raw text found in a PNG image
	Recognize(ctx context.Context, pngData []byte) (string, error)
	// Close releases the recognizer
	Close() error
}

// RecognizerFactory builds a recognizer. Construction may be slow (model or
// language data loading) so it is run off the decode path
type RecognizerFactory func(ctx context.Context) (TextRecognizer, error)
