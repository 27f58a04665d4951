package scanning

import (
	"fmt"
	"image"
	"time"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/oned"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// BarcodeDecoder performs structured (barcode/QR) decoding of a single image
type BarcodeDecoder interface {
	// Decode returns ErrNoCandidate when the image holds no readable symbol
	Decode(img image.Image, capturedAt time.Time) (DecodedCode, error)
}

type zxingReader struct {
	reader gozxing.Reader
	format Format
}

// ZXing decodes QR codes and retail/logistics 1D barcodes with gozxing
type ZXing struct {
	readers []zxingReader
	hints   map[gozxing.DecodeHintType]interface{}
}

// NewZXing creates a decoder trying QR, EAN-13, EAN-8, UPC-A and Code 128 in order
func NewZXing() *ZXing {
	return &ZXing{
		readers: []zxingReader{
			{reader: qrcode.NewQRCodeReader(), format: FormatQR},
			{reader: oned.NewEAN13Reader(), format: FormatEAN13},
			{reader: oned.NewEAN8Reader(), format: FormatEAN8},
			{reader: oned.NewUPCAReader(), format: FormatUPC},
			{reader: oned.NewCode128Reader(), format: FormatCode128},
		},
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
	}
}

// Decode tries each reader until one finds a symbol
func (z *ZXing) Decode(img image.Image, capturedAt time.Time) (DecodedCode, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return DecodedCode{}, fmt.Errorf("binarizing frame: %w", err)
	}

	for _, r := range z.readers {
		result, err := r.reader.Decode(bmp, z.hints)
		if err != nil {
			r.reader.Reset()
			continue
		}
		text := result.GetText()
		if text == "" {
			continue
		}
		value, format := canonicalUPC(text, formatOf(result.GetBarcodeFormat(), r.format))
		return DecodedCode{
			Value:      value,
			Format:     format,
			CapturedAt: capturedAt,
		}, nil
	}
	return DecodedCode{}, ErrNoCandidate
}

// canonicalUPC reports a UPC-A symbol read by the EAN-13 reader as the
// 12 digits printed on the label, matching what OCR extracts
func canonicalUPC(text string, format Format) (string, Format) {
	if format == FormatEAN13 && len(text) == 13 && text[0] == '0' {
		return text[1:], FormatUPC
	}
	return text, format
}

func formatOf(f gozxing.BarcodeFormat, fallback Format) Format {
	switch f {
	case gozxing.BarcodeFormat_QR_CODE:
		return FormatQR
	case gozxing.BarcodeFormat_EAN_13:
		return FormatEAN13
	case gozxing.BarcodeFormat_EAN_8:
		return FormatEAN8
	case gozxing.BarcodeFormat_UPC_A:
		return FormatUPC
	case gozxing.BarcodeFormat_CODE_128:
		return FormatCode128
	default:
		return fallback
	}
}
