package scanning

import (
	"errors"
	"time"
)

// ErrNoCandidate means a frame held nothing decodable. It is the normal
// "still scanning" outcome, not a failure
var ErrNoCandidate = errors.New("no code candidate")

// Format identifies how a code was read
type Format string

const (
	FormatEAN13      Format = "BARCODE_EAN13"
	FormatEAN8       Format = "BARCODE_EAN8"
	FormatUPC        Format = "BARCODE_UPC"
	FormatCode128    Format = "BARCODE_CODE128"
	FormatQR         Format = "QR"
	FormatOCRNumeric Format = "OCR_NUMERIC"
)

// family groups formats whose values name the same physical label.
// OCR reads the printed digits of a retail barcode, so it shares the
// retail family
func (f Format) family() string {
	switch f {
	case FormatEAN13, FormatEAN8, FormatUPC, FormatOCRNumeric:
		return "retail"
	case FormatCode128:
		return "code128"
	case FormatQR:
		return "qr"
	default:
		return string(f)
	}
}

// Compatible reports whether two formats can describe the same scan event
func (f Format) Compatible(other Format) bool {
	return f.family() == other.family()
}

// DecodedCode is a candidate code produced by any decode strategy
type DecodedCode struct {
	Value      string
	Format     Format
	Confidence *float64
	CapturedAt time.Time
}

// SameEvent reports whether c and other come from the same scan, regardless
// of the strategy that produced them
func (c DecodedCode) SameEvent(other DecodedCode) bool {
	return c.Value == other.Value && c.Format.Compatible(other.Format)
}

func confidence(v float64) *float64 {
	return &v
}
