package scanning

import (
	"regexp"
	"strings"
)

var digitRun = regexp.MustCompile(`[0-9]+`)

// candidateLengths maps accepted digit counts to the symbology they imply,
// longest first
var candidateLengths = []struct {
	length int
	kind   string
}{
	{13, "EAN-13"},
	{12, "UPC-A"},
	{8, "EAN-8"},
}

// Candidate is a digit string recognised from OCR text
type Candidate struct {
	Digits string
	Kind   string
	Valid  bool // GS1 check digit matches
}

// ExtractCandidate finds the best barcode-number candidate in OCR text.
// Digit runs are tried on their own first, then whitespace-separated runs
// on the same line are joined, since labels print EAN-13 as "7 790001 234567"
func ExtractCandidate(text string) (Candidate, bool) {
	var runs []string
	for _, line := range strings.Split(text, "\n") {
		lineRuns := digitRun.FindAllString(line, -1)
		runs = append(runs, lineRuns...)
		if len(lineRuns) > 1 {
			runs = append(runs, strings.Join(lineRuns, ""))
		}
	}

	for _, want := range candidateLengths {
		for _, run := range runs {
			if len(run) == want.length {
				return Candidate{Digits: run, Kind: want.kind, Valid: validCheckDigit(run)}, true
			}
		}
	}
	return Candidate{}, false
}

// validCheckDigit verifies a GS1 (EAN/UPC) mod-10 check digit
func validCheckDigit(digits string) bool {
	if len(digits) < 2 {
		return false
	}
	sum := 0
	body := digits[:len(digits)-1]
	for i := len(body) - 1; i >= 0; i-- {
		d := int(body[i] - '0')
		// weights alternate 3,1 starting from the digit next to the check digit
		if (len(body)-1-i)%2 == 0 {
			d *= 3
		}
		sum += d
	}
	check := (10 - sum%10) % 10
	return check == int(digits[len(digits)-1]-'0')
}
