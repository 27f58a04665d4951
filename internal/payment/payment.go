// Package payment classifies the payloads of payment QR codes
package payment

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Kind tags the shape a payment payload was decoded from
type Kind string

const (
	KindStructured Kind = "structured-payment"
	KindFreeText   Kind = "freetext-fields"
	KindOpaque     Kind = "opaque"
)

// Payload is the classified content of a scanned QR code. Fields other than
// Kind and Raw are empty for opaque payloads
type Payload struct {
	Kind   Kind
	Alias  string
	CBU    string
	CVU    string
	Name   string
	Amount *int64 // cents
	Raw    string
}

// IsPayment reports whether the payload carries a payment destination
func (p Payload) IsPayment() bool {
	return p.Kind != KindOpaque
}

// Account returns the first destination present: alias, CVU, then CBU
func (p Payload) Account() string {
	switch {
	case p.Alias != "":
		return p.Alias
	case p.CVU != "":
		return p.CVU
	default:
		return p.CBU
	}
}

type structured struct {
	Alias  string          `json:"alias"`
	CBU    string          `json:"cbu"`
	CVU    string          `json:"cvu"`
	Name   string          `json:"name"`
	Amount json.RawMessage `json:"amount"`
}

var (
	aliasField   = regexp.MustCompile(`(?i)\balias\s*[:=]?\s*([a-z0-9][a-z0-9.\-]{4,18}[a-z0-9])`)
	accountField = regexp.MustCompile(`(?i)\b(cbu|cvu)\s*[:=]?\s*(\d{22})\b`)
	bareAccount  = regexp.MustCompile(`\b\d{22}\b`)
	amountField  = regexp.MustCompile(`(?i)\b(?:amount|monto|importe|total)\s*[:=]?\s*\$?\s*(\d+(?:[.,]\d{1,2})?)`)
	nameField    = regexp.MustCompile(`(?i)\b(?:name|nombre|titular)\s*[:=]\s*(.+)`)
)

// Classify decodes a QR payload into a tagged Payload. A JSON object
// naming an alias, CBU or CVU is structured. Text lines carrying those
// fields are free text. Anything else is opaque
func Classify(raw string) Payload {
	text := strings.TrimSpace(raw)

	if p, ok := classifyStructured(text); ok {
		p.Raw = raw
		return p
	}
	if p, ok := classifyFreeText(text); ok {
		p.Raw = raw
		return p
	}
	return Payload{Kind: KindOpaque, Raw: raw}
}

func classifyStructured(text string) (Payload, bool) {
	if !strings.HasPrefix(text, "{") {
		return Payload{}, false
	}
	var s structured
	if err := json.Unmarshal([]byte(text), &s); err != nil {
		return Payload{}, false
	}
	p := Payload{
		Kind:  KindStructured,
		Alias: strings.TrimSpace(s.Alias),
		CBU:   digitsOnly(s.CBU),
		CVU:   digitsOnly(s.CVU),
		Name:  strings.TrimSpace(s.Name),
	}
	if p.Alias == "" && p.CBU == "" && p.CVU == "" {
		return Payload{}, false
	}
	if len(s.Amount) > 0 {
		p.Amount = parseAmount(strings.Trim(string(s.Amount), `"`))
	}
	return p, true
}

func classifyFreeText(text string) (Payload, bool) {
	p := Payload{Kind: KindFreeText}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := accountField.FindStringSubmatch(line); m != nil {
			setAccount(&p, strings.ToLower(m[1]), m[2])
		} else if m := bareAccount.FindString(line); m != "" {
			setAccount(&p, "", m)
		}
		if m := aliasField.FindStringSubmatch(line); m != nil && p.Alias == "" {
			p.Alias = m[1]
		}
		if m := amountField.FindStringSubmatch(line); m != nil && p.Amount == nil {
			p.Amount = parseAmount(m[1])
		}
		if m := nameField.FindStringSubmatch(line); m != nil && p.Name == "" {
			p.Name = strings.TrimSpace(m[1])
		}
	}

	if p.Alias == "" && p.CBU == "" && p.CVU == "" {
		return Payload{}, false
	}
	return p, true
}

// setAccount files a 22-digit account number. Unlabelled numbers issued
// by virtual wallets start with 000 and are CVUs
func setAccount(p *Payload, label, number string) {
	if label == "" {
		label = "cbu"
		if strings.HasPrefix(number, "000") {
			label = "cvu"
		}
	}
	if label == "cvu" {
		if p.CVU == "" {
			p.CVU = number
		}
		return
	}
	if p.CBU == "" {
		p.CBU = number
	}
}

// parseAmount reads a decimal amount, with either separator, as cents
func parseAmount(s string) *int64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return nil
	}
	cents := int64(math.Round(v * 100))
	return &cents
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
