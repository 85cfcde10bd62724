package format

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Number templates per document type. Tokens: {YYYY} {YY} {MM} {DD}, {SEQ}
// for the raw sequence and {SEQn} for a sequence zero-padded to n digits.
const (
	DefaultInvoiceNumberTemplate     = "INV-{YYYY}{MM}{DD}-{SEQ6}"
	DefaultPlatformFeeNumberTemplate = "PF-{YYYY}{MM}{DD}-{SEQ6}"
	DefaultCreditNoteNumberTemplate  = "CN-{YYYY}{MM}{DD}-{SEQ6}"
)

var (
	ErrEmptyTemplate   = errors.New("invoice number template is empty")
	ErrInvalidSequence = errors.New("invoice sequence must be positive")
	ErrUnknownToken    = errors.New("unknown invoice number token")
)

var tokenRe = regexp.MustCompile(`\{([A-Z]+)(\d*)\}`)

// TemplateFor returns the number template of a document type.
func TemplateFor(documentType string) string {
	switch documentType {
	case "platform_fee":
		return DefaultPlatformFeeNumberTemplate
	case "credit_note":
		return DefaultCreditNoteNumberTemplate
	default:
		return DefaultInvoiceNumberTemplate
	}
}

// FormatInvoiceNumber renders a document number from a template, the issue
// time and a per-type sequence.
func FormatInvoiceNumber(template string, issuedAt time.Time, seq int64) (string, error) {
	if template == "" {
		return "", ErrEmptyTemplate
	}
	if seq <= 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidSequence, seq)
	}

	var unknown []string
	out := tokenRe.ReplaceAllStringFunc(template, func(token string) string {
		m := tokenRe.FindStringSubmatch(token)
		name, width := m[1], m[2]
		if name == "SEQ" {
			if width == "" {
				return strconv.FormatInt(seq, 10)
			}
			n, _ := strconv.Atoi(width)
			return fmt.Sprintf("%0*d", n, seq)
		}
		if width != "" {
			unknown = append(unknown, token)
			return token
		}
		switch name {
		case "YYYY":
			return issuedAt.Format("2006")
		case "YY":
			return issuedAt.Format("06")
		case "MM":
			return issuedAt.Format("01")
		case "DD":
			return issuedAt.Format("02")
		}
		unknown = append(unknown, token)
		return token
	})
	if len(unknown) > 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownToken, strings.Join(unknown, ", "))
	}
	if strings.ContainsAny(out, "{}") {
		return "", fmt.Errorf("%w: unbalanced braces in %q", ErrUnknownToken, template)
	}
	return out, nil
}
