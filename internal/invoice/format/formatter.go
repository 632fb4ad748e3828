package format

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPrefixTemplate = "INV-YYYY-"
	DefaultNumberPadding  = 4
)

// RealizePrefix expands the date placeholders of a prefix template using the
// invoice issue date. YYYY is replaced before YY so the four-digit token is
// never split.
//
// This function is PURE:
// - No side effects
// - No DB access
// - Fully deterministic
func RealizePrefix(template string, issuedAt time.Time) string {
	out := template
	out = strings.ReplaceAll(out, "YYYY", issuedAt.Format("2006"))
	out = strings.ReplaceAll(out, "YY", issuedAt.Format("06"))
	out = strings.ReplaceAll(out, "MM", issuedAt.Format("01"))
	out = strings.ReplaceAll(out, "DD", issuedAt.Format("02"))
	return out
}

// FormatSequence zero-pads seq to at least padding digits. Padding is a
// minimum width; wider sequences are never truncated.
func FormatSequence(seq int64, padding int) string {
	if padding < 1 {
		return strconv.FormatInt(seq, 10)
	}
	return fmt.Sprintf("%0*d", padding, seq)
}

// FormatInvoiceNumber joins an already realized prefix with the padded sequence.
func FormatInvoiceNumber(realizedPrefix string, seq int64, padding int) (string, error) {
	if seq <= 0 {
		return "", fmt.Errorf("invalid invoice sequence: %d", seq)
	}
	return realizedPrefix + FormatSequence(seq, padding), nil
}
