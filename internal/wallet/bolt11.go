package wallet

import (
	"regexp"
	"strconv"
	"strings"
)

// bolt11AmountRe matches the human-readable part of a BOLT11 invoice up to
// its amount, e.g. "lnbc500u" in "lnbc500u1p3...". The core treats BOLT11
// as opaque per §1/§9 except for this one field.
var bolt11AmountRe = regexp.MustCompile(`^ln[a-z]+?(\d+)([pnum]?)1`)

// bolt11AmountMsats extracts the embedded amount from a BOLT11 string, in
// millisatoshis. ok is false when the invoice carries no amount (a valid,
// common case for donation-style invoices).
func bolt11AmountMsats(invoice string) (amountMsats int64, ok bool) {
	invoice = strings.ToLower(strings.TrimSpace(invoice))
	m := bolt11AmountRe.FindStringSubmatch(invoice)
	if m == nil {
		return 0, false
	}
	amount, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}

	// 1 BTC = 1e11 msats; multiplier shifts from BTC down to the unit
	// encoded in the invoice (BOLT11 §"Requirements").
	switch m[2] {
	case "":
		return amount * 100_000_000_000, true
	case "m":
		return amount * 100_000_000, true
	case "u":
		return amount * 100_000, true
	case "n":
		return amount * 100, true
	case "p":
		if amount%10 != 0 {
			return 0, false
		}
		return amount / 10, true
	default:
		return 0, false
	}
}
