// Package money converts boundary amount strings into the int64 minor units
// the ledger and authority engines operate on. Two fractional digits,
// matching the custodian's settlement currency.
package money

import (
	"strings"

	"github.com/shopspring/decimal"

	"escrowlane/pkg/fault"
)

// MinorUnitExponent is the number of fractional digits carried on the wire.
const MinorUnitExponent = 2

// ParseAmount parses a normalized decimal string into positive minor units.
// Scientific notation, signs, and excess precision are rejected so two
// writers can never disagree on what an amount string means.
func ParseAmount(s string) (int64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fault.Validationf("amount is required")
	}
	if strings.ContainsAny(trimmed, "eE+") {
		return 0, fault.Validationf("amount must be a normalized decimal")
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, fault.Validationf("amount %q is not a decimal", trimmed)
	}
	if d.Sign() <= 0 {
		return 0, fault.Validationf("amount must be positive")
	}
	shifted := d.Shift(MinorUnitExponent)
	if !shifted.IsInteger() {
		return 0, fault.Validationf("amount precision exceeds %d fractional digits", MinorUnitExponent)
	}
	big := shifted.BigInt()
	if !big.IsInt64() {
		return 0, fault.Validationf("amount overflows")
	}
	minor := big.Int64()
	if minor <= 0 {
		return 0, fault.Validationf("amount out of range")
	}
	return minor, nil
}

// FormatAmount renders minor units back to the wire form.
func FormatAmount(minor int64) string {
	return decimal.New(minor, -MinorUnitExponent).StringFixed(MinorUnitExponent)
}
