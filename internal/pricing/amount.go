package pricing

import (
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the fixed scale of every amount on the wire: amounts are
// non-negative integers counted in units of 10^-18.
const Decimals = 18

var scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// FormatAmount renders a scaled integer amount in its canonical decimal
// form: trailing zero fractional digits are trimmed, and the decimal point
// is dropped entirely when the fraction is zero.
func FormatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	abs := new(big.Int).Abs(v)
	quo, rem := new(big.Int).QuoRem(abs, scale, new(big.Int))
	sign := ""
	if v.Sign() < 0 {
		sign = "-"
	}
	if rem.Sign() == 0 {
		return sign + quo.String()
	}
	frac := strings.TrimRight(fmt.Sprintf("%0*s", Decimals, rem.String()), "0")
	return sign + quo.String() + "." + frac
}

// ParseAmount parses the canonical decimal form back into a scaled
// integer. Fractional digits beyond the fixed scale are truncated (never
// rounded); missing ones are padded with zeros. Negative amounts are
// rejected.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("amount %q must be non-negative", s)
	}
	intPart, fracPart, _ := strings.Cut(s, ".")
	if intPart == "" {
		intPart = "0"
	}
	if !isDigits(intPart) || (fracPart != "" && !isDigits(fracPart)) {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if len(fracPart) > Decimals {
		fracPart = fracPart[:Decimals]
	}
	fracPart += strings.Repeat("0", Decimals-len(fracPart))

	whole, ok := new(big.Int).SetString(intPart, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	frac, ok := new(big.Int).SetString(fracPart, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return whole.Mul(whole, scale).Add(whole, frac), nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
