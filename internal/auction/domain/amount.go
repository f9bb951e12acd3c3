package domain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// MaxAmountDigits caps the integer part of any money amount.
	MaxAmountDigits = 18
	// MaxAmountScale caps the decimals of a start price, whatever the currency.
	MaxAmountScale = 8

	maxAmountText = 64
	maxCoeffBits  = 128
)

var ten = big.NewInt(10)

// ParseAmount turns raw text into a positive amount with at most precision
// decimals. The text length is bounded before parsing.
func ParseAmount(field, raw string, precision int32) (decimal.Decimal, error) {
	if len(raw) > maxAmountText {
		return decimal.Decimal{}, NewValidationError(field, "is too long")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, NewValidationError(field, "must be a number")
	}
	if err := CheckAmount(field, d, precision); err != nil {
		return decimal.Decimal{}, err
	}
	return d, nil
}

// CheckAmount validates d using only its coefficient and exponent, so a
// value like 1e20000000 is rejected without ever being rescaled.
func CheckAmount(field string, d decimal.Decimal, precision int32) error {
	if !d.IsPositive() {
		return NewValidationError(field, "must be greater than zero")
	}
	coef := d.Coefficient()
	if coef.BitLen() > maxCoeffBits {
		return NewValidationError(field, "has too many digits")
	}
	exp := d.Exponent()
	if exp > MaxAmountDigits {
		return NewValidationError(field, "is too large")
	}
	// trailing zeros do not count as decimals: 10.50 is fine at precision 1
	q, r := new(big.Int), new(big.Int)
	for exp < -precision {
		q.QuoRem(coef, ten, r)
		if r.Sign() != 0 {
			break
		}
		coef.Set(q)
		exp++
	}
	if exp < -precision {
		return NewValidationError(field, "has more decimals than the currency allows")
	}
	if int64(len(coef.String()))+int64(exp) > MaxAmountDigits {
		return NewValidationError(field, "is too large")
	}
	return nil
}
