// Package money implements the monetary path: currency normalization and
// the rounding policy shared by the tax engine and the ledger builder.
// Amounts are decimal end to end; binary floating point never enters.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

var (
	ErrMissingRate     = errors.New("missing_rate")
	ErrInvalidCurrency = errors.New("invalid_currency")
)

var one = decimal.NewFromInt(1)

// NormalizedAmount is an amount expressed in the target currency.
// Amount keeps full precision; rounding happens once per line item and
// once more at the entity total, never in between.
type NormalizedAmount struct {
	Amount   decimal.Decimal
	Currency string
	Rate     decimal.Decimal
}

// Normalize converts amount from source to target currency using the
// injected rate. Same-currency amounts pass through with rate 1. A nil
// rate on a cross-currency conversion fails with ErrMissingRate; rates
// are provided by the caller, never fetched here.
func Normalize(amount decimal.Decimal, source, target string, rate *decimal.Decimal) (NormalizedAmount, error) {
	source = strings.ToUpper(strings.TrimSpace(source))
	target = strings.ToUpper(strings.TrimSpace(target))
	if source == "" || target == "" {
		return NormalizedAmount{}, ErrInvalidCurrency
	}

	if source == target {
		return NormalizedAmount{Amount: amount, Currency: target, Rate: one}, nil
	}
	if rate == nil || rate.IsZero() {
		return NormalizedAmount{}, ErrMissingRate
	}
	return NormalizedAmount{
		Amount:   amount.Mul(*rate),
		Currency: target,
		Rate:     *rate,
	}, nil
}

// Scale returns the minor-unit digits for an ISO 4217 currency code,
// falling back to 2 for unknown codes.
func Scale(code string) int32 {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}

// RoundHalfUp applies commercial rounding (half away from zero) at the
// given minor-unit scale.
func RoundHalfUp(amount decimal.Decimal, scale int32) decimal.Decimal {
	return amount.Round(scale)
}

// Round rounds amount at the currency's minor-unit scale.
func Round(amount decimal.Decimal, code string) decimal.Decimal {
	return RoundHalfUp(amount, Scale(code))
}

// NetFromGross removes a percentage tax rate from a gross amount.
// The result keeps full precision; round at the line or total level only.
func NetFromGross(gross, ratePercent decimal.Decimal) decimal.Decimal {
	divisor := one.Add(ratePercent.Div(decimal.NewFromInt(100)))
	return gross.Div(divisor)
}

// GrossFromNet adds a percentage tax rate to a net amount.
func GrossFromNet(net, ratePercent decimal.Decimal) decimal.Decimal {
	return net.Mul(one.Add(ratePercent.Div(decimal.NewFromInt(100))))
}

// TaxFromGross returns the tax portion contained in a gross amount.
func TaxFromGross(gross, ratePercent decimal.Decimal) decimal.Decimal {
	return gross.Sub(NetFromGross(gross, ratePercent))
}

// RoundingAdjustment returns the correction needed so that the sum of
// individually rounded lines matches the exact total. By construction it
// is at most one minor unit per entity.
func RoundingAdjustment(exactTotal, roundedSum decimal.Decimal, code string) decimal.Decimal {
	return Round(exactTotal, code).Sub(roundedSum)
}
