package domain

import (
	"github.com/crafthaus/booksync/internal/config"
	"github.com/shopspring/decimal"
)

// Regime classifies a transaction for VAT purposes.
// These values are ENGINE-CONSTANTS: they end up on ledger entities and in
// the audit trail. Do NOT rename or repurpose once used.
type Regime string

const (
	RegimeDomesticStandard    Regime = "domestic_standard"
	RegimeDomesticReduced     Regime = "domestic_reduced"
	RegimeOSSDestination      Regime = "oss_destination"
	RegimeExportZeroRated     Regime = "export_zero_rated"
	RegimeSmallBusinessExempt Regime = "small_business_exempt"

	// Purchase-side classifications for marketplace fees and payouts.
	RegimeReverseCharge Regime = "reverse_charge"
	RegimeNonTaxable    Regime = "non_taxable"
)

// AccountCode is a bookkeeping account in the seller's chart of accounts
// (SKR03 numbering).
type AccountCode string

const (
	AccountRevenueStandard      AccountCode = "8400"
	AccountRevenueReduced       AccountCode = "8300"
	AccountRevenueOSS           AccountCode = "8330"
	AccountRevenueExport        AccountCode = "8120"
	AccountRevenueSmallBusiness AccountCode = "8195"
	AccountMarketplaceFees      AccountCode = "4970"
	AccountPayoutClearing       AccountCode = "1360"
)

// Profile is the seller-level tax configuration. It is compiled once per
// run from config and read-only afterwards.
type Profile struct {
	HomeCountry           string
	SmallBusiness         bool
	OSSEnabled            bool
	OSSThreshold          decimal.Decimal
	YearToDateRemoteSales decimal.Decimal

	StandardRate      decimal.Decimal
	ReducedRate       decimal.Decimal
	ReducedCategories map[string]struct{}

	// OSSRates maps destination country to its standard VAT rate.
	OSSRates map[string]decimal.Decimal

	AccountChart string
}

// Determination is the computed tax classification for one transaction.
// It is derived deterministically from Transaction + Profile and never
// stored on its own; recomputation with the same inputs yields the same
// value.
type Determination struct {
	Regime      Regime
	Rate        decimal.Decimal
	AccountCode AccountCode

	// ThresholdWarning is set when the transaction would push cumulative
	// EU remote sales past the OSS registration threshold. The engine
	// never reclassifies on its own; an operator has to act.
	ThresholdWarning bool
}

// NewProfile compiles a Profile from configuration, filling the OSS rate
// table with the defaults for countries the config does not override.
func NewProfile(cfg config.TaxConfig) Profile {
	reduced := make(map[string]struct{}, len(cfg.ReducedCategories))
	for _, c := range cfg.ReducedCategories {
		reduced[c] = struct{}{}
	}
	return Profile{
		HomeCountry:           cfg.HomeCountry,
		SmallBusiness:         cfg.SmallBusiness,
		OSSEnabled:            cfg.OSSEnabled,
		OSSThreshold:          cfg.OSSThreshold,
		YearToDateRemoteSales: cfg.YearToDateRemoteSales,
		StandardRate:          cfg.StandardRate,
		ReducedRate:           cfg.ReducedRate,
		ReducedCategories:     reduced,
		OSSRates:              DefaultOSSRates(),
		AccountChart:          cfg.AccountChart,
	}
}

// DefaultOSSRates returns the standard VAT rate per EU member state.
func DefaultOSSRates() map[string]decimal.Decimal {
	rates := map[string]string{
		"AT": "20", "BE": "21", "BG": "20", "HR": "25", "CY": "19",
		"CZ": "21", "DK": "25", "EE": "22", "FI": "25.5", "FR": "20",
		"DE": "19", "GR": "24", "HU": "27", "IE": "23", "IT": "22",
		"LV": "21", "LT": "21", "LU": "17", "MT": "18", "NL": "21",
		"PL": "23", "PT": "23", "RO": "19", "SK": "23", "SI": "22",
		"ES": "21", "SE": "25",
	}
	out := make(map[string]decimal.Decimal, len(rates))
	for country, rate := range rates {
		out[country] = decimal.RequireFromString(rate)
	}
	return out
}

// IsEU reports whether the country code is an EU member state.
func IsEU(country string) bool {
	_, ok := euMembers[country]
	return ok
}

var euMembers = map[string]struct{}{
	"AT": {}, "BE": {}, "BG": {}, "HR": {}, "CY": {}, "CZ": {}, "DK": {},
	"EE": {}, "FI": {}, "FR": {}, "DE": {}, "GR": {}, "HU": {}, "IE": {},
	"IT": {}, "LV": {}, "LT": {}, "LU": {}, "MT": {}, "NL": {}, "PL": {},
	"PT": {}, "RO": {}, "SK": {}, "SI": {}, "ES": {}, "SE": {},
}
