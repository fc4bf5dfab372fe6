package service

import (
	"github.com/crafthaus/booksync/internal/money"
	taxdomain "github.com/crafthaus/booksync/internal/tax/domain"
	txndomain "github.com/crafthaus/booksync/internal/transaction/domain"
	"github.com/shopspring/decimal"
)

// Determine classifies a transaction against the seller's tax profile.
// It is a pure function: no I/O, no hidden state, and identical inputs
// always produce an identical Determination. The gross argument is the
// transaction's gross amount normalized to the profile's base currency;
// the OSS threshold comparison needs it because YearToDateRemoteSales
// and OSSThreshold are base-currency figures.
//
// Decision order for sales (first match wins):
//  1. small-business seller       -> exempt, rate 0
//  2. buyer in home country       -> domestic standard/reduced by category
//  3. EU buyer with OSS enabled   -> destination rate from the OSS table
//  4. everything else             -> export, zero-rated
//
// Fees and payouts are purchase-side records and bypass the sales logic.
func Determine(txn *txndomain.Transaction, profile taxdomain.Profile, gross money.NormalizedAmount) (taxdomain.Determination, error) {
	switch txn.Kind {
	case txndomain.KindFee:
		// Marketplace fees are invoiced from abroad under reverse charge;
		// VAT is self-assessed outside this engine.
		return taxdomain.Determination{
			Regime:      taxdomain.RegimeReverseCharge,
			Rate:        decimal.Zero,
			AccountCode: taxdomain.AccountMarketplaceFees,
		}, nil
	case txndomain.KindPayout:
		return taxdomain.Determination{
			Regime:      taxdomain.RegimeNonTaxable,
			Rate:        decimal.Zero,
			AccountCode: taxdomain.AccountPayoutClearing,
		}, nil
	}

	if profile.SmallBusiness {
		return taxdomain.Determination{
			Regime:      taxdomain.RegimeSmallBusinessExempt,
			Rate:        decimal.Zero,
			AccountCode: taxdomain.AccountRevenueSmallBusiness,
		}, nil
	}

	if txn.BuyerCountry == profile.HomeCountry {
		if allReduced(txn, profile) {
			return taxdomain.Determination{
				Regime:      taxdomain.RegimeDomesticReduced,
				Rate:        profile.ReducedRate,
				AccountCode: taxdomain.AccountRevenueReduced,
			}, nil
		}
		return taxdomain.Determination{
			Regime:      taxdomain.RegimeDomesticStandard,
			Rate:        profile.StandardRate,
			AccountCode: taxdomain.AccountRevenueStandard,
		}, nil
	}

	if profile.OSSEnabled && taxdomain.IsEU(txn.BuyerCountry) {
		rate, ok := profile.OSSRates[txn.BuyerCountry]
		if !ok {
			// Never default a missing destination rate to zero; that would
			// silently book untaxed revenue.
			return taxdomain.Determination{}, &taxdomain.ConfigurationError{Country: txn.BuyerCountry}
		}
		return taxdomain.Determination{
			Regime:           taxdomain.RegimeOSSDestination,
			Rate:             rate,
			AccountCode:      taxdomain.AccountRevenueOSS,
			ThresholdWarning: exceedsOSSThreshold(gross, profile),
		}, nil
	}

	return taxdomain.Determination{
		Regime:      taxdomain.RegimeExportZeroRated,
		Rate:        decimal.Zero,
		AccountCode: taxdomain.AccountRevenueExport,
	}, nil
}

// allReduced reports whether every line item falls into a reduced-rate
// category. Mixed baskets stay at the standard rate.
func allReduced(txn *txndomain.Transaction, profile taxdomain.Profile) bool {
	if len(txn.LineItems) == 0 || len(profile.ReducedCategories) == 0 {
		return false
	}
	for _, item := range txn.LineItems {
		if _, ok := profile.ReducedCategories[item.Category]; !ok {
			return false
		}
	}
	return true
}

// exceedsOSSThreshold flags a transaction that would push cumulative EU
// remote sales past the registration threshold. The comparison runs in
// the base currency; the caller supplies the converted gross. The regime
// is NOT switched automatically; reclassification is a legal decision
// left to an operator.
func exceedsOSSThreshold(gross money.NormalizedAmount, profile taxdomain.Profile) bool {
	if profile.OSSThreshold.IsZero() {
		return false
	}
	return profile.YearToDateRemoteSales.Add(gross.Amount).GreaterThan(profile.OSSThreshold)
}
