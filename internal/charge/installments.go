package charge

import (
	"github.com/shopspring/decimal"

	"github.com/AnuragDani/payment-gateway/internal/config"
)

// MaxInstallments returns how many payments an order of the given amount may
// be split into. Orders below the minimum order amount get a single payment;
// an order exactly at the threshold qualifies. Above it, each payment must be
// at least the per-payment minimum, capped at the configured maximum.
func MaxInstallments(policy config.InstallmentPolicy, amount decimal.Decimal) int {
	max := policy.MaxPayments
	if max < 1 {
		max = 1
	}
	if amount.LessThan(policy.MinOrderAmount) {
		return 1
	}
	if !policy.MinAmountPerPayment.IsPositive() {
		return max
	}

	n := amount.Div(policy.MinAmountPerPayment).Floor().IntPart()
	if n < 1 {
		return 1
	}
	if n > int64(max) {
		return max
	}
	return int(n)
}
