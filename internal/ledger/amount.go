package ledger

import (
	"github.com/holiman/uint256"

	"github.com/agentmarkets/trustline/internal/domain"
)

// feeBasisPoints is the platform fee taken from the seller on release (1%).
const feeBasisPoints = 100

// ParseWei validates a decimal-string wei amount and rejects empty, signed,
// non-numeric or zero values. Amounts never pass through floating point.
func ParseWei(amountWei string) (*uint256.Int, error) {
	if amountWei == "" {
		return nil, domain.ErrInvalidAmount
	}
	v, err := uint256.FromDecimal(amountWei)
	if err != nil {
		return nil, domain.ErrInvalidAmount
	}
	if v.IsZero() {
		return nil, domain.ErrInvalidAmount
	}
	return v, nil
}

// SplitFee divides an escrow amount into the seller's share and the platform
// fee at 100 basis points, in the asset's smallest unit.
func SplitFee(amountWei string) (sellerWei, feeWei string, err error) {
	amount, err := ParseWei(amountWei)
	if err != nil {
		return "", "", err
	}
	fee := new(uint256.Int).Mul(amount, uint256.NewInt(feeBasisPoints))
	fee.Div(fee, uint256.NewInt(10000))
	seller := new(uint256.Int).Sub(amount, fee)
	return seller.Dec(), fee.Dec(), nil
}
