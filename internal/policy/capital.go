package policy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidCapital is returned for snapshots or notionals that cannot be evaluated.
var ErrInvalidCapital = errors.New("invalid capital input")

// CapitalValidation is the exposure picture before and after a transaction.
type CapitalValidation struct {
	CurrentExposure     decimal.Decimal `json:"current_exposure"`
	PostTxnExposure     decimal.Decimal `json:"post_txn_exposure"`
	CurrentECR          decimal.Decimal `json:"current_ecr"`
	PostTxnECR          decimal.Decimal `json:"post_txn_ecr"`
	CurrentHardstopUtil decimal.Decimal `json:"current_hardstop_util"`
	PostTxnHardstopUtil decimal.Decimal `json:"post_txn_hardstop_util"`
	HardstopRemaining   decimal.Decimal `json:"hardstop_remaining"`
}

// ValidateCapital projects the effect of adding notional to current exposure.
func ValidateCapital(notional decimal.Decimal, capital CapitalSnapshot) (CapitalValidation, error) {
	switch {
	case !capital.CapitalBase.IsPositive():
		return CapitalValidation{}, fmt.Errorf("%w: capital base must be positive", ErrInvalidCapital)
	case !capital.HardstopLimit.IsPositive():
		return CapitalValidation{}, fmt.Errorf("%w: hardstop limit must be positive", ErrInvalidCapital)
	case notional.IsNegative():
		return CapitalValidation{}, fmt.Errorf("%w: notional must not be negative", ErrInvalidCapital)
	case capital.GrossExposureNotional.IsNegative():
		return CapitalValidation{}, fmt.Errorf("%w: exposure must not be negative", ErrInvalidCapital)
	}

	current := capital.GrossExposureNotional
	post := current.Add(notional)
	return CapitalValidation{
		CurrentExposure:     current,
		PostTxnExposure:     post,
		CurrentECR:          current.Div(capital.CapitalBase),
		PostTxnECR:          post.Div(capital.CapitalBase),
		CurrentHardstopUtil: current.Div(capital.HardstopLimit),
		PostTxnHardstopUtil: post.Div(capital.HardstopLimit),
		HardstopRemaining:   capital.HardstopLimit.Sub(post),
	}, nil
}
