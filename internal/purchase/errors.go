package purchase

import (
	"errors"
	"strings"

	"rwamarket/internal/amount"
	"rwamarket/internal/ledger"
	"rwamarket/internal/txn"
)

// Failure kinds. Every error returned by Orchestrator.Run is an *Error whose Kind
// is one of these, so errors.Is(err, ErrApprovalFailed) and friends work.
var (
	ErrInvalidRequest      = errors.New("invalid purchase request")
	ErrInvalidAmount       = amount.ErrInvalidAmount
	ErrBelowMinimum        = errors.New("amount below minimum investment")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrApprovalFailed      = errors.New("approval failed")
	ErrPurchaseFailed      = errors.New("purchase failed")
	ErrNetwork             = ledger.ErrNetwork
	ErrWalletUnavailable   = ledger.ErrWalletUnavailable
)

// Error is a classified purchase failure.
type Error struct {
	Kind error
	// Step is the step in progress when the flow failed; empty for pre-flight
	// failures raised before Checking.
	Step Step
	// Required and Available are set for ErrInsufficientBalance.
	Required  amount.Stable
	Available amount.Stable
	// ApprovalTxHash is a completed approval that stays valid on-chain.
	ApprovalTxHash string
	// TxHash is the failing step's transaction, when it was submitted.
	TxHash string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Step != "" {
		b.WriteString(string(e.Step))
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Message maps a failure to the text shown to the buyer.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, txn.ErrUserRejected), errors.Is(err, ledger.ErrUserRejected):
		return "Transaction was cancelled in your wallet."
	case errors.Is(err, txn.ErrTimeout):
		return "The transaction is taking longer than expected. Check its status before trying again."
	case errors.Is(err, ErrInvalidAmount):
		return "Enter a valid amount."
	case errors.Is(err, ErrBelowMinimum):
		return "The amount is below this asset's minimum investment."
	case errors.Is(err, ErrInsufficientBalance):
		return "Insufficient balance. Please top up your wallet and try again."
	case errors.Is(err, ErrWalletUnavailable):
		return "Connect a wallet on the correct network to continue."
	case errors.Is(err, ErrApprovalFailed):
		return "Spending approval failed. Please try again."
	case errors.Is(err, ErrPurchaseFailed):
		var perr *Error
		if errors.As(err, &perr) && perr.ApprovalTxHash != "" {
			return "Purchase failed. Your approval is still valid, so retrying will skip it."
		}
		return "Purchase failed. Please try again."
	case errors.Is(err, ErrNetwork):
		return "Network error. Please check your connection and retry."
	case errors.Is(err, ErrInvalidRequest):
		return "The purchase request is incomplete."
	}
	return "Something went wrong. Please try again."
}

// KindName is a stable identifier for a failure kind, used in API responses and
// metric labels.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrBelowMinimum):
		return "below_minimum"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrApprovalFailed):
		return "approval_failed"
	case errors.Is(err, ErrPurchaseFailed):
		return "purchase_failed"
	case errors.Is(err, ErrWalletUnavailable):
		return "wallet_unavailable"
	case errors.Is(err, ErrNetwork):
		return "network_error"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	}
	return "unknown"
}
