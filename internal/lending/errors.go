package lending

import "errors"

var (
	ErrZeroSharesMinted          = errors.New("lending: zero shares minted")
	ErrInsufficientShares        = errors.New("lending: insufficient shares")
	ErrInsufficientLiquidity     = errors.New("lending: insufficient liquidity")
	ErrSlippageExceeded          = errors.New("lending: slippage exceeded")
	ErrTickOutOfRange            = errors.New("lending: tick out of range")
	ErrWithdrawalNotReady        = errors.New("lending: withdrawal not ready")
	ErrNoWithdrawalPending       = errors.New("lending: no withdrawal pending")
	ErrInsufficientCollateral    = errors.New("lending: insufficient collateral")
	ErrLoanNotFound              = errors.New("lending: loan not found")
	ErrInsufficientLoanLiquidity = errors.New("lending: insufficient loan liquidity")
	ErrUnauthorized              = errors.New("lending: unauthorized")
	ErrExternalCallFailed        = errors.New("lending: external call failed")
	ErrReentrant                 = errors.New("lending: call from inside a running operation")
	ErrInvalidAmount             = errors.New("lending: invalid amount")
	ErrExcessInterest            = errors.New("lending: interest exceeds loan")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrZeroSharesMinted, "zero_shares_minted"},
	{ErrInsufficientShares, "insufficient_shares"},
	{ErrInsufficientLiquidity, "insufficient_liquidity"},
	{ErrSlippageExceeded, "slippage_exceeded"},
	{ErrTickOutOfRange, "tick_out_of_range"},
	{ErrWithdrawalNotReady, "withdrawal_not_ready"},
	{ErrNoWithdrawalPending, "no_withdrawal_pending"},
	{ErrInsufficientCollateral, "insufficient_collateral"},
	{ErrLoanNotFound, "loan_not_found"},
	{ErrInsufficientLoanLiquidity, "insufficient_loan_liquidity"},
	{ErrUnauthorized, "unauthorized"},
	{ErrReentrant, "reentrant"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrExcessInterest, "excess_interest"},
	{ErrExternalCallFailed, "external_call_failed"},
}

// Code names the failure class of err: "ok" for nil, "internal" for errors outside the
// lending taxonomy.
func Code(err error) string {
	if err == nil {
		return "ok"
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
