package ledger

import "errors"

// Business errors are returned as typed sentinels so transports can map them to
// user-facing rejections. Storage failures are wrapped and propagate as-is.
var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrSelfTransfer      = errors.New("ledger: sender and receiver are the same account")
	ErrSelfClaim         = errors.New("ledger: cannot claim own offer")
	ErrAlreadyClaimed    = errors.New("ledger: offer already claimed")
	ErrAlreadyCompleted  = errors.New("ledger: task already completed")
	ErrUnknownTask       = errors.New("ledger: unknown task")
	ErrAccountNotFound   = errors.New("ledger: account not found")
	ErrTreasuryDepleted  = errors.New("ledger: treasury cannot cover the amount")
	ErrOfferExpired      = errors.New("ledger: offer expired")
	ErrInvalidOffer      = errors.New("ledger: invalid offer token")
	ErrInvalidAmount     = errors.New("ledger: amount must be positive")
)
