package ledger

import "errors"

var (
	// ErrNotFound indicates an unknown user or transaction. Fatal on a
	// direct single-target call; batch jobs log it and skip the record.
	ErrNotFound = errors.New("ledger: not found")

	// ErrInvalidAmount rejects zero-amount grants and non-positive spends.
	ErrInvalidAmount = errors.New("ledger: invalid amount")

	// ErrInsufficientBacking is returned by Spend in strict mode when the
	// active accruals cannot cover the requested amount.
	ErrInsufficientBacking = errors.New("ledger: insufficient accrual backing")

	// ErrInconsistent reports a mismatch between the cached balance and
	// the transaction-log total detected by an audit pass.
	ErrInconsistent = errors.New("ledger: balance does not match transaction log")
)
