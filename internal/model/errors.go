package model

import "errors"

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountExists     = errors.New("account already exists")
	ErrNameNotFound      = errors.New("no account with that name")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrSelfTransfer      = errors.New("cannot transfer to same account")
	ErrInvalidTransfer   = errors.New("transfer needs a source or a destination")
	ErrInvalidTimestamp  = errors.New("invalid timestamp")
	ErrAutopayNotFound   = errors.New("autopay not found")
	ErrShopNotFound      = errors.New("shop not found")
	// ErrUnsupported is returned by operations the active backend cannot serve,
	// e.g. history or rollback in file mode.
	ErrUnsupported = errors.New("unsupported in this storage mode")
)
