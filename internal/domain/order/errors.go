package order

import (
	"github.com/go-faster/errors"
)

// Sentinel errors for settlement preconditions.
var (
	ErrNotFound                = errors.New("order not found")
	ErrForbidden               = errors.New("forbidden")
	ErrAlreadyComplete         = errors.New("order is already complete")
	ErrAlreadyFullyPaid        = errors.New("order is already fully paid")
	ErrInvalidAmount           = errors.New("payment amount must be a positive number of cents within the order limit")
	ErrSelfCompletionForbidden = errors.New("you cannot complete your own order")
	ErrInsufficientPayment     = errors.New("order must be fully paid before completion")
	ErrCannotCancelComplete    = errors.New("cannot cancel a completed order")
)
