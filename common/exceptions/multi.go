package exceptions

import (
	"errors"

	"go.uber.org/multierr"
)

// Errors combines the non-nil errors into one; it returns nil when all are nil.
func Errors(errs ...error) error {
	return multierr.Combine(errs...)
}

func Unwrap(err error) []error {
	return multierr.Errors(err)
}

func IsMulti(err error, targetList ...error) bool {
	if err == nil {
		return false
	}
	innerErrors := multierr.Errors(err)
	if len(innerErrors) > 1 {
		for _, innerErr := range innerErrors {
			if !IsMulti(innerErr, targetList...) {
				return false
			}
		}
		return true
	}
	for _, target := range targetList {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
