package engine

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the engine.
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrOutOfStock           = errors.New("out of stock")
	ErrHWIDAlreadyBound     = errors.New("hwid already bound")
	ErrResetQuotaExceeded   = errors.New("hwid reset quota exceeded")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrAccountNotFound      = errors.New("account not found")
	ErrProductNotFound      = errors.New("product not found")
	ErrLicenseNotFound      = errors.New("license not found")
	ErrLicenseNotActive     = errors.New("license not active")
	ErrKeyExists            = errors.New("key already exists")
	ErrResellerCodeTaken    = errors.New("reseller code taken")
	ErrInvalidAccountID     = errors.New("invalid account id")
	ErrInvalidProductID     = errors.New("invalid product id")
	ErrInvalidLicenseID     = errors.New("invalid license id")
	ErrInvalidKey           = errors.New("invalid key")
	ErrInvalidHWID          = errors.New("invalid hwid")
	ErrInvalidAmountCents   = errors.New("invalid amount cents")
	ErrInvalidCommission    = errors.New("invalid commission rate")
	ErrInvalidRole          = errors.New("invalid role")
	ErrInvalidLicenseStatus = errors.New("invalid license status")
	ErrInvalidReason        = errors.New("invalid transaction reason")
	ErrInvalidMetadataJSON  = errors.New("invalid metadata json")
	ErrInvalidProduct       = errors.New("invalid product")
	ErrInvalidCatalog       = errors.New("invalid catalog")
	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrInvalidBalance       = errors.New("invalid balance")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
