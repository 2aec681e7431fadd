package engine

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing engine operation.
type OperationLog struct {
	Operation string
	AccountID AccountID
	LicenseID *LicenseID
	ProductID *ProductID
	Amount    AmountCents
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithResetQuota overrides the per-license daily HWID reset quota.
func WithResetQuota(quota int64) ServiceOption {
	return func(service *Service) {
		if quota > 0 {
			service.resetQuota = quota
		}
	}
}
