package engine

const (
	operationPurchase      = "purchase"
	operationRevoke        = "revoke"
	operationBind          = "bind"
	operationResetHWID     = "reset_hwid"
	operationCredit        = "credit"
	operationAdjustBalance = "adjust_balance"
	operationAddKeys       = "add_keys"
	operationExpireDue     = "expire_due"
	operationMakeReseller  = "make_reseller"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// DefaultResetQuota is the number of owner-initiated HWID resets
	// allowed per license per UTC calendar day.
	DefaultResetQuota = 3

	commissionDivisor = 10000

	resellerCodePrefix   = "RSL"
	resellerCodeLength   = 8
	resellerCodeAttempts = 5
)
