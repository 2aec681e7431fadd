package engine

// Gate authorizes privileged operations against a static admin
// allowlist supplied by configuration. The allowlist is immutable after
// construction.
type Gate struct {
	admins map[string]struct{}
}

// NewGate builds a gate from the configured admin identities.
func NewGate(admins []AccountID) Gate {
	index := make(map[string]struct{}, len(admins))
	for _, admin := range admins {
		index[admin.String()] = struct{}{}
	}
	return Gate{admins: index}
}

// Allows reports whether the account is on the admin allowlist.
func (gate Gate) Allows(accountID AccountID) bool {
	_, ok := gate.admins[accountID.String()]
	return ok
}

// Authorize checks the allowlist for a privileged operation, returning
// ErrUnauthorized before any state has been touched.
func (gate Gate) Authorize(accountID AccountID, operation string) error {
	if !gate.Allows(accountID) {
		return WrapError(operation, "gate", "denied", ErrUnauthorized)
	}
	return nil
}
