package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// AmountCents is a signed integer currency amount in cents.
type AmountCents int64

// Int64 returns the raw cents value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// Negated returns the amount with its sign flipped.
func (amount AmountCents) Negated() AmountCents {
	return -amount
}

// PositiveAmountCents is a strictly positive currency amount in cents.
type PositiveAmountCents int64

// NewPositiveAmountCents validates an amount and ensures it is strictly positive.
func NewPositiveAmountCents(raw int64) (PositiveAmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return PositiveAmountCents(raw), nil
}

// Int64 returns the raw cents value.
func (amount PositiveAmountCents) Int64() int64 {
	return int64(amount)
}

// ToAmountCents converts to a signed amount.
func (amount PositiveAmountCents) ToAmountCents() AmountCents {
	return AmountCents(amount)
}

// CommissionBps is a reseller commission rate in basis points of the sale price.
type CommissionBps int64

// NewCommissionBps validates a commission rate in [0, 10000].
func NewCommissionBps(raw int64) (CommissionBps, error) {
	if raw < 0 || raw > commissionDivisor {
		return 0, fmt.Errorf("%w: must be within [0, %d] basis points", ErrInvalidCommission, commissionDivisor)
	}
	return CommissionBps(raw), nil
}

// Int64 returns the raw basis points value.
func (rate CommissionBps) Int64() int64 {
	return int64(rate)
}

// ShareOf returns the commission share of a sale amount. The share is
// truncated toward zero so a reseller is never over-credited.
func (rate CommissionBps) ShareOf(sale PositiveAmountCents) AmountCents {
	return AmountCents(sale.Int64() * rate.Int64() / commissionDivisor)
}

// AccountID identifies an account owner.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// ProductID identifies a catalog product.
type ProductID struct {
	value string
}

// NewProductID validates and normalizes a product id.
func NewProductID(raw string) (ProductID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ProductID{}, fmt.Errorf("%w: empty value", ErrInvalidProductID)
	}
	return ProductID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ProductID) String() string {
	return id.value
}

// LicenseID identifies an issued license.
type LicenseID struct {
	value string
}

// NewLicenseID validates and normalizes a license id.
func NewLicenseID(raw string) (LicenseID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return LicenseID{}, fmt.Errorf("%w: empty value", ErrInvalidLicenseID)
	}
	return LicenseID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id LicenseID) String() string {
	return id.value
}

// Key is an opaque license key string sourced from a per-product pool.
type Key struct {
	value string
}

// NewKey validates and normalizes a key string.
func NewKey(raw string) (Key, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Key{}, fmt.Errorf("%w: empty value", ErrInvalidKey)
	}
	return Key{value: trimmed}, nil
}

// String returns the normalized key string.
func (key Key) String() string {
	return key.value
}

// HWID is a hardware identifier supplied by a client machine. Only its
// hash is ever persisted.
type HWID struct {
	value string
}

// NewHWID validates and normalizes a hardware identifier.
func NewHWID(raw string) (HWID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return HWID{}, fmt.Errorf("%w: empty value", ErrInvalidHWID)
	}
	return HWID{value: trimmed}, nil
}

// Hash returns the hex-encoded sha256 digest stored in place of the raw value.
func (hwid HWID) Hash() string {
	digest := sha256.Sum256([]byte(hwid.value))
	return hex.EncodeToString(digest[:])
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates a metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// Role defines what an account is allowed to do.
type Role string

const (
	RoleUser     Role = "user"
	RoleReseller Role = "reseller"
	RoleAdmin    Role = "admin"
)

// ParseRole validates a stored role string.
func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleUser, RoleReseller, RoleAdmin:
		return Role(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
}

// String returns the role name.
func (role Role) String() string {
	return string(role)
}

// LicenseStatus defines the license lifecycle.
type LicenseStatus string

const (
	LicenseStatusActive  LicenseStatus = "active"
	LicenseStatusExpired LicenseStatus = "expired"
	LicenseStatusRevoked LicenseStatus = "revoked"
)

// ParseLicenseStatus validates a stored status string.
func ParseLicenseStatus(raw string) (LicenseStatus, error) {
	switch LicenseStatus(raw) {
	case LicenseStatusActive, LicenseStatusExpired, LicenseStatusRevoked:
		return LicenseStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidLicenseStatus, raw)
}

// String returns the status name.
func (status LicenseStatus) String() string {
	return string(status)
}

// TransactionReason enumerates ledger transaction kinds.
type TransactionReason string

const (
	ReasonPurchase        TransactionReason = "purchase"
	ReasonCommission      TransactionReason = "commission"
	ReasonAdminAdjustment TransactionReason = "admin_adjustment"
	ReasonRefund          TransactionReason = "refund"
	ReasonTopup           TransactionReason = "topup"
)

// ParseTransactionReason validates a stored reason string.
func ParseTransactionReason(raw string) (TransactionReason, error) {
	switch TransactionReason(raw) {
	case ReasonPurchase, ReasonCommission, ReasonAdminAdjustment, ReasonRefund, ReasonTopup:
		return TransactionReason(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReason, raw)
}

// String returns the reason name.
func (reason TransactionReason) String() string {
	return string(reason)
}

// Decision is the outcome of a license validation check.
type Decision string

const (
	DecisionAllowed  Decision = "allowed"
	DecisionMismatch Decision = "mismatch"
)

// String returns the decision name.
func (decision Decision) String() string {
	return string(decision)
}

// Account is the stored view of an account owner.
type Account struct {
	AccountID      AccountID
	Role           Role
	BalanceCents   AmountCents
	CommissionBps  CommissionBps
	ResellerCode   string
	CreatedUnixUTC int64
}

// License is the stored view of an issued license.
type License struct {
	LicenseID      LicenseID
	AccountID      AccountID
	ProductID      ProductID
	Key            Key
	Status         LicenseStatus
	HWIDHash       string
	IssuedUnixUTC  int64
	ExpiresUnixUTC int64
	CreatedBy      AccountID
}

// Expired reports whether the license is past its expiry at the given time.
func (license License) Expired(nowUnixUTC int64) bool {
	return nowUnixUTC >= license.ExpiresUnixUTC
}

// EffectiveStatus resolves lazy expiry: an active license past its
// expires-at reports as expired even if never swept.
func (license License) EffectiveStatus(nowUnixUTC int64) LicenseStatus {
	if license.Status == LicenseStatusActive && license.Expired(nowUnixUTC) {
		return LicenseStatusExpired
	}
	return license.Status
}

// Transaction is a single immutable line in the balance ledger.
type Transaction struct {
	TransactionID  string
	AccountID      AccountID
	AmountCents    AmountCents
	Reason         TransactionReason
	LicenseID      *LicenseID
	MetadataJSON   MetadataJSON
	CreatedUnixUTC int64
}

// HwidReset records one HWID reset against a license.
type HwidReset struct {
	LicenseID      LicenseID
	AccountID      AccountID
	ResetBy        AccountID
	Admin          bool
	Reason         string
	CreatedUnixUTC int64
}

// AdminLogEntry records one privileged mutation for audit.
type AdminLogEntry struct {
	AdminID        AccountID
	Action         string
	TargetAccount  string
	TargetLicense  string
	DetailsJSON    MetadataJSON
	CreatedUnixUTC int64
}

// Balance view for an account.
type Balance struct {
	TotalCents AmountCents
}

// Statistics aggregates engine-wide counters for admin reporting.
type Statistics struct {
	TotalAccounts        int64
	TotalResellers       int64
	ActiveLicenses       int64
	TotalLicenses        int64
	RevenueCents         AmountCents
	MonthlyRevenueCents  AmountCents
	MonthlyLicensesCount int64
}
