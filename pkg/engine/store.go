package engine

import "context"

// Store is the persistence contract used by Service. Implementations
// must make every method individually atomic and must run the callback
// passed to WithTx inside one storage transaction, so that a returned
// error rolls back every mutation made through the transactional store.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetOrCreateAccount(ctx context.Context, accountID AccountID, nowUnixUTC int64) (Account, error)
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	// AdjustBalance applies a signed delta to the materialized balance.
	// A debit that would take the balance below zero fails with
	// ErrInsufficientFunds and changes nothing.
	AdjustBalance(ctx context.Context, accountID AccountID, delta AmountCents) error
	PromoteReseller(ctx context.Context, accountID AccountID, rate CommissionBps, code string) error

	InsertTransaction(ctx context.Context, transaction Transaction) error
	ListTransactions(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Transaction, error)
	SumTransactions(ctx context.Context, accountID AccountID) (AmountCents, error)

	// TakeKey removes and returns the oldest pooled key for a product.
	// An empty pool fails with ErrOutOfStock.
	TakeKey(ctx context.Context, productID ProductID) (Key, error)
	ReturnKey(ctx context.Context, productID ProductID, key Key) error
	AddKey(ctx context.Context, productID ProductID, key Key) error
	CountKeys(ctx context.Context, productID ProductID) (int64, error)

	CreateLicense(ctx context.Context, license License) error
	GetLicense(ctx context.Context, licenseID LicenseID) (License, error)
	ListLicenses(ctx context.Context, accountID AccountID) ([]License, error)
	// UpdateLicenseStatus transitions status only when the stored status
	// matches from, reporting whether a row changed.
	UpdateLicenseStatus(ctx context.Context, licenseID LicenseID, from, to LicenseStatus) (bool, error)
	SetLicenseHWID(ctx context.Context, licenseID LicenseID, hwidHash string) error
	MarkExpired(ctx context.Context, nowUnixUTC int64) (int64, error)

	InsertHwidReset(ctx context.Context, reset HwidReset) error
	// CountHwidResets counts non-admin resets for a license at or after
	// the given instant.
	CountHwidResets(ctx context.Context, licenseID LicenseID, sinceUnixUTC int64) (int64, error)

	InsertAdminLog(ctx context.Context, entry AdminLogEntry) error
	ListAdminLogs(ctx context.Context, limit int) ([]AdminLogEntry, error)
	CollectStatistics(ctx context.Context, monthStartUnixUTC int64, nowUnixUTC int64) (Statistics, error)
}
