package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/keymint/keymint/pkg/engine"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectLicense   = "license"
	errorSubjectPool      = "pool"
	errorSubjectTx        = "transaction"
	errorSubjectReset     = "hwid_reset"
	errorSubjectAdminLog  = "admin_log"
	errorSubjectStats     = "statistics"
	errorCodeAdjust       = "adjust"
	errorCodeCount        = "count"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodePromote      = "promote"
	errorCodeReturn       = "return"
	errorCodeSum          = "sum"
	errorCodeSweep        = "sweep"
	errorCodeTake         = "take"
	errorCodeUpdate       = "update"
)

// Store implements engine.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore engine.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccount(ctx context.Context, accountID engine.AccountID, nowUnixUTC int64) (engine.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoNothing: true,
		}).
		Where(Account{AccountID: accountID.String()}).
		Attrs(Account{
			Role:      engine.RoleUser.String(),
			CreatedAt: time.Unix(nowUnixUTC, 0).UTC(),
		}).
		FirstOrCreate(&account).Error
	if err != nil {
		return engine.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(account)
}

func (store *Store) GetAccount(ctx context.Context, accountID engine.AccountID) (engine.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return engine.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, engine.ErrAccountNotFound)
		}
		return engine.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(account)
}

func (store *Store) AdjustBalance(ctx context.Context, accountID engine.AccountID, delta engine.AmountCents) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND balance_cents + ? >= 0", accountID.String(), delta.Int64()).
		Update("balance_cents", gorm.Expr("balance_cents + ?", delta.Int64()))
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeAdjust, result.Error)
	}
	if result.RowsAffected == 0 {
		var existing int64
		if err := store.db.WithContext(ctx).Model(&Account{}).Where("account_id = ?", accountID.String()).Count(&existing).Error; err != nil {
			return wrapStoreError(errorSubjectAccount, errorCodeAdjust, err)
		}
		if existing == 0 {
			return wrapStoreError(errorSubjectAccount, errorCodeAdjust, engine.ErrAccountNotFound)
		}
		return wrapStoreError(errorSubjectAccount, errorCodeAdjust, engine.ErrInsufficientFunds)
	}
	return nil
}

func (store *Store) PromoteReseller(ctx context.Context, accountID engine.AccountID, rate engine.CommissionBps, code string) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(map[string]interface{}{
			"role":           engine.RoleReseller.String(),
			"commission_bps": rate.Int64(),
			"reseller_code":  code,
		})
	if isUniqueViolation(result.Error) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, engine.ErrResellerCodeTaken)
	}
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodePromote, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodePromote, engine.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction engine.Transaction) error {
	var licenseID *string
	if transaction.LicenseID != nil {
		value := transaction.LicenseID.String()
		licenseID = &value
	}
	row := LedgerTransaction{
		TransactionID: transaction.TransactionID,
		AccountID:     transaction.AccountID.String(),
		AmountCents:   transaction.AmountCents.Int64(),
		Reason:        transaction.Reason.String(),
		LicenseID:     licenseID,
		Metadata:      datatypesJSON(transaction.MetadataJSON.String()),
		CreatedAt:     time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID engine.AccountID, beforeUnixUTC int64, limit int) ([]engine.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []LedgerTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	transactions := make([]engine.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTx, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) SumTransactions(ctx context.Context, accountID engine.AccountID) (engine.AmountCents, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerTransaction{}).
		Select("coalesce(sum(amount_cents),0) as total").
		Where("account_id = ?", accountID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTx, errorCodeSum, err)
	}
	return engine.AmountCents(sum.Total), nil
}

func (store *Store) TakeKey(ctx context.Context, productID engine.ProductID) (engine.Key, error) {
	var pooled PoolKey
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("product_id = ?", productID.String()).
		Order("seq ASC").
		Take(&pooled).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return engine.Key{}, wrapStoreError(errorSubjectPool, errorCodeTake, engine.ErrOutOfStock)
		}
		return engine.Key{}, wrapStoreError(errorSubjectPool, errorCodeTake, err)
	}
	result := store.db.WithContext(ctx).Where("seq = ?", pooled.Seq).Delete(&PoolKey{})
	if result.Error != nil {
		return engine.Key{}, wrapStoreError(errorSubjectPool, errorCodeTake, result.Error)
	}
	if result.RowsAffected == 0 {
		// Another taker raced us to this row.
		return engine.Key{}, wrapStoreError(errorSubjectPool, errorCodeTake, engine.ErrOutOfStock)
	}
	key, err := engine.NewKey(pooled.Key)
	if err != nil {
		return engine.Key{}, wrapStoreError(errorSubjectPool, errorCodeInvalid, err)
	}
	return key, nil
}

func (store *Store) ReturnKey(ctx context.Context, productID engine.ProductID, key engine.Key) error {
	row := PoolKey{
		ProductID: productID.String(),
		Key:       key.String(),
		CreatedAt: time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		// Already pooled; returning twice is a no-op.
		return nil
	}
	if err != nil {
		return wrapStoreError(errorSubjectPool, errorCodeReturn, err)
	}
	return nil
}

func (store *Store) AddKey(ctx context.Context, productID engine.ProductID, key engine.Key) error {
	var assigned int64
	err := store.db.WithContext(ctx).
		Model(&License{}).
		Where("key = ? AND status <> ?", key.String(), engine.LicenseStatusRevoked.String()).
		Count(&assigned).Error
	if err != nil {
		return wrapStoreError(errorSubjectPool, errorCodeInsert, err)
	}
	if assigned > 0 {
		return wrapStoreError(errorSubjectPool, errorCodeDuplicate, engine.ErrKeyExists)
	}
	row := PoolKey{
		ProductID: productID.String(),
		Key:       key.String(),
		CreatedAt: time.Now().UTC(),
	}
	err = store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectPool, errorCodeDuplicate, engine.ErrKeyExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPool, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) CountKeys(ctx context.Context, productID engine.ProductID) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&PoolKey{}).
		Where("product_id = ?", productID.String()).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectPool, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) CreateLicense(ctx context.Context, license engine.License) error {
	row := License{
		LicenseID: license.LicenseID.String(),
		AccountID: license.AccountID.String(),
		ProductID: license.ProductID.String(),
		Key:       license.Key.String(),
		Status:    license.Status.String(),
		HWIDHash:  license.HWIDHash,
		IssuedAt:  time.Unix(license.IssuedUnixUTC, 0).UTC(),
		ExpiresAt: time.Unix(license.ExpiresUnixUTC, 0).UTC(),
		CreatedBy: license.CreatedBy.String(),
		CreatedAt: time.Unix(license.IssuedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectLicense, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetLicense(ctx context.Context, licenseID engine.LicenseID) (engine.License, error) {
	var row License
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("license_id = ?", licenseID.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return engine.License{}, wrapStoreError(errorSubjectLicense, errorCodeGet, engine.ErrLicenseNotFound)
		}
		return engine.License{}, wrapStoreError(errorSubjectLicense, errorCodeGet, err)
	}
	license, err := mapLicense(row)
	if err != nil {
		return engine.License{}, wrapStoreError(errorSubjectLicense, errorCodeInvalid, err)
	}
	return license, nil
}

func (store *Store) ListLicenses(ctx context.Context, accountID engine.AccountID) ([]engine.License, error) {
	var rows []License
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectLicense, errorCodeList, err)
	}
	licenses := make([]engine.License, 0, len(rows))
	for _, row := range rows {
		license, err := mapLicense(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectLicense, errorCodeInvalid, err)
		}
		licenses = append(licenses, license)
	}
	return licenses, nil
}

func (store *Store) UpdateLicenseStatus(ctx context.Context, licenseID engine.LicenseID, from, to engine.LicenseStatus) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&License{}).
		Where("license_id = ? AND status = ?", licenseID.String(), from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectLicense, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) SetLicenseHWID(ctx context.Context, licenseID engine.LicenseID, hwidHash string) error {
	result := store.db.WithContext(ctx).
		Model(&License{}).
		Where("license_id = ?", licenseID.String()).
		Update("hwid_hash", hwidHash)
	if result.Error != nil {
		return wrapStoreError(errorSubjectLicense, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectLicense, errorCodeUpdate, engine.ErrLicenseNotFound)
	}
	return nil
}

func (store *Store) MarkExpired(ctx context.Context, nowUnixUTC int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&License{}).
		Where("status = ? AND expires_at <= ?", engine.LicenseStatusActive.String(), time.Unix(nowUnixUTC, 0).UTC()).
		Update("status", engine.LicenseStatusExpired.String())
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectLicense, errorCodeSweep, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) InsertHwidReset(ctx context.Context, reset engine.HwidReset) error {
	row := HwidReset{
		LicenseID: reset.LicenseID.String(),
		AccountID: reset.AccountID.String(),
		ResetBy:   reset.ResetBy.String(),
		Admin:     reset.Admin,
		Reason:    reset.Reason,
		CreatedAt: time.Unix(reset.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectReset, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) CountHwidResets(ctx context.Context, licenseID engine.LicenseID, sinceUnixUTC int64) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&HwidReset{}).
		Where("license_id = ? AND admin = ? AND created_at >= ?", licenseID.String(), false, time.Unix(sinceUnixUTC, 0).UTC()).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectReset, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) InsertAdminLog(ctx context.Context, entry engine.AdminLogEntry) error {
	row := AdminLog{
		AdminID:       entry.AdminID.String(),
		Action:        entry.Action,
		TargetAccount: entry.TargetAccount,
		TargetLicense: entry.TargetLicense,
		Details:       datatypesJSON(entry.DetailsJSON.String()),
		CreatedAt:     time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectAdminLog, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListAdminLogs(ctx context.Context, limit int) ([]engine.AdminLogEntry, error) {
	var rows []AdminLog
	err := store.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAdminLog, errorCodeList, err)
	}
	entries := make([]engine.AdminLogEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapAdminLog(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAdminLog, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) CollectStatistics(ctx context.Context, monthStartUnixUTC int64, nowUnixUTC int64) (engine.Statistics, error) {
	db := store.db.WithContext(ctx)
	now := time.Unix(nowUnixUTC, 0).UTC()
	monthStart := time.Unix(monthStartUnixUTC, 0).UTC()

	var statistics engine.Statistics
	if err := db.Model(&Account{}).Count(&statistics.TotalAccounts).Error; err != nil {
		return engine.Statistics{}, wrapStoreError(errorSubjectStats, errorCodeCount, err)
	}
	if err := db.Model(&Account{}).Where("role = ?", engine.RoleReseller.String()).Count(&statistics.TotalResellers).Error; err != nil {
		return engine.Statistics{}, wrapStoreError(errorSubjectStats, errorCodeCount, err)
	}
	if err := db.Model(&License{}).Count(&statistics.TotalLicenses).Error; err != nil {
		return engine.Statistics{}, wrapStoreError(errorSubjectStats, errorCodeCount, err)
	}
	if err := db.Model(&License{}).
		Where("status = ? AND expires_at > ?", engine.LicenseStatusActive.String(), now).
		Count(&statistics.ActiveLicenses).Error; err != nil {
		return engine.Statistics{}, wrapStoreError(errorSubjectStats, errorCodeCount, err)
	}
	if err := db.Model(&License{}).Where("created_at >= ?", monthStart).Count(&statistics.MonthlyLicensesCount).Error; err != nil {
		return engine.Statistics{}, wrapStoreError(errorSubjectStats, errorCodeCount, err)
	}

	var revenue sqlSum
	if err := db.Model(&LedgerTransaction{}).
		Select("coalesce(sum(-amount_cents),0) as total").
		Where("reason = ?", engine.ReasonPurchase.String()).
		Scan(&revenue).Error; err != nil {
		return engine.Statistics{}, wrapStoreError(errorSubjectStats, errorCodeSum, err)
	}
	statistics.RevenueCents = engine.AmountCents(revenue.Total)

	var monthly sqlSum
	if err := db.Model(&LedgerTransaction{}).
		Select("coalesce(sum(-amount_cents),0) as total").
		Where("reason = ? AND created_at >= ?", engine.ReasonPurchase.String(), monthStart).
		Scan(&monthly).Error; err != nil {
		return engine.Statistics{}, wrapStoreError(errorSubjectStats, errorCodeSum, err)
	}
	statistics.MonthlyRevenueCents = engine.AmountCents(monthly.Total)

	return statistics, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return engine.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(row Account) (engine.Account, error) {
	accountID, err := engine.NewAccountID(row.AccountID)
	if err != nil {
		return engine.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	role, err := engine.ParseRole(row.Role)
	if err != nil {
		return engine.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	rate, err := engine.NewCommissionBps(row.CommissionBps)
	if err != nil {
		return engine.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	code := ""
	if row.ResellerCode != nil {
		code = *row.ResellerCode
	}
	return engine.Account{
		AccountID:      accountID,
		Role:           role,
		BalanceCents:   engine.AmountCents(row.BalanceCents),
		CommissionBps:  rate,
		ResellerCode:   code,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapLicense(row License) (engine.License, error) {
	licenseID, err := engine.NewLicenseID(row.LicenseID)
	if err != nil {
		return engine.License{}, err
	}
	accountID, err := engine.NewAccountID(row.AccountID)
	if err != nil {
		return engine.License{}, err
	}
	productID, err := engine.NewProductID(row.ProductID)
	if err != nil {
		return engine.License{}, err
	}
	key, err := engine.NewKey(row.Key)
	if err != nil {
		return engine.License{}, err
	}
	status, err := engine.ParseLicenseStatus(row.Status)
	if err != nil {
		return engine.License{}, err
	}
	createdBy, err := engine.NewAccountID(row.CreatedBy)
	if err != nil {
		return engine.License{}, err
	}
	return engine.License{
		LicenseID:      licenseID,
		AccountID:      accountID,
		ProductID:      productID,
		Key:            key,
		Status:         status,
		HWIDHash:       row.HWIDHash,
		IssuedUnixUTC:  row.IssuedAt.Unix(),
		ExpiresUnixUTC: row.ExpiresAt.Unix(),
		CreatedBy:      createdBy,
	}, nil
}

func mapTransaction(row LedgerTransaction) (engine.Transaction, error) {
	accountID, err := engine.NewAccountID(row.AccountID)
	if err != nil {
		return engine.Transaction{}, err
	}
	reason, err := engine.ParseTransactionReason(row.Reason)
	if err != nil {
		return engine.Transaction{}, err
	}
	metadata, err := engine.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return engine.Transaction{}, err
	}
	var licenseID *engine.LicenseID
	if row.LicenseID != nil {
		parsed, err := engine.NewLicenseID(*row.LicenseID)
		if err != nil {
			return engine.Transaction{}, err
		}
		licenseID = &parsed
	}
	return engine.Transaction{
		TransactionID:  row.TransactionID,
		AccountID:      accountID,
		AmountCents:    engine.AmountCents(row.AmountCents),
		Reason:         reason,
		LicenseID:      licenseID,
		MetadataJSON:   metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapAdminLog(row AdminLog) (engine.AdminLogEntry, error) {
	adminID, err := engine.NewAccountID(row.AdminID)
	if err != nil {
		return engine.AdminLogEntry{}, err
	}
	details, err := engine.NewMetadataJSON(string(row.Details))
	if err != nil {
		return engine.AdminLogEntry{}, err
	}
	return engine.AdminLogEntry{
		AdminID:        adminID,
		Action:         row.Action,
		TargetAccount:  row.TargetAccount,
		TargetLicense:  row.TargetLicense,
		DetailsJSON:    details,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
