package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"
)

// Bind attaches the first-seen HWID to a license. Re-binding the same
// HWID is a no-op; a different HWID requires an explicit reset.
func (service *Service) Bind(ctx context.Context, licenseID LicenseID, hwid HWID) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		license, err := transactionStore.GetLicense(ctx, licenseID)
		if err != nil {
			return err
		}
		if license.EffectiveStatus(service.nowFn()) != LicenseStatusActive {
			return WrapError(operationBind, "license", "status", ErrLicenseNotActive)
		}
		hash := hwid.Hash()
		if license.HWIDHash == hash {
			return nil
		}
		if license.HWIDHash != "" {
			return WrapError(operationBind, "license", "bound", ErrHWIDAlreadyBound)
		}
		return transactionStore.SetLicenseHWID(ctx, licenseID, hash)
	})
	licenseRef := licenseID
	service.logOperation(ctx, OperationLog{
		Operation: operationBind,
		LicenseID: &licenseRef,
		Error:     operationError,
	})
	return operationError
}

// ResetHWID clears a license's device binding. Owner resets count
// against a per-license quota per UTC calendar day; admin resets bypass
// the quota and are written to the audit log. Anyone else is denied.
func (service *Service) ResetHWID(ctx context.Context, licenseID LicenseID, actingID AccountID, reason string) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		license, err := transactionStore.GetLicense(ctx, licenseID)
		if err != nil {
			return err
		}
		actingAsAdmin := service.gate.Allows(actingID)
		if license.AccountID != actingID && !actingAsAdmin {
			return WrapError(operationResetHWID, "gate", "denied", ErrUnauthorized)
		}
		nowUnixUTC := service.nowFn()
		if !actingAsAdmin {
			resetsToday, err := transactionStore.CountHwidResets(ctx, licenseID, utcDayStart(nowUnixUTC))
			if err != nil {
				return err
			}
			if resetsToday >= service.resetQuota {
				return WrapError(operationResetHWID, "quota", "exceeded", ErrResetQuotaExceeded)
			}
		}
		if err := transactionStore.SetLicenseHWID(ctx, licenseID, ""); err != nil {
			return err
		}
		if err := transactionStore.InsertHwidReset(ctx, HwidReset{
			LicenseID:      licenseID,
			AccountID:      license.AccountID,
			ResetBy:        actingID,
			Admin:          actingAsAdmin,
			Reason:         reason,
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		if actingAsAdmin {
			details, err := NewMetadataJSON(fmt.Sprintf(`{"reason":%q}`, reason))
			if err != nil {
				return err
			}
			return transactionStore.InsertAdminLog(ctx, AdminLogEntry{
				AdminID:        actingID,
				Action:         operationResetHWID,
				TargetAccount:  license.AccountID.String(),
				TargetLicense:  licenseID.String(),
				DetailsJSON:    details,
				CreatedUnixUTC: nowUnixUTC,
			})
		}
		return nil
	})
	licenseRef := licenseID
	service.logOperation(ctx, OperationLog{
		Operation: operationResetHWID,
		AccountID: actingID,
		LicenseID: &licenseRef,
		Error:     operationError,
	})
	return operationError
}

// Validate gates feature access: the decision is Allowed only for an
// active, unexpired license whose stored HWID hash matches. Expiry is
// evaluated lazily, so an overdue license denies even if never swept.
func (service *Service) Validate(ctx context.Context, licenseID LicenseID, hwid HWID) (Decision, error) {
	license, err := service.store.GetLicense(ctx, licenseID)
	if err != nil {
		if errors.Is(err, ErrLicenseNotFound) {
			return DecisionMismatch, nil
		}
		return DecisionMismatch, err
	}
	if license.EffectiveStatus(service.nowFn()) != LicenseStatusActive {
		return DecisionMismatch, nil
	}
	if license.HWIDHash == "" || license.HWIDHash != hwid.Hash() {
		return DecisionMismatch, nil
	}
	return DecisionAllowed, nil
}

// Credit tops up an account from an already-authorized external source.
func (service *Service) Credit(ctx context.Context, accountID AccountID, amount PositiveAmountCents, reason TransactionReason, metadata MetadataJSON) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		if _, err := transactionStore.GetOrCreateAccount(ctx, accountID, nowUnixUTC); err != nil {
			return err
		}
		if err := transactionStore.AdjustBalance(ctx, accountID, amount.ToAmountCents()); err != nil {
			return err
		}
		return transactionStore.InsertTransaction(ctx, Transaction{
			AccountID:      accountID,
			AmountCents:    amount.ToAmountCents(),
			Reason:         reason,
			MetadataJSON:   metadata,
			CreatedUnixUTC: nowUnixUTC,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		AccountID: accountID,
		Amount:    amount.ToAmountCents(),
		Error:     operationError,
	})
	return operationError
}

// AdjustBalance applies a signed manual correction to an account,
// gated to admins and written to the audit log.
func (service *Service) AdjustBalance(ctx context.Context, adminID AccountID, accountID AccountID, delta AmountCents, note string) error {
	if err := service.gate.Authorize(adminID, operationAdjustBalance); err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationAdjustBalance, AccountID: adminID, Error: err})
		return err
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		if _, err := transactionStore.GetOrCreateAccount(ctx, accountID, nowUnixUTC); err != nil {
			return err
		}
		if err := transactionStore.AdjustBalance(ctx, accountID, delta); err != nil {
			return err
		}
		metadata, err := NewMetadataJSON(fmt.Sprintf(`{"note":%q,"admin":%q}`, note, adminID.String()))
		if err != nil {
			return err
		}
		if err := transactionStore.InsertTransaction(ctx, Transaction{
			AccountID:      accountID,
			AmountCents:    delta,
			Reason:         ReasonAdminAdjustment,
			MetadataJSON:   metadata,
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		return transactionStore.InsertAdminLog(ctx, AdminLogEntry{
			AdminID:        adminID,
			Action:         operationAdjustBalance,
			TargetAccount:  accountID.String(),
			DetailsJSON:    metadata,
			CreatedUnixUTC: nowUnixUTC,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAdjustBalance,
		AccountID: accountID,
		Amount:    delta,
		Error:     operationError,
	})
	return operationError
}

// AddKeys bulk-appends keys to a product's pool, preserving input order
// for FIFO consumption. Keys already pooled or assigned are rejected,
// and the whole batch applies or none of it does.
func (service *Service) AddKeys(ctx context.Context, adminID AccountID, productID ProductID, keys []Key) error {
	if err := service.gate.Authorize(adminID, operationAddKeys); err != nil {
		return err
	}
	if _, ok := service.catalog.Lookup(productID); !ok {
		return WrapError(operationAddKeys, "catalog", "lookup", ErrProductNotFound)
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		for _, key := range keys {
			if err := transactionStore.AddKey(ctx, productID, key); err != nil {
				return err
			}
		}
		details, err := NewMetadataJSON(fmt.Sprintf(`{"product":%q,"count":%d}`, productID.String(), len(keys)))
		if err != nil {
			return err
		}
		return transactionStore.InsertAdminLog(ctx, AdminLogEntry{
			AdminID:        adminID,
			Action:         operationAddKeys,
			DetailsJSON:    details,
			CreatedUnixUTC: service.nowFn(),
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAddKeys,
		AccountID: adminID,
		ProductID: &productID,
		Error:     operationError,
	})
	return operationError
}

// ExpireDue sweeps active licenses past their expiry into the expired
// status. Lazy evaluation keeps reads correct without it; the sweep
// just settles the stored rows.
func (service *Service) ExpireDue(ctx context.Context, adminID AccountID) (int64, error) {
	if err := service.gate.Authorize(adminID, operationExpireDue); err != nil {
		return 0, err
	}
	var swept int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		count, err := transactionStore.MarkExpired(ctx, service.nowFn())
		if err != nil {
			return err
		}
		swept = count
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationExpireDue,
		AccountID: adminID,
		Error:     operationError,
	})
	return swept, operationError
}

// MakeReseller promotes an account to the reseller role with the given
// commission rate and assigns it a generated unique reseller code.
func (service *Service) MakeReseller(ctx context.Context, adminID AccountID, accountID AccountID, rate CommissionBps) (string, error) {
	if err := service.gate.Authorize(adminID, operationMakeReseller); err != nil {
		return "", err
	}
	var assignedCode string
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		if _, err := transactionStore.GetOrCreateAccount(ctx, accountID, nowUnixUTC); err != nil {
			return err
		}
		var promoteErr error
		for attempt := 0; attempt < resellerCodeAttempts; attempt++ {
			code, err := generateResellerCode()
			if err != nil {
				return err
			}
			promoteErr = transactionStore.PromoteReseller(ctx, accountID, rate, code)
			if promoteErr == nil {
				assignedCode = code
				break
			}
			if !errors.Is(promoteErr, ErrResellerCodeTaken) {
				return promoteErr
			}
		}
		if promoteErr != nil {
			return promoteErr
		}
		details, err := NewMetadataJSON(fmt.Sprintf(`{"rate_bps":%d,"code":%q}`, rate.Int64(), assignedCode))
		if err != nil {
			return err
		}
		return transactionStore.InsertAdminLog(ctx, AdminLogEntry{
			AdminID:        adminID,
			Action:         operationMakeReseller,
			TargetAccount:  accountID.String(),
			DetailsJSON:    details,
			CreatedUnixUTC: nowUnixUTC,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationMakeReseller,
		AccountID: accountID,
		Error:     operationError,
	})
	if operationError != nil {
		return "", operationError
	}
	return assignedCode, nil
}

// Balance returns the account's materialized balance.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (Balance, error) {
	account, err := service.store.GetOrCreateAccount(ctx, accountID, service.nowFn())
	if err != nil {
		return Balance{}, err
	}
	if account.BalanceCents < 0 {
		return Balance{}, WrapError("balance", "account", "negative", ErrInvalidBalance)
	}
	return Balance{TotalCents: account.BalanceCents}, nil
}

// Transactions lists an account's ledger history before a cutoff time.
func (service *Service) Transactions(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	if beforeUnixUTC == 0 {
		beforeUnixUTC = service.nowFn() + 1
	}
	return service.store.ListTransactions(ctx, accountID, beforeUnixUTC, limit)
}

// Licenses lists an account's licenses with lazy expiry applied.
func (service *Service) Licenses(ctx context.Context, accountID AccountID) ([]License, error) {
	listed, err := service.store.ListLicenses(ctx, accountID)
	if err != nil {
		return nil, err
	}
	nowUnixUTC := service.nowFn()
	for index := range listed {
		listed[index].Status = listed[index].EffectiveStatus(nowUnixUTC)
	}
	return listed, nil
}

// Stock reports the number of unassigned keys pooled for a product.
func (service *Service) Stock(ctx context.Context, productID ProductID) (int64, error) {
	if _, ok := service.catalog.Lookup(productID); !ok {
		return 0, WrapError("stock", "catalog", "lookup", ErrProductNotFound)
	}
	return service.store.CountKeys(ctx, productID)
}

// AdminLogs returns the audit trail of privileged mutations, newest first.
func (service *Service) AdminLogs(ctx context.Context, adminID AccountID, limit int) ([]AdminLogEntry, error) {
	if err := service.gate.Authorize(adminID, "admin_logs"); err != nil {
		return nil, err
	}
	return service.store.ListAdminLogs(ctx, limit)
}

// Statistics aggregates engine-wide counters for admin reporting.
func (service *Service) Statistics(ctx context.Context, adminID AccountID) (Statistics, error) {
	if err := service.gate.Authorize(adminID, "statistics"); err != nil {
		return Statistics{}, err
	}
	nowUnixUTC := service.nowFn()
	return service.store.CollectStatistics(ctx, utcMonthStart(nowUnixUTC), nowUnixUTC)
}

// Catalog exposes the immutable product catalog for rendering.
func (service *Service) Catalog() Catalog {
	return service.catalog
}

func utcMonthStart(nowUnixUTC int64) int64 {
	now := time.Unix(nowUnixUTC, 0).UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return monthStart.Unix()
}

const resellerCodeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func generateResellerCode() (string, error) {
	buffer := make([]byte, resellerCodeLength)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	for index := range buffer {
		buffer[index] = resellerCodeCharset[int(buffer[index])%len(resellerCodeCharset)]
	}
	return resellerCodePrefix + string(buffer), nil
}
