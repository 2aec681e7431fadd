package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store. Every mutating
// operation runs inside one store transaction: it either fully applies
// or fully reverts, so the key pool, the license records, and the
// balance ledger never disagree.
type Service struct {
	store      Store
	catalog    Catalog
	gate       Gate
	nowFn      func() int64
	logger     OperationLogger
	resetQuota int64
}

// NewService wires a Service.
func NewService(store Store, catalog Catalog, gate Gate, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if len(catalog.products) == 0 {
		return nil, fmt.Errorf("%w: empty catalog", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:      store,
		catalog:    catalog,
		gate:       gate,
		nowFn:      now,
		resetQuota: DefaultResetQuota,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Purchase debits the buyer for the product's full price, takes the
// oldest pooled key, and issues a license to the beneficiary (a gift
// when beneficiary differs from buyer). When a reseller attribution
// applies and the product is commission eligible, the reseller is
// credited its share of the sale in the same transaction. The whole
// sequence commits or rolls back as one unit.
func (service *Service) Purchase(ctx context.Context, buyerID AccountID, productID ProductID, beneficiaryID AccountID, resellerID *AccountID) (License, error) {
	product, ok := service.catalog.Lookup(productID)
	if !ok {
		err := WrapError(operationPurchase, "catalog", "lookup", ErrProductNotFound)
		service.logOperation(ctx, OperationLog{Operation: operationPurchase, AccountID: buyerID, ProductID: &productID, Error: err})
		return License{}, err
	}
	if beneficiaryID.String() == "" {
		beneficiaryID = buyerID
	}

	var issued License
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		buyer, err := transactionStore.GetOrCreateAccount(ctx, buyerID, nowUnixUTC)
		if err != nil {
			return err
		}
		if _, err := transactionStore.GetOrCreateAccount(ctx, beneficiaryID, nowUnixUTC); err != nil {
			return err
		}
		reseller, err := service.resolveReseller(ctx, transactionStore, buyer, resellerID)
		if err != nil {
			return err
		}

		if err := transactionStore.AdjustBalance(ctx, buyerID, product.PriceCents.ToAmountCents().Negated()); err != nil {
			return err
		}
		key, err := transactionStore.TakeKey(ctx, productID)
		if err != nil {
			return err
		}

		licenseID, err := NewLicenseID(uuid.NewString())
		if err != nil {
			return err
		}
		license := License{
			LicenseID:      licenseID,
			AccountID:      beneficiaryID,
			ProductID:      productID,
			Key:            key,
			Status:         LicenseStatusActive,
			IssuedUnixUTC:  nowUnixUTC,
			ExpiresUnixUTC: product.ExpiryFrom(nowUnixUTC),
			CreatedBy:      buyerID,
		}
		if err := transactionStore.CreateLicense(ctx, license); err != nil {
			return err
		}

		debitMetadata, err := NewMetadataJSON(fmt.Sprintf(`{"product":%q,"beneficiary":%q}`, productID.String(), beneficiaryID.String()))
		if err != nil {
			return err
		}
		if err := transactionStore.InsertTransaction(ctx, Transaction{
			AccountID:      buyerID,
			AmountCents:    product.PriceCents.ToAmountCents().Negated(),
			Reason:         ReasonPurchase,
			LicenseID:      &licenseID,
			MetadataJSON:   debitMetadata,
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}

		if reseller != nil && product.CommissionEligible {
			share := reseller.CommissionBps.ShareOf(product.PriceCents)
			if share > 0 {
				if err := transactionStore.AdjustBalance(ctx, reseller.AccountID, share); err != nil {
					return err
				}
				commissionMetadata, err := NewMetadataJSON(fmt.Sprintf(`{"product":%q,"sale_cents":%d}`, productID.String(), product.PriceCents.Int64()))
				if err != nil {
					return err
				}
				if err := transactionStore.InsertTransaction(ctx, Transaction{
					AccountID:      reseller.AccountID,
					AmountCents:    share,
					Reason:         ReasonCommission,
					LicenseID:      &licenseID,
					MetadataJSON:   commissionMetadata,
					CreatedUnixUTC: nowUnixUTC,
				}); err != nil {
					return err
				}
			}
		}

		issued = license
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationPurchase,
		AccountID: buyerID,
		ProductID: &productID,
		LicenseID: licenseRef(issued),
		Amount:    product.PriceCents.ToAmountCents(),
		Error:     operationError,
	})
	if operationError != nil {
		return License{}, operationError
	}
	return issued, nil
}

// Revoke cancels a license: status moves to revoked, the HWID binding
// is cleared, and the assigned key goes back to its product pool.
// Revoking an already-revoked license is a no-op. Only the owner or an
// admin may revoke; admin revocations are written to the audit log.
func (service *Service) Revoke(ctx context.Context, licenseID LicenseID, actingID AccountID) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		license, err := transactionStore.GetLicense(ctx, licenseID)
		if err != nil {
			return err
		}
		actingAsAdmin := service.gate.Allows(actingID)
		if license.AccountID != actingID && !actingAsAdmin {
			return WrapError(operationRevoke, "gate", "denied", ErrUnauthorized)
		}
		if license.Status == LicenseStatusRevoked {
			return nil
		}
		changed, err := transactionStore.UpdateLicenseStatus(ctx, licenseID, license.Status, LicenseStatusRevoked)
		if err != nil {
			return err
		}
		if !changed {
			// Lost the race to another revoker; the key was already returned.
			return nil
		}
		if err := transactionStore.SetLicenseHWID(ctx, licenseID, ""); err != nil {
			return err
		}
		if err := transactionStore.ReturnKey(ctx, license.ProductID, license.Key); err != nil {
			return err
		}
		if actingAsAdmin && license.AccountID != actingID {
			details, err := NewMetadataJSON(fmt.Sprintf(`{"product":%q,"key_returned":true}`, license.ProductID.String()))
			if err != nil {
				return err
			}
			return transactionStore.InsertAdminLog(ctx, AdminLogEntry{
				AdminID:        actingID,
				Action:         operationRevoke,
				TargetAccount:  license.AccountID.String(),
				TargetLicense:  licenseID.String(),
				DetailsJSON:    details,
				CreatedUnixUTC: service.nowFn(),
			})
		}
		return nil
	})
	licenseRef := licenseID
	service.logOperation(ctx, OperationLog{
		Operation: operationRevoke,
		AccountID: actingID,
		LicenseID: &licenseRef,
		Error:     operationError,
	})
	return operationError
}

func (service *Service) resolveReseller(ctx context.Context, transactionStore Store, buyer Account, resellerID *AccountID) (*Account, error) {
	if resellerID != nil {
		reseller, err := transactionStore.GetAccount(ctx, *resellerID)
		if err != nil {
			return nil, err
		}
		if reseller.Role != RoleReseller || reseller.CommissionBps == 0 {
			return nil, nil
		}
		return &reseller, nil
	}
	// No explicit attribution: a reseller buying on its own account
	// earns its commission, matching the self-service sales flow.
	if buyer.Role == RoleReseller && buyer.CommissionBps > 0 {
		return &buyer, nil
	}
	return nil, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func licenseRef(license License) *LicenseID {
	if license.LicenseID.String() == "" {
		return nil
	}
	ref := license.LicenseID
	return &ref
}

func utcDayStart(nowUnixUTC int64) int64 {
	now := time.Unix(nowUnixUTC, 0).UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return dayStart.Unix()
}
