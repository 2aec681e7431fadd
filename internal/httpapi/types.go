package httpapi

import (
	"encoding/json"

	"github.com/keymint/keymint/pkg/engine"
)

type topupRequest struct {
	AmountCents int64          `json:"amount_cents"`
	Metadata    map[string]any `json:"metadata"`
}

type purchaseRequest struct {
	ProductID     string `json:"product_id"`
	BeneficiaryID string `json:"beneficiary_id"`
	ResellerID    string `json:"reseller_id"`
}

type bindRequest struct {
	HWID string `json:"hwid"`
}

type resetRequest struct {
	Reason string `json:"reason"`
}

type validateRequest struct {
	LicenseID string `json:"license_id"`
	HWID      string `json:"hwid"`
}

type adjustRequest struct {
	AccountID  string `json:"account_id"`
	DeltaCents int64  `json:"delta_cents"`
	Note       string `json:"note"`
}

type addKeysRequest struct {
	ProductID string   `json:"product_id"`
	Keys      []string `json:"keys"`
}

type makeResellerRequest struct {
	AccountID string `json:"account_id"`
	RateBps   int64  `json:"rate_bps"`
}

type walletResponse struct {
	Balance      balancePayload       `json:"balance"`
	Transactions []transactionPayload `json:"transactions"`
}

type balancePayload struct {
	TotalCents int64 `json:"total_cents"`
}

type transactionPayload struct {
	TransactionID  string          `json:"transaction_id"`
	AmountCents    int64           `json:"amount_cents"`
	Reason         string          `json:"reason"`
	LicenseID      string          `json:"license_id,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

type licensePayload struct {
	LicenseID      string `json:"license_id"`
	ProductID      string `json:"product_id"`
	Key            string `json:"key"`
	Status         string `json:"status"`
	Bound          bool   `json:"bound"`
	IssuedUnixUTC  int64  `json:"issued_unix_utc"`
	ExpiresUnixUTC int64  `json:"expires_unix_utc"`
}

type productPayload struct {
	ProductID          string `json:"product_id"`
	Name               string `json:"name"`
	Category           string `json:"category"`
	DurationDays       int    `json:"duration_days"`
	PriceCents         int64  `json:"price_cents"`
	CommissionEligible bool   `json:"commission_eligible"`
}

type adminLogPayload struct {
	AdminID        string          `json:"admin_id"`
	Action         string          `json:"action"`
	TargetAccount  string          `json:"target_account,omitempty"`
	TargetLicense  string          `json:"target_license,omitempty"`
	Details        json.RawMessage `json:"details"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

type statisticsPayload struct {
	TotalAccounts        int64 `json:"total_accounts"`
	TotalResellers       int64 `json:"total_resellers"`
	ActiveLicenses       int64 `json:"active_licenses"`
	TotalLicenses        int64 `json:"total_licenses"`
	RevenueCents         int64 `json:"revenue_cents"`
	MonthlyRevenueCents  int64 `json:"monthly_revenue_cents"`
	MonthlyLicensesCount int64 `json:"monthly_licenses_count"`
}

func toTransactionPayload(transaction engine.Transaction) transactionPayload {
	licenseID := ""
	if transaction.LicenseID != nil {
		licenseID = transaction.LicenseID.String()
	}
	return transactionPayload{
		TransactionID:  transaction.TransactionID,
		AmountCents:    transaction.AmountCents.Int64(),
		Reason:         transaction.Reason.String(),
		LicenseID:      licenseID,
		Metadata:       json.RawMessage(transaction.MetadataJSON.String()),
		CreatedUnixUTC: transaction.CreatedUnixUTC,
	}
}

func toLicensePayload(license engine.License) licensePayload {
	return licensePayload{
		LicenseID:      license.LicenseID.String(),
		ProductID:      license.ProductID.String(),
		Key:            license.Key.String(),
		Status:         license.Status.String(),
		Bound:          license.HWIDHash != "",
		IssuedUnixUTC:  license.IssuedUnixUTC,
		ExpiresUnixUTC: license.ExpiresUnixUTC,
	}
}

func toProductPayload(product engine.Product) productPayload {
	return productPayload{
		ProductID:          product.ProductID.String(),
		Name:               product.Name,
		Category:           product.Category,
		DurationDays:       product.DurationDays,
		PriceCents:         product.PriceCents.Int64(),
		CommissionEligible: product.CommissionEligible,
	}
}

func toAdminLogPayload(entry engine.AdminLogEntry) adminLogPayload {
	return adminLogPayload{
		AdminID:        entry.AdminID.String(),
		Action:         entry.Action,
		TargetAccount:  entry.TargetAccount,
		TargetLicense:  entry.TargetLicense,
		Details:        json.RawMessage(entry.DetailsJSON.String()),
		CreatedUnixUTC: entry.CreatedUnixUTC,
	}
}

func toStatisticsPayload(statistics engine.Statistics) statisticsPayload {
	return statisticsPayload{
		TotalAccounts:        statistics.TotalAccounts,
		TotalResellers:       statistics.TotalResellers,
		ActiveLicenses:       statistics.ActiveLicenses,
		TotalLicenses:        statistics.TotalLicenses,
		RevenueCents:         statistics.RevenueCents.Int64(),
		MonthlyRevenueCents:  statistics.MonthlyRevenueCents.Int64(),
		MonthlyLicensesCount: statistics.MonthlyLicensesCount,
	}
}
