package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID     string    `gorm:"primaryKey"`
	Role          string    `gorm:"not null;default:user"`
	BalanceCents  int64     `gorm:"not null;default:0"`
	CommissionBps int64     `gorm:"not null;default:0"`
	ResellerCode  *string   `gorm:"index:uniq_accounts_reseller_code,unique"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// License mirrors the licenses table. Key uniqueness among live
// assignments is guaranteed by the pool: TakeKey is the only path that
// hands a key to a license, and it removes the pool row in the same
// transaction.
type License struct {
	LicenseID string    `gorm:"type:uuid;primaryKey"`
	AccountID string    `gorm:"not null;index:idx_licenses_account_created,priority:1"`
	ProductID string    `gorm:"not null;index"`
	Key       string    `gorm:"not null;index"`
	Status    string    `gorm:"not null;index"`
	HWIDHash  string    `gorm:"not null;default:''"`
	IssuedAt  time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
	CreatedBy string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;index:idx_licenses_account_created,priority:2"`
}

func (License) TableName() string { return "licenses" }

func (license *License) BeforeCreate(tx *gorm.DB) error {
	if license.LicenseID == "" {
		license.LicenseID = uuid.NewString()
	}
	return nil
}

// PoolKey mirrors the pool_keys table. Seq preserves insertion order so
// consumption is FIFO.
type PoolKey struct {
	Seq       uint64    `gorm:"primaryKey;autoIncrement"`
	ProductID string    `gorm:"not null;index:uniq_pool_product_key,unique,priority:1"`
	Key       string    `gorm:"not null;index:uniq_pool_product_key,unique,priority:2"`
	CreatedAt time.Time `gorm:"not null"`
}

func (PoolKey) TableName() string { return "pool_keys" }

// LedgerTransaction mirrors the transactions table.
type LedgerTransaction struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	AccountID     string         `gorm:"not null;index:idx_transactions_account_created,priority:1"`
	AmountCents   int64          `gorm:"not null"`
	Reason        string         `gorm:"not null"`
	LicenseID     *string        `gorm:"index"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_transactions_account_created,priority:2"`
}

func (LedgerTransaction) TableName() string { return "transactions" }

func (transaction *LedgerTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// HwidReset mirrors the hwid_resets table.
type HwidReset struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	LicenseID string    `gorm:"not null;index:idx_hwid_resets_license_created,priority:1"`
	AccountID string    `gorm:"not null"`
	ResetBy   string    `gorm:"not null"`
	Admin     bool      `gorm:"not null;default:false"`
	Reason    string    `gorm:"not null;default:''"`
	CreatedAt time.Time `gorm:"not null;index:idx_hwid_resets_license_created,priority:2"`
}

func (HwidReset) TableName() string { return "hwid_resets" }

// AdminLog mirrors the admin_logs table.
type AdminLog struct {
	ID            uint64         `gorm:"primaryKey;autoIncrement"`
	AdminID       string         `gorm:"not null;index"`
	Action        string         `gorm:"not null"`
	TargetAccount string         `gorm:"not null;default:''"`
	TargetLicense string         `gorm:"not null;default:''"`
	Details       datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index"`
}

func (AdminLog) TableName() string { return "admin_logs" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{&Account{}, &License{}, &PoolKey{}, &LedgerTransaction{}, &HwidReset{}, &AdminLog{}}
}
