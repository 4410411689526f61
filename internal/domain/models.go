// Package domain defines the persistence models for accounts, payment
// intents, refunds, processing jobs, and the credit package catalog. These
// types are mapped with GORM and form the core data layer of the
// document-processing application.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment intent statuses. An intent only ever moves pending -> succeeded or
// pending -> canceled; both terminal states are sinks.
const (
	IntentPending   = "pending"
	IntentSucceeded = "succeeded"
	IntentCanceled  = "canceled"
)

// Processing job statuses.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobDone       = "done"
	JobError      = "error"
)

// Account is the per-user quota record and the single serialization point for
// all balance mutation: every spend, refund, and credit locks this row.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - ExternalID: identifier of the user on the consuming platform (unique).
//   - QuotaFree: remaining free-tier pages; refreshed periodically.
//   - QuotaPurchased: paid pages; never expire.
//   - FreeResetAt: last time the free tier was refreshed.
type Account struct {
	ID             string     `json:"id"              gorm:"type:char(36);primaryKey"`
	ExternalID     string     `json:"external_id"     gorm:"type:varchar(64);not null;uniqueIndex"`
	QuotaFree      int        `json:"quota_free"      gorm:"not null;default:0;check:quota_free >= 0"`
	QuotaPurchased int        `json:"quota_purchased" gorm:"not null;default:0;check:quota_purchased >= 0"`
	FreeResetAt    *time.Time `json:"free_reset_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Account.
func (Account) TableName() string { return "accounts" }

// PaymentIntent records an initiated purchase. Package name, page count, and
// price are frozen at checkout time so that later catalog edits can never
// change what a settled payment credits.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - AccountID: owner of the purchase (indexed).
//   - PackageCode / PackageName / UnitCount / Amount / Currency: frozen
//     snapshot of the catalog entry at checkout time.
//   - ProviderPaymentID: id assigned by the payment provider; unique, empty
//     until the charge is created.
//   - IdempotencyKey: key sent with the provider's charge-creation call.
//   - Status: pending, succeeded, or canceled.
type PaymentIntent struct {
	ID                string          `json:"id"                  gorm:"type:char(36);primaryKey"`
	AccountID         string          `json:"account_id"          gorm:"type:char(36);not null;index:idx_account_intents"`
	PackageCode       string          `json:"package_code"        gorm:"type:varchar(64);not null"`
	PackageName       string          `json:"package_name"        gorm:"type:varchar(128);not null"`
	UnitCount         int             `json:"unit_count"          gorm:"not null;check:unit_count > 0"`
	Amount            decimal.Decimal `json:"amount"              gorm:"type:decimal(10,2);not null"`
	Currency          string          `json:"currency"            gorm:"type:varchar(3);not null;default:'RUB'"`
	ProviderPaymentID string          `json:"provider_payment_id" gorm:"type:varchar(255);uniqueIndex"`
	IdempotencyKey    string          `json:"-"                   gorm:"type:varchar(255);not null;uniqueIndex"`
	Status            string          `json:"status"              gorm:"type:varchar(50);not null;default:'pending';index"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`

	// Account is the purchasing account. Intents are cascade-deleted with it.
	Account Account `json:"-" gorm:"foreignKey:AccountID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for PaymentIntent.
func (PaymentIntent) TableName() string { return "payment_intents" }

// Terminal reports whether the intent has reached a sink state.
func (p *PaymentIntent) Terminal() bool {
	return p.Status == IntentSucceeded || p.Status == IntentCanceled
}

// RefundRecord marks a provider refund notification as processed. The refund
// id is the primary key, so at most one row per id can ever exist; a replayed
// notification fails the insert and is treated as a silent no-op.
type RefundRecord struct {
	RefundID    string    `json:"refund_id"  gorm:"type:varchar(255);primaryKey"`
	PaymentID   string    `json:"payment_id" gorm:"type:varchar(255);not null;index"`
	ProcessedAt time.Time `json:"processed_at"`
}

// TableName returns the database table name for RefundRecord.
func (RefundRecord) TableName() string { return "refund_records" }

// ProcessingJob is a submitted document. ReservedFree/ReservedPaid track
// quota already removed from the account for this job but not yet consumed
// (status done) or refunded (status error); the split remembers which tier
// each page came from so failure refunds restore the exact balances.
type ProcessingJob struct {
	ID           string    `json:"id"            gorm:"type:char(36);primaryKey"`
	AccountID    string    `json:"account_id"    gorm:"type:char(36);not null;index:idx_account_jobs"`
	FileName     string    `json:"file_name"     gorm:"type:varchar(512)"`
	MimeType     string    `json:"mime_type"     gorm:"type:varchar(128)"`
	PageCount    int       `json:"page_count"    gorm:"not null;default:0"`
	Status       string    `json:"status"        gorm:"type:varchar(50);not null;default:'pending';index"`
	ErrorMessage string    `json:"error_message,omitempty" gorm:"type:text"`
	ReservedFree int       `json:"reserved_free" gorm:"not null;default:0"`
	ReservedPaid int       `json:"reserved_paid" gorm:"not null;default:0"`
	ResultText   string    `json:"-"             gorm:"type:text"`
	CreatedAt    time.Time `json:"created_at"    gorm:"index"`
	UpdatedAt    time.Time `json:"updated_at"`

	// Account is the job owner. Jobs are cascade-deleted with it.
	Account Account `json:"-" gorm:"foreignKey:AccountID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for ProcessingJob.
func (ProcessingJob) TableName() string { return "processing_jobs" }

// Terminal reports whether the job has reached done or error.
func (j *ProcessingJob) Terminal() bool {
	return j.Status == JobDone || j.Status == JobError
}

// CreditPackage is a catalog entry: a purchasable bundle of pages at a fixed
// price. Rows are edited by operators; settled payments never read the
// catalog again (they use the intent's frozen snapshot).
type CreditPackage struct {
	ID        uint            `json:"id"         gorm:"primaryKey;autoIncrement"`
	Code      string          `json:"code"       gorm:"type:varchar(64);not null;uniqueIndex"`
	Name      string          `json:"name"       gorm:"type:varchar(128);not null"`
	Pages     int             `json:"pages"      gorm:"not null;check:pages > 0"`
	Price     decimal.Decimal `json:"price"      gorm:"type:decimal(10,2);not null"`
	Currency  string          `json:"currency"   gorm:"type:varchar(3);not null;default:'RUB'"`
	IsActive  bool            `json:"is_active"  gorm:"not null;default:true"`
	SortOrder int             `json:"sort_order" gorm:"not null;default:0"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TableName returns the database table name for CreditPackage.
func (CreditPackage) TableName() string { return "credit_packages" }
