// Package application holds the credit-application aggregate and its
// owned record types: AuditLog, PendingJob, WebhookEvent, FailedJob (§3).
package application

import (
	"time"

	"github.com/shopspring/decimal"
)

// Country is one of the six supported jurisdictions (§4.3).
type Country string

const (
	CountryES Country = "ES"
	CountryPT Country = "PT"
	CountryIT Country = "IT"
	CountryMX Country = "MX"
	CountryCO Country = "CO"
	CountryBR Country = "BR"
)

// Valid reports whether c is one of the registered country codes.
func (c Country) Valid() bool {
	switch c {
	case CountryES, CountryPT, CountryIT, CountryMX, CountryCO, CountryBR:
		return true
	default:
		return false
	}
}

// Status is the application's lifecycle state (§4.7).
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusValidating  Status = "VALIDATING"
	StatusUnderReview Status = "UNDER_REVIEW"
	StatusApproved    Status = "APPROVED"
	StatusRejected    Status = "REJECTED"
	StatusCancelled   Status = "CANCELLED"
	StatusCompleted   Status = "COMPLETED"
)

// Final reports whether s has no outgoing transitions.
func (s Status) Final() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled, StatusCompleted:
		return true
	default:
		return false
	}
}

// Application is the aggregate root (§3). PII fields are stored as
// ciphertext; DocumentFingerprint carries the uniqueness constraint since
// the cipher is non-deterministic (see internal/cipher).
type Application struct {
	ID                  string
	Country             Country
	FullNameCiphertext  []byte
	DocumentCiphertext  []byte
	DocumentFingerprint []byte
	RequestedAmount     decimal.Decimal
	MonthlyIncome       decimal.Decimal
	Currency            string
	IdempotencyKey      *string
	Status              Status
	CountrySpecificData map[string]interface{}
	BankingData         map[string]interface{}
	ValidationErrors    []string
	RiskScore           *decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// SoftDeleted reports whether the application has been soft-deleted.
func (a *Application) SoftDeleted() bool { return a.DeletedAt != nil }

// DecryptedPII is the in-memory-only view produced by Store.FindApplication
// with decrypt=true. It is never persisted back.
type DecryptedPII struct {
	FullName string
	Document string
}

// AuditLog is an append-only record of a status transition (§3).
type AuditLog struct {
	ID            string
	ApplicationID string
	OldStatus     Status
	NewStatus     Status
	ChangedBy     string
	ChangeReason  string
	Metadata      map[string]interface{}
	CreatedAt     time.Time
}

// PendingJobStatus is the outbox row lifecycle (§3).
type PendingJobStatus string

const (
	PendingJobStatusPending    PendingJobStatus = "PENDING"
	PendingJobStatusEnqueued   PendingJobStatus = "ENQUEUED"
	PendingJobStatusProcessing PendingJobStatus = "PROCESSING"
	PendingJobStatusCompleted  PendingJobStatus = "COMPLETED"
	PendingJobStatusFailed     PendingJobStatus = "FAILED"
)

// PendingJob is one outbox row (§3, T2).
type PendingJob struct {
	ID            string
	ApplicationID string
	TaskName      string
	JobArgs       map[string]interface{}
	JobKwargs     map[string]interface{}
	Status        PendingJobStatus
	QueueJobID    *string
	CreatedAt     time.Time
	EnqueuedAt    *time.Time
	ProcessedAt   *time.Time
	ErrorMessage  *string
	RetryCount    int
}

// WebhookEventStatus is the idempotency-tracking lifecycle (§3).
type WebhookEventStatus string

const (
	WebhookEventStatusProcessing WebhookEventStatus = "PROCESSING"
	WebhookEventStatusProcessed  WebhookEventStatus = "PROCESSED"
	WebhookEventStatusFailed     WebhookEventStatus = "FAILED"
)

// WebhookEvent records a single bank-confirmation delivery (§3, §4.10).
type WebhookEvent struct {
	ID             string
	IdempotencyKey string
	ApplicationID  string
	Payload        map[string]interface{}
	Status         WebhookEventStatus
	ErrorMessage   *string
	ProcessedAt    *time.Time
	CreatedAt      time.Time
}

// FailedJobStatus is the DLQ row lifecycle (§3).
type FailedJobStatus string

const (
	FailedJobStatusPending     FailedJobStatus = "pending"
	FailedJobStatusReviewed    FailedJobStatus = "reviewed"
	FailedJobStatusReprocessed FailedJobStatus = "reprocessed"
	FailedJobStatusIgnored     FailedJobStatus = "ignored"
	FailedJobStatusRetried     FailedJobStatus = "retried"
)

// FailedJob is one DLQ row (§3, §4.6, §4.9).
type FailedJob struct {
	ID               string
	PendingJobID     *string
	QueueJobID       string
	TaskName         string
	JobArgs          map[string]interface{}
	JobKwargs        map[string]interface{}
	ErrorType        string
	ErrorMessage     string
	ErrorTraceback   string
	RetryCount       int
	MaxRetries       int
	Status           FailedJobStatus
	IsRetryable      bool
	ReprocessedJobID *string
	ReprocessedAt    *time.Time
	Metadata         map[string]interface{}
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// MaskDocument implements the PII masking rule from §6: show only the last
// 4 characters, preceded by asterisks equal to the rest of its length.
func MaskDocument(document string) string {
	if len(document) <= 4 {
		return document
	}
	maskedLen := len(document) - 4
	masked := make([]byte, maskedLen)
	for i := range masked {
		masked[i] = '*'
	}
	return string(masked) + document[maskedLen:]
}
