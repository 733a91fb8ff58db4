package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/r3e-network/creditflow/internal/domain/application"
	"github.com/r3e-network/creditflow/internal/servererr"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApplication(row rowScanner) (*application.Application, error) {
	var (
		app                 application.Application
		country             string
		status              string
		idempotencyKey      sql.NullString
		countrySpecificRaw  []byte
		bankingRaw          []byte
		validationErrorsRaw []byte
		riskScore           sql.NullString
		deletedAt           sql.NullTime
	)

	if err := row.Scan(
		&app.ID, &country, &app.FullNameCiphertext, &app.DocumentCiphertext, &app.DocumentFingerprint,
		&app.RequestedAmount, &app.MonthlyIncome, &app.Currency, &idempotencyKey, &status,
		&countrySpecificRaw, &bankingRaw, &validationErrorsRaw, &riskScore,
		&app.CreatedAt, &app.UpdatedAt, &deletedAt,
	); err != nil {
		return nil, err
	}

	app.Country = application.Country(country)
	app.Status = application.Status(status)
	if idempotencyKey.Valid {
		app.IdempotencyKey = &idempotencyKey.String
	}
	if deletedAt.Valid {
		app.DeletedAt = &deletedAt.Time
	}
	if riskScore.Valid {
		d, err := decimal.NewFromString(riskScore.String)
		if err != nil {
			return nil, fmt.Errorf("parse risk_score: %w", err)
		}
		app.RiskScore = &d
	}
	app.CountrySpecificData = unmarshalMapOrEmpty(countrySpecificRaw)
	app.BankingData = unmarshalMapOrEmpty(bankingRaw)

	if len(validationErrorsRaw) > 0 {
		if err := json.Unmarshal(validationErrorsRaw, &app.ValidationErrors); err != nil {
			return nil, fmt.Errorf("unmarshal validation_errors: %w", err)
		}
	}

	return &app, nil
}

// scanApplicationRows exists only so callers iterating *sql.Rows and
// callers reading a single *sql.Row can share scanApplication's body via
// the rowScanner interface; kept as a thin named wrapper for readability
// at call sites.
func scanApplicationRows(rows *sql.Rows) (*application.Application, error) {
	return scanApplication(rows)
}

func scanPendingJob(rows *sql.Rows) (*application.PendingJob, error) {
	var (
		job          application.PendingJob
		status       string
		jobArgsRaw   []byte
		jobKwargsRaw []byte
		queueJobID   sql.NullString
		enqueuedAt   sql.NullTime
		processedAt  sql.NullTime
		errorMessage sql.NullString
	)

	if err := rows.Scan(
		&job.ID, &job.ApplicationID, &job.TaskName, &jobArgsRaw, &jobKwargsRaw, &status, &queueJobID,
		&job.CreatedAt, &enqueuedAt, &processedAt, &errorMessage, &job.RetryCount,
	); err != nil {
		return nil, fmt.Errorf("scan pending job: %w", err)
	}

	job.Status = application.PendingJobStatus(status)
	job.JobArgs = unmarshalMapOrEmpty(jobArgsRaw)
	job.JobKwargs = unmarshalMapOrEmpty(jobKwargsRaw)
	if queueJobID.Valid {
		job.QueueJobID = &queueJobID.String
	}
	if enqueuedAt.Valid {
		job.EnqueuedAt = &enqueuedAt.Time
	}
	if processedAt.Valid {
		job.ProcessedAt = &processedAt.Time
	}
	if errorMessage.Valid {
		job.ErrorMessage = &errorMessage.String
	}

	return &job, nil
}

func scanFailedJob(rows *sql.Rows) (*application.FailedJob, error) {
	var (
		job              application.FailedJob
		status           string
		jobArgsRaw       []byte
		jobKwargsRaw     []byte
		metadataRaw      []byte
		pendingJobID     sql.NullString
		reprocessedJobID sql.NullString
		reprocessedAt    sql.NullTime
		errorTraceback   sql.NullString
	)

	if err := rows.Scan(
		&job.ID, &pendingJobID, &job.QueueJobID, &job.TaskName, &jobArgsRaw, &jobKwargsRaw,
		&job.ErrorType, &job.ErrorMessage, &errorTraceback, &job.RetryCount, &job.MaxRetries,
		&status, &job.IsRetryable, &reprocessedJobID, &reprocessedAt, &metadataRaw,
		&job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan failed job: %w", err)
	}

	job.Status = application.FailedJobStatus(status)
	job.JobArgs = unmarshalMapOrEmpty(jobArgsRaw)
	job.JobKwargs = unmarshalMapOrEmpty(jobKwargsRaw)
	job.Metadata = unmarshalMapOrEmpty(metadataRaw)
	if pendingJobID.Valid {
		job.PendingJobID = &pendingJobID.String
	}
	if reprocessedJobID.Valid {
		job.ReprocessedJobID = &reprocessedJobID.String
	}
	if reprocessedAt.Valid {
		job.ReprocessedAt = &reprocessedAt.Time
	}
	if errorTraceback.Valid {
		job.ErrorTraceback = errorTraceback.String
	}

	return &job, nil
}

func scanWebhookEvent(row rowScanner) (*application.WebhookEvent, error) {
	var (
		ev           application.WebhookEvent
		status       string
		payloadRaw   []byte
		errorMessage sql.NullString
		processedAt  sql.NullTime
	)

	if err := row.Scan(
		&ev.ID, &ev.IdempotencyKey, &ev.ApplicationID, &payloadRaw, &status, &errorMessage, &processedAt, &ev.CreatedAt,
	); err != nil {
		return nil, err
	}

	ev.Status = application.WebhookEventStatus(status)
	ev.Payload = unmarshalMapOrEmpty(payloadRaw)
	if errorMessage.Valid {
		ev.ErrorMessage = &errorMessage.String
	}
	if processedAt.Valid {
		ev.ProcessedAt = &processedAt.Time
	}

	return &ev, nil
}

// classifyWebhookInsertError maps the idempotency_key unique violation to
// servererr.Integrity — the webhook handler re-reads and either returns
// already_processed or continues the FAILED/PROCESSING reset path (§4.10
// "race on simultaneous first delivery").
func classifyWebhookInsertError(err error) error {
	if strings.Contains(err.Error(), "webhook_events_idempotency_key_key") {
		return servererr.Integrity("webhook event already being processed", err)
	}
	return fmt.Errorf("insert webhook event: %w", err)
}

func marshalMap(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		m = map[string]interface{}{}
	}
	return json.Marshal(m)
}

func unmarshalMapOrEmpty(raw []byte) map[string]interface{} {
	out := map[string]interface{}{}
	if len(raw) == 0 {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

// decryptIfRequested populates a DecryptedPII view without ever mutating
// app's stored ciphertext fields (§4.1: the plaintext copy must never be
// written back).
func (s *Store) decryptIfRequested(app *application.Application, opts FindOptions) (*application.DecryptedPII, error) {
	if !opts.Decrypt {
		return nil, nil
	}
	fullName, err := s.cipher.Decrypt(app.FullNameCiphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt full_name: %w", err)
	}
	document, err := s.cipher.Decrypt(app.DocumentCiphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt document: %w", err)
	}
	return &application.DecryptedPII{
		FullName: string(fullName),
		Document: string(document),
	}, nil
}

// classifyInsertError maps Postgres constraint-violation errors to the
// tagged errors §7 requires callers to distinguish.
func classifyInsertError(err error, country string) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "applications_active_document_uidx"):
		return servererr.DuplicateDocument(country)
	case strings.Contains(msg, "applications_idempotency_key_uidx"):
		return servererr.Duplicate("an application with this idempotency key already exists")
	default:
		return fmt.Errorf("insert application: %w", err)
	}
}
