// Package postgres implements the Store contract (§4.1) over
// database/sql + lib/pq, grounded on the teacher's
// pkg/storage/postgres.BaseStore transaction-context idiom and
// internal/app/storage/postgres's plain ExecContext/QueryContext style
// for the actual row mapping.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/creditflow/internal/cipher"
	"github.com/r3e-network/creditflow/internal/domain/application"
	"github.com/r3e-network/creditflow/internal/servererr"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type txKey struct{}

// TxFromContext extracts the active transaction, if any.
func TxFromContext(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey{}).(*sql.Tx)
	return tx
}

// ContextWithTx attaches tx to ctx.
func ContextWithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// Store implements the application store contract.
type Store struct {
	db     *sql.DB
	cipher *cipher.Cipher
}

// New constructs a Store.
func New(db *sql.DB, c *cipher.Cipher) *Store {
	return &Store{db: db, cipher: c}
}

func (s *Store) q(ctx context.Context) querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}

// RunInTransaction scopes fn inside a transaction, committing on normal
// return and rolling back on any error or panic (§4.1).
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(ContextWithTx(ctx, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// EnsureTriggerInstalled is a startup smoke check confirming the outbox
// trigger shipped by migrations is present; the trigger itself is only
// ever installed by migrations (§4.1 "implemented in the database").
func (s *Store) EnsureTriggerInstalled(ctx context.Context) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_trigger WHERE tgname = 'applications_enqueue_evaluation_trigger'
		)
	`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check outbox trigger: %w", err)
	}
	if !exists {
		return fmt.Errorf("outbox trigger not installed; run migrations before starting the worker")
	}
	return nil
}

// InsertApplication persists a new Application. PII fields must already be
// ciphertext/fingerprint; the caller (appservice) owns encryption.
func (s *Store) InsertApplication(ctx context.Context, app *application.Application) error {
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	app.CreatedAt, app.UpdatedAt = now, now
	if app.Status == "" {
		app.Status = application.StatusPending
	}

	countrySpecific, err := marshalMap(app.CountrySpecificData)
	if err != nil {
		return fmt.Errorf("marshal country_specific_data: %w", err)
	}
	banking, err := marshalMap(app.BankingData)
	if err != nil {
		return fmt.Errorf("marshal banking_data: %w", err)
	}
	validationErrors, err := json.Marshal(app.ValidationErrors)
	if err != nil {
		return fmt.Errorf("marshal validation_errors: %w", err)
	}

	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO applications (
			id, country, full_name_ciphertext, document_ciphertext, document_fingerprint,
			requested_amount, monthly_income, currency, idempotency_key, status,
			country_specific_data, banking_data, validation_errors, risk_score,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`,
		app.ID, string(app.Country), app.FullNameCiphertext, app.DocumentCiphertext, app.DocumentFingerprint,
		app.RequestedAmount, app.MonthlyIncome, app.Currency, app.IdempotencyKey, string(app.Status),
		countrySpecific, banking, validationErrors, app.RiskScore,
		app.CreatedAt, app.UpdatedAt,
	)
	if err != nil {
		return classifyInsertError(err, string(app.Country))
	}
	return nil
}

// FindOptions controls FindApplication's row-lock and decryption behavior.
type FindOptions struct {
	IncludeDeleted bool
	ForUpdate      bool
	Decrypt        bool
}

// FindApplication loads one Application by id. When opts.Decrypt is set,
// the returned DecryptedPII holds plaintext that must never be written
// back to the store.
func (s *Store) FindApplication(ctx context.Context, id string, opts FindOptions) (*application.Application, *application.DecryptedPII, error) {
	query := `
		SELECT id, country, full_name_ciphertext, document_ciphertext, document_fingerprint,
		       requested_amount, monthly_income, currency, idempotency_key, status,
		       country_specific_data, banking_data, validation_errors, risk_score,
		       created_at, updated_at, deleted_at
		FROM applications WHERE id = $1`
	if !opts.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if opts.ForUpdate {
		query += ` FOR UPDATE`
	}

	row := s.q(ctx).QueryRowContext(ctx, query, id)
	app, err := scanApplication(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, servererr.NotFound("application", id)
		}
		return nil, nil, fmt.Errorf("find application: %w", err)
	}

	pii, err := s.decryptIfRequested(app, opts)
	if err != nil {
		return nil, nil, err
	}
	return app, pii, nil
}

// FindByIdempotencyKey looks up an application by its globally-unique
// idempotency key (§7: replay returns the existing record).
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string, forUpdate bool) (*application.Application, error) {
	query := `
		SELECT id, country, full_name_ciphertext, document_ciphertext, document_fingerprint,
		       requested_amount, monthly_income, currency, idempotency_key, status,
		       country_specific_data, banking_data, validation_errors, risk_score,
		       created_at, updated_at, deleted_at
		FROM applications WHERE idempotency_key = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	row := s.q(ctx).QueryRowContext(ctx, query, key)
	app, err := scanApplication(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find by idempotency key: %w", err)
	}
	return app, nil
}

// FindActiveByDocument looks up the active (non-terminal, non-deleted)
// application for a (country, document fingerprint) pair, backing the
// uniqueness invariant from §3.
func (s *Store) FindActiveByDocument(ctx context.Context, country application.Country, fingerprint []byte, forUpdate bool) (*application.Application, error) {
	query := `
		SELECT id, country, full_name_ciphertext, document_ciphertext, document_fingerprint,
		       requested_amount, monthly_income, currency, idempotency_key, status,
		       country_specific_data, banking_data, validation_errors, risk_score,
		       created_at, updated_at, deleted_at
		FROM applications
		WHERE country = $1 AND document_fingerprint = $2
		  AND deleted_at IS NULL
		  AND status NOT IN ('CANCELLED', 'REJECTED', 'COMPLETED')`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	row := s.q(ctx).QueryRowContext(ctx, query, string(country), fingerprint)
	app, err := scanApplication(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find active by document: %w", err)
	}
	return app, nil
}

// UpdateApplication persists every mutable field of app. T1 fires inside
// the database on any status change.
func (s *Store) UpdateApplication(ctx context.Context, app *application.Application) error {
	app.UpdatedAt = time.Now().UTC()

	countrySpecific, err := marshalMap(app.CountrySpecificData)
	if err != nil {
		return fmt.Errorf("marshal country_specific_data: %w", err)
	}
	banking, err := marshalMap(app.BankingData)
	if err != nil {
		return fmt.Errorf("marshal banking_data: %w", err)
	}
	validationErrors, err := json.Marshal(app.ValidationErrors)
	if err != nil {
		return fmt.Errorf("marshal validation_errors: %w", err)
	}

	result, err := s.q(ctx).ExecContext(ctx, `
		UPDATE applications SET
			status = $2, country_specific_data = $3, banking_data = $4,
			validation_errors = $5, risk_score = $6, updated_at = $7
		WHERE id = $1 AND deleted_at IS NULL
	`, app.ID, string(app.Status), countrySpecific, banking, validationErrors, app.RiskScore, app.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update application: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return servererr.NotFound("application", app.ID)
	}
	return nil
}

// SoftDelete sets deleted_at on the application.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	now := time.Now().UTC()
	result, err := s.q(ctx).ExecContext(ctx, `
		UPDATE applications SET deleted_at = $2, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL
	`, id, now)
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return servererr.NotFound("application", id)
	}
	return nil
}

// ListFilter narrows ListApplications.
type ListFilter struct {
	Country application.Country
	Status  application.Status
}

// ListApplications returns a created_at-descending page of applications.
func (s *Store) ListApplications(ctx context.Context, filter ListFilter, page, pageSize int) ([]*application.Application, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize
	query, args := listApplicationsQuery(filter, pageSize, offset)

	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()

	var out []*application.Application
	for rows.Next() {
		app, err := scanApplicationRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		out = append(out, app)
	}
	return out, rows.Err()
}

func listApplicationsQuery(filter ListFilter, pageSize, offset int) (string, []interface{}) {
	query := `
		SELECT id, country, full_name_ciphertext, document_ciphertext, document_fingerprint,
		       requested_amount, monthly_income, currency, idempotency_key, status,
		       country_specific_data, banking_data, validation_errors, risk_score,
		       created_at, updated_at, deleted_at
		FROM applications WHERE deleted_at IS NULL`
	var args []interface{}
	n := 0
	if filter.Country != "" {
		n++
		query += fmt.Sprintf(" AND country = $%d", n)
		args = append(args, string(filter.Country))
	}
	if filter.Status != "" {
		n++
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, string(filter.Status))
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", n+1, n+2)
	args = append(args, pageSize, offset)
	return query, args
}

// GetAuditLogs returns a created_at-descending page of audit rows (§3).
func (s *Store) GetAuditLogs(ctx context.Context, applicationID string, page, pageSize int) ([]*application.AuditLog, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, application_id, old_status, new_status, changed_by, change_reason, metadata, created_at
		FROM audit_logs WHERE application_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, applicationID, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("get audit logs: %w", err)
	}
	defer rows.Close()

	var out []*application.AuditLog
	for rows.Next() {
		var (
			log          application.AuditLog
			oldStatus    sql.NullString
			changeReason sql.NullString
			metadataRaw  []byte
		)
		if err := rows.Scan(&log.ID, &log.ApplicationID, &oldStatus, &log.NewStatus, &log.ChangedBy, &changeReason, &metadataRaw, &log.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		log.OldStatus = application.Status(oldStatus.String)
		log.ChangeReason = changeReason.String
		log.Metadata = unmarshalMapOrEmpty(metadataRaw)
		out = append(out, &log)
	}
	return out, rows.Err()
}

// GetPendingJobs returns every outbox row for an application.
func (s *Store) GetPendingJobs(ctx context.Context, applicationID string) ([]*application.PendingJob, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, application_id, task_name, job_args, job_kwargs, status, queue_job_id,
		       created_at, enqueued_at, processed_at, error_message, retry_count
		FROM pending_jobs WHERE application_id = $1 ORDER BY created_at
	`, applicationID)
	if err != nil {
		return nil, fmt.Errorf("get pending jobs: %w", err)
	}
	defer rows.Close()

	var out []*application.PendingJob
	for rows.Next() {
		job, err := scanPendingJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// CountryStatistics summarizes non-deleted applications for one country
// (§4.1 get_statistics_by_country).
type CountryStatistics struct {
	Country          application.Country
	TotalCount       int64
	ApprovedCount    int64
	RejectedCount    int64
	TotalRequested   float64
	AverageRiskScore float64
}

// ---- Outbox (pending_jobs) -------------------------------------------

// SelectPendingOutboxRows returns up to limit PENDING rows oldest-first
// with FOR UPDATE SKIP LOCKED. The row locks last only as long as the
// caller's transaction; outbox.Consumer calls it outside one, so they end
// with the statement, and two consumers can select the same row. The bus's
// job-id marker then keeps the second from pushing it onto the queue again.
func (s *Store) SelectPendingOutboxRows(ctx context.Context, limit int) ([]*application.PendingJob, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, application_id, task_name, job_args, job_kwargs, status, queue_job_id,
		       created_at, enqueued_at, processed_at, error_message, retry_count
		FROM pending_jobs WHERE status = 'PENDING'
		ORDER BY created_at ASC LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending outbox rows: %w", err)
	}
	defer rows.Close()

	var out []*application.PendingJob
	for rows.Next() {
		job, err := scanPendingJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// MarkPendingJobEnqueued transitions a PendingJob row PENDING -> ENQUEUED,
// stamping the queue job id. The WHERE clause restricts the update to rows
// still in PENDING, per §4.8's "never enqueues a row whose status ≠ PENDING".
func (s *Store) MarkPendingJobEnqueued(ctx context.Context, id, queueJobID string) error {
	result, err := s.q(ctx).ExecContext(ctx, `
		UPDATE pending_jobs SET status = 'ENQUEUED', queue_job_id = $2, enqueued_at = now()
		WHERE id = $1 AND status = 'PENDING'
	`, id, queueJobID)
	if err != nil {
		return fmt.Errorf("mark pending job enqueued: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return servererr.NotFound("pending_job", id)
	}
	return nil
}

// MarkPendingJobEnqueueFailed records an outbox enqueue failure: the row
// moves to FAILED with the error message, so SelectPendingOutboxRows no
// longer selects it (§4.8).
func (s *Store) MarkPendingJobEnqueueFailed(ctx context.Context, id, errMessage string) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE pending_jobs SET status = 'FAILED', error_message = $2 WHERE id = $1
	`, id, errMessage)
	if err != nil {
		return fmt.Errorf("mark pending job enqueue failed: %w", err)
	}
	return nil
}

// FindLatestPendingJobForApplication returns the most recent outbox row for
// an application, used by the worker to report success/failure against the
// row that triggered this run (§4.6 success/failure hooks).
func (s *Store) FindLatestPendingJobForApplication(ctx context.Context, applicationID string) (*application.PendingJob, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, application_id, task_name, job_args, job_kwargs, status, queue_job_id,
		       created_at, enqueued_at, processed_at, error_message, retry_count
		FROM pending_jobs WHERE application_id = $1
		ORDER BY created_at DESC LIMIT 1
	`, applicationID)
	if err != nil {
		return nil, fmt.Errorf("find latest pending job: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanPendingJob(rows)
}

// MarkPendingJobProcessing flips a row to PROCESSING just before the
// worker's pipeline starts the evaluation transaction.
func (s *Store) MarkPendingJobProcessing(ctx context.Context, id string) error {
	_, err := s.q(ctx).ExecContext(ctx, `UPDATE pending_jobs SET status = 'PROCESSING' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark pending job processing: %w", err)
	}
	return nil
}

// MarkPendingJobCompleted is the success hook from §4.6.
func (s *Store) MarkPendingJobCompleted(ctx context.Context, id string) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE pending_jobs SET status = 'COMPLETED', processed_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark pending job completed: %w", err)
	}
	return nil
}

// MarkPendingJobFailed is half of the failure hook from §4.6: it records
// the terminal PendingJob state; the caller separately inserts a FailedJob
// row with the full error context.
func (s *Store) MarkPendingJobFailed(ctx context.Context, id, errMessage string) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE pending_jobs SET status = 'FAILED', processed_at = now(), error_message = $2, retry_count = retry_count + 1
		WHERE id = $1
	`, id, errMessage)
	if err != nil {
		return fmt.Errorf("mark pending job failed: %w", err)
	}
	return nil
}

// ---- Dead-letter queue (failed_jobs) -----------------------------------

// InsertFailedJob persists the DLQ row the failure hook writes (§4.6).
func (s *Store) InsertFailedJob(ctx context.Context, job *application.FailedJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	if job.Status == "" {
		job.Status = application.FailedJobStatusPending
	}

	jobArgs, err := marshalMap(job.JobArgs)
	if err != nil {
		return fmt.Errorf("marshal job_args: %w", err)
	}
	jobKwargs, err := marshalMap(job.JobKwargs)
	if err != nil {
		return fmt.Errorf("marshal job_kwargs: %w", err)
	}
	metadata, err := marshalMap(job.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO failed_jobs (
			id, pending_job_id, queue_job_id, task_name, job_args, job_kwargs,
			error_type, error_message, error_traceback, retry_count, max_retries,
			status, is_retryable, metadata, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`,
		job.ID, job.PendingJobID, job.QueueJobID, job.TaskName, jobArgs, jobKwargs,
		job.ErrorType, job.ErrorMessage, job.ErrorTraceback, job.RetryCount, job.MaxRetries,
		string(job.Status), job.IsRetryable, metadata, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert failed job: %w", err)
	}
	return nil
}

// SelectRetryableFailedJobs returns up to limit DLQ rows eligible for C11's
// periodic re-enqueue: is_retryable AND status=pending, oldest first (§4.9).
func (s *Store) SelectRetryableFailedJobs(ctx context.Context, limit int) ([]*application.FailedJob, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, pending_job_id, queue_job_id, task_name, job_args, job_kwargs,
		       error_type, error_message, error_traceback, retry_count, max_retries,
		       status, is_retryable, reprocessed_job_id, reprocessed_at, metadata,
		       created_at, updated_at
		FROM failed_jobs WHERE is_retryable = true AND status = 'pending'
		ORDER BY created_at ASC LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select retryable failed jobs: %w", err)
	}
	defer rows.Close()

	var out []*application.FailedJob
	for rows.Next() {
		job, err := scanFailedJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// MarkFailedJobRetried records C11's re-enqueue against the original DLQ
// row (§4.9).
func (s *Store) MarkFailedJobRetried(ctx context.Context, id, reprocessedJobID string) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE failed_jobs SET status = 'retried', reprocessed_job_id = $2, reprocessed_at = now(), updated_at = now()
		WHERE id = $1
	`, id, reprocessedJobID)
	if err != nil {
		return fmt.Errorf("mark failed job retried: %w", err)
	}
	return nil
}

// MarkFailedJobIgnored permanently stops C11 from re-selecting a DLQ row
// that has exhausted its max_retries budget, so a still-failing provider
// doesn't requeue the same row on every scheduler tick forever.
func (s *Store) MarkFailedJobIgnored(ctx context.Context, id, reason string) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE failed_jobs SET status = 'ignored', error_message = $2, updated_at = now()
		WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("mark failed job ignored: %w", err)
	}
	return nil
}

// ---- Webhook events -----------------------------------------------------

// FindWebhookEventByIdempotencyKey looks up a WebhookEvent by its durable
// idempotency key (`provider_reference`, §4.10).
func (s *Store) FindWebhookEventByIdempotencyKey(ctx context.Context, key string, forUpdate bool) (*application.WebhookEvent, error) {
	query := `
		SELECT id, idempotency_key, application_id, payload, status, error_message, processed_at, created_at
		FROM webhook_events WHERE idempotency_key = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	row := s.q(ctx).QueryRowContext(ctx, query, key)
	ev, err := scanWebhookEvent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find webhook event: %w", err)
	}
	return ev, nil
}

// InsertWebhookEvent creates a new WebhookEvent row, committing durably so
// idempotency holds even if a later step in the webhook algorithm faults
// (§4.10 step 2).
func (s *Store) InsertWebhookEvent(ctx context.Context, ev *application.WebhookEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.CreatedAt = time.Now().UTC()
	if ev.Status == "" {
		ev.Status = application.WebhookEventStatusProcessing
	}
	payload, err := marshalMap(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO webhook_events (id, idempotency_key, application_id, payload, status, error_message, processed_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, ev.ID, ev.IdempotencyKey, ev.ApplicationID, payload, string(ev.Status), ev.ErrorMessage, ev.ProcessedAt, ev.CreatedAt)
	if err != nil {
		return classifyWebhookInsertError(err)
	}
	return nil
}

// UpdateWebhookEvent persists status/error_message/processed_at/payload.
func (s *Store) UpdateWebhookEvent(ctx context.Context, ev *application.WebhookEvent) error {
	payload, err := marshalMap(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		UPDATE webhook_events SET payload = $2, status = $3, error_message = $4, processed_at = $5
		WHERE id = $1
	`, ev.ID, payload, string(ev.Status), ev.ErrorMessage, ev.ProcessedAt)
	if err != nil {
		return fmt.Errorf("update webhook event: %w", err)
	}
	return nil
}

// DeleteWebhookEventsOlderThan purges rows past the 30-day retention window
// (§3, P10). Returns the number of rows removed.
func (s *Store) DeleteWebhookEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.q(ctx).ExecContext(ctx, `DELETE FROM webhook_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired webhook events: %w", err)
	}
	return result.RowsAffected()
}

// GetStatisticsByCountry computes counts and sums over non-deleted rows.
func (s *Store) GetStatisticsByCountry(ctx context.Context, country application.Country) (*CountryStatistics, error) {
	stats := &CountryStatistics{Country: country}
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'APPROVED'),
			COUNT(*) FILTER (WHERE status = 'REJECTED'),
			COALESCE(SUM(requested_amount), 0),
			COALESCE(AVG(risk_score), 0)
		FROM applications WHERE country = $1 AND deleted_at IS NULL
	`, string(country)).Scan(
		&stats.TotalCount, &stats.ApprovedCount, &stats.RejectedCount,
		&stats.TotalRequested, &stats.AverageRiskScore,
	)
	if err != nil {
		return nil, fmt.Errorf("get statistics by country: %w", err)
	}
	return stats, nil
}
