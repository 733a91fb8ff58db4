// Package appservice implements C8, the Command/Query Services that own
// Application lifecycle mutation: Create, status-only Update, SoftDelete,
// List, and the audit/pending-job read pass-throughs.
package appservice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/r3e-network/creditflow/internal/bus"
	"github.com/r3e-network/creditflow/internal/cipher"
	"github.com/r3e-network/creditflow/internal/country"
	"github.com/r3e-network/creditflow/internal/domain/application"
	"github.com/r3e-network/creditflow/internal/logger"
	"github.com/r3e-network/creditflow/internal/servererr"
	"github.com/r3e-network/creditflow/internal/statemachine"
	"github.com/r3e-network/creditflow/internal/storage/postgres"
)

// jobMarkerTTL bounds how long the queue's dedup marker survives if a job
// is never actually processed to completion; generous relative to the
// worker's max_tries backoff window.
const jobMarkerTTL = 24 * time.Hour

// expectedCurrency maps each supported country to the currency its
// requested_amount/monthly_income must be denominated in (§3, §7
// "currency mismatch").
var expectedCurrency = map[application.Country]string{
	application.CountryES: "EUR",
	application.CountryPT: "EUR",
	application.CountryIT: "EUR",
	application.CountryMX: "MXN",
	application.CountryCO: "COP",
	application.CountryBR: "BRL",
}

// Store is the subset of *postgres.Store the service depends on.
type Store interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	InsertApplication(ctx context.Context, app *application.Application) error
	FindApplication(ctx context.Context, id string, opts postgres.FindOptions) (*application.Application, *application.DecryptedPII, error)
	FindByIdempotencyKey(ctx context.Context, key string, forUpdate bool) (*application.Application, error)
	FindActiveByDocument(ctx context.Context, country application.Country, fingerprint []byte, forUpdate bool) (*application.Application, error)
	UpdateApplication(ctx context.Context, app *application.Application) error
	SoftDelete(ctx context.Context, id string) error
	ListApplications(ctx context.Context, filter postgres.ListFilter, page, pageSize int) ([]*application.Application, error)
	GetAuditLogs(ctx context.Context, applicationID string, page, pageSize int) ([]*application.AuditLog, error)
	GetPendingJobs(ctx context.Context, applicationID string) ([]*application.PendingJob, error)
	GetStatisticsByCountry(ctx context.Context, country application.Country) (*postgres.CountryStatistics, error)
}

// Service implements C8.
type Service struct {
	store    Store
	cipher   *cipher.Cipher
	registry *country.Registry
	bus      *bus.Bus
	log      *logger.Logger
}

// New constructs a Service. bus may be nil, in which case the real-time
// enqueue path is skipped and the outbox consumer becomes the sole enqueue
// path for every application.
func New(store Store, c *cipher.Cipher, registry *country.Registry, b *bus.Bus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewFromEnv("appservice")
	}
	return &Service{store: store, cipher: c, registry: registry, bus: b, log: log}
}

// CreateRequest is the inbound ApplicationCreate payload (§6).
type CreateRequest struct {
	Country             application.Country
	FullName            string
	IdentityDocument    string
	RequestedAmount     decimal.Decimal
	MonthlyIncome       decimal.Decimal
	Currency            string
	IdempotencyKey      *string
	CountrySpecificData map[string]interface{}
}

// Create validates, deduplicates, persists and best-effort enqueues a new
// Application (§4.1, §7 P3/P4).
func (s *Service) Create(ctx context.Context, req CreateRequest) (*application.Application, error) {
	strategy, ok := s.registry.Resolve(req.Country)
	if !ok {
		return nil, servererr.Validation(fmt.Sprintf("unsupported country %q", req.Country))
	}

	if errs := s.validateRequest(req, strategy); len(errs) > 0 {
		return nil, servererr.ValidationErrors(errs)
	}

	if req.IdempotencyKey != nil {
		existing, err := s.store.FindByIdempotencyKey(ctx, *req.IdempotencyKey, false)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	fullNameCiphertext, err := s.cipher.Encrypt([]byte(req.FullName))
	if err != nil {
		return nil, servererr.Internal("encrypt full_name", err)
	}
	documentCiphertext, err := s.cipher.Encrypt([]byte(req.IdentityDocument))
	if err != nil {
		return nil, servererr.Internal("encrypt identity_document", err)
	}
	fingerprint := s.cipher.Fingerprint(string(req.Country), []byte(req.IdentityDocument))

	countrySpecific := req.CountrySpecificData
	if countrySpecific == nil {
		countrySpecific = map[string]interface{}{}
	}

	app := &application.Application{
		Country:             req.Country,
		FullNameCiphertext:  fullNameCiphertext,
		DocumentCiphertext:  documentCiphertext,
		DocumentFingerprint: fingerprint,
		RequestedAmount:     req.RequestedAmount,
		MonthlyIncome:       req.MonthlyIncome,
		Currency:            strings.ToUpper(req.Currency),
		IdempotencyKey:      req.IdempotencyKey,
		Status:              application.StatusPending,
		CountrySpecificData: countrySpecific,
		BankingData:         map[string]interface{}{},
		ValidationErrors:    []string{},
	}

	err = s.store.RunInTransaction(ctx, func(ctx context.Context) error {
		existing, err := s.store.FindActiveByDocument(ctx, req.Country, fingerprint, true)
		if err != nil {
			return err
		}
		if existing != nil {
			return servererr.DuplicateDocument(string(req.Country))
		}
		return s.store.InsertApplication(ctx, app)
	})
	if err != nil {
		return nil, err
	}

	s.log.WithField("application_id", app.ID).WithField("country", string(app.Country)).
		Info("application created")

	s.tryRealtimeEnqueue(ctx, app.ID)
	return app, nil
}

// tryRealtimeEnqueue is the real-time half of the outbox pattern (§4.8):
// best effort only. It never fails Create — if it fails, or if the process
// crashes before reaching it, the outbox consumer catches up within ~60s
// because the T2 trigger already wrote the PendingJob row inside the same
// transaction that inserted the Application.
func (s *Service) tryRealtimeEnqueue(ctx context.Context, applicationID string) {
	if s.bus == nil {
		return
	}
	jobID := application.JobID(applicationID)
	enqueued, err := s.bus.Enqueue(ctx, application.EvaluationQueueName, jobID, jobMarkerTTL)
	if err != nil {
		s.log.WithError(err).WithField("application_id", applicationID).
			Warn("real-time enqueue failed, outbox consumer will catch up")
		return
	}
	if !enqueued {
		s.log.WithField("application_id", applicationID).Debug("real-time enqueue skipped, already queued")
	}
}

func (s *Service) validateRequest(req CreateRequest, strategy country.Strategy) []string {
	var errs []string

	if strings.TrimSpace(req.FullName) == "" {
		errs = append(errs, "full_name is required")
	}
	if strings.TrimSpace(req.IdentityDocument) == "" {
		errs = append(errs, "identity_document is required")
	}
	if req.RequestedAmount.LessThanOrEqual(decimal.Zero) {
		errs = append(errs, "requested_amount must be positive")
	}
	if req.MonthlyIncome.LessThan(decimal.Zero) {
		errs = append(errs, "monthly_income must not be negative")
	}
	if want, ok := expectedCurrency[req.Country]; ok && !strings.EqualFold(req.Currency, want) {
		errs = append(errs, fmt.Sprintf("currency must be %s for country %s", want, req.Country))
	}
	if len(errs) > 0 {
		return errs
	}

	result := strategy.ValidateIdentityDocument(req.IdentityDocument)
	if !result.IsValid {
		errs = append(errs, result.Errors...)
	}
	return errs
}

// Get loads one Application, optionally decrypting PII for admin views.
func (s *Service) Get(ctx context.Context, id string, decrypt bool) (*application.Application, *application.DecryptedPII, error) {
	return s.store.FindApplication(ctx, id, postgres.FindOptions{Decrypt: decrypt})
}

// UpdateStatusRequest is the admin PATCH payload's mutable subset (§6).
type UpdateStatusRequest struct {
	Status application.Status
}

// UpdateStatus transitions an Application's status, enforcing §4.7 via
// internal/statemachine. Audit rows are written by the database trigger
// T1, not here.
func (s *Service) UpdateStatus(ctx context.Context, id string, req UpdateStatusRequest) (*application.Application, error) {
	var out *application.Application
	err := s.store.RunInTransaction(ctx, func(ctx context.Context) error {
		app, _, err := s.store.FindApplication(ctx, id, postgres.FindOptions{ForUpdate: true})
		if err != nil {
			return err
		}

		next, err := statemachine.Transition(app.Status, req.Status)
		if err != nil {
			return err
		}
		app.Status = next

		if err := s.store.UpdateApplication(ctx, app); err != nil {
			return err
		}
		out = app
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SoftDelete marks an Application deleted (admin only).
func (s *Service) SoftDelete(ctx context.Context, id string) error {
	return s.store.SoftDelete(ctx, id)
}

// ListRequest narrows List.
type ListRequest struct {
	Country  application.Country
	Status   application.Status
	Page     int
	PageSize int
}

// List returns a page of non-deleted applications.
func (s *Service) List(ctx context.Context, req ListRequest) ([]*application.Application, error) {
	filter := postgres.ListFilter{Country: req.Country, Status: req.Status}
	return s.store.ListApplications(ctx, filter, req.Page, req.PageSize)
}

// AuditLogs returns a page of audit rows for an Application (read-only
// pass-through per C8's "audit reads" responsibility).
func (s *Service) AuditLogs(ctx context.Context, applicationID string, page, pageSize int) ([]*application.AuditLog, error) {
	return s.store.GetAuditLogs(ctx, applicationID, page, pageSize)
}

// PendingJobs returns every outbox row for an Application.
func (s *Service) PendingJobs(ctx context.Context, applicationID string) ([]*application.PendingJob, error) {
	return s.store.GetPendingJobs(ctx, applicationID)
}

// StatisticsByCountry returns aggregate counters for one country.
func (s *Service) StatisticsByCountry(ctx context.Context, c application.Country) (*postgres.CountryStatistics, error) {
	return s.store.GetStatisticsByCountry(ctx, c)
}
