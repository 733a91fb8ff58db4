// Package worker implements C10: the evaluation pipeline that dequeues
// jobs, runs validation + provider fetch + risk rules under a distributed
// lock, and records success/failure against the outbox and DLQ.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/r3e-network/creditflow/internal/bus"
	"github.com/r3e-network/creditflow/internal/country"
	"github.com/r3e-network/creditflow/internal/domain/application"
	"github.com/r3e-network/creditflow/internal/logger"
	"github.com/r3e-network/creditflow/internal/provider"
	"github.com/r3e-network/creditflow/internal/resilience"
	"github.com/r3e-network/creditflow/internal/servererr"
	"github.com/r3e-network/creditflow/internal/statemachine"
	"github.com/r3e-network/creditflow/internal/storage/postgres"
)

// lockTTL is the per-application mutual-exclusion window (§4.6: "a 300s
// safety timeout").
const lockTTL = 300 * time.Second

// Store is the subset of *postgres.Store the worker depends on.
type Store interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	FindApplication(ctx context.Context, id string, opts postgres.FindOptions) (*application.Application, *application.DecryptedPII, error)
	UpdateApplication(ctx context.Context, app *application.Application) error
	FindLatestPendingJobForApplication(ctx context.Context, applicationID string) (*application.PendingJob, error)
	MarkPendingJobProcessing(ctx context.Context, id string) error
	MarkPendingJobCompleted(ctx context.Context, id string) error
	MarkPendingJobFailed(ctx context.Context, id, errMessage string) error
	InsertFailedJob(ctx context.Context, job *application.FailedJob) error
}

// Config tunes pool concurrency and per-call timeouts (§5, §6).
type Config struct {
	MaxJobs         int
	DequeueTimeout  time.Duration
	ProviderTimeout time.Duration
	MaxTries        int
}

// DefaultConfig matches the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxJobs:         10,
		DequeueTimeout:  5 * time.Second,
		ProviderTimeout: 30 * time.Second,
		MaxTries:        3,
	}
}

// Pool runs up to Config.MaxJobs concurrent evaluation pipelines, each
// suspended on BRPOP (§5: "cooperative single-event-loop per process with
// parallel workers across processes" — within one process, goroutines play
// the role of concurrently in-flight jobs).
type Pool struct {
	store    Store
	bus      *bus.Bus
	registry *country.Registry
	breakers *resilience.Registry
	log      *logger.Logger
	cfg      Config
}

// New constructs a Pool. Decryption happens inside the Store (via
// FindOptions.Decrypt) rather than here, so the worker never holds a
// cipher directly.
func New(store Store, b *bus.Bus, registry *country.Registry, breakers *resilience.Registry, log *logger.Logger, cfg Config) *Pool {
	if log == nil {
		log = logger.NewFromEnv("worker")
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = DefaultConfig().MaxJobs
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = DefaultConfig().DequeueTimeout
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = DefaultConfig().ProviderTimeout
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = DefaultConfig().MaxTries
	}
	return &Pool{store: store, bus: b, registry: registry, breakers: breakers, log: log, cfg: cfg}
}

// Run blocks, dispatching up to cfg.MaxJobs concurrent dequeue loops until
// ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.MaxJobs; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.loop(ctx, slot)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, slot int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobID, err := p.bus.Dequeue(ctx, application.EvaluationQueueName, p.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.WithError(err).WithField("slot", slot).Error("dequeue failed")
			continue
		}
		if jobID == "" {
			continue // timed out waiting; loop again
		}

		applicationID := applicationIDFromJobID(jobID)
		if err := p.ProcessOnce(ctx, applicationID); err != nil {
			p.log.WithError(err).WithField("application_id", applicationID).Warn("job processing ended in error")
		}
	}
}

// applicationIDFromJobID strips the "rt_" / "{id}_retry_{epoch}" job-id
// convention down to the bare application id (§4.6, §4.9).
func applicationIDFromJobID(jobID string) string {
	id := strings.TrimPrefix(jobID, "rt_")
	if idx := strings.Index(id, "_retry_"); idx >= 0 {
		id = id[:idx]
	}
	return id
}

// ProcessOnce acquires the per-application lock and runs the full pipeline
// exactly once. Exported so tests can drive a single evaluation without
// going through the queue.
func (p *Pool) ProcessOnce(ctx context.Context, applicationID string) error {
	lock, err := p.bus.AcquireLock(ctx, lockKey(applicationID), lockTTL)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if lock == nil {
		p.log.WithField("application_id", applicationID).Debug("lock held by another worker, skipping")
		return nil
	}
	defer func() {
		if releaseErr := lock.Release(ctx); releaseErr != nil {
			p.log.WithError(releaseErr).WithField("application_id", applicationID).Warn("lock release failed")
		}
	}()

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = p.cfg.MaxTries
	err = resilience.Retry(ctx, retryCfg, func() error {
		return p.evaluate(ctx, applicationID)
	})

	pendingJob, findErr := p.store.FindLatestPendingJobForApplication(ctx, applicationID)
	if findErr != nil || pendingJob == nil {
		return err
	}

	if err == nil {
		if hookErr := p.store.MarkPendingJobCompleted(ctx, pendingJob.ID); hookErr != nil {
			p.log.WithError(hookErr).WithField("application_id", applicationID).Error("success hook failed")
		}
		return nil
	}

	p.recordFailure(ctx, pendingJob, applicationID, err)
	return err
}

func lockKey(applicationID string) string {
	return fmt.Sprintf("process:%s", applicationID)
}

// recordFailure is the failure hook from §4.6: mark PendingJob FAILED and
// insert a FailedJob row with the error classification needed by C11.
func (p *Pool) recordFailure(ctx context.Context, pendingJob *application.PendingJob, applicationID string, evalErr error) {
	if hookErr := p.store.MarkPendingJobFailed(ctx, pendingJob.ID, evalErr.Error()); hookErr != nil {
		p.log.WithError(hookErr).WithField("application_id", applicationID).Error("mark pending job failed")
	}

	errorType, isRetryable := classify(evalErr)
	queueJobID := pendingJob.QueueJobID
	id := application.JobID(applicationID)
	if queueJobID != nil {
		id = *queueJobID
	}

	failedJob := &application.FailedJob{
		PendingJobID: &pendingJob.ID,
		QueueJobID:   id,
		TaskName:     application.EvaluationTaskName,
		JobArgs:      map[string]interface{}{"application_id": applicationID},
		JobKwargs:    map[string]interface{}{},
		ErrorType:    errorType,
		ErrorMessage: evalErr.Error(),
		RetryCount:   pendingJob.RetryCount,
		MaxRetries:   p.cfg.MaxTries,
		IsRetryable:  isRetryable,
		Metadata:     map[string]interface{}{},
	}
	if insertErr := p.store.InsertFailedJob(ctx, failedJob); insertErr != nil {
		p.log.WithError(insertErr).WithField("application_id", applicationID).Error("insert failed job")
	}
}

// classify implements §4.6's error classification table, returning the
// error_type label FailedJob stores and whether C11 may retry it.
func classify(err error) (errorType string, isRetryable bool) {
	appErr, ok := servererr.As(err)
	if !ok {
		return "UnknownError", false
	}
	switch appErr.Code {
	case servererr.CodeValidation, servererr.CodeNotFound, servererr.CodeStateTransition:
		return appErrTypeName(appErr), false
	case servererr.CodeProviderUnavailable:
		return "ProviderUnavailableError", true
	case servererr.CodeRecoverable:
		if name, ok := appErr.Detail["error_type"].(string); ok {
			return name, true
		}
		return "RecoverableError", true
	default:
		return "UnknownError", false
	}
}

func appErrTypeName(appErr *servererr.AppError) string {
	switch appErr.Code {
	case servererr.CodeValidation:
		return "ValidationError"
	case servererr.CodeNotFound:
		return "ApplicationNotFoundError"
	case servererr.CodeStateTransition:
		return "StateTransitionError"
	default:
		return "UnknownError"
	}
}

// evaluate runs the pipeline body from §4.6, steps 1-4.
func (p *Pool) evaluate(ctx context.Context, applicationID string) error {
	app, _, err := p.store.FindApplication(ctx, applicationID, postgres.FindOptions{})
	if err != nil {
		return err
	}
	if app.Status.Final() {
		return nil // already processed, idempotent exit
	}

	pendingJob, err := p.store.FindLatestPendingJobForApplication(ctx, applicationID)
	if err == nil && pendingJob != nil {
		_ = p.store.MarkPendingJobProcessing(ctx, pendingJob.ID)
	}

	if app.Status == application.StatusPending {
		if err := p.transition(ctx, applicationID, application.StatusValidating); err != nil {
			return err
		}
		p.publishUpdate(ctx, applicationID, application.StatusValidating, nil)
	} else if app.Status != application.StatusValidating {
		return servererr.StateTransition(string(app.Status), string(application.StatusValidating))
	}

	return p.store.RunInTransaction(ctx, func(ctx context.Context) error {
		app, pii, err := p.store.FindApplication(ctx, applicationID, postgres.FindOptions{ForUpdate: true, Decrypt: true})
		if err != nil {
			return err
		}

		strategy, ok := p.registry.Resolve(app.Country)
		if !ok {
			return servererr.Validation(fmt.Sprintf("unsupported country %q", app.Country))
		}

		prov := p.registry.Provider(app.Country)
		breaker := p.breakers.Get(app.Country, prov.Name())

		var banking provider.BankingData
		err = breaker.Execute(ctx, p.cfg.ProviderTimeout, func(callCtx context.Context) error {
			var fetchErr error
			banking, fetchErr = prov.FetchBankingData(callCtx, pii.Document, pii.FullName)
			return classifyProviderErr(prov.Name(), fetchErr)
		})
		if err != nil {
			return err
		}

		assessment := strategy.ApplyBusinessRules(app.RequestedAmount, app.MonthlyIncome, banking, app.CountrySpecificData)

		app.BankingData = bankingDataToMap(banking)
		app.RiskScore = &assessment.RiskScore
		if app.CountrySpecificData == nil {
			app.CountrySpecificData = map[string]interface{}{}
		}
		app.CountrySpecificData["risk_level"] = string(assessment.RiskLevel)
		app.ValidationErrors = assessment.Reasons

		next := mapRecommendation(assessment.ApprovalRecommendation)
		transitioned, err := statemachine.Transition(app.Status, next)
		if err != nil {
			return err
		}
		app.Status = transitioned

		if err := p.store.UpdateApplication(ctx, app); err != nil {
			return err
		}

		p.publishUpdate(ctx, applicationID, app.Status, app.RiskScore)
		return nil
	})
}

// classifyProviderErr normalizes a raw provider error into the typed
// errors §4.6 names, wrapping context deadline exceeded as a timeout.
func classifyProviderErr(providerName string, err error) error {
	if err == nil {
		return nil
	}
	switch e := err.(type) {
	case *provider.NetworkTimeoutError:
		return servererr.NetworkTimeout(providerName, e)
	case *provider.ExternalServiceError:
		return servererr.ExternalService(providerName, e)
	case *provider.ConnectionError:
		return servererr.ExternalService(providerName, e)
	default:
		return servererr.ExternalService(providerName, err)
	}
}

// mapRecommendation implements §4.6e's status mapping.
func mapRecommendation(rec country.Recommendation) application.Status {
	switch rec {
	case country.RecommendApprove:
		return application.StatusApproved
	case country.RecommendReject:
		return application.StatusRejected
	case country.RecommendReview:
		return application.StatusUnderReview
	default:
		return application.StatusUnderReview
	}
}

func bankingDataToMap(b provider.BankingData) map[string]interface{} {
	out := map[string]interface{}{
		"provider_name":  b.ProviderName,
		"account_status": b.AccountStatus,
		"has_defaults":   b.HasDefaults,
	}
	if b.CreditScore != nil {
		out["credit_score"] = *b.CreditScore
	}
	if b.TotalDebt != nil {
		out["total_debt"] = b.TotalDebt.StringFixed(2)
	}
	if b.MonthlyObligations != nil {
		out["monthly_obligations"] = b.MonthlyObligations.StringFixed(2)
	}
	for k, v := range b.AdditionalData {
		out[k] = v
	}
	return out
}

// transition applies a single state-machine move outside the business-rule
// transaction (used for the PENDING -> VALIDATING entry move, §4.6 step 2).
func (p *Pool) transition(ctx context.Context, applicationID string, to application.Status) error {
	return p.store.RunInTransaction(ctx, func(ctx context.Context) error {
		app, _, err := p.store.FindApplication(ctx, applicationID, postgres.FindOptions{ForUpdate: true})
		if err != nil {
			return err
		}
		next, err := statemachine.Transition(app.Status, to)
		if err != nil {
			return err
		}
		app.Status = next
		return p.store.UpdateApplication(ctx, app)
	})
}

// updateMessage is the wire shape of the websocket:broadcast channel (§6).
type updateMessage struct {
	Type      string     `json:"type"`
	Data      updateData `json:"data"`
	Broadcast bool       `json:"broadcast"`
}

type updateData struct {
	ID        string  `json:"id"`
	Status    string  `json:"status"`
	RiskScore *string `json:"risk_score"`
	UpdatedAt string  `json:"updated_at"`
}

func (p *Pool) publishUpdate(ctx context.Context, applicationID string, status application.Status, riskScore *decimal.Decimal) {
	if p.bus == nil {
		return
	}
	var riskStr *string
	if riskScore != nil {
		s := riskScore.StringFixed(2)
		riskStr = &s
	}
	msg := updateMessage{
		Type: "application_update",
		Data: updateData{
			ID:        applicationID,
			Status:    string(status),
			RiskScore: riskStr,
			UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		},
		Broadcast: false,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		p.log.WithError(err).Error("marshal update message")
		return
	}
	if err := p.bus.Publish(ctx, "websocket:broadcast", payload); err != nil {
		p.log.WithError(err).WithField("application_id", applicationID).Warn("publish update failed")
	}
}
