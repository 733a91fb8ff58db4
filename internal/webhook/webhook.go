// Package webhook implements C12: the signed bank-confirmation receiver
// (§4.10). The handler verifies the HMAC signature before touching the
// body's contents, enforces the payload size limit, and drives the
// idempotent find-or-create-then-apply algorithm against WebhookEvent.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/r3e-network/creditflow/internal/bus"
	"github.com/r3e-network/creditflow/internal/domain/application"
	"github.com/r3e-network/creditflow/internal/logger"
	"github.com/r3e-network/creditflow/internal/servererr"
	"github.com/r3e-network/creditflow/internal/statemachine"
	"github.com/r3e-network/creditflow/internal/storage/postgres"
)

// SignatureHeader carries the HMAC-SHA256 hex digest of the raw body.
const SignatureHeader = "X-Webhook-Signature"

// Store is the subset of *postgres.Store the handler depends on.
type Store interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	FindWebhookEventByIdempotencyKey(ctx context.Context, key string, forUpdate bool) (*application.WebhookEvent, error)
	InsertWebhookEvent(ctx context.Context, ev *application.WebhookEvent) error
	UpdateWebhookEvent(ctx context.Context, ev *application.WebhookEvent) error
	FindApplication(ctx context.Context, id string, opts postgres.FindOptions) (*application.Application, *application.DecryptedPII, error)
	UpdateApplication(ctx context.Context, app *application.Application) error
}

// Handler implements http.Handler for the bank-confirmation endpoint.
type Handler struct {
	store        Store
	bus          *bus.Bus
	secret       []byte
	maxBodyBytes int64
	log          *logger.Logger
}

// New constructs a Handler. maxBodyMB mirrors Config.MaxPayloadSizeMB.
func New(store Store, b *bus.Bus, secret string, maxBodyMB int, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewFromEnv("webhook")
	}
	return &Handler{
		store:        store,
		bus:          b,
		secret:       []byte(secret),
		maxBodyBytes: int64(maxBodyMB) * 1024 * 1024,
		log:          log,
	}
}

// confirmationPayload is the bank-confirmation wire schema (§4.10).
type confirmationPayload struct {
	ApplicationID      string           `json:"application_id"`
	DocumentVerified   bool             `json:"document_verified"`
	CreditScore        *int             `json:"credit_score"`
	TotalDebt          *decimal.Decimal `json:"total_debt"`
	MonthlyObligations *decimal.Decimal `json:"monthly_obligations"`
	HasDefaults        bool             `json:"has_defaults"`
	ProviderReference  string           `json:"provider_reference"`
	VerifiedAt         time.Time        `json:"verified_at"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, servererr.Validation("payload exceeds maximum allowed size"), http.StatusRequestEntityTooLarge)
		return
	}

	if !h.verifySignature(r.Header.Get(SignatureHeader), body) {
		writeError(w, servererr.Validation("invalid or missing webhook signature"), http.StatusUnauthorized)
		return
	}

	var payload confirmationPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, servererr.Validation("invalid JSON body"), http.StatusBadRequest)
		return
	}
	if reasons := validatePayload(payload); len(reasons) > 0 {
		writeError(w, servererr.ValidationErrors(reasons), http.StatusBadRequest)
		return
	}

	result, err := h.process(ctx, payload)
	if err != nil {
		writeError(w, err, servererr.HTTPStatus(err))
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// verifySignature recomputes the HMAC-SHA256 digest of body and compares it
// to the header's hex-encoded value in constant time.
func (h *Handler) verifySignature(header string, body []byte) bool {
	if header == "" {
		return false
	}
	provided, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := mac.Sum(nil)
	return hmac.Equal(expected, provided)
}

func validatePayload(p confirmationPayload) []string {
	var reasons []string
	if p.ProviderReference == "" {
		reasons = append(reasons, "provider_reference is required")
	}
	if _, err := uuid.Parse(p.ApplicationID); err != nil {
		reasons = append(reasons, "application_id must be a valid UUID")
	}
	if p.CreditScore != nil && (*p.CreditScore < 300 || *p.CreditScore > 850) {
		reasons = append(reasons, "credit_score must be between 300 and 850")
	}
	if p.TotalDebt != nil && p.TotalDebt.IsNegative() {
		reasons = append(reasons, "total_debt must not be negative")
	}
	if p.MonthlyObligations != nil && p.MonthlyObligations.IsNegative() {
		reasons = append(reasons, "monthly_obligations must not be negative")
	}
	return reasons
}

type confirmationResult struct {
	AlreadyProcessed bool       `json:"already_processed"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
}

// process implements the §4.10 algorithm's steps 2-7.
func (h *Handler) process(ctx context.Context, payload confirmationPayload) (*confirmationResult, error) {
	event, err := h.findOrCreateEvent(ctx, payload)
	if err != nil {
		return nil, err
	}
	if event.Status == application.WebhookEventStatusProcessed {
		return &confirmationResult{AlreadyProcessed: true, ProcessedAt: event.ProcessedAt}, nil
	}

	if applyErr := h.applyConfirmation(ctx, event, payload); applyErr != nil {
		event.Status = application.WebhookEventStatusFailed
		msg := applyErr.Error()
		event.ErrorMessage = &msg
		if updateErr := h.store.UpdateWebhookEvent(ctx, event); updateErr != nil {
			h.log.WithError(updateErr).WithField("webhook_event_id", event.ID).Error("mark webhook event failed")
		}
		return nil, applyErr
	}

	now := time.Now().UTC()
	event.Status = application.WebhookEventStatusProcessed
	event.ErrorMessage = nil
	event.ProcessedAt = &now
	if err := h.store.UpdateWebhookEvent(ctx, event); err != nil {
		return nil, err
	}

	return &confirmationResult{AlreadyProcessed: false}, nil
}

// findOrCreateEvent implements step 2: find-or-create by idempotency key,
// resetting a previously FAILED/PROCESSING row so a retried delivery picks
// up where the last attempt left off. The unique constraint on
// idempotency_key is the sole coordinator for a race between two
// simultaneous first deliveries (§9): the losing insert's Integrity error
// sends it back through the same find path.
func (h *Handler) findOrCreateEvent(ctx context.Context, payload confirmationPayload) (*application.WebhookEvent, error) {
	existing, err := h.store.FindWebhookEventByIdempotencyKey(ctx, payload.ProviderReference, false)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Status != application.WebhookEventStatusProcessed {
			existing.Status = application.WebhookEventStatusProcessing
			existing.ErrorMessage = nil
			if err := h.store.UpdateWebhookEvent(ctx, existing); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, servererr.Internal("marshal webhook payload", err)
	}
	var payloadMap map[string]interface{}
	_ = json.Unmarshal(raw, &payloadMap)

	event := &application.WebhookEvent{
		IdempotencyKey: payload.ProviderReference,
		ApplicationID:  payload.ApplicationID,
		Payload:        payloadMap,
		Status:         application.WebhookEventStatusProcessing,
	}
	if err := h.store.InsertWebhookEvent(ctx, event); err != nil {
		if appErr, ok := servererr.As(err); ok && appErr.Code == servererr.CodeIntegrity {
			return h.findOrCreateEvent(ctx, payload)
		}
		return nil, err
	}
	return event, nil
}

// applyConfirmation implements steps 3-5: verify the application exists,
// merge the confirmation into banking_data, and apply the rejection
// transition when document verification failed.
func (h *Handler) applyConfirmation(ctx context.Context, event *application.WebhookEvent, payload confirmationPayload) error {
	return h.store.RunInTransaction(ctx, func(ctx context.Context) error {
		app, _, err := h.store.FindApplication(ctx, payload.ApplicationID, postgres.FindOptions{ForUpdate: true})
		if err != nil {
			return err
		}

		if app.BankingData == nil {
			app.BankingData = map[string]interface{}{}
		}
		app.BankingData["webhook_received"] = true
		app.BankingData["document_verified"] = payload.DocumentVerified
		app.BankingData["has_defaults"] = payload.HasDefaults
		app.BankingData["provider_reference"] = payload.ProviderReference
		app.BankingData["verified_at"] = payload.VerifiedAt.UTC().Format(time.RFC3339)
		if payload.CreditScore != nil {
			app.BankingData["credit_score"] = *payload.CreditScore
		}
		if payload.TotalDebt != nil {
			app.BankingData["total_debt"] = payload.TotalDebt.StringFixed(2)
		}
		if payload.MonthlyObligations != nil {
			app.BankingData["monthly_obligations"] = payload.MonthlyObligations.StringFixed(2)
		}

		if !payload.DocumentVerified {
			if next, transErr := statemachine.Transition(app.Status, application.StatusRejected); transErr == nil {
				app.Status = next
				app.ValidationErrors = append(app.ValidationErrors, "Document verification failed by banking provider")
			} else {
				h.log.WithField("application_id", app.ID).WithField("status", app.Status).
					Warn("webhook rejection ignored: application already in a terminal status")
			}
		}

		if err := h.store.UpdateApplication(ctx, app); err != nil {
			return err
		}

		h.publishUpdate(ctx, app)
		return nil
	})
}

func (h *Handler) publishUpdate(ctx context.Context, app *application.Application) {
	if h.bus == nil {
		return
	}
	msg := map[string]interface{}{
		"type": "application_update",
		"data": map[string]interface{}{
			"id":     app.ID,
			"status": string(app.Status),
		},
		"broadcast": false,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.WithError(err).Error("marshal webhook update message")
		return
	}
	// Step 7: a publish failure does not fail the webhook.
	if err := h.bus.Publish(ctx, "websocket:broadcast", payload); err != nil {
		h.log.WithError(err).WithField("application_id", app.ID).Warn("publish webhook update failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error, status int) {
	writeJSON(w, status, servererr.ToEnvelope(err, ""))
}
