// Package httpapi wires the chi router for the application lifecycle
// surface named in §6: CRUD on applications, audit/pending-job reads,
// per-country statistics, and the webhook/websocket routes delegated
// whole to their owning packages.
package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/r3e-network/creditflow/internal/appservice"
	"github.com/r3e-network/creditflow/internal/domain/application"
	"github.com/r3e-network/creditflow/internal/httpmw"
	"github.com/r3e-network/creditflow/internal/logger"
	"github.com/r3e-network/creditflow/internal/notify"
	"github.com/r3e-network/creditflow/internal/servererr"
	"github.com/r3e-network/creditflow/internal/webhook"
)

// Handler bundles the application service and its two delegate handlers
// into one chi-routable unit.
type Handler struct {
	service *appservice.Service
	webhook *webhook.Handler
	notify  *notify.Manager
	log     *logger.Logger
}

// New constructs a Handler. webhook and notify may be nil in tests that
// only exercise the application CRUD surface.
func New(service *appservice.Service, wh *webhook.Handler, nm *notify.Manager, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewFromEnv("httpapi")
	}
	return &Handler{service: service, webhook: wh, notify: nm, log: log}
}

// Router builds the chi.Mux for the whole HTTP surface. metrics may be nil
// to skip instrumentation (used by tests).
func (h *Handler) Router(mw []func(http.Handler) http.Handler, metrics *httpmw.Metrics) *chi.Mux {
	r := chi.NewRouter()
	for _, m := range mw {
		r.Use(m)
	}
	if metrics != nil {
		r.Use(metrics.Middleware(func(req *http.Request) string {
			if rc := chi.RouteContext(req.Context()); rc != nil {
				return rc.RoutePattern()
			}
			return ""
		}))
	}

	r.Route("/applications", func(r chi.Router) {
		r.Post("/", h.createApplication)
		r.Get("/", h.listApplications)
		r.Get("/stats/country/{code}", h.statsByCountry)
		r.Get("/{id}", h.getApplication)
		r.Patch("/{id}", h.updateApplicationStatus)
		r.Delete("/{id}", h.deleteApplication)
		r.Get("/{id}/audit", h.auditLogs)
		r.Get("/{id}/pending-jobs", h.pendingJobs)
	})

	if h.webhook != nil {
		r.Post("/webhooks/bank-confirmation", h.webhook.ServeHTTP)
	}
	if h.notify != nil {
		r.Get("/ws", h.notify.ServeWS)
	}

	return r
}

// applicationCreateRequest is the §6 ApplicationCreate wire body.
type applicationCreateRequest struct {
	Country             application.Country    `json:"country"`
	FullName            string                 `json:"full_name"`
	IdentityDocument    string                 `json:"identity_document"`
	RequestedAmount     decimal.Decimal        `json:"requested_amount"`
	MonthlyIncome       decimal.Decimal        `json:"monthly_income"`
	Currency            string                 `json:"currency"`
	IdempotencyKey      *string                `json:"idempotency_key,omitempty"`
	CountrySpecificData map[string]interface{} `json:"country_specific_data,omitempty"`
}

func (h *Handler) createApplication(w http.ResponseWriter, r *http.Request) {
	var body applicationCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, servererr.Validation("invalid JSON body"))
		return
	}

	app, err := h.service.Create(r.Context(), appservice.CreateRequest{
		Country:             body.Country,
		FullName:            body.FullName,
		IdentityDocument:    body.IdentityDocument,
		RequestedAmount:     body.RequestedAmount,
		MonthlyIncome:       body.MonthlyIncome,
		Currency:            body.Currency,
		IdempotencyKey:      body.IdempotencyKey,
		CountrySpecificData: body.CountrySpecificData,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, applicationView(app, nil))
}

func (h *Handler) listApplications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := appservice.ListRequest{
		Country:  application.Country(q.Get("country")),
		Status:   application.Status(q.Get("status")),
		Page:     queryInt(q, "page", 1),
		PageSize: queryInt(q, "page_size", 20),
	}
	apps, err := h.service.List(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]applicationResponse, 0, len(apps))
	for _, app := range apps {
		views = append(views, applicationView(app, nil))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"applications": views})
}

func (h *Handler) getApplication(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	decrypt := r.URL.Query().Get("decrypt") == "true"
	app, pii, err := h.service.Get(r.Context(), id, decrypt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, applicationView(app, pii))
}

type updateStatusRequest struct {
	Status application.Status `json:"status"`
}

func (h *Handler) updateApplicationStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, servererr.Validation("invalid JSON body"))
		return
	}
	app, err := h.service.UpdateStatus(r.Context(), id, appservice.UpdateStatusRequest{Status: body.Status})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, applicationView(app, nil))
}

func (h *Handler) deleteApplication(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.SoftDelete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

func (h *Handler) auditLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()
	logs, err := h.service.AuditLogs(r.Context(), id, queryInt(q, "page", 1), queryInt(q, "page_size", 20))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"audit_logs": logs})
}

func (h *Handler) pendingJobs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	jobs, err := h.service.PendingJobs(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pending_jobs": jobs})
}

func (h *Handler) statsByCountry(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	stats, err := h.service.StatisticsByCountry(r.Context(), application.Country(code))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// applicationResponse is the outbound shape: identity_document is never
// returned in cleartext unless pii is non-nil, and even then it is masked
// per §6's PII masking rule.
type applicationResponse struct {
	ID                  string                 `json:"id"`
	Country             application.Country    `json:"country"`
	FullName            string                 `json:"full_name,omitempty"`
	IdentityDocument    string                 `json:"identity_document,omitempty"`
	RequestedAmount     decimal.Decimal        `json:"requested_amount"`
	MonthlyIncome       decimal.Decimal        `json:"monthly_income"`
	Currency            string                 `json:"currency"`
	Status              application.Status     `json:"status"`
	CountrySpecificData map[string]interface{} `json:"country_specific_data,omitempty"`
	BankingData         map[string]interface{} `json:"banking_data,omitempty"`
	ValidationErrors    []string               `json:"validation_errors,omitempty"`
	RiskScore           *decimal.Decimal       `json:"risk_score,omitempty"`
}

func applicationView(app *application.Application, pii *application.DecryptedPII) applicationResponse {
	view := applicationResponse{
		ID:                  app.ID,
		Country:             app.Country,
		RequestedAmount:     app.RequestedAmount,
		MonthlyIncome:       app.MonthlyIncome,
		Currency:            app.Currency,
		Status:              app.Status,
		CountrySpecificData: app.CountrySpecificData,
		BankingData:         app.BankingData,
		ValidationErrors:    app.ValidationErrors,
		RiskScore:           app.RiskScore,
	}
	if pii != nil {
		view.FullName = pii.FullName
		view.IdentityDocument = application.MaskDocument(pii.Document)
	}
	return view
}

func queryInt(q url.Values, key string, def int) int {
	raw := q.Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	env := servererr.ToEnvelope(err, httpmw.RequestIDFromContext(r.Context()))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(servererr.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(env)
}
