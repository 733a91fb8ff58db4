package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/creditflow/internal/appservice"
	"github.com/r3e-network/creditflow/internal/bus"
	"github.com/r3e-network/creditflow/internal/cipher"
	"github.com/r3e-network/creditflow/internal/country"
	"github.com/r3e-network/creditflow/internal/domain/application"
	"github.com/r3e-network/creditflow/internal/servererr"
	"github.com/r3e-network/creditflow/internal/storage/postgres"
)

// fakeStore is an in-memory stand-in for *postgres.Store sufficient to
// drive the full application lifecycle surface through appservice.Service.
type fakeStore struct {
	mu            sync.Mutex
	byID          map[string]*application.Application
	byIdempotency map[string]string
	nextID        int
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: map[string]*application.Application{}, byIdempotency: map[string]string{}}
}

func (f *fakeStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeStore) InsertApplication(ctx context.Context, app *application.Application) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if app.ID == "" {
		f.nextID++
		app.ID = fmt.Sprintf("app-%d", f.nextID)
	}
	now := time.Now().UTC()
	app.CreatedAt, app.UpdatedAt = now, now
	cp := *app
	f.byID[app.ID] = &cp
	if app.IdempotencyKey != nil {
		f.byIdempotency[*app.IdempotencyKey] = app.ID
	}
	return nil
}

func (f *fakeStore) FindApplication(ctx context.Context, id string, opts postgres.FindOptions) (*application.Application, *application.DecryptedPII, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.byID[id]
	if !ok {
		return nil, nil, servererr.NotFound("application", id)
	}
	cp := *app
	var pii *application.DecryptedPII
	if opts.Decrypt {
		pii = &application.DecryptedPII{FullName: "Jane Doe", Document: "X1234567"}
	}
	return &cp, pii, nil
}

func (f *fakeStore) FindByIdempotencyKey(ctx context.Context, key string, forUpdate bool) (*application.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byIdempotency[key]
	if !ok {
		return nil, nil
	}
	cp := *f.byID[id]
	return &cp, nil
}

func (f *fakeStore) FindActiveByDocument(ctx context.Context, country application.Country, fingerprint []byte, forUpdate bool) (*application.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, app := range f.byID {
		if app.Country != country || string(app.DocumentFingerprint) != string(fingerprint) {
			continue
		}
		if app.Status.Final() || app.SoftDeleted() {
			continue
		}
		cp := *app
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeStore) UpdateApplication(ctx context.Context, app *application.Application) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[app.ID]; !ok {
		return servererr.NotFound("application", app.ID)
	}
	cp := *app
	f.byID[app.ID] = &cp
	return nil
}

func (f *fakeStore) SoftDelete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.byID[id]
	if !ok {
		return servererr.NotFound("application", id)
	}
	now := time.Now().UTC()
	app.DeletedAt = &now
	return nil
}

func (f *fakeStore) ListApplications(ctx context.Context, filter postgres.ListFilter, page, pageSize int) ([]*application.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*application.Application
	for _, app := range f.byID {
		cp := *app
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) GetAuditLogs(ctx context.Context, applicationID string, page, pageSize int) ([]*application.AuditLog, error) {
	return []*application.AuditLog{{ApplicationID: applicationID, OldStatus: application.StatusPending, NewStatus: application.StatusValidating}}, nil
}

func (f *fakeStore) GetPendingJobs(ctx context.Context, applicationID string) ([]*application.PendingJob, error) {
	return nil, nil
}

func (f *fakeStore) GetStatisticsByCountry(ctx context.Context, c application.Country) (*postgres.CountryStatistics, error) {
	return &postgres.CountryStatistics{Country: c, TotalCount: 1}, nil
}

func newTestHandler(t *testing.T) (*Handler, *fakeStore) {
	t.Helper()
	c, err := cipher.New([]byte("test-master-key-at-least-32-bytes!!"))
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := bus.New(client)

	store := newFakeStore()
	service := appservice.New(store, c, country.NewRegistry(), b, nil)
	return New(service, nil, nil, nil), store
}

func createTestApplication(t *testing.T, h *Handler) applicationResponse {
	t.Helper()
	body, err := json.Marshal(applicationCreateRequest{
		Country:          application.CountryMX,
		FullName:         "Jane Doe",
		IdentityDocument: "AAAA900101HDFBCDA1",
		RequestedAmount:  decimal.NewFromInt(5000),
		MonthlyIncome:    decimal.NewFromInt(3000),
		Currency:         "MXN",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/applications", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router(nil, nil).ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var view applicationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	return view
}

func TestCreateApplicationReturns201(t *testing.T) {
	h, _ := newTestHandler(t)
	view := createTestApplication(t, h)
	assert.NotEmpty(t, view.ID)
	assert.Equal(t, application.StatusPending, view.Status)
}

func TestCreateApplicationRejectsInvalidPayload(t *testing.T) {
	h, _ := newTestHandler(t)
	body, err := json.Marshal(applicationCreateRequest{Country: application.CountryMX})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/applications", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router(nil, nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetApplicationMasksIdentityDocumentByDefault(t *testing.T) {
	h, _ := newTestHandler(t)
	created := createTestApplication(t, h)

	req := httptest.NewRequest(http.MethodGet, "/applications/"+created.ID, nil)
	rec := httptest.NewRecorder()
	h.Router(nil, nil).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var view applicationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Empty(t, view.IdentityDocument)
}

func TestGetApplicationDecryptsWhenRequested(t *testing.T) {
	h, _ := newTestHandler(t)
	created := createTestApplication(t, h)

	req := httptest.NewRequest(http.MethodGet, "/applications/"+created.ID+"?decrypt=true", nil)
	rec := httptest.NewRecorder()
	h.Router(nil, nil).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var view applicationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "****4567", view.IdentityDocument)
}

func TestGetApplicationReturns404ForUnknownID(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/applications/does-not-exist", nil)
	rec := httptest.NewRecorder()
	h.Router(nil, nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)

	var env servererr.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.NotEmpty(t, env.Error)
}

func TestUpdateApplicationStatusAppliesLegalTransition(t *testing.T) {
	h, _ := newTestHandler(t)
	created := createTestApplication(t, h)

	body, err := json.Marshal(updateStatusRequest{Status: application.StatusValidating})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPatch, "/applications/"+created.ID, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router(nil, nil).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var view applicationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, application.StatusValidating, view.Status)
}

func TestUpdateApplicationStatusRejectsIllegalTransition(t *testing.T) {
	h, _ := newTestHandler(t)
	created := createTestApplication(t, h)

	body, err := json.Marshal(updateStatusRequest{Status: application.StatusCompleted})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPatch, "/applications/"+created.ID, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router(nil, nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteApplicationSoftDeletes(t *testing.T) {
	h, store := newTestHandler(t)
	created := createTestApplication(t, h)

	req := httptest.NewRequest(http.MethodDelete, "/applications/"+created.ID, nil)
	rec := httptest.NewRecorder()
	h.Router(nil, nil).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.NotNil(t, store.byID[created.ID].DeletedAt)
}

func TestListApplicationsReturnsCreatedRows(t *testing.T) {
	h, _ := newTestHandler(t)
	createTestApplication(t, h)

	req := httptest.NewRequest(http.MethodGet, "/applications?country=MX", nil)
	rec := httptest.NewRecorder()
	h.Router(nil, nil).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string][]applicationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out["applications"], 1)
}

func TestAuditLogsReturnsRows(t *testing.T) {
	h, _ := newTestHandler(t)
	created := createTestApplication(t, h)

	req := httptest.NewRequest(http.MethodGet, "/applications/"+created.ID+"/audit", nil)
	rec := httptest.NewRecorder()
	h.Router(nil, nil).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string][]application.AuditLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out["audit_logs"], 1)
}

func TestStatsByCountryReturnsAggregate(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/applications/stats/country/MX", nil)
	rec := httptest.NewRecorder()
	h.Router(nil, nil).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats postgres.CountryStatistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, application.CountryMX, stats.Country)
}
