package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/creditflow/internal/domain/application"
	"github.com/r3e-network/creditflow/internal/servererr"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, nil), mock
}

func sampleApplication() *application.Application {
	return &application.Application{
		Country:             application.CountryES,
		FullNameCiphertext:  []byte("ciphertext-name"),
		DocumentCiphertext:  []byte("ciphertext-doc"),
		DocumentFingerprint: []byte("fingerprint"),
		RequestedAmount:     decimal.NewFromInt(10000),
		MonthlyIncome:       decimal.NewFromInt(2000),
		Currency:            "EUR",
		Status:              application.StatusPending,
		CountrySpecificData: map[string]interface{}{},
		BankingData:         map[string]interface{}{},
		ValidationErrors:    []string{},
	}
}

func TestInsertApplicationSuccess(t *testing.T) {
	store, mock := newTestStore(t)
	app := sampleApplication()

	mock.ExpectExec("INSERT INTO applications").WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.InsertApplication(context.Background(), app)
	require.NoError(t, err)
	assert.NotEmpty(t, app.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertApplicationDuplicateDocument(t *testing.T) {
	store, mock := newTestStore(t)
	app := sampleApplication()

	mock.ExpectExec("INSERT INTO applications").
		WillReturnError(errDuplicateKey("applications_active_document_uidx"))

	err := store.InsertApplication(context.Background(), app)
	require.Error(t, err)
	appErr, ok := servererr.As(err)
	require.True(t, ok)
	assert.Equal(t, servererr.CodeDuplicate, appErr.Code)
}

func TestFindApplicationNotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery("SELECT (.|\n)*FROM applications WHERE id = \\$1").
		WithArgs("missing-id").
		WillReturnRows(sqlmock.NewRows(applicationColumns()))

	_, _, err := store.FindApplication(context.Background(), "missing-id", FindOptions{})
	require.Error(t, err)
	appErr, ok := servererr.As(err)
	require.True(t, ok)
	assert.Equal(t, servererr.CodeNotFound, appErr.Code)
}

func TestFindApplicationFound(t *testing.T) {
	store, mock := newTestStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(applicationColumns()).AddRow(
		"app-1", "ES", []byte("name-ct"), []byte("doc-ct"), []byte("fp"),
		"10000.00", "2000.00", "EUR", nil, "PENDING",
		[]byte(`{}`), []byte(`{}`), []byte(`[]`), nil,
		now, now, nil,
	)
	mock.ExpectQuery("SELECT (.|\n)*FROM applications WHERE id = \\$1").
		WithArgs("app-1").
		WillReturnRows(rows)

	app, pii, err := store.FindApplication(context.Background(), "app-1", FindOptions{})
	require.NoError(t, err)
	assert.Nil(t, pii)
	assert.Equal(t, "app-1", app.ID)
	assert.Equal(t, application.StatusPending, app.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSoftDeleteNotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("UPDATE applications SET deleted_at").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SoftDelete(context.Background(), "missing-id")
	require.Error(t, err)
	appErr, ok := servererr.As(err)
	require.True(t, ok)
	assert.Equal(t, servererr.CodeNotFound, appErr.Code)
}

func applicationColumns() []string {
	return []string{
		"id", "country", "full_name_ciphertext", "document_ciphertext", "document_fingerprint",
		"requested_amount", "monthly_income", "currency", "idempotency_key", "status",
		"country_specific_data", "banking_data", "validation_errors", "risk_score",
		"created_at", "updated_at", "deleted_at",
	}
}

type pqDuplicateError struct{ constraint string }

func (e pqDuplicateError) Error() string {
	return "pq: duplicate key value violates unique constraint \"" + e.constraint + "\""
}

func errDuplicateKey(constraint string) error {
	return pqDuplicateError{constraint: constraint}
}
