// Package provider defines the banking-data fetch contract (C5) and its
// deterministic mock implementations, one per country.
package provider

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/shopspring/decimal"
)

// BankingData is the result of a provider fetch (§4.4).
type BankingData struct {
	ProviderName       string
	AccountStatus      string
	CreditScore        *int
	TotalDebt          *decimal.Decimal
	MonthlyObligations *decimal.Decimal
	HasDefaults        bool
	AdditionalData     map[string]interface{}
}

// Provider fetches banking data for one country (§4.4). Implementations
// must be safe for concurrent use; Resilience (C6) wraps every call.
type Provider interface {
	Name() string
	FetchBankingData(ctx context.Context, document, fullName string) (BankingData, error)
}

// RecoverableError is satisfied by every error class the circuit breaker
// and worker retry logic must count as retryable (§4.4, §4.5).
type RecoverableError interface {
	error
	Recoverable() bool
}

// ExternalServiceError represents a non-timeout failure from the upstream
// banking provider (HTTP 5xx, malformed response, rejected request).
type ExternalServiceError struct {
	Provider string
	Err      error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("external service error from %s: %v", e.Provider, e.Err)
}
func (e *ExternalServiceError) Unwrap() error     { return e.Err }
func (e *ExternalServiceError) Recoverable() bool { return true }

// NetworkTimeoutError represents a provider call that exceeded its
// deadline (PROVIDER_TIMEOUT, §5).
type NetworkTimeoutError struct {
	Provider string
}

func (e *NetworkTimeoutError) Error() string {
	return fmt.Sprintf("network timeout calling %s", e.Provider)
}
func (e *NetworkTimeoutError) Recoverable() bool { return true }

// ConnectionError represents a failure to establish a connection to the
// provider at all (DNS, refused connection, TLS handshake).
type ConnectionError struct {
	Provider string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error to %s: %v", e.Provider, e.Err)
}
func (e *ConnectionError) Unwrap() error     { return e.Err }
func (e *ConnectionError) Recoverable() bool { return true }

// MockProvider is a deterministic banking-data source: the same document
// always yields the same profile, seeded from its hash. Used whenever no
// real Provider is injected (tests, demos, and the default factory path).
type MockProvider struct {
	CountryCode string
}

// NewMock constructs the deterministic mock provider for a country.
func NewMock(countryCode string) *MockProvider {
	return &MockProvider{CountryCode: countryCode}
}

func (m *MockProvider) Name() string {
	return fmt.Sprintf("mockbank-%s", m.CountryCode)
}

func (m *MockProvider) FetchBankingData(ctx context.Context, document, fullName string) (BankingData, error) {
	select {
	case <-ctx.Done():
		return BankingData{}, &NetworkTimeoutError{Provider: m.Name()}
	default:
	}

	seed := seedFromDocument(m.CountryCode, document)
	rng := rand.New(rand.NewSource(seed))

	creditScore := 300 + rng.Intn(551) // [300, 850]
	hasDefaults := rng.Intn(10) == 0   // 10% of synthetic profiles have defaults

	totalDebt := decimal.NewFromFloat(float64(rng.Intn(500000)) / 100)
	monthlyObligations := decimal.NewFromFloat(float64(rng.Intn(20000)) / 100)

	status := "ACTIVE"
	if hasDefaults {
		status = "DELINQUENT"
	}

	return BankingData{
		ProviderName:       m.Name(),
		AccountStatus:      status,
		CreditScore:        &creditScore,
		TotalDebt:          &totalDebt,
		MonthlyObligations: &monthlyObligations,
		HasDefaults:        hasDefaults,
		AdditionalData: map[string]interface{}{
			"simulated": true,
		},
	}, nil
}

// seedFromDocument derives a stable int64 seed from (country, document) so
// repeated fetches for the same applicant are reproducible.
func seedFromDocument(country, document string) int64 {
	h := sha256.Sum256([]byte(country + ":" + document))
	return int64(binary.BigEndian.Uint64(h[:8]))
}
