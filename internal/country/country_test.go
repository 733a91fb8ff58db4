package country

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/creditflow/internal/domain/application"
	"github.com/r3e-network/creditflow/internal/provider"
)

func TestRegistryResolvesAllCountries(t *testing.T) {
	reg := NewRegistry()
	for _, code := range []application.Country{
		application.CountryES, application.CountryPT, application.CountryIT,
		application.CountryMX, application.CountryCO, application.CountryBR,
	} {
		s, ok := reg.Resolve(code)
		require.True(t, ok, "expected strategy for %s", code)
		assert.Equal(t, code, s.CountryCode())
	}
}

func TestRegistryDefaultsToMockProvider(t *testing.T) {
	reg := NewRegistry()
	p := reg.Provider(application.CountryBR)
	assert.Equal(t, "mockbank-BR", p.Name())
}

func TestSpainDNIValidation(t *testing.T) {
	s := newSpain()
	// 12345678Z is the canonical textbook example (12345678 % 23 == 14 -> 'Z').
	result := s.ValidateIdentityDocument("12345678Z")
	assert.True(t, result.IsValid, "expected valid DNI, got errors: %v", result.Errors)

	bad := s.ValidateIdentityDocument("12345678A")
	assert.False(t, bad.IsValid)
}

func TestBrazilCPFValidation(t *testing.T) {
	b := newBrazil()
	// 111.444.777-35 is a commonly used valid test CPF.
	result := b.ValidateIdentityDocument("11144477735")
	assert.True(t, result.IsValid, "expected valid CPF, got errors: %v", result.Errors)

	assert.False(t, b.ValidateIdentityDocument("11111111111").IsValid, "repeated digits must be rejected")
	assert.False(t, b.ValidateIdentityDocument("11144477736").IsValid, "wrong check digit must be rejected")
}

func TestColombiaCedulaValidation(t *testing.T) {
	c := newColombia()
	assert.True(t, c.ValidateIdentityDocument("123456").IsValid)
	assert.True(t, c.ValidateIdentityDocument("1234567890").IsValid)
	assert.False(t, c.ValidateIdentityDocument("012345").IsValid, "leading zero must be rejected")
	assert.False(t, c.ValidateIdentityDocument("12345").IsValid, "too short must be rejected")
}

func TestRatioGuardsNearZeroIncome(t *testing.T) {
	r := ratio(decimal.NewFromInt(1000), decimal.NewFromFloat(0.001))
	assert.True(t, r.Equal(decimal.NewFromInt(100)))
}

func TestSpainOverLimitRejection(t *testing.T) {
	// S5: Spain create with requested_amount=100000.00 (above max) must
	// reject with risk_score=100 and a maximum-amount reason.
	s := newSpain()
	assessment := s.ApplyBusinessRules(
		decimal.NewFromFloat(100000.00),
		decimal.NewFromFloat(3000.00),
		provider.BankingData{},
		nil,
	)
	assert.Equal(t, RecommendReject, assessment.ApprovalRecommendation)
	assert.True(t, assessment.RiskScore.Equal(decimal.NewFromInt(100)))
	found := false
	for _, reason := range assessment.Reasons {
		if reason != "" {
			found = true
		}
	}
	assert.True(t, found)
}
