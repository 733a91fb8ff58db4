// Package country implements the per-country validator + risk evaluator
// (C4, §4.3): one Strategy variant per supported jurisdiction, resolved by
// a Registry factory.
package country

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/r3e-network/creditflow/internal/domain/application"
	"github.com/r3e-network/creditflow/internal/provider"
)

// ValidationResult is the outcome of validating an identity document.
type ValidationResult struct {
	IsValid  bool
	Errors   []string
	Warnings []string
	Metadata map[string]interface{}
}

// RiskLevel classifies a RiskAssessment (§4.3).
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Recommendation is the business-rule outcome driving the final status
// mapping in §4.6e.
type Recommendation string

const (
	RecommendApprove Recommendation = "APPROVE"
	RecommendReject  Recommendation = "REJECT"
	RecommendReview  Recommendation = "REVIEW"
)

// RiskAssessment is the result of applying business rules (§4.3).
type RiskAssessment struct {
	RiskScore              decimal.Decimal
	RiskLevel              RiskLevel
	ApprovalRecommendation Recommendation
	Reasons                []string
	RequiresReview         bool
}

// Strategy is the capability set every country variant implements (§4.3,
// §9: a tagged sum type, not a class hierarchy).
type Strategy interface {
	CountryCode() application.Country
	DocumentTypeName() string
	RequiredFields() []string
	ValidateIdentityDocument(document string) ValidationResult
	ApplyBusinessRules(requestedAmount, monthlyIncome decimal.Decimal, bankingData provider.BankingData, countrySpecificData map[string]interface{}) RiskAssessment
}

// Registry resolves a country code to its Strategy and injects a Provider.
// If no Provider is registered for a country, Provider returns a
// deterministic mock (§4.3). Safe for concurrent use: worker.Pool.Run calls
// Provider from up to Config.MaxJobs goroutines at once.
type Registry struct {
	mu         sync.RWMutex
	strategies map[application.Country]Strategy
	providers  map[application.Country]provider.Provider
}

// NewRegistry builds a Registry pre-populated with all six supported
// country strategies, each backed by its mock Provider unless overridden
// via WithProvider.
func NewRegistry() *Registry {
	r := &Registry{
		strategies: make(map[application.Country]Strategy),
		providers:  make(map[application.Country]provider.Provider),
	}
	for _, s := range []Strategy{
		newSpain(), newPortugal(), newItaly(), newMexico(), newColombia(), newBrazil(),
	} {
		r.strategies[s.CountryCode()] = s
	}
	return r
}

// WithProvider registers a specific Provider for a country, overriding the
// default mock. Returns the Registry for chaining.
func (r *Registry) WithProvider(code application.Country, p provider.Provider) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[code] = p
	return r
}

// Resolve returns the Strategy for code, or false if unregistered.
// strategies is populated once at construction and never mutated
// afterward, so it needs no locking.
func (r *Registry) Resolve(code application.Country) (Strategy, bool) {
	s, ok := r.strategies[code]
	return s, ok
}

// Provider returns the Provider for code, creating a deterministic mock on
// first access if none was registered.
func (r *Registry) Provider(code application.Country) provider.Provider {
	r.mu.RLock()
	p, ok := r.providers[code]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[code]; ok {
		return p
	}
	p = provider.NewMock(string(code))
	r.providers[code] = p
	return p
}

// nearZeroIncome guards ratio computation against division by near-zero
// income (§4.3: |income| < 0.01 => ratio := 100%).
func nearZeroIncome(income decimal.Decimal) bool {
	return income.Abs().LessThan(decimal.NewFromFloat(0.01))
}

// ratio computes numerator/denominator as a percentage, applying the
// near-zero-income guard.
func ratio(numerator, denominator decimal.Decimal) decimal.Decimal {
	if nearZeroIncome(denominator) {
		return decimal.NewFromInt(100)
	}
	return numerator.Div(denominator).Mul(decimal.NewFromInt(100)).Round(2)
}

// clampScore keeps a risk score within [0, 100] scale 2.
func clampScore(score decimal.Decimal) decimal.Decimal {
	zero := decimal.Zero
	hundred := decimal.NewFromInt(100)
	if score.LessThan(zero) {
		return zero
	}
	if score.GreaterThan(hundred) {
		return hundred
	}
	return score.Round(2)
}

// levelForScore maps a numeric score to a RiskLevel band.
func levelForScore(score decimal.Decimal) RiskLevel {
	switch {
	case score.LessThan(decimal.NewFromInt(30)):
		return RiskLow
	case score.LessThan(decimal.NewFromInt(60)):
		return RiskMedium
	case score.LessThan(decimal.NewFromInt(85)):
		return RiskHigh
	default:
		return RiskCritical
	}
}
