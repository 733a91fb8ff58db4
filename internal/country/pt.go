package country

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/r3e-network/creditflow/internal/domain/application"
	"github.com/r3e-network/creditflow/internal/provider"
)

var nifPattern = regexp.MustCompile(`^\d{9}$`)

type portugal struct {
	maxLoan   decimal.Decimal
	minIncome decimal.Decimal
	minCredit int
	maxDTI    decimal.Decimal
}

func newPortugal() Strategy {
	return &portugal{
		maxLoan:   decimal.NewFromInt(40000),
		minIncome: decimal.NewFromInt(450),
		minCredit: 500,
		maxDTI:    decimal.NewFromInt(40),
	}
}

func (p *portugal) CountryCode() application.Country { return application.CountryPT }
func (p *portugal) DocumentTypeName() string         { return "NIF" }
func (p *portugal) RequiredFields() []string {
	return []string{"full_name", "identity_document", "requested_amount", "monthly_income"}
}

// ValidateIdentityDocument applies the NIF weighted-checksum rule: digits
// d1..d8 weighted 9..2 and summed; the check digit d9 must equal
// 11 - (sum mod 11), with results of 10 and 11 reduced to 0.
func (p *portugal) ValidateIdentityDocument(document string) ValidationResult {
	if !nifPattern.MatchString(document) {
		return ValidationResult{IsValid: false, Errors: []string{"NIF must be exactly 9 digits"}}
	}
	digits := make([]int, 9)
	for i, r := range document {
		digits[i] = int(r - '0')
	}
	sum := 0
	for i := 0; i < 8; i++ {
		sum += digits[i] * (9 - i)
	}
	remainder := sum % 11
	check := 11 - remainder
	if check >= 10 {
		check = 0
	}
	if check != digits[8] {
		return ValidationResult{
			IsValid: false,
			Errors:  []string{fmt.Sprintf("NIF check digit mismatch: expected %d", check)},
		}
	}
	return ValidationResult{IsValid: true, Metadata: map[string]interface{}{"normalized": document}}
}

func (p *portugal) ApplyBusinessRules(requestedAmount, monthlyIncome decimal.Decimal, bankingData provider.BankingData, countrySpecificData map[string]interface{}) RiskAssessment {
	return applyStandardEuropeanRules(requestedAmount, monthlyIncome, bankingData, p.maxLoan, p.minIncome, p.minCredit, p.maxDTI, "EUR")
}
