package country

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/r3e-network/creditflow/internal/domain/application"
	"github.com/r3e-network/creditflow/internal/provider"
)

// dniLetters is the standard DNI check-letter table, indexed by
// (numeric part mod 23).
const dniLetters = "TRWAGMYFPDXBNJZSQVHLCKE"

var dniPattern = regexp.MustCompile(`^(\d{8})([A-Za-z])$`)

type spain struct {
	maxLoan   decimal.Decimal
	minIncome decimal.Decimal
	minCredit int
	maxDTI    decimal.Decimal
}

func newSpain() Strategy {
	return &spain{
		maxLoan:   decimal.NewFromInt(50000),
		minIncome: decimal.NewFromInt(500),
		minCredit: 500,
		maxDTI:    decimal.NewFromInt(40),
	}
}

func (s *spain) CountryCode() application.Country { return application.CountryES }
func (s *spain) DocumentTypeName() string          { return "DNI" }
func (s *spain) RequiredFields() []string {
	return []string{"full_name", "identity_document", "requested_amount", "monthly_income"}
}

func (s *spain) ValidateIdentityDocument(document string) ValidationResult {
	doc := strings.ToUpper(strings.TrimSpace(document))
	m := dniPattern.FindStringSubmatch(doc)
	if m == nil {
		return ValidationResult{
			IsValid: false,
			Errors:  []string{"DNI must be 8 digits followed by a check letter"},
		}
	}
	number, err := strconv.Atoi(m[1])
	if err != nil {
		return ValidationResult{IsValid: false, Errors: []string{"DNI numeric part is invalid"}}
	}
	expected := dniLetters[number%23]
	if byte(m[2][0]) != expected {
		return ValidationResult{
			IsValid: false,
			Errors:  []string{fmt.Sprintf("DNI check letter mismatch: expected %c", expected)},
		}
	}
	return ValidationResult{IsValid: true, Metadata: map[string]interface{}{"normalized": doc}}
}

func (s *spain) ApplyBusinessRules(requestedAmount, monthlyIncome decimal.Decimal, bankingData provider.BankingData, countrySpecificData map[string]interface{}) RiskAssessment {
	return applyStandardEuropeanRules(requestedAmount, monthlyIncome, bankingData, s.maxLoan, s.minIncome, s.minCredit, s.maxDTI, "EUR")
}
