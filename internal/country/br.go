package country

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/r3e-network/creditflow/internal/domain/application"
	"github.com/r3e-network/creditflow/internal/provider"
)

var cpfDigitsPattern = regexp.MustCompile(`^\d{11}$`)

type brazil struct {
	maxLoan   decimal.Decimal
	minIncome decimal.Decimal
	minCredit int
	maxDTI    decimal.Decimal
}

func newBrazil() Strategy {
	return &brazil{
		maxLoan:   decimal.NewFromInt(100000),
		minIncome: decimal.NewFromInt(1500),
		minCredit: 500,
		maxDTI:    decimal.NewFromInt(45),
	}
}

func (b *brazil) CountryCode() application.Country { return application.CountryBR }
func (b *brazil) DocumentTypeName() string         { return "CPF" }
func (b *brazil) RequiredFields() []string {
	return []string{"full_name", "identity_document", "requested_amount", "monthly_income"}
}

// ValidateIdentityDocument applies the CPF mod-11 checksum: two check
// digits, each computed from a weighted sum of the preceding digits.
func (b *brazil) ValidateIdentityDocument(document string) ValidationResult {
	if !cpfDigitsPattern.MatchString(document) {
		return ValidationResult{IsValid: false, Errors: []string{"CPF must be exactly 11 digits"}}
	}
	if allDigitsEqual(document) {
		return ValidationResult{IsValid: false, Errors: []string{"CPF cannot be a repeated digit sequence"}}
	}
	digits := make([]int, 11)
	for i, r := range document {
		digits[i] = int(r - '0')
	}

	check1 := cpfCheckDigit(digits[:9], 10)
	if check1 != digits[9] {
		return ValidationResult{IsValid: false, Errors: []string{"CPF first check digit mismatch"}}
	}
	check2 := cpfCheckDigit(digits[:10], 11)
	if check2 != digits[10] {
		return ValidationResult{IsValid: false, Errors: []string{"CPF second check digit mismatch"}}
	}
	return ValidationResult{IsValid: true, Metadata: map[string]interface{}{"normalized": document}}
}

func cpfCheckDigit(digits []int, startWeight int) int {
	sum := 0
	weight := startWeight
	for _, d := range digits {
		sum += d * weight
		weight--
	}
	remainder := (sum * 10) % 11
	if remainder == 10 {
		remainder = 0
	}
	return remainder
}

func allDigitsEqual(s string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}

func (b *brazil) ApplyBusinessRules(requestedAmount, monthlyIncome decimal.Decimal, bankingData provider.BankingData, countrySpecificData map[string]interface{}) RiskAssessment {
	var reasons []string

	if requestedAmount.GreaterThan(b.maxLoan) {
		reasons = append(reasons, fmt.Sprintf("requested amount exceeds maximum of %s BRL", b.maxLoan.String()))
		return RiskAssessment{
			RiskScore:              decimal.NewFromInt(100),
			RiskLevel:              RiskCritical,
			ApprovalRecommendation: RecommendReject,
			Reasons:                reasons,
		}
	}
	if monthlyIncome.LessThan(b.minIncome) {
		reasons = append(reasons, fmt.Sprintf("monthly income below minimum of %s BRL", b.minIncome.String()))
	}

	dti := ratio(requestedAmount, monthlyIncome.Mul(decimal.NewFromInt(12)))
	if dti.GreaterThan(b.maxDTI) {
		reasons = append(reasons, fmt.Sprintf("debt-to-income ratio %s%% exceeds maximum of %s%%", dti.String(), b.maxDTI.String()))
	}

	score := dti
	if bankingData.CreditScore != nil && *bankingData.CreditScore < b.minCredit {
		reasons = append(reasons, "credit score below minimum threshold")
		score = score.Add(decimal.NewFromInt(20))
	}
	if bankingData.HasDefaults {
		reasons = append(reasons, "banking provider reports prior defaults")
		score = score.Add(decimal.NewFromInt(30))
	}
	score = clampScore(score)
	level := levelForScore(score)

	recommendation := RecommendApprove
	requiresReview := false
	switch {
	case len(reasons) == 0:
		recommendation = RecommendApprove
	case bankingData.HasDefaults || level == RiskCritical:
		recommendation = RecommendReject
	default:
		recommendation = RecommendReview
		requiresReview = true
	}

	return RiskAssessment{
		RiskScore:              score,
		RiskLevel:              level,
		ApprovalRecommendation: recommendation,
		Reasons:                reasons,
		RequiresReview:         requiresReview,
	}
}
