package country

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/r3e-network/creditflow/internal/domain/application"
	"github.com/r3e-network/creditflow/internal/provider"
)

// curpPattern enforces the CURP structural shape: 4 letters (name/surname
// initials + internal vowel), 6 digits (birth date YYMMDD), 1 letter (sex,
// H/M), 2 letters (state code), 3 consonants, 1 alphanumeric (disambiguator),
// 1 digit (check digit).
var curpPattern = regexp.MustCompile(`^[A-Z]{4}\d{6}[HM][A-Z]{2}[B-DF-HJ-NP-TV-Z]{3}[A-Z0-9]\d$`)

type mexico struct {
	maxLoan   decimal.Decimal
	minIncome decimal.Decimal
	minCredit int
	maxDTI    decimal.Decimal
}

func newMexico() Strategy {
	return &mexico{
		maxLoan:   decimal.NewFromInt(200000),
		minIncome: decimal.NewFromInt(6000),
		minCredit: 500,
		maxDTI:    decimal.NewFromInt(45),
	}
}

func (m *mexico) CountryCode() application.Country { return application.CountryMX }
func (m *mexico) DocumentTypeName() string         { return "CURP" }
func (m *mexico) RequiredFields() []string {
	return []string{"full_name", "identity_document", "requested_amount", "monthly_income"}
}

func (m *mexico) ValidateIdentityDocument(document string) ValidationResult {
	doc := normalizeUpper(document)
	if !curpPattern.MatchString(doc) {
		return ValidationResult{IsValid: false, Errors: []string{"CURP does not match the required 18-character structure"}}
	}
	return ValidationResult{IsValid: true, Metadata: map[string]interface{}{"normalized": doc}}
}

func (m *mexico) ApplyBusinessRules(requestedAmount, monthlyIncome decimal.Decimal, bankingData provider.BankingData, countrySpecificData map[string]interface{}) RiskAssessment {
	var reasons []string

	if requestedAmount.GreaterThan(m.maxLoan) {
		reasons = append(reasons, fmt.Sprintf("requested amount exceeds maximum of %s MXN", m.maxLoan.String()))
		return RiskAssessment{
			RiskScore:              decimal.NewFromInt(100),
			RiskLevel:              RiskCritical,
			ApprovalRecommendation: RecommendReject,
			Reasons:                reasons,
		}
	}
	if monthlyIncome.LessThan(m.minIncome) {
		reasons = append(reasons, fmt.Sprintf("monthly income below minimum of %s MXN", m.minIncome.String()))
	}

	dti := ratio(requestedAmount, monthlyIncome.Mul(decimal.NewFromInt(12)))
	if dti.GreaterThan(m.maxDTI) {
		reasons = append(reasons, fmt.Sprintf("debt-to-income ratio %s%% exceeds maximum of %s%%", dti.String(), m.maxDTI.String()))
	}

	score := dti
	if bankingData.CreditScore != nil && *bankingData.CreditScore < m.minCredit {
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
