package country

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/r3e-network/creditflow/internal/domain/application"
	"github.com/r3e-network/creditflow/internal/provider"
)

// cedulaPattern enforces a Colombian cédula de ciudadanía: 6 to 10 digits,
// no leading zero.
var cedulaPattern = regexp.MustCompile(`^[1-9]\d{5,9}$`)

type colombia struct {
	maxLoan   decimal.Decimal
	minIncome decimal.Decimal
	minCredit int
	maxDTI    decimal.Decimal
}

func newColombia() Strategy {
	return &colombia{
		maxLoan:   decimal.NewFromInt(80000000),
		minIncome: decimal.NewFromInt(1300000),
		minCredit: 500,
		maxDTI:    decimal.NewFromInt(45),
	}
}

func (c *colombia) CountryCode() application.Country { return application.CountryCO }
func (c *colombia) DocumentTypeName() string         { return "Cédula de Ciudadanía" }
func (c *colombia) RequiredFields() []string {
	return []string{"full_name", "identity_document", "requested_amount", "monthly_income"}
}

func (c *colombia) ValidateIdentityDocument(document string) ValidationResult {
	if !cedulaPattern.MatchString(document) {
		return ValidationResult{IsValid: false, Errors: []string{"cédula must be 6 to 10 digits with no leading zero"}}
	}
	return ValidationResult{IsValid: true, Metadata: map[string]interface{}{"normalized": document}}
}

func (c *colombia) ApplyBusinessRules(requestedAmount, monthlyIncome decimal.Decimal, bankingData provider.BankingData, countrySpecificData map[string]interface{}) RiskAssessment {
	var reasons []string

	if requestedAmount.GreaterThan(c.maxLoan) {
		reasons = append(reasons, fmt.Sprintf("requested amount exceeds maximum of %s COP", c.maxLoan.String()))
		return RiskAssessment{
			RiskScore:              decimal.NewFromInt(100),
			RiskLevel:              RiskCritical,
			ApprovalRecommendation: RecommendReject,
			Reasons:                reasons,
		}
	}
	if monthlyIncome.LessThan(c.minIncome) {
		reasons = append(reasons, fmt.Sprintf("monthly income below minimum of %s COP", c.minIncome.String()))
	}

	dti := ratio(requestedAmount, monthlyIncome.Mul(decimal.NewFromInt(12)))
	if dti.GreaterThan(c.maxDTI) {
		reasons = append(reasons, fmt.Sprintf("debt-to-income ratio %s%% exceeds maximum of %s%%", dti.String(), c.maxDTI.String()))
	}

	score := dti
	if bankingData.CreditScore != nil && *bankingData.CreditScore < c.minCredit {
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
