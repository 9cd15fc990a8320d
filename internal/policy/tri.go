package policy

import "github.com/shopspring/decimal"

// Band is the coarse classification of a TRI score.
type Band string

const (
	BandGreen Band = "green"
	BandAmber Band = "amber"
	BandRed   Band = "red"
)

// TRIComponentName identifies one weighted input of the risk index.
type TRIComponentName string

const (
	ComponentCounterparty  TRIComponentName = "counterparty"
	ComponentCorridor      TRIComponentName = "corridor"
	ComponentConcentration TRIComponentName = "concentration"
	ComponentSize          TRIComponentName = "size"
)

// TRIComponent is one raw 0-100 score with its weight.
type TRIComponent struct {
	Name     TRIComponentName `json:"name"`
	Raw      decimal.Decimal  `json:"raw"`
	Weight   decimal.Decimal  `json:"weight"`
	Weighted decimal.Decimal  `json:"weighted"`
}

// TRIResult is the Transaction Risk Index for one proposed settlement.
type TRIResult struct {
	Score      decimal.Decimal `json:"score"`
	Band       Band            `json:"band"`
	Components []TRIComponent  `json:"components"`
}

var (
	weightCounterparty  = decimal.RequireFromString("0.35")
	weightCorridor      = decimal.RequireFromString("0.25")
	weightConcentration = decimal.RequireFromString("0.25")
	weightSize          = decimal.RequireFromString("0.15")

	sizeScale  = decimal.NewFromInt(500)
	amberFloor = decimal.NewFromInt(40)
	redFloor   = decimal.NewFromInt(70)
)

// ComputeTRI scores a transaction from 0 (benign) to 100 (maximal risk).
// The result depends only on its arguments.
func ComputeTRI(cp Counterparty, corridor Corridor, notional decimal.Decimal, capital CapitalSnapshot) TRIResult {
	components := []TRIComponent{
		component(ComponentCounterparty, counterpartyRaw(cp.RiskRating), weightCounterparty),
		component(ComponentCorridor, corridorRaw(corridor.RiskLevel), weightCorridor),
		component(ComponentConcentration, concentrationRaw(notional, capital), weightConcentration),
		component(ComponentSize, sizeRaw(notional, capital), weightSize),
	}

	score := decimal.Zero
	for _, c := range components {
		score = score.Add(c.Weighted)
	}
	score = clamp(score, zero, hundred)

	return TRIResult{Score: score, Band: BandFor(score), Components: components}
}

// BandFor classifies a TRI score.
func BandFor(score decimal.Decimal) Band {
	switch {
	case score.LessThan(amberFloor):
		return BandGreen
	case score.LessThan(redFloor):
		return BandAmber
	default:
		return BandRed
	}
}

func component(name TRIComponentName, raw, weight decimal.Decimal) TRIComponent {
	return TRIComponent{Name: name, Raw: raw, Weight: weight, Weighted: raw.Mul(weight)}
}

func counterpartyRaw(r RiskRating) decimal.Decimal {
	switch r {
	case RiskLow:
		return decimal.NewFromInt(15)
	case RiskMedium:
		return decimal.NewFromInt(40)
	case RiskHigh:
		return decimal.NewFromInt(70)
	case RiskCritical:
		return decimal.NewFromInt(95)
	}
	// Unrated counterparties score as critical.
	return decimal.NewFromInt(95)
}

func corridorRaw(r CorridorRisk) decimal.Decimal {
	switch r {
	case CorridorRiskLow:
		return decimal.NewFromInt(10)
	case CorridorRiskMedium:
		return decimal.NewFromInt(45)
	case CorridorRiskHigh:
		return decimal.NewFromInt(80)
	}
	return decimal.NewFromInt(80)
}

// concentrationRaw is post-transaction hardstop utilization as a percentage.
func concentrationRaw(notional decimal.Decimal, capital CapitalSnapshot) decimal.Decimal {
	if !capital.HardstopLimit.IsPositive() {
		return hundred
	}
	util := capital.GrossExposureNotional.Add(notional).Div(capital.HardstopLimit)
	return clamp(util.Mul(hundred), zero, hundred)
}

// sizeRaw scales the ticket against the capital base; 20% of base scores 100.
func sizeRaw(notional decimal.Decimal, capital CapitalSnapshot) decimal.Decimal {
	if !capital.CapitalBase.IsPositive() {
		return hundred
	}
	return clamp(notional.Div(capital.CapitalBase).Mul(sizeScale), zero, hundred)
}
