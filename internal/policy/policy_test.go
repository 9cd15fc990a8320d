package policy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func cleanCounterparty() Counterparty {
	return Counterparty{
		OrgID:           "org-buyer",
		LegalName:       "Aurum Holdings",
		RiskRating:      RiskLow,
		KYCStatus:       KYCVerified,
		SanctionsStatus: SanctionsClear,
	}
}

func activeCorridor() Corridor {
	return Corridor{ID: "CH-GB", Name: "Zurich to London", Status: CorridorActive, RiskLevel: CorridorRiskLow}
}

func fullEvidence() *Evidence {
	return &Evidence{ComplianceApproved: true, ProofOfFunds: true, TitleDocuments: true}
}

// capitalFixture is the desk-sized book used across scenarios: $10M base,
// $5M current exposure, $8M hardstop.
func capitalFixture() CapitalSnapshot {
	return CapitalSnapshot{
		CapitalBase:           d("10000000"),
		GrossExposureNotional: d("5000000"),
		HardstopLimit:         d("8000000"),
		BreachLevel:           BreachNone,
	}
}

func hasBlocker(blockers []Blocker, id BlockerID, sev Severity) bool {
	for _, b := range blockers {
		if b.ID == id && b.Severity == sev {
			return true
		}
	}
	return false
}

func TestComputeTRI_Components(t *testing.T) {
	t.Parallel()

	tri := ComputeTRI(cleanCounterparty(), activeCorridor(), d("2000000"), capitalFixture())

	require.Len(t, tri.Components, 4)
	want := map[TRIComponentName]string{
		ComponentCounterparty:  "5.25",
		ComponentCorridor:      "2.5",
		ComponentConcentration: "21.875",
		ComponentSize:          "15",
	}
	for _, c := range tri.Components {
		assert.Truef(t, c.Weighted.Equal(d(want[c.Name])), "%s weighted = %s, want %s", c.Name, c.Weighted, want[c.Name])
	}
	assert.True(t, tri.Score.Equal(d("44.625")), "score = %s", tri.Score)
	assert.Equal(t, BandAmber, tri.Band)
}

func TestComputeTRI_IsPure(t *testing.T) {
	t.Parallel()

	cp := cleanCounterparty()
	cp.RiskRating = RiskHigh
	a := ComputeTRI(cp, activeCorridor(), d("1234567.89"), capitalFixture())
	b := ComputeTRI(cp, activeCorridor(), d("1234567.89"), capitalFixture())

	require.True(t, a.Score.Equal(b.Score))
	assert.Equal(t, a.Band, b.Band)
	for i := range a.Components {
		assert.Equal(t, a.Components[i].Name, b.Components[i].Name)
		assert.True(t, a.Components[i].Weighted.Equal(b.Components[i].Weighted))
	}
}

func TestComputeTRI_ClampsAndUnknownRatings(t *testing.T) {
	t.Parallel()

	cp := cleanCounterparty()
	cp.RiskRating = "UNRATED"
	corridor := activeCorridor()
	corridor.RiskLevel = ""

	tri := ComputeTRI(cp, corridor, d("50000000"), CapitalSnapshot{})
	assert.True(t, tri.Score.Equal(d("95").Mul(weightCounterparty).Add(d("80").Mul(weightCorridor)).Add(d("40"))))
	assert.Equal(t, BandRed, tri.Band)
	assert.True(t, tri.Score.LessThanOrEqual(hundred))
}

func TestBandFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		score string
		want  Band
	}{
		{"0", BandGreen},
		{"39.999", BandGreen},
		{"40", BandAmber},
		{"69.99", BandAmber},
		{"70", BandRed},
		{"100", BandRed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BandFor(d(tt.score)), tt.score)
	}
}

func TestValidateCapital_PostTxnECRExact(t *testing.T) {
	t.Parallel()

	capital := capitalFixture()
	for _, n := range []string{"0", "0.01", "2000000", "333333.33", "99999999.99"} {
		cv, err := ValidateCapital(d(n), capital)
		require.NoError(t, err)
		want := capital.GrossExposureNotional.Add(d(n)).Div(capital.CapitalBase)
		assert.Truef(t, cv.PostTxnECR.Equal(want), "notional %s: ecr %s want %s", n, cv.PostTxnECR, want)
	}
}

func TestValidateCapital_RejectsMalformedInput(t *testing.T) {
	t.Parallel()

	noBase := capitalFixture()
	noBase.CapitalBase = decimal.Zero
	_, err := ValidateCapital(d("1"), noBase)
	require.ErrorIs(t, err, ErrInvalidCapital)

	noLimit := capitalFixture()
	noLimit.HardstopLimit = d("-1")
	_, err = ValidateCapital(d("1"), noLimit)
	require.ErrorIs(t, err, ErrInvalidCapital)

	_, err = ValidateCapital(d("-0.01"), capitalFixture())
	require.ErrorIs(t, err, ErrInvalidCapital)
}

func TestEndToEnd_HardstopCeiling(t *testing.T) {
	t.Parallel()

	notional := d("2000000")
	cv, err := ValidateCapital(notional, capitalFixture())
	require.NoError(t, err)
	assert.True(t, cv.PostTxnECR.Equal(d("0.70")), "ecr = %s", cv.PostTxnECR)
	assert.True(t, cv.PostTxnHardstopUtil.Equal(d("0.875")), "util = %s", cv.PostTxnHardstopUtil)
	assert.True(t, cv.HardstopRemaining.Equal(d("1000000")))

	in := Input{
		Counterparty: cleanCounterparty(),
		Corridor:     activeCorridor(),
		Evidence:     fullEvidence(),
		Notional:     notional,
		Capital:      capitalFixture(),
	}

	at90 := New(DefaultThresholds())
	dec, err := at90.Evaluate(in)
	require.NoError(t, err)
	assert.False(t, HasBlockLevel(dec.Blockers))
	assert.False(t, dec.Blocked)
	assert.True(t, hasBlocker(dec.Blockers, BlockerHardstopNearCeiling, SeverityWarn))
	assert.Equal(t, TierDeskHead, dec.Approval.Tier)

	th := DefaultThresholds()
	th.HardstopCeiling = d("0.85")
	at85 := New(th)
	dec, err = at85.Evaluate(in)
	require.NoError(t, err)
	assert.True(t, HasBlockLevel(dec.Blockers))
	assert.True(t, hasBlocker(dec.Blockers, BlockerHardstopCeilingExceeded, SeverityBlock))
	assert.Equal(t, []string{string(BlockerHardstopCeilingExceeded)}, dec.BlockIDs())
}

func TestEvaluate_SanctionsBlockNeverAutoApproves(t *testing.T) {
	t.Parallel()

	small := CapitalSnapshot{
		CapitalBase:           d("10000000"),
		GrossExposureNotional: decimal.Zero,
		HardstopLimit:         d("8000000"),
	}
	notional := d("500000")

	// Without the sanctions flag this transaction auto-approves.
	clean := DetermineApproval(ComputeTRI(cleanCounterparty(), activeCorridor(), notional, small).Score, notional)
	require.Equal(t, TierAuto, clean.Tier)

	for _, status := range []SanctionsStatus{SanctionsFlagged, SanctionsPending} {
		cp := cleanCounterparty()
		cp.SanctionsStatus = status

		dec, err := New(DefaultThresholds()).Evaluate(Input{
			Counterparty: cp,
			Corridor:     activeCorridor(),
			Evidence:     fullEvidence(),
			Notional:     notional,
			Capital:      small,
		})
		require.NoError(t, err)
		assert.True(t, HasBlockLevel(dec.Blockers))
		assert.NotEqual(t, TierAuto, dec.Approval.Tier)
		assert.Equal(t, TierBoard, dec.Approval.Tier)
		assert.Contains(t, dec.Approval.Reason, string(BlockerSanctionsNotClear))
	}
}

func TestCheckBlockers_Rules(t *testing.T) {
	t.Parallel()

	p := New(DefaultThresholds())
	calm := CapitalSnapshot{CapitalBase: d("100000000"), HardstopLimit: d("100000000")}
	tri := TRIResult{Score: d("10"), Band: BandGreen}

	t.Run("clean transaction has no blockers", func(t *testing.T) {
		got := p.CheckBlockers(cleanCounterparty(), activeCorridor(), fullEvidence(), tri, d("1000"), calm)
		assert.Empty(t, got)
	})

	t.Run("kyc and corridor suspended both fire", func(t *testing.T) {
		cp := cleanCounterparty()
		cp.KYCStatus = KYCPending
		corridor := activeCorridor()
		corridor.Status = CorridorSuspended

		got := p.CheckBlockers(cp, corridor, fullEvidence(), tri, d("1000"), calm)
		require.Len(t, got, 2)
		assert.Equal(t, BlockerCorridorSuspended, got[0].ID)
		assert.Equal(t, BlockerKYCNotVerified, got[1].ID)
	})

	t.Run("restricted corridor warns", func(t *testing.T) {
		corridor := activeCorridor()
		corridor.Status = CorridorRestricted
		got := p.CheckBlockers(cleanCounterparty(), corridor, fullEvidence(), tri, d("1000"), calm)
		require.Len(t, got, 1)
		assert.Equal(t, SeverityWarn, got[0].Severity)
		assert.False(t, HasBlockLevel(got))
	})

	t.Run("aggregator hardstop breach blocks", func(t *testing.T) {
		breached := calm
		breached.BreachLevel = BreachHardstop
		got := p.CheckBlockers(cleanCounterparty(), activeCorridor(), fullEvidence(), tri, d("1000"), breached)
		assert.True(t, hasBlocker(got, BlockerCapitalHardstopBreach, SeverityBlock))
	})

	t.Run("missing evidence is informational", func(t *testing.T) {
		got := p.CheckBlockers(cleanCounterparty(), activeCorridor(), nil, tri, d("1000"), calm)
		require.Len(t, got, 1)
		assert.Equal(t, SeverityInfo, got[0].Severity)
	})

	t.Run("incomplete evidence warns", func(t *testing.T) {
		got := p.CheckBlockers(cleanCounterparty(), activeCorridor(), &Evidence{}, tri, d("1000"), calm)
		assert.True(t, hasBlocker(got, BlockerComplianceNotApproved, SeverityWarn))
		assert.True(t, hasBlocker(got, BlockerProofOfFundsMissing, SeverityWarn))
	})

	t.Run("invalid capital blocks", func(t *testing.T) {
		got := p.CheckBlockers(cleanCounterparty(), activeCorridor(), fullEvidence(), tri, d("1000"), CapitalSnapshot{})
		assert.True(t, hasBlocker(got, BlockerCapitalDataInvalid, SeverityBlock))
	})
}

func TestCheckBlockers_TRIRedEscalatesAboveThreshold(t *testing.T) {
	t.Parallel()

	p := New(DefaultThresholds())
	cp := cleanCounterparty()
	cp.RiskRating = RiskCritical
	corridor := activeCorridor()
	corridor.RiskLevel = CorridorRiskHigh
	capital := CapitalSnapshot{
		CapitalBase:           d("100000000"),
		GrossExposureNotional: d("90000000"),
		HardstopLimit:         d("100000000"),
	}

	small := d("4000000")
	tri := ComputeTRI(cp, corridor, small, capital)
	require.Equal(t, BandRed, tri.Band)
	assert.True(t, hasBlocker(p.CheckBlockers(cp, corridor, fullEvidence(), tri, small, capital), BlockerTRIRed, SeverityWarn))

	large := d("6000000")
	tri = ComputeTRI(cp, corridor, large, capital)
	require.Equal(t, BandRed, tri.Band)
	assert.True(t, hasBlocker(p.CheckBlockers(cp, corridor, fullEvidence(), tri, large, capital), BlockerTRIRed, SeverityBlock))
}

func TestDetermineApproval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		tri      string
		notional string
		want     ApprovalTier
	}{
		{"low risk small ticket", "39.99", "1000000", TierAuto},
		{"tri desk head", "40", "1000000", TierDeskHead},
		{"notional just over auto", "10", "1000000.01", TierDeskHead},
		{"tri credit committee dominates", "54.99", "6000000", TierCreditCommittee},
		{"tri board", "70", "100", TierBoard},
		{"notional credit committee boundary", "10", "25000000", TierCreditCommittee},
		{"notional board", "10", "25000000.01", TierBoard},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetermineApproval(d(tt.tri), d(tt.notional))
			assert.Equal(t, tt.want, got.Tier)
			assert.Equal(t, tt.want.Label(), got.Label)
			assert.NotEmpty(t, got.Reason)
		})
	}
}

func TestDetermineApproval_Monotonic(t *testing.T) {
	t.Parallel()

	scores := []string{"0", "20", "40", "55", "70", "100"}
	notionals := []string{"1", "1000000", "5000000", "25000000", "90000000"}
	for i, s := range scores {
		for j, n := range notionals {
			base := DetermineApproval(d(s), d(n)).Tier.Rank()
			if i+1 < len(scores) {
				assert.GreaterOrEqual(t, DetermineApproval(d(scores[i+1]), d(n)).Tier.Rank(), base)
			}
			if j+1 < len(notionals) {
				assert.GreaterOrEqual(t, DetermineApproval(d(s), d(notionals[j+1])).Tier.Rank(), base)
			}
		}
	}
}
