package refdata

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"goldclear.io/clearing/internal/policy"
)

// Fixture is a reference-data seed file.
//
//	counterparties:
//	  - org_id: org-buyer
//	    legal_name: Aurum Holdings
//	    risk_rating: LOW
//	    kyc_status: VERIFIED
//	    sanctions_status: CLEAR
//	corridors:
//	  - {id: CH-GB, name: Zurich to London, status: ACTIVE, risk_level: LOW}
//	capital:
//	  base_usd: "10000000"
//	  gross_exposure_usd: "0"
//	  hardstop_usd: "8000000"
type Fixture struct {
	Counterparties []policy.Counterparty `yaml:"counterparties"`
	Corridors      []policy.Corridor     `yaml:"corridors"`
	Capital        *CapitalFixture       `yaml:"capital"`
}

// CapitalFixture holds dollar amounts as decimal strings.
type CapitalFixture struct {
	BaseUSD          string `yaml:"base_usd"`
	GrossExposureUSD string `yaml:"gross_exposure_usd"`
	HardstopUSD      string `yaml:"hardstop_usd"`
}

// Amounts parses the capital figures.
func (c CapitalFixture) Amounts() (base, exposure, hardstop decimal.Decimal, err error) {
	if base, err = decimal.NewFromString(c.BaseUSD); err != nil {
		return base, exposure, hardstop, fmt.Errorf("capital.base_usd: %w", err)
	}
	if exposure, err = decimal.NewFromString(c.GrossExposureUSD); err != nil {
		return base, exposure, hardstop, fmt.Errorf("capital.gross_exposure_usd: %w", err)
	}
	if hardstop, err = decimal.NewFromString(c.HardstopUSD); err != nil {
		return base, exposure, hardstop, fmt.Errorf("capital.hardstop_usd: %w", err)
	}
	if !base.IsPositive() || !hardstop.IsPositive() || exposure.IsNegative() {
		return base, exposure, hardstop, fmt.Errorf("capital amounts must be positive (exposure may be zero)")
	}
	return base, exposure, hardstop, nil
}

// LoadFixture reads and validates a fixture file. Unknown keys are errors.
func LoadFixture(path string) (*Fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	return ParseFixture(raw)
}

// ParseFixture decodes and validates fixture YAML.
func ParseFixture(raw []byte) (*Fixture, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var f Fixture
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Fixture) validate() error {
	seen := make(map[string]bool, len(f.Counterparties))
	for i, cp := range f.Counterparties {
		if cp.OrgID == "" {
			return fmt.Errorf("counterparties[%d]: org_id is required", i)
		}
		if seen[cp.OrgID] {
			return fmt.Errorf("counterparties[%d]: duplicate org_id %s", i, cp.OrgID)
		}
		seen[cp.OrgID] = true
		switch cp.RiskRating {
		case policy.RiskLow, policy.RiskMedium, policy.RiskHigh, policy.RiskCritical:
		default:
			return fmt.Errorf("counterparty %s: unknown risk_rating %q", cp.OrgID, cp.RiskRating)
		}
	}
	for i, c := range f.Corridors {
		if c.ID == "" {
			return fmt.Errorf("corridors[%d]: id is required", i)
		}
		if !ValidCorridorStatus(c.Status) {
			return fmt.Errorf("corridor %s: unknown status %q", c.ID, c.Status)
		}
	}
	if f.Capital != nil {
		if _, _, _, err := f.Capital.Amounts(); err != nil {
			return err
		}
	}
	return nil
}

// Apply upserts the fixture's counterparties and corridors into store.
// Capital figures are applied by the caller.
func (f *Fixture) Apply(ctx context.Context, store Store) error {
	for _, cp := range f.Counterparties {
		if err := store.UpsertCounterparty(ctx, cp); err != nil {
			return fmt.Errorf("seed counterparty %s: %w", cp.OrgID, err)
		}
	}
	for _, c := range f.Corridors {
		if err := store.UpsertCorridor(ctx, c); err != nil {
			return fmt.Errorf("seed corridor %s: %w", c.ID, err)
		}
	}
	return nil
}
