package registry

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// PolicyFile is the YAML shape for seeding org policy in bulk, typically at
// org onboarding.
type PolicyFile struct {
	Ceilings  []CeilingEntry  `yaml:"ceilings"`
	Overrides []OverrideEntry `yaml:"overrides"`
}

// CeilingEntry is one org ceiling row in a policy file.
type CeilingEntry struct {
	OrgID                 string `yaml:"org_id"`
	ActionType            string `yaml:"action_type"`
	MaxCeiling            string `yaml:"max_ceiling"`
	AutoPromotionEligible bool   `yaml:"auto_promotion_eligible"`
}

// OverrideEntry is one user override row in a policy file.
type OverrideEntry struct {
	OrgID      string `yaml:"org_id"`
	UserID     string `yaml:"user_id"`
	ActionType string `yaml:"action_type"`
	Policy     string `yaml:"policy"`
}

// LoadPolicyFile parses a policy seed file.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read policy file %s", path)
	}
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, eris.Wrapf(err, "registry: parse policy file %s", path)
	}
	return &pf, nil
}

// Apply seeds every entry of a policy file through the usual validation
// path. The first invalid entry aborts the load.
func (r *Registry) Apply(ctx context.Context, pf *PolicyFile) error {
	for _, c := range pf.Ceilings {
		if _, err := r.SetCeiling(ctx, c.OrgID, c.ActionType, c.MaxCeiling, c.AutoPromotionEligible); err != nil {
			return eris.Wrapf(err, "registry: seed ceiling %s/%s", c.OrgID, c.ActionType)
		}
	}
	for _, ov := range pf.Overrides {
		if _, err := r.SetOverride(ctx, ov.OrgID, ov.UserID, ov.ActionType, ov.Policy); err != nil {
			return eris.Wrapf(err, "registry: seed override %s/%s/%s", ov.OrgID, ov.UserID, ov.ActionType)
		}
	}
	zap.L().Info("policy file applied",
		zap.Int("ceilings", len(pf.Ceilings)),
		zap.Int("overrides", len(pf.Overrides)),
	)
	return nil
}
