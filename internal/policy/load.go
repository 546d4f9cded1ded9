package policy

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix scopes environment overrides, e.g. SIGNGATE_POLICY_MAXTXPERHOUR.
const EnvPrefix = "SIGNGATE_POLICY"

// LoadConfig reads a YAML or JSON policy file, applies environment
// overrides on top of DefaultConfig, and validates the result. An empty
// path loads defaults plus environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	def := DefaultConfig()
	v.SetDefault("version", def.Version)
	v.SetDefault("maxValueWei", def.MaxValueWei)
	v.SetDefault("maxApprovalAmount", def.MaxApprovalAmount)
	v.SetDefault("contractAllowlist", def.ContractAllowlist)
	v.SetDefault("tokenAllowlist", def.TokenAllowlist)
	v.SetDefault("allowedChains", def.AllowedChains)
	v.SetDefault("recipientAllowlist", def.RecipientAllowlist)
	v.SetDefault("maxRiskScore", def.MaxRiskScore)
	v.SetDefault("requireApprovalAbove.valueWei", def.RequireApprovalAbove.ValueWei)
	v.SetDefault("maxTxPerHour", def.MaxTxPerHour)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("policy: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
