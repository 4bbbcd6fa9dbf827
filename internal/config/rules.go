// rules.go loads the position-rules JSON document.
//
// The document has two parts: "defaults" and per-asset "overrides". Override
// keys are presence-aware: a key that is present replaces the inherited
// value (including explicit null, which disables the check), a key that is
// absent inherits from defaults. Truthiness is never consulted, so an empty
// list and a missing list behave differently at the parse level even though
// an empty list also resolves to "check disabled".
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
)

// AssetRules is the fully resolved rule-set applied to one asset.
// Nil slices and nil pointers mean "check disabled".
type AssetRules struct {
	WhitelistLong         []string
	WhitelistShort        []string
	BlacklistLong         []string
	BlacklistShort        []string
	MaxLeverage           *decimal.Decimal
	MaxMarginShare        *decimal.Decimal
	FundingThresholdLong  *decimal.Decimal
	FundingThresholdShort *decimal.Decimal
	MinFundingRateDelta   *decimal.Decimal
	CooldownMinutes       int
	NotifyRecovery        bool
}

// RuleSet holds the loaded defaults plus raw per-asset overrides.
type RuleSet struct {
	Defaults              AssetRules
	TotalMarginUsageLimit *decimal.Decimal

	overrides map[string]map[string]json.RawMessage
}

const (
	defaultCooldownMinutes = 30
	defaultNotifyRecovery  = true
)

// LoadRules reads and validates the position-rules JSON file.
// A missing file is a startup error; the monitor refuses to run unaudited.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses the position-rules document from raw JSON.
func ParseRules(data []byte) (*RuleSet, error) {
	var doc struct {
		Defaults  map[string]json.RawMessage            `json:"defaults"`
		Overrides map[string]map[string]json.RawMessage `json:"overrides"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	rs := &RuleSet{
		Defaults: AssetRules{
			CooldownMinutes: defaultCooldownMinutes,
			NotifyRecovery:  defaultNotifyRecovery,
		},
		overrides: make(map[string]map[string]json.RawMessage, len(doc.Overrides)),
	}

	for key, raw := range doc.Defaults {
		if key == "totalMarginUsageLimit" {
			limit, err := parseNullablePositive(raw, key)
			if err != nil {
				return nil, err
			}
			rs.TotalMarginUsageLimit = limit
			continue
		}
		if err := applyRuleKey(&rs.Defaults, key, raw); err != nil {
			return nil, fmt.Errorf("defaults: %w", err)
		}
	}

	for asset, keys := range doc.Overrides {
		upper := strings.ToUpper(strings.TrimSpace(asset))
		if upper == "" {
			return nil, fmt.Errorf("overrides: empty asset id")
		}
		// Validate override values eagerly so a bad document fails at startup.
		probe := rs.Defaults
		for key, raw := range keys {
			if err := applyRuleKey(&probe, key, raw); err != nil {
				return nil, fmt.Errorf("overrides[%s]: %w", upper, err)
			}
		}
		rs.overrides[upper] = keys
	}

	return rs, nil
}

// Resolve returns the effective rules for an asset: defaults with any
// present override keys applied on top.
func (rs *RuleSet) Resolve(asset string) AssetRules {
	resolved := rs.Defaults
	keys, ok := rs.overrides[strings.ToUpper(asset)]
	if !ok {
		return resolved
	}
	for key, raw := range keys {
		// Load-time validation already vetted every override key.
		_ = applyRuleKey(&resolved, key, raw)
	}
	return resolved
}

// ConfiguredAssets lists the assets that carry overrides, for building the
// evaluation set alongside assets that hold positions.
func (rs *RuleSet) ConfiguredAssets() []string {
	assets := make([]string, 0, len(rs.overrides))
	for asset := range rs.overrides {
		assets = append(assets, asset)
	}
	return assets
}

func applyRuleKey(r *AssetRules, key string, raw json.RawMessage) error {
	switch key {
	case "whitelistLong":
		return parseAssetList(raw, key, &r.WhitelistLong)
	case "whitelistShort":
		return parseAssetList(raw, key, &r.WhitelistShort)
	case "blacklistLong":
		return parseAssetList(raw, key, &r.BlacklistLong)
	case "blacklistShort":
		return parseAssetList(raw, key, &r.BlacklistShort)
	case "maxLeverage":
		v, err := parseNullablePositive(raw, key)
		if err != nil {
			return err
		}
		r.MaxLeverage = v
	case "maxMarginShare":
		v, err := parseNullablePositive(raw, key)
		if err != nil {
			return err
		}
		if v != nil && v.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%s must be within (0, 1]", key)
		}
		r.MaxMarginShare = v
	case "fundingThresholdLong":
		v, err := parseNullableNumber(raw, key)
		if err != nil {
			return err
		}
		r.FundingThresholdLong = v
	case "fundingThresholdShort":
		v, err := parseNullableNumber(raw, key)
		if err != nil {
			return err
		}
		r.FundingThresholdShort = v
	case "minFundingRateDelta":
		v, err := parseNullableNumber(raw, key)
		if err != nil {
			return err
		}
		if v != nil && v.IsNegative() {
			return fmt.Errorf("%s must be >= 0", key)
		}
		r.MinFundingRateDelta = v
	case "cooldownMinutes":
		var v int
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must be >= 0", key)
		}
		r.CooldownMinutes = v
	case "notifyRecovery":
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		r.NotifyRecovery = v
	default:
		return fmt.Errorf("unknown rule key %q", key)
	}
	return nil
}

// parseAssetList handles the list keys. null and [] both resolve to nil
// (check disabled); entries are uppercased.
func parseAssetList(raw json.RawMessage, key string, out *[]string) error {
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if len(list) == 0 {
		*out = nil
		return nil
	}
	upper := make([]string, len(list))
	for i, a := range list {
		upper[i] = strings.ToUpper(strings.TrimSpace(a))
	}
	*out = upper
	return nil
}

func parseNullableNumber(raw json.RawMessage, key string) (*decimal.Decimal, error) {
	if string(raw) == "null" {
		return nil, nil
	}
	var v decimal.Decimal
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &v, nil
}

func parseNullablePositive(raw json.RawMessage, key string) (*decimal.Decimal, error) {
	v, err := parseNullableNumber(raw, key)
	if err != nil {
		return nil, err
	}
	if v != nil && !v.IsPositive() {
		return nil, fmt.Errorf("%s must be > 0", key)
	}
	return v, nil
}
