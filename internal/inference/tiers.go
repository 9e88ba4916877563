package inference

import (
	"fmt"
	"sort"
	"strings"
)

// Tier is a named quality preset selecting the transcription model size.
type Tier string

const (
	TierFast     Tier = "fast"
	TierBalanced Tier = "balanced"
	TierAccurate Tier = "accurate"
)

const DefaultTier = TierBalanced

var registry = map[Tier]string{
	TierFast:     "small",
	TierBalanced: "medium",
	TierAccurate: "large-v2",
}

func TierNames() []string {
	names := make([]string, 0, len(registry))
	for tier := range registry {
		names = append(names, string(tier))
	}
	sort.Strings(names)
	return names
}

func LookupTier(name string) (Tier, bool) {
	tier := Tier(strings.ToLower(strings.TrimSpace(name)))
	_, ok := registry[tier]
	return tier, ok
}

// ResolveTier maps a requested quality onto a known tier. Empty and unknown
// names fall back to def instead of failing.
func ResolveTier(requested string, def Tier) Tier {
	if tier, ok := LookupTier(requested); ok {
		return tier
	}
	return def
}

// TierMap assigns a model identifier to every tier.
type TierMap map[Tier]string

// NewTierMap starts from the built-in models and applies overrides keyed by
// tier name.
func NewTierMap(overrides map[string]string) (TierMap, error) {
	tiers := make(TierMap, len(registry))
	for tier, model := range registry {
		tiers[tier] = model
	}

	for name, model := range overrides {
		tier, ok := LookupTier(name)
		if !ok {
			return nil, fmt.Errorf("unknown tier %q (known tiers: %s)", name, strings.Join(TierNames(), ", "))
		}
		model = strings.TrimSpace(model)
		if model == "" {
			return nil, fmt.Errorf("model for tier %q must not be empty", name)
		}
		tiers[tier] = model
	}

	return tiers, nil
}

func (m TierMap) ModelName(tier Tier) string {
	if name, ok := m[tier]; ok {
		return name
	}
	return registry[tier]
}
