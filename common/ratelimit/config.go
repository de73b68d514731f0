package ratelimit

// Tier classifies a workflow by how expensive its executions are
type Tier string

const (
	TierSimple   Tier = "simple"   // no external service calls
	TierStandard Tier = "standard" // 1-2 service calls
	TierHeavy    Tier = "heavy"    // 3+ service calls
)

// TierConfig defines the limit of one tier
type TierConfig struct {
	Limit         int64
	WindowSeconds int
}

var tierConfigs = map[Tier]TierConfig{
	TierSimple:   {Limit: 100, WindowSeconds: 60},
	TierStandard: {Limit: 20, WindowSeconds: 60},
	TierHeavy:    {Limit: 5, WindowSeconds: 60},
}

// ClassifyByServiceCalls maps a workflow's external call count to its tier
func ClassifyByServiceCalls(calls int) Tier {
	switch {
	case calls == 0:
		return TierSimple
	case calls <= 2:
		return TierStandard
	default:
		return TierHeavy
	}
}

func tierConfig(t Tier) TierConfig {
	if cfg, ok := tierConfigs[t]; ok {
		return cfg
	}
	return tierConfigs[TierStandard]
}
