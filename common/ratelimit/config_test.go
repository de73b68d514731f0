package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyByServiceCalls(t *testing.T) {
	assert.Equal(t, TierSimple, ClassifyByServiceCalls(0))
	assert.Equal(t, TierStandard, ClassifyByServiceCalls(1))
	assert.Equal(t, TierStandard, ClassifyByServiceCalls(2))
	assert.Equal(t, TierHeavy, ClassifyByServiceCalls(3))
	assert.Equal(t, TierHeavy, ClassifyByServiceCalls(12))
}

func TestTierConfig_HeavierTiersGetTighterLimits(t *testing.T) {
	simple := tierConfig(TierSimple)
	standard := tierConfig(TierStandard)
	heavy := tierConfig(TierHeavy)

	assert.Greater(t, simple.Limit, standard.Limit)
	assert.Greater(t, standard.Limit, heavy.Limit)
}

func TestTierConfig_UnknownTierFallsBackToStandard(t *testing.T) {
	assert.Equal(t, tierConfig(TierStandard), tierConfig(Tier("mystery")))
}
