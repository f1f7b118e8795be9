package validator

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mandi-price-engine/internal/market"
)

func obs(source string, modal float64) market.Observation {
	return market.Observation{
		Source:     market.SourceID(source),
		Commodity:  "onion",
		MinPrice:   modal * 0.9,
		MaxPrice:   modal * 1.1,
		ModalPrice: modal,
		Arrivals:   10,
	}
}

func TestValidate(t *testing.T) {
	v := New(0, zerolog.Nop())

	cases := []struct {
		name string
		obs  market.Observation
		ok   bool
	}{
		{"valid", obs("a", 2000), true},
		{"zero modal", market.Observation{MinPrice: 1, MaxPrice: 2, ModalPrice: 0}, false},
		{"negative min", market.Observation{MinPrice: -1, MaxPrice: 2, ModalPrice: 1}, false},
		{"nan", market.Observation{MinPrice: 1, MaxPrice: math.NaN(), ModalPrice: 1}, false},
		{"inf", market.Observation{MinPrice: 1, MaxPrice: math.Inf(1), ModalPrice: 1}, false},
		{"min above max", market.Observation{MinPrice: 3, MaxPrice: 2, ModalPrice: 2}, false},
		{"modal outside band", market.Observation{MinPrice: 1, MaxPrice: 2, ModalPrice: 5}, false},
		{"negative arrivals", market.Observation{MinPrice: 1, MaxPrice: 2, ModalPrice: 1.5, Arrivals: -4}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.ok, v.Validate(tc.obs))
			if !tc.ok {
				assert.ErrorIs(t, Check(tc.obs), market.ErrValidationFailure)
			}
		})
	}
}

func TestDetectAnomaly(t *testing.T) {
	v := New(DefaultAnomalyThreshold, zerolog.Nop())
	history := []float64{2000, 2050, 1980, 2100, 1990, 2040, 2010}

	assert.True(t, v.DetectAnomaly(obs("a", 2700), history), "34 percent above median")
	assert.False(t, v.DetectAnomaly(obs("a", 2100), history))
	assert.True(t, v.DetectAnomaly(obs("a", 1400), history))

	flat := []float64{2000, 2000, 2000}
	assert.False(t, v.DetectAnomaly(obs("a", 2500), flat), "exactly 25% is not anomalous")
	assert.False(t, v.DetectAnomaly(obs("a", 1500), flat))
	assert.True(t, v.DetectAnomaly(obs("a", 2500.01), flat))

	assert.False(t, v.DetectAnomaly(obs("a", 99999), nil), "no reference never flags")
}

func TestAnomalyWrapsSentinel(t *testing.T) {
	v := New(0, zerolog.Nop())
	history := []float64{2000, 2000, 2000}

	err := v.Anomaly(obs("a", 3000), history)
	require.Error(t, err)
	assert.ErrorIs(t, err, market.ErrAnomalyDetected)
	assert.NoError(t, v.Anomaly(obs("a", 2100), history))
}

func TestFilterExcludesOutliers(t *testing.T) {
	v := New(0, zerolog.Nop())
	history := []float64{2000, 2050, 1980, 2100, 1990, 2040, 2010}

	invalid := obs("c", 2000)
	invalid.MinPrice = 0

	res := v.Filter([]market.Observation{obs("a", 2000), obs("b", 2700), invalid}, history)

	require.Len(t, res.Kept, 1)
	assert.Equal(t, market.SourceID("a"), res.Kept[0].Source)
	require.Len(t, res.Anomalous, 1)
	assert.Equal(t, market.SourceID("b"), res.Anomalous[0].Source)
	assert.Len(t, res.Invalid, 1)
	assert.False(t, res.LowConfidence)
}

func TestFilterUsesSiblingsWithoutHistory(t *testing.T) {
	v := New(0, zerolog.Nop())

	res := v.Filter([]market.Observation{obs("a", 1950), obs("b", 2000), obs("c", 2050), obs("d", 4000)}, nil)

	require.Len(t, res.Kept, 3)
	require.Len(t, res.Anomalous, 1)
	assert.Equal(t, market.SourceID("d"), res.Anomalous[0].Source)
}

func TestFilterFallsBackWhenEverythingFlagged(t *testing.T) {
	v := New(0, zerolog.Nop())
	history := []float64{1000, 1000, 1000}

	res := v.Filter([]market.Observation{obs("a", 2000), obs("b", 2100)}, history)

	assert.True(t, res.LowConfidence)
	assert.Len(t, res.Kept, 2)
	assert.Len(t, res.Anomalous, 2)
}

func TestFilterAllInvalid(t *testing.T) {
	v := New(0, zerolog.Nop())
	bad := obs("a", 2000)
	bad.ModalPrice = math.NaN()

	res := v.Filter([]market.Observation{bad}, nil)
	assert.Empty(t, res.Kept)
	assert.False(t, res.LowConfidence)
}
