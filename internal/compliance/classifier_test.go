package compliance

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyComplianceNoRiders(t *testing.T) {
	a := ClassifyCompliance(0, 0)
	assert.Equal(t, TierNoData, a.Tier)
	assert.Nil(t, a.Rate)
	assert.False(t, a.HasRate())
	assert.Zero(t, a.TotalRiders)
}

func TestClassifyComplianceTiers(t *testing.T) {
	tests := []struct {
		name       string
		withHelmet uint
		noHelmet   uint
		rate       float64
		tier       Tier
	}{
		{"all helmets", 10, 0, 100, TierPerfect},
		{"exactly eighty", 8, 2, 80, TierGood},
		{"exactly fifty", 5, 5, 50, TierModerate},
		{"forty", 4, 6, 40, TierCritical},
		{"nobody", 0, 3, 0, TierCritical},
		{"single rider with helmet", 1, 0, 100, TierPerfect},
		{"just under perfect", 99, 1, 99, TierGood},
		{"just under good", 79, 21, 79, TierModerate},
		{"just under moderate", 49, 51, 49, TierCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := ClassifyCompliance(tt.withHelmet, tt.noHelmet)
			require.NotNil(t, a.Rate)
			assert.InDelta(t, tt.rate, *a.Rate, 1e-9)
			assert.Equal(t, tt.tier, a.Tier)
			assert.Equal(t, tt.withHelmet+tt.noHelmet, a.TotalRiders)
		})
	}
}

func TestClassifyComplianceCoversEveryPair(t *testing.T) {
	for w := uint(0); w <= 30; w++ {
		for n := uint(0); n <= 30; n++ {
			a := ClassifyCompliance(w, n)
			if w+n == 0 {
				assert.Equal(t, TierNoData, a.Tier)
				continue
			}

			require.NotNil(t, a.Rate)
			rate := 100 * float64(w) / float64(w+n)
			assert.Equal(t, rate, *a.Rate)

			var want Tier
			switch {
			case rate == 100:
				want = TierPerfect
			case rate >= 80:
				want = TierGood
			case rate >= 50:
				want = TierModerate
			default:
				want = TierCritical
			}
			assert.Equal(t, want, a.Tier, "w=%d n=%d", w, n)
		}
	}
}

func TestTierInfoTable(t *testing.T) {
	for _, tier := range Tiers() {
		info := tier.Info()
		assert.NotEmpty(t, info.Title, tier)
		assert.NotEmpty(t, info.Message, tier)
		assert.NotEmpty(t, info.Icon, tier)
	}
	assert.Equal(t, "danger", TierCritical.Info().Tone)
	assert.Less(t, TierGood.Severity(), TierCritical.Severity())
}

func TestSummarizeDetections(t *testing.T) {
	stats := SummarizeDetections(DetectionResult{
		WithHelmetCount: 3,
		NoHelmetCount:   1,
		MotorcycleCount: 4,
	})
	assert.Equal(t, uint(8), stats.Total)
	assert.Equal(t, 38, stats.ComplianceRate)

	empty := SummarizeDetections(DetectionResult{})
	assert.Zero(t, empty.Total)
	assert.Zero(t, empty.ComplianceRate)
}

func TestSummarizeDetectionsIgnoresDetailList(t *testing.T) {
	result := DetectionResult{
		WithHelmetCount: 2,
		Detections: []Detection{
			{Class: ClassNoHelmet, Confidence: 0.9},
			{Class: ClassNoHelmet, Confidence: 0.8},
			{Class: ClassMotorcycle, Confidence: 0.7},
		},
	}

	stats := SummarizeDetections(result)
	assert.Equal(t, uint(2), stats.WithHelmet)
	assert.Zero(t, stats.NoHelmet)
	assert.Equal(t, uint(2), stats.Total)
	assert.Equal(t, 100, stats.ComplianceRate)
}

func TestAssessKeepsBothRates(t *testing.T) {
	report := Assess(DetectionResult{WithHelmetCount: 3, NoHelmetCount: 1, MotorcycleCount: 4})

	require.NotNil(t, report.Assessment.Rate)
	assert.Equal(t, 75.0, *report.Assessment.Rate)
	assert.Equal(t, TierModerate, report.Assessment.Tier)
	assert.Equal(t, 38, report.Stats.ComplianceRate)
	assert.Equal(t, TierModerate.Info(), report.TierInfo)
}

func TestAssessmentJSON(t *testing.T) {
	data, err := json.Marshal(ClassifyCompliance(0, 0))
	require.NoError(t, err)
	assert.JSONEq(t, `{"total_riders":0,"rate":null,"tier":"no_data"}`, string(data))

	_, err = json.Marshal(Assessment{Tier: Tier("bogus")})
	assert.Error(t, err)
}

func TestParseClass(t *testing.T) {
	c, err := ParseClass("no_helmet")
	require.NoError(t, err)
	assert.Equal(t, ClassNoHelmet, c)

	_, err = ParseClass("bicycle")
	assert.Error(t, err)
}
