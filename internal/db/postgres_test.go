package db

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/utxoracle/utxoracle-live/pkg/models"
)

func dp(price, confidence float64, valid bool) models.DailyPrice {
	return models.DailyPrice{UTXOraclePrice: price, Confidence: confidence, IsValid: valid}
}

// applySequence folds a write sequence through the keep-best rule, starting
// from the first write (a fresh insert takes the row unconditionally).
func applySequence(writes []models.DailyPrice) models.DailyPrice {
	stored := writes[0]
	for _, w := range writes[1:] {
		if dailyPriceReplaces(w, stored) {
			stored = w
		}
	}
	return stored
}

func TestDailyPriceKeepBest(t *testing.T) {
	tests := []struct {
		name   string
		writes []models.DailyPrice
		want   models.DailyPrice
	}{
		{
			name:   "higher confidence replaces",
			writes: []models.DailyPrice{dp(50000, 0.4, true), dp(50100, 0.7, true)},
			want:   dp(50100, 0.7, true),
		},
		{
			name:   "lower confidence is ignored",
			writes: []models.DailyPrice{dp(50000, 0.7, true), dp(49000, 0.3, true)},
			want:   dp(50000, 0.7, true),
		},
		{
			name:   "equal confidence takes the newer write",
			writes: []models.DailyPrice{dp(50000, 0.5, true), dp(50200, 0.5, true)},
			want:   dp(50200, 0.5, true),
		},
		{
			name:   "invalid write never replaces",
			writes: []models.DailyPrice{dp(50000, 0.4, true), dp(90000, 0.9, false)},
			want:   dp(50000, 0.4, true),
		},
		{
			name: "confidence dip then recovery keeps the peak until beaten",
			writes: []models.DailyPrice{
				dp(50000, 0.6, true),
				dp(51000, 0.2, true),
				dp(50500, 0.6, true),
			},
			want: dp(50500, 0.6, true),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, applySequence(tt.writes))
		})
	}
}
