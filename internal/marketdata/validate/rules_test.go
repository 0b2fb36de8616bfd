package validate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"eldorado/internal/model"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var bucket = time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)

func exCandle(volume string) *model.ExchangeCandle {
	return &model.ExchangeCandle{Time: bucket, Volume: dec(volume)}
}

func TestValidateFTX(t *testing.T) {
	tests := []struct {
		name   string
		volume string
		value  string
		ex     *model.ExchangeCandle
		valid  bool
	}{
		{"no trades and no exchange candle", "0", "0", nil, true},
		{"trades but no exchange candle", "1", "100", nil, false},
		{"value equals exchange volume", "2", "201.5", exCandle("201.5"), true},
		{"within tolerance", "2", "10000", exCandle("10000.5"), true},
		{"outside tolerance", "2", "10000", exCandle("10002"), false},
		{"zero value against volume", "0", "0", exCandle("5"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := model.Candle{Datetime: bucket, Volume: dec(tt.volume), Value: dec(tt.value)}
			out := ValidateFTX(c, tt.ex)
			assert.Equal(t, tt.valid, out.Valid, out.Reason)
			if !tt.valid {
				assert.NotEmpty(t, out.Reason)
			}
		})
	}
}

func gdaxCandle(first, last, count int64, volume string) model.Candle {
	return model.Candle{
		Datetime:     bucket,
		Volume:       dec(volume),
		TradeCount:   count,
		FirstTradeID: first,
		LastTradeID:  last,
	}
}

func TestValidateGDAX_Contiguity(t *testing.T) {
	ref := Reference{Candle: exCandle("12.5"), End: bucket.Add(15 * time.Minute)}

	out := ValidateGDAX(gdaxCandle(94, 1001, 908, "12.5"), ref)
	assert.True(t, out.Valid, out.Reason)

	out = ValidateGDAX(gdaxCandle(94, 1001, 907, "12.5"), ref)
	assert.False(t, out.Valid)
	assert.Contains(t, out.Reason, "span 908")

	out = ValidateGDAX(gdaxCandle(94, 1001, 908, "12.4"), ref)
	assert.False(t, out.Valid)
}

func TestValidateGDAX_MergedSkipsSpan(t *testing.T) {
	// A day whose first child carried forward trade 99.
	day := gdaxCandle(99, 194, 95, "95")
	ref := Reference{Candle: exCandle("95"), End: bucket.Add(24 * time.Hour)}
	assert.False(t, ValidateGDAX(day, ref).Valid)

	ref.Merged = true
	out := ValidateGDAX(day, ref)
	assert.True(t, out.Valid, out.Reason)

	day.Volume = dec("94")
	assert.False(t, ValidateGDAX(day, ref).Valid)
}

func TestValidateGDAX_CarryForward(t *testing.T) {
	cf := gdaxCandle(93, 93, 0, "0")
	assert.True(t, ValidateGDAX(cf, Reference{}).Valid)
	assert.True(t, ValidateGDAX(cf, Reference{Candle: exCandle("0")}).Valid)
	assert.False(t, ValidateGDAX(cf, Reference{Candle: exCandle("1")}).Valid)
}

func TestValidateGDAX_Boundaries(t *testing.T) {
	end := bucket.Add(15 * time.Minute)
	before := model.Trade{ID: 93, Time: bucket.Add(-time.Second)}
	after := model.Trade{ID: 1002, Time: end}

	tests := []struct {
		name   string
		first  int64
		prev   Neighbor
		next   Neighbor
		valid  bool
		reason string
	}{
		{"both outside", 94, Neighbor{before, true}, Neighbor{after, true}, true, ""},
		{"next not yet traded", 94, Neighbor{before, true}, Neighbor{}, true, ""},
		{"origin at one", 1, Neighbor{}, Neighbor{after, true}, true, ""},
		{"origin unknown", 94, Neighbor{}, Neighbor{after, true}, false, "sequence origin unknown"},
		{"previous inside", 94, Neighbor{model.Trade{ID: 93, Time: bucket}, true}, Neighbor{after, true}, false, "previous trade 93"},
		{"next inside", 94, Neighbor{before, true}, Neighbor{model.Trade{ID: 1002, Time: end.Add(-time.Microsecond)}, true}, false, "next trade 1002"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count := 1001 - tt.first + 1
			ref := Reference{Candle: exCandle("3"), End: end, LookedUp: true, Prev: tt.prev, Next: tt.next}
			out := ValidateGDAX(gdaxCandle(tt.first, 1001, count, "3"), ref)
			assert.Equal(t, tt.valid, out.Valid, out.Reason)
			if tt.reason != "" {
				assert.Contains(t, out.Reason, tt.reason)
			}
		})
	}
}

func TestValidate_Dispatch(t *testing.T) {
	zero := model.Candle{Datetime: bucket, Volume: decimal.Zero, Value: decimal.Zero}
	assert.True(t, Validate(model.FamilyFTX, zero, Reference{}).Valid)
	assert.True(t, Validate(model.FamilyGDAX, zero, Reference{}).Valid)
	assert.False(t, Validate(model.FamilyUnknown, zero, Reference{}).Valid)
}
