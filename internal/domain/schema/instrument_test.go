package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/pricefeed/errs"
)

func TestInstrumentIdentity(t *testing.T) {
	assert.Equal(t, "ITEM_00", InstrumentID(0))
	assert.Equal(t, "ITEM_07", InstrumentID(7))
	assert.Equal(t, "ITEM_123", InstrumentID(123))
	assert.Equal(t, "Item 04", InstrumentName(4))
}

func TestNewInstrument(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name    string
		id      string
		price   float64
		wantErr bool
	}{
		{name: "valid", id: "ITEM_00", price: 101.5},
		{name: "trimmed id", id: "  ITEM_01 ", price: 1},
		{name: "empty id", id: " ", price: 10, wantErr: true},
		{name: "zero price", id: "ITEM_02", price: 0, wantErr: true},
		{name: "negative price", id: "ITEM_03", price: -3, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := NewInstrument(tt.id, "Item", tt.price, created)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errs.IsCode(err, errs.CodeInvalid))
				return
			}
			require.NoError(t, err)
			assert.NotContains(t, inst.ID, " ")
			assert.Equal(t, tt.price, inst.InitialPrice)
			assert.Equal(t, inst.InitialPrice, inst.CurrentPrice)
			assert.Equal(t, created, inst.CreatedAt)
			assert.Equal(t, created, inst.UpdatedAt)
		})
	}
}

func TestInstrumentWithPriceReturnsCopy(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	inst, err := NewInstrument("ITEM_00", "Item 00", 100, created)
	require.NoError(t, err)

	later := created.Add(time.Second)
	updated, err := inst.WithPrice(99.25, later)
	require.NoError(t, err)

	assert.Equal(t, 99.25, updated.CurrentPrice)
	assert.Equal(t, 100.0, updated.InitialPrice)
	assert.Equal(t, later, updated.UpdatedAt)
	assert.Equal(t, 100.0, inst.CurrentPrice, "original must be untouched")

	_, err = inst.WithPrice(0, later)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestNewPriceSample(t *testing.T) {
	ts := time.Now()
	sample, err := NewPriceSample("ITEM_05", 12.5, ts)
	require.NoError(t, err)
	assert.Nil(t, sample.Volume)

	withVolume := sample.WithVolume(3)
	require.NotNil(t, withVolume.Volume)
	assert.Equal(t, 3.0, *withVolume.Volume)
	assert.Nil(t, sample.Volume)

	_, err = NewPriceSample("ITEM_05", 0, ts)
	require.Error(t, err)
	_, err = NewPriceSample("", 1, ts)
	require.Error(t, err)
}
