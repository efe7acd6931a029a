package carrier_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/orderflow/shipbridge/pkg/carrier"
)

func TestStatusRank_TotalOrder(t *testing.T) {
	progression := []carrier.ShipmentStatus{
		carrier.StatusDraft,
		carrier.StatusBookingInProgress,
		carrier.StatusBooked,
		carrier.StatusPickupScheduled,
		carrier.StatusInTransit,
		carrier.StatusOutForDelivery,
		carrier.StatusFailed,
		carrier.StatusRTOInitiated,
		carrier.StatusRTOInTransit,
		carrier.StatusRTODelivered,
		carrier.StatusDelivered,
		carrier.StatusCancelled,
	}
	for i := 1; i < len(progression); i++ {
		assert.Greater(t, carrier.StatusRank(progression[i]), carrier.StatusRank(progression[i-1]),
			"%s must rank above %s", progression[i], progression[i-1])
	}
}

func TestStatusRank_Unknown(t *testing.T) {
	assert.Equal(t, -1, carrier.StatusRank("LOST_IN_SPACE"))
	assert.Equal(t, -1, carrier.StatusRank(""))
}

func TestIsValidStatus(t *testing.T) {
	assert.True(t, carrier.IsValidStatus(carrier.StatusDelivered))
	assert.True(t, carrier.IsValidStatus(carrier.StatusOutForDelivery))
	assert.False(t, carrier.IsValidStatus("delivered")) // case sensitive
	assert.False(t, carrier.IsValidStatus(""))
}
