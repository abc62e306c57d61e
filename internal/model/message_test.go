package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryStateAdvance(t *testing.T) {
	// Forward transitions.
	assert.Equal(t, DeliveryDelivered, DeliverySent.Advance(DeliveryDelivered))
	assert.Equal(t, DeliveryRead, DeliverySent.Advance(DeliveryRead))
	assert.Equal(t, DeliveryRead, DeliveryDelivered.Advance(DeliveryRead))

	// Regressions are ignored.
	assert.Equal(t, DeliveryRead, DeliveryRead.Advance(DeliveryDelivered))
	assert.Equal(t, DeliveryRead, DeliveryRead.Advance(DeliverySent))
	assert.Equal(t, DeliveryDelivered, DeliveryDelivered.Advance(DeliverySent))

	// Idempotent.
	assert.Equal(t, DeliveryRead, DeliveryRead.Advance(DeliveryRead))

	// Unknown states never win.
	assert.Equal(t, DeliverySent, DeliverySent.Advance(DeliveryState("bogus")))
}
