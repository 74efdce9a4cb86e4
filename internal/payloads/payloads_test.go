package payloads

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tillpoint/possync/internal/models"
)

// TestDecode tests that each sync type decodes into its payload struct.
func TestDecode(t *testing.T) {
	tests := []struct {
		syncType models.SyncType
		raw      string
		check    func(t *testing.T, p Payload)
	}{
		{
			models.SyncTypeOrder,
			`{"order_number":"ORD-1","status":"open","subtotal":10,"total_amount":10,"items":[{"quantity":2,"unit_price":5,"total":10}]}`,
			func(t *testing.T, p Payload) {
				order, ok := p.(*OrderPayload)
				require.True(t, ok)
				assert.Equal(t, "ORD-1", order.OrderNumber)
				assert.Equal(t, models.OrderStatusOpen, order.Status)
				require.Len(t, order.Items, 1)
				assert.Equal(t, 2, order.Items[0].Quantity)
			},
		},
		{
			models.SyncTypeInventory,
			`{"type":"sale","quantity":3,"reference":"order-7"}`,
			func(t *testing.T, p Payload) {
				movement, ok := p.(*InventoryPayload)
				require.True(t, ok)
				assert.Equal(t, models.MovementSale, movement.Type)
				assert.Equal(t, 3, movement.Quantity)
				assert.Nil(t, movement.UnitCost)
			},
		},
		{
			models.SyncTypePayment,
			`{"amount":25.5,"method":"card","status":"completed"}`,
			func(t *testing.T, p Payload) {
				payment, ok := p.(*PaymentPayload)
				require.True(t, ok)
				assert.Equal(t, 25.5, payment.Amount)
				assert.Equal(t, models.PaymentStatusCompleted, payment.Status)
			},
		},
		{
			models.SyncTypeProduct,
			`{"sku":"SKU-1","name":"Widget","cost_price":2,"selling_price":5,"track_stock":true}`,
			func(t *testing.T, p Payload) {
				product, ok := p.(*ProductPayload)
				require.True(t, ok)
				assert.Equal(t, "SKU-1", product.SKU)
				assert.True(t, product.TrackStock)
			},
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.syncType), func(t *testing.T) {
			p, err := Decode(tt.syncType, json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.syncType, p.SyncType())
			tt.check(t, p)
		})
	}
}

// TestDecode_UnknownSyncType tests that types without a payload struct are
// rejected.
func TestDecode_UnknownSyncType(t *testing.T) {
	_, err := Decode(models.SyncTypeMember, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no payload type")

	_, err = Decode("bogus", json.RawMessage(`{}`))
	assert.Error(t, err)
}

// TestDecode_MalformedJSON tests that malformed client data fails at decode.
func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode(models.SyncTypeOrder, json.RawMessage(`{"subtotal":"ten"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode order payload")
}
