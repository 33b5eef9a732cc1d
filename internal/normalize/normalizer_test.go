package normalize

import (
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/botfoods/orderfeed/errs"
	"github.com/botfoods/orderfeed/internal/domain/schema"
)

func TestNormalizeCanonicalPayload(t *testing.T) {
	raw := json.RawMessage(`{"orderId":"900","items":[{"name":"Pizza","quantity":2,"unitPrice":10}],"total":20}`)

	order, err := Normalize(raw)
	require.NoError(t, err)
	require.Equal(t, "900", order.ID)
	require.Len(t, order.Items, 1)

	item := order.Items[0]
	require.Equal(t, "Pizza", item.Name)
	require.True(t, item.Quantity.Equal(decimal.NewFromInt(2)))
	require.True(t, item.UnitPrice.Equal(decimal.NewFromInt(10)))
	require.True(t, item.Subtotal.Equal(decimal.NewFromInt(20)))
	require.Equal(t, "900-item-1", item.ID)
	require.Equal(t, DefaultCategory, item.Category)
	require.True(t, order.Total.Equal(decimal.NewFromInt(20)))
	require.Equal(t, schema.OrderStatusAwaitingConfirmation, order.Status)
	require.Equal(t, DefaultOrigin, order.Origin)
	require.Equal(t, DefaultSourceType, order.SourceType)
}

func TestNormalizeSafeDefaultsForMissingNestedFields(t *testing.T) {
	cases := map[string]string{
		"empty object":      `{}`,
		"items not a list":  `{"orderId":"1","items":"pizza"}`,
		"item not object":   `{"orderId":"1","items":[42, null]}`,
		"customer is null":  `{"orderId":"1","customer":null}`,
		"address is empty":  `{"orderId":"1","customer":{"name":"Ana","address":{}}}`,
		"numbers garbage":   `{"orderId":"1","total":"abc","items":[{"quantity":"x","unitPrice":{}}]}`,
		"top level array":   `[1,2,3]`,
		"top level string":  `"order"`,
		"deeply wrong type": `{"orderId":{"nested":true},"items":[{"category":[1]}]}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			require.NotPanics(t, func() {
				order, err := Normalize(json.RawMessage(payload))
				require.NoError(t, err)
				require.NotEmpty(t, order.Customer.Name)
				require.NotEmpty(t, order.Customer.Address)
				require.Equal(t, schema.OrderStatusAwaitingConfirmation, order.Status)
				for _, item := range order.Items {
					require.NotEmpty(t, item.Name)
					require.NotEmpty(t, item.Category)
					require.NotEmpty(t, item.ID)
				}
			})
		})
	}
}

func TestNormalizeMissingAddressUsesPlaceholder(t *testing.T) {
	order, err := Normalize(json.RawMessage(`{"orderId":"7","customer":{"name":"Ana","phone":"+55 11 99999-0000"}}`))
	require.NoError(t, err)
	require.Equal(t, "Ana", order.Customer.Name)
	require.Equal(t, "+55 11 99999-0000", order.Customer.Phone)
	require.Equal(t, DefaultAddress, order.Customer.Address)
	require.True(t, order.Total.IsZero())
}

func TestNormalizeAbsentPayloadFails(t *testing.T) {
	for _, payload := range []string{"", "   ", "null"} {
		_, err := Normalize(json.RawMessage(payload))
		require.Error(t, err)
		require.True(t, errors.Is(err, errs.ErrNormalization), "payload %q", payload)
	}
}

func TestNormalizeAlternateShapes(t *testing.T) {
	raw := json.RawMessage(`{
		"order": {
			"order_id": 123,
			"products": [
				{"product_id": "p-1", "title": "Burger", "qty": "3", "unit_price": "R$ 12,50", "category": {"name": "Lanches"}, "note": "no onion"}
			],
			"total_amount": "37,50",
			"client": {"full_name": "Bruno", "whatsapp": "5511988887777",
				"address": {"street": "Rua A", "number": "10", "neighborhood": "Centro", "city": "Sao Paulo"}},
			"created_at": 1704103200,
			"source": "whatsapp",
			"status": "confirmed"
		}
	}`)

	order, err := Normalize(raw)
	require.NoError(t, err)
	require.Equal(t, "123", order.ID)
	require.Len(t, order.Items, 1)
	require.Equal(t, "p-1", order.Items[0].ID)
	require.Equal(t, "Burger", order.Items[0].Name)
	require.Equal(t, "Lanches", order.Items[0].Category)
	require.Equal(t, "no onion", order.Items[0].Notes)
	require.True(t, order.Items[0].UnitPrice.Equal(decimal.RequireFromString("12.50")))
	require.True(t, order.Items[0].Subtotal.Equal(decimal.RequireFromString("37.50")))
	require.True(t, order.Total.Equal(decimal.RequireFromString("37.50")))
	require.Equal(t, "Bruno", order.Customer.Name)
	require.Equal(t, "5511988887777", order.Customer.Phone)
	require.Equal(t, "Rua A 10, Centro, Sao Paulo", order.Customer.Address)
	require.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), order.CreatedAt)
	require.Equal(t, "whatsapp", order.Origin)
	require.Equal(t, schema.OrderStatusConfirmed, order.Status)
}

func TestNormalizeIsDeterministic(t *testing.T) {
	raw := json.RawMessage(`{"orderId":"5","items":[{"name":"A","quantity":1,"unitPrice":"2.5"},{"quantity":2}],"customer":"Carla"}`)
	first, err := Normalize(raw)
	require.NoError(t, err)
	second, err := Normalize(raw)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, "Carla", first.Customer.Name)
	require.Equal(t, "5-item-2", first.Items[1].ID)
}

func TestNormalizeNotificationFallbacks(t *testing.T) {
	n := schema.Notification{
		ID:        "n9",
		Timestamp: "2024-01-01T10:00:00Z",
		RawOrder:  json.RawMessage(`{"items":[]}`),
	}
	order, err := NormalizeNotification(n)
	require.NoError(t, err)
	require.Equal(t, "n9", order.ID)
	require.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), order.CreatedAt)

	_, err = NormalizeNotification(schema.Notification{RawOrder: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, errs.ErrNormalization)
}

func TestNormalizeNotificationAnchorsItemIDsToFallbackOrderID(t *testing.T) {
	n := schema.Notification{
		ID:       "n9",
		RawOrder: json.RawMessage(`{"items":[{"name":"Pizza"},{"id":"sku-7","name":"Soda"}]}`),
	}
	order, err := NormalizeNotification(n)
	require.NoError(t, err)
	require.Equal(t, "n9", order.ID)
	require.Equal(t, "n9-item-1", order.Items[0].ID)
	require.Equal(t, "sku-7", order.Items[1].ID)

	bare, err := Normalize(json.RawMessage(`{"items":[{"name":"Pizza"}]}`))
	require.NoError(t, err)
	require.Equal(t, "item-1", bare.Items[0].ID)
}

func TestOrderIDPeek(t *testing.T) {
	require.Equal(t, "900", OrderID(json.RawMessage(`{"orderId":"900"}`)))
	require.Equal(t, "77", OrderID(json.RawMessage(`{"order":{"id":77}}`)))
	require.Equal(t, "", OrderID(nil))
}

func TestParseDecimalText(t *testing.T) {
	cases := map[string]string{
		"10":          "10",
		"10.5":        "10.5",
		"10,5":        "10.5",
		"R$ 1.234,50": "1234.5",
		"1,234.50":    "1234.5",
	}
	for input, want := range cases {
		got, ok := parseDecimalText(input)
		require.True(t, ok, input)
		require.True(t, got.Equal(decimal.RequireFromString(want)), "%s => %s", input, got)
	}
	_, ok := parseDecimalText("free")
	require.False(t, ok)
}
