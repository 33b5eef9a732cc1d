// Package normalize converts heterogeneous upstream order payloads into canonical orders.
//
// Normalization is pure: the same payload always yields the same order, and malformed
// but present payloads degrade to safe defaults instead of failing. Only an absent or
// null payload is an error.
package normalize

import (
	"bytes"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/botfoods/orderfeed/errs"
	"github.com/botfoods/orderfeed/internal/domain/schema"
)

// Defaults substituted for missing values.
const (
	DefaultItemName     = "Unnamed item"
	DefaultCategory     = "Uncategorized"
	DefaultCustomerName = "Unknown customer"
	DefaultAddress      = "Address not provided"
	DefaultOrigin       = "unknown"
	DefaultSourceType   = "order_queue"
)

var (
	orderIDKeys   = []string{"orderId", "order_id", "id", "orderNumber", "order_number"}
	itemsKeys     = []string{"items", "products", "lineItems", "line_items"}
	totalKeys     = []string{"total", "totalAmount", "total_amount", "amount"}
	notesKeys     = []string{"notes", "note", "observations", "comment"}
	createdAtKeys = []string{"createdAt", "created_at", "date", "timestamp"}
	originKeys    = []string{"origin", "source", "channel"}
	sourceKeys    = []string{"sourceType", "source_type"}
	wrapperKeys   = []string{"order", "data", "payload"}
)

// Normalize converts rawOrder into a canonical order.
func Normalize(rawOrder json.RawMessage) (schema.Order, error) {
	doc, err := decode(rawOrder)
	if err != nil {
		return schema.Order{}, err
	}
	return build(doc, ""), nil
}

// NormalizeNotification normalizes the notification's payload, filling the order id from
// the notification id and the creation time from the delivery timestamp when the payload
// carries neither.
func NormalizeNotification(n schema.Notification) (schema.Order, error) {
	doc, err := decode(n.RawOrder)
	if err != nil {
		return schema.Order{}, err
	}
	order := build(doc, n.ID.String())
	if order.CreatedAt.IsZero() {
		if ts, ok := n.Time(); ok {
			order.CreatedAt = ts
		}
	}
	if order.ID == "" {
		return schema.Order{}, errs.New("normalize", errs.CodeNormalization,
			errs.WithMessage("order has no identifier"))
	}
	return order, nil
}

// OrderID extracts the upstream order identifier without building the full order.
// It returns "" when the payload is absent or carries no identifier.
func OrderID(rawOrder json.RawMessage) string {
	doc, err := decode(rawOrder)
	if err != nil {
		return ""
	}
	return stringField(doc, orderIDKeys...)
}

func decode(rawOrder json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(rawOrder)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, errs.New("normalize", errs.CodeNormalization, errs.WithMessage("raw order absent"))
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, errs.New("normalize", errs.CodeNormalization,
			errs.WithMessage("raw order is not valid json"), errs.WithCause(err))
	}
	doc, ok := asMap(value)
	if !ok {
		// present but not an object: degrade to an empty document
		return map[string]any{}, nil
	}
	return unwrap(doc), nil
}

// unwrap descends into envelopes like {"order": {...}} when the top level has no items.
func unwrap(doc map[string]any) map[string]any {
	if _, ok := lookup(doc, itemsKeys...); ok {
		return doc
	}
	for _, key := range wrapperKeys {
		inner, ok := asMap(doc[key])
		if !ok {
			continue
		}
		if _, has := lookup(inner, orderIDKeys...); !has {
			if id, ok := lookup(doc, orderIDKeys...); ok {
				inner["orderId"] = id
			}
		}
		return inner
	}
	return doc
}

// build assembles the order. fallbackID stands in when the payload carries no id, so
// derived item ids stay anchored to the order.
func build(doc map[string]any, fallbackID string) schema.Order {
	id := stringField(doc, orderIDKeys...)
	if id == "" {
		id = strings.TrimSpace(fallbackID)
	}
	total, _ := decimalField(doc, totalKeys...)

	order := schema.Order{
		ID:         id,
		Items:      buildItems(id, asSlice(firstValue(doc, itemsKeys...))),
		Customer:   buildCustomer(doc),
		Total:      total,
		Notes:      stringField(doc, notesKeys...),
		Status:     buildStatus(doc),
		Origin:     stringOr(doc, DefaultOrigin, originKeys...),
		SourceType: stringOr(doc, DefaultSourceType, sourceKeys...),
	}
	if v, ok := lookup(doc, createdAtKeys...); ok {
		if ts, ok := asTime(v); ok {
			order.CreatedAt = ts
		}
	}
	return order
}

func firstValue(m map[string]any, keys ...string) any {
	v, _ := lookup(m, keys...)
	return v
}

func buildItems(orderID string, raw []any) []schema.OrderItem {
	items := make([]schema.OrderItem, 0, len(raw))
	for idx, entry := range raw {
		m, ok := asMap(entry)
		if !ok {
			m = map[string]any{}
		}
		quantity, _ := decimalField(m, "quantity", "qty")
		unitPrice, _ := decimalField(m, "unitPrice", "unit_price", "price")
		subtotal, ok := decimalField(m, "subtotal", "sub_total", "lineTotal", "total")
		if !ok {
			subtotal = quantity.Mul(unitPrice)
		}
		itemID := stringField(m, "id", "itemId", "item_id", "productId", "product_id", "sku")
		if itemID == "" {
			itemID = fmt.Sprintf("item-%d", idx+1)
			if orderID != "" {
				itemID = orderID + "-" + itemID
			}
		}
		items = append(items, schema.OrderItem{
			ID:        itemID,
			Name:      stringOr(m, DefaultItemName, "name", "title", "productName", "product_name", "description"),
			Quantity:  quantity,
			UnitPrice: unitPrice,
			Subtotal:  subtotal,
			Notes:     stringField(m, notesKeys...),
			Category:  itemCategory(m),
		})
	}
	return items
}

func itemCategory(m map[string]any) string {
	v, ok := lookup(m, "category", "categoryName", "category_name")
	if !ok {
		return DefaultCategory
	}
	if nested, ok := asMap(v); ok {
		return stringOr(nested, DefaultCategory, "name", "title")
	}
	if s := asString(v); s != "" {
		return s
	}
	return DefaultCategory
}

func buildCustomer(doc map[string]any) schema.Customer {
	nested, _ := asMap(firstValue(doc, "customer", "client", "buyer"))
	if nested == nil {
		nested = map[string]any{}
	}
	name := stringField(nested, "name", "fullName", "full_name")
	if name == "" {
		name = stringField(doc, "customerName", "customer_name", "clientName")
	}
	if name == "" {
		name = asString(firstValue(doc, "customer"))
	}
	if name == "" {
		name = DefaultCustomerName
	}
	phone := stringField(nested, "phone", "phoneNumber", "phone_number", "whatsapp")
	if phone == "" {
		phone = stringField(doc, "customerPhone", "customer_phone", "phone")
	}
	address := formatAddress(firstValue(nested, "address", "deliveryAddress", "delivery_address"))
	if address == "" {
		address = formatAddress(firstValue(doc, "address", "deliveryAddress", "delivery_address"))
	}
	if address == "" {
		address = DefaultAddress
	}
	return schema.Customer{Name: name, Phone: phone, Address: address}
}

func formatAddress(v any) string {
	if v == nil {
		return ""
	}
	m, ok := asMap(v)
	if !ok {
		return asString(v)
	}
	street := stringField(m, "street", "line1", "logradouro")
	if number := stringField(m, "number", "numero"); number != "" && street != "" {
		street = street + " " + number
	}
	parts := []string{
		street,
		stringField(m, "complement", "line2"),
		stringField(m, "neighborhood", "district", "bairro"),
		stringField(m, "city"),
		stringField(m, "state"),
		stringField(m, "zip", "zipCode", "postalCode", "cep"),
	}
	kept := parts[:0]
	for _, part := range parts {
		if part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ", ")
}

func buildStatus(doc map[string]any) schema.OrderStatus {
	raw := stringField(doc, "status")
	if raw == "" {
		return schema.OrderStatusAwaitingConfirmation
	}
	for _, status := range []schema.OrderStatus{
		schema.OrderStatusAwaitingConfirmation,
		schema.OrderStatusConfirmed,
		schema.OrderStatusPreparing,
		schema.OrderStatusDispatched,
		schema.OrderStatusDelivered,
		schema.OrderStatusCancelled,
	} {
		if strings.EqualFold(raw, string(status)) {
			return status
		}
	}
	return schema.OrderStatusAwaitingConfirmation
}
