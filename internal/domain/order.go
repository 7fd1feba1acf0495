package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type PaymentMethod string

const (
	PaymentMethodCash PaymentMethod = "cash"
	PaymentMethodCard PaymentMethod = "card"
)

type ShippingAddress struct {
	Details    string `bson:"details" json:"details" validate:"required"`
	City       string `bson:"city" json:"city" validate:"required"`
	Phone      string `bson:"phone" json:"phone" validate:"required"`
	PostalCode string `bson:"postal_code,omitempty" json:"postal_code,omitempty"`
}

// OrderItem is a copy of a cart line item taken at checkout time.
type OrderItem struct {
	ProductID primitive.ObjectID `bson:"product_id" json:"product_id"`
	Quantity  int                `bson:"quantity" json:"quantity"`
	Price     float64            `bson:"price" json:"price"`
	Color     string             `bson:"color" json:"color"`
}

type Order struct {
	ID                primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID            string             `bson:"user_id" json:"user_id"`
	Items             []OrderItem        `bson:"items" json:"items"`
	ShippingAddress   ShippingAddress    `bson:"shipping_address" json:"shipping_address"`
	TaxPrice          float64            `bson:"tax_price" json:"tax_price"`
	ShippingPrice     float64            `bson:"shipping_price" json:"shipping_price"`
	TotalOrderPrice   float64            `bson:"total_order_price" json:"total_order_price"`
	PaymentMethodType PaymentMethod      `bson:"payment_method_type" json:"payment_method_type"`
	PaymentRef        string             `bson:"payment_ref,omitempty" json:"payment_ref,omitempty"`
	IsPaid            bool               `bson:"is_paid" json:"is_paid"`
	PaidAt            *time.Time         `bson:"paid_at,omitempty" json:"paid_at,omitempty"`
	IsDelivered       bool               `bson:"is_delivered" json:"is_delivered"`
	DeliveredAt       *time.Time         `bson:"delivered_at,omitempty" json:"delivered_at,omitempty"`
	CreatedAt         time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt         time.Time          `bson:"updated_at" json:"updated_at"`
}

// SnapshotItems deep-copies cart line items into order items.
func SnapshotItems(items []CartItem) []OrderItem {
	out := make([]OrderItem, len(items))
	for i, item := range items {
		out[i] = OrderItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.Price,
			Color:     item.Color,
		}
	}
	return out
}

// OrderTotal is cart price + tax + shipping, rounded to cents.
func OrderTotal(cartPrice, tax, shipping decimal.Decimal) decimal.Decimal {
	return cartPrice.Add(tax).Add(shipping).Round(2)
}

// StockChanges aggregates ordered quantities per product.
func StockChanges(items []CartItem) []StockChange {
	index := make(map[primitive.ObjectID]int, len(items))
	changes := make([]StockChange, 0, len(items))
	for _, item := range items {
		if i, ok := index[item.ProductID]; ok {
			changes[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(changes)
		changes = append(changes, StockChange{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return changes
}
