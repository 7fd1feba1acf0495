package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Cart struct {
	ID                      primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID                  string             `bson:"user_id" json:"user_id"`
	Items                   []CartItem         `bson:"items" json:"items"`
	TotalCartPrice          float64            `bson:"total_cart_price" json:"total_cart_price"`
	TotalPriceAfterDiscount float64            `bson:"total_price_after_discount" json:"total_price_after_discount"`
	Coupon                  string             `bson:"coupon,omitempty" json:"coupon,omitempty"`
	// ClearedCoupon names the coupon the last item change dropped; it stays
	// set until a coupon is applied or another item change happens.
	ClearedCoupon           string             `bson:"cleared_coupon,omitempty" json:"cleared_coupon,omitempty"`
	CreatedAt               time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt               time.Time          `bson:"updated_at" json:"updated_at"`
}

// CartItem keeps the unit price captured when the product was added.
type CartItem struct {
	ID        primitive.ObjectID `bson:"_id" json:"id"`
	ProductID primitive.ObjectID `bson:"product_id" json:"product_id"`
	Quantity  int                `bson:"quantity" json:"quantity"`
	Price     float64            `bson:"price" json:"price"`
	Color     string             `bson:"color" json:"color"`
}

func (i CartItem) LineTotal() decimal.Decimal {
	return decimal.NewFromFloat(i.Price).Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// ComputeTotal sums price*quantity over every line item.
func (c *Cart) ComputeTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.Items {
		total = total.Add(item.LineTotal())
	}
	return total
}

// Recalculate rebuilds TotalCartPrice from the items and drops any applied
// discount, which has to be re-applied against the new total.
func (c *Cart) Recalculate() {
	c.TotalCartPrice = c.ComputeTotal().InexactFloat64()
	c.TotalPriceAfterDiscount = 0
	c.ClearedCoupon = c.Coupon
	c.Coupon = ""
}

// ApplyCoupon sets the discounted total from the current one.
func (c *Cart) ApplyCoupon(name string, percent float64) {
	c.Coupon = name
	c.ClearedCoupon = ""
	c.TotalPriceAfterDiscount = DiscountedPrice(c.TotalCartPrice, percent)
}

// PayablePrice is the discounted total whenever a coupon is applied, even
// when a full discount brought it to zero.
func (c *Cart) PayablePrice() decimal.Decimal {
	if c.Coupon != "" {
		return decimal.NewFromFloat(c.TotalPriceAfterDiscount)
	}
	return decimal.NewFromFloat(c.TotalCartPrice)
}

func (c *Cart) FindItem(itemID primitive.ObjectID) (CartItem, bool) {
	for _, item := range c.Items {
		if item.ID == itemID {
			return item, true
		}
	}
	return CartItem{}, false
}

// DiscountedPrice returns total - total*percent/100 rounded to cents.
func DiscountedPrice(total float64, percent float64) float64 {
	t := decimal.NewFromFloat(total)
	discount := t.Mul(decimal.NewFromFloat(percent)).Div(decimal.NewFromInt(100))
	return t.Sub(discount).Round(2).InexactFloat64()
}
