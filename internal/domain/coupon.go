package domain

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Coupon struct {
	ID       primitive.ObjectID `bson:"_id" json:"id"`
	Name     string             `bson:"name" json:"name"`
	Discount float64            `bson:"discount" json:"discount"`
	Expire   time.Time          `bson:"expire" json:"expire"`
}

func (c *Coupon) ValidAt(t time.Time) bool {
	return c.Expire.After(t)
}

func NormalizeCouponName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
