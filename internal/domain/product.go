package domain

import "go.mongodb.org/mongo-driver/bson/primitive"

// Product holds the inventory-relevant projection of a catalogue product.
type Product struct {
	ID       primitive.ObjectID `bson:"_id" json:"id"`
	Title    string             `bson:"title" json:"title"`
	Price    float64            `bson:"price" json:"price"`
	Quantity int                `bson:"quantity" json:"quantity"`
	Sold     int                `bson:"sold" json:"sold"`
}

// StockChange is one line of a bulk inventory update.
type StockChange struct {
	ProductID primitive.ObjectID
	Quantity  int
}
