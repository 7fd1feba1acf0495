package sessions

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fjod/go_shop/internal/domain"
	"github.com/google/uuid"
)

const EventOrderCreated = "order.created"

type OutboxEvent struct {
	ID          string
	AggregateID string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
}

type orderCreatedPayload struct {
	OrderID       string             `json:"order_id"`
	UserID        string             `json:"user_id"`
	Items         []domain.OrderItem `json:"items"`
	TotalPrice    float64            `json:"total_order_price"`
	PaymentMethod string             `json:"payment_method_type"`
	PaymentRef    string             `json:"payment_ref,omitempty"`
	IsPaid        bool               `json:"is_paid"`
	CreatedAt     time.Time          `json:"created_at"`
}

// NewOrderCreatedEvent builds the outbox record announcing a committed order.
// The order id is the message key so consumers see one order's events in order.
func NewOrderCreatedEvent(order *domain.Order) (*OutboxEvent, error) {
	payload, err := json.Marshal(orderCreatedPayload{
		OrderID:       order.ID.Hex(),
		UserID:        order.UserID,
		Items:         order.Items,
		TotalPrice:    order.TotalOrderPrice,
		PaymentMethod: string(order.PaymentMethodType),
		PaymentRef:    order.PaymentRef,
		IsPaid:        order.IsPaid,
		CreatedAt:     order.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal order event: %w", err)
	}
	return &OutboxEvent{
		ID:          uuid.NewString(),
		AggregateID: order.ID.Hex(),
		EventType:   EventOrderCreated,
		Payload:     payload,
	}, nil
}
