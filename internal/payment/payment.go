// Package payment talks to the external payment processor: it opens hosted
// payment sessions and authenticates the processor's signed notifications.
package payment

import (
	"github.com/fjod/go_shop/internal/domain"
	"github.com/shopspring/decimal"
)

// SessionRequest describes one deferred checkout. UserID and CartID travel
// with the payment and come back in the notification.
type SessionRequest struct {
	Reference string
	Amount    decimal.Decimal
	UserID    string
	CartID    string
	Address   domain.ShippingAddress
}

type Session struct {
	Token       string
	RedirectURL string
}

type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomePending
	OutcomePaid
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomePaid:
		return "paid"
	case OutcomeFailed:
		return "failed"
	default:
		return "ignored"
	}
}

// Notification is the processor's asynchronous payment status callback.
type Notification struct {
	OrderID           string `json:"order_id"`
	TransactionID     string `json:"transaction_id"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	PaymentType       string `json:"payment_type"`
	CustomField1      string `json:"custom_field1"`
	CustomField2      string `json:"custom_field2"`
	CustomField3      string `json:"custom_field3"`
}

// Outcome maps the transaction status onto what checkout has to do.
func (n *Notification) Outcome() Outcome {
	switch n.TransactionStatus {
	case "settlement":
		return OutcomePaid
	case "capture":
		if n.FraudStatus == "accept" || n.FraudStatus == "" {
			return OutcomePaid
		}
		return OutcomePending
	case "pending":
		return OutcomePending
	case "deny", "cancel", "expire", "failure":
		return OutcomeFailed
	default:
		return OutcomeIgnored
	}
}

func (n *Notification) UserID() string { return n.CustomField1 }

func (n *Notification) CartID() string { return n.CustomField2 }

// PaidAmount is the gross amount the processor settled.
func (n *Notification) PaidAmount() (decimal.Decimal, error) {
	return decimal.NewFromString(n.GrossAmount)
}
