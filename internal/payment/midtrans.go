package payment

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fjod/go_shop/internal/domain"
	"github.com/fjod/go_shop/pkg/circuitbreaker"
	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/snap"
)

// customFieldLimit is the processor's maximum custom field length.
const customFieldLimit = 255

type Config struct {
	ServerKey  string
	Production bool
	Timeout    time.Duration
}

type snapClient interface {
	CreateTransaction(req *snap.Request) (*snap.Response, *midtrans.Error)
}

// MidtransGateway opens Snap payment sessions through a circuit breaker.
type MidtransGateway struct {
	client    snapClient
	serverKey string
	timeout   time.Duration
	breaker   *circuitbreaker.Breaker[*snap.Response]
}

func NewSnapClient(cfg Config) *snap.Client {
	env := midtrans.Sandbox
	if cfg.Production {
		env = midtrans.Production
	}

	var client snap.Client
	client.New(cfg.ServerKey, env)
	return &client
}

func NewMidtransGateway(cfg Config) *MidtransGateway {
	return newGateway(NewSnapClient(cfg), cfg)
}

func newGateway(client snapClient, cfg Config) *MidtransGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &MidtransGateway{
		client:    client,
		serverKey: cfg.ServerKey,
		timeout:   cfg.Timeout,
		breaker: circuitbreaker.New[*snap.Response](circuitbreaker.Settings{
			Name:    "midtrans-snap",
			Timeout: 30 * time.Second,
		}),
	}
}

// CreateSession opens a hosted payment page. The gross amount is rounded up
// to a whole currency unit, which is what the processor accepts.
func (g *MidtransGateway) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	address, err := json.Marshal(req.Address)
	if err != nil {
		return nil, fmt.Errorf("encode shipping address: %w", err)
	}
	addressField := string(address)
	if len(addressField) > customFieldLimit {
		// the ledger keeps the full address
		addressField = ""
	}

	snapReq := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.Reference,
			GrossAmt: req.Amount.Ceil().IntPart(),
		},
		CustomerDetail: &midtrans.CustomerDetails{
			Phone: req.Address.Phone,
			ShipAddr: &midtrans.CustomerAddress{
				Address:  req.Address.Details,
				City:     req.Address.City,
				Postcode: req.Address.PostalCode,
				Phone:    req.Address.Phone,
			},
		},
		CustomField1: req.UserID,
		CustomField2: req.CartID,
		CustomField3: addressField,
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.breaker.Execute(func() (*snap.Response, error) {
		return g.call(ctx, snapReq)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPaymentUnavailable, err)
	}
	return &Session{Token: resp.Token, RedirectURL: resp.RedirectURL}, nil
}

// call bounds the SDK call, which takes no context, by ctx.
func (g *MidtransGateway) call(ctx context.Context, req *snap.Request) (*snap.Response, error) {
	type result struct {
		resp *snap.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, snapErr := g.client.CreateTransaction(req)
		if snapErr != nil {
			done <- result{err: snapErr}
			return
		}
		done <- result{resp: resp}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.resp == nil || r.resp.Token == "" {
			return nil, errors.New("empty snap response")
		}
		return r.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ParseNotification authenticates a notification body and decodes it. It
// fails closed: any problem, not only a signature mismatch, is reported as
// domain.ErrInvalidSignature. signature overrides the body's signature_key
// when set.
func (g *MidtransGateway) ParseNotification(payload []byte, signature string) (*Notification, error) {
	if g.serverKey == "" {
		return nil, fmt.Errorf("%w: server key not configured", domain.ErrInvalidSignature)
	}

	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("%w: malformed payload", domain.ErrInvalidSignature)
	}
	if signature == "" {
		signature = n.SignatureKey
	}
	if n.OrderID == "" || n.StatusCode == "" || n.GrossAmount == "" || signature == "" {
		return nil, fmt.Errorf("%w: missing fields", domain.ErrInvalidSignature)
	}
	if !VerifySignature(n.OrderID, n.StatusCode, n.GrossAmount, signature, g.serverKey) {
		return nil, domain.ErrInvalidSignature
	}
	return &n, nil
}

// VerifySignature checks sha512(order_id + status_code + gross_amount + server_key).
func VerifySignature(orderID, statusCode, grossAmount, signature, serverKey string) bool {
	hash := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	expected := hex.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(signature))) == 1
}

// Sign produces the signature the processor would send; used by tests and
// local tooling that replays notifications.
func Sign(orderID, statusCode, grossAmount, serverKey string) string {
	hash := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(hash[:])
}
