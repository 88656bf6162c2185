package models

import "fmt"

// PaymentMethod is a closed set of payment modes. The concrete types are
// Cash, Wallet, SavedMethod and Gateway.
type PaymentMethod interface {
	Kind() PaymentKind
	isPaymentMethod()
}

type PaymentKind string

const (
	PaymentCash        PaymentKind = "cash"
	PaymentWallet      PaymentKind = "wallet"
	PaymentSavedMethod PaymentKind = "saved_method"
	PaymentGateway     PaymentKind = "gateway"
)

type Cash struct{}

type Wallet struct{}

// SavedMethod is a stored card or account the rider authorized ahead of the trip.
type SavedMethod struct {
	MethodID string
}

// Gateway is an off-platform payment settled asynchronously.
type Gateway struct {
	GatewayID string
}

func (Cash) Kind() PaymentKind        { return PaymentCash }
func (Wallet) Kind() PaymentKind      { return PaymentWallet }
func (SavedMethod) Kind() PaymentKind { return PaymentSavedMethod }
func (Gateway) Kind() PaymentKind     { return PaymentGateway }

func (Cash) isPaymentMethod()        {}
func (Wallet) isPaymentMethod()      {}
func (SavedMethod) isPaymentMethod() {}
func (Gateway) isPaymentMethod()     {}

// NewPaymentMethod rebuilds a variant from its kind and reference id.
func NewPaymentMethod(kind PaymentKind, ref string) (PaymentMethod, error) {
	switch kind {
	case PaymentCash:
		return Cash{}, nil
	case PaymentWallet:
		return Wallet{}, nil
	case PaymentSavedMethod:
		return SavedMethod{MethodID: ref}, nil
	case PaymentGateway:
		return Gateway{GatewayID: ref}, nil
	}
	return nil, fmt.Errorf("unknown payment kind %q", kind)
}

// PaymentRef returns the reference id carried by a variant, if any.
func PaymentRef(m PaymentMethod) string {
	switch v := m.(type) {
	case SavedMethod:
		return v.MethodID
	case Gateway:
		return v.GatewayID
	}
	return ""
}

// PaymentAuthorization is a prior hold on the rider's saved method.
type PaymentAuthorization struct {
	ID            string
	OrderID       string
	TransactionID string
	Amount        float64
	Currency      string
}

// CaptureResult is the payment collaborator's answer to a capture.
type CaptureResult struct {
	OK        bool
	Reference string
}
