package processor

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrInvalidRequest is returned before any network call when a request
// violates the client's preconditions
var ErrInvalidRequest = errors.New("processor: invalid request")

// StatusSuccess is the processor's top-level success code
const StatusSuccess = 0

// Payment status codes the processor uses when a saved token can no longer be charged
const (
	PaymentStatusTokenInvalid = "TokenInvalid"
	PaymentStatusTokenExpired = "TokenExpired"
)

// Outcome tags every processor result
type Outcome int

const (
	// OutcomeSuccess means the processor accepted the call and the payment is valid
	OutcomeSuccess Outcome = iota
	// OutcomeDecline means the call succeeded but the payment was rejected
	OutcomeDecline
	// OutcomeGatewayError means the processor answered with a failure status,
	// a non-2xx response or an unreadable body
	OutcomeGatewayError
	// OutcomeTransportError means no answer was received; the charge outcome is unknown
	OutcomeTransportError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeDecline:
		return "decline"
	case OutcomeGatewayError:
		return "gateway_error"
	case OutcomeTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

type Credentials struct {
	CompanyID int64  `json:"CompanyID"`
	APIKey    string `json:"APIKey"`
}

type Customer struct {
	Name               string `json:"Name,omitempty"`
	EmailAddress       string `json:"EmailAddress,omitempty"`
	Phone              string `json:"Phone,omitempty"`
	CitizenID          string `json:"CitizenID,omitempty"`
	ExternalIdentifier string `json:"ExternalIdentifier,omitempty"`
}

type ItemDetails struct {
	Name string `json:"Name"`
	SKU  string `json:"SKU,omitempty"`
}

type Item struct {
	Item      ItemDetails     `json:"Item"`
	Quantity  int             `json:"Quantity"`
	UnitPrice decimal.Decimal `json:"UnitPrice"`
	Currency  string          `json:"Currency"`
}

// PaymentMethod carries either a saved token or raw card fields
type PaymentMethod struct {
	CreditCardToken  string `json:"CreditCard_Token,omitempty"`
	CitizenID        string `json:"CreditCard_CitizenID,omitempty"`
	ExpirationMonth  int    `json:"CreditCard_ExpirationMonth,omitempty"`
	ExpirationYear   int    `json:"CreditCard_ExpirationYear,omitempty"`
	CreditCardNumber string `json:"CreditCard_Number,omitempty"`
	CreditCardCVV    string `json:"CreditCard_CVV,omitempty"`
}

type ChargeRequest struct {
	Credentials         Credentials     `json:"Credentials"`
	Customer            Customer        `json:"Customer"`
	Items               []Item          `json:"Items"`
	Amount              decimal.Decimal `json:"Amount"`
	Currency            string          `json:"Currency"`
	VATIncluded         bool            `json:"VATIncluded"`
	VATRate             decimal.Decimal `json:"VATRate"`
	PaymentsCount       int             `json:"Payments_Count"`
	MaximumPayments     int             `json:"MaximumPayments"`
	SingleUseToken      string          `json:"SingleUseToken,omitempty"`
	PaymentMethod       *PaymentMethod  `json:"PaymentMethod,omitempty"`
	AuthoriseOnly       bool            `json:"AuthoriseOnly"`
	DraftDocument       bool            `json:"DraftDocument"`
	SendDocumentByEmail bool            `json:"SendDocumentByEmail"`
	DocumentLanguage    string          `json:"DocumentLanguage,omitempty"`
	MerchantNumber      string          `json:"MerchantNumber,omitempty"`
	ExternalIdentifier  string          `json:"ExternalIdentifier"`
	RedirectURL         string          `json:"RedirectURL,omitempty"`
	CancelRedirectURL   string          `json:"CancelRedirectURL,omitempty"`
	SaveToken           bool            `json:"SaveToken,omitempty"`
}

type RefundRequest struct {
	Credentials Credentials     `json:"Credentials"`
	PaymentID   string          `json:"PaymentID"`
	Amount      decimal.Decimal `json:"Amount"`
	Currency    string          `json:"Currency"`
	Description string          `json:"Description,omitempty"`
}

// ResponsePaymentMethod is the card data echoed back on a payment
type ResponsePaymentMethod struct {
	Type            string `json:"Type"`
	Token           string `json:"CreditCard_Token"`
	LastDigits      string `json:"CreditCard_LastDigits"`
	ExpirationMonth int    `json:"CreditCard_ExpirationMonth"`
	ExpirationYear  int    `json:"CreditCard_ExpirationYear"`
	CardType        string `json:"CreditCard_CardType"`
	CitizenID       string `json:"CreditCard_CitizenID"`
}

type Payment struct {
	ID                string                `json:"ID"`
	ValidPayment      bool                  `json:"ValidPayment"`
	Status            string                `json:"Status"`
	StatusDescription string                `json:"StatusDescription"`
	AuthNumber        string                `json:"AuthNumber"`
	PaymentMethod     ResponsePaymentMethod `json:"PaymentMethod"`
}

type responseData struct {
	Payment     *Payment `json:"Payment"`
	EntityID    string   `json:"EntityID"`
	RedirectURL string   `json:"RedirectURL"`
	RefundID    string   `json:"RefundID"`
}

type apiResponse struct {
	Status           int           `json:"Status"`
	UserErrorMessage *string       `json:"UserErrorMessage"`
	TechnicalError   *string       `json:"TechnicalErrorDetails"`
	Data             *responseData `json:"Data"`
}

// Result is the normalized answer to one processor call
type Result struct {
	Outcome          Outcome
	Status           int
	HTTPStatus       int
	UserErrorMessage string
	Payment          *Payment
	EntityID         string
	RedirectURL      string
	RefundID         string
	// RawRequest and RawBody are redacted copies safe to persist
	RawRequest []byte
	RawBody    []byte
	// Err is set for transport errors
	Err error
}

// InvalidToken reports whether the processor rejected the saved token itself
func (r *Result) InvalidToken() bool {
	if r == nil || r.Payment == nil {
		return false
	}
	switch r.Payment.Status {
	case PaymentStatusTokenInvalid, PaymentStatusTokenExpired:
		return true
	}
	return false
}

// Message returns the most useful human-readable failure description
func (r *Result) Message() string {
	switch {
	case r == nil:
		return ""
	case r.UserErrorMessage != "":
		return r.UserErrorMessage
	case r.Payment != nil && r.Payment.StatusDescription != "":
		return r.Payment.StatusDescription
	case r.Err != nil:
		return r.Err.Error()
	}
	return ""
}
