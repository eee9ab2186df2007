package main

import (
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/AnuragDani/payment-gateway/internal/charge"
	"github.com/AnuragDani/payment-gateway/internal/models"
)

var validate = validator.New()

// ChargeRequest is the body of POST /checkout/charge
type ChargeRequest struct {
	OrderID        string        `json:"order_id" validate:"required"`
	Installments   int           `json:"installments" validate:"gte=0,lte=36"`
	SingleUseToken string        `json:"single_use_token"`
	SavedTokenID   string        `json:"saved_token_id"`
	Card           *charge.Card  `json:"card" validate:"omitempty"`
	SaveToken      bool          `json:"save_token"`
	Owner          *models.Owner `json:"owner" validate:"omitempty"`
}

// RedirectRequest is the body of POST /checkout/redirect
type RedirectRequest struct {
	OrderID       string `json:"order_id" validate:"required"`
	PaymentMethod string `json:"payment_method" validate:"omitempty,oneof=card bit"`
	Installments  int    `json:"installments" validate:"gte=0,lte=36"`
	SuccessURL    string `json:"success_url" validate:"omitempty,url"`
	CancelURL     string `json:"cancel_url" validate:"omitempty,url"`
}

// RecurringRequest is the body of POST /checkout/recurring
type RecurringRequest struct {
	OrderID string       `json:"order_id" validate:"required"`
	Owner   models.Owner `json:"owner"`
}

// RefundRequest is the body of POST /transactions/{id}/refund. A zero amount
// refunds the full transaction.
type RefundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason" validate:"max=255"`
}

// CreateOrderRequest is the body of POST /orders
type CreateOrderRequest struct {
	Reference string            `json:"order_reference" validate:"required,max=64"`
	Total     decimal.Decimal   `json:"amount"`
	Currency  string            `json:"currency" validate:"required,len=3"`
	Customer  models.Customer   `json:"customer"`
	Items     []models.LineItem `json:"items" validate:"dive"`
}

// RetryRequest is the optional body of POST /internal/fulfillment/retry
type RetryRequest struct {
	TransactionID string `json:"transaction_id"`
	Limit         int    `json:"limit" validate:"gte=0,lte=500"`
}

// ChargeResponse describes one charge attempt
type ChargeResponse struct {
	Success          bool                `json:"success"`
	Outcome          string              `json:"outcome"`
	TransactionID    string              `json:"transaction_id,omitempty"`
	State            string              `json:"state,omitempty"`
	Code             string              `json:"code,omitempty"`
	Message          string              `json:"message,omitempty"`
	RedirectURL      string              `json:"redirect_url,omitempty"`
	Confirmed        bool                `json:"confirmed"`
	FulfillmentError string              `json:"fulfillment_error,omitempty"`
	SavedTokenID     string              `json:"saved_token_id,omitempty"`
	RefundRequired   bool                `json:"refund_required,omitempty"`
	Transaction      *models.Transaction `json:"transaction,omitempty"`
}

// ErrorResponse is returned for every non-2xx answer
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (r *ChargeRequest) paymentMethod() charge.PaymentMethod {
	return charge.PaymentMethod{
		SingleUseToken: r.SingleUseToken,
		SavedTokenID:   r.SavedTokenID,
		Card:           r.Card,
		SaveToken:      r.SaveToken,
	}
}

func newChargeResponse(res *charge.Result) ChargeResponse {
	resp := ChargeResponse{
		Success:        res.Succeeded() && !res.RefundRequired,
		Outcome:        res.Outcome.String(),
		Code:           res.Code,
		Message:        res.Message,
		RedirectURL:    res.RedirectURL,
		Confirmed:      res.Confirmed,
		RefundRequired: res.RefundRequired,
		Transaction:    res.Transaction,
	}
	if res.Transaction != nil {
		resp.TransactionID = res.Transaction.ID
		resp.State = string(res.Transaction.State)
	}
	if res.FulfillmentError != nil {
		resp.FulfillmentError = res.FulfillmentError.Error()
	}
	if res.SavedToken != nil {
		resp.SavedTokenID = res.SavedToken.ID
	}
	return resp
}
