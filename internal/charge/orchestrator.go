// Package charge drives synchronous charge attempts against the processor and
// records every attempt in the ledger before the processor is called.
package charge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/AnuragDani/payment-gateway/internal/audit"
	"github.com/AnuragDani/payment-gateway/internal/config"
	"github.com/AnuragDani/payment-gateway/internal/confirm"
	"github.com/AnuragDani/payment-gateway/internal/events"
	"github.com/AnuragDani/payment-gateway/internal/ledger"
	"github.com/AnuragDani/payment-gateway/internal/logger"
	"github.com/AnuragDani/payment-gateway/internal/models"
	"github.com/AnuragDani/payment-gateway/internal/processor"
	"github.com/AnuragDani/payment-gateway/internal/tokens"
)

// Settings are the business options applied to every charge
type Settings struct {
	Gateway            config.GatewayConfig
	Environment        string
	RedirectSuccessURL string
	RedirectCancelURL  string
}

// Orchestrator executes charges. It never retries a processor call.
type Orchestrator struct {
	processor Processor
	ledger    ledger.Ledger
	tokens    tokens.Store
	confirmer Confirmer
	archiver  audit.Archiver
	notifier  events.Notifier
	settings  Settings
	logger    *logger.Logger
}

// Deps groups the orchestrator's collaborators. Archiver and Notifier are optional.
type Deps struct {
	Processor Processor
	Ledger    ledger.Ledger
	Tokens    tokens.Store
	Confirmer Confirmer
	Archiver  audit.Archiver
	Notifier  events.Notifier
	Logger    *logger.Logger
}

func NewOrchestrator(deps Deps, settings Settings) *Orchestrator {
	o := &Orchestrator{
		processor: deps.Processor,
		ledger:    deps.Ledger,
		tokens:    deps.Tokens,
		confirmer: deps.Confirmer,
		archiver:  deps.Archiver,
		notifier:  deps.Notifier,
		settings:  settings,
		logger:    deps.Logger,
	}
	if o.archiver == nil {
		o.archiver = audit.NopArchiver{}
	}
	if o.notifier == nil {
		o.notifier = events.Nop{}
	}
	if o.logger == nil {
		o.logger = logger.Nop()
	}
	if o.settings.Environment == "" {
		o.settings.Environment = models.EnvironmentTest
	}
	return o
}

// Charge runs a direct charge with a single-use token, a saved token or raw card fields
func (o *Orchestrator) Charge(ctx context.Context, req Request) (*Result, error) {
	return o.charge(ctx, req, models.FlowDirect)
}

// ChargeRecurring charges the owner's default saved token, or the newest one
// when none is marked default
func (o *Orchestrator) ChargeRecurring(ctx context.Context, payable models.Payable, owner models.Owner) (*Result, error) {
	tok, err := o.tokens.FindForOwner(ctx, owner)
	if err != nil {
		if errors.Is(err, tokens.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNoSavedToken, owner.Type, owner.ID)
		}
		return nil, err
	}
	return o.charge(ctx, Request{
		Payable: payable,
		Method:  PaymentMethod{SavedTokenID: tok.ID},
		Owner:   owner,
	}, models.FlowRecurring)
}

func (o *Orchestrator) charge(ctx context.Context, req Request, flow models.Flow) (*Result, error) {
	if err := o.validatePayable(req.Payable); err != nil {
		return nil, err
	}
	payable := req.Payable
	if err := o.ensureUnpaid(ctx, payable.OrderReference()); err != nil {
		return nil, err
	}

	allowed := MaxInstallments(o.settings.Gateway.Installments, payable.Amount())
	payments := req.Installments
	if payments < 1 {
		payments = 1
	}
	if payments > allowed {
		return nil, fmt.Errorf("%w: requested %d, allowed %d", ErrInvalidInstallments, payments, allowed)
	}

	chargeReq := o.baseRequest(payable)
	chargeReq.PaymentsCount = payments
	chargeReq.MaximumPayments = allowed

	snapshot, savedToken, err := o.applyPaymentMethod(ctx, chargeReq, req)
	if err != nil {
		return nil, err
	}

	tx, err := o.createPending(ctx, payable, flow, snapshot, payments, chargeReq)
	if err != nil {
		return nil, err
	}

	log := o.logger.With("transaction_id", tx.ID, "order_reference", tx.OrderReference, "flow", string(flow))

	res, err := o.processor.Charge(ctx, chargeReq)
	if err != nil {
		// Rejected before any network call, so nothing was charged.
		if markErr := o.ledger.MarkFailed(ctx, tx.ID, ""); markErr != nil {
			log.Error("failed to mark rejected charge failed", "error", markErr)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	o.archive(ctx, tx.ID, res)

	switch res.Outcome {
	case processor.OutcomeSuccess:
		return o.onChargeSuccess(ctx, log, tx, res, req)

	case processor.OutcomeTransportError:
		log.Warn("charge outcome unknown; awaiting webhook confirmation", "error", res.Err)
		o.notifier.Notify(events.NewChargeFailed(events.ChargeUnknown, tx, res.Message()))
		return &Result{
			Outcome:     res.Outcome,
			Transaction: tx,
			Message:     "payment outcome unknown, do not retry",
		}, nil

	default:
		return o.onChargeFailure(ctx, log, tx, res, savedToken)
	}
}

func (o *Orchestrator) onChargeSuccess(ctx context.Context, log *logger.Logger, tx *models.Transaction, res *processor.Result, req Request) (*Result, error) {
	pm := res.Payment.PaymentMethod
	refs := ledger.ProcessorRefs{
		PaymentID:         res.Payment.ID,
		EntityID:          res.EntityID,
		AuthorizationCode: res.Payment.AuthNumber,
		RawResponse:       string(res.RawBody),
		Card: models.CardSnapshot{
			LastDigits: lastFour(pm.LastDigits),
			ExpMonth:   pm.ExpirationMonth,
			ExpYear:    pm.ExpirationYear,
			Brand:      pm.CardType,
		},
	}
	attached, err := o.ledger.AttachProcessorRefs(ctx, tx.ID, refs)
	if err != nil {
		// Money moved at the processor; the pending row and the archived
		// response are what reconciliation works from.
		log.Error("failed to record processor ids for successful charge",
			"processor_payment_id", res.Payment.ID,
			"error", err,
		)
		return nil, fmt.Errorf("failed to record successful charge %s: %w", tx.ID, err)
	}

	confirmed, changed, err := o.confirmer.Confirm(ctx, tx.ID, models.ConfirmedBySyncCharge)
	if errors.Is(err, ledger.ErrOrderAlreadyCompleted) {
		return o.onDuplicateCharge(ctx, log, attached, res), nil
	}
	result := &Result{Outcome: processor.OutcomeSuccess, Transaction: confirmed, Confirmed: changed}
	if err != nil {
		if !errors.Is(err, confirm.ErrFulfillment) {
			return nil, err
		}
		result.FulfillmentError = err
	}

	if req.Method.SaveToken && res.Payment.PaymentMethod.Token != "" {
		result.SavedToken = o.captureToken(ctx, log, req, res.Payment.PaymentMethod)
	}
	return result, nil
}

// onDuplicateCharge handles a capture for an order that another transaction
// completed while this one was in flight. The row keeps its processor ids and
// stays pending.
func (o *Orchestrator) onDuplicateCharge(ctx context.Context, log *logger.Logger, tx *models.Transaction, res *processor.Result) *Result {
	var paidBy string
	if paid, err := o.ledger.FindPaidByOrderReference(ctx, tx.OrderReference); err == nil {
		paidBy = paid.ID
	}
	log.Error("duplicate charge captured for a paid order; refund required",
		"processor_payment_id", res.Payment.ID,
		"paid_by_transaction_id", paidBy,
		"amount", tx.Amount.StringFixed(2),
	)
	o.notifier.Notify(events.NewDuplicateCharge(tx, paidBy))
	return &Result{
		Outcome:        processor.OutcomeSuccess,
		Transaction:    tx,
		Code:           CodeDuplicateCharge,
		Message:        "order was already paid; this charge must be refunded",
		RefundRequired: true,
	}
}

func (o *Orchestrator) onChargeFailure(ctx context.Context, log *logger.Logger, tx *models.Transaction, res *processor.Result, savedToken *models.Token) (*Result, error) {
	if err := o.ledger.MarkFailed(ctx, tx.ID, string(res.RawBody)); err != nil {
		return nil, fmt.Errorf("failed to record declined charge %s: %w", tx.ID, err)
	}
	failed, err := o.ledger.Get(ctx, tx.ID)
	if err != nil {
		return nil, err
	}

	result := &Result{Outcome: res.Outcome, Transaction: failed, Message: res.Message()}
	if res.Payment != nil {
		result.Code = res.Payment.Status
	}

	if savedToken != nil && res.InvalidToken() {
		result.Outcome = processor.OutcomeDecline
		result.Code = CodeInvalidToken
		if err := o.tokens.Remove(ctx, savedToken.ID); err != nil && !errors.Is(err, tokens.ErrNotFound) {
			log.Error("failed to remove invalid token", "token_id", savedToken.ID, "error", err)
		} else {
			log.Info("removed token rejected by processor", "token_id", savedToken.ID)
		}
	}

	log.Info("charge not approved", "outcome", res.Outcome.String(), "message", result.Message)
	o.notifier.Notify(events.NewChargeFailed(events.ChargeDeclined, failed, result.Message))
	return result, nil
}

// BeginRedirect creates a pending transaction and returns the processor's
// hosted payment URL. Confirmation arrives later by webhook.
func (o *Orchestrator) BeginRedirect(ctx context.Context, req RedirectRequest) (*Result, error) {
	if err := o.validatePayable(req.Payable); err != nil {
		return nil, err
	}
	payable := req.Payable
	if err := o.ensureUnpaid(ctx, payable.OrderReference()); err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = models.PaymentMethodCard
	}
	if method != models.PaymentMethodCard && method != models.PaymentMethodBit {
		return nil, fmt.Errorf("%w: unsupported payment method %q", ErrInvalidRequest, method)
	}

	allowed := MaxInstallments(o.settings.Gateway.Installments, payable.Amount())
	payments := req.Installments
	if payments < 1 {
		payments = 1
	}
	if payments > allowed {
		return nil, fmt.Errorf("%w: requested %d, allowed %d", ErrInvalidInstallments, payments, allowed)
	}

	chargeReq := o.baseRequest(payable)
	chargeReq.PaymentsCount = payments
	chargeReq.MaximumPayments = allowed
	chargeReq.RedirectURL = withOrderID(firstNonEmpty(req.SuccessURL, o.settings.RedirectSuccessURL), payable.OrderReference())
	chargeReq.CancelRedirectURL = withOrderID(firstNonEmpty(req.CancelURL, o.settings.RedirectCancelURL), payable.OrderReference())

	tx, err := o.createPending(ctx, payable, models.FlowRedirect, models.CardSnapshot{Method: method}, payments, chargeReq)
	if err != nil {
		return nil, err
	}
	log := o.logger.With("transaction_id", tx.ID, "order_reference", tx.OrderReference, "flow", string(models.FlowRedirect))

	res, err := o.processor.BeginRedirect(ctx, chargeReq)
	if err != nil {
		if markErr := o.ledger.MarkFailed(ctx, tx.ID, ""); markErr != nil {
			log.Error("failed to mark rejected redirect failed", "error", markErr)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	o.archive(ctx, tx.ID, res)

	switch res.Outcome {
	case processor.OutcomeSuccess:
		updated, err := o.ledger.AttachProcessorRefs(ctx, tx.ID, ledger.ProcessorRefs{
			EntityID:    res.EntityID,
			RawResponse: string(res.RawBody),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to record redirect %s: %w", tx.ID, err)
		}
		log.Info("redirect started", "payment_method", string(method))
		o.notifier.Notify(events.NewRedirectStarted(updated))
		return &Result{Outcome: res.Outcome, Transaction: updated, RedirectURL: res.RedirectURL}, nil

	case processor.OutcomeTransportError:
		// The customer never received a URL; the row stays pending and harmless.
		log.Warn("redirect request outcome unknown", "error", res.Err)
		return &Result{Outcome: res.Outcome, Transaction: tx, Message: "payment page unavailable, try again later"}, nil

	default:
		return o.onChargeFailure(ctx, log, tx, res, nil)
	}
}

// Refund returns money for a completed transaction through the processor and
// records the refund in the ledger. A zero amount refunds the full amount.
func (o *Orchestrator) Refund(ctx context.Context, txID string, amount decimal.Decimal, reason string) (*Result, error) {
	original, err := o.ledger.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if original.IsRefund() || original.State != models.StateCompleted || original.ProcessorPaymentID == "" {
		return nil, fmt.Errorf("transaction %s is %s: %w", txID, original.State, ledger.ErrNotRefundable)
	}
	if amount.IsZero() {
		amount = original.Amount
	}
	if amount.IsNegative() || amount.GreaterThan(original.Amount) {
		return nil, fmt.Errorf("%w: %s > %s", ErrInvalidRefundAmount, amount.StringFixed(2), original.Amount.StringFixed(2))
	}

	log := o.logger.With("transaction_id", original.ID, "order_reference", original.OrderReference)

	res, err := o.processor.Refund(ctx, &processor.RefundRequest{
		PaymentID:   original.ProcessorPaymentID,
		Amount:      amount,
		Currency:    original.Currency,
		Description: firstNonEmpty(reason, original.OrderReference),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	if res.Outcome != processor.OutcomeSuccess {
		log.Warn("refund not accepted", "outcome", res.Outcome.String(), "message", res.Message())
		return &Result{Outcome: res.Outcome, Transaction: original, Message: res.Message()}, nil
	}

	refund, created, err := o.ledger.RecordRefund(ctx, original.ID, ledger.RefundFields{
		Amount:             amount,
		ProcessorPaymentID: res.RefundID,
		RawRequest:         string(res.RawRequest),
		RawResponse:        string(res.RawBody),
	})
	if err != nil {
		log.Error("processor refunded but ledger write failed", "refund_id", res.RefundID, "error", err)
		return nil, fmt.Errorf("failed to record refund for %s: %w", original.ID, err)
	}
	o.archive(ctx, refund.ID, res)
	if created {
		log.Info("refund recorded", "refund_transaction_id", refund.ID, "amount", amount.StringFixed(2))
		o.notifier.Notify(events.NewPaymentRefunded(refund))
	}
	return &Result{Outcome: processor.OutcomeSuccess, Transaction: refund, Confirmed: created}, nil
}

func (o *Orchestrator) validatePayable(p models.Payable) error {
	if p == nil {
		return fmt.Errorf("%w: payable is required", ErrInvalidRequest)
	}
	if p.OrderReference() == "" {
		return fmt.Errorf("%w: order reference is required", ErrInvalidRequest)
	}
	if !p.Amount().IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if !o.settings.Gateway.SupportsCurrency(p.Currency()) {
		return fmt.Errorf("%w: unsupported currency %q", ErrInvalidRequest, p.Currency())
	}
	return nil
}

// ensureUnpaid refuses orders the ledger already holds a completed or
// refunded payment for, whatever the caller's order status says
func (o *Orchestrator) ensureUnpaid(ctx context.Context, orderRef string) error {
	paid, err := o.ledger.FindPaidByOrderReference(ctx, orderRef)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check payments for order %s: %w", orderRef, err)
	}
	o.logger.Warn("charge refused for paid order",
		"order_reference", orderRef,
		"paid_by_transaction_id", paid.ID,
		"state", string(paid.State),
	)
	return fmt.Errorf("%w: order %s paid by transaction %s: %w", ErrAlreadyPaid, orderRef, paid.ID, ledger.ErrOrderAlreadyCompleted)
}

func (o *Orchestrator) baseRequest(p models.Payable) *processor.ChargeRequest {
	gw := o.settings.Gateway
	customer := p.Customer()

	req := &processor.ChargeRequest{
		Customer: processor.Customer{
			Name:               customer.Name,
			EmailAddress:       customer.Email,
			Phone:              customer.Phone,
			CitizenID:          customer.CitizenID,
			ExternalIdentifier: customer.ExternalID,
		},
		Amount:              p.Amount(),
		Currency:            strings.ToUpper(p.Currency()),
		VATIncluded:         true,
		VATRate:             gw.VATRate,
		AuthoriseOnly:       gw.AuthorizeOnly,
		DraftDocument:       gw.Document.Draft,
		SendDocumentByEmail: gw.Document.SendByEmail,
		DocumentLanguage:    gw.Document.Language,
		MerchantNumber:      gw.MerchantNumber,
		ExternalIdentifier:  p.OrderReference(),
	}

	for _, line := range p.LineItems() {
		req.Items = append(req.Items, processor.Item{
			Item:      processor.ItemDetails{Name: line.Name, SKU: line.SKU},
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Currency:  req.Currency,
		})
	}
	if len(req.Items) == 0 {
		req.Items = []processor.Item{{
			Item:      processor.ItemDetails{Name: p.OrderReference()},
			Quantity:  1,
			UnitPrice: p.Amount(),
			Currency:  req.Currency,
		}}
	}
	return req
}

// applyPaymentMethod fills the processor payment fields in priority order and
// returns the snapshot to store on the transaction
func (o *Orchestrator) applyPaymentMethod(ctx context.Context, chargeReq *processor.ChargeRequest, req Request) (models.CardSnapshot, *models.Token, error) {
	snapshot := models.CardSnapshot{Method: models.PaymentMethodCard}
	m := req.Method

	switch {
	case m.SingleUseToken != "":
		chargeReq.SingleUseToken = m.SingleUseToken
		chargeReq.SaveToken = m.SaveToken
		return snapshot, nil, nil

	case m.SavedTokenID != "":
		tok, err := o.tokens.Get(ctx, m.SavedTokenID)
		if err != nil {
			return snapshot, nil, fmt.Errorf("failed to load saved token: %w", err)
		}
		if req.Owner != (models.Owner{}) && tok.Owner != req.Owner {
			return snapshot, nil, ErrTokenOwnerMismatch
		}
		chargeReq.PaymentMethod = &processor.PaymentMethod{
			CreditCardToken: tok.ProcessorToken,
			CitizenID:       tok.CitizenID,
			ExpirationMonth: tok.ExpiryMonth,
			ExpirationYear:  tok.ExpiryYear,
		}
		snapshot.LastDigits = tok.LastDigits
		snapshot.ExpMonth = tok.ExpiryMonth
		snapshot.ExpYear = tok.ExpiryYear
		snapshot.Brand = tok.Brand
		return snapshot, tok, nil

	case m.Card != nil && m.Card.Number != "":
		c := m.Card
		chargeReq.PaymentMethod = &processor.PaymentMethod{
			CreditCardNumber: c.Number,
			CreditCardCVV:    c.CVV,
			CitizenID:        c.CitizenID,
			ExpirationMonth:  c.ExpMonth,
			ExpirationYear:   c.ExpYear,
		}
		chargeReq.SaveToken = m.SaveToken
		snapshot.LastDigits = lastFour(c.Number)
		snapshot.ExpMonth = c.ExpMonth
		snapshot.ExpYear = c.ExpYear
		return snapshot, nil, nil
	}
	return snapshot, nil, ErrNoPaymentMethod
}

func (o *Orchestrator) createPending(ctx context.Context, p models.Payable, flow models.Flow, snapshot models.CardSnapshot, installments int, chargeReq *processor.ChargeRequest) (*models.Transaction, error) {
	raw, err := json.Marshal(chargeReq)
	if err != nil {
		return nil, fmt.Errorf("failed to encode charge request: %w", err)
	}
	tx := &models.Transaction{
		OrderReference: p.OrderReference(),
		PayableType:    p.PayableType(),
		PayableID:      p.PayableID(),
		Amount:         p.Amount(),
		Currency:       strings.ToUpper(p.Currency()),
		State:          models.StatePending,
		Card:           snapshot,
		Flow:           flow,
		Installments:   installments,
		RawRequest:     string(processor.Redact(raw)),
		Environment:    o.settings.Environment,
	}
	if err := o.ledger.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to record charge attempt: %w", err)
	}
	return tx, nil
}

func (o *Orchestrator) captureToken(ctx context.Context, log *logger.Logger, req Request, pm processor.ResponsePaymentMethod) *models.Token {
	if req.Owner == (models.Owner{}) {
		log.Warn("processor returned a token but no owner was given; token not saved")
		return nil
	}
	citizenID := pm.CitizenID
	if citizenID == "" && req.Method.Card != nil {
		citizenID = req.Method.Card.CitizenID
	}
	tok := &models.Token{
		ProcessorToken: pm.Token,
		Owner:          req.Owner,
		CitizenID:      citizenID,
		ExpiryMonth:    pm.ExpirationMonth,
		ExpiryYear:     pm.ExpirationYear,
		LastDigits:     pm.LastDigits,
		Brand:          pm.CardType,
	}
	if err := o.tokens.Save(ctx, tok); err != nil {
		log.Warn("failed to save payment token", "error", err)
		return nil
	}
	log.Info("payment token saved", "token_id", tok.ID, "is_default", tok.IsDefault)
	return tok
}

func (o *Orchestrator) archive(ctx context.Context, txID string, res *processor.Result) {
	if err := o.archiver.Archive(ctx, txID, res.RawRequest, res.RawBody); err != nil {
		o.logger.Warn("failed to archive processor exchange", "transaction_id", txID, "error", err)
	}
}

func lastFour(number string) string {
	if len(number) <= 4 {
		return number
	}
	return number[len(number)-4:]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func withOrderID(raw, orderRef string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("orderid", orderRef)
	u.RawQuery = q.Encode()
	return u.String()
}
