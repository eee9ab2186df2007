package charge

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnuragDani/payment-gateway/internal/config"
	"github.com/AnuragDani/payment-gateway/internal/confirm"
	"github.com/AnuragDani/payment-gateway/internal/events"
	"github.com/AnuragDani/payment-gateway/internal/fulfillment"
	"github.com/AnuragDani/payment-gateway/internal/ledger"
	"github.com/AnuragDani/payment-gateway/internal/models"
	"github.com/AnuragDani/payment-gateway/internal/orders"
	"github.com/AnuragDani/payment-gateway/internal/processor"
	"github.com/AnuragDani/payment-gateway/internal/tokens"
)

type fakeProcessor struct {
	mu       sync.Mutex
	charges  []*processor.ChargeRequest
	redirect []*processor.ChargeRequest
	refunds  []*processor.RefundRequest

	chargeResult   *processor.Result
	redirectResult *processor.Result
	refundResult   *processor.Result
	// beforeReturn runs after the request is seen and before the result is returned
	beforeReturn func()
}

func (p *fakeProcessor) Charge(_ context.Context, req *processor.ChargeRequest) (*processor.Result, error) {
	p.mu.Lock()
	p.charges = append(p.charges, req)
	p.mu.Unlock()
	if p.beforeReturn != nil {
		p.beforeReturn()
	}
	return p.chargeResult, nil
}

func (p *fakeProcessor) BeginRedirect(_ context.Context, req *processor.ChargeRequest) (*processor.Result, error) {
	p.mu.Lock()
	p.redirect = append(p.redirect, req)
	p.mu.Unlock()
	return p.redirectResult, nil
}

func (p *fakeProcessor) Refund(_ context.Context, req *processor.RefundRequest) (*processor.Result, error) {
	p.mu.Lock()
	p.refunds = append(p.refunds, req)
	p.mu.Unlock()
	return p.refundResult, nil
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _ models.Payable, tx *models.Transaction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, tx.ID)
	return d.err
}

type harness struct {
	processor  *fakeProcessor
	ledger     *ledger.MemoryStore
	tokens     *tokens.MemoryStore
	orders     *orders.MemoryStore
	dispatcher *recordingDispatcher
	protocol   *confirm.Protocol
	orch       *Orchestrator
	order      *orders.Order
}

var owner = models.Owner{Type: "customer", ID: "cust-1"}

func newHarness(t *testing.T, total string) *harness {
	t.Helper()
	h := &harness{
		processor:  &fakeProcessor{},
		ledger:     ledger.NewMemoryStore(),
		tokens:     tokens.NewMemoryStore(),
		orders:     orders.NewMemoryStore(),
		dispatcher: &recordingDispatcher{},
	}
	h.order = &orders.Order{
		Reference:    "ORD-100",
		OrderKey:     "wc_order_key",
		Status:       orders.StatusPending,
		Total:        decimal.RequireFromString(total),
		CurrencyCode: "ILS",
		Buyer:        models.Customer{Name: "Dana", Email: "dana@example.com"},
	}
	require.NoError(t, h.orders.Create(context.Background(), h.order))

	h.protocol = confirm.NewProtocol(h.ledger, orders.NewResolver(h.orders), h.dispatcher, nil, nil)
	h.orch = NewOrchestrator(Deps{
		Processor: h.processor,
		Ledger:    h.ledger,
		Tokens:    h.tokens,
		Confirmer: h.protocol,
	}, Settings{
		Gateway:            config.DefaultGatewayConfig(),
		RedirectSuccessURL: "https://shop.example.com/checkout/return",
		RedirectCancelURL:  "https://shop.example.com/checkout/cancel",
	})
	return h
}

func cardRequest(p models.Payable) Request {
	return Request{
		Payable: p,
		Method: PaymentMethod{Card: &Card{
			Number:   "4580000000001234",
			CVV:      "123",
			ExpMonth: 12,
			ExpYear:  2030,
		}},
		Owner: owner,
	}
}

func successResult(paymentID string) *processor.Result {
	return &processor.Result{
		Outcome:  processor.OutcomeSuccess,
		EntityID: "E-" + paymentID,
		Payment: &processor.Payment{
			ID:           paymentID,
			ValidPayment: true,
			AuthNumber:   "0012345",
			PaymentMethod: processor.ResponsePaymentMethod{
				Token:           "perm-token",
				LastDigits:      "1234",
				ExpirationMonth: 12,
				ExpirationYear:  2030,
				CardType:        "Visa",
			},
		},
		RawBody: []byte(`{"Status":0}`),
	}
}

func TestCharge_SuccessConfirmsAndFulfills(t *testing.T) {
	h := newHarness(t, "100.00")
	h.processor.chargeResult = successResult("P1")

	res, err := h.orch.Charge(context.Background(), cardRequest(h.order))
	require.NoError(t, err)

	assert.True(t, res.Succeeded())
	assert.True(t, res.Confirmed)
	assert.NoError(t, res.FulfillmentError)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, models.StateCompleted, res.Transaction.State)
	assert.Equal(t, models.ConfirmedBySyncCharge, res.Transaction.ConfirmedBy)
	assert.Equal(t, "P1", res.Transaction.ProcessorPaymentID)
	assert.Equal(t, "E-P1", res.Transaction.ProcessorEntityID)
	assert.Equal(t, "0012345", res.Transaction.AuthorizationCode)
	assert.Equal(t, "1234", res.Transaction.Card.LastDigits)
	assert.Equal(t, "Visa", res.Transaction.Card.Brand)
	assert.Len(t, h.dispatcher.calls, 1)

	sent := h.processor.charges[0]
	assert.Equal(t, "ORD-100", sent.ExternalIdentifier)
	assert.Equal(t, 1, sent.PaymentsCount)
	require.Len(t, sent.Items, 1)
	assert.Equal(t, "ORD-100", sent.Items[0].Item.Name)

	assert.NotContains(t, res.Transaction.RawRequest, "4580000000001234")
	assert.NotContains(t, res.Transaction.RawRequest, `"123"`)
}

func TestCharge_WebhookConfirmsDuringSyncCall(t *testing.T) {
	h := newHarness(t, "100.00")
	h.processor.chargeResult = successResult("P1")
	h.processor.beforeReturn = func() {
		pending, err := h.ledger.FindByOrderReference(context.Background(), "ORD-100")
		require.NoError(t, err)
		_, confirmed, err := h.protocol.Confirm(context.Background(), pending.ID, models.ConfirmedByWebhookCRM)
		require.NoError(t, err)
		require.True(t, confirmed)
	}

	res, err := h.orch.Charge(context.Background(), cardRequest(h.order))
	require.NoError(t, err)

	assert.True(t, res.Succeeded())
	assert.False(t, res.Confirmed)
	assert.Equal(t, models.ConfirmedByWebhookCRM, res.Transaction.ConfirmedBy)
	assert.Len(t, h.dispatcher.calls, 1)
}

func TestCharge_Decline(t *testing.T) {
	h := newHarness(t, "100.00")
	h.processor.chargeResult = &processor.Result{
		Outcome: processor.OutcomeDecline,
		Payment: &processor.Payment{ID: "P2", Status: "Declined", StatusDescription: "Card declined"},
	}

	res, err := h.orch.Charge(context.Background(), cardRequest(h.order))
	require.NoError(t, err)

	assert.False(t, res.Succeeded())
	assert.Equal(t, processor.OutcomeDecline, res.Outcome)
	assert.Equal(t, "Card declined", res.Message)
	assert.Equal(t, models.StateFailed, res.Transaction.State)
	assert.False(t, res.Transaction.IsWebhookConfirmed)
	assert.Empty(t, h.dispatcher.calls)
}

func TestCharge_GatewayErrorMarksFailed(t *testing.T) {
	h := newHarness(t, "100.00")
	h.processor.chargeResult = &processor.Result{Outcome: processor.OutcomeGatewayError, UserErrorMessage: "Invalid credentials"}

	res, err := h.orch.Charge(context.Background(), cardRequest(h.order))
	require.NoError(t, err)

	assert.Equal(t, processor.OutcomeGatewayError, res.Outcome)
	assert.Equal(t, "Invalid credentials", res.Message)
	assert.Equal(t, models.StateFailed, res.Transaction.State)
}

func TestCharge_TransportErrorStaysPending(t *testing.T) {
	h := newHarness(t, "100.00")
	h.processor.chargeResult = &processor.Result{Outcome: processor.OutcomeTransportError, Err: errors.New("timeout")}

	res, err := h.orch.Charge(context.Background(), cardRequest(h.order))
	require.NoError(t, err)

	assert.True(t, res.OutcomeUnknown())
	got, err := h.ledger.Get(context.Background(), res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, got.State)

	// The late webhook still confirms it.
	_, confirmed, err := h.protocol.Confirm(context.Background(), got.ID, models.ConfirmedByWebhookCRM)
	require.NoError(t, err)
	assert.True(t, confirmed)
	assert.Len(t, h.dispatcher.calls, 1)
}

func TestCharge_FulfillmentFailureKeepsPayment(t *testing.T) {
	h := newHarness(t, "100.00")
	h.processor.chargeResult = successResult("P1")
	h.dispatcher.err = errors.New("warehouse down")

	res, err := h.orch.Charge(context.Background(), cardRequest(h.order))
	require.NoError(t, err)

	assert.True(t, res.Succeeded())
	assert.ErrorIs(t, res.FulfillmentError, confirm.ErrFulfillment)
	assert.Equal(t, models.StateCompleted, res.Transaction.State)
}

func TestCharge_Validation(t *testing.T) {
	h := newHarness(t, "100.00")

	t.Run("nil payable", func(t *testing.T) {
		_, err := h.orch.Charge(context.Background(), Request{})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("unsupported currency", func(t *testing.T) {
		o := *h.order
		o.CurrencyCode = "GBP"
		_, err := h.orch.Charge(context.Background(), cardRequest(&o))
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("zero amount", func(t *testing.T) {
		o := *h.order
		o.Total = decimal.Zero
		_, err := h.orch.Charge(context.Background(), cardRequest(&o))
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("no payment method", func(t *testing.T) {
		_, err := h.orch.Charge(context.Background(), Request{Payable: h.order})
		assert.ErrorIs(t, err, ErrNoPaymentMethod)
	})

	t.Run("too many installments", func(t *testing.T) {
		req := cardRequest(h.order)
		req.Installments = 2
		_, err := h.orch.Charge(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidInstallments)
	})

	assert.Empty(t, h.processor.charges)
	_, err := h.ledger.FindByOrderReference(context.Background(), "ORD-100")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestCharge_InstallmentsWithinPolicy(t *testing.T) {
	h := newHarness(t, "1200.00")
	h.processor.chargeResult = successResult("P1")

	req := cardRequest(h.order)
	req.Installments = 6
	res, err := h.orch.Charge(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 6, res.Transaction.Installments)
	assert.Equal(t, 6, h.processor.charges[0].PaymentsCount)
	assert.Equal(t, 12, h.processor.charges[0].MaximumPayments)
}

func TestCharge_MethodPriority(t *testing.T) {
	h := newHarness(t, "100.00")
	h.processor.chargeResult = successResult("P1")

	saved := &models.Token{ProcessorToken: "saved-tok", Owner: owner, LastDigits: "9999", ExpiryMonth: 1, ExpiryYear: 2031}
	require.NoError(t, h.tokens.Save(context.Background(), saved))

	req := cardRequest(h.order)
	req.Method.SingleUseToken = "single-use"
	req.Method.SavedTokenID = saved.ID
	_, err := h.orch.Charge(context.Background(), req)
	require.NoError(t, err)

	sent := h.processor.charges[0]
	assert.Equal(t, "single-use", sent.SingleUseToken)
	assert.Nil(t, sent.PaymentMethod)
}

func TestCharge_SavedTokenOwnerMismatch(t *testing.T) {
	h := newHarness(t, "100.00")
	saved := &models.Token{ProcessorToken: "saved-tok", Owner: models.Owner{Type: "customer", ID: "someone-else"}}
	require.NoError(t, h.tokens.Save(context.Background(), saved))

	_, err := h.orch.Charge(context.Background(), Request{
		Payable: h.order,
		Method:  PaymentMethod{SavedTokenID: saved.ID},
		Owner:   owner,
	})
	assert.ErrorIs(t, err, ErrTokenOwnerMismatch)
	assert.Empty(t, h.processor.charges)
}

func TestCharge_InvalidSavedTokenIsRemoved(t *testing.T) {
	h := newHarness(t, "100.00")
	saved := &models.Token{ProcessorToken: "stale", Owner: owner, LastDigits: "4444"}
	require.NoError(t, h.tokens.Save(context.Background(), saved))
	h.processor.chargeResult = &processor.Result{
		Outcome: processor.OutcomeDecline,
		Payment: &processor.Payment{Status: processor.PaymentStatusTokenExpired},
	}

	res, err := h.orch.Charge(context.Background(), Request{
		Payable: h.order,
		Method:  PaymentMethod{SavedTokenID: saved.ID},
		Owner:   owner,
	})
	require.NoError(t, err)

	assert.Equal(t, CodeInvalidToken, res.Code)
	assert.Equal(t, "4444", res.Transaction.Card.LastDigits)
	assert.Equal(t, "stale", h.processor.charges[0].PaymentMethod.CreditCardToken)

	_, err = h.tokens.Get(context.Background(), saved.ID)
	assert.ErrorIs(t, err, tokens.ErrNotFound)
}

func TestCharge_CapturesToken(t *testing.T) {
	h := newHarness(t, "100.00")
	h.processor.chargeResult = successResult("P1")

	req := cardRequest(h.order)
	req.Method.SaveToken = true
	res, err := h.orch.Charge(context.Background(), req)
	require.NoError(t, err)

	require.NotNil(t, res.SavedToken)
	assert.True(t, h.processor.charges[0].SaveToken)
	assert.Equal(t, "perm-token", res.SavedToken.ProcessorToken)
	assert.True(t, res.SavedToken.IsDefault)

	def, err := h.tokens.FindDefaultForOwner(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, res.SavedToken.ID, def.ID)
}

func TestChargeRecurring(t *testing.T) {
	h := newHarness(t, "100.00")
	h.processor.chargeResult = successResult("P9")

	_, err := h.orch.ChargeRecurring(context.Background(), h.order, owner)
	assert.ErrorIs(t, err, ErrNoSavedToken)

	require.NoError(t, h.tokens.Save(context.Background(), &models.Token{ProcessorToken: "perm", Owner: owner}))
	res, err := h.orch.ChargeRecurring(context.Background(), h.order, owner)
	require.NoError(t, err)

	assert.True(t, res.Succeeded())
	assert.Equal(t, models.FlowRecurring, res.Transaction.Flow)
	assert.Equal(t, "perm", h.processor.charges[0].PaymentMethod.CreditCardToken)
}

func TestBeginRedirect(t *testing.T) {
	h := newHarness(t, "100.00")
	h.processor.redirectResult = &processor.Result{
		Outcome:     processor.OutcomeSuccess,
		EntityID:    "E-77",
		RedirectURL: "https://pay.example.com/p/abc",
	}

	res, err := h.orch.BeginRedirect(context.Background(), RedirectRequest{Payable: h.order, Method: models.PaymentMethodBit})
	require.NoError(t, err)

	assert.Equal(t, "https://pay.example.com/p/abc", res.RedirectURL)
	assert.Equal(t, models.StatePending, res.Transaction.State)
	assert.Equal(t, models.FlowRedirect, res.Transaction.Flow)
	assert.Equal(t, models.PaymentMethodBit, res.Transaction.Card.Method)
	assert.Equal(t, "E-77", res.Transaction.ProcessorEntityID)
	assert.Empty(t, h.dispatcher.calls)

	sent := h.processor.redirect[0]
	assert.Equal(t, "https://shop.example.com/checkout/return?orderid=ORD-100", sent.RedirectURL)
	assert.Equal(t, "https://shop.example.com/checkout/cancel?orderid=ORD-100", sent.CancelRedirectURL)

	byMethod, err := h.ledger.FindByOrderReferenceAndMethod(context.Background(), "ORD-100", models.PaymentMethodBit)
	require.NoError(t, err)
	assert.Equal(t, res.Transaction.ID, byMethod.ID)
}

func TestBeginRedirect_UnsupportedMethod(t *testing.T) {
	h := newHarness(t, "100.00")
	_, err := h.orch.BeginRedirect(context.Background(), RedirectRequest{Payable: h.order, Method: "paypal"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRefund(t *testing.T) {
	h := newHarness(t, "100.00")
	h.processor.chargeResult = successResult("P1")
	h.processor.refundResult = &processor.Result{Outcome: processor.OutcomeSuccess, RefundID: "R1"}

	charged, err := h.orch.Charge(context.Background(), cardRequest(h.order))
	require.NoError(t, err)

	_, err = h.orch.Refund(context.Background(), charged.Transaction.ID, decimal.NewFromInt(150), "")
	assert.ErrorIs(t, err, ErrInvalidRefundAmount)

	res, err := h.orch.Refund(context.Background(), charged.Transaction.ID, decimal.Zero, "customer request")
	require.NoError(t, err)

	assert.True(t, res.Confirmed)
	assert.Equal(t, charged.Transaction.ID, res.Transaction.ParentTransactionID)
	assert.True(t, res.Transaction.Amount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "R1", res.Transaction.ProcessorPaymentID)
	assert.Equal(t, "P1", h.processor.refunds[0].PaymentID)

	original, err := h.ledger.Get(context.Background(), charged.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRefunded, original.State)

	_, err = h.orch.Refund(context.Background(), charged.Transaction.ID, decimal.Zero, "")
	assert.ErrorIs(t, err, ledger.ErrNotRefundable)
	assert.Len(t, h.processor.refunds, 1)
}

func TestRefund_PendingNotRefundable(t *testing.T) {
	h := newHarness(t, "100.00")
	h.processor.chargeResult = &processor.Result{Outcome: processor.OutcomeTransportError}

	res, err := h.orch.Charge(context.Background(), cardRequest(h.order))
	require.NoError(t, err)

	_, err = h.orch.Refund(context.Background(), res.Transaction.ID, decimal.Zero, "")
	assert.ErrorIs(t, err, ledger.ErrNotRefundable)
}

func TestCharge_SingleUseTokenSnapshotFromResponse(t *testing.T) {
	h := newHarness(t, "100.00")
	h.processor.chargeResult = successResult("P1")

	res, err := h.orch.Charge(context.Background(), Request{
		Payable: h.order,
		Method:  PaymentMethod{SingleUseToken: "single-use"},
	})
	require.NoError(t, err)

	stored, err := h.ledger.Get(context.Background(), res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CardSnapshot{
		Method:     models.PaymentMethodCard,
		LastDigits: "1234",
		ExpMonth:   12,
		ExpYear:    2030,
		Brand:      "Visa",
	}, stored.Card)
}

func TestCharge_LedgerGuardsPaidOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "100.00")
	h.processor.chargeResult = successResult("P1")
	h.processor.redirectResult = &processor.Result{Outcome: processor.OutcomeSuccess, EntityID: "E-R", RedirectURL: "https://pay.example/x"}
	require.NoError(t, h.tokens.Save(ctx, &models.Token{ProcessorToken: "perm", Owner: owner}))

	first, err := h.orch.Charge(ctx, cardRequest(h.order))
	require.NoError(t, err)
	require.Equal(t, models.StateCompleted, first.Transaction.State)

	// The caller's order status drifts back; the ledger still knows.
	require.NoError(t, h.orders.UpdateStatus(ctx, h.order.ID, orders.StatusPending))

	_, err = h.orch.Charge(ctx, cardRequest(h.order))
	assert.ErrorIs(t, err, ErrAlreadyPaid)
	assert.ErrorIs(t, err, ledger.ErrOrderAlreadyCompleted)

	_, err = h.orch.ChargeRecurring(ctx, h.order, owner)
	assert.ErrorIs(t, err, ErrAlreadyPaid)

	_, err = h.orch.BeginRedirect(ctx, RedirectRequest{Payable: h.order})
	assert.ErrorIs(t, err, ErrAlreadyPaid)

	assert.Len(t, h.processor.charges, 1)
	assert.Empty(t, h.processor.redirect)
	latest, err := h.ledger.FindByOrderReference(ctx, "ORD-100")
	require.NoError(t, err)
	assert.Equal(t, first.Transaction.ID, latest.ID, "no pending row is left behind")
}

func TestCharge_LedgerGuardAllowsRetryAfterDecline(t *testing.T) {
	h := newHarness(t, "100.00")
	h.processor.chargeResult = &processor.Result{
		Outcome: processor.OutcomeDecline,
		Payment: &processor.Payment{Status: "033", StatusDescription: "Declined"},
	}
	_, err := h.orch.Charge(context.Background(), cardRequest(h.order))
	require.NoError(t, err)

	h.processor.chargeResult = successResult("P2")
	res, err := h.orch.Charge(context.Background(), cardRequest(h.order))
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Len(t, h.processor.charges, 2)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []events.Event
}

func (n *recordingNotifier) Notify(e events.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func TestCharge_DuplicateCaptureRequiresRefund(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "100.00")
	notifier := &recordingNotifier{}
	orch := NewOrchestrator(Deps{
		Processor: h.processor,
		Ledger:    h.ledger,
		Tokens:    h.tokens,
		Confirmer: h.protocol,
		Notifier:  notifier,
	}, Settings{Gateway: config.DefaultGatewayConfig()})

	// Another attempt for the same order completes while this one is at the processor.
	var winner *models.Transaction
	h.processor.chargeResult = successResult("P2")
	h.processor.beforeReturn = func() {
		winner = &models.Transaction{
			OrderReference: "ORD-100",
			PayableType:    orders.PayableType,
			PayableID:      h.order.ID,
			Amount:         h.order.Total,
			Currency:       "ILS",
			State:          models.StatePending,
			Card:           models.CardSnapshot{Method: models.PaymentMethodCard},
			Flow:           models.FlowDirect,
			Environment:    models.EnvironmentTest,
		}
		require.NoError(t, h.ledger.Create(ctx, winner))
		_, confirmed, err := h.protocol.Confirm(ctx, winner.ID, models.ConfirmedByWebhookCRM)
		require.NoError(t, err)
		require.True(t, confirmed)
	}

	res, err := orch.Charge(ctx, cardRequest(h.order))
	require.NoError(t, err)

	assert.True(t, res.RefundRequired)
	assert.Equal(t, CodeDuplicateCharge, res.Code)
	assert.False(t, res.Confirmed)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, models.StatePending, res.Transaction.State)
	assert.Equal(t, "P2", res.Transaction.ProcessorPaymentID, "processor ids are kept for the refund")
	assert.Equal(t, []string{winner.ID}, h.dispatcher.calls)

	require.Len(t, notifier.events, 1)
	assert.Equal(t, events.DuplicateCharge, notifier.events[0].Event)
}

var _ fulfillment.Dispatcher = (*recordingDispatcher)(nil)
