package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/AnuragDani/payment-gateway/internal/logger"
	"github.com/AnuragDani/payment-gateway/internal/processor"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

// Card numbers and tokens with fixed answers, for exercising decline paths locally
const (
	declinedCardSuffix = "0002"
	invalidToken       = "tok_invalid"
	expiredToken       = "tok_expired"
)

type ProcessorStats struct {
	TotalRequests   int     `json:"total_requests"`
	Charges         int     `json:"charges"`
	Redirects       int     `json:"redirects"`
	Declines        int     `json:"declines"`
	Failures        int     `json:"failures"`
	Refunds         int     `json:"refunds"`
	SuccessRate     float64 `json:"success_rate"`
	AvgResponseTime int     `json:"avg_response_time_ms"`
}

type responseData struct {
	Payment     *processor.Payment `json:"Payment"`
	EntityID    string             `json:"EntityID"`
	RedirectURL string             `json:"RedirectURL"`
	RefundID    string             `json:"RefundID"`
}

type apiResponse struct {
	Status           int           `json:"Status"`
	UserErrorMessage *string       `json:"UserErrorMessage"`
	Data             *responseData `json:"Data"`
}

type payment struct {
	id       string
	amount   decimal.Decimal
	refunded decimal.Decimal
}

// MockProcessor answers the billing API the gateway's processor client speaks
type MockProcessor struct {
	mu           sync.Mutex
	isHealthy    bool
	failureRate  float64
	responseTime time.Duration
	stats        ProcessorStats
	rng          *rand.Rand
	payments     map[string]*payment
	publicURL    string
	log          *logger.Logger
}

func NewMockProcessor(publicURL string, log *logger.Logger) *MockProcessor {
	return &MockProcessor{
		isHealthy:    true,
		failureRate:  0.10,
		responseTime: 250 * time.Millisecond,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		payments:     make(map[string]*payment),
		publicURL:    strings.TrimRight(publicURL, "/"),
		log:          log,
	}
}

func (p *MockProcessor) charge(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req processor.ChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	healthy, fail := p.begin(func(s *ProcessorStats) { s.Charges++ })
	if !healthy {
		respondFailure(w, http.StatusServiceUnavailable, "Processor temporarily unavailable")
		return
	}
	if msg := validateCharge(&req); msg != "" {
		p.record(start, func(s *ProcessorStats) { s.Failures++ })
		respondFailure(w, http.StatusOK, msg)
		return
	}

	time.Sleep(p.delay())

	if fail {
		p.record(start, func(s *ProcessorStats) { s.Failures++ })
		respondFailure(w, http.StatusOK, "General processing error, please try again")
		return
	}

	pay, entityID := p.newPayment(&req)
	if !pay.ValidPayment {
		p.record(start, func(s *ProcessorStats) { s.Declines++ })
	} else {
		p.record(start, nil)
	}
	p.log.Info("charge processed",
		"external_identifier", req.ExternalIdentifier,
		"payment_id", pay.ID,
		"valid", pay.ValidPayment,
		"amount", req.Amount.String())

	respondJSON(w, apiResponse{
		Status: processor.StatusSuccess,
		Data:   &responseData{Payment: pay, EntityID: entityID},
	})
}

func (p *MockProcessor) beginRedirect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req processor.ChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	healthy, _ := p.begin(func(s *ProcessorStats) { s.Redirects++ })
	if !healthy {
		respondFailure(w, http.StatusServiceUnavailable, "Processor temporarily unavailable")
		return
	}
	if !req.Amount.IsPositive() || req.RedirectURL == "" {
		p.record(start, func(s *ProcessorStats) { s.Failures++ })
		respondFailure(w, http.StatusOK, "Amount and RedirectURL are required")
		return
	}
	p.record(start, nil)

	entityID := newEntityID()
	respondJSON(w, apiResponse{
		Status: processor.StatusSuccess,
		Data: &responseData{
			EntityID:    entityID,
			RedirectURL: fmt.Sprintf("%s/pay/%s", p.publicURL, entityID),
		},
	})
}

func (p *MockProcessor) refund(w http.ResponseWriter, r *http.Request) {
	var req processor.RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.PaymentID == "" || !req.Amount.IsPositive() {
		respondFailure(w, http.StatusOK, "PaymentID and a positive Amount are required")
		return
	}

	time.Sleep(100 * time.Millisecond)

	p.mu.Lock()
	p.stats.TotalRequests++
	orig, ok := p.payments[req.PaymentID]
	var remaining decimal.Decimal
	if ok {
		remaining = orig.amount.Sub(orig.refunded)
		if req.Amount.LessThanOrEqual(remaining) {
			orig.refunded = orig.refunded.Add(req.Amount)
			p.stats.Refunds++
		}
	}
	p.mu.Unlock()

	switch {
	case !ok:
		respondFailure(w, http.StatusOK, "Payment not found")
		return
	case req.Amount.GreaterThan(remaining):
		respondFailure(w, http.StatusOK, fmt.Sprintf("Refund exceeds remaining amount %s", remaining.StringFixed(2)))
		return
	}

	respondJSON(w, apiResponse{
		Status: processor.StatusSuccess,
		Data: &responseData{
			RefundID: fmt.Sprintf("ref_%s", uuid.New().String()[:8]),
			EntityID: newEntityID(),
		},
	})
}

// newPayment builds the processor's view of a charge and remembers valid
// payments so they can be refunded later.
func (p *MockProcessor) newPayment(req *processor.ChargeRequest) (*processor.Payment, string) {
	pay := &processor.Payment{
		ID:           fmt.Sprintf("pay_%s", uuid.New().String()[:8]),
		ValidPayment: true,
		Status:       "000",
		AuthNumber:   fmt.Sprintf("%06d", p.intn(999999)),
		PaymentMethod: processor.ResponsePaymentMethod{
			Type:     "card",
			CardType: "visa",
		},
	}

	pm := req.PaymentMethod
	switch {
	case pm != nil && pm.CreditCardToken == invalidToken:
		pay.ValidPayment = false
		pay.Status = processor.PaymentStatusTokenInvalid
		pay.StatusDescription = "Token is not valid"
	case pm != nil && pm.CreditCardToken == expiredToken:
		pay.ValidPayment = false
		pay.Status = processor.PaymentStatusTokenExpired
		pay.StatusDescription = "Card behind token has expired"
	case pm != nil && strings.HasSuffix(pm.CreditCardNumber, declinedCardSuffix):
		pay.ValidPayment = false
		pay.Status = "033"
		pay.StatusDescription = "Card declined by issuer"
	}

	if pm != nil {
		pay.PaymentMethod.ExpirationMonth = pm.ExpirationMonth
		pay.PaymentMethod.ExpirationYear = pm.ExpirationYear
		pay.PaymentMethod.CitizenID = pm.CitizenID
		pay.PaymentMethod.Token = pm.CreditCardToken
		if n := pm.CreditCardNumber; len(n) >= 4 {
			pay.PaymentMethod.LastDigits = n[len(n)-4:]
		}
	}
	if pay.PaymentMethod.ExpirationYear == 0 {
		pay.PaymentMethod.ExpirationMonth = 12
		pay.PaymentMethod.ExpirationYear = time.Now().Year() + 3
	}
	if pay.PaymentMethod.LastDigits == "" {
		pay.PaymentMethod.LastDigits = "4242"
	}
	if pay.PaymentMethod.Token == "" && (req.SaveToken || req.SingleUseToken != "") {
		pay.PaymentMethod.Token = fmt.Sprintf("tok_%s", uuid.New().String()[:12])
	}

	if pay.ValidPayment {
		p.mu.Lock()
		p.payments[pay.ID] = &payment{id: pay.ID, amount: req.Amount}
		p.mu.Unlock()
	}
	return pay, newEntityID()
}

func validateCharge(req *processor.ChargeRequest) string {
	switch {
	case !req.Amount.IsPositive():
		return "Amount must be positive"
	case req.Currency == "":
		return "Currency is required"
	case req.SingleUseToken == "" && req.PaymentMethod == nil:
		return "No payment method supplied"
	case req.PaymentsCount > req.MaximumPayments && req.MaximumPayments > 0:
		return "Payments_Count exceeds MaximumPayments"
	}
	return ""
}

// begin counts the request and decides up front whether it should fail
func (p *MockProcessor) begin(count func(*ProcessorStats)) (healthy, fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.TotalRequests++
	count(&p.stats)
	return p.isHealthy, p.rng.Float64() < p.failureRate
}

func (p *MockProcessor) record(start time.Time, update func(*ProcessorStats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if update != nil {
		update(&p.stats)
	}
	ok := p.stats.TotalRequests - p.stats.Failures - p.stats.Declines
	if p.stats.TotalRequests > 0 {
		p.stats.SuccessRate = float64(ok) / float64(p.stats.TotalRequests) * 100
	}
	p.stats.AvgResponseTime = int(time.Since(start).Milliseconds())
}

func (p *MockProcessor) delay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.responseTime
}

func (p *MockProcessor) intn(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Intn(n)
}

// Admin endpoints for testing
func (p *MockProcessor) setFailureRate(w http.ResponseWriter, r *http.Request) {
	rateStr := r.URL.Query().Get("rate")
	if rateStr == "" {
		http.Error(w, "Missing rate parameter", http.StatusBadRequest)
		return
	}

	rate, err := strconv.ParseFloat(rateStr, 64)
	if err != nil || rate < 0 || rate > 100 {
		http.Error(w, "Invalid rate (0-100)", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	p.failureRate = rate / 100
	p.mu.Unlock()

	respondJSON(w, map[string]interface{}{
		"message":      "Failure rate updated",
		"failure_rate": rate,
	})
}

func (p *MockProcessor) setLatency(w http.ResponseWriter, r *http.Request) {
	d, err := time.ParseDuration(r.URL.Query().Get("duration"))
	if err != nil || d < 0 {
		http.Error(w, "Invalid duration", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	p.responseTime = d
	p.mu.Unlock()

	respondJSON(w, map[string]interface{}{
		"message":       "Response time updated",
		"response_time": d.String(),
	})
}

func (p *MockProcessor) toggleStatus(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.isHealthy = !p.isHealthy
	status := p.isHealthy
	p.mu.Unlock()

	statusStr := "unhealthy"
	if status {
		statusStr = "healthy"
	}

	respondJSON(w, map[string]interface{}{
		"message": "Processor status toggled",
		"status":  statusStr,
	})
}

func (p *MockProcessor) getStats(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	stats := p.stats
	healthy := p.isHealthy
	failRate := p.failureRate
	p.mu.Unlock()

	respondJSON(w, map[string]interface{}{
		"is_healthy":   healthy,
		"failure_rate": failRate * 100,
		"stats":        stats,
		"timestamp":    time.Now(),
	})
}

func (p *MockProcessor) health(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	healthy := p.isHealthy
	p.mu.Unlock()

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"service":   "mock-processor",
		"status":    status,
		"timestamp": time.Now(),
	})
}

func newRouter(p *MockProcessor) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/billing/payments/charge/", p.charge).Methods("POST")
	r.HandleFunc("/billing/payments/beginredirect/", p.beginRedirect).Methods("POST")
	r.HandleFunc("/billing/payments/refund/", p.refund).Methods("POST")

	r.HandleFunc("/admin/set-failure-rate", p.setFailureRate).Methods("POST")
	r.HandleFunc("/admin/set-latency", p.setLatency).Methods("POST")
	r.HandleFunc("/admin/toggle-status", p.toggleStatus).Methods("POST")
	r.HandleFunc("/admin/stats", p.getStats).Methods("GET")

	r.HandleFunc("/health", p.health).Methods("GET")
	return r
}

func respondJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(payload)
}

// respondFailure answers with the processor's non-zero Status envelope
func respondFailure(w http.ResponseWriter, httpStatus int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(apiResponse{Status: 1, UserErrorMessage: &message})
}

func newEntityID() string {
	return strconv.FormatUint(uint64(uuid.New().ID()), 10)
}

func main() {
	log := logger.New("mock-processor")

	port := os.Getenv("MOCK_PROCESSOR_PORT")
	if port == "" {
		port = "8101"
	}
	publicURL := os.Getenv("MOCK_PROCESSOR_PUBLIC_URL")
	if publicURL == "" {
		publicURL = "http://localhost:" + port
	}

	p := NewMockProcessor(publicURL, log)
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      newRouter(p),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("mock processor starting", "port", port, "failure_rate", "10%", "response_time", "250ms")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("mock processor stopped", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "error", err)
	}
}
