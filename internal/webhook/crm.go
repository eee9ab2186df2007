package webhook

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/AnuragDani/payment-gateway/internal/config"
)

const (
	categoryCRM = "CRM"

	actionCreate = "Create"
	actionUpdate = "Update"
)

// flexString accepts a JSON string or number. The processor sends identifiers both ways.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// CRMProperties are the entity fields the reconciler reads
type CRMProperties struct {
	Status        string          `json:"Status"`
	PaymentMethod string          `json:"PaymentMethod"`
	Amount        decimal.Decimal `json:"Amount"`
	Currency      string          `json:"Currency"`
	Description   string          `json:"Description"`
	PaymentID     flexString      `json:"PaymentID"`
}

// CRMPayload is an entity-change notification
type CRMPayload struct {
	Category   string        `json:"Category"`
	FolderID   flexString    `json:"FolderID"`
	Action     string        `json:"Action"`
	EntityID   flexString    `json:"EntityID"`
	Properties CRMProperties `json:"Properties"`
}

// IsRefund reports whether the entity records money returned to the customer
func (p *CRMPayload) IsRefund() bool {
	return p.Properties.Amount.IsNegative()
}

// crmFilter is one step of the guard chain. Every filter must pass before a
// notification may touch the ledger.
type crmFilter struct {
	name string
	pass func(p *CRMPayload, cfg config.CRMConfig) bool
}

// commonFilters apply to confirmations and refunds alike
var commonFilters = []crmFilter{
	{"category", func(p *CRMPayload, _ config.CRMConfig) bool {
		return strings.EqualFold(p.Category, categoryCRM)
	}},
	{"folder", func(p *CRMPayload, cfg config.CRMConfig) bool {
		return cfg.TransactionsFolderID != "" && string(p.FolderID) == cfg.TransactionsFolderID
	}},
	{"action", func(p *CRMPayload, _ config.CRMConfig) bool {
		return strings.EqualFold(p.Action, actionCreate) || strings.EqualFold(p.Action, actionUpdate)
	}},
	{"status", func(p *CRMPayload, cfg config.CRMConfig) bool {
		return strings.EqualFold(p.Properties.Status, cfg.ApprovedStatus)
	}},
	{"entity_id", func(p *CRMPayload, _ config.CRMConfig) bool {
		return p.EntityID != ""
	}},
}

// confirmationFilters apply only to positive amounts
var confirmationFilters = []crmFilter{
	{"payment_method", func(p *CRMPayload, cfg config.CRMConfig) bool {
		for _, m := range cfg.CardPaymentMethods {
			if strings.EqualFold(p.Properties.PaymentMethod, m) {
				return true
			}
		}
		return false
	}},
	{"amount", func(p *CRMPayload, _ config.CRMConfig) bool {
		return p.Properties.Amount.IsPositive()
	}},
}

// failedFilter returns the name of the first filter the payload fails, or ""
func failedFilter(p *CRMPayload, cfg config.CRMConfig, chain ...[]crmFilter) string {
	for _, filters := range chain {
		for _, f := range filters {
			if !f.pass(p, cfg) {
				return f.name
			}
		}
	}
	return ""
}
