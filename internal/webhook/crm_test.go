package webhook

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnuragDani/payment-gateway/internal/config"
)

func approvedPayload() CRMPayload {
	return CRMPayload{
		Category: "CRM",
		FolderID: folderID,
		Action:   "Create",
		EntityID: "E-1",
		Properties: CRMProperties{
			Status:        "Approved",
			PaymentMethod: "CreditCard",
			Amount:        decimal.NewFromInt(100),
		},
	}
}

func TestFilterChain(t *testing.T) {
	cfg := config.CRMConfig{
		TransactionsFolderID: folderID,
		ApprovedStatus:       "Approved",
		CardPaymentMethods:   []string{"CreditCard", "Token"},
	}

	tests := []struct {
		name   string
		mutate func(p *CRMPayload)
		want   string
	}{
		{"all filters pass", func(p *CRMPayload) {}, ""},
		{"update action passes", func(p *CRMPayload) { p.Action = "Update" }, ""},
		{"token payment method passes", func(p *CRMPayload) { p.Properties.PaymentMethod = "token" }, ""},
		{"other category", func(p *CRMPayload) { p.Category = "Accounting" }, "category"},
		{"other folder", func(p *CRMPayload) { p.FolderID = "999" }, "folder"},
		{"delete action", func(p *CRMPayload) { p.Action = "Delete" }, "action"},
		{"pending status", func(p *CRMPayload) { p.Properties.Status = "Pending" }, "status"},
		{"missing entity", func(p *CRMPayload) { p.EntityID = "" }, "entity_id"},
		{"bit payment", func(p *CRMPayload) { p.Properties.PaymentMethod = "Bit" }, "payment_method"},
		{"accounting operation", func(p *CRMPayload) { p.Properties.PaymentMethod = "Cash" }, "payment_method"},
		{"zero amount", func(p *CRMPayload) { p.Properties.Amount = decimal.Zero }, "amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := approvedPayload()
			tt.mutate(&p)
			assert.Equal(t, tt.want, failedFilter(&p, cfg, commonFilters, confirmationFilters))
		})
	}
}

func TestFilterChain_UnconfiguredFolderRejectsAll(t *testing.T) {
	p := approvedPayload()
	cfg := config.CRMConfig{ApprovedStatus: "Approved", CardPaymentMethods: []string{"CreditCard"}}
	assert.Equal(t, "folder", failedFilter(&p, cfg, commonFilters))
}

func TestCRMPayload_Decode(t *testing.T) {
	var p CRMPayload
	err := json.Unmarshal([]byte(`{"Category":"CRM","FolderID":1076312,"Action":"Create","EntityID":55,
		"Properties":{"Status":"Approved","Amount":"-12.50","PaymentID":null}}`), &p)
	require.NoError(t, err)

	assert.Equal(t, flexString(folderID), p.FolderID)
	assert.Equal(t, flexString("55"), p.EntityID)
	assert.Empty(t, p.Properties.PaymentID)
	assert.True(t, p.IsRefund())
	assert.True(t, p.Properties.Amount.Equal(decimal.RequireFromString("-12.50")))
}
