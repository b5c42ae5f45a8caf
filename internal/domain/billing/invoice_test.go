package billing

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func validDraft() InvoiceDraft {
	return InvoiceDraft{
		OrderID: "ord-1",
		Customer: DraftCustomer{
			Name:         "Ana",
			Email:        "ana@example.com",
			TaxCondition: TaxConditionConsumer,
		},
		Items: []DraftItem{
			{Description: "Mate", Quantity: 1, UnitPrice: 1000},
		},
		InvoiceType: InvoiceTypeB,
		PointOfSale: 1,
	}
}

func TestDraftValidateAccepts(t *testing.T) {
	assert.NoError(t, validDraft().Validate())
}

func TestDraftValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*InvoiceDraft)
	}{
		{"missing order id", func(d *InvoiceDraft) { d.OrderID = "" }},
		{"missing customer name", func(d *InvoiceDraft) { d.Customer.Name = "" }},
		{"missing customer email", func(d *InvoiceDraft) { d.Customer.Email = "" }},
		{"no items", func(d *InvoiceDraft) { d.Items = nil }},
		{"zero quantity", func(d *InvoiceDraft) { d.Items[0].Quantity = 0 }},
		{"zero unit price", func(d *InvoiceDraft) { d.Items[0].UnitPrice = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			draft := validDraft()
			tc.mutate(&draft)
			assert.ErrorIs(t, draft.Validate(), ErrInvalidDraft)
		})
	}
}

func TestRemoteErrorIsRetryable(t *testing.T) {
	err := Remote("issue", errors.New("connection reset"))
	assert.True(t, IsRetryable(err))
	assert.True(t, IsRetryable(fmt.Errorf("dispatch: %w", err)))

	assert.False(t, IsRetryable(ErrInvalidDraft))
	assert.False(t, IsRetryable(nil))
}
