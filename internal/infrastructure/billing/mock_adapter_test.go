package billing

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	domain "github.com/ventalocal/fulfillment/internal/domain/billing"
)

func testDraft() domain.InvoiceDraft {
	return domain.InvoiceDraft{
		OrderID: "ord-1",
		Customer: domain.DraftCustomer{
			Name:         "Ana Perez",
			Email:        "ana@example.com",
			TaxCondition: domain.TaxConditionConsumer,
		},
		Items: []domain.DraftItem{
			{Description: "Mate Imperial", Quantity: 1, UnitPrice: 1000},
		},
		InvoiceType: domain.InvoiceTypeB,
		PointOfSale: 1,
	}
}

func TestIssueReturnsFetchableDocumentURL(t *testing.T) {
	ctx := context.Background()
	adapter := NewMockTaxAdapter(0)

	invoice, err := adapter.Issue(ctx, testDraft())
	require.NoError(t, err)
	require.NotEmpty(t, invoice.InvoiceID)
	require.NotEmpty(t, invoice.CAE)

	// The id embedded in PDFURL must resolve through Document.
	id := strings.TrimSuffix(strings.TrimPrefix(invoice.PDFURL, "/api/billing/invoices/"), "/document")
	assert.Equal(t, invoice.InvoiceID, id)

	doc, err := adapter.Document(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, string(doc), invoice.CAE)
}

func TestDocumentUnknownInvoice(t *testing.T) {
	adapter := NewMockTaxAdapter(0)
	_, err := adapter.Document(context.Background(), "VL_ghost")
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)
}

func TestCancelRemovesDocument(t *testing.T) {
	ctx := context.Background()
	adapter := NewMockTaxAdapter(0)

	invoice, err := adapter.Issue(ctx, testDraft())
	require.NoError(t, err)
	require.NoError(t, adapter.Cancel(ctx, invoice.InvoiceID, "order cancelled"))

	_, err = adapter.Document(ctx, invoice.InvoiceID)
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)
}
