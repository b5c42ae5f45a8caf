package payment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	domain "github.com/ventalocal/fulfillment/internal/domain/payment"
)

// MockAdapter simulates the payment provider's preference API: it mints an
// external reference and a hosted checkout URL without any network calls.
type MockAdapter struct {
	checkoutBase string
}

func NewMockAdapter(checkoutBase string) *MockAdapter {
	if checkoutBase == "" {
		checkoutBase = "https://pay.example.test/checkout"
	}
	return &MockAdapter{checkoutBase: checkoutBase}
}

func (a *MockAdapter) CreatePreference(ctx context.Context, req domain.PreferenceRequest) (*domain.Preference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ref := "pref_" + uuid.NewString()
	return &domain.Preference{
		RedirectURL: fmt.Sprintf("%s/%s?external_reference=%s", a.checkoutBase, ref, req.ExternalRef),
		ExternalRef: ref,
	}, nil
}
