package payment

import "context"

type PreferenceItem struct {
	Title     string `json:"title"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// PreferenceRequest is the order snapshot handed to the payment provider to
// create a hosted checkout preference.
type PreferenceRequest struct {
	OrderID         string           `json:"order_id"`
	ExternalRef     string           `json:"external_reference"`
	Items           []PreferenceItem `json:"items"`
	BackURLBase     string           `json:"back_url_base"`
	NotificationURL string           `json:"notification_url"`
}

// Preference is the created provider-side payment link.
type Preference struct {
	RedirectURL string `json:"redirect_url"`
	ExternalRef string `json:"external_ref"`
}

// Adapter is the payment-preference capability contract, invoked only
// through the outbox dispatcher.
type Adapter interface {
	CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error)
}

type NotificationStatus string

const (
	NotificationApproved NotificationStatus = "approved"
	NotificationRejected NotificationStatus = "rejected"
	NotificationPending  NotificationStatus = "pending"
)

// Notification is an asynchronous provider callback. Delivery is
// at-least-once; reconciliation must collapse duplicates to one effect.
type Notification struct {
	EventType   string             `json:"type"`
	PaymentID   string             `json:"payment_id"`
	ExternalRef string             `json:"external_reference"`
	Status      NotificationStatus `json:"status"`
	Detail      string             `json:"detail,omitempty"`
}
