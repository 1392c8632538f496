package models

import "time"

// NotificationEventType enumerates workflow notifications.
type NotificationEventType string

const (
	EventBrokerAssigned     NotificationEventType = "broker_assigned"
	EventReviewRequested    NotificationEventType = "review_requested"
	EventApproved           NotificationEventType = "approved"
	EventRejected           NotificationEventType = "rejected"
	EventBrokerConfirmation NotificationEventType = "broker_confirmation"
)

// ParseNotificationEvent validates a raw event name.
func ParseNotificationEvent(raw string) (NotificationEventType, bool) {
	switch e := NotificationEventType(raw); e {
	case EventBrokerAssigned, EventReviewRequested, EventApproved, EventRejected, EventBrokerConfirmation:
		return e, true
	}
	return "", false
}

// NotificationChannel is the medium a delivery goes through.
type NotificationChannel string

const (
	ChannelEmail NotificationChannel = "email"
	ChannelInApp NotificationChannel = "in_app"
)

// NotificationEvent is the trigger handed to the dispatcher.
type NotificationEvent struct {
	Type NotificationEventType `json:"type"`
	// Actor is the submitting broker for confirmations and the reviewer for decisions.
	Actor *Actor `json:"-"`
	// Brokers narrows broker_assigned to the contacts that changed. Empty means every broker on the record.
	Brokers []BrokerContact `json:"brokers,omitempty"`
}

// DeliveryStatus records the outcome of a single delivery.
type DeliveryStatus string

const (
	DeliveryStatusSent    DeliveryStatus = "sent"
	DeliveryStatusFailed  DeliveryStatus = "failed"
	DeliveryStatusSkipped DeliveryStatus = "skipped"
)

// NotificationDelivery is the persisted per-recipient delivery state.
type NotificationDelivery struct {
	ID          string              `db:"id" json:"id"`
	COIID       string              `db:"coi_id" json:"coiId"`
	DispatchKey string              `db:"dispatch_key" json:"dispatchKey"`
	Event       string              `db:"event" json:"event"`
	Channel     NotificationChannel `db:"channel" json:"channel"`
	Recipient   string              `db:"recipient" json:"recipient"`
	Status      DeliveryStatus      `db:"status" json:"status"`
	Attempts    int                 `db:"attempts" json:"attempts"`
	LastError   *string             `db:"last_error" json:"lastError,omitempty"`
	CreatedAt   time.Time           `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time           `db:"updated_at" json:"updatedAt"`
}

// InAppNotification is a message shown in the portal inbox of a recipient.
type InAppNotification struct {
	ID        string     `db:"id" json:"id"`
	Recipient string     `db:"recipient" json:"recipient"`
	COIID     string     `db:"coi_id" json:"coiId"`
	Event     string     `db:"event" json:"event"`
	Title     string     `db:"title" json:"title"`
	Body      string     `db:"body" json:"body"`
	ReadAt    *time.Time `db:"read_at" json:"readAt,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
}

// DeliveryResult is one line of a DispatchReport.
type DeliveryResult struct {
	Channel   NotificationChannel `json:"channel"`
	Recipient string              `json:"recipient"`
	Status    DeliveryStatus      `json:"status"`
	Attempts  int                 `json:"attempts"`
	Error     string              `json:"error,omitempty"`
}

// DispatchReport summarises a fan-out. Failures are collected, never raised.
type DispatchReport struct {
	Event       NotificationEventType `json:"event"`
	COIID       string                `json:"coiId"`
	DispatchKey string                `json:"dispatchKey"`
	Results     []DeliveryResult      `json:"results"`
}

// Failed returns the deliveries that did not go through.
func (r *DispatchReport) Failed() []DeliveryResult {
	if r == nil {
		return nil
	}
	out := make([]DeliveryResult, 0)
	for _, res := range r.Results {
		if res.Status == DeliveryStatusFailed {
			out = append(out, res)
		}
	}
	return out
}

// OK reports whether every attempted delivery succeeded.
func (r *DispatchReport) OK() bool {
	return len(r.Failed()) == 0
}

// Sent counts deliveries that succeeded in this dispatch.
func (r *DispatchReport) Sent() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, res := range r.Results {
		if res.Status == DeliveryStatusSent {
			n++
		}
	}
	return n
}
