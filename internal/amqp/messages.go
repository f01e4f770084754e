package amqp

import (
	"encoding/json"
	"time"
)

// NotificationType says why a payment reminder is being sent.
type NotificationType string

const (
	NotifyDueToday    NotificationType = "due_today"
	NotifyDueTomorrow NotificationType = "due_tomorrow"
	NotifyDueSoon     NotificationType = "due_soon"
	NotifyOverdue     NotificationType = "overdue"
)

// PaymentNotificationMessage is the payment-notification request handed
// to the external delivery sink. The sink owns templating and delivery;
// this message carries everything it needs to render a reminder.
type PaymentNotificationMessage struct {
	UserEmail        string           `json:"userEmail"`
	UserName         string           `json:"userName,omitempty"`
	Payment          PaymentPayload   `json:"payment"`
	NotificationType NotificationType `json:"notificationType"`
	Timestamp        time.Time        `json:"timestamp"`
}

// PaymentPayload is the payment snapshot embedded in a notification.
type PaymentPayload struct {
	ID           int64               `json:"id"`
	Amount       float64             `json:"amount"`
	DueDate      string              `json:"dueDate"`
	Status       string              `json:"status"`
	Subscription SubscriptionPayload `json:"subscription"`
}

// SubscriptionPayload is the subset of the parent subscription a
// reminder template needs.
type SubscriptionPayload struct {
	Name     string `json:"name"`
	Currency string `json:"currency"`
	Type     string `json:"type"`
}

// NewPaymentNotificationMessage creates a notification request stamped
// with the current time.
func NewPaymentNotificationMessage(userEmail, userName string, notifType NotificationType, payment PaymentPayload) *PaymentNotificationMessage {
	return &PaymentNotificationMessage{
		UserEmail:        userEmail,
		UserName:         userName,
		Payment:          payment,
		NotificationType: notifType,
		Timestamp:        time.Now(),
	}
}

// ToJSON converts the message to JSON bytes.
func (m *PaymentNotificationMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// PaymentNotificationMessageFromJSON creates a message from JSON bytes.
func PaymentNotificationMessageFromJSON(data []byte) (*PaymentNotificationMessage, error) {
	var msg PaymentNotificationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
