package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	Weekly    Frequency = "WEEKLY"
	Monthly   Frequency = "MONTHLY"
	Quarterly Frequency = "QUARTERLY"
	Yearly    Frequency = "YEARLY"
	OneTime   Frequency = "ONE_TIME"
)

const (
	TypeSubscription SubscriptionType = "SUBSCRIPTION"
	TypeTax          SubscriptionType = "TAX"
	TypeInstallment  SubscriptionType = "INSTALLMENT"
	TypeOther        SubscriptionType = "OTHER"
)

const (
	StatusActive    SubscriptionStatus = "ACTIVE"
	StatusCancelled SubscriptionStatus = "CANCELLED"
	StatusExpired   SubscriptionStatus = "EXPIRED"
)

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
	PaymentOverdue PaymentStatus = "OVERDUE"
)

type (
	// Frequency is the billing cadence of a subscription.
	Frequency string

	// SubscriptionType is the expense category a subscription belongs to.
	SubscriptionType string

	// SubscriptionStatus is the lifecycle state of a subscription.
	SubscriptionStatus string

	// PaymentStatus is the lifecycle state of a generated payment.
	PaymentStatus string

	Date struct {
		time.Time
	}

	Money struct {
		Cents int64
	}

	// Subscription is a recurring (or one-time) financial obligation
	// template owned by a user.
	Subscription struct {
		ID        int64
		UserID    int64
		Name      string
		Type      SubscriptionType
		Amount    Money
		Currency  string
		Frequency Frequency
		StartDate Date
		EndDate   Date // zero means no end date
		Status    SubscriptionStatus
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// Payment is one concrete dated instance of an obligation derived
	// from a subscription. Amount is copied at generation time.
	Payment struct {
		ID             int64
		SubscriptionID int64
		Amount         Money
		DueDate        Date
		PaidDate       Date // zero unless Status is PAID
		Status         PaymentStatus
	}
)

var ErrInvalidAmount = errors.New("invalid amount")

// FieldError names a single failing field in a validation pass.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every failing field so a caller can report
// them all at once instead of fixing one problem per round trip.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Field + ": " + f.Message
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) AddField(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// NewDate creates a new Date from year, month, day (UTC midnight).
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// IsEmpty returns true if the date is unset (used for optional dates).
func (d Date) IsEmpty() bool {
	return d.IsZero()
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	return d.Format("2006-01-02")
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Valid reports whether f is one of the closed set of frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case Weekly, Monthly, Quarterly, Yearly, OneTime:
		return true
	}
	return false
}

// Valid reports whether t is one of the closed set of subscription types.
func (t SubscriptionType) Valid() bool {
	switch t {
	case TypeSubscription, TypeTax, TypeInstallment, TypeOther:
		return true
	}
	return false
}

// Valid reports whether s is one of the closed set of lifecycle states.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Valid reports whether s is one of the closed set of payment states.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentPaid, PaymentOverdue:
		return true
	}
	return false
}

// Validate checks every field and returns a *ValidationError listing
// each problem. Nothing is persisted for a subscription that fails here.
func (s Subscription) Validate() error {
	verr := &ValidationError{}

	if strings.TrimSpace(s.Name) == "" {
		verr.AddField("name", "name is required")
	}
	if len(s.Name) > 200 {
		verr.AddField("name", "name too long (max 200 characters)")
	}
	if !s.Type.Valid() {
		verr.AddField("type", fmt.Sprintf("unknown subscription type %q", string(s.Type)))
	}
	if err := s.Amount.Validate(); err != nil {
		verr.AddField("amount", "amount must be positive")
	}
	if strings.TrimSpace(s.Currency) == "" {
		verr.AddField("currency", "currency is required")
	}
	if !s.Frequency.Valid() {
		verr.AddField("frequency", fmt.Sprintf("unknown frequency %q", string(s.Frequency)))
	}
	if s.StartDate.IsZero() {
		verr.AddField("startDate", "start date is required")
	}
	if !s.EndDate.IsZero() && !s.StartDate.IsZero() && s.EndDate.Before(s.StartDate.Time) {
		verr.AddField("endDate", "end date must not be before start date")
	}
	if !s.Status.Valid() {
		verr.AddField("status", fmt.Sprintf("unknown status %q", string(s.Status)))
	}

	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// Validate checks the payment state invariant: paid date is set if and
// only if the payment is PAID.
func (p Payment) Validate() error {
	if err := p.Amount.Validate(); err != nil {
		return err
	}
	if p.DueDate.IsZero() {
		return errors.New("due date is required")
	}
	if !p.Status.Valid() {
		return fmt.Errorf("unknown payment status %q", string(p.Status))
	}
	if p.Status == PaymentPaid && p.PaidDate.IsZero() {
		return errors.New("paid payment must carry a paid date")
	}
	if p.Status != PaymentPaid && !p.PaidDate.IsZero() {
		return errors.New("unpaid payment must not carry a paid date")
	}
	return nil
}
