// Package types defines the domain entities, enums, and shared interfaces for
// the DueSpark reminder scheduler. Entities mirror the persisted tables;
// repositories in internal/db handle the mapping.
package types

import (
	"time"
)

// Client is a tenant that owns invoices. The scheduler reads clients for
// timezone resolution and payment history; it never mutates them.
type Client struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Timezone  string    `json:"timezone"` // IANA name; invalid values degrade to UTC
	CreatedAt time.Time `json:"created_at"`
}

// Location resolves the client's IANA timezone. Invalid or empty values
// degrade to UTC; ok reports whether the stored name parsed cleanly so the
// caller can log the degradation. Never fatal.
func (c *Client) Location() (loc *time.Location, ok bool) {
	if c.Timezone == "" {
		return time.UTC, false
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC, false
	}
	return loc, true
}

// Invoice is an immutable financial reference owned by a client. Status
// transitions happen externally; paid_at (when present) feeds the statistical
// schedule model.
type Invoice struct {
	ID          string        `json:"id"`
	ClientID    string        `json:"client_id"`
	DueDate     time.Time     `json:"due_date"` // date precision, stored as UTC midnight
	AmountCents int64         `json:"amount_cents"`
	Currency    string        `json:"currency"`
	Status      InvoiceStatus `json:"status"`
	PaidAt      *time.Time    `json:"paid_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Reminder is the core's primary entity: one scheduled notification tied to
// one invoice and one future send time.
//
// Invariants:
//   - at most one reminder exists per (invoice_id, send_at, channel) tuple;
//   - scheduled -> sent happens exactly once under normal operation, or
//     scheduled -> failed on delivery error;
//   - a reminder in 'sent' is never resent by the automatic pipeline.
type Reminder struct {
	ID        string         `json:"id"`
	InvoiceID string         `json:"invoice_id"`
	SendAt    time.Time      `json:"send_at"` // UTC instant
	Channel   ChannelType    `json:"channel"`
	Status    ReminderStatus `json:"status"`
	Subject   string         `json:"subject,omitempty"`
	Body      string         `json:"body,omitempty"`
	SentAt    *time.Time     `json:"sent_at,omitempty"`
	Meta      Meta           `json:"meta,omitempty"` // provider message id, idempotency key, error text, profile snapshot
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// IdempotencyKey returns the dedupe key attached to every send attempt for
// this reminder so the transport (or a downstream consumer) can discard
// duplicates caused by a lock race.
func (r *Reminder) IdempotencyKey() string {
	return "reminder:" + r.ID
}

// OutboxEntry decouples "reminder became due" from "message physically sent".
// Entries are created by the dispatcher in deferred-send mode and drained by
// the outbox relay; a crash between the two steps causes a safe retry, never
// silent loss.
type OutboxEntry struct {
	ID            int64         `json:"id"`
	Topic         string        `json:"topic"`
	Payload       OutboxPayload `json:"payload"`
	Status        OutboxStatus  `json:"status"`
	Attempts      int           `json:"attempts"`
	NextAttemptAt time.Time     `json:"next_attempt_at"`
	DispatchedAt  *time.Time    `json:"dispatched_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// OutboxPayload carries everything the relay needs to perform the send and
// reconcile the originating reminder, stored as JSONB.
type OutboxPayload struct {
	ReminderID string            `json:"reminder_id"`
	ClientID   string            `json:"client_id"`
	To         string            `json:"to"`
	Subject    string            `json:"subject"`
	HTML       string            `json:"html"`
	Text       string            `json:"text"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// DeadLetterEntry is a captured failure with enough context to replay the
// original unit of work. Entries are deleted on successful replay and
// rescheduled with a fixed backoff ladder on failure.
type DeadLetterEntry struct {
	ID            int64          `json:"id"`
	Kind          DeadLetterKind `json:"kind"`
	Payload       Meta           `json:"payload"`
	Error         string         `json:"error"`
	Retries       int            `json:"retries"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// SendInput is the transport-agnostic send request. The core only depends on
// this shape; providers map it to their wire format.
type SendInput struct {
	To      string            `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html"`
	Text    string            `json:"text"`
	Headers map[string]string `json:"headers,omitempty"`
}

// SendResult is returned by a transport on successful delivery handoff.
type SendResult struct {
	MessageID string `json:"message_id"`
	Provider  string `json:"provider"`
}

// RenderInput bundles the variables available to reminder templates.
type RenderInput struct {
	Client  *Client
	Invoice *Invoice
	Now     time.Time
}

// RenderOutput is the rendered reminder content for one channel.
type RenderOutput struct {
	Subject string
	Text    string
	HTML    string
}
