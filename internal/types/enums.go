package types

// InvoiceStatus represents the lifecycle state of an invoice. Status
// transitions happen outside the scheduler; the core only reads them.
type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "draft"
	InvoicePending   InvoiceStatus = "pending"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceOverdue   InvoiceStatus = "overdue"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// ReminderStatus enumerates all valid states for a reminder.
// These values MUST match the CHECK constraint on the reminders table.
type ReminderStatus string

const (
	ReminderScheduled ReminderStatus = "scheduled"
	ReminderSent      ReminderStatus = "sent"
	ReminderFailed    ReminderStatus = "failed"
	ReminderCancelled ReminderStatus = "cancelled"
)

// ChannelType identifies a reminder delivery channel.
type ChannelType string

const (
	ChannelEmail ChannelType = "email"
	ChannelSMS   ChannelType = "sms"
)

// OutboxStatus represents the state of an outbox entry.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
)

// DeadLetterKind identifies which pipeline stage produced a dead letter and
// therefore which recovery action replays it. The set is closed: recovery
// parses these into typed RecoveryTask variants rather than matching on
// string prefixes.
type DeadLetterKind string

const (
	KindReminderSend    DeadLetterKind = "reminder.send"
	KindOutboxEmailSend DeadLetterKind = "outbox.email.send"
	KindAdaptiveCompute DeadLetterKind = "adaptive.compute"
)
