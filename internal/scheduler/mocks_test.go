package scheduler

// Shared test doubles for the scheduler package tests. Each mock guards its
// state with a mutex and records the calls the tests assert on; error
// injection fields simulate dependency failures.

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"duespark/internal/types"
)

func schedulerTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// ============================================================
// Clock
// ============================================================

// stepClock is a mutable test clock. FixedClock covers most tests; stepClock
// is for the retry scenarios that need time to move between cycles.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// ============================================================
// Metrics
// ============================================================

type recordingMetrics struct {
	mu       sync.Mutex
	counters map[string]int
	observed map[string][]float64
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		counters: make(map[string]int),
		observed: make(map[string][]float64),
	}
}

func (m *recordingMetrics) Increment(name string, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
}

func (m *recordingMetrics) Observe(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observed[name] = append(m.observed[name], value)
}

func (m *recordingMetrics) counter(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// ============================================================
// Invoice repository
// ============================================================

type mockInvoiceRepo struct {
	mu          sync.Mutex
	clientOrder []string
	clients     map[string]*types.Client
	open        map[string][]*types.Invoice
	paid        map[string][]*types.Invoice
	invoices    map[string]*types.Invoice

	listClientsErr  error
	getClientErrFor map[string]error
}

func newMockInvoiceRepo() *mockInvoiceRepo {
	return &mockInvoiceRepo{
		clients:         make(map[string]*types.Client),
		open:            make(map[string][]*types.Invoice),
		paid:            make(map[string][]*types.Invoice),
		invoices:        make(map[string]*types.Invoice),
		getClientErrFor: make(map[string]error),
	}
}

func (m *mockInvoiceRepo) addClient(c *types.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientOrder = append(m.clientOrder, c.ID)
	m.clients[c.ID] = c
}

func (m *mockInvoiceRepo) addOpen(inv *types.Invoice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open[inv.ClientID] = append(m.open[inv.ClientID], inv)
	m.invoices[inv.ID] = inv
}

func (m *mockInvoiceRepo) addPaid(inv *types.Invoice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paid[inv.ClientID] = append(m.paid[inv.ClientID], inv)
	m.invoices[inv.ID] = inv
}

func (m *mockInvoiceRepo) ListClients(_ context.Context) ([]*types.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listClientsErr != nil {
		return nil, m.listClientsErr
	}
	out := make([]*types.Client, 0, len(m.clientOrder))
	for _, id := range m.clientOrder {
		out = append(out, m.clients[id])
	}
	return out, nil
}

func (m *mockInvoiceRepo) GetClient(_ context.Context, clientID string) (*types.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.getClientErrFor[clientID]; err != nil {
		return nil, err
	}
	c, ok := m.clients[clientID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundClient, "client not found", nil)
	}
	return c, nil
}

func (m *mockInvoiceRepo) ListOpenInvoices(_ context.Context, clientID string) ([]*types.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[clientID], nil
}

func (m *mockInvoiceRepo) ListPaidInvoices(_ context.Context, clientID string, since time.Time) ([]*types.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Invoice
	for _, inv := range m.paid[clientID] {
		if inv.PaidAt != nil && !inv.PaidAt.Before(since) {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (m *mockInvoiceRepo) GetInvoice(_ context.Context, invoiceID string) (*types.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[invoiceID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundInvoice, "invoice not found", nil)
	}
	return inv, nil
}

var (
	_ CompilerInvoiceRepo = (*mockInvoiceRepo)(nil)
	_ DispatchInvoiceRepo = (*mockInvoiceRepo)(nil)
)

// ============================================================
// Reminder repository
// ============================================================

type mockReminderRepo struct {
	mu        sync.Mutex
	reminders map[string]*types.Reminder
	nextID    int
	created   []*types.Reminder

	createErr error
	getErr    error

	markSentCalls   []string
	requeueCalls    []string
	pushSendAtCalls []string
}

func newMockReminderRepo() *mockReminderRepo {
	return &mockReminderRepo{reminders: make(map[string]*types.Reminder)}
}

func (m *mockReminderRepo) add(rem *types.Reminder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reminders[rem.ID] = rem
}

func (m *mockReminderRepo) get(id string) *types.Reminder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reminders[id]
}

// createdAll returns the reminders created through Create in creation order.
func (m *mockReminderRepo) createdAll() []*types.Reminder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Reminder, len(m.created))
	copy(out, m.created)
	return out
}

func (m *mockReminderRepo) Exists(_ context.Context, invoiceID string, sendAt time.Time, channel types.ChannelType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rem := range m.reminders {
		if rem.InvoiceID == invoiceID && rem.SendAt.Equal(sendAt) && rem.Channel == channel {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockReminderRepo) HasFutureScheduled(_ context.Context, invoiceID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rem := range m.reminders {
		if rem.InvoiceID == invoiceID && rem.Status == types.ReminderScheduled && rem.SendAt.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockReminderRepo) Create(_ context.Context, rem *types.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.nextID++
	rem.ID = fmt.Sprintf("rem_%d", m.nextID)
	m.reminders[rem.ID] = rem
	m.created = append(m.created, rem)
	return nil
}

func (m *mockReminderRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*types.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Reminder
	for _, rem := range m.reminders {
		if rem.Status == types.ReminderScheduled && !rem.SendAt.After(now) {
			out = append(out, rem)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *mockReminderRepo) Get(_ context.Context, reminderID string) (*types.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	rem, ok := m.reminders[reminderID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundReminder, "reminder not found", nil)
	}
	cp := *rem
	return &cp, nil
}

func (m *mockReminderRepo) MarkSent(_ context.Context, reminderID string, sentAt time.Time, meta types.Meta) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markSentCalls = append(m.markSentCalls, reminderID)
	rem, ok := m.reminders[reminderID]
	if !ok {
		return false, types.NewAppError(types.ErrCodeNotFoundReminder, "reminder not found", nil)
	}
	if rem.Status == types.ReminderSent || rem.Status == types.ReminderCancelled {
		return false, nil
	}
	rem.Status = types.ReminderSent
	rem.SentAt = &sentAt
	if rem.Meta == nil {
		rem.Meta = types.Meta{}
	}
	for k, v := range meta {
		rem.Meta[k] = v
	}
	return true, nil
}

func (m *mockReminderRepo) MarkFailed(_ context.Context, reminderID string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rem, ok := m.reminders[reminderID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundReminder, "reminder not found", nil)
	}
	rem.Status = types.ReminderFailed
	if rem.Meta == nil {
		rem.Meta = types.Meta{}
	}
	rem.Meta["error"] = errMsg
	return nil
}

func (m *mockReminderRepo) Requeue(_ context.Context, reminderID string, sendAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requeueCalls = append(m.requeueCalls, reminderID)
	rem, ok := m.reminders[reminderID]
	if !ok {
		return false, types.NewAppError(types.ErrCodeNotFoundReminder, "reminder not found", nil)
	}
	if rem.Status != types.ReminderScheduled && rem.Status != types.ReminderFailed {
		return false, nil
	}
	rem.Status = types.ReminderScheduled
	rem.SendAt = sendAt
	return true, nil
}

func (m *mockReminderRepo) PushSendAt(_ context.Context, reminderID string, sendAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushSendAtCalls = append(m.pushSendAtCalls, reminderID)
	if rem, ok := m.reminders[reminderID]; ok {
		rem.SendAt = sendAt
	}
	return nil
}

var (
	_ CompilerReminderRepo = (*mockReminderRepo)(nil)
	_ DispatchReminderRepo = (*mockReminderRepo)(nil)
	_ RelayReminderRepo    = (*mockReminderRepo)(nil)
)

// ============================================================
// Locks
// ============================================================

type mockLeaderLock struct {
	mu       sync.Mutex
	held     bool
	err      error
	acquired []string
	released []string
}

func (l *mockLeaderLock) Acquire(_ context.Context, lockID, _ string, _ time.Time, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if l.held {
		return false, nil
	}
	l.acquired = append(l.acquired, lockID)
	return true, nil
}

func (l *mockLeaderLock) Release(_ context.Context, lockID, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.released = append(l.released, lockID)
	return nil
}

type mockAdvisoryLock struct {
	mu        sync.Mutex
	contended map[string]bool
	err       error
	locked    []string
}

func newMockAdvisoryLock() *mockAdvisoryLock {
	return &mockAdvisoryLock{contended: make(map[string]bool)}
}

func (l *mockAdvisoryLock) TryLock(_ context.Context, key string) (bool, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, nil, l.err
	}
	if l.contended[key] {
		return false, nil, nil
	}
	l.locked = append(l.locked, key)
	return true, func() {}, nil
}

type mockGuardLock struct {
	denyAll bool
}

func (l *mockGuardLock) TryLock(_ context.Context, _ string, _ time.Duration) (bool, func(), error) {
	if l.denyAll {
		return false, nil, nil
	}
	return true, func() {}, nil
}

var (
	_ LeaderLock   = (*mockLeaderLock)(nil)
	_ AdvisoryLock = (*mockAdvisoryLock)(nil)
	_ GuardLock    = (*mockGuardLock)(nil)
)

// ============================================================
// Outbox repository
// ============================================================

type mockOutboxRepo struct {
	mu      sync.Mutex
	entries map[int64]*types.OutboxEntry
	nextID  int64

	createErr error

	deferred []int64
	failed   []int64
}

func newMockOutboxRepo() *mockOutboxRepo {
	return &mockOutboxRepo{entries: make(map[int64]*types.OutboxEntry)}
}

func (m *mockOutboxRepo) add(e *types.OutboxEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == 0 {
		m.nextID++
		e.ID = m.nextID
	}
	m.entries[e.ID] = e
}

func (m *mockOutboxRepo) get(id int64) *types.OutboxEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[id]
}

func (m *mockOutboxRepo) Create(_ context.Context, e *types.OutboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.nextID++
	e.ID = m.nextID
	m.entries[e.ID] = e
	return nil
}

func (m *mockOutboxRepo) ListPending(_ context.Context, now time.Time, limit int) ([]*types.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.OutboxEntry
	for id := int64(1); id <= m.nextID; id++ {
		e, ok := m.entries[id]
		if !ok || e.DispatchedAt != nil || e.NextAttemptAt.After(now) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockOutboxRepo) Get(_ context.Context, id int64) (*types.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundOutbox, "outbox entry not found", nil)
	}
	cp := *e
	return &cp, nil
}

func (m *mockOutboxRepo) MarkDispatched(_ context.Context, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return false, types.NewAppError(types.ErrCodeNotFoundOutbox, "outbox entry not found", nil)
	}
	if e.DispatchedAt != nil {
		return false, nil
	}
	e.DispatchedAt = &at
	e.Status = types.OutboxSent
	return true, nil
}

func (m *mockOutboxRepo) RecordFailure(_ context.Context, id int64, nextAttemptAt time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return 0, types.NewAppError(types.ErrCodeNotFoundOutbox, "outbox entry not found", nil)
	}
	e.Attempts++
	e.NextAttemptAt = nextAttemptAt
	m.failed = append(m.failed, id)
	return e.Attempts, nil
}

func (m *mockOutboxRepo) Defer(_ context.Context, id int64, nextAttemptAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundOutbox, "outbox entry not found", nil)
	}
	e.NextAttemptAt = nextAttemptAt
	m.deferred = append(m.deferred, id)
	return nil
}

var (
	_ DispatchOutboxRepo = (*mockOutboxRepo)(nil)
	_ RelayOutboxRepo    = (*mockOutboxRepo)(nil)
)

// ============================================================
// Dead letters
// ============================================================

type mockDeadLetterRepo struct {
	mu      sync.Mutex
	entries map[int64]*types.DeadLetterEntry
	nextID  int64

	created     []*types.DeadLetterEntry
	deleted     []int64
	parked      []int64
	rescheduled map[int64]time.Time
}

func newMockDeadLetterRepo() *mockDeadLetterRepo {
	return &mockDeadLetterRepo{
		entries:     make(map[int64]*types.DeadLetterEntry),
		rescheduled: make(map[int64]time.Time),
	}
}

func (m *mockDeadLetterRepo) add(e *types.DeadLetterEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == 0 {
		m.nextID++
		e.ID = m.nextID
	}
	m.entries[e.ID] = e
}

func (m *mockDeadLetterRepo) Create(_ context.Context, e *types.DeadLetterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	m.entries[e.ID] = e
	m.created = append(m.created, e)
	return nil
}

func (m *mockDeadLetterRepo) Get(_ context.Context, id int64) (*types.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundDeadLetter, "dead letter not found", nil)
	}
	cp := *e
	return &cp, nil
}

func (m *mockDeadLetterRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*types.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.DeadLetterEntry
	for id := int64(1); id <= m.nextID; id++ {
		e, ok := m.entries[id]
		if !ok {
			continue
		}
		if e.NextAttemptAt != nil && e.NextAttemptAt.After(now) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockDeadLetterRepo) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return types.NewAppError(types.ErrCodeNotFoundDeadLetter, "dead letter not found", nil)
	}
	delete(m.entries, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockDeadLetterRepo) Reschedule(_ context.Context, id int64, errMsg string, nextAttemptAt time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return 0, types.NewAppError(types.ErrCodeNotFoundDeadLetter, "dead letter not found", nil)
	}
	e.Retries++
	e.Error = errMsg
	e.NextAttemptAt = &nextAttemptAt
	m.rescheduled[id] = nextAttemptAt
	return e.Retries, nil
}

func (m *mockDeadLetterRepo) BumpRetries(_ context.Context, id int64, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundDeadLetter, "dead letter not found", nil)
	}
	e.Retries++
	e.Error = errMsg
	m.parked = append(m.parked, id)
	return nil
}

var (
	_ DeadLetterStore        = (*mockDeadLetterRepo)(nil)
	_ RecoveryDeadLetterRepo = (*mockDeadLetterRepo)(nil)
)

// ============================================================
// Job history
// ============================================================

type mockJobHistory struct {
	mu       sync.Mutex
	started  []string
	finished []string
	startErr error
}

func (m *mockJobHistory) Start(_ context.Context, jobType string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return 0, m.startErr
	}
	m.started = append(m.started, jobType)
	return int64(len(m.started)), nil
}

func (m *mockJobHistory) Finish(_ context.Context, _ int64, status string, _ int, _ error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, status)
	return nil
}

var _ JobHistory = (*mockJobHistory)(nil)

// ============================================================
// Transport and renderer
// ============================================================

type mockTransport struct {
	mu    sync.Mutex
	sends []types.SendInput
	err   error
}

func (t *mockTransport) Send(_ context.Context, input types.SendInput) (*types.SendResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	t.sends = append(t.sends, input)
	return &types.SendResult{
		MessageID: fmt.Sprintf("msg_%d", len(t.sends)),
		Provider:  "test",
	}, nil
}

func (t *mockTransport) sent() []types.SendInput {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.SendInput, len(t.sends))
	copy(out, t.sends)
	return out
}

type stubRenderer struct {
	err error
}

func (r *stubRenderer) Render(input types.RenderInput) (types.RenderOutput, error) {
	if r.err != nil {
		return types.RenderOutput{}, r.err
	}
	return types.RenderOutput{
		Subject: "Invoice " + input.Invoice.ID,
		Text:    "Please pay invoice " + input.Invoice.ID,
		HTML:    "<p>Please pay invoice " + input.Invoice.ID + "</p>",
	}, nil
}

var (
	_ types.Transport = (*mockTransport)(nil)
	_ types.Renderer  = (*stubRenderer)(nil)
)

// ============================================================
// Recovery collaborators
// ============================================================

type mockRedeliverer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *mockRedeliverer) Redeliver(_ context.Context, reminderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, reminderID)
	return m.err
}

type mockOutboxRedeliverer struct {
	mu    sync.Mutex
	calls []int64
	err   error
}

func (m *mockOutboxRedeliverer) RedeliverEntry(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, id)
	return m.err
}

type mockClientCompiler struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *mockClientCompiler) CompileClient(_ context.Context, clientID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, clientID)
	if m.err != nil {
		return 0, m.err
	}
	return 1, nil
}

var (
	_ ReminderRedeliverer = (*mockRedeliverer)(nil)
	_ OutboxRedeliverer   = (*mockOutboxRedeliverer)(nil)
	_ ClientCompiler      = (*mockClientCompiler)(nil)
)
