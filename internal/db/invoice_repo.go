package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"duespark/internal/types"
)

// InvoiceRepository provides read-only access to the clients and invoices
// tables. The scheduler never mutates either: invoice status transitions and
// paid_at stamps happen in the billing system upstream.
type InvoiceRepository struct {
	db DBTX
}

// NewInvoiceRepository creates a new InvoiceRepository backed by the given
// database connection (pool or transaction).
func NewInvoiceRepository(db DBTX) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// GetClient returns a single client by id.
func (r *InvoiceRepository) GetClient(ctx context.Context, clientID string) (*types.Client, error) {
	var c types.Client
	err := r.db.QueryRow(ctx,
		`SELECT id, name, email, timezone, created_at
		 FROM clients
		 WHERE id = $1`,
		clientID,
	).Scan(&c.ID, &c.Name, &c.Email, &c.Timezone, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundClient, "client not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get client", err)
	}
	return &c, nil
}

// ListClients returns all clients. The compiler iterates this list once per
// nightly run; tenant counts are small enough that pagination is not needed
// here (the per-client work is the expensive part and is failure-isolated).
func (r *InvoiceRepository) ListClients(ctx context.Context) ([]*types.Client, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, name, email, timezone, created_at
		 FROM clients
		 ORDER BY id`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list clients", err)
	}
	defer rows.Close()

	var clients []*types.Client
	for rows.Next() {
		var c types.Client
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.Timezone, &c.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan client", err)
		}
		clients = append(clients, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating clients", err)
	}

	return clients, nil
}

// GetInvoice returns a single invoice by id.
func (r *InvoiceRepository) GetInvoice(ctx context.Context, invoiceID string) (*types.Invoice, error) {
	var inv types.Invoice
	var status string
	err := r.db.QueryRow(ctx,
		`SELECT id, client_id, due_date, amount_cents, currency, status, paid_at, created_at
		 FROM invoices
		 WHERE id = $1`,
		invoiceID,
	).Scan(&inv.ID, &inv.ClientID, &inv.DueDate, &inv.AmountCents, &inv.Currency, &status, &inv.PaidAt, &inv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundInvoice, "invoice not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get invoice", err)
	}
	inv.Status = types.InvoiceStatus(status)
	return &inv, nil
}

// ListOpenInvoices returns a client's invoices in draft or pending status.
// These are the compilation candidates: paid, overdue, and cancelled invoices
// never receive newly compiled reminders.
func (r *InvoiceRepository) ListOpenInvoices(ctx context.Context, clientID string) ([]*types.Invoice, error) {
	return r.listByStatus(ctx, clientID,
		`SELECT id, client_id, due_date, amount_cents, currency, status, paid_at, created_at
		 FROM invoices
		 WHERE client_id = $1 AND status IN ('draft', 'pending')
		 ORDER BY due_date`,
	)
}

// ListPaidInvoices returns a client's invoices that carry both a due date and
// a paid_at stamp, optionally windowed to paid_at >= since (zero time
// disables the window). These feed the statistical schedule model.
func (r *InvoiceRepository) ListPaidInvoices(ctx context.Context, clientID string, since time.Time) ([]*types.Invoice, error) {
	if since.IsZero() {
		return r.listByStatus(ctx, clientID,
			`SELECT id, client_id, due_date, amount_cents, currency, status, paid_at, created_at
			 FROM invoices
			 WHERE client_id = $1 AND paid_at IS NOT NULL
			 ORDER BY paid_at`,
		)
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, client_id, due_date, amount_cents, currency, status, paid_at, created_at
		 FROM invoices
		 WHERE client_id = $1 AND paid_at IS NOT NULL AND paid_at >= $2
		 ORDER BY paid_at`,
		clientID,
		since,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list paid invoices", err)
	}
	defer rows.Close()
	return scanInvoices(rows)
}

func (r *InvoiceRepository) listByStatus(ctx context.Context, clientID string, query string) ([]*types.Invoice, error) {
	rows, err := r.db.Query(ctx, query, clientID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list invoices", err)
	}
	defer rows.Close()
	return scanInvoices(rows)
}

func scanInvoices(rows pgx.Rows) ([]*types.Invoice, error) {
	var invoices []*types.Invoice
	for rows.Next() {
		var inv types.Invoice
		var status string
		if err := rows.Scan(&inv.ID, &inv.ClientID, &inv.DueDate, &inv.AmountCents, &inv.Currency, &status, &inv.PaidAt, &inv.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan invoice", err)
		}
		inv.Status = types.InvoiceStatus(status)
		invoices = append(invoices, &inv)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating invoices", err)
	}
	return invoices, nil
}
