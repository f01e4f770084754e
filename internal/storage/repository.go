package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"scadenze/internal/core"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when an entity does not exist or is not owned
// by the requesting user. Handlers map it to a 404.
var ErrNotFound = errors.New("not found")

const dateFormat = "2006-01-02"

type SQLiteRepository struct {
	db *sql.DB
}

// User is the owner of subscriptions; authentication itself lives
// outside this service, we only keep the notification address.
type User struct {
	ID    int64
	Email string
	Name  string
}

// PaymentWithSubscription is a payment joined with its parent
// subscription, as returned by the payment listing.
type PaymentWithSubscription struct {
	Payment          core.Payment
	SubscriptionName string
	Currency         string
	Type             core.SubscriptionType
}

// UnpaidPayment is a PENDING or OVERDUE payment joined with its owner,
// the unit of work for the notification pass.
type UnpaidPayment struct {
	UserEmail        string
	UserName         string
	Payment          core.Payment
	SubscriptionName string
	Currency         string
	Type             core.SubscriptionType
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// Run migrations
	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// CreateUser registers a notification address for a subscription owner.
func (r *SQLiteRepository) CreateUser(ctx context.Context, email, name string) (*User, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO users (email, name, created_at) VALUES (?, ?, ?)`,
		email, name, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user insert id: %w", err)
	}
	return &User{ID: id, Email: email, Name: name}, nil
}

func (r *SQLiteRepository) GetUser(ctx context.Context, id int64) (*User, error) {
	u := &User{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, name FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// CreateSubscription inserts the subscription and fills in its ID and
// timestamps. Validation happens before this is called.
func (r *SQLiteRepository) CreateSubscription(ctx context.Context, sub *core.Subscription) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO subscriptions
		 (user_id, name, type, amount_cents, currency, frequency, start_date, end_date, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.UserID, sub.Name, string(sub.Type), sub.Amount.Cents, sub.Currency,
		string(sub.Frequency), sub.StartDate.Format(dateFormat), nullableDate(sub.EndDate),
		string(sub.Status), now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("subscription insert id: %w", err)
	}
	sub.ID = id
	sub.CreatedAt = now
	sub.UpdatedAt = now

	slog.InfoContext(ctx, "Subscription saved",
		"id", sub.ID,
		"user_id", sub.UserID,
		"name", sub.Name,
		"frequency", string(sub.Frequency),
		"amount_cents", sub.Amount.Cents)
	return nil
}

const subscriptionColumns = `id, user_id, name, type, amount_cents, currency, frequency, start_date, end_date, status, created_at, updated_at`

func (r *SQLiteRepository) GetSubscription(ctx context.Context, id int64) (*core.Subscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions returns all of a user's subscriptions, most
// expensive first.
func (r *SQLiteRepository) ListSubscriptions(ctx context.Context, userID int64) ([]core.Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = ? ORDER BY amount_cents DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []core.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (r *SQLiteRepository) ListActiveSubscriptionIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM subscriptions WHERE user_id = ? AND status = 'ACTIVE'`, userID)
	if err != nil {
		return nil, fmt.Errorf("list active subscription ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscription id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListUserIDsWithActiveSubscriptions returns every user the schedule
// worker has to regenerate for.
func (r *SQLiteRepository) ListUserIDsWithActiveSubscriptions(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM subscriptions WHERE status = 'ACTIVE'`)
	if err != nil {
		return nil, fmt.Errorf("list users with active subscriptions: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *SQLiteRepository) UpdateSubscription(ctx context.Context, sub *core.Subscription) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions
		 SET name = ?, type = ?, amount_cents = ?, currency = ?, frequency = ?,
		     start_date = ?, end_date = ?, status = ?, updated_at = ?
		 WHERE id = ?`,
		sub.Name, string(sub.Type), sub.Amount.Cents, sub.Currency, string(sub.Frequency),
		sub.StartDate.Format(dateFormat), nullableDate(sub.EndDate), string(sub.Status),
		now.Format(time.RFC3339), sub.ID)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update subscription rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	sub.UpdatedAt = now
	return nil
}

// DeleteSubscription removes a subscription and all of its payments in
// one transaction, payments first.
func (r *SQLiteRepository) DeleteSubscription(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete subscription: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM payments WHERE subscription_id = ?`, id); err != nil {
		return fmt.Errorf("delete payments: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete subscription rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete subscription: %w", err)
	}

	slog.InfoContext(ctx, "Subscription deleted", "id", id)
	return nil
}

// ReplaceUnpaidPayments deletes the subscription's PENDING and OVERDUE
// payments and bulk-inserts the freshly generated ones in a single
// transaction. PAID payments are never touched. Returns the inserted
// payments with their IDs filled in.
func (r *SQLiteRepository) ReplaceUnpaidPayments(ctx context.Context, subscriptionID int64, payments []core.Payment) ([]core.Payment, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin replace payments: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM payments WHERE subscription_id = ? AND status IN ('PENDING', 'OVERDUE')`,
		subscriptionID); err != nil {
		return nil, fmt.Errorf("delete unpaid payments: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO payments (subscription_id, amount_cents, due_date, status, created_at)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare payment insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	inserted := make([]core.Payment, 0, len(payments))
	for _, p := range payments {
		res, err := stmt.ExecContext(ctx,
			subscriptionID, p.Amount.Cents, p.DueDate.Format(dateFormat), string(p.Status), now)
		if err != nil {
			return nil, fmt.Errorf("insert payment: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("payment insert id: %w", err)
		}
		p.ID = id
		p.SubscriptionID = subscriptionID
		inserted = append(inserted, p)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit replace payments: %w", err)
	}

	slog.InfoContext(ctx, "Unpaid payments replaced",
		"subscription_id", subscriptionID,
		"created", len(inserted))
	return inserted, nil
}

// ListPayments returns a user's payments ordered by due date, optionally
// filtered by status and due-date year.
func (r *SQLiteRepository) ListPayments(ctx context.Context, userID int64, status core.PaymentStatus, year int) ([]PaymentWithSubscription, error) {
	query := `SELECT p.id, p.subscription_id, p.amount_cents, p.due_date, p.paid_date, p.status,
	                 s.name, s.currency, s.type
	          FROM payments p
	          JOIN subscriptions s ON s.id = p.subscription_id
	          WHERE s.user_id = ?`
	args := []any{userID}

	if status != "" {
		query += ` AND p.status = ?`
		args = append(args, string(status))
	}
	if year > 0 {
		query += ` AND p.due_date >= ? AND p.due_date < ?`
		args = append(args, fmt.Sprintf("%04d-01-01", year), fmt.Sprintf("%04d-01-01", year+1))
	}
	query += ` ORDER BY p.due_date ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []PaymentWithSubscription
	for rows.Next() {
		var (
			item    PaymentWithSubscription
			due     string
			paid    sql.NullString
			pStatus string
			subType string
		)
		if err := rows.Scan(&item.Payment.ID, &item.Payment.SubscriptionID, &item.Payment.Amount.Cents,
			&due, &paid, &pStatus, &item.SubscriptionName, &item.Currency, &subType); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		item.Payment.Status = core.PaymentStatus(pStatus)
		item.Type = core.SubscriptionType(subType)
		if item.Payment.DueDate, err = parseDate(due); err != nil {
			return nil, fmt.Errorf("parse due date: %w", err)
		}
		if paid.Valid {
			if item.Payment.PaidDate, err = parseDate(paid.String); err != nil {
				return nil, fmt.Errorf("parse paid date: %w", err)
			}
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// GetPayment fetches a payment only if it belongs to the given user.
func (r *SQLiteRepository) GetPayment(ctx context.Context, paymentID, userID int64) (*core.Payment, error) {
	var (
		p       core.Payment
		due     string
		paid    sql.NullString
		pStatus string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT p.id, p.subscription_id, p.amount_cents, p.due_date, p.paid_date, p.status
		 FROM payments p
		 JOIN subscriptions s ON s.id = p.subscription_id
		 WHERE p.id = ? AND s.user_id = ?`, paymentID, userID).
		Scan(&p.ID, &p.SubscriptionID, &p.Amount.Cents, &due, &paid, &pStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	p.Status = core.PaymentStatus(pStatus)
	if p.DueDate, err = parseDate(due); err != nil {
		return nil, fmt.Errorf("parse due date: %w", err)
	}
	if paid.Valid {
		if p.PaidDate, err = parseDate(paid.String); err != nil {
			return nil, fmt.Errorf("parse paid date: %w", err)
		}
	}
	return &p, nil
}

// MarkPaymentPaid transitions a user's payment to PAID and records the
// paid date. Returns ErrNotFound when the payment is absent or not owned.
func (r *SQLiteRepository) MarkPaymentPaid(ctx context.Context, paymentID, userID int64, now time.Time) (*core.Payment, error) {
	p, err := r.GetPayment(ctx, paymentID, userID)
	if err != nil {
		return nil, err
	}

	paidDate := core.Date{Time: now.UTC()}
	if _, err := r.db.ExecContext(ctx,
		`UPDATE payments SET status = 'PAID', paid_date = ? WHERE id = ?`,
		paidDate.Format(dateFormat), paymentID); err != nil {
		return nil, fmt.Errorf("mark payment paid: %w", err)
	}
	p.Status = core.PaymentPaid
	p.PaidDate = core.NewDate(paidDate.Year(), int(paidDate.Month()), paidDate.Day())

	slog.InfoContext(ctx, "Payment marked paid", "id", paymentID, "user_id", userID)
	return p, nil
}

// UnmarkPaymentPaid reverses a PAID payment back to PENDING and clears
// its paid date.
func (r *SQLiteRepository) UnmarkPaymentPaid(ctx context.Context, paymentID, userID int64) (*core.Payment, error) {
	p, err := r.GetPayment(ctx, paymentID, userID)
	if err != nil {
		return nil, err
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE payments SET status = 'PENDING', paid_date = NULL WHERE id = ?`,
		paymentID); err != nil {
		return nil, fmt.Errorf("unmark payment paid: %w", err)
	}
	p.Status = core.PaymentPending
	p.PaidDate = core.Date{}

	slog.InfoContext(ctx, "Payment reversed to pending", "id", paymentID, "user_id", userID)
	return p, nil
}

// MarkOverdue flips PENDING payments whose due date has passed to
// OVERDUE. A userID of 0 sweeps system-wide. Already-OVERDUE payments
// are excluded by the PENDING filter, so repeated sweeps are no-ops.
func (r *SQLiteRepository) MarkOverdue(ctx context.Context, userID int64, now time.Time) (int64, error) {
	// Due dates are stored date-only; a date sorts strictly before any
	// same-day timestamp, so this matches dueDate < now at instant level.
	cutoff := now.UTC().Format("2006-01-02T15:04:05")

	query := `UPDATE payments SET status = 'OVERDUE'
	          WHERE status = 'PENDING' AND due_date < ?`
	args := []any{cutoff}
	if userID != 0 {
		query += ` AND subscription_id IN (SELECT id FROM subscriptions WHERE user_id = ?)`
		args = append(args, userID)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark overdue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark overdue rows: %w", err)
	}
	if n > 0 {
		slog.InfoContext(ctx, "Payments swept to overdue", "count", n, "user_id", userID)
	}
	return n, nil
}

// ListUnpaidWithOwners returns every PENDING or OVERDUE payment joined
// with its owner, for the notification pass.
func (r *SQLiteRepository) ListUnpaidWithOwners(ctx context.Context) ([]UnpaidPayment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT u.email, u.name,
		        p.id, p.subscription_id, p.amount_cents, p.due_date, p.status,
		        s.name, s.currency, s.type
		 FROM payments p
		 JOIN subscriptions s ON s.id = p.subscription_id
		 JOIN users u ON u.id = s.user_id
		 WHERE p.status IN ('PENDING', 'OVERDUE')
		 ORDER BY p.due_date ASC`)
	if err != nil {
		return nil, fmt.Errorf("list unpaid payments: %w", err)
	}
	defer rows.Close()

	var out []UnpaidPayment
	for rows.Next() {
		var (
			item    UnpaidPayment
			due     string
			pStatus string
			subType string
		)
		if err := rows.Scan(&item.UserEmail, &item.UserName,
			&item.Payment.ID, &item.Payment.SubscriptionID, &item.Payment.Amount.Cents,
			&due, &pStatus, &item.SubscriptionName, &item.Currency, &subType); err != nil {
			return nil, fmt.Errorf("scan unpaid payment: %w", err)
		}
		item.Payment.Status = core.PaymentStatus(pStatus)
		item.Type = core.SubscriptionType(subType)
		if item.Payment.DueDate, err = parseDate(due); err != nil {
			return nil, fmt.Errorf("parse due date: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*core.Subscription, error) {
	var (
		sub       core.Subscription
		subType   string
		frequency string
		status    string
		start     string
		end       sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&sub.ID, &sub.UserID, &sub.Name, &subType, &sub.Amount.Cents,
		&sub.Currency, &frequency, &start, &end, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sub.Type = core.SubscriptionType(subType)
	sub.Frequency = core.Frequency(frequency)
	sub.Status = core.SubscriptionStatus(status)

	var err error
	if sub.StartDate, err = parseDate(start); err != nil {
		return nil, fmt.Errorf("parse start date: %w", err)
	}
	if end.Valid {
		if sub.EndDate, err = parseDate(end.String); err != nil {
			return nil, fmt.Errorf("parse end date: %w", err)
		}
	}
	if sub.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parse created at: %w", err)
	}
	if sub.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated at: %w", err)
	}
	return &sub, nil
}

func parseDate(s string) (core.Date, error) {
	t, err := time.Parse(dateFormat, s)
	if err != nil {
		return core.Date{}, err
	}
	return core.Date{Time: t}, nil
}

func nullableDate(d core.Date) any {
	if d.IsZero() {
		return nil
	}
	return d.Format(dateFormat)
}
