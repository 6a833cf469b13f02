package payment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Payment statuses persisted in the payments table.
const (
	StatusPending = "pending"
	StatusPaid    = "paid"
	StatusFailed  = "failed"
)

// Booking is the slice of the bookings table the payment flow reads.
type Booking struct {
	ID          uuid.UUID
	Status      string
	TotalAmount int64
}

// Payment represents a row in the payments table. Amount is stored in major
// currency units; the gateway wire format uses minor units (amount × 100).
type Payment struct {
	ID            uuid.UUID
	BookingID     uuid.UUID
	TxnRef        string
	Amount        int64
	Status        string
	RedirectURL   string
	BankCode      string
	BankTranNo    string
	CardType      string
	TransactionNo string
	ResponseCode  string
	PayDate       string
	ExpiresAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Outcome captures the result of a verified callback as applied to a payment row.
type Outcome struct {
	PaymentID     uuid.UUID
	Status        string
	BankCode      string
	BankTranNo    string
	CardType      string
	TransactionNo string
	ResponseCode  string
	PayDate       string
}

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries is the persistence surface the payment flow depends on. Row absence
// is reported as pgx.ErrNoRows.
type Queries interface {
	WithTx(tx pgx.Tx) Queries
	GetBooking(ctx context.Context, id uuid.UUID) (Booking, error)
	GetPaymentByTxnRef(ctx context.Context, txnRef string) (Payment, error)
	GetLatestPaymentByBooking(ctx context.Context, bookingID uuid.UUID) (Payment, error)
	CreatePayment(ctx context.Context, p Payment) (Payment, error)
	ApplyOutcome(ctx context.Context, o Outcome) error
	InsertPaymentEvent(ctx context.Context, paymentID uuid.UUID, status string, payload []byte) error
}

// Store implements Queries with hand-written SQL over pgx.
type Store struct {
	db DBTX
}

// NewStore constructs a Store bound to the given connection or pool.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// WithTx returns a Store bound to the given transaction.
func (s *Store) WithTx(tx pgx.Tx) Queries {
	return &Store{db: tx}
}

const paymentColumns = `id, booking_id, txn_ref, amount, status, redirect_url,
	bank_code, bank_tran_no, card_type, transaction_no, response_code, pay_date,
	expires_at, created_at, updated_at`

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID, &p.BookingID, &p.TxnRef, &p.Amount, &p.Status, &p.RedirectURL,
		&p.BankCode, &p.BankTranNo, &p.CardType, &p.TransactionNo, &p.ResponseCode, &p.PayDate,
		&p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

// GetBooking fetches a booking by id.
func (s *Store) GetBooking(ctx context.Context, id uuid.UUID) (Booking, error) {
	var b Booking
	err := s.db.QueryRow(ctx,
		`SELECT id, status, total_amount FROM bookings WHERE id = $1`, id,
	).Scan(&b.ID, &b.Status, &b.TotalAmount)
	return b, err
}

// GetPaymentByTxnRef fetches a payment by its gateway transaction reference.
func (s *Store) GetPaymentByTxnRef(ctx context.Context, txnRef string) (Payment, error) {
	return scanPayment(s.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE txn_ref = $1`, txnRef))
}

// GetLatestPaymentByBooking fetches the most recent payment attempt for a booking.
func (s *Store) GetLatestPaymentByBooking(ctx context.Context, bookingID uuid.UUID) (Payment, error) {
	return scanPayment(s.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE booking_id = $1 ORDER BY created_at DESC LIMIT 1`, bookingID))
}

// CreatePayment inserts a pending payment row. The unique constraint on
// txn_ref is the storage-level guard against duplicate references.
func (s *Store) CreatePayment(ctx context.Context, p Payment) (Payment, error) {
	return scanPayment(s.db.QueryRow(ctx,
		`INSERT INTO payments (booking_id, txn_ref, amount, status, redirect_url, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+paymentColumns,
		p.BookingID, p.TxnRef, p.Amount, p.Status, p.RedirectURL, p.ExpiresAt))
}

// ApplyOutcome records the verified callback result on the payment row.
func (s *Store) ApplyOutcome(ctx context.Context, o Outcome) error {
	_, err := s.db.Exec(ctx,
		`UPDATE payments
		 SET status = $2, bank_code = $3, bank_tran_no = $4, card_type = $5,
		     transaction_no = $6, response_code = $7, pay_date = $8, updated_at = now()
		 WHERE id = $1`,
		o.PaymentID, o.Status, o.BankCode, o.BankTranNo, o.CardType,
		o.TransactionNo, o.ResponseCode, o.PayDate)
	return err
}

// InsertPaymentEvent appends an audit event for the payment.
func (s *Store) InsertPaymentEvent(ctx context.Context, paymentID uuid.UUID, status string, payload []byte) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO payment_events (payment_id, status, payload) VALUES ($1, $2, $3)`,
		paymentID, status, payload)
	return err
}
