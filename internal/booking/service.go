package booking

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Booking statuses relevant to the payment flow.
const (
	StatusAwaitingPayment = "awaiting_payment"
	StatusPaid            = "paid"
	StatusPaymentFailed   = "payment_failed"
	StatusCancelled       = "cancelled"
)

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Service applies payment outcomes to bookings. Transitions are guarded so a
// duplicate settlement attempt is a no-op rather than an error.
type Service struct {
	DB Execer
}

// MarkPaid moves an awaiting-payment booking to paid. Returns false when the
// booking was not awaiting payment (already settled or cancelled).
func (s *Service) MarkPaid(ctx context.Context, bookingID uuid.UUID) (bool, error) {
	return s.transition(ctx, bookingID, StatusPaid)
}

// MarkPaymentFailed records a failed payment attempt on the booking.
func (s *Service) MarkPaymentFailed(ctx context.Context, bookingID uuid.UUID) (bool, error) {
	return s.transition(ctx, bookingID, StatusPaymentFailed)
}

func (s *Service) transition(ctx context.Context, bookingID uuid.UUID, to string) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("booking service not configured")
	}
	tag, err := s.DB.Exec(ctx,
		`UPDATE bookings SET status = $2, updated_at = now()
		 WHERE id = $1 AND status = $3`,
		bookingID, to, StatusAwaitingPayment)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
