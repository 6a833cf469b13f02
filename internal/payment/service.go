package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/drivevn/backend-rental/internal/booking"
	"github.com/drivevn/backend-rental/internal/common"
	"github.com/drivevn/backend-rental/internal/obs"
)

// ErrBookingNotPayable is returned when the booking is not awaiting payment.
var ErrBookingNotPayable = errors.New("payment: booking does not allow new payments")

// Service coordinates payment URL creation and status retrieval. The codec
// does the signing; the service owns reference generation and persistence.
type Service struct {
	Q         Queries
	Gateway   Gateway
	IntentTTL time.Duration
}

// CreatePayment builds a signed redirect URL for the booking and persists the
// pending payment. An unexpired pending payment for the same booking is
// reused instead of minting a new transaction reference.
func (s *Service) CreatePayment(ctx context.Context, bookingID uuid.UUID, amount int64, clientIP string) (Payment, error) {
	var zero Payment
	if s == nil || s.Q == nil || s.Gateway == nil {
		return zero, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.CreatePayment")
	defer span.End()

	start := time.Now()
	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("booking.id", bookingID.String()),
			attribute.Float64("payment.create.duration_ms", obs.DurationMillis(time.Since(start))),
			attribute.String("payment.create.result", result),
		)
		if obs.PaymentIntentTotal != nil {
			obs.PaymentIntentTotal.WithLabelValues(result).Inc()
		}
	}()

	bk, err := s.Q.GetBooking(ctx, bookingID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, common.NewAppError("BOOKING_NOT_FOUND", "booking not found", http.StatusNotFound, err)
		}
		return zero, err
	}
	if bk.Status != booking.StatusAwaitingPayment {
		return zero, rejected(fmt.Errorf("%w: status %s", ErrBookingNotPayable, bk.Status))
	}
	if amount > 0 && amount != bk.TotalAmount {
		return zero, rejected(fmt.Errorf("%w: amount %d does not match booking total %d", ErrInvalidIntent, amount, bk.TotalAmount))
	}

	existing, err := s.Q.GetLatestPaymentByBooking(ctx, bookingID)
	if err == nil {
		if existing.Status == StatusPaid {
			return zero, rejected(fmt.Errorf("%w: already paid", ErrBookingNotPayable))
		}
		if existing.Status == StatusPending && existing.ExpiresAt.After(time.Now()) {
			result = "reused"
			return existing, nil
		}
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return zero, err
	}

	txnRef := NewTxnRef()
	ttl := s.IntentTTL
	if ttl <= 0 {
		ttl = vnpExpiryWindow
	}
	intent := PaymentIntent{
		TxnRef:    txnRef,
		Amount:    float64(bk.TotalAmount),
		OrderInfo: "Thanh toan don thue xe " + bookingID.String(),
		ClientIP:  clientIP,
	}
	redirectURL, err := s.Gateway.BuildPaymentURL(intent)
	if err != nil {
		span.RecordError(err)
		return zero, err
	}

	payment, err := s.Q.CreatePayment(ctx, Payment{
		BookingID:   bookingID,
		TxnRef:      txnRef,
		Amount:      bk.TotalAmount,
		Status:      StatusPending,
		RedirectURL: redirectURL,
		ExpiresAt:   time.Now().Add(ttl),
	})
	if err != nil {
		return zero, err
	}
	_ = s.Q.InsertPaymentEvent(ctx, payment.ID, StatusPending, toJSON(map[string]any{
		"txnRef":   txnRef,
		"amount":   bk.TotalAmount,
		"clientIp": clientIP,
	}))
	result = "created"
	return payment, nil
}

// Status fetches the payment identified by its transaction reference.
func (s *Service) Status(ctx context.Context, txnRef string) (Payment, error) {
	var zero Payment
	if s == nil || s.Q == nil {
		return zero, errors.New("payment service not configured")
	}
	if strings.TrimSpace(txnRef) == "" {
		err := fmt.Errorf("%w: transaction reference is required", ErrInvalidIntent)
		return zero, common.NewAppError("BAD_REQUEST", err.Error(), http.StatusBadRequest, err)
	}
	p, err := s.Q.GetPaymentByTxnRef(ctx, txnRef)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, common.NewAppError("PAYMENT_NOT_FOUND", "payment not found", http.StatusNotFound, err)
		}
		return zero, err
	}
	return p, nil
}

// rejected flags a domain refusal for the HTTP layer while keeping the
// underlying sentinel reachable through errors.Is.
func rejected(err error) error {
	return common.NewAppError("PAYMENT_REJECTED", err.Error(), http.StatusBadRequest, err)
}

// NewTxnRef mints a transaction reference that is unique per payment attempt.
func NewTxnRef() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func toJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
