package payment_test

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivevn/backend-rental/internal/booking"
	"github.com/drivevn/backend-rental/internal/common"
	"github.com/drivevn/backend-rental/internal/payment"
)

func newService(q *stubQueries) *payment.Service {
	return &payment.Service{
		Q:         q,
		Gateway:   callbackGateway(),
		IntentTTL: 15 * time.Minute,
	}
}

func TestCreatePayment(t *testing.T) {
	bookingID := uuid.New()
	q := &stubQueries{
		booking:   payment.Booking{ID: bookingID, Status: booking.StatusAwaitingPayment, TotalAmount: 800000},
		latestErr: pgx.ErrNoRows,
	}
	svc := newService(q)

	p, err := svc.CreatePayment(context.Background(), bookingID, 800000, "203.0.113.5")
	require.NoError(t, err)

	assert.Equal(t, bookingID, p.BookingID)
	assert.Equal(t, int64(800000), p.Amount)
	assert.Equal(t, payment.StatusPending, p.Status)
	assert.Regexp(t, regexp.MustCompile(`^[0-9A-F]{32}$`), p.TxnRef)
	assert.Contains(t, p.RedirectURL, "vnp_TxnRef="+p.TxnRef)
	assert.Contains(t, p.RedirectURL, "vnp_Amount=80000000")
	assert.Contains(t, p.RedirectURL, "vnp_IpAddr=203.0.113.5")
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), p.ExpiresAt, 5*time.Second)
	require.Len(t, q.created, 1)
	assert.Equal(t, []string{payment.StatusPending}, q.events)
}

func TestCreatePaymentReusesPendingAttempt(t *testing.T) {
	bookingID := uuid.New()
	existing := pendingPayment("EXISTING", 800000)
	existing.BookingID = bookingID
	q := &stubQueries{
		booking: payment.Booking{ID: bookingID, Status: booking.StatusAwaitingPayment, TotalAmount: 800000},
		latest:  existing,
	}
	svc := newService(q)

	p, err := svc.CreatePayment(context.Background(), bookingID, 0, "")
	require.NoError(t, err)
	assert.Equal(t, "EXISTING", p.TxnRef)
	assert.Empty(t, q.created, "an unexpired pending attempt must be reused, not replaced")
}

func TestCreatePaymentReplacesExpiredAttempt(t *testing.T) {
	bookingID := uuid.New()
	expired := pendingPayment("EXPIRED", 800000)
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	q := &stubQueries{
		booking: payment.Booking{ID: bookingID, Status: booking.StatusAwaitingPayment, TotalAmount: 800000},
		latest:  expired,
	}
	svc := newService(q)

	p, err := svc.CreatePayment(context.Background(), bookingID, 0, "")
	require.NoError(t, err)
	assert.NotEqual(t, "EXPIRED", p.TxnRef)
	assert.Len(t, q.created, 1)
}

func TestCreatePaymentRejectsAmountMismatch(t *testing.T) {
	bookingID := uuid.New()
	q := &stubQueries{
		booking:   payment.Booking{ID: bookingID, Status: booking.StatusAwaitingPayment, TotalAmount: 800000},
		latestErr: pgx.ErrNoRows,
	}
	svc := newService(q)

	_, err := svc.CreatePayment(context.Background(), bookingID, 700000, "")
	require.ErrorIs(t, err, payment.ErrInvalidIntent)
	assert.Empty(t, q.created)
}

func TestCreatePaymentRejectsNonPayableBooking(t *testing.T) {
	for _, status := range []string{booking.StatusPaid, booking.StatusCancelled} {
		bookingID := uuid.New()
		q := &stubQueries{booking: payment.Booking{ID: bookingID, Status: status, TotalAmount: 800000}}
		svc := newService(q)

		_, err := svc.CreatePayment(context.Background(), bookingID, 0, "")
		require.ErrorIs(t, err, payment.ErrBookingNotPayable, "status %s", status)
	}
}

func TestCreatePaymentRejectsAlreadyPaidBooking(t *testing.T) {
	bookingID := uuid.New()
	settled := pendingPayment("DONE", 800000)
	settled.Status = payment.StatusPaid
	q := &stubQueries{
		booking: payment.Booking{ID: bookingID, Status: booking.StatusAwaitingPayment, TotalAmount: 800000},
		latest:  settled,
	}
	svc := newService(q)

	_, err := svc.CreatePayment(context.Background(), bookingID, 0, "")
	require.ErrorIs(t, err, payment.ErrBookingNotPayable)
}

func TestServiceErrorsCarryHTTPMetadata(t *testing.T) {
	bookingID := uuid.New()
	cases := []struct {
		name       string
		q          *stubQueries
		amount     int64
		wantCode   string
		wantStatus int
	}{
		{
			name:       "unknown booking",
			q:          &stubQueries{bookingErr: pgx.ErrNoRows},
			wantCode:   "BOOKING_NOT_FOUND",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "cancelled booking",
			q:          &stubQueries{booking: payment.Booking{ID: bookingID, Status: booking.StatusCancelled, TotalAmount: 800000}},
			wantCode:   "PAYMENT_REJECTED",
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "amount mismatch",
			q: &stubQueries{
				booking:   payment.Booking{ID: bookingID, Status: booking.StatusAwaitingPayment, TotalAmount: 800000},
				latestErr: pgx.ErrNoRows,
			},
			amount:     700000,
			wantCode:   "PAYMENT_REJECTED",
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newService(tc.q).CreatePayment(context.Background(), bookingID, tc.amount, "")
			require.Error(t, err)
			appErr, ok := common.AsAppError(err)
			require.True(t, ok, "service failures must carry HTTP metadata, got %v", err)
			assert.Equal(t, tc.wantCode, appErr.Code)
			assert.Equal(t, tc.wantStatus, appErr.HTTPStatus)
		})
	}
}

func TestStatus(t *testing.T) {
	q := &stubQueries{payment: pendingPayment("PAY123", 500000)}
	svc := newService(q)

	p, err := svc.Status(context.Background(), "PAY123")
	require.NoError(t, err)
	assert.Equal(t, "PAY123", p.TxnRef)

	_, err = svc.Status(context.Background(), "  ")
	assert.ErrorIs(t, err, payment.ErrInvalidIntent)
}

func TestNewTxnRef(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		ref := payment.NewTxnRef()
		require.Len(t, ref, 32)
		assert.Equal(t, strings.ToUpper(ref), ref)
		assert.False(t, seen[ref], "references must be unique per attempt")
		seen[ref] = true
	}
}
