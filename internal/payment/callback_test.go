package payment_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivevn/backend-rental/internal/payment"
)

type stubQueries struct {
	booking    payment.Booking
	bookingErr error
	payment    payment.Payment
	paymentErr error
	latest     payment.Payment
	latestErr  error

	created  []payment.Payment
	outcomes []payment.Outcome
	events   []string
}

func (s *stubQueries) WithTx(tx pgx.Tx) payment.Queries { return s }

func (s *stubQueries) GetBooking(ctx context.Context, id uuid.UUID) (payment.Booking, error) {
	return s.booking, s.bookingErr
}

func (s *stubQueries) GetPaymentByTxnRef(ctx context.Context, txnRef string) (payment.Payment, error) {
	return s.payment, s.paymentErr
}

func (s *stubQueries) GetLatestPaymentByBooking(ctx context.Context, bookingID uuid.UUID) (payment.Payment, error) {
	return s.latest, s.latestErr
}

func (s *stubQueries) CreatePayment(ctx context.Context, p payment.Payment) (payment.Payment, error) {
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	s.created = append(s.created, p)
	return p, nil
}

func (s *stubQueries) ApplyOutcome(ctx context.Context, o payment.Outcome) error {
	s.outcomes = append(s.outcomes, o)
	return nil
}

func (s *stubQueries) InsertPaymentEvent(ctx context.Context, paymentID uuid.UUID, status string, payload []byte) error {
	s.events = append(s.events, status)
	return nil
}

type stubSettler struct {
	paid   []uuid.UUID
	failed []uuid.UUID
}

func (s *stubSettler) MarkPaid(ctx context.Context, bookingID uuid.UUID) (bool, error) {
	s.paid = append(s.paid, bookingID)
	return true, nil
}

func (s *stubSettler) MarkPaymentFailed(ctx context.Context, bookingID uuid.UUID) (bool, error) {
	s.failed = append(s.failed, bookingID)
	return true, nil
}

func callbackGateway() payment.VNPay {
	return payment.VNPay{
		TmnCode:    "TESTCODE",
		HashSecret: "s3cr3t",
		PayURL:     "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
		ReturnURL:  "https://app.example.com/payments/return",
	}
}

// signedIPNQuery builds and signs a complete callback query for txnRef in
// minor units, the way the gateway server does before hitting the IPN URL.
func signedIPNQuery(t *testing.T, g payment.VNPay, txnRef, amountMinor, responseCode string) url.Values {
	t.Helper()
	params := map[string]string{
		payment.FieldTmnCode:      g.TmnCode,
		payment.FieldAmount:       amountMinor,
		payment.FieldBankCode:     "NCB",
		payment.FieldBankTranNo:   "VNP01234567",
		payment.FieldCardType:     "ATM",
		payment.FieldOrderInfo:    "Thanh toan don hang " + txnRef,
		payment.FieldPayDate:      "20240501170312",
		payment.FieldResponseCode: responseCode,
		payment.FieldTxnNo:        "14422574",
		payment.FieldTxnRef:       txnRef,
	}
	canonical, err := payment.BuildCanonicalString(params, payment.FieldSecureHash)
	require.NoError(t, err)
	sig, err := payment.Sign([]byte(g.HashSecret), canonical)
	require.NoError(t, err)

	vals := url.Values{}
	for k, v := range params {
		vals.Set(k, v)
	}
	vals.Set(payment.FieldSecureHash, sig)
	return vals
}

func newIPNHandler(t *testing.T, q *stubQueries, settler *stubSettler) payment.CallbackHandler {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return payment.CallbackHandler{
		Q:         q,
		Gateway:   callbackGateway(),
		Replay:    rdb,
		ReplayTTL: time.Hour,
		Bookings:  settler,
		Logger:    zerolog.Nop(),
	}
}

func serveIPN(h payment.CallbackHandler, query url.Values) map[string]string {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/vnpay/ipn?"+query.Encode(), nil)
	rec := httptest.NewRecorder()
	h.IPN(rec, req)
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return body
}

func pendingPayment(txnRef string, amount int64) payment.Payment {
	return payment.Payment{
		ID:        uuid.New(),
		BookingID: uuid.New(),
		TxnRef:    txnRef,
		Amount:    amount,
		Status:    payment.StatusPending,
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
}

func TestIPNConfirmsPayment(t *testing.T) {
	q := &stubQueries{payment: pendingPayment("PAY123", 500000)}
	settler := &stubSettler{}
	h := newIPNHandler(t, q, settler)

	body := serveIPN(h, signedIPNQuery(t, h.Gateway.(payment.VNPay), "PAY123", "50000000", payment.ResponseCodeSuccess))

	assert.Equal(t, "00", body["RspCode"])
	require.Len(t, q.outcomes, 1)
	assert.Equal(t, payment.StatusPaid, q.outcomes[0].Status)
	assert.Equal(t, q.payment.ID, q.outcomes[0].PaymentID)
	assert.Equal(t, "NCB", q.outcomes[0].BankCode)
	assert.Equal(t, []string{payment.StatusPaid}, q.events)
	assert.Equal(t, []uuid.UUID{q.payment.BookingID}, settler.paid)
	assert.Empty(t, settler.failed)
}

func TestIPNRecordsFailedPayment(t *testing.T) {
	q := &stubQueries{payment: pendingPayment("PAY123", 500000)}
	settler := &stubSettler{}
	h := newIPNHandler(t, q, settler)

	body := serveIPN(h, signedIPNQuery(t, h.Gateway.(payment.VNPay), "PAY123", "50000000", "24"))

	assert.Equal(t, "00", body["RspCode"])
	require.Len(t, q.outcomes, 1)
	assert.Equal(t, payment.StatusFailed, q.outcomes[0].Status)
	assert.Equal(t, "24", q.outcomes[0].ResponseCode)
	assert.Empty(t, settler.paid)
	assert.Equal(t, []uuid.UUID{q.payment.BookingID}, settler.failed)
}

func TestIPNRejectsReplay(t *testing.T) {
	q := &stubQueries{payment: pendingPayment("PAY123", 500000)}
	h := newIPNHandler(t, q, &stubSettler{})
	query := signedIPNQuery(t, h.Gateway.(payment.VNPay), "PAY123", "50000000", payment.ResponseCodeSuccess)

	first := serveIPN(h, query)
	assert.Equal(t, "00", first["RspCode"])

	second := serveIPN(h, query)
	assert.Equal(t, "02", second["RspCode"])
	assert.Len(t, q.outcomes, 1, "the replayed notification must not touch the payment again")
}

func TestIPNRejectsBadSignature(t *testing.T) {
	q := &stubQueries{payment: pendingPayment("PAY123", 500000)}
	h := newIPNHandler(t, q, &stubSettler{})
	query := signedIPNQuery(t, h.Gateway.(payment.VNPay), "PAY123", "50000000", payment.ResponseCodeSuccess)
	query.Set(payment.FieldAmount, "99999999")

	body := serveIPN(h, query)
	assert.Equal(t, "97", body["RspCode"])
	assert.Empty(t, q.outcomes)
}

func TestIPNRejectsMissingFields(t *testing.T) {
	q := &stubQueries{payment: pendingPayment("PAY123", 500000)}
	h := newIPNHandler(t, q, &stubSettler{})
	query := signedIPNQuery(t, h.Gateway.(payment.VNPay), "PAY123", "50000000", payment.ResponseCodeSuccess)
	query.Del(payment.FieldBankTranNo)

	body := serveIPN(h, query)
	assert.Equal(t, "99", body["RspCode"])
	assert.Empty(t, q.outcomes)
}

func TestIPNUnknownReference(t *testing.T) {
	q := &stubQueries{paymentErr: pgx.ErrNoRows}
	h := newIPNHandler(t, q, &stubSettler{})

	body := serveIPN(h, signedIPNQuery(t, h.Gateway.(payment.VNPay), "NOPE", "50000000", payment.ResponseCodeSuccess))
	assert.Equal(t, "01", body["RspCode"])
}

func TestIPNAmountMismatch(t *testing.T) {
	q := &stubQueries{payment: pendingPayment("PAY123", 400000)}
	settler := &stubSettler{}
	h := newIPNHandler(t, q, settler)

	body := serveIPN(h, signedIPNQuery(t, h.Gateway.(payment.VNPay), "PAY123", "50000000", payment.ResponseCodeSuccess))
	assert.Equal(t, "04", body["RspCode"])
	assert.Empty(t, q.outcomes)
	assert.Empty(t, settler.paid)
}

func TestIPNAlreadySettled(t *testing.T) {
	p := pendingPayment("PAY123", 500000)
	p.Status = payment.StatusPaid
	q := &stubQueries{payment: p}
	settler := &stubSettler{}
	h := newIPNHandler(t, q, settler)

	body := serveIPN(h, signedIPNQuery(t, h.Gateway.(payment.VNPay), "PAY123", "50000000", payment.ResponseCodeSuccess))
	assert.Equal(t, "02", body["RspCode"])
	assert.Empty(t, q.outcomes)
	assert.Empty(t, settler.paid, "settlement must run at most once per payment")
}

func TestReturnReportsOutcome(t *testing.T) {
	h := payment.CallbackHandler{Gateway: callbackGateway(), Logger: zerolog.Nop()}
	query := signedIPNQuery(t, h.Gateway.(payment.VNPay), "PAY123", "50000000", payment.ResponseCodeSuccess)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/vnpay/return?"+query.Encode(), nil)
	rec := httptest.NewRecorder()
	h.Return(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Success      bool   `json:"success"`
		TxnRef       string `json:"txnRef"`
		ResponseCode string `json:"responseCode"`
		Amount       int64  `json:"amount"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "PAY123", body.TxnRef)
	assert.Equal(t, "00", body.ResponseCode)
	assert.Equal(t, int64(500000), body.Amount)
}

func TestReturnRejectsTamperedQuery(t *testing.T) {
	h := payment.CallbackHandler{Gateway: callbackGateway(), Logger: zerolog.Nop()}
	query := signedIPNQuery(t, h.Gateway.(payment.VNPay), "PAY123", "50000000", payment.ResponseCodeSuccess)
	query.Set(payment.FieldTxnRef, "PAY999")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/vnpay/return?"+query.Encode(), nil)
	rec := httptest.NewRecorder()
	h.Return(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
