package payment

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/drivevn/backend-rental/internal/common"
	"github.com/drivevn/backend-rental/internal/obs"
)

// BookingSettler applies a payment outcome to the owning booking.
type BookingSettler interface {
	MarkPaid(ctx context.Context, bookingID uuid.UUID) (bool, error)
	MarkPaymentFailed(ctx context.Context, bookingID uuid.UUID) (bool, error)
}

// CallbackHandler processes gateway callbacks: the server-to-server IPN that
// settles payments and the browser return that only reports the outcome.
type CallbackHandler struct {
	Q         Queries
	Pool      *pgxpool.Pool
	Gateway   Gateway
	Replay    *redis.Client
	ReplayTTL time.Duration
	Bookings  BookingSettler
	Logger    zerolog.Logger
}

// ipnResponse is the acknowledgement contract VNPay expects from an IPN URL.
type ipnResponse struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}

// VNPay IPN acknowledgement codes.
const (
	ipnCodeSuccess        = "00"
	ipnCodeOrderNotFound  = "01"
	ipnCodeAlreadyUpdated = "02"
	ipnCodeInvalidAmount  = "04"
	ipnCodeBadSignature   = "97"
	ipnCodeUnknownError   = "99"
)

func (h CallbackHandler) ack(w http.ResponseWriter, code, message string) {
	// The gateway expects HTTP 200 with the outcome in the body, even on reject.
	common.JSON(w, http.StatusOK, ipnResponse{RspCode: code, Message: message})
}

func (h CallbackHandler) count(source, result string) {
	if obs.PaymentCallbackTotal != nil {
		obs.PaymentCallbackTotal.WithLabelValues(source, result).Inc()
	}
}

// IPN handles the gateway's server-to-server notification. Rejection is
// always definite: any verification failure acknowledges with a non-zero
// code and the payment is left untouched.
func (h CallbackHandler) IPN(w http.ResponseWriter, r *http.Request) {
	if h.Q == nil || h.Gateway == nil {
		h.ack(w, ipnCodeUnknownError, "Service unavailable")
		return
	}
	params := flattenQuery(r.URL.Query())
	result, err := h.Gateway.VerifyCallback(params)
	if err != nil {
		switch {
		case errors.Is(err, ErrSignatureMismatch):
			h.Logger.Error().Str("txn_ref", params[FieldTxnRef]).Msg("ipn signature mismatch")
			h.count("ipn", "signature_mismatch")
			h.ack(w, ipnCodeBadSignature, "Invalid Checksum")
		case errors.Is(err, ErrMalformedCallback):
			h.Logger.Warn().Err(err).Msg("ipn malformed callback")
			h.count("ipn", "malformed")
			h.ack(w, ipnCodeUnknownError, "Invalid Parameters")
		default:
			h.Logger.Error().Err(err).Msg("ipn verification error")
			h.count("ipn", "error")
			h.ack(w, ipnCodeUnknownError, "Unknown error")
		}
		return
	}

	ctx := r.Context()
	if h.Replay != nil && h.ReplayTTL > 0 {
		key := "vnpay:ipn:" + common.Sha256Hex(r.URL.RawQuery)
		fresh, err := h.Replay.SetNX(ctx, key, "1", h.ReplayTTL).Result()
		if err != nil {
			h.count("ipn", "error")
			h.ack(w, ipnCodeUnknownError, "Unknown error")
			return
		}
		if !fresh {
			h.count("ipn", "replay")
			h.ack(w, ipnCodeAlreadyUpdated, "Order already confirmed")
			return
		}
	}

	payment, err := h.Q.GetPaymentByTxnRef(ctx, result.TxnRef)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			h.count("ipn", "not_found")
			h.ack(w, ipnCodeOrderNotFound, "Order not found")
			return
		}
		h.count("ipn", "error")
		h.ack(w, ipnCodeUnknownError, "Unknown error")
		return
	}
	if result.Amount != payment.Amount*100 {
		h.Logger.Error().Str("txn_ref", result.TxnRef).
			Int64("got", result.Amount).Int64("want", payment.Amount*100).
			Msg("ipn amount mismatch")
		h.count("ipn", "amount_mismatch")
		h.ack(w, ipnCodeInvalidAmount, "Invalid amount")
		return
	}
	if payment.Status != StatusPending {
		h.count("ipn", "replay")
		h.ack(w, ipnCodeAlreadyUpdated, "Order already confirmed")
		return
	}

	newStatus := StatusFailed
	if result.Succeeded() {
		newStatus = StatusPaid
	}

	q := h.Q
	var tx pgx.Tx
	if h.Pool != nil {
		tx, err = h.Pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			h.count("ipn", "error")
			h.ack(w, ipnCodeUnknownError, "Unknown error")
			return
		}
		defer func() { _ = tx.Rollback(ctx) }()
		q = h.Q.WithTx(tx)
	}
	if err := q.ApplyOutcome(ctx, Outcome{
		PaymentID:     payment.ID,
		Status:        newStatus,
		BankCode:      result.BankCode,
		BankTranNo:    result.BankTranNo,
		CardType:      result.CardType,
		TransactionNo: result.TransactionNo,
		ResponseCode:  result.ResponseCode,
		PayDate:       result.PayDate,
	}); err != nil {
		h.count("ipn", "error")
		h.ack(w, ipnCodeUnknownError, "Unknown error")
		return
	}
	_ = q.InsertPaymentEvent(ctx, payment.ID, newStatus, toJSON(params))
	if tx != nil {
		if err := tx.Commit(ctx); err != nil {
			h.count("ipn", "error")
			h.ack(w, ipnCodeUnknownError, "Unknown error")
			return
		}
	}

	if h.Bookings != nil {
		var settleErr error
		if newStatus == StatusPaid {
			_, settleErr = h.Bookings.MarkPaid(ctx, payment.BookingID)
		} else {
			_, settleErr = h.Bookings.MarkPaymentFailed(ctx, payment.BookingID)
		}
		if settleErr != nil {
			h.Logger.Error().Err(settleErr).
				Str("booking_id", payment.BookingID.String()).
				Msg("booking settlement failed")
		}
	}

	h.Logger.Info().Str("txn_ref", result.TxnRef).Str("status", newStatus).Msg("ipn processed")
	h.count("ipn", newStatus)
	h.ack(w, ipnCodeSuccess, "Confirm Success")
}

type returnResponse struct {
	Success      bool   `json:"success"`
	TxnRef       string `json:"txnRef,omitempty"`
	ResponseCode string `json:"responseCode,omitempty"`
	Amount       int64  `json:"amount,omitempty"`
	Message      string `json:"message"`
}

// Return handles the browser redirect back from the gateway. It verifies the
// signature and reports the outcome; settlement belongs to the IPN path only.
func (h CallbackHandler) Return(w http.ResponseWriter, r *http.Request) {
	if h.Gateway == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "callback unavailable", nil)
		return
	}
	params := flattenQuery(r.URL.Query())
	result, err := h.Gateway.VerifyCallback(params)
	if err != nil {
		switch {
		case errors.Is(err, ErrSignatureMismatch):
			h.Logger.Error().Str("txn_ref", params[FieldTxnRef]).Msg("return signature mismatch")
			h.count("return", "signature_mismatch")
		case errors.Is(err, ErrMalformedCallback):
			h.count("return", "malformed")
		default:
			h.count("return", "error")
		}
		common.JSON(w, http.StatusBadRequest, returnResponse{Success: false, Message: "invalid callback"})
		return
	}
	h.count("return", result.ResponseCode)
	common.JSON(w, http.StatusOK, returnResponse{
		Success:      result.Succeeded(),
		TxnRef:       result.TxnRef,
		ResponseCode: result.ResponseCode,
		Amount:       result.Amount / 100,
		Message:      returnMessage(result.ResponseCode),
	})
}

func returnMessage(code string) string {
	if code == ResponseCodeSuccess {
		return "payment completed"
	}
	return "payment not completed"
}

func flattenQuery(values url.Values) map[string]string {
	params := make(map[string]string, len(values))
	for key, vs := range values {
		if len(vs) > 0 {
			params[key] = vs[0]
		}
	}
	return params
}
