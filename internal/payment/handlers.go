package payment

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/drivevn/backend-rental/internal/common"
)

// Handler exposes HTTP endpoints for creating payment URLs and polling status.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

type createReq struct {
	BookingID string `json:"bookingId" validate:"required,uuid"`
	Amount    int64  `json:"amount" validate:"omitempty,gt=0"`
}

type createResp struct {
	TxnRef      string    `json:"txnRef"`
	RedirectURL string    `json:"redirectUrl"`
	Amount      int64     `json:"amount"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Create builds a signed gateway redirect URL for a booking.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	var req createReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(req); err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
	}
	bookingID, err := uuid.Parse(strings.TrimSpace(req.BookingID))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid bookingId", nil)
		return
	}

	clientIP := common.ClientIP(r.Header, r.RemoteAddr)
	payment, err := h.Svc.CreatePayment(r.Context(), bookingID, req.Amount, clientIP)
	if err != nil {
		if appErr, ok := common.AsAppError(err); ok {
			common.JSONError(w, appErr.HTTPStatus, appErr.Code, appErr.Message, appErr.Details)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_FAILED", "unable to create payment", nil)
		return
	}
	common.JSON(w, http.StatusOK, createResp{
		TxnRef:      payment.TxnRef,
		RedirectURL: payment.RedirectURL,
		Amount:      payment.Amount,
		ExpiresAt:   payment.ExpiresAt,
	})
}

type statusResp struct {
	TxnRef       string `json:"txnRef"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	BankCode     string `json:"bankCode,omitempty"`
	ResponseCode string `json:"responseCode,omitempty"`
	PayDate      string `json:"payDate,omitempty"`
}

// Status reports the current state of a payment attempt.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	txnRef := strings.TrimSpace(chi.URLParam(r, "txnRef"))
	payment, err := h.Svc.Status(r.Context(), txnRef)
	if err != nil {
		if appErr, ok := common.AsAppError(err); ok {
			common.JSONError(w, appErr.HTTPStatus, appErr.Code, appErr.Message, appErr.Details)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_FETCH_ERROR", "unable to fetch payment", nil)
		return
	}
	common.JSON(w, http.StatusOK, statusResp{
		TxnRef:       payment.TxnRef,
		Status:       payment.Status,
		Amount:       payment.Amount,
		BankCode:     payment.BankCode,
		ResponseCode: payment.ResponseCode,
		PayDate:      payment.PayDate,
	})
}
