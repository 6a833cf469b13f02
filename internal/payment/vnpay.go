package payment

import (
	"crypto/hmac"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Wire-level constants fixed by the VNPay 2.1.0 redirect scheme.
const (
	vnpVersion   = "2.1.0"
	vnpCommand   = "pay"
	vnpCurrency  = "VND"
	vnpLocale    = "vn"
	vnpOrderType = "250000"

	vnpTimeFormat   = "20060102150405"
	vnpExpiryWindow = 15 * time.Minute

	// ResponseCodeSuccess is the gateway response code for a completed payment.
	ResponseCodeSuccess = "00"
)

// Parameter names shared by the redirect request and the callback payload.
const (
	FieldVersion      = "vnp_Version"
	FieldCommand      = "vnp_Command"
	FieldTmnCode      = "vnp_TmnCode"
	FieldAmount       = "vnp_Amount"
	FieldCurrency     = "vnp_CurrCode"
	FieldTxnRef       = "vnp_TxnRef"
	FieldOrderInfo    = "vnp_OrderInfo"
	FieldOrderType    = "vnp_OrderType"
	FieldLocale       = "vnp_Locale"
	FieldReturnURL    = "vnp_ReturnUrl"
	FieldIPAddr       = "vnp_IpAddr"
	FieldCreateDate   = "vnp_CreateDate"
	FieldExpireDate   = "vnp_ExpireDate"
	FieldBankCode     = "vnp_BankCode"
	FieldBankTranNo   = "vnp_BankTranNo"
	FieldCardType     = "vnp_CardType"
	FieldPayDate      = "vnp_PayDate"
	FieldResponseCode = "vnp_ResponseCode"
	FieldTxnNo        = "vnp_TransactionNo"
	FieldSecureHash   = "vnp_SecureHash"

	fieldSecureHashType = "vnp_SecureHashType"
)

// requiredCallbackFields must all be present and non-empty before a callback
// is even considered for signature verification.
var requiredCallbackFields = []string{
	FieldTmnCode,
	FieldAmount,
	FieldBankCode,
	FieldBankTranNo,
	FieldCardType,
	FieldOrderInfo,
	FieldPayDate,
	FieldResponseCode,
	FieldTxnNo,
	FieldTxnRef,
	FieldSecureHash,
}

// gatewayZone is the fixed zone VNPay timestamps are expressed in (UTC+7).
var gatewayZone = time.FixedZone("ICT", 7*60*60)

var (
	// ErrMissingConfig is returned when merchant code, secret or endpoint is absent.
	ErrMissingConfig = errors.New("payment: gateway configuration incomplete")
	// ErrInvalidIntent is returned for bad caller input on the outbound path.
	ErrInvalidIntent = errors.New("payment: invalid payment intent")
	// ErrMalformedCallback is returned when a callback is missing required fields.
	ErrMalformedCallback = errors.New("payment: malformed callback")
	// ErrSignatureMismatch is returned when a callback signature does not verify.
	ErrSignatureMismatch = errors.New("payment: callback signature mismatch")
)

// VNPay implements Gateway for VNPay's hosted-page redirect and IPN scheme.
// All methods are pure given the configured secret and safe for concurrent use.
type VNPay struct {
	TmnCode    string
	HashSecret string
	PayURL     string
	ReturnURL  string

	// Now overrides the clock in tests. Nil means time.Now.
	Now func() time.Time
}

func (g VNPay) checkConfig() error {
	if strings.TrimSpace(g.TmnCode) == "" {
		return fmt.Errorf("%w: merchant code", ErrMissingConfig)
	}
	if g.HashSecret == "" {
		return fmt.Errorf("%w: hash secret", ErrMissingConfig)
	}
	if strings.TrimSpace(g.PayURL) == "" {
		return fmt.Errorf("%w: pay url", ErrMissingConfig)
	}
	return nil
}

func (g VNPay) clock() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// BuildPaymentURL assembles the signed redirect URL for the given intent.
// The query string is built by the same canonicalization routine that feeds
// the HMAC, so the gateway re-derives an identical string server-side.
func (g VNPay) BuildPaymentURL(intent PaymentIntent) (string, error) {
	if err := g.checkConfig(); err != nil {
		return "", err
	}
	if strings.TrimSpace(intent.TxnRef) == "" {
		return "", fmt.Errorf("%w: transaction reference is required", ErrInvalidIntent)
	}
	if !(intent.Amount > 0) {
		return "", fmt.Errorf("%w: amount must be positive", ErrInvalidIntent)
	}
	returnURL := intent.ReturnURL
	if returnURL == "" {
		returnURL = g.ReturnURL
	}
	if returnURL == "" {
		return "", fmt.Errorf("%w: return url", ErrMissingConfig)
	}
	orderInfo := strings.TrimSpace(intent.OrderInfo)
	if orderInfo == "" {
		orderInfo = "Thanh toan don hang " + intent.TxnRef
	}
	clientIP := strings.TrimSpace(intent.ClientIP)
	if clientIP == "" {
		clientIP = "127.0.0.1"
	}

	now := g.clock().In(gatewayZone)
	params := map[string]string{
		FieldVersion:    vnpVersion,
		FieldCommand:    vnpCommand,
		FieldTmnCode:    g.TmnCode,
		FieldAmount:     strconv.FormatInt(amountMinorUnits(intent.Amount), 10),
		FieldCurrency:   vnpCurrency,
		FieldTxnRef:     intent.TxnRef,
		FieldOrderInfo:  orderInfo,
		FieldOrderType:  vnpOrderType,
		FieldLocale:     vnpLocale,
		FieldReturnURL:  returnURL,
		FieldIPAddr:     clientIP,
		FieldCreateDate: now.Format(vnpTimeFormat),
		FieldExpireDate: now.Add(vnpExpiryWindow).Format(vnpTimeFormat),
	}

	query, err := BuildCanonicalString(params, FieldSecureHash)
	if err != nil {
		return "", err
	}
	signature, err := Sign([]byte(g.HashSecret), query)
	if err != nil {
		return "", err
	}
	return g.PayURL + "?" + query + "&" + FieldSecureHash + "=" + signature, nil
}

// VerifyCallback authenticates a callback received from the gateway. The
// completeness check runs first so an incomplete payload is distinguishable
// from a forged one; the signature comparison is constant-time and is the
// sole authenticity gate. On success the parsed fields are returned, never
// before.
func (g VNPay) VerifyCallback(params map[string]string) (ValidatedPayment, error) {
	var zero ValidatedPayment
	if err := g.checkConfig(); err != nil {
		return zero, err
	}
	for _, field := range requiredCallbackFields {
		if strings.TrimSpace(params[field]) == "" {
			return zero, fmt.Errorf("%w: missing %s", ErrMalformedCallback, field)
		}
	}

	canonical, err := BuildCanonicalString(params, FieldSecureHash, fieldSecureHashType)
	if err != nil {
		return zero, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	expected, err := Sign([]byte(g.HashSecret), canonical)
	if err != nil {
		return zero, err
	}
	if !hmac.Equal([]byte(expected), []byte(params[FieldSecureHash])) {
		return zero, ErrSignatureMismatch
	}

	amount, err := strconv.ParseInt(params[FieldAmount], 10, 64)
	if err != nil {
		return zero, fmt.Errorf("%w: unparseable amount %q", ErrMalformedCallback, params[FieldAmount])
	}
	return ValidatedPayment{
		TxnRef:        params[FieldTxnRef],
		ResponseCode:  params[FieldResponseCode],
		Amount:        amount,
		BankCode:      params[FieldBankCode],
		BankTranNo:    params[FieldBankTranNo],
		CardType:      params[FieldCardType],
		OrderInfo:     params[FieldOrderInfo],
		PayDate:       params[FieldPayDate],
		TransactionNo: params[FieldTxnNo],
	}, nil
}

// amountMinorUnits converts a major-unit amount with at most two decimal
// places into the gateway's integer minor-unit field, truncating anything
// beyond the second decimal.
func amountMinorUnits(major float64) int64 {
	return int64(math.Trunc(math.Round(major*10000) / 100))
}
