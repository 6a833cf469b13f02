package payment

// PaymentIntent carries the caller-supplied data needed to open a payment at
// the external gateway. Amount is in major currency units with at most two
// decimal places; the gateway implementation converts to minor units itself.
type PaymentIntent struct {
	TxnRef    string
	Amount    float64
	OrderInfo string
	ReturnURL string
	ClientIP  string
}

// ValidatedPayment holds the fields parsed out of a callback that passed
// signature verification.
type ValidatedPayment struct {
	TxnRef        string
	ResponseCode  string
	Amount        int64
	BankCode      string
	BankTranNo    string
	CardType      string
	OrderInfo     string
	PayDate       string
	TransactionNo string
}

// Succeeded reports whether the gateway marked the transaction as completed.
func (v ValidatedPayment) Succeeded() bool {
	return v.ResponseCode == ResponseCodeSuccess
}

// Gateway abstracts the redirect/callback contract with an external payment
// gateway: build a tamper-evident redirect URL for an outgoing payment, and
// authenticate an inbound callback before anything in it is trusted.
type Gateway interface {
	BuildPaymentURL(intent PaymentIntent) (string, error)
	VerifyCallback(params map[string]string) (ValidatedPayment, error)
}
