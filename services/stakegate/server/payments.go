package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"stakegate/native/staking"
	"stakegate/services/stakegate/models"
	"stakegate/services/stakegate/payments"
)

type verifyPaymentRequest struct {
	OrderID       string          `json:"orderId"`
	Signature     string          `json:"signature"`
	PayerAddress  string          `json:"payerAddress"`
	Amount        decimal.Decimal `json:"amount"`
	SignedMessage string          `json:"signedMessage,omitempty"`
	SignerKey     string          `json:"signerKey,omitempty"`
}

type verifyPaymentResponse struct {
	Success   bool             `json:"success"`
	Signature string           `json:"signature,omitempty"`
	OrderID   string           `json:"orderId,omitempty"`
	Verdict   string           `json:"verdict,omitempty"`
	Expected  *decimal.Decimal `json:"expected,omitempty"`
	Received  *decimal.Decimal `json:"received,omitempty"`
	Replayed  bool             `json:"replayed"`
	Error     string           `json:"error,omitempty"`
	Code      string           `json:"code,omitempty"`
}

func (s *Server) verifierOrError() (PaymentVerifier, error) {
	if s.payments == nil {
		return nil, fmt.Errorf("%w: store wallet not configured", staking.ErrConfiguration)
	}
	return s.payments, nil
}

func (s *Server) human(units *uint256.Int) *decimal.Decimal {
	if units == nil {
		return nil
	}
	d := decimal.NewFromBigInt(units.ToBig(), -s.vault.Decimals)
	return &d
}

// VerifyPayment confirms that a ledger transaction paid for an order. A
// definitive negative verdict is answered with success=false and the reason.
func (s *Server) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	verifier, err := s.verifierOrError()
	if err != nil {
		s.writePaymentError(w, r, err)
		return
	}
	var body verifyPaymentRequest
	if err := decodeBody(r, &body); err != nil {
		s.writePaymentError(w, r, err)
		return
	}
	payer, err := parseAddress(body.PayerAddress, "payerAddress required")
	if err != nil {
		s.writePaymentError(w, r, err)
		return
	}
	res, err := verifier.Verify(r.Context(), payments.Request{
		OrderID:       body.OrderID,
		Signature:     body.Signature,
		Payer:         payer,
		Amount:        body.Amount,
		SignedMessage: body.SignedMessage,
		SignerKey:     body.SignerKey,
	})
	reference := strings.TrimSpace(body.Signature)
	if err != nil {
		s.audit(r, models.ActionVerifyPayment, payer.String(), reference, err, map[string]string{"orderId": body.OrderID})
		s.writePaymentError(w, r, err)
		return
	}
	if !res.Replayed {
		s.audit(r, models.ActionVerifyPayment, payer.String(), reference, res.Err(), map[string]string{
			"orderId": res.OrderID,
			"verdict": string(res.Verdict),
		})
	}

	resp := verifyPaymentResponse{
		Success:   res.Success,
		Signature: res.Signature,
		OrderID:   res.OrderID,
		Verdict:   string(res.Verdict),
		Expected:  s.human(res.Expected),
		Received:  s.human(res.Received),
		Replayed:  res.Replayed,
	}
	status := http.StatusOK
	if verdictErr := res.Err(); verdictErr != nil {
		status, resp.Code = statusFor(verdictErr)
		resp.Error = res.Reason
	}
	s.writeJSON(w, status, resp)
}

type verifyBalanceRequest struct {
	Wallet string          `json:"wallet"`
	Amount decimal.Decimal `json:"amount"`
}

type verifyBalanceResponse struct {
	Success  bool             `json:"success"`
	Balance  decimal.Decimal  `json:"balance"`
	Overpaid *decimal.Decimal `json:"overpaid,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// VerifyBalance reports whether a wallet holds enough tokens for a purchase.
func (s *Server) VerifyBalance(w http.ResponseWriter, r *http.Request) {
	verifier, err := s.verifierOrError()
	if err != nil {
		s.writePaymentError(w, r, err)
		return
	}
	var body verifyBalanceRequest
	if err := decodeBody(r, &body); err != nil {
		s.writePaymentError(w, r, err)
		return
	}
	wallet, err := parseAddress(body.Wallet, "wallet required")
	if err != nil {
		s.writePaymentError(w, r, err)
		return
	}
	check, err := verifier.CheckBalance(r.Context(), wallet, body.Amount)
	if err != nil {
		s.writePaymentError(w, r, err)
		return
	}
	resp := verifyBalanceResponse{Success: check.Sufficient, Balance: check.Balance, Error: check.Reason}
	if check.Sufficient && check.Overpaid.IsPositive() {
		overpaid := check.Overpaid
		resp.Overpaid = &overpaid
	}
	s.writeJSON(w, http.StatusOK, resp)
}
