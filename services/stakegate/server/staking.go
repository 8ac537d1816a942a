package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"stakegate/crypto"
	gwmw "stakegate/gateway/middleware"
	"stakegate/native/staking"
	"stakegate/services/stakegate/lifecycle"
	"stakegate/services/stakegate/models"
)

const missingUser = "Missing user_address"

// queryUser reads the wallet from ?user=, accepting ?user_address= as well.
func queryUser(r *http.Request) (crypto.PublicKey, error) {
	q := r.URL.Query()
	raw := q.Get("user")
	if raw == "" {
		raw = q.Get("user_address")
	}
	return parseAddress(raw, missingUser)
}

type statusResponse struct {
	IsStaking          bool            `json:"isStaking"`
	Status             string          `json:"status,omitempty"`
	Tier               staking.Tier    `json:"tier"`
	TierName           string          `json:"tierName"`
	Perks              []string        `json:"perks"`
	StakedAmount       decimal.Decimal `json:"stakedAmount"`
	CanSeeProducts     bool            `json:"canSeeProducts"`
	CanCheckout        bool            `json:"canCheckout"`
	HasExclusiveAccess bool            `json:"hasExclusiveAccess"`
	DiscountPercent    int64           `json:"discountPercent"`
	AccessRevoked      bool            `json:"accessRevoked"`
	UnlockTimestamp    *int64          `json:"unlockTimestamp,omitempty"`
	PenaltyApplies     bool            `json:"penaltyApplies"`
}

// Status returns every access decision for one wallet.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	user, err := queryUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sum, err := s.gate.StatusSummary(r.Context(), user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := statusResponse{
		IsStaking:          sum.IsStaking,
		Tier:               sum.Tier,
		TierName:           sum.TierName,
		Perks:              sum.Tier.Perks(),
		StakedAmount:       sum.StakedAmount,
		CanSeeProducts:     sum.CanSeeProducts,
		CanCheckout:        sum.CanCheckout,
		HasExclusiveAccess: sum.HasExclusiveAccess,
		DiscountPercent:    sum.DiscountPercent,
		AccessRevoked:      sum.AccessRevoked,
		UnlockTimestamp:    sum.UnlockTimestamp,
		PenaltyApplies:     sum.PenaltyApplies,
	}
	if sum.Status != nil {
		resp.Status = sum.Status.String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// Visibility reports whether the wallet may browse products.
func (s *Server) Visibility(w http.ResponseWriter, r *http.Request) {
	user, err := queryUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.gate.CheckVisibility(r.Context(), user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Visible bool         `json:"visible"`
		Reason  string       `json:"reason,omitempty"`
		Tier    staking.Tier `json:"tier"`
	}{d.Allowed, d.Reason, d.Tier})
}

// Checkout reports whether the wallet may place orders.
func (s *Server) Checkout(w http.ResponseWriter, r *http.Request) {
	user, err := queryUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.gate.CheckCheckout(r.Context(), user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Allowed bool         `json:"allowed"`
		Reason  string       `json:"reason,omitempty"`
		Tier    staking.Tier `json:"tier"`
	}{d.Allowed, d.Reason, d.Tier})
}

// Exclusive reports access to the top-tier catalogue.
func (s *Server) Exclusive(w http.ResponseWriter, r *http.Request) {
	user, err := queryUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.gate.CheckExclusive(r.Context(), user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		HasAccess bool         `json:"hasAccess"`
		Reason    string       `json:"reason,omitempty"`
		Tier      staking.Tier `json:"tier"`
	}{d.Allowed, d.Reason, d.Tier})
}

// Discount applies the wallet's tier discount to ?cart_total=, which
// defaults to zero.
func (s *Server) Discount(w http.ResponseWriter, r *http.Request) {
	user, err := queryUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	total := decimal.Zero
	if raw := strings.TrimSpace(r.URL.Query().Get("cart_total")); raw != "" {
		total, err = decimal.NewFromString(raw)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: cart_total %q is not a number", staking.ErrInvalidAmount, raw))
			return
		}
	}
	d, err := s.gate.CalculateDiscount(r.Context(), user, total)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Discount        decimal.Decimal `json:"discount"`
		DiscountPercent int64           `json:"discountPercent"`
		FinalTotal      decimal.Decimal `json:"finalTotal"`
		Tier            staking.Tier    `json:"tier"`
	}{d.Discount, d.DiscountPercent, d.FinalTotal, d.Tier})
}

type stakeRequest struct {
	User   string          `json:"user"`
	Amount decimal.Decimal `json:"amount"`
}

type lifecycleResponse struct {
	Signature       string           `json:"signature"`
	Message         string           `json:"message"`
	Status          string           `json:"status"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	Returned        *decimal.Decimal `json:"returned,omitempty"`
	Penalty         *decimal.Decimal `json:"penalty,omitempty"`
	UnlockTimestamp *int64           `json:"unlockTimestamp,omitempty"`
}

func (s *Server) lifecycleResponse(res lifecycle.Result) lifecycleResponse {
	human := func(units uint64) *decimal.Decimal {
		d := staking.FromBaseUnits(units, s.vault.Decimals)
		return &d
	}
	out := lifecycleResponse{
		Signature: res.Signature,
		Message:   res.Message,
		Status:    res.Status.String(),
	}
	if res.Amount > 0 {
		out.Amount = human(res.Amount)
	}
	if res.Returned > 0 || res.Penalty > 0 {
		out.Returned = human(res.Returned)
		out.Penalty = human(res.Penalty)
	}
	if res.UnlockAt != nil {
		ts := res.UnlockAt.Unix()
		out.UnlockTimestamp = &ts
	}
	return out
}

// bodyUser decodes the wallet from a mutation body and checks it against a
// wallet-bound token.
func (s *Server) bodyUser(r *http.Request, raw string) (crypto.PublicKey, error) {
	user, err := parseAddress(raw, missingUser)
	if err != nil {
		return crypto.PublicKey{}, err
	}
	if bound, ok := gwmw.WalletFromContext(r.Context()); ok && bound != user.String() {
		return crypto.PublicKey{}, fmt.Errorf("%w: token is bound to another wallet", staking.ErrSignatureMismatch)
	}
	return user, nil
}

// Stake locks tokens from the wallet into the vault.
func (s *Server) Stake(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.bodyUser(r, req.User)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !req.Amount.IsPositive() {
		s.writeError(w, r, fmt.Errorf("%w: amount must be greater than zero", staking.ErrInvalidAmount))
		return
	}
	res, err := s.lifecycle.Stake(r.Context(), user, req.Amount)
	s.audit(r, models.ActionStake, user.String(), res.Signature, err, map[string]string{"amount": req.Amount.String()})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.lifecycleResponse(res))
}

type userRequest struct {
	User string `json:"user"`
}

// RequestUnstake starts the lock window and revokes access immediately.
func (s *Server) RequestUnstake(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, models.ActionRequestUnstake, s.lifecycle.RequestUnstake)
}

// CompleteUnstake returns unlocked tokens to the wallet.
func (s *Server) CompleteUnstake(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, models.ActionCompleteUnstake, s.lifecycle.CompleteUnstake)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, action string,
	op func(context.Context, crypto.PublicKey) (lifecycle.Result, error)) {
	var req userRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.bodyUser(r, req.User)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := op(r.Context(), user)
	s.audit(r, action, user.String(), res.Signature, err, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.lifecycleResponse(res))
}
