// Package server exposes the stake gate over HTTP for the storefront.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"stakegate/crypto"
	gwmw "stakegate/gateway/middleware"
	"stakegate/native/staking"
	"stakegate/services/stakegate/access"
	"stakegate/services/stakegate/lifecycle"
	sgmw "stakegate/services/stakegate/middleware"
	"stakegate/services/stakegate/models"
	"stakegate/services/stakegate/payments"
)

// ScopeStaking is the token scope required by the staking mutations.
const ScopeStaking = "staking:write"

// AccessGate answers the read-only storefront checks.
type AccessGate interface {
	CheckVisibility(ctx context.Context, user crypto.PublicKey) (access.Decision, error)
	CheckCheckout(ctx context.Context, user crypto.PublicKey) (access.Decision, error)
	CheckExclusive(ctx context.Context, user crypto.PublicKey) (access.Decision, error)
	CalculateDiscount(ctx context.Context, user crypto.PublicKey, cartTotal decimal.Decimal) (access.Discount, error)
	StatusSummary(ctx context.Context, user crypto.PublicKey) (access.Summary, error)
}

// Lifecycle submits stake transitions.
type Lifecycle interface {
	Stake(ctx context.Context, user crypto.PublicKey, amount decimal.Decimal) (lifecycle.Result, error)
	RequestUnstake(ctx context.Context, user crypto.PublicKey) (lifecycle.Result, error)
	CompleteUnstake(ctx context.Context, user crypto.PublicKey) (lifecycle.Result, error)
}

// PaymentVerifier settles order payments.
type PaymentVerifier interface {
	Verify(ctx context.Context, req payments.Request) (payments.Result, error)
	CheckBalance(ctx context.Context, wallet crypto.PublicKey, amount decimal.Decimal) (payments.BalanceCheck, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Gate      AccessGate
	Lifecycle Lifecycle
	// Payments may be nil when no store wallet is configured; the payment
	// routes then answer with a configuration error.
	Payments PaymentVerifier
	Vault    staking.VaultConfig
	DB       *gorm.DB

	Auth          *gwmw.Authenticator
	RateLimiter   *gwmw.RateLimiter
	Observability *gwmw.Observability
	CORS          gwmw.CORSConfig
	Logger        *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	gate      AccessGate
	lifecycle Lifecycle
	payments  PaymentVerifier
	vault     staking.VaultConfig
	db        *gorm.DB
	auditor   *models.Auditor

	auth    *gwmw.Authenticator
	limiter *gwmw.RateLimiter
	obs     *gwmw.Observability
	cors    gwmw.CORSConfig
	logger  *slog.Logger

	router http.Handler
}

// New constructs the router. Gate and Lifecycle are required.
func New(cfg Config) (*Server, error) {
	if cfg.Gate == nil || cfg.Lifecycle == nil {
		return nil, fmt.Errorf("%w: server requires an access gate and a lifecycle manager", staking.ErrConfiguration)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observability == nil {
		cfg.Observability = gwmw.NewObservability(gwmw.ObservabilityConfig{}, cfg.Logger)
	}
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = gwmw.NewRateLimiter(nil, cfg.Logger)
	}
	if cfg.Auth == nil {
		auth, err := gwmw.NewAuthenticator(gwmw.AuthConfig{}, cfg.Logger)
		if err != nil {
			return nil, err
		}
		cfg.Auth = auth
	}
	srv := &Server{
		gate:      cfg.Gate,
		lifecycle: cfg.Lifecycle,
		payments:  cfg.Payments,
		vault:     cfg.Vault,
		db:        cfg.DB,
		auth:      cfg.Auth,
		limiter:   cfg.RateLimiter,
		obs:       cfg.Observability,
		cors:      cfg.CORS,
		logger:    cfg.Logger.With("component", "http"),
	}
	if cfg.DB != nil {
		srv.auditor = models.NewAuditor(cfg.DB)
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(gwmw.CORS(s.cors))

	r.Get("/healthz", s.Healthz)
	r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())
	r.With(s.read("/token-config")...).Get("/token-config", s.TokenConfig)

	r.Route("/staking", func(st chi.Router) {
		st.With(s.read("/staking/status")...).Get("/status", s.Status)
		st.With(s.read("/staking/visibility")...).Get("/visibility", s.Visibility)
		st.With(s.read("/staking/checkout")...).Get("/checkout", s.Checkout)
		st.With(s.read("/staking/discount")...).Get("/discount", s.Discount)
		st.With(s.read("/staking/exclusive")...).Get("/exclusive", s.Exclusive)

		st.With(s.mutate("/staking/stake")...).Post("/stake", s.Stake)
		st.With(s.mutate("/staking/request-unstake")...).Post("/request-unstake", s.RequestUnstake)
		st.With(s.mutate("/staking/complete-unstake")...).Post("/complete-unstake", s.CompleteUnstake)
	})

	r.With(s.payment("/payment/verify", true)...).Post("/payment/verify", s.VerifyPayment)
	r.With(s.payment("/wallet/verify-balance", false)...).Post("/wallet/verify-balance", s.VerifyBalance)
	return r
}

func (s *Server) read(route string) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		s.obs.Middleware(route),
		s.limiter.Middleware("read"),
	}
}

func (s *Server) mutate(route string) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		s.obs.Middleware(route),
		s.limiter.Middleware("mutate"),
		s.auth.Middleware(ScopeStaking),
		s.idempotency(),
	}
}

func (s *Server) payment(route string, idempotent bool) []func(http.Handler) http.Handler {
	chain := []func(http.Handler) http.Handler{
		s.obs.Middleware(route),
		s.limiter.Middleware("payments"),
	}
	if idempotent {
		chain = append(chain, s.idempotency())
	}
	return chain
}

func (s *Server) idempotency() func(http.Handler) http.Handler {
	if s.db == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return sgmw.WithIdempotency(s.db, s.logger)
}

// Healthz reports liveness and, when a database is attached, its reachability.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err == nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			s.logger.Error("database ping failed", "error", err)
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type tokenConfigResponse struct {
	Network         string                   `json:"network"`
	ProgramID       string                   `json:"programId"`
	Mint            string                   `json:"mintAddress"`
	StoreWallet     string                   `json:"storeWallet,omitempty"`
	Symbol          string                   `json:"symbol"`
	Decimals        int32                    `json:"decimals"`
	LockSeconds     int64                    `json:"unstakeLockSeconds"`
	PenaltyWindow   int64                    `json:"penaltyWindowSeconds"`
	PenaltyPercent  int64                    `json:"penaltyPercent"`
	MinForMainPerks int64                    `json:"minStakeForMainPerks"`
	Tiers           []staking.TierDefinition `json:"tiers"`
}

// TokenConfig publishes the public vault configuration and the tier table.
func (s *Server) TokenConfig(w http.ResponseWriter, r *http.Request) {
	resp := tokenConfigResponse{
		Network:         s.vault.Network,
		ProgramID:       s.vault.ProgramID.String(),
		Mint:            s.vault.Mint.String(),
		Symbol:          s.vault.Symbol(),
		Decimals:        s.vault.Decimals,
		LockSeconds:     int64(staking.LockDuration / time.Second),
		PenaltyWindow:   int64(staking.PenaltyWindow / time.Second),
		PenaltyPercent:  staking.PenaltyPercent,
		MinForMainPerks: staking.MinStakeForMainPerks,
		Tiers:           staking.TierDefinitions(),
	}
	if !s.vault.StoreWallet.IsZero() {
		resp.StoreWallet = s.vault.StoreWallet.String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// parseAddress decodes a wallet address supplied by the client.
func parseAddress(raw, missing string) (crypto.PublicKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return crypto.PublicKey{}, fmt.Errorf("%w: %s", staking.ErrInvalidRequest, missing)
	}
	key, err := crypto.PublicKeyFromBase58(raw)
	if err != nil {
		return crypto.PublicKey{}, fmt.Errorf("%w: %q is not a valid wallet address", staking.ErrInvalidAddress, raw)
	}
	return key, nil
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON payload", staking.ErrInvalidRequest)
	}
	return nil
}

// audit records the outcome of a state-changing request. Failures are logged
// and never change the response.
func (s *Server) audit(r *http.Request, action, subject, reference string, err error, details any) {
	outcome := "ok"
	if err != nil {
		_, outcome = statusFor(err)
	}
	if recErr := s.auditor.Record(context.WithoutCancel(r.Context()), chimw.GetReqID(r.Context()),
		action, subject, reference, outcome, details); recErr != nil {
		s.logger.Warn("audit write failed", "action", action, "error", recErr)
	}
}
