package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func newTestAuth(t *testing.T) *Authenticator {
	t.Helper()
	auth, err := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "store", Audience: "stakegate"}, nil)
	require.NoError(t, err)
	return auth
}

func TestAuthenticatorRejectsShortSecret(t *testing.T) {
	_, err := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: "short"}, nil)
	require.Error(t, err)
	_, err = NewAuthenticator(AuthConfig{}, nil)
	require.NoError(t, err)
}

func TestAuthenticatorFlow(t *testing.T) {
	auth := newTestAuth(t)
	var gotWallet, gotSubject string
	handler := auth.Middleware("staking:write")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotWallet, _ = WalletFromContext(r.Context())
		gotSubject = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/staking/stake", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		return res
	}

	require.Equal(t, http.StatusUnauthorized, serve("").Code)
	require.Equal(t, http.StatusUnauthorized, serve("Bearer garbage").Code)

	exp := time.Now().Add(time.Hour).Unix()
	wrongAud := signToken(t, jwt.MapClaims{"iss": "store", "aud": "other", "exp": exp, "scope": "staking:write"})
	require.Equal(t, http.StatusUnauthorized, serve("Bearer "+wrongAud).Code)

	noExp := signToken(t, jwt.MapClaims{"iss": "store", "aud": "stakegate", "scope": "staking:write"})
	require.Equal(t, http.StatusUnauthorized, serve("Bearer "+noExp).Code)

	noScope := signToken(t, jwt.MapClaims{"iss": "store", "aud": "stakegate", "exp": exp})
	require.Equal(t, http.StatusForbidden, serve("Bearer "+noScope).Code)

	good := signToken(t, jwt.MapClaims{
		"iss": "store", "aud": "stakegate", "exp": exp, "sub": "storefront",
		"scope": "staking:read staking:write", WalletClaim: "wallet-1",
	})
	res := serve("bearer " + good)
	require.Equal(t, http.StatusNoContent, res.Code)
	require.Equal(t, "wallet-1", gotWallet)
	require.Equal(t, "storefront", gotSubject)
}

func TestAuthenticatorDisabledPassesThrough(t *testing.T) {
	auth, err := NewAuthenticator(AuthConfig{}, nil)
	require.NoError(t, err)
	res := httptest.NewRecorder()
	auth.Middleware("anything")(okHandler()).ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/", nil))
	require.Equal(t, http.StatusOK, res.Code)
}

func TestExtractScopes(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, extractScopes(jwt.MapClaims{"scope": " a  b "}, "scope"))
	require.Equal(t, []string{"x"}, extractScopes(jwt.MapClaims{"scp": []interface{}{"x", 3}}, "scp"))
	require.Nil(t, extractScopes(jwt.MapClaims{}, "scope"))
}
