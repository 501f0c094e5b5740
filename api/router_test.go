package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rick-terminal/broker"
	"rick-terminal/config"
	"rick-terminal/logger"
	"rick-terminal/models"
	"rick-terminal/scanner"
	"rick-terminal/services"
	"rick-terminal/session"
	"rick-terminal/storage"
	"rick-terminal/storage/sqlite"
)

type nopSink struct{}

func (nopSink) HandleSignal(context.Context, string, models.Signal) {}
func (nopSink) HandleStatus(scanner.Status)                           {}

type testServer struct {
	router   *gin.Engine
	store    *sqlite.Storage
	gate     *services.TokenGate
	issuer   *services.JWTIssuer
	sessions *session.Manager
}

func newTestServer(t *testing.T, paper broker.PaperOptions, loginRate int) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := sqlite.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{
		Env:       "local",
		Port:      8000,
		StaticDir: t.TempDir(),
		Auth:      config.AuthConfig{LoginRatePerMinute: loginRate},
		Broker:    config.BrokerConfig{Kind: "paper"},
		Scanner:   config.ScannerConfig{DefaultTimeframe: 5, DefaultSensitivity: "moderate"},
	}

	log := logger.Discard()
	issuer := services.NewJWTIssuer("test-secret", time.Hour)
	admins := services.NewAdmins(log, store, issuer)
	require.NoError(t, admins.EnsureDefault(context.Background()))

	sessions := session.NewManager(log, broker.PaperFactory(paper), broker.NewVault("test"), session.Options{
		IdleTimeout:     time.Hour,
		CleanupInterval: time.Hour,
		RefreshInterval: time.Hour,
	})
	t.Cleanup(sessions.Stop)

	scanners := scanner.NewRegistry(log, sessions, nopSink{}, scanner.Options{Interval: time.Hour})
	t.Cleanup(scanners.StopAll)

	gate := services.NewTokenGate(log, store)

	router := NewRouter(Deps{
		Log:      log,
		Config:   cfg,
		Issuer:   issuer,
		Gate:     gate,
		Admins:   admins,
		Sessions: sessions,
		Scanners: scanners,
		History:  store,
		Version:  "test",
	})

	return &testServer{router: router, store: store, gate: gate, issuer: issuer, sessions: sessions}
}

func (s *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) userToken(t *testing.T, username string) string {
	t.Helper()
	token, err := s.issuer.Issue(username, services.RoleUser)
	require.NoError(t, err)
	return token
}

func (s *testServer) accessToken(t *testing.T, maxUsers *int) string {
	t.Helper()
	token, err := s.gate.CreateToken(context.Background(), services.NewToken{Label: "test", MaxUsers: maxUsers})
	require.NoError(t, err)
	return token.Value
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func paperCreds() map[string]string {
	return map[string]string{
		"broker_login":    gofakeit.Email(),
		"broker_password": gofakeit.Password(true, true, true, false, false, 12),
	}
}

func TestHealthRoutes(t *testing.T) {
	s := newTestServer(t, broker.PaperOptions{}, 0)

	w := s.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"status": "healthy", "port": float64(8000)}, decode(t, w))

	w = s.do(t, http.MethodGet, "/api/v1/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "paper", body["broker"])
	assert.Equal(t, "rick-terminal", body["service"])

	w = s.do(t, http.MethodGet, "/ping", nil, "")
	assert.Equal(t, "pong", w.Body.String())

	w = s.do(t, http.MethodGet, "/api/v1/broker/status", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogin_AccessTokenRequired(t *testing.T) {
	s := newTestServer(t, broker.PaperOptions{}, 0)
	ctx := context.Background()

	w := s.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "alice"}, "")
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Access token required", decode(t, w)["detail"])

	w = s.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"username":     "alice",
		"access_token": "RICK-nope",
	}, "")
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, services.ErrTokenInvalid.Error(), decode(t, w)["detail"])

	w = s.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"access_token": "x"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	logins, err := s.store.Logins(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logins, 2)
	for _, ev := range logins {
		assert.False(t, ev.Success)
		assert.Equal(t, "alice", ev.Username)
	}
}

func TestLogin_WithBrokerSession(t *testing.T) {
	s := newTestServer(t, broker.PaperOptions{}, 0)

	req := paperCreds()
	req["username"] = "alice"
	req["access_token"] = s.accessToken(t, nil)
	req["broker_account_type"] = "practice"

	w := s.do(t, http.MethodPost, "/api/v1/auth/login", req, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, "bearer", body["token_type"])
	assert.Equal(t, services.UserID("alice"), body["user_id"])
	assert.Equal(t, "test", body["access_token_label"])
	assert.Equal(t, true, body["broker_connected"])
	assert.Equal(t, float64(10000), body["broker_balance"])
	assert.Equal(t, "PRACTICE", body["broker_account_type"])
	assert.Equal(t, false, body["broker_two_factor_required"])

	jwt := body["access_token"].(string)

	w = s.do(t, http.MethodGet, "/api/v1/broker/status", nil, jwt)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["connected"])

	w = s.do(t, http.MethodGet, "/api/v1/broker/pairs?include_otc=false", nil, jwt)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(9), decode(t, w)["count"])

	w = s.do(t, http.MethodGet, "/api/v1/broker/candles/eurusd?timeframe=1&count=20", nil, jwt)
	require.Equal(t, http.StatusOK, w.Code)
	candles := decode(t, w)
	assert.Equal(t, "EURUSD", candles["symbol"])
	assert.Len(t, candles["candles"], 20)

	w = s.do(t, http.MethodGet, "/api/v1/broker/candles/EURUSD?count=5000", nil, jwt)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/broker/candles/NOPE", nil, jwt)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/broker/watch", map[string]any{"symbols": []string{"EURUSD"}}, jwt)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/broker/logout", nil, jwt)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/broker/balance", nil, jwt)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, session.ErrNoSession.Error(), decode(t, w)["detail"])
}

func TestBroker_TwoFactor(t *testing.T) {
	s := newTestServer(t, broker.PaperOptions{TwoFactorCode: "4242"}, 0)
	jwt := s.userToken(t, "bob")

	w := s.do(t, http.MethodPost, "/api/v1/broker/login", paperCreds(), jwt)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["two_factor_required"])
	assert.Equal(t, false, body["connected"])

	w = s.do(t, http.MethodGet, "/api/v1/broker/balance", nil, jwt)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/broker/verify-2fa", map[string]string{"code": "0000"}, jwt)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/broker/verify-2fa", map[string]string{"code": "4242"}, jwt)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["connected"])

	w = s.do(t, http.MethodPost, "/api/v1/broker/verify-2fa", map[string]string{"code": "4242"}, jwt)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBroker_InvalidCredentials(t *testing.T) {
	s := newTestServer(t, broker.PaperOptions{}, 0)
	jwt := s.userToken(t, "carol")

	w := s.do(t, http.MethodPost, "/api/v1/broker/login", map[string]string{
		"broker_login":    "   ",
		"broker_password": "secret",
	}, jwt)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, broker.ErrInvalidCredentials.Error(), decode(t, w)["detail"])
	assert.False(t, s.sessions.IsConnected("carol"))
}

func TestLogin_SeatLimit(t *testing.T) {
	s := newTestServer(t, broker.PaperOptions{}, 0)
	one := 1
	token := s.accessToken(t, &one)

	w := s.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "alice", "access_token": token}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["broker_connected"])

	w = s.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "bob", "access_token": token}, "")
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, services.ErrSeatLimit.Error(), decode(t, w)["detail"])

	w = s.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "alice", "access_token": token}, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t, broker.PaperOptions{}, 0)

	w := s.do(t, http.MethodPost, "/api/v1/admin/login", map[string]string{
		"username": services.DefaultAdminUsername,
		"password": "wrong-password",
	}, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/admin/login", map[string]string{
		"username": services.DefaultAdminUsername,
		"password": services.DefaultAdminPassword,
	}, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	admin := body["token"].(string)

	w = s.do(t, http.MethodGet, "/api/v1/admin/tokens", nil, s.userToken(t, "alice"))
	require.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/admin/tokens", map[string]any{
		"token_value":  "RICK-vip-room",
		"label":        "vip",
		"max_users":    2,
		"expires_days": 30,
	}, admin)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/v1/admin/tokens", map[string]any{"token_value": "RICK-vip-room"}, admin)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/admin/tokens", map[string]any{"max_users": 0}, admin)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "alice", "access_token": "RICK-vip-room"}, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/admin/tokens", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode(t, w)
	assert.Equal(t, float64(1), list["count"])
	tokens := list["tokens"].([]any)
	first := tokens[0].(map[string]any)
	assert.Equal(t, float64(1), first["users_count"])
	assert.Len(t, first["users"], 1)

	w = s.do(t, http.MethodPost, "/api/v1/admin/tokens/RICK-vip-room/deactivate", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "alice", "access_token": "RICK-vip-room"}, "")
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, services.ErrTokenInactive.Error(), decode(t, w)["detail"])

	w = s.do(t, http.MethodPost, "/api/v1/admin/tokens/RICK-vip-room/activate", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodDelete, "/api/v1/admin/tokens/RICK-vip-room/users/alice", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/admin/tokens/RICK-missing/activate", nil, admin)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/admin/logins?limit=10", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["count"])

	w = s.do(t, http.MethodGet, "/api/v1/admin/sessions", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/admin/change-password", map[string]string{
		"current_password": services.DefaultAdminPassword,
		"new_password":     "abc",
	}, admin)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/admin/change-password", map[string]string{
		"current_password": services.DefaultAdminPassword,
		"new_username":     "root",
		"new_password":     "s3cure-pass",
	}, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/v1/admin/login", map[string]string{"username": "root", "password": "s3cure-pass"}, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoginRateLimit(t *testing.T) {
	s := newTestServer(t, broker.PaperOptions{}, 1)

	creds := map[string]string{"username": "admin", "password": "nope-nope"}
	for i := 0; i < 5; i++ {
		w := s.do(t, http.MethodPost, "/api/v1/admin/login", creds, "")
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}

	w := s.do(t, http.MethodPost, "/api/v1/admin/login", creds, "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestScannerRoutes(t *testing.T) {
	s := newTestServer(t, broker.PaperOptions{}, 0)
	jwt := s.userToken(t, "dave")

	w := s.do(t, http.MethodPost, "/api/v1/scanner/start", nil, jwt)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, session.ErrNoSession.Error(), decode(t, w)["detail"])

	w = s.do(t, http.MethodPost, "/api/v1/broker/login", paperCreds(), jwt)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/scanner/start", map[string]any{"timeframe": 0}, jwt)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/scanner/start", map[string]any{
		"mode":        "manual",
		"symbols":     []string{"eurusd"},
		"timeframe":   1,
		"sensitivity": "aggressive",
	}, jwt)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/v1/scanner/status", nil, jwt)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode(t, w)
	assert.Equal(t, true, status["is_running"])
	cfg := status["config"].(map[string]any)
	assert.Equal(t, []any{"EURUSD"}, cfg["symbols"])

	w = s.do(t, http.MethodGet, "/api/v1/signals?min_confidence=101", nil, jwt)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/signals?limit=5&min_confidence=60", nil, jwt)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/stats", nil, jwt)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/analyze?symbol=EURUSD&sensitivity=aggressive&timeframe=1", nil, jwt)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "EURUSD", decode(t, w)["symbol"])

	w = s.do(t, http.MethodPost, "/api/v1/analyze", nil, jwt)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/diagnostic/system", nil, jwt)
	require.Equal(t, http.StatusOK, w.Code)
	diag := decode(t, w)
	assert.Equal(t, float64(1), diag["running_scanners"])
	assert.Equal(t, true, diag["broker_connected"])

	w = s.do(t, http.MethodPost, "/api/v1/scanner/stop", nil, jwt)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/scanner/stop", nil, jwt)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, scanner.ErrNotRunning.Error(), decode(t, w)["detail"])
}

func TestSignalDetailFromHistory(t *testing.T) {
	s := newTestServer(t, broker.PaperOptions{}, 0)

	now := time.Now().UTC().Truncate(time.Second)
	sig := models.Signal{
		ID:          "sig-" + gofakeit.UUID(),
		Username:    "erin",
		Timestamp:   now,
		Symbol:      "EURUSD",
		Timeframe:   5,
		Direction:   models.Call,
		EntryPrice:  1.0851,
		EntryTime:   now.Add(time.Minute),
		ExpiryTime:  now.Add(6 * time.Minute),
		Pattern:     models.Pattern{Type: models.EngulfingBullish, Description: "Bullish engulfing"},
		Confluences: []string{"Pattern: Bullish engulfing"},
		Confidence:  70,
	}
	require.NoError(t, s.store.SaveSignal(context.Background(), sig))

	w := s.do(t, http.MethodGet, "/api/v1/signals/"+sig.ID, nil, s.userToken(t, "erin"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Contains(t, body["explanation"], "BUY (CALL)")
	assert.Empty(t, body["candles"])
	assert.Equal(t, sig.ID, body["signal"].(map[string]any)["signal_id"])

	w = s.do(t, http.MethodGet, "/api/v1/signals/"+sig.ID, nil, s.userToken(t, "frank"))
	require.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/signals/history", nil, s.userToken(t, "erin"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])
}

func TestToAppError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"wrapped seat limit", wrap(services.ErrSeatLimit), http.StatusForbidden},
		{"missing token", wrap(storage.ErrTokenNotFound), http.StatusNotFound},
		{"no session", wrap(session.ErrNoSession), http.StatusBadRequest},
		{"unknown", assert.AnError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, toAppError(tt.err).Code)
		})
	}

	appErr := toAppError(wrap(services.ErrSeatLimit))
	assert.Equal(t, services.ErrSeatLimit.Error(), appErr.Message)
	assert.Equal(t, "Internal Server Error", toAppError(assert.AnError).Message)
}

func wrap(err error) error {
	return &wrappedError{err: err}
}

type wrappedError struct{ err error }

func (w *wrappedError) Error() string { return "op: " + w.err.Error() }
func (w *wrappedError) Unwrap() error { return w.err }
