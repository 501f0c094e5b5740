package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"rick-terminal/apperror"
	"rick-terminal/broker"
	"rick-terminal/logger"
	"rick-terminal/models"
	"rick-terminal/services"
	"rick-terminal/session"
)

type loginRequest struct {
	Username          string `json:"username" binding:"required"`
	AccessToken       string `json:"access_token"`
	BrokerLogin       string `json:"broker_login"`
	BrokerPassword    string `json:"broker_password"`
	BrokerAccountType string `json:"broker_account_type"`
}

type loginResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	UserID           string `json:"user_id"`
	AccessMessage    string `json:"access_message"`
	AccessTokenLabel string `json:"access_token_label,omitempty"`

	BrokerConnected         bool               `json:"broker_connected"`
	BrokerMessage           string             `json:"broker_message,omitempty"`
	BrokerBalance           *float64           `json:"broker_balance,omitempty"`
	BrokerAccountType       models.AccountType `json:"broker_account_type,omitempty"`
	BrokerTwoFactorRequired bool               `json:"broker_two_factor_required"`
	BrokerTwoFactorMessage  string             `json:"broker_two_factor_message,omitempty"`
}

// login validates the access token, issues a session JWT and, when broker
// credentials are given, opens the broker session in the same call.
func (h *Handler) login(c *gin.Context) {
	const op = "api.Handler.login"

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperror.BadRequest("username is required"))
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.AccessToken = strings.TrimSpace(req.AccessToken)

	ctx := c.Request.Context()
	log := h.Log.With(slog.String("op", op), slog.String("username", req.Username))

	if req.AccessToken == "" {
		h.recordLogin(ctx, req.Username, "", false, "access token required")
		fail(c, apperror.Forbidden("Access token required"))
		return
	}

	access, err := h.Gate.ValidateAndRegister(ctx, req.AccessToken, req.Username, req.BrokerLogin)
	if err != nil {
		appErr := toAppError(err)
		h.recordLogin(ctx, req.Username, req.AccessToken, false, appErr.Message)
		log.Warn("access denied", logger.Err(err))
		fail(c, appErr)
		return
	}

	jwt, err := h.Issuer.Issue(req.Username, services.RoleUser)
	if err != nil {
		fail(c, err)
		return
	}

	resp := loginResponse{
		AccessToken:      jwt,
		TokenType:        "bearer",
		UserID:           services.UserID(req.Username),
		AccessMessage:    access.Message,
		AccessTokenLabel: access.Label,
	}

	if req.BrokerLogin != "" && req.BrokerPassword != "" {
		result, err := h.connectBroker(ctx, req.Username, broker.Credentials{
			Login:       req.BrokerLogin,
			Password:    req.BrokerPassword,
			AccountType: models.NormalizeAccountType(req.BrokerAccountType),
		})
		if err != nil {
			log.Warn("broker connect failed", logger.Err(err))
		}
		resp.BrokerConnected = result.Connected
		resp.BrokerMessage = result.Message
		resp.BrokerAccountType = result.AccountType
		resp.BrokerTwoFactorRequired = result.TwoFactorRequired
		resp.BrokerTwoFactorMessage = result.TwoFactorMessage
		if result.Balance != nil {
			amount := result.Balance.Amount
			resp.BrokerBalance = &amount
		}
	}

	h.recordLogin(ctx, req.Username, req.AccessToken, true, access.Message)
	log.Info("🔐 user logged in", slog.Bool("broker_connected", resp.BrokerConnected))

	c.JSON(http.StatusOK, resp)
}

// connectBroker opens the broker session and retries once with the other
// account type when the first attempt fails outright.
func (h *Handler) connectBroker(ctx context.Context, username string, creds broker.Credentials) (session.ConnectResult, error) {
	result, err := h.Sessions.Connect(ctx, username, creds)
	if err == nil || errors.Is(err, broker.ErrInvalidCredentials) {
		return result, err
	}

	creds.AccountType = creds.AccountType.Alternate()
	h.Log.Info("retrying broker connect with alternate account type",
		slog.String("username", username),
		slog.String("account_type", string(creds.AccountType)),
	)

	retry, retryErr := h.Sessions.Connect(ctx, username, creds)
	if retryErr != nil {
		return result, err
	}
	return retry, nil
}

func (h *Handler) recordLogin(ctx context.Context, username, token string, success bool, message string) {
	err := h.History.SaveLogin(ctx, models.LoginEvent{
		Username:   username,
		TokenValue: token,
		Success:    success,
		Message:    message,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		h.Log.Warn("failed to record login", logger.Err(err))
	}
}

type adminLoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) adminLogin(c *gin.Context) {
	var req adminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperror.BadRequest("username and password are required"))
		return
	}

	token, err := h.Admins.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Login successful",
		"token":   token,
	})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewUsername     string `json:"new_username"`
	NewPassword     string `json:"new_password" binding:"required"`
}

func (h *Handler) changePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperror.BadRequest("current_password and new_password are required"))
		return
	}

	current := username(c)
	newUsername := strings.TrimSpace(req.NewUsername)
	if newUsername == "" {
		newUsername = current
	}

	err := h.Admins.ChangeCredentials(c.Request.Context(), current, req.CurrentPassword, newUsername, req.NewPassword)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Credentials updated"})
}

type createTokenRequest struct {
	TokenValue  string `json:"token_value"`
	Label       string `json:"label"`
	MaxUsers    *int   `json:"max_users"`
	Notes       string `json:"notes"`
	ExpiresDays int    `json:"expires_days"`
}

func (h *Handler) createToken(c *gin.Context) {
	var req createTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperror.BadRequest("invalid request body"))
		return
	}
	if req.ExpiresDays < 0 {
		fail(c, apperror.BadRequest("expires_days must not be negative"))
		return
	}

	token, err := h.Gate.CreateToken(c.Request.Context(), services.NewToken{
		Value:     req.TokenValue,
		Label:     req.Label,
		MaxUsers:  req.MaxUsers,
		Notes:     req.Notes,
		ExpiresIn: time.Duration(req.ExpiresDays) * 24 * time.Hour,
	})
	if err != nil {
		fail(c, err)
		return
	}

	h.Log.Info("🎟️ access token created",
		slog.String("label", token.Label),
		slog.String("admin", username(c)),
	)
	c.JSON(http.StatusCreated, gin.H{"success": true, "token": token})
}

func (h *Handler) listTokens(c *gin.Context) {
	ctx := c.Request.Context()

	tokens, err := h.Gate.List(ctx)
	if err != nil {
		fail(c, err)
		return
	}

	type tokenView struct {
		models.TokenSummary
		Users []models.TokenUser `json:"users"`
	}
	out := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		users, err := h.Gate.Users(ctx, t.Value)
		if err != nil {
			fail(c, err)
			return
		}
		out = append(out, tokenView{TokenSummary: t, Users: users})
	}

	c.JSON(http.StatusOK, gin.H{"tokens": out, "count": len(out)})
}

func (h *Handler) activateToken(c *gin.Context) {
	if err := h.Gate.Activate(c.Request.Context(), c.Param("value")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Token activated"})
}

func (h *Handler) deactivateToken(c *gin.Context) {
	if err := h.Gate.Deactivate(c.Request.Context(), c.Param("value")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Token deactivated"})
}

func (h *Handler) removeTokenUser(c *gin.Context) {
	if err := h.Gate.RemoveUser(c.Request.Context(), c.Param("value"), c.Param("username")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "User removed from token"})
}

func (h *Handler) sessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sessions": h.Sessions.ActiveSessions(),
		"scanners": h.Scanners.Running(),
	})
}

func (h *Handler) logins(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	events, err := h.History.Logins(c.Request.Context(), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logins": events, "count": len(events)})
}

// queryInt parses an integer query parameter, returning def when absent or malformed.
func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}
