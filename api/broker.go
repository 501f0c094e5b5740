package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"rick-terminal/apperror"
	"rick-terminal/broker"
	"rick-terminal/models"
	"rick-terminal/session"
)

type brokerLoginRequest struct {
	Login       string `json:"broker_login" binding:"required"`
	Password    string `json:"broker_password" binding:"required"`
	AccountType string `json:"broker_account_type"`
}

func connectResponse(r session.ConnectResult) gin.H {
	out := gin.H{
		"connected":           r.Connected,
		"message":             r.Message,
		"account_type":        r.AccountType,
		"two_factor_required": r.TwoFactorRequired,
		"two_factor_message":  r.TwoFactorMessage,
	}
	if r.Balance != nil {
		out["balance"] = r.Balance.Amount
		out["currency"] = r.Balance.Currency
	}
	return out
}

func (h *Handler) brokerLogin(c *gin.Context) {
	var req brokerLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperror.BadRequest("broker_login and broker_password are required"))
		return
	}

	result, err := h.connectBroker(c.Request.Context(), username(c), broker.Credentials{
		Login:       req.Login,
		Password:    req.Password,
		AccountType: models.NormalizeAccountType(req.AccountType),
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, connectResponse(result))
}

func (h *Handler) brokerLogout(c *gin.Context) {
	user := username(c)

	_ = h.Scanners.Stop(user)
	if !h.Sessions.Disconnect(user) {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "No active broker session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Disconnected from broker"})
}

func (h *Handler) brokerStatus(c *gin.Context) {
	user := username(c)

	out := gin.H{
		"connected": h.Sessions.IsConnected(user),
		"state":     h.Sessions.State(user),
	}
	if at, ok := h.Sessions.AccountType(user); ok {
		out["account_type"] = at
	}
	c.JSON(http.StatusOK, out)
}

type verifyRequest struct {
	Code string `json:"code" binding:"required"`
}

func (h *Handler) verifyTwoFactor(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperror.BadRequest("code is required"))
		return
	}

	result, err := h.Sessions.CompleteTwoFactor(c.Request.Context(), username(c), strings.TrimSpace(req.Code))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, connectResponse(result))
}

func (h *Handler) balance(c *gin.Context) {
	b, err := h.Sessions.Balance(c.Request.Context(), username(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) pairs(c *gin.Context) {
	includeOTC := c.DefaultQuery("include_otc", "true") != "false"

	pairs, err := h.Sessions.Pairs(c.Request.Context(), username(c), includeOTC)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pairs": pairs, "count": len(pairs)})
}

func (h *Handler) candles(c *gin.Context) {
	timeframe := queryInt(c, "timeframe", 1)
	if timeframe < 1 || timeframe > 60 {
		fail(c, apperror.BadRequest("timeframe must be between 1 and 60 minutes"))
		return
	}
	count := queryInt(c, "count", 100)
	if count < 1 || count > 1000 {
		fail(c, apperror.BadRequest("count must be between 1 and 1000"))
		return
	}

	symbol := strings.ToUpper(c.Param("symbol"))
	candles, err := h.Sessions.Candles(c.Request.Context(), username(c), symbol, timeframe*60, count)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":    symbol,
		"timeframe": timeframe,
		"candles":   candles,
	})
}

type watchRequest struct {
	Symbols []string `json:"symbols"`
}

func (h *Handler) watch(c *gin.Context) {
	var req watchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperror.BadRequest("symbols must be a list"))
		return
	}

	if err := h.Sessions.Watch(username(c), req.Symbols); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "symbols": req.Symbols})
}
