package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"lstapp/internal/database"
	"lstapp/internal/events"
	"lstapp/internal/model"
	"lstapp/internal/redemption"
	"lstapp/internal/settlement"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const maxWebhookBody = 4 << 20

// Info is reported by the health endpoints.
type Info struct {
	ChainMode       string
	PlatformAddress string
	AdminConfigured bool
	AlertsEnabled   bool
	FeeReserve      uint64
}

// Handler manages HTTP request handling for settlement and redemption
type Handler struct {
	engine      *settlement.Engine
	coordinator *redemption.Coordinator
	db          *database.Database
	log         *events.Log
	adminAPIKey string
	info        Info
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
}

type Deps struct {
	Engine      *settlement.Engine
	Coordinator *redemption.Coordinator
	DB          *database.Database
	Log         *events.Log
	AdminAPIKey string
	Info        Info
	Logger      *logrus.Logger
}

func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	deps.Info.AdminConfigured = deps.AdminAPIKey != ""
	return &Handler{
		engine:      deps.Engine,
		coordinator: deps.Coordinator,
		db:          deps.DB,
		log:         deps.Log,
		adminAPIKey: deps.AdminAPIKey,
		info:        deps.Info,
		logger:      deps.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// AdminAuth middleware checks if the request has a valid admin API key.
// With no key configured every admin route is refused.
func (h *Handler) AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		if h.adminAPIKey == "" || apiKey != h.adminAPIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, model.Response{
				Success:   false,
				Error:     "invalid API key",
				RequestID: model.RequestID(c.Request.Context()),
			})
			return
		}
		c.Next()
	}
}

// Register mounts every route on router.
func (h *Handler) Register(router *gin.Engine) {
	router.GET("/api/health", h.Health)

	api := router.Group("/api")
	{
		api.POST("/stake-request", h.StakeRequest)
		api.POST("/webhook", h.Webhook)
		api.GET("/webhook", h.WebhookHealth)
		api.GET("/webhook-events", h.ListEvents)
		api.DELETE("/webhook-events", h.AdminAuth(), h.ClearEvents)

		api.POST("/prepare-unstake", h.PrepareUnstake)
		api.POST("/confirm-unstake", h.ConfirmUnstake)
		api.GET("/unstake", h.UnstakeHealth)
		api.GET("/rsol-balance", h.TokenBalance)
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/events/stream", h.EventStream)
		v1.GET("/intents", h.AdminAuth(), h.PendingIntents)
		v1.GET("/redemptions", h.AdminAuth(), h.ListRedemptions)
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// StakeRequest records the ratio the sender wants applied to their next deposit
func (h *Handler) StakeRequest(c *gin.Context) {
	var req model.StakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, "walletAddress, ratio and solAmount are required", false)
		return
	}

	in, err := h.engine.DeclareIntent(req.WalletAddress, req.Ratio, req.SolAmount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.ok(c, in)
}

// Webhook settles a batch of deposit notifications. The body must be a
// non-empty JSON array.
func (h *Handler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.fail(c, http.StatusBadRequest, "failed to read request body", false)
		return
	}
	var batch []model.DepositNotification
	if err := json.Unmarshal(body, &batch); err != nil {
		h.fail(c, http.StatusBadRequest, "expected an array of transactions", false)
		return
	}
	if len(batch) == 0 {
		h.fail(c, http.StatusBadRequest, "no transactions in payload", false)
		return
	}

	// A watcher that hangs up mid-mint must not strand the deposit.
	results := h.engine.HandleBatch(context.WithoutCancel(c.Request.Context()), batch)
	h.ok(c, gin.H{
		"processed": len(results),
		"results":   results,
	})
}

func (h *Handler) WebhookHealth(c *gin.Context) {
	h.ok(c, gin.H{
		"status":          "ok",
		"chainMode":       h.info.ChainMode,
		"platformAddress": h.info.PlatformAddress,
		"journal":         h.db != nil,
		"alerts":          h.info.AlertsEnabled,
		"admin":           h.info.AdminConfigured,
		"pendingIntents":  len(h.engine.PendingIntents()),
		"events":          h.log.Len(),
	})
}

func (h *Handler) ListEvents(c *gin.Context) {
	evs := h.engine.Events()
	h.ok(c, gin.H{
		"events": evs,
		"count":  len(evs),
	})
}

func (h *Handler) ClearEvents(c *gin.Context) {
	h.engine.ClearEvents()
	h.ok(c, gin.H{"cleared": true})
}

func (h *Handler) PendingIntents(c *gin.Context) {
	h.ok(c, h.engine.PendingIntents())
}

// ListRedemptions answers 503 when the service runs without a journal.
func (h *Handler) ListRedemptions(c *gin.Context) {
	if h.db == nil {
		h.fail(c, http.StatusServiceUnavailable, "journal is disabled", false)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	recs, err := h.db.ListRedemptions(c.Query("state"), limit)
	if err != nil {
		h.logger.WithError(err).Error("list redemptions")
		h.fail(c, http.StatusInternalServerError, "failed to list redemptions", false)
		return
	}
	h.ok(c, recs)
}

func (h *Handler) PrepareUnstake(c *gin.Context) {
	var req model.PrepareUnstakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, "walletAddress, rsolAmount and ratio are required", false)
		return
	}

	plan, err := h.coordinator.PrepareBurn(c.Request.Context(), req.WalletAddress, req.RsolAmount, req.Ratio)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.ok(c, plan)
}

func (h *Handler) ConfirmUnstake(c *gin.Context) {
	var req model.ConfirmUnstakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, "walletAddress, burnTxSignature, rsolAmount and ratio are required", false)
		return
	}

	res, err := h.coordinator.ConfirmBurnAndPay(c.Request.Context(), req.WalletAddress, req.BurnTxSignature, req.RsolAmount, req.Ratio)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.ok(c, res)
}

func (h *Handler) UnstakeHealth(c *gin.Context) {
	h.ok(c, gin.H{
		"status":          "ok",
		"chainMode":       h.info.ChainMode,
		"platformAddress": h.info.PlatformAddress,
		"feeReserve":      h.info.FeeReserve,
		"journal":         h.db != nil,
	})
}

func (h *Handler) TokenBalance(c *gin.Context) {
	wallet := c.Query("wallet")
	if wallet == "" {
		h.fail(c, http.StatusBadRequest, "wallet query parameter is required", false)
		return
	}
	bal, err := h.coordinator.Balance(c.Request.Context(), wallet)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.ok(c, bal)
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var pe *redemption.PayoutError
	switch {
	case errors.Is(err, model.ErrInvalidArgument),
		errors.Is(err, redemption.ErrNoTokenAccount),
		errors.Is(err, redemption.ErrInsufficientBalance),
		errors.Is(err, redemption.ErrBurnNotFound),
		errors.Is(err, redemption.ErrBurnFailed),
		errors.Is(err, redemption.ErrBurnMismatch):
		return http.StatusBadRequest
	case errors.Is(err, redemption.ErrAlreadyRedeemed):
		return http.StatusConflict
	case errors.Is(err, redemption.ErrInsufficientPlatformFunds):
		return http.StatusServiceUnavailable
	case errors.As(err, &pe):
		return http.StatusBadGateway
	case errors.Is(err, redemption.ErrBurnUnverifiable),
		errors.Is(err, redemption.ErrChainUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		msg = fmt.Sprintf("internal error: %v", err)
	}
	_ = c.Error(err)
	h.fail(c, status, msg, redemption.Retryable(err))
}

func (h *Handler) ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, model.Response{
		Success:   true,
		Data:      data,
		RequestID: model.RequestID(c.Request.Context()),
	})
}

func (h *Handler) fail(c *gin.Context, status int, msg string, retryable bool) {
	c.JSON(status, model.Response{
		Success:   false,
		Error:     msg,
		Retryable: retryable,
		RequestID: model.RequestID(c.Request.Context()),
	})
}
