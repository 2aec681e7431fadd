// Package httpapi exposes the engine over HTTP with bearer-token
// sessions. Endpoints map one-to-one onto engine operations and engine
// errors map onto stable error envelopes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/keymint/keymint/pkg/engine"
)

// Run boots the HTTP surface and blocks until the context is cancelled
// or the listener fails.
func Run(ctx context.Context, cfg Config, service *engine.Service, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	router := setupRouter(cfg, newHandler(service, logger))

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("httpapi listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// License id plus matching HWID are the credentials here: client
	// machines check in without a session.
	router.POST("/api/validate", handler.handleValidate)

	api := router.Group("/api")
	api.Use(bearerAuthMiddleware([]byte(cfg.SessionSigningKey), cfg.SessionIssuer))

	api.GET("/catalog", handler.handleCatalog)
	api.GET("/wallet", handler.handleWallet)
	api.POST("/topup", handler.handleTopup)
	api.POST("/purchases", handler.handlePurchase)
	api.GET("/licenses", handler.handleLicenses)
	api.POST("/licenses/:id/bind", handler.handleBind)
	api.POST("/licenses/:id/reset", handler.handleReset)
	api.POST("/licenses/:id/revoke", handler.handleRevoke)
	api.GET("/products/:id/stock", handler.handleStock)

	admin := api.Group("/admin")
	admin.POST("/keys", handler.handleAddKeys)
	admin.POST("/adjustments", handler.handleAdjustment)
	admin.POST("/resellers", handler.handleMakeReseller)
	admin.POST("/expirations", handler.handleExpireDue)
	admin.GET("/logs", handler.handleAdminLogs)
	admin.GET("/statistics", handler.handleStatistics)

	return router
}

func newHandler(service *engine.Service, logger *zap.Logger) *httpHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &httpHandler{service: service, logger: logger}
}

type httpHandler struct {
	logger  *zap.Logger
	service *engine.Service
}

func (handler *httpHandler) handleCatalog(ctx *gin.Context) {
	products := handler.service.Catalog().Products()
	payloads := make([]productPayload, 0, len(products))
	for _, product := range products {
		payloads = append(payloads, toProductPayload(product))
	}
	ctx.JSON(http.StatusOK, gin.H{"products": payloads})
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	accountID, ok := authenticatedAccount(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	handler.respondWithWallet(ctx, accountID)
}

func (handler *httpHandler) handleTopup(ctx *gin.Context) {
	accountID, ok := authenticatedAccount(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request topupRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := engine.NewPositiveAmountCents(request.AmountCents)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	metadata, err := engine.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if err := handler.service.Credit(ctx.Request.Context(), accountID, amount, engine.ReasonTopup, metadata); err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.respondWithWallet(ctx, accountID)
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	accountID, ok := authenticatedAccount(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	productID, err := engine.NewProductID(request.ProductID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	beneficiaryID := accountID
	if request.BeneficiaryID != "" {
		beneficiaryID, err = engine.NewAccountID(request.BeneficiaryID)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
	}
	var resellerID *engine.AccountID
	if request.ResellerID != "" {
		parsed, err := engine.NewAccountID(request.ResellerID)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		resellerID = &parsed
	}
	license, err := handler.service.Purchase(ctx.Request.Context(), accountID, productID, beneficiaryID, resellerID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"license": toLicensePayload(license)})
}

func (handler *httpHandler) handleLicenses(ctx *gin.Context) {
	accountID, ok := authenticatedAccount(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	licenses, err := handler.service.Licenses(ctx.Request.Context(), accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]licensePayload, 0, len(licenses))
	for _, license := range licenses {
		payloads = append(payloads, toLicensePayload(license))
	}
	ctx.JSON(http.StatusOK, gin.H{"licenses": payloads})
}

func (handler *httpHandler) handleBind(ctx *gin.Context) {
	licenseID, err := engine.NewLicenseID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var request bindRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	hwid, err := engine.NewHWID(request.HWID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if err := handler.service.Bind(ctx.Request.Context(), licenseID, hwid); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "bound"})
}

func (handler *httpHandler) handleReset(ctx *gin.Context) {
	accountID, ok := authenticatedAccount(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	licenseID, err := engine.NewLicenseID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var request resetRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if err := handler.service.ResetHWID(ctx.Request.Context(), licenseID, accountID, request.Reason); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (handler *httpHandler) handleRevoke(ctx *gin.Context) {
	accountID, ok := authenticatedAccount(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	licenseID, err := engine.NewLicenseID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if err := handler.service.Revoke(ctx.Request.Context(), licenseID, accountID); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

func (handler *httpHandler) handleValidate(ctx *gin.Context) {
	var request validateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	licenseID, err := engine.NewLicenseID(request.LicenseID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	hwid, err := engine.NewHWID(request.HWID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	decision, err := handler.service.Validate(ctx.Request.Context(), licenseID, hwid)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"decision": decision.String()})
}

func (handler *httpHandler) handleStock(ctx *gin.Context) {
	productID, err := engine.NewProductID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	count, err := handler.service.Stock(ctx.Request.Context(), productID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"product_id": productID.String(), "available": count})
}

func (handler *httpHandler) handleAddKeys(ctx *gin.Context) {
	adminID, ok := authenticatedAccount(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request addKeysRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	productID, err := engine.NewProductID(request.ProductID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	keys := make([]engine.Key, 0, len(request.Keys))
	for _, raw := range request.Keys {
		key, err := engine.NewKey(raw)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		keys = append(keys, key)
	}
	if err := handler.service.AddKeys(ctx.Request.Context(), adminID, productID, keys); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"added": len(keys)})
}

func (handler *httpHandler) handleAdjustment(ctx *gin.Context) {
	adminID, ok := authenticatedAccount(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request adjustRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := engine.NewAccountID(request.AccountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if err := handler.service.AdjustBalance(ctx.Request.Context(), adminID, accountID, engine.AmountCents(request.DeltaCents), request.Note); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "adjusted"})
}

func (handler *httpHandler) handleMakeReseller(ctx *gin.Context) {
	adminID, ok := authenticatedAccount(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request makeResellerRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := engine.NewAccountID(request.AccountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	rate, err := engine.NewCommissionBps(request.RateBps)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	code, err := handler.service.MakeReseller(ctx.Request.Context(), adminID, accountID, rate)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reseller_code": code})
}

func (handler *httpHandler) handleExpireDue(ctx *gin.Context) {
	adminID, ok := authenticatedAccount(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	swept, err := handler.service.ExpireDue(ctx.Request.Context(), adminID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"expired": swept})
}

func (handler *httpHandler) handleAdminLogs(ctx *gin.Context) {
	adminID, ok := authenticatedAccount(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	limit := adminLogDefaultLimit
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > adminLogMaxLimit {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	entries, err := handler.service.AdminLogs(ctx.Request.Context(), adminID, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]adminLogPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, toAdminLogPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"logs": payloads})
}

func (handler *httpHandler) handleStatistics(ctx *gin.Context) {
	adminID, ok := authenticatedAccount(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	statistics, err := handler.service.Statistics(ctx.Request.Context(), adminID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"statistics": toStatisticsPayload(statistics)})
}

func (handler *httpHandler) respondWithWallet(ctx *gin.Context, accountID engine.AccountID) {
	balance, err := handler.service.Balance(ctx.Request.Context(), accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	transactions, err := handler.service.Transactions(ctx.Request.Context(), accountID, 0, walletHistoryLimit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, toTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": walletResponse{
		Balance:      balancePayload{TotalCents: balance.TotalCents.Int64()},
		Transactions: payloads,
	}})
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code := mapToHTTPError(err)
	if status == http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

// mapToHTTPError translates engine errors into transport statuses with
// stable machine-readable codes.
func mapToHTTPError(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrInsufficientFunds):
		return http.StatusConflict, "insufficient_funds"
	case errors.Is(err, engine.ErrOutOfStock):
		return http.StatusConflict, "out_of_stock"
	case errors.Is(err, engine.ErrHWIDAlreadyBound):
		return http.StatusConflict, "already_bound"
	case errors.Is(err, engine.ErrKeyExists):
		return http.StatusConflict, "key_exists"
	case errors.Is(err, engine.ErrLicenseNotActive):
		return http.StatusConflict, "license_not_active"
	case errors.Is(err, engine.ErrResellerCodeTaken):
		return http.StatusConflict, "reseller_code_taken"
	case errors.Is(err, engine.ErrResetQuotaExceeded):
		return http.StatusTooManyRequests, "quota_exceeded"
	case errors.Is(err, engine.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, engine.ErrAccountNotFound),
		errors.Is(err, engine.ErrProductNotFound),
		errors.Is(err, engine.ErrLicenseNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, engine.ErrInvalidAccountID),
		errors.Is(err, engine.ErrInvalidProductID),
		errors.Is(err, engine.ErrInvalidLicenseID),
		errors.Is(err, engine.ErrInvalidKey),
		errors.Is(err, engine.ErrInvalidHWID),
		errors.Is(err, engine.ErrInvalidAmountCents),
		errors.Is(err, engine.ErrInvalidCommission),
		errors.Is(err, engine.ErrInvalidMetadataJSON):
		return http.StatusBadRequest, "validation"
	default:
		return http.StatusInternalServerError, "storage"
	}
}

func marshalMetadata(metadata any) string {
	if metadata == nil {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
