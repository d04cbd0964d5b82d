package http

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/richardliu001/coinledger/internal/autopay"
	"github.com/richardliu001/coinledger/internal/ident"
	"github.com/richardliu001/coinledger/internal/ledger"
	"github.com/richardliu001/coinledger/internal/migration"
	"github.com/richardliu001/coinledger/internal/model"
	"github.com/richardliu001/coinledger/internal/pool"
	"github.com/richardliu001/coinledger/internal/service"
	"github.com/richardliu001/coinledger/internal/shop"
)

// Handler serves the game-side bridge and the admin endpoints. Autopay and
// Shops are nil outside relational mode.
type Handler struct {
	Balances  *service.BalanceService
	Admin     *service.AdminService
	Autopay   *autopay.Service
	Shops     *shop.Registry
	ExportDir string
	Log       *zap.SugaredLogger
}

func RegisterHandlers(r *gin.Engine, h *Handler) {
	v1 := r.Group("/v1")
	{
		v1.POST("/accounts", h.createAccount)
		v1.GET("/accounts/:uuid", h.getAccount)
		v1.GET("/accounts/:uuid/balance", h.getBalance)
		v1.PUT("/accounts/:uuid/balance", h.amountHandler(h.Balances.SetBalance))
		v1.POST("/accounts/:uuid/deposit", h.amountHandler(h.Balances.AddBalance))
		v1.POST("/accounts/:uuid/withdraw", h.amountHandler(h.Balances.SubBalance))
		v1.GET("/accounts/:uuid/pending", h.getPendingChange)
		v1.PUT("/accounts/:uuid/pending", h.amountHandler(h.Balances.SetPendingChange))
		v1.PUT("/accounts/:uuid/name", h.renameAccount)
		v1.GET("/accounts/:uuid/history", h.history)
		v1.GET("/lookup", h.lookup)
		v1.POST("/transfers", h.transfer)

		v1.POST("/autopays", h.createAutopay)
		v1.GET("/autopays", h.listAutopays)
		v1.GET("/autopays/:id", h.getAutopay)
		v1.DELETE("/autopays/:id", h.cancelAutopay)

		v1.GET("/shops", h.listShops)
		v1.PUT("/shops/:world/:x/:y/:z", h.putShop)
		v1.GET("/shops/:world/:x/:y/:z", h.getShop)
		v1.DELETE("/shops/:world/:x/:y/:z", h.deleteShop)
		v1.PUT("/shops/:world/:x/:y/:z/empty", h.markShopEmpty)
		v1.GET("/empty-shops", h.listEmptyShops)
		v1.PUT("/empty-shops/:world/:x/:y/:z", h.putEmptyShop)
		v1.DELETE("/empty-shops/:world/:x/:y/:z", h.deleteEmptyShop)
	}
	admin := r.Group("/v1/admin")
	{
		admin.POST("/migrate", h.migrate)
		admin.POST("/export", h.export)
		admin.POST("/rollback", h.rollback)
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, ident.ErrInvalidIdentifier),
		errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrSelfTransfer),
		errors.Is(err, model.ErrInvalidTransfer),
		errors.Is(err, model.ErrInvalidTimestamp):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrAccountNotFound),
		errors.Is(err, model.ErrNameNotFound),
		errors.Is(err, model.ErrAutopayNotFound),
		errors.Is(err, model.ErrShopNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAccountExists):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, pool.ErrPoolExhausted):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusNotImplemented {
		h.Log.Errorw("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

type accountView struct {
	UUID          string          `json:"uuid"`
	Dashed        string          `json:"dashed"`
	Name          string          `json:"name"`
	Balance       decimal.Decimal `json:"balance"`
	PendingChange decimal.Decimal `json:"pending_change"`
	CreatedAt     time.Time       `json:"created_at"`
}

func viewAccount(a *model.Account) accountView {
	dashed, _ := ident.Dashed(a.UUID)
	return accountView{
		UUID:          a.UUID,
		Dashed:        dashed,
		Name:          a.Name,
		Balance:       a.Balance,
		PendingChange: a.PendingChange,
		CreatedAt:     a.CreatedAt,
	}
}

func viewTransaction(t *model.Transaction) gin.H {
	out := gin.H{
		"id":        t.ID,
		"timestamp": t.Timestamp,
		"type":      t.Type,
		"induce":    t.Induce.String(),
		"amount":    t.Amount,
		"passed":    t.Passed,
	}
	if t.Source != nil {
		out["source"] = *t.Source
	}
	if t.Destination != nil {
		out["destination"] = *t.Destination
	}
	if t.NewSourceBalance.Valid {
		out["new_source_balance"] = t.NewSourceBalance.Decimal
	}
	if t.NewDestinationBalance.Valid {
		out["new_destination_balance"] = t.NewDestinationBalance.Decimal
	}
	if t.Message != nil {
		out["message"] = *t.Message
	}
	return out
}

type createAccountReq struct {
	UUID string `json:"uuid" binding:"required"`
	Name string `json:"name"`
}

func (h *Handler) createAccount(c *gin.Context) {
	var req createAccountReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	acc, err := h.Balances.CreateAccount(c, req.UUID, req.Name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewAccount(acc))
}

func (h *Handler) getAccount(c *gin.Context) {
	id := c.Param("uuid")
	bal, err := h.Balances.GetBalance(c, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	pending, err := h.Balances.GetPendingChange(c, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	canon, _ := ident.Canonical(id)
	c.JSON(http.StatusOK, gin.H{"uuid": canon, "balance": bal, "pending_change": pending})
}

func (h *Handler) getBalance(c *gin.Context) {
	bal, err := h.Balances.GetBalance(c, c.Param("uuid"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

func (h *Handler) getPendingChange(c *gin.Context) {
	pending, err := h.Balances.GetPendingChange(c, c.Param("uuid"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending_change": pending})
}

type amountReq struct {
	Amount string `json:"amount" binding:"required"`
}

type amountOp func(ctx context.Context, uuid string, amount decimal.Decimal) (*model.Account, error)

// amountHandler binds {"amount": "..."} and applies op to the path account.
func (h *Handler) amountHandler(op amountOp) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req amountReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			badRequest(c, "invalid amount")
			return
		}
		acc, err := op(c, c.Param("uuid"), amt)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, viewAccount(acc))
	}
}

type renameReq struct {
	Name string `json:"name" binding:"required"`
}

func (h *Handler) renameAccount(c *gin.Context) {
	var req renameReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	acc, err := h.Balances.RenameAccount(c, c.Param("uuid"), req.Name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewAccount(acc))
}

func (h *Handler) lookup(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		badRequest(c, "name is required")
		return
	}
	id, err := h.Balances.FindUUIDByName(c, name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"uuid": id})
}

func (h *Handler) history(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(ledger.DefaultPageSize)))
	res, err := h.Balances.History(c, c.Param("uuid"), ledger.ParseFilter(c.Query("filter")), page, size)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type transferReq struct {
	Type        string  `json:"type" binding:"required"`
	Induce      string  `json:"induce"`
	AutopayID   *uint64 `json:"autopay_id"`
	Source      *string `json:"source"`
	Destination *string `json:"destination"`
	Amount      string  `json:"amount" binding:"required"`
	Message     *string `json:"message"`
}

func (h *Handler) transfer(c *gin.Context) {
	var req transferReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	amt, err := decimal.NewFromString(req.Amount)
	if err != nil {
		badRequest(c, "invalid amount")
		return
	}
	induce := model.Induce{Kind: model.InduceKind(req.Induce), AutopayID: req.AutopayID}
	if req.Induce == "" {
		induce = model.ByCommand()
	}
	tx, err := h.Balances.Transfer(c, model.TransferRequest{
		Type:        model.TxType(req.Type),
		Induce:      induce,
		Source:      req.Source,
		Destination: req.Destination,
		Amount:      amt,
		Message:     req.Message,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewTransaction(tx))
}

type migrateReq struct {
	Direction migration.Direction `json:"direction" binding:"required"`
}

func (h *Handler) migrate(c *gin.Context) {
	var req migrateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	var (
		rep *migration.Report
		err error
	)
	switch req.Direction {
	case migration.FileToRelational:
		rep, err = h.Admin.MigrateFileToRelational(c)
	case migration.RelationalToFile:
		rep, err = h.Admin.MigrateRelationalToFile(c)
	default:
		badRequest(c, "unknown direction")
		return
	}
	if err != nil {
		status := errorStatus(err)
		h.Log.Errorw("migration failed", "direction", req.Direction, "error", err)
		c.JSON(status, gin.H{"error": err.Error(), "report": rep})
		return
	}
	c.JSON(http.StatusOK, rep)
}

type exportReq struct {
	File string `json:"file" binding:"required"`
}

// export writes into the configured export directory only; any directory
// part of the requested name is dropped.
func (h *Handler) export(c *gin.Context) {
	var req exportReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	name := filepath.Base(filepath.Clean(req.File))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		badRequest(c, "invalid file name")
		return
	}
	rep, err := h.Admin.ExportAll(c, filepath.Join(h.ExportDir, name))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

type rollbackReq struct {
	Timestamp string `json:"timestamp" binding:"required"`
}

func (h *Handler) rollback(c *gin.Context) {
	var req rollbackReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	rep, err := h.Admin.Rollback(c, req.Timestamp)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}
