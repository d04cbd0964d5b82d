package http

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/richardliu001/coinledger/internal/autopay"
	"github.com/richardliu001/coinledger/internal/model"
)

func viewAutopay(a *model.Autopay) gin.H {
	out := gin.H{
		"id":                a.ID,
		"name":              a.Name,
		"amount":            a.Amount,
		"inverse_frequency": a.InverseFrequency,
		"times_left":        a.TimesLeft,
		"active":            a.Active,
		"created_at":        a.CreatedAt,
	}
	if a.Source != nil {
		out["source"] = *a.Source
	}
	if a.Destination != nil {
		out["destination"] = *a.Destination
	}
	return out
}

func (h *Handler) autopayEnabled(c *gin.Context) bool {
	if h.Autopay == nil {
		h.fail(c, fmt.Errorf("autopay: %w", model.ErrUnsupported))
		return false
	}
	return true
}

func autopayID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "invalid autopay id")
		return 0, false
	}
	return id, true
}

type createAutopayReq struct {
	Name             string  `json:"name"`
	Source           *string `json:"source"`
	Destination      *string `json:"destination"`
	Amount           string  `json:"amount" binding:"required"`
	InverseFrequency int64   `json:"inverse_frequency"`
	TimesLeft        int64   `json:"times_left"`
}

func (h *Handler) createAutopay(c *gin.Context) {
	if !h.autopayEnabled(c) {
		return
	}
	var req createAutopayReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	amt, err := decimal.NewFromString(req.Amount)
	if err != nil {
		badRequest(c, "invalid amount")
		return
	}
	if req.InverseFrequency == 0 {
		req.InverseFrequency = 1
	}
	ap, err := h.Autopay.Create(c, autopay.CreateRequest{
		Name:             req.Name,
		Source:           req.Source,
		Destination:      req.Destination,
		Amount:           amt,
		InverseFrequency: req.InverseFrequency,
		TimesLeft:        req.TimesLeft,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewAutopay(ap))
}

func (h *Handler) listAutopays(c *gin.Context) {
	if !h.autopayEnabled(c) {
		return
	}
	source := c.Query("source")
	if source == "" {
		badRequest(c, "source is required")
		return
	}
	aps, err := h.Autopay.ListBySource(c, source)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(aps))
	for i := range aps {
		out = append(out, viewAutopay(&aps[i]))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) getAutopay(c *gin.Context) {
	if !h.autopayEnabled(c) {
		return
	}
	id, ok := autopayID(c)
	if !ok {
		return
	}
	ap, err := h.Autopay.Get(c, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewAutopay(ap))
}

func (h *Handler) cancelAutopay(c *gin.Context) {
	if !h.autopayEnabled(c) {
		return
	}
	id, ok := autopayID(c)
	if !ok {
		return
	}
	if err := h.Autopay.Cancel(c, id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
