package http

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/richardliu001/coinledger/internal/model"
)

type shopView struct {
	World      string     `json:"world"`
	X          int        `json:"x"`
	Y          int        `json:"y"`
	Z          int        `json:"z"`
	Owner      string     `json:"owner"`
	CoOwner    *string    `json:"co_owner,omitempty"`
	Empty      bool       `json:"empty"`
	EmptySince *time.Time `json:"empty_since,omitempty"`
}

func (h *Handler) shopsEnabled(c *gin.Context) bool {
	if h.Shops == nil {
		h.fail(c, fmt.Errorf("shops: %w", model.ErrUnsupported))
		return false
	}
	return true
}

func location(c *gin.Context) (model.Location, bool) {
	loc := model.Location{World: c.Param("world")}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"x", &loc.X}, {"y", &loc.Y}, {"z", &loc.Z}} {
		v, err := strconv.Atoi(c.Param(p.name))
		if err != nil {
			badRequest(c, "invalid coordinate "+p.name)
			return loc, false
		}
		*p.dst = v
	}
	return loc, true
}

type ownerReq struct {
	Owner   string  `json:"owner" binding:"required"`
	CoOwner *string `json:"co_owner"`
}

func (h *Handler) putShop(c *gin.Context) {
	if !h.shopsEnabled(c) {
		return
	}
	loc, ok := location(c)
	if !ok {
		return
	}
	var req ownerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	err := h.Shops.Put(c, model.Shop{World: loc.World, X: loc.X, Y: loc.Y, Z: loc.Z, Owner: req.Owner, CoOwner: req.CoOwner})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getShop(c *gin.Context) {
	if !h.shopsEnabled(c) {
		return
	}
	loc, ok := location(c)
	if !ok {
		return
	}
	s, err := h.Shops.Get(c, loc)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, shopView(*s))
}

func (h *Handler) deleteShop(c *gin.Context) {
	if !h.shopsEnabled(c) {
		return
	}
	loc, ok := location(c)
	if !ok {
		return
	}
	if err := h.Shops.Delete(c, loc); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type emptyReq struct {
	Empty bool `json:"empty"`
}

func (h *Handler) markShopEmpty(c *gin.Context) {
	if !h.shopsEnabled(c) {
		return
	}
	loc, ok := location(c)
	if !ok {
		return
	}
	var req emptyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.Shops.MarkEmpty(c, loc, req.Empty); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listShops(c *gin.Context) {
	if !h.shopsEnabled(c) {
		return
	}
	owner := c.Query("owner")
	if owner == "" {
		badRequest(c, "owner is required")
		return
	}
	shops, err := h.Shops.ListByOwner(c, owner)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]shopView, 0, len(shops))
	for _, s := range shops {
		out = append(out, shopView(s))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) putEmptyShop(c *gin.Context) {
	if !h.shopsEnabled(c) {
		return
	}
	loc, ok := location(c)
	if !ok {
		return
	}
	var req ownerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	err := h.Shops.PutEmpty(c, model.EmptyShop{World: loc.World, X: loc.X, Y: loc.Y, Z: loc.Z, Owner: req.Owner, CoOwner: req.CoOwner})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listEmptyShops(c *gin.Context) {
	if !h.shopsEnabled(c) {
		return
	}
	markers, err := h.Shops.ListEmpty(c, c.Query("owner"))
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(markers))
	for _, m := range markers {
		v := gin.H{"world": m.World, "x": m.X, "y": m.Y, "z": m.Z, "owner": m.Owner, "created_at": m.CreatedAt}
		if m.CoOwner != nil {
			v["co_owner"] = *m.CoOwner
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) deleteEmptyShop(c *gin.Context) {
	if !h.shopsEnabled(c) {
		return
	}
	loc, ok := location(c)
	if !ok {
		return
	}
	if err := h.Shops.DeleteEmpty(c, loc); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
