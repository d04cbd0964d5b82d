package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/richardliu001/coinledger/internal/config"
)

const bucketIdleTTL = 10 * time.Minute

func NewRouter(h *Handler, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst, bucketIdleTTL))
	RegisterHandlers(r, h)
	return r
}
