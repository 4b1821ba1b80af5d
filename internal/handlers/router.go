package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Brownie44l1/vertebra-api/internal/ratelimit"
)

type RouterConfig struct {
	MaxUploadBytes int64
	Limiter        ratelimit.Limiter
}

func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	if cfg.MaxUploadBytes > 0 {
		r.MaxMultipartMemory = cfg.MaxUploadBytes
	}

	r.Use(
		RequestIDMiddleware(),
		AccessLog(logger),
		Recovery(logger),
		CORS(),
		RateLimit(cfg.Limiter, logger),
	)

	r.GET("/", h.Index)
	r.GET("/favicon.ico", h.Favicon)
	r.GET("/health", h.Health)

	predict := []gin.HandlerFunc{h.Predict}
	if cfg.MaxUploadBytes > 0 {
		predict = append([]gin.HandlerFunc{MaxBodySize(cfg.MaxUploadBytes)}, predict...)
	}
	r.POST("/predict", predict...)

	return r
}
