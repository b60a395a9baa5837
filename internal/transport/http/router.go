package http

import (
	"github.com/gin-gonic/gin"
	"github.com/groupcast/group-service/internal/config"
	"github.com/groupcast/group-service/internal/service"
	"go.uber.org/zap"
)

func NewRouter(svc *service.GroupService, producer *RequestProducer, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, svc, producer)
	return r
}
