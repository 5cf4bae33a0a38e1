package api

import (
	"ledgersync/internal/metrics"
	"ledgersync/internal/middleware"
	"ledgersync/internal/repository"

	"github.com/gin-gonic/gin"
)

// Handlers bundles what RegisterRoutes mounts.
type Handlers struct {
	Operations *OperationHandler
	Stream     *StreamHandler
	Auth       *AuthHandler
	Health     *HealthHandler
}

type RouterOptions struct {
	Tokens      middleware.TokenParser
	Devices     repository.DeviceInterface
	RateLimiter *middleware.RateLimiter
	// DevMode honours the X-Dev-Pass header instead of a token.
	DevMode bool
}

func RegisterRoutes(h Handlers, opts RouterOptions) *gin.Engine {
	r := gin.New()

	r.Use(
		middleware.CorsMiddleware(),
		middleware.RequestID(),
		middleware.GinZapLogger(),
		middleware.GinZapRecovery(),
		middleware.HttpMiddleware(),
	)
	r.SetTrustedProxies(nil)

	r.GET("/health", h.Health.Check)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	auth := r.Group("/v1/auth")
	{
		auth.POST("/login", h.Auth.Login)
		auth.POST("/refresh", h.Auth.Refresh)
	}

	jwt := middleware.JWTMiddleware(opts.Tokens, opts.DevMode)
	write := func(c *gin.Context) { c.Next() }
	if opts.RateLimiter != nil {
		write = opts.RateLimiter.Middleware()
	}

	authProtected := r.Group("/v1/auth", jwt)
	{
		authProtected.GET("/me", h.Auth.Me)
		authProtected.POST("/logout", h.Auth.Logout)
	}

	stream := r.Group("/v1/stream", middleware.DeviceAuthMiddleware(opts.Devices))
	{
		stream.GET("/watch", h.Stream.Watch)
	}

	admin := r.Group("/v1/admin", jwt)
	{
		admin.GET("/stream", h.Stream.Watch)
	}

	protected := r.Group("/v1", jwt)
	{
		protected.POST("/operations", write, h.Operations.Enqueue)
		protected.GET("/operations/failed", h.Operations.ListFailed)
		protected.GET("/operations/:id", h.Operations.GetOperation)
		protected.POST("/sync", write, h.Operations.TriggerSync)
		protected.GET("/stats", h.Operations.Stats)

		protected.GET("/dead-letters", h.Operations.ListDeadLetters)
		protected.POST("/dead-letters/rescue", write, h.Operations.RescueDeadLetters)
		protected.POST("/dead-letters/:id/reinstate", write, h.Operations.ReinstateDeadLetter)
		protected.POST("/dead-letters/:id/discard", write, h.Operations.DiscardDeadLetter)
	}
	return r
}
