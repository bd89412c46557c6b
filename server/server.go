package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Digital-Creators-Team/reward-module/auth"
	"github.com/Digital-Creators-Team/reward-module/config"
	"github.com/Digital-Creators-Team/reward-module/metrics"
	"github.com/Digital-Creators-Team/reward-module/middleware"
	"github.com/Digital-Creators-Team/reward-module/pkg/jackpot"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	apiPrefix         = "/api/v1"
	jackpotStreamPath = apiPrefix + "/jackpot/stream"
	jackpotWSPath     = apiPrefix + "/jackpot/ws"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// App represents the reward service application
type App struct {
	engine         *gin.Engine
	config         *config.Config
	logger         zerolog.Logger
	httpServer     *http.Server
	onShutdown     []func()
	rewardHandler  *RewardHandler
	jackpotHandler *JackpotHandler
	checks         map[string]HealthCheck
}

// Options holds server configuration options
type Options struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Service RewardAPI
	Feed    *jackpot.Feed
	// Checks run on /health. A failing check turns the response into 503.
	Checks map[string]HealthCheck
}

// Router is an alias for gin.Engine for convenience
type Router = gin.Engine

// New creates a new reward service application
func New(opts Options) *App {
	if opts.Config.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	app := &App{
		engine:         gin.New(),
		config:         opts.Config,
		logger:         opts.Logger,
		rewardHandler:  NewRewardHandler(opts.Service, opts.Logger),
		jackpotHandler: NewJackpotHandler(opts.Feed, opts.Config.Reward.HeartbeatInterval, opts.Logger),
		checks:         opts.Checks,
	}
	return app
}

// UseCommonMiddlewares adds common middlewares to the application
func (a *App) UseCommonMiddlewares() {
	// Recovery middleware (must be first)
	a.engine.Use(middleware.Recovery(a.logger))

	a.engine.Use(middleware.TraceID())
	a.engine.Use(middleware.Logging(a.logger))

	if a.config.Metrics.Enabled {
		a.engine.Use(metrics.HTTP())
	}

	if a.config.Server.EnableCORS {
		a.engine.Use(middleware.CORS())
	}

	// Streams stay open far longer than any request deadline.
	a.engine.Use(middleware.Timeout(a.config.Server.RequestTimeout, jackpotStreamPath, jackpotWSPath))
}

// UseMiddleware adds a custom middleware
func (a *App) UseMiddleware(m gin.HandlerFunc) {
	a.engine.Use(m)
}

// RegisterHealthCheck adds health check endpoints
func (a *App) RegisterHealthCheck() {
	a.engine.GET("/health", a.healthCheck)
	a.engine.GET("/api/health", a.healthCheck)
}

func (a *App) healthCheck(c *gin.Context) {
	status := http.StatusOK
	results := make(map[string]string, len(a.checks))
	for name, check := range a.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":    state,
		"timestamp": time.Now(),
		"service":   a.config.Environment,
		"checks":    results,
	})
}

// RegisterMetrics exposes the prometheus endpoint when enabled.
func (a *App) RegisterMetrics() {
	if !a.config.Metrics.Enabled {
		return
	}
	a.engine.GET(a.config.Metrics.Path, metrics.Handler())
}

// RegisterRewardRoutes registers the reward API
//
// Flow: HTTP Request -> api -> RewardHandler / JackpotHandler -> RewardService / Feed
//
// Routes registered:
//   - POST /api/v1/rewards/open          -> RewardHandler.OpenReward
//   - GET  /api/v1/rewards/transactions  -> RewardHandler.GetHistory
//   - GET  /api/v1/accounts/me           -> RewardHandler.GetAccount
//   - GET  /api/v1/catalog               -> RewardHandler.ListCatalog
//   - GET  /api/v1/catalog/:id           -> RewardHandler.GetCatalogEntry
//   - GET  /api/v1/jackpot               -> JackpotHandler.GetJackpot
//   - GET  /api/v1/jackpot/stream        -> JackpotHandler.StreamUpdates (SSE)
//   - GET  /api/v1/jackpot/ws            -> JackpotHandler.StreamUpdatesWebSocket (WebSocket)
func (a *App) RegisterRewardRoutes() {
	api := a.AuthGroup(apiPrefix)
	{
		rewards := api.Group("/rewards")
		rewards.POST("/open", middleware.IdempotencyKey(), a.rewardHandler.OpenReward)
		rewards.GET("/transactions", a.rewardHandler.GetHistory)

		api.GET("/accounts/me", a.rewardHandler.GetAccount)

		api.GET("/catalog", a.rewardHandler.ListCatalog)
		api.GET("/catalog/:id", a.rewardHandler.GetCatalogEntry)

		api.GET("/jackpot", a.jackpotHandler.GetJackpot)
		api.GET("/jackpot/stream", a.jackpotHandler.StreamUpdates)
		api.GET("/jackpot/ws", a.jackpotHandler.StreamUpdatesWebSocket)
	}

	a.logger.Info().Str("prefix", apiPrefix).Msg("Reward routes registered")
}

// Router returns the Gin engine for custom route registration
func (a *App) Router() *gin.Engine {
	return a.engine
}

// Group creates a route group
func (a *App) Group(path string, handlers ...gin.HandlerFunc) *gin.RouterGroup {
	return a.engine.Group(path, handlers...)
}

// AuthGroup creates a route group with JWT authentication
func (a *App) AuthGroup(path string) *gin.RouterGroup {
	return a.engine.Group(path, auth.JWTMiddleware(a.config.JWT.Secret, a.logger))
}

// OnShutdown registers a function to be called on shutdown, in registration order
func (a *App) OnShutdown(fn func()) {
	a.onShutdown = append(a.onShutdown, fn)
}

// Run starts the HTTP server and blocks until SIGINT or SIGTERM
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunWithContext(ctx)
}

// RunWithContext starts the HTTP server and shuts it down when ctx is done
func (a *App) RunWithContext(ctx context.Context) error {
	a.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.config.Server.Port),
		Handler:      a.engine,
		ReadTimeout:  a.config.Server.ReadTimeout,
		WriteTimeout: a.config.Server.WriteTimeout,
		IdleTimeout:  a.config.Server.IdleTimeout,
	}
	// Streams write for as long as the client stays.
	a.httpServer.WriteTimeout = 0

	errChan := make(chan error, 1)
	go func() {
		a.logger.Info().
			Int("port", a.config.Server.Port).
			Str("environment", a.config.Environment).
			Msg("Starting HTTP server")

		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		return a.shutdown()
	case err := <-errChan:
		return err
	}
}

func (a *App) shutdown() error {
	a.logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting requests first so in-flight opens can finish.
	err := a.httpServer.Shutdown(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("Error during server shutdown")
	}

	for _, fn := range a.onShutdown {
		fn()
	}

	if err == nil {
		a.logger.Info().Msg("Server shutdown complete")
	}
	return err
}

// Config returns the application configuration
func (a *App) Config() *config.Config {
	return a.config
}

// Logger returns the application logger
func (a *App) Logger() zerolog.Logger {
	return a.logger
}
