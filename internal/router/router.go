package router

import (
	"context"
	"time"

	"comandapos/internal/broadcast"
	"comandapos/internal/config"
	"comandapos/internal/handler"
	"comandapos/internal/infra"
	"comandapos/internal/middleware"
	"comandapos/internal/repository"
	"comandapos/internal/service"
	"comandapos/internal/worker"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Deps carries everything the HTTP layer needs. The composition root in
// cmd/server builds it once and shares the services with the workers.
type Deps struct {
	DB        *gorm.DB
	Redis     *redis.Client
	Hub       *broadcast.Hub
	GatewayCB *infra.CircuitBreaker
	DLQ       handler.DLQCounter

	Products   repository.ProductRepository
	Stock      service.StockLedger
	Tabs       service.TabLedger
	Sessions   service.CashSessionService
	Settlement service.SettlementService
}

// New returns a configured Gin engine.
// Dependency graph: Handler ← Service ← Repository ← DB/Redis
// The rate limiter's purge loop runs until ctx is done.
func New(ctx context.Context, cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Global middleware chain (order matters)
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.ErrorHandler())

	// 600 req/min per operator, shared by all of a terminal's calls.
	limiter := middleware.NewRateLimiter(600, time.Minute)
	go limiter.Purge(ctx, 5*time.Minute)

	// ── Handlers ─────────────────────────────────────────────────────────────
	ordersH := handler.NewOrdersHandler(d.Settlement)
	sessionsH := handler.NewSessionsHandler(d.Sessions)
	stockH := handler.NewStockHandler(d.Stock)
	tabsH := handler.NewTabsHandler(d.Tabs)
	catalogH := handler.NewCatalogHandler(d.Products, d.Stock)
	eventsH := handler.NewEventsHandler(d.Hub)

	// ── Routes ───────────────────────────────────────────────────────────────

	// Public
	r.GET("/health", handler.Health(d.DB, d.Redis, d.GatewayCB, d.DLQ, worker.QueueTenderVoid, worker.QueueAlert))

	staff := middleware.RequireRole(middleware.RoleCashier, middleware.RoleSupervisor, middleware.RoleAdmin)
	managers := middleware.RequireRole(middleware.RoleSupervisor, middleware.RoleAdmin)

	v1 := r.Group("/v1", middleware.JWTAuth(cfg.JWTSecret), limiter.Handler())
	{
		orders := v1.Group("/orders", staff)
		{
			orders.POST("", ordersH.SubmitOrder)
			orders.GET("", ordersH.ListOrders)
			orders.GET("/:id", ordersH.GetOrder)
			orders.POST("/:id/cancel", ordersH.CancelOrder)
		}
		v1.POST("/orders/:id/void", managers, ordersH.VoidOrder)

		sessions := v1.Group("/sessions", staff)
		{
			sessions.POST("", sessionsH.Open)
			sessions.GET("/active", sessionsH.Active)
			sessions.POST("/:id/close", sessionsH.Close)
			sessions.GET("/:id/report", sessionsH.Report)
		}

		stock := v1.Group("/stock", staff)
		{
			stock.GET("/:product_id", stockH.Level)
			stock.GET("/:product_id/movements", stockH.Movements)
		}
		v1.POST("/stock/:product_id/adjustments", managers, stockH.Adjust)
		v1.POST("/stock/:product_id/reconcile", managers, stockH.Reconcile)

		tabs := v1.Group("/tabs", staff)
		{
			tabs.POST("", tabsH.Open)
			tabs.POST("/topup", tabsH.TopUp)
			tabs.GET("/:id", tabsH.Get)
			tabs.GET("/:id/movements", tabsH.Movements)
			tabs.POST("/:id/close", tabsH.Close)
		}
		v1.POST("/tabs/:id/reconcile", managers, tabsH.Reconcile)

		products := v1.Group("/products", staff)
		{
			products.GET("", catalogH.List)
			products.GET("/barcode/:barcode", catalogH.ByBarcode)
		}

		v1.GET("/venues/:venue_id/events", staff, eventsH.Subscribe)
	}

	// Swagger UI, only outside production
	if cfg.Env != "production" {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	return r
}
