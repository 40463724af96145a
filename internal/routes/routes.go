package routes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/keyportal/keyportal/internal/account"
	"github.com/keyportal/keyportal/internal/auth"
	"github.com/keyportal/keyportal/internal/config"
	"github.com/keyportal/keyportal/internal/dashboard"
	"github.com/keyportal/keyportal/internal/distribution"
	"github.com/keyportal/keyportal/internal/ledger"
	"github.com/keyportal/keyportal/internal/middleware"
	"github.com/keyportal/keyportal/internal/notification"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Logger   *slog.Logger
	Registry *prometheus.Registry
}

// Setup configures middlewares and all application routes. Without a
// database the account and ledger stores fall back to memory; without Redis
// sessions live in memory and idempotency and login throttling are off.
func Setup(app *fiber.App, d Deps) error {
	if !d.Cfg.IsDevelopment() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	if d.Registry == nil {
		d.Registry = prometheus.NewRegistry()
		d.Registry.MustRegister(collectors.NewGoCollector())
		d.Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "UTC",
	}))
	app.Use(middleware.Audit(d.Logger))
	app.Use(middleware.Metrics(middleware.NewHTTPMetrics(d.Registry)))

	RegisterHealthRoutes(app, d)
	RegisterMetricsRoute(app, d.Registry)

	var (
		accountRepo account.Repository
		keys        ledger.Ledger
		sessions    auth.SessionStore
	)
	if d.DB != nil {
		accountRepo = account.NewPostgresRepository(d.DB)
		keys = ledger.NewPostgresLedger(d.DB)
	} else {
		accountRepo = account.NewMemoryRepository()
		keys = ledger.NewInMemory()
	}
	if d.Cache != nil {
		sessions = auth.NewRedisStore(d.Cache, d.Cfg.RefreshTokenTTL)
	} else {
		sessions = auth.NewMemoryStore()
	}

	accounts := account.NewService(accountRepo)
	if d.Cfg.AdminEmail != "" {
		admin, created, err := accounts.EnsureAdmin(context.Background(), d.Cfg.AdminEmail, d.Cfg.AdminPassword)
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		if created {
			d.Logger.Info("admin account created", slog.String("account_id", admin.ID))
		}
	}

	tokens := auth.NewService(d.Cfg, accounts, sessions)
	movements := distribution.NewService(accounts, keys,
		notification.NewLoggerNotifier(d.Logger),
		distribution.NewMetrics(d.Registry),
		d.Logger)
	dashboards := dashboard.NewService(accounts, keys, d.Cfg.MonthlyTarget)

	RegisterAuthRoutes(app, auth.NewHandler(tokens, d.Cfg.IsProduction()),
		middleware.LoginRateLimit(d.Cache, d.Cfg.LoginRateLimit))

	protected := app.Group("", middleware.JWTAuth(tokens, accounts))
	idempotent := middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger)
	movementHandler := distribution.NewHandler(movements)

	RegisterAccountRoutes(protected, accounts, movements, d.Logger)
	RegisterKeyRoutes(protected.Group("/keys", idempotent), movementHandler)
	RegisterDistributorRoutes(
		protected.Group("/db", middleware.RequireRole(account.RoleDB), idempotent),
		movementHandler,
		dashboard.NewHandler(dashboards),
	)
	RegisterRetailerRoutes(protected.Group("/retailer", middleware.RequireRole(account.RoleRetailer)), movementHandler)
	return nil
}
