package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/savevault/internal/account"
	"github.com/congo-pay/savevault/internal/auth"
	"github.com/congo-pay/savevault/internal/config"
	"github.com/congo-pay/savevault/internal/custody"
	"github.com/congo-pay/savevault/internal/identity"
	"github.com/congo-pay/savevault/internal/ledger"
	"github.com/congo-pay/savevault/internal/metrics"
	"github.com/congo-pay/savevault/internal/middleware"
	"github.com/congo-pay/savevault/internal/notification"
	"github.com/congo-pay/savevault/internal/savings"
)

// custodyAddress identifies the ledger itself at the custody boundary.
var custodyAddress = account.MustParse("0x5a5e5a5e5a5e5a5e5a5e5a5e5a5e5a5e5a5e5a5e")

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg     config.Config
	DB      *pgxpool.Pool
	Cache   *redis.Client
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// Enforce DB/Redis presence outside of dev, even though config also checks.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewRecorder()
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(d.Metrics.Middleware())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)
	app.Get("/metrics", d.Metrics.Handler())

	// Ledger, custody boundary and event delivery
	var store ledger.Store
	if d.DB != nil {
		store = ledger.NewPostgres(d.DB)
	} else {
		store = ledger.NewInMemory()
	}

	var (
		boundary custody.Boundary
		faucet   savings.FaucetFunc
	)
	if d.Cache != nil {
		vault := custody.NewRedisVault(d.Cache)
		boundary = vault
		faucet = vault.Fund
	} else {
		vault := custody.NewVault(custodyAddress)
		boundary = vault
		faucet = func(_ context.Context, addr account.Address, amount *uint256.Int) error {
			return vault.Fund(addr, amount)
		}
	}
	if !d.Cfg.IsDev() {
		faucet = nil
	}

	notifiers := notification.Multi{notification.NewLoggerNotifier(d.Logger)}
	if d.Cache != nil {
		notifiers = append(notifiers, notification.NewRedisNotifier(d.Cache, d.Cfg.NotifyChannel, d.Logger))
	}

	savingsLedger := ledger.New(store, boundary, notifiers, d.Logger, ledger.WithObserver(d.Metrics))

	var identityRepo identity.Repository
	if d.DB != nil {
		identityRepo = identity.NewPostgresRepository(d.DB)
	} else {
		identityRepo = identity.NewMemoryRepository()
	}
	identitySvc := identity.NewService(identityRepo)
	authSvc := auth.NewService(d.Cfg, identityRepo)

	identityHandler := identity.NewHandler(identitySvc)
	authHandler := auth.NewHandler(identitySvc, authSvc)
	savingsHandler := savings.NewHandler(savingsLedger, faucet, d.Logger)

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.GetRequestID(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	jwtmw := middleware.JWTAuth(authSvc)
	var idempotency fiber.Handler
	if d.Cache != nil {
		idempotency = middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger)
	}

	RegisterIdentityRoutes(api, identityHandler)
	RegisterAuthRoutes(api, authHandler, middleware.LoginRateLimit(d.Cache, d.Cfg.LoginRateLimit, d.Logger), jwtmw)
	RegisterSavingsRoutes(api, savingsHandler, jwtmw, idempotency)
	if faucet != nil {
		api.Post("/dev/faucet", savingsHandler.Faucet)
		d.Logger.Warn("development faucet mounted", slog.String("env", d.Cfg.AppEnv))
	}

	return nil
}
