package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lending-engine/internal/api/handler"
	mw "lending-engine/internal/api/middleware"
	"lending-engine/internal/config"
	"lending-engine/internal/domain/accrual"
	"lending-engine/internal/domain/demand"
	"lending-engine/internal/domain/loan"
	"lending-engine/internal/domain/repayment"
)

// Services carries everything the HTTP surface needs.
type Services struct {
	Loans      loan.Repository
	Accruals   accrual.Service
	Demands    demand.Service
	Repayments repayment.Service
	Repost     repayment.RepostService
}

func SetupRouter(svc Services, cfg *config.Config, logger *slog.Logger) *chi.Mux {
	router := chi.NewRouter()

	setupMiddleware(router, cfg, logger)
	setupMetricsEndpoint(router, cfg, logger)
	setupAuthRoutes(router, cfg, logger)
	setupLoanRoutes(router, svc, cfg, logger)
	setupLifecycleRoutes(router, svc, cfg, logger)
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return router
}

func setupMiddleware(router *chi.Mux, cfg *config.Config, logger *slog.Logger) {
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(mw.StructuredLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Compress(5))
	router.Use(middleware.Timeout(60 * time.Second))
	router.Use(mw.NewRateLimiterMiddleware(cfg.Server.RateLimit, logger).Middleware)
	router.Use(mw.MetricsMiddleware())
}

func setupMetricsEndpoint(router *chi.Mux, cfg *config.Config, logger *slog.Logger) {
	metricsPath := cfg.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	logger.Info("Setting up Prometheus metrics endpoint", "path", metricsPath)
	router.Handle(metricsPath, promhttp.Handler())
}

func setupAuthRoutes(router *chi.Mux, cfg *config.Config, logger *slog.Logger) {
	authHandler := handler.NewAuthHandler(*cfg, logger)
	router.Route("/auth", func(r chi.Router) {
		r.Post("/token", authHandler.GenerateBearerToken)
	})
}

func setupLoanRoutes(router *chi.Mux, svc Services, cfg *config.Config, logger *slog.Logger) {
	loanHandler := handler.NewLoanHandler(svc.Loans, svc.Repayments, svc.Repost, logger)

	router.Route("/loans", func(r chi.Router) {
		r.Use(mw.AuthMiddleware(cfg.Server.Auth, logger))
		r.Get("/{loanID}", loanHandler.GetLoan)
		r.Get("/{loanID}/outstanding", loanHandler.GetOutstanding)
		r.Post("/{loanID}/repayments", loanHandler.SubmitRepayment)
		r.Post("/{loanID}/repost", loanHandler.Repost)
	})
	router.Route("/repayments", func(r chi.Router) {
		r.Use(mw.AuthMiddleware(cfg.Server.Auth, logger))
		r.Delete("/{repaymentID}", loanHandler.CancelRepayment)
	})
}

func setupLifecycleRoutes(router *chi.Mux, svc Services, cfg *config.Config, logger *slog.Logger) {
	lifecycleHandler := handler.NewLifecycleHandler(svc.Accruals, svc.Demands, logger)

	router.Route("/lifecycle", func(r chi.Router) {
		r.Use(mw.AuthMiddleware(cfg.Server.Auth, logger))
		r.Post("/accruals", lifecycleHandler.RunAccrual)
		r.Post("/demands", lifecycleHandler.RunDemand)
	})
}
