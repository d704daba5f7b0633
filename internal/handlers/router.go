package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ruralpay/walletledger/internal/middleware"
	"github.com/sirupsen/logrus"
)

type RouterDeps struct {
	Wallets     *WalletHandler
	Pins        *PinHandler
	Admin       *AdminHandler
	Auth        *middleware.Auth
	Idempotency middleware.IdempotencyGate
	DB          Pinger
	Metrics     http.Handler
	Log         *logrus.Logger
}

func NewRouter(d RouterDeps) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(d.Log))
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.HeaderIdempotencyKey},
		ExposedHeaders:   []string{middleware.HeaderReplayed},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", Health(d.DB))
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(d.Auth.Middleware)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Idempotency(d.Idempotency))

			r.Post("/wallets/{walletNumber}/deposit", d.Wallets.Deposit)
			r.Post("/wallets/{walletNumber}/withdraw", d.Wallets.Withdraw)
			r.Post("/wallets/{walletNumber}/bills", d.Wallets.PayBill)
			r.Post("/wallets/{walletNumber}/airtime", d.Wallets.BuyAirtime)
			r.Post("/transfers", d.Wallets.Transfer)
		})

		r.Get("/wallets/{walletNumber}/transactions", d.Wallets.ListTransactions)
		r.Get("/transactions/{reference}", d.Wallets.GetTransaction)

		r.Post("/wallets/{walletNumber}/pin", d.Pins.SetPin)
		r.Put("/wallets/{walletNumber}/pin", d.Pins.ChangePin)

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleAdmin))

			r.Post("/wallets/{walletNumber}/pin/reset", d.Pins.ResetPin)

			r.Post("/reconciliation/run", d.Admin.RunReconciliation)
			r.Get("/reconciliation/inconsistencies", d.Admin.ListInconsistencies)
			r.Get("/reconciliation/wallets/{walletNumber}", d.Admin.RecomputeWallet)
			r.Post("/reconciliation/{auditId}/review", d.Admin.MarkUnderReview)
			r.Post("/reconciliation/{auditId}/resolve", d.Admin.Resolve)

			r.Post("/audit/verify", d.Admin.VerifyAudit)
		})
	})

	return r
}
