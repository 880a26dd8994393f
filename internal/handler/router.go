package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/cargotrack/internal/identity"
	"github.com/hitoshi/cargotrack/internal/metrics"
	"github.com/hitoshi/cargotrack/internal/middleware"
	"github.com/hitoshi/cargotrack/internal/model"
	"github.com/hitoshi/cargotrack/internal/session"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Gateway           identity.Gateway
	Resolver          *session.Resolver
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	Recorder          metrics.Recorder

	// サービス
	AuthService       AuthServiceInterface
	ShipmentService   ShipmentServiceInterface
	SubscriberFactory SubscriberFactory
	CustomerService   CustomerServiceInterface
	PrefsService      PrefsServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → Auth → RateLimit(General)
//
// 認証判定はRequireAuth/RequireRoleがルートグループ単位で行う。
// /track と /health は認証ミドルウェアの内側だが保護はされない（公開ルート）。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewAuthMiddleware(deps.Gateway, deps.Resolver, deps.Logger))
	r.Use(deps.RateLimiter.GeneralMiddleware())

	authHandler := NewAuthHandler(deps.AuthService, deps.Recorder)
	shipmentHandler := NewShipmentHandler(deps.ShipmentService, deps.SubscriberFactory)
	customerHandler := NewCustomerHandler(deps.CustomerService)
	prefsHandler := NewPrefsHandler(deps.PrefsService)

	mutation := deps.RateLimiter.MutationMiddleware()

	// --- 公開ルート ---

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// 公開トラッキングページ
	r.Get("/track/{trackingNumber}", shipmentHandler.Track)

	// 認証ルート
	r.Route("/auth", func(r chi.Router) {
		r.With(mutation).Post("/login", authHandler.Login)
		r.With(mutation).Post("/register", authHandler.Register)
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
	})

	// --- 認証が必要なルート ---

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth())

		// 配送管理
		r.Route("/api/shipments", func(r chi.Router) {
			r.Get("/", shipmentHandler.ListShipments)
			r.Get("/stream", shipmentHandler.Stream)
			r.With(mutation).Post("/", shipmentHandler.CreateShipment)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", shipmentHandler.GetShipment)
				r.With(mutation).Patch("/", shipmentHandler.UpdateShipment)
				r.With(mutation).Delete("/", shipmentHandler.DeleteShipment)
				r.With(mutation).Put("/status", shipmentHandler.UpdateStatus)
				r.With(mutation).Put("/location", shipmentHandler.UpdateLocation)
			})
		})

		// ユーザー設定
		r.Route("/api/preferences", func(r chi.Router) {
			r.Get("/", prefsHandler.GetPreferences)
			r.With(mutation).Put("/", prefsHandler.PutPreferences)
		})
	})

	// --- admin専用ルート ---

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireRole(model.RoleAdmin))

		r.Route("/api/customers", func(r chi.Router) {
			r.Get("/", customerHandler.ListCustomers)
			r.With(mutation).Post("/", customerHandler.CreateCustomer)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", customerHandler.GetCustomer)
				r.With(mutation).Patch("/", customerHandler.UpdateCustomer)
				r.With(mutation).Delete("/", customerHandler.DeleteCustomer)
				r.Get("/stats", customerHandler.GetStats)
			})
		})
	})

	return r
}
