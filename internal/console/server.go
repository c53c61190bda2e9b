package console

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/studiocrm-agent/internal/infra/auth"
	"go.uber.org/zap"
)

// RoleOperator роль в токене, открывающая консоль.
const RoleOperator = "operator"

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Интерфейс для проверки токенов (RS256)
	authValidator auth.TokenValidator

	tenantHandler *TenantHandler // /v1/tenants
}

// NewConsoleServer инициализирует сервер консоли со всеми зависимостями
func NewConsoleServer(svc *TenantService, validator auth.TokenValidator, logger *zap.Logger) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authValidator: validator,
	}
	s.tenantHandler = NewTenantHandler(svc, s.logger)

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (RS256 токен с ролью оператора) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))
		r.Use(auth.RequireRole(RoleOperator))

		r.Route("/v1/tenants/{id}", func(r chi.Router) {
			r.Get("/status", s.tenantHandler.Status)
			r.Get("/policy", s.tenantHandler.GetPolicy)
			r.Put("/policy", s.tenantHandler.PutPolicy)
			r.Put("/credentials", s.tenantHandler.PutCredentials)
			r.Post("/{action}", s.tenantHandler.Switch) // suspend, resume, supervise, release
			r.Get("/audit", s.tenantHandler.AuditLog)
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
