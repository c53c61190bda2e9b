// Package api HTTP-поверхность ассистента для CRM: ходы диалога, решения по планам, история.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
	"github.com/xela07ax/studiocrm-agent/internal/engine"
	"github.com/xela07ax/studiocrm-agent/internal/infra/auth"
	"go.uber.org/zap"
)

// Assistant то, что API использует из control plane.
type Assistant interface {
	HandleTurn(ctx context.Context, req engine.TurnRequest) (*engine.TurnResult, error)
	ConfirmPlan(ctx context.Context, req engine.DecisionRequest) (*engine.TurnResult, error)
	RejectPlan(ctx context.Context, req engine.DecisionRequest) (*domain.PendingPlan, error)
	ListPending(ctx context.Context, tenantID string) ([]*domain.PendingPlan, error)
	History(ctx context.Context, tenantID, userID string) ([]domain.Message, error)
}

type Server struct {
	router    *chi.Mux
	logger    *zap.Logger
	validator auth.TokenValidator
	handler   *Handler
}

func NewServer(assistant Assistant, validator auth.TokenValidator, logger *zap.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.Named("api"),
		validator: validator,
	}
	s.handler = NewHandler(assistant, s.logger)
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RealIP)
	r.Use(TracingMiddleware)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	// --- 2. Публичные роуты ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// --- 3. Защищенный периметр (RS256 токен CRM) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.validator, s.logger))

		r.Route("/v1/assistant", func(r chi.Router) {
			r.Post("/turns", s.handler.Turn)
			r.Get("/history", s.handler.History)

			// Human-in-the-loop
			r.Route("/plans", func(r chi.Router) {
				r.Get("/", s.handler.ListPending)
				r.Post("/{id}/confirm", s.handler.Confirm)
				r.Post("/{id}/reject", s.handler.Reject)
			})
		})
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
