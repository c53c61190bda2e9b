// Package planner превращает намерение пользователя в структурированный план.
package planner

import (
	"context"
	"errors"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/google/uuid"
	"github.com/xela07ax/studiocrm-agent/internal/catalog"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
	"go.uber.org/zap"
)

// ModelFactory строит модель для тенанта из его расшифрованного ключа.
type ModelFactory func(ctx context.Context, creds domain.Credentials) (model.BaseChatModel, error)

// Draft результат генерации: план, ссылка на тред персоны и использованная стратегия.
type Draft struct {
	Plan      *domain.Plan
	ThreadRef string
	Strategy  string
}

type Generator struct {
	catalog  *catalog.Source
	factory  ModelFactory
	persona  Strategy // nil, если персона не настроена
	fallback Strategy
	timeout  time.Duration
	logger   *zap.Logger
}

func NewGenerator(src *catalog.Source, factory ModelFactory, persona, fallback Strategy, timeout time.Duration, logger *zap.Logger) *Generator {
	return &Generator{
		catalog:  src,
		factory:  factory,
		persona:  persona,
		fallback: fallback,
		timeout:  timeout,
		logger:   logger.Named("planner"),
	}
}

// Generate строит план. Ошибки: *domain.ConfigurationError (каталог не загружен)
// или *domain.PlanGenerationError (модель недоступна, таймаут, неразборчивый ответ).
func (g *Generator) Generate(ctx context.Context, ec *domain.ExecutionContext, userMessage string) (*Draft, error) {
	// 1. Каталог: без него план не строим
	cat, err := g.catalog.Catalog()
	if err != nil {
		return nil, err
	}

	// 2. Модель тенанта
	m, err := g.factory(ctx, ec.Credentials())
	if err != nil {
		return nil, &domain.PlanGenerationError{Reason: "completion model unavailable", Err: err}
	}

	gctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// 3. Персона, при отказе общий completion. Персоне достается половина бюджета,
	// чтобы у fallback всегда оставалось время
	strategy := g.fallback
	var text, threadRef string
	if g.persona != nil {
		pctx, pcancel := context.WithTimeout(gctx, g.timeout/2)
		text, threadRef, err = g.persona.Draft(pctx, m, ec, cat, userMessage)
		pcancel()
		if err == nil {
			strategy = g.persona
		} else if gctx.Err() == nil {
			g.logger.Warn("persona planner failed, falling back to chat completion",
				zap.String("tenant_id", ec.TenantID()), zap.Error(err))
		}
	}
	if strategy == g.fallback && gctx.Err() == nil {
		text, _, err = g.fallback.Draft(gctx, m, ec, cat, userMessage)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(gctx.Err(), context.DeadlineExceeded) {
			return nil, &domain.PlanGenerationError{Reason: "completion timed out", Err: err}
		}
		return nil, &domain.PlanGenerationError{Reason: "completion failed", Err: err}
	}

	// 4. Разбор и проверка формы
	plan, err := ParsePlan(text, cat)
	if err != nil {
		g.logger.Warn("unparseable plan", zap.String("tenant_id", ec.TenantID()),
			zap.String("strategy", strategy.Name()), zap.Error(err))
		return nil, err
	}
	plan.ID = uuid.New().String()

	g.logger.Debug("plan drafted",
		zap.String("tenant_id", ec.TenantID()),
		zap.String("plan_id", plan.ID),
		zap.String("strategy", strategy.Name()),
		zap.Strings("tools", plan.ToolNames()),
		zap.String("risk", string(plan.RiskLevel)),
	)
	return &Draft{Plan: plan, ThreadRef: threadRef, Strategy: strategy.Name()}, nil
}
