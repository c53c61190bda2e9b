package planner

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/xela07ax/studiocrm-agent/internal/catalog"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
	"github.com/xela07ax/studiocrm-agent/internal/resilience"
	"go.uber.org/zap"
)

// Strategy способ получить текст плана от модели. Обе стратегии отдают один и тот же формат.
type Strategy interface {
	Name() string
	// Draft возвращает сырой ответ модели и ссылку на тред (пусто, если тредов нет).
	Draft(ctx context.Context, m model.BaseChatModel, ec *domain.ExecutionContext, cat *catalog.Catalog, userMessage string) (string, string, error)
}

func generate(ctx context.Context, guard *resilience.Guard, m model.BaseChatModel, msgs []*schema.Message) (string, error) {
	out, err := resilience.Call(ctx, guard, func(ctx context.Context) (*schema.Message, error) {
		return m.Generate(ctx, msgs)
	})
	if err != nil {
		return "", err
	}
	if out == nil || out.Content == "" {
		return "", fmt.Errorf("empty completion")
	}
	return out.Content, nil
}

// ChatStrategy общий completion-вызов с системным промптом и историей сессии.
type ChatStrategy struct {
	guard        *resilience.Guard
	historyTurns int
}

func NewChatStrategy(guard *resilience.Guard, historyTurns int) *ChatStrategy {
	return &ChatStrategy{guard: guard, historyTurns: historyTurns}
}

func (s *ChatStrategy) Name() string { return "chat" }

func (s *ChatStrategy) Draft(ctx context.Context, m model.BaseChatModel, ec *domain.ExecutionContext, cat *catalog.Catalog, userMessage string) (string, string, error) {
	msgs := []*schema.Message{{Role: schema.System, Content: systemPrompt(ec, cat)}}

	if sess := ec.Session(); sess != nil {
		history := sess.History
		// Последнее сообщение пользователя уже в истории, его передаем отдельно как запрос
		if n := len(history); n > 0 && history[n-1].Role == domain.RoleUser && history[n-1].Content == userMessage {
			history = history[:n-1]
		}
		if s.historyTurns > 0 && len(history) > s.historyTurns {
			history = history[len(history)-s.historyTurns:]
		}
		for _, h := range history {
			switch h.Role {
			case domain.RoleUser:
				msgs = append(msgs, &schema.Message{Role: schema.User, Content: h.Content})
			case domain.RoleAssistant:
				msgs = append(msgs, &schema.Message{Role: schema.Assistant, Content: h.Content})
			}
		}
	}
	msgs = append(msgs, &schema.Message{Role: schema.User, Content: buildRequest(userMessage, ec, cat)})

	text, err := generate(ctx, s.guard, m, msgs)
	return text, "", err
}

// PersonaStrategy выделенная персона-планировщик с серверными тредами.
// Тред создается на первом ходу и дальше переиспользуется.
type PersonaStrategy struct {
	guard   *resilience.Guard
	threads *ThreadStore
	persona string
	logger  *zap.Logger
}

func NewPersonaStrategy(guard *resilience.Guard, threads *ThreadStore, persona string, logger *zap.Logger) *PersonaStrategy {
	return &PersonaStrategy{guard: guard, threads: threads, persona: persona, logger: logger.Named("persona")}
}

func (s *PersonaStrategy) Name() string { return "persona" }

func (s *PersonaStrategy) Draft(ctx context.Context, m model.BaseChatModel, ec *domain.ExecutionContext, cat *catalog.Catalog, userMessage string) (string, string, error) {
	threadID := ec.ThreadRef()
	var past []*schema.Message
	if threadID == domain.ThreadPending {
		threadID = s.threads.NewThread()
	} else {
		var err error
		if past, err = s.threads.Load(ctx, threadID); err != nil {
			return "", "", err
		}
	}

	request := &schema.Message{Role: schema.User, Content: buildRequest(userMessage, ec, cat)}
	msgs := make([]*schema.Message, 0, len(past)+2)
	msgs = append(msgs, &schema.Message{Role: schema.System, Content: personaPrompt(s.persona)})
	msgs = append(msgs, past...)
	msgs = append(msgs, request)

	text, err := generate(ctx, s.guard, m, msgs)
	if err != nil {
		return "", "", err
	}

	// Ошибка треда не отменяет готовый ответ: ход идет без ссылки на тред
	if err := s.threads.Append(ctx, threadID, request, &schema.Message{Role: schema.Assistant, Content: text}); err != nil {
		s.logger.Warn("thread persist failed", zap.String("thread_id", threadID),
			zap.String("tenant_id", ec.TenantID()), zap.Error(err))
		return text, "", nil
	}
	return text, threadID, nil
}
