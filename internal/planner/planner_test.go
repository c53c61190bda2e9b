package planner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/studiocrm-agent/internal/catalog"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
	"github.com/xela07ax/studiocrm-agent/internal/resilience"
	"go.uber.org/zap"
)

const testCatalog = `
tools:
  - {name: create_lead, description: Create a lead, authority: CREATE_LEAD}
  - {name: update_client, description: Update client, authority: UPDATE_CLIENT}
  - {name: submit_order, description: Submit order, authority: SUBMIT_ORDER, sensitive: true}
`

type fakeModel struct {
	mu      sync.Mutex
	replies []string
	err     error
	delay   time.Duration
	seen    [][]*schema.Message
}

func (f *fakeModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.mu.Lock()
	f.seen = append(f.seen, input)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return &schema.Message{Role: schema.Assistant, Content: reply}, nil
}

func (f *fakeModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

func testCat(t *testing.T) *catalog.Catalog {
	c, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)
	return c
}

func testGuard() *resilience.Guard {
	return resilience.New(resilience.Settings{Name: "llm", Timeout: time.Minute, FailureThreshold: 100, Attempts: 1}, nil, zap.NewNop())
}

func execCtx(threadRef string) *domain.ExecutionContext {
	sess := &domain.Session{
		ID: "s1", ThreadRef: threadRef,
		WorkingMemory: map[string]interface{}{"client": "Anna"},
		History:       []domain.Message{{Role: domain.RoleUser, Content: "hi"}, {Role: domain.RoleAssistant, Content: "hello"}},
	}
	return domain.NewExecutionContext("t1", "u1", "Studio Aurora", domain.FailSafePolicy("t1"),
		domain.Credentials{Currency: "EUR"}, sess, "trace-1")
}

func factoryFor(m model.BaseChatModel) ModelFactory {
	return func(context.Context, domain.Credentials) (model.BaseChatModel, error) { return m, nil }
}

func TestParsePlan(t *testing.T) {
	cat := testCat(t)

	p, err := ParsePlan("Sure!\n```json\n{\"steps\":[{\"tool\":\"create_lead\",\"args\":{\"name\":\"Anna\"}},{\"tool\":\"update_client\"}],\"riskLevel\":\"LOW\",\"explanation\":\"ok\"}\n```", cat)
	require.NoError(t, err)
	assert.Equal(t, []string{"create_lead", "update_client"}, p.ToolNames())
	assert.Equal(t, domain.RiskLow, p.RiskLevel)
	assert.Equal(t, "Anna", p.Steps[0].Args["name"])
	assert.NotNil(t, p.Steps[1].Args)

	p, err = ParsePlan(`{"steps":[{"tool":"create_lead"}]}`, cat)
	require.NoError(t, err)
	assert.Equal(t, domain.RiskHigh, p.RiskLevel, "missing risk is high")

	p, err = ParsePlan(`{"steps":[],"explanation":"You have 3 sessions tomorrow."}`, cat)
	require.NoError(t, err)
	assert.Empty(t, p.Steps)
}

func TestParsePlan_Errors(t *testing.T) {
	cat := testCat(t)
	for name, text := range map[string]string{
		"no json":       "I cannot help with that",
		"missing steps": `{"riskLevel":"low"}`,
		"steps object":  `{"steps":{"tool":"create_lead"}}`,
		"unknown tool":  `{"steps":[{"tool":"drop_database"}]}`,
		"empty tool":    `{"steps":[{"tool":" "}]}`,
		"broken":        `{"steps":[`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePlan(text, cat)
			var pge *domain.PlanGenerationError
			assert.True(t, errors.As(err, &pge), "got %v", err)
		})
	}
}

func TestGenerate_ChatStrategy(t *testing.T) {
	m := &fakeModel{replies: []string{`{"steps":[{"tool":"create_lead"}],"riskLevel":"low","explanation":"Creating lead"}`}}
	g := NewGenerator(catalog.Static(testCat(t)), factoryFor(m), nil, NewChatStrategy(testGuard(), 10), time.Second, zap.NewNop())

	d, err := g.Generate(context.Background(), execCtx(domain.ThreadPending), "add Anna as a lead")
	require.NoError(t, err)
	assert.Equal(t, "chat", d.Strategy)
	assert.Empty(t, d.ThreadRef)
	assert.NotEmpty(t, d.Plan.ID)

	require.Len(t, m.seen, 1)
	msgs := m.seen[0]
	assert.Equal(t, schema.System, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "Studio Aurora")
	assert.Contains(t, msgs[0].Content, "create_lead")
	last := msgs[len(msgs)-1]
	assert.Contains(t, last.Content, "add Anna as a lead")
	assert.Contains(t, last.Content, "client: Anna")
	assert.Len(t, msgs, 4, "system + 2 history + request")
}

func newThreads(t *testing.T) (*ThreadStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewThreadStore(rdb, time.Hour, 5), mr
}

func TestGenerate_PersonaCreatesAndReusesThread(t *testing.T) {
	threads, mr := newThreads(t)
	reply := `{"steps":[{"tool":"create_lead"}],"riskLevel":"low"}`
	m := &fakeModel{replies: []string{reply}}
	g := NewGenerator(catalog.Static(testCat(t)), factoryFor(m),
		NewPersonaStrategy(testGuard(), threads, "", zap.NewNop()), NewChatStrategy(testGuard(), 10), time.Second, zap.NewNop())

	d, err := g.Generate(context.Background(), execCtx(domain.ThreadPending), "first")
	require.NoError(t, err)
	assert.Equal(t, "persona", d.Strategy)
	require.True(t, strings.HasPrefix(d.ThreadRef, "thr_"))
	assert.True(t, mr.Exists("studio:threads:"+d.ThreadRef))

	d2, err := g.Generate(context.Background(), execCtx(d.ThreadRef), "second")
	require.NoError(t, err)
	assert.Equal(t, d.ThreadRef, d2.ThreadRef)

	// Второй вызов видит первый обмен из треда
	second := m.seen[1]
	assert.Len(t, second, 4, "system + user + assistant + request")
	assert.Equal(t, reply, second[2].Content)
}

func TestGenerate_PersonaFailureFallsBackToChat(t *testing.T) {
	threads, mr := newThreads(t)
	m := &fakeModel{replies: []string{`{"steps":[{"tool":"update_client"}],"riskLevel":"medium"}`}}
	g := NewGenerator(catalog.Static(testCat(t)), factoryFor(m),
		NewPersonaStrategy(testGuard(), threads, "", zap.NewNop()), NewChatStrategy(testGuard(), 10), time.Second, zap.NewNop())

	// Тред существует, но Redis недоступен
	mr.Close()
	d, err := g.Generate(context.Background(), execCtx("thr_old"), "update Anna")
	require.NoError(t, err)
	assert.Equal(t, "chat", d.Strategy)
	assert.Empty(t, d.ThreadRef)
}

// stuckStrategy отвечает только по истечении контекста.
type stuckStrategy struct{}

func (stuckStrategy) Name() string { return "stuck" }

func (stuckStrategy) Draft(ctx context.Context, _ model.BaseChatModel, _ *domain.ExecutionContext, _ *catalog.Catalog, _ string) (string, string, error) {
	<-ctx.Done()
	return "", "", ctx.Err()
}

func TestGenerate_StuckPersonaLeavesBudgetForChat(t *testing.T) {
	m := &fakeModel{replies: []string{`{"steps":[{"tool":"create_lead"}],"riskLevel":"low"}`}}
	g := NewGenerator(catalog.Static(testCat(t)), factoryFor(m),
		stuckStrategy{}, NewChatStrategy(testGuard(), 10), 200*time.Millisecond, zap.NewNop())

	d, err := g.Generate(context.Background(), execCtx("thr_old"), "new lead")
	require.NoError(t, err)
	assert.Equal(t, "chat", d.Strategy)
	assert.Len(t, d.Plan.Steps, 1)
}

func TestGenerate_ThreadPersistFailureKeepsCompletion(t *testing.T) {
	threads, mr := newThreads(t)
	m := &fakeModel{replies: []string{`{"steps":[{"tool":"create_lead"}],"riskLevel":"low"}`}}
	g := NewGenerator(catalog.Static(testCat(t)), factoryFor(m),
		NewPersonaStrategy(testGuard(), threads, "", zap.NewNop()), NewChatStrategy(testGuard(), 10), time.Second, zap.NewNop())

	// Новый тред не читает Redis, падает только запись
	mr.Close()
	d, err := g.Generate(context.Background(), execCtx(domain.ThreadPending), "new lead")
	require.NoError(t, err)
	assert.Equal(t, "persona", d.Strategy)
	assert.Empty(t, d.ThreadRef)
	assert.Len(t, m.seen, 1, "completion is not requested twice")
}

func TestGenerate_Errors(t *testing.T) {
	cat := catalog.Static(testCat(t))
	chat := NewChatStrategy(testGuard(), 10)
	var pge *domain.PlanGenerationError

	t.Run("timeout", func(t *testing.T) {
		m := &fakeModel{replies: []string{`{"steps":[]}`}, delay: time.Second}
		g := NewGenerator(cat, factoryFor(m), nil, chat, 20*time.Millisecond, zap.NewNop())
		_, err := g.Generate(context.Background(), execCtx(domain.ThreadPending), "x")
		require.True(t, errors.As(err, &pge))
		assert.Contains(t, pge.Reason, "timed out")
	})

	t.Run("model error", func(t *testing.T) {
		m := &fakeModel{err: errors.New("401 unauthorized")}
		g := NewGenerator(cat, factoryFor(m), nil, chat, time.Second, zap.NewNop())
		_, err := g.Generate(context.Background(), execCtx(domain.ThreadPending), "x")
		assert.True(t, errors.As(err, &pge))
	})

	t.Run("factory error", func(t *testing.T) {
		factory := func(context.Context, domain.Credentials) (model.BaseChatModel, error) {
			return nil, errors.New("no api key")
		}
		g := NewGenerator(cat, factory, nil, chat, time.Second, zap.NewNop())
		_, err := g.Generate(context.Background(), execCtx(domain.ThreadPending), "x")
		assert.True(t, errors.As(err, &pge))
	})

	t.Run("malformed reply", func(t *testing.T) {
		m := &fakeModel{replies: []string{"Sorry, I can't"}}
		g := NewGenerator(cat, factoryFor(m), nil, chat, time.Second, zap.NewNop())
		_, err := g.Generate(context.Background(), execCtx(domain.ThreadPending), "x")
		assert.True(t, errors.As(err, &pge))
	})

	t.Run("catalog missing", func(t *testing.T) {
		m := &fakeModel{replies: []string{`{"steps":[]}`}}
		g := NewGenerator(catalog.NewSource("/nonexistent/tools.yaml"), factoryFor(m), nil, chat, time.Second, zap.NewNop())
		_, err := g.Generate(context.Background(), execCtx(domain.ThreadPending), "x")
		var cfgErr *domain.ConfigurationError
		assert.True(t, errors.As(err, &cfgErr))
		assert.Empty(t, m.seen, "model is not called without a catalog")
	})
}
