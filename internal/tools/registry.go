// Package tools реестр исполняемых инструментов ассистента.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xela07ax/studiocrm-agent/internal/catalog"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
)

// Tool исполняет один шаг плана. Результат сериализуем в JSON.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, args map[string]interface{}, ec *domain.ExecutionContext) (interface{}, error)
}

// Snapshotter опционально: состояние цели до и после шага для аудита.
type Snapshotter interface {
	Snapshot(ctx context.Context, args map[string]interface{}, ec *domain.ExecutionContext) (interface{}, error)
}

// Func адаптер обычной функции к Tool.
type Func struct {
	ToolName string
	Fn       func(ctx context.Context, args map[string]interface{}, ec *domain.ExecutionContext) (interface{}, error)
}

func (f Func) Name() string { return f.ToolName }

func (f Func) Invoke(ctx context.Context, args map[string]interface{}, ec *domain.ExecutionContext) (interface{}, error) {
	return f.Fn(ctx, args, ec)
}

type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

func (r *Registry) Lookup(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, &domain.ToolNotFoundError{Tool: name}
	}
	return t, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Verify проверка при старте: каждый инструмент каталога должен резолвиться в реестре.
func (r *Registry) Verify(c *catalog.Catalog) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for _, n := range c.Names() {
		if _, ok := r.tools[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return &domain.ConfigurationError{
			Component: "tool registry",
			Err:       fmt.Errorf("catalog tools without implementation: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
