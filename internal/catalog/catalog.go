// Package catalog описывает доступные ассистенту инструменты: какое полномочие нужно,
// критичен ли шаг, какие аргументы несут сумму, получателей и изменяемые поля.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/xela07ax/studiocrm-agent/internal/domain"
	"gopkg.in/yaml.v3"
)

type ToolSpec struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Authority   domain.Authority `yaml:"authority"`

	// Critical явный флаг. Если не задан, критичными считаются create/send инструменты.
	Critical  *bool `yaml:"critical"`
	Sensitive bool  `yaml:"sensitive"`
	Email     bool  `yaml:"email"`

	Table         string `yaml:"table"`
	IDArg         string `yaml:"id_arg"`
	AmountArg     string `yaml:"amount_arg"`
	RecipientsArg string `yaml:"recipients_arg"`
	FieldsArg     string `yaml:"fields_arg"` // объект с изменяемыми полями; пусто - все аргументы
}

func (s ToolSpec) IsCritical() bool {
	if s.Critical != nil {
		return *s.Critical
	}
	return strings.Contains(s.Name, "create") || strings.Contains(s.Name, "send")
}

// IsRead инструмент только читает данные тенанта.
func (s ToolSpec) IsRead() bool {
	return s.Authority == domain.AuthorityReadData
}

type Catalog struct {
	tools map[string]ToolSpec
	order []string
}

type file struct {
	Tools []ToolSpec `yaml:"tools"`
}

// Parse разбирает YAML и проверяет записи.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if len(f.Tools) == 0 {
		return nil, fmt.Errorf("catalog has no tools")
	}

	c := &Catalog{tools: make(map[string]ToolSpec, len(f.Tools))}
	for i, t := range f.Tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tool #%d: name is empty", i+1)
		}
		if t.Authority == "" {
			return nil, fmt.Errorf("tool %s: authority is empty", t.Name)
		}
		if _, dup := c.tools[t.Name]; dup {
			return nil, fmt.Errorf("tool %s: declared twice", t.Name)
		}
		c.tools[t.Name] = t
		c.order = append(c.order, t.Name)
	}
	return c, nil
}

func (c *Catalog) Get(name string) (ToolSpec, bool) {
	t, ok := c.tools[name]
	return t, ok
}

// Names в порядке объявления в файле.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.order...)
}

// Specs в порядке объявления в файле.
func (c *Catalog) Specs() []ToolSpec {
	out := make([]ToolSpec, 0, len(c.order))
	for _, n := range c.order {
		out = append(out, c.tools[n])
	}
	return out
}

// Describe перечисление для промпта планировщика.
func (c *Catalog) Describe() string {
	var b strings.Builder
	for _, t := range c.Specs() {
		fmt.Fprintf(&b, "- %s: %s (requires %s)\n", t.Name, t.Description, t.Authority)
	}
	return b.String()
}

// SensitiveNames инструменты, помеченные в каталоге как чувствительные.
func (c *Catalog) SensitiveNames() []string {
	var out []string
	for _, n := range c.order {
		if c.tools[n].Sensitive {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// Source лениво загружает каталог из файла и держит его в памяти.
// Ошибка загрузки не кэшируется: следующий вызов попробует снова.
type Source struct {
	path string

	mu  sync.Mutex
	cat *Catalog
}

func NewSource(path string) *Source {
	return &Source{path: path}
}

func (s *Source) Catalog() (*Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cat != nil {
		return s.cat, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, &domain.ConfigurationError{Component: "tool catalog", Err: err}
	}
	cat, err := Parse(data)
	if err != nil {
		return nil, &domain.ConfigurationError{Component: "tool catalog", Err: err}
	}
	s.cat = cat
	return cat, nil
}

// Static источник поверх уже разобранного каталога.
func Static(c *Catalog) *Source {
	return &Source{cat: c}
}
