package domain

import "time"

// ThreadPending сентинел: внешний тред еще не назначен сервисом completion.
const ThreadPending = "pending"

// DefaultHistoryLimit емкость истории диалога по умолчанию.
const DefaultHistoryLimit = 20

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session разговорная сессия пары (tenant, user).
type Session struct {
	ID              string                 `json:"id"`
	TenantID        string                 `json:"tenant_id"`
	UserID          string                 `json:"user_id"`
	ThreadRef       string                 `json:"thread_ref"`
	WorkingMemory   map[string]interface{} `json:"working_memory"`
	History         []Message              `json:"history"`
	LastSummary     string                 `json:"last_summary"`
	TurnCount       int                    `json:"turn_count"`
	CreatedAt       time.Time              `json:"created_at"`
	LastInteraction time.Time              `json:"last_interaction"`
}

func (s *Session) HasThread() bool {
	return s.ThreadRef != "" && s.ThreadRef != ThreadPending
}

// Clone копирует сессию. Значения WorkingMemory копируются поверхностно.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.WorkingMemory = make(map[string]interface{}, len(s.WorkingMemory))
	for k, v := range s.WorkingMemory {
		c.WorkingMemory[k] = v
	}
	c.History = append([]Message(nil), s.History...)
	return &c
}
