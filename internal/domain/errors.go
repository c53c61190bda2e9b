package domain

import (
	"errors"
	"fmt"
)

// AuthorizationError у контекста нет требуемого полномочия.
type AuthorizationError struct {
	Authority Authority
	Reason    string
}

func (e *AuthorizationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("authorization: %s (authority %s)", e.Reason, e.Authority)
	}
	return fmt.Sprintf("authorization: missing authority %s", e.Authority)
}

// PlanGenerationError план не получен или не прошел проверку формы.
// Вызывающий код может откатиться на упрощенный путь исполнения.
type PlanGenerationError struct {
	Reason string
	Err    error
}

func (e *PlanGenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plan generation: %s: %v", e.Reason, e.Err)
	}
	return "plan generation: " + e.Reason
}

func (e *PlanGenerationError) Unwrap() error { return e.Err }

// ToolNotFoundError каталог и реестр инструментов рассинхронизированы.
type ToolNotFoundError struct {
	Tool string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q is not registered", e.Tool)
}

// ToolExecutionError отказ одного шага плана.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// CredentialLoadError для секретов безопасного значения по умолчанию нет: ход прерывается.
type CredentialLoadError struct {
	TenantID string
	Err      error
}

func (e *CredentialLoadError) Error() string {
	return fmt.Sprintf("credentials for tenant %s: %v", e.TenantID, e.Err)
}

func (e *CredentialLoadError) Unwrap() error { return e.Err }

// AuditWriteError всегда поглощается и пишется только в операционный лог.
type AuditWriteError struct {
	Entries int
	Err     error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("audit write of %d entries failed: %v", e.Entries, e.Err)
}

func (e *AuditWriteError) Unwrap() error { return e.Err }

// ConfigurationError ошибка конфигурации (например, каталог инструментов не загружен).
type ConfigurationError struct {
	Component string
	Err       error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %v", e.Component, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ErrRolledBack инструмент сам откатил частичную запись. Executor пишет в аудит rolled_back.
var ErrRolledBack = errors.New("tool rolled back its changes")
