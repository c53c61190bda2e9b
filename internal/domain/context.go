package domain

// ExecutionContext неизменяемый снимок всего, что нужно для одного хода ассистента.
// Поля закрыты, геттеры отдают копии. Контекст пересобирается на каждый ход.
type ExecutionContext struct {
	tenantID    string
	userID      string
	tenantName  string
	policy      Policy
	credentials Credentials
	session     *Session
	traceID     string
}

func NewExecutionContext(tenantID, userID, tenantName string, p Policy, creds Credentials, sess *Session, traceID string) *ExecutionContext {
	return &ExecutionContext{
		tenantID:    tenantID,
		userID:      userID,
		tenantName:  tenantName,
		policy:      p.Clone(),
		credentials: creds,
		session:     sess.Clone(),
		traceID:     traceID,
	}
}

func (c *ExecutionContext) TenantID() string   { return c.tenantID }
func (c *ExecutionContext) UserID() string     { return c.userID }
func (c *ExecutionContext) TenantName() string { return c.tenantName }
func (c *ExecutionContext) TraceID() string    { return c.traceID }

func (c *ExecutionContext) Policy() Policy { return c.policy.Clone() }

func (c *ExecutionContext) Credentials() Credentials { return c.credentials }

// Session отдает копию снимка сессии на момент сборки контекста.
func (c *ExecutionContext) Session() *Session { return c.session.Clone() }

// SessionID удобный доступ без копирования всей истории.
func (c *ExecutionContext) SessionID() string {
	if c.session == nil {
		return ""
	}
	return c.session.ID
}

// ThreadRef внешний тред планировщика или ThreadPending.
func (c *ExecutionContext) ThreadRef() string {
	if c.session == nil || c.session.ThreadRef == "" {
		return ThreadPending
	}
	return c.session.ThreadRef
}
