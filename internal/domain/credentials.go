package domain

import "encoding/json"

const redacted = "[REDACTED]"

// Secret хранит расшифрованное значение и не печатает его ни в логах, ни в JSON.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Reveal отдает реальное значение. Вызывать только там, где секрет уходит во внешний клиент.
func (s Secret) Reveal() string { return string(s) }

func (s Secret) IsSet() bool { return s != "" }

type MailCredentials struct {
	Host     string `json:"host"`
	Username string `json:"username"`
	From     string `json:"from"`
	Password Secret `json:"password"`
}

// Credentials расшифрованные интеграционные секреты тенанта.
type Credentials struct {
	TenantID    string          `json:"tenant_id"`
	Currency    string          `json:"currency"`
	Mail        MailCredentials `json:"mail"`
	PaymentKey  Secret          `json:"payment_key"`
	ModelAPIKey Secret          `json:"model_api_key"`
	ModelName   string          `json:"model_name"`
}
