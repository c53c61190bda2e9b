// Package secrets загружает и расшифровывает учетные данные тенанта.
// В отличие от политики, у секретов нет безопасного значения по умолчанию:
// любая ошибка прерывает ход ассистента.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/studiocrm-agent/internal/domain"
	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("credentials not provisioned")
	ErrNoKey    = errors.New("master key is not configured")
)

// Record строка хранилища. Секретные поля зашифрованы Box, пустое значение означает "не задано".
type Record struct {
	TenantID     string
	Currency     string
	MailHost     string
	MailUsername string
	MailFrom     string
	ModelName    string

	MailPassword []byte
	PaymentKey   []byte
	ModelAPIKey  []byte
}

type Repository interface {
	// GetSealedCredentials возвращает nil, nil если записи нет.
	GetSealedCredentials(ctx context.Context, tenantID string) (*Record, error)
}

type Loader struct {
	repo    Repository
	box     *Box
	timeout time.Duration
	logger  *zap.Logger
}

func NewLoader(repo Repository, box *Box, timeout time.Duration, logger *zap.Logger) *Loader {
	return &Loader{
		repo:    repo,
		box:     box,
		timeout: timeout,
		logger:  logger.Named("credentials"),
	}
}

func (l *Loader) Load(ctx context.Context, tenantID string) (domain.Credentials, error) {
	fail := func(err error) (domain.Credentials, error) {
		// Сами секреты в лог не попадают, только факт отказа
		l.logger.Error("credential load failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return domain.Credentials{}, &domain.CredentialLoadError{TenantID: tenantID, Err: err}
	}

	lctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	rec, err := l.repo.GetSealedCredentials(lctx, tenantID)
	if err != nil {
		return fail(err)
	}
	if rec == nil {
		return fail(ErrNotFound)
	}

	mailPassword, err := l.open("mail_password", rec.MailPassword)
	if err != nil {
		return fail(err)
	}
	paymentKey, err := l.open("payment_key", rec.PaymentKey)
	if err != nil {
		return fail(err)
	}
	modelKey, err := l.open("model_api_key", rec.ModelAPIKey)
	if err != nil {
		return fail(err)
	}

	return domain.Credentials{
		TenantID: tenantID,
		Currency: rec.Currency,
		Mail: domain.MailCredentials{
			Host:     rec.MailHost,
			Username: rec.MailUsername,
			From:     rec.MailFrom,
			Password: mailPassword,
		},
		PaymentKey:  paymentKey,
		ModelAPIKey: modelKey,
		ModelName:   rec.ModelName,
	}, nil
}

func (l *Loader) open(field string, sealed []byte) (domain.Secret, error) {
	if len(sealed) == 0 {
		return "", nil
	}
	if l.box == nil {
		return "", fmt.Errorf("%s: %w", field, ErrNoKey)
	}
	plain, err := l.box.Open(sealed)
	if err != nil {
		return "", fmt.Errorf("%s: %w", field, err)
	}
	return domain.Secret(plain), nil
}

// SealRecord шифрует открытые значения для записи в хранилище (провижининг тенанта).
func SealRecord(box *Box, c domain.Credentials) (*Record, error) {
	rec := &Record{
		TenantID:     c.TenantID,
		Currency:     c.Currency,
		MailHost:     c.Mail.Host,
		MailUsername: c.Mail.Username,
		MailFrom:     c.Mail.From,
		ModelName:    c.ModelName,
	}
	for _, f := range []struct {
		dst   *[]byte
		value domain.Secret
	}{
		{&rec.MailPassword, c.Mail.Password},
		{&rec.PaymentKey, c.PaymentKey},
		{&rec.ModelAPIKey, c.ModelAPIKey},
	} {
		if !f.value.IsSet() {
			continue
		}
		sealed, err := box.Seal([]byte(f.value.Reveal()))
		if err != nil {
			return nil, err
		}
		*f.dst = sealed
	}
	return rec, nil
}
