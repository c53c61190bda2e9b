package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/studiocrm-agent/internal/secrets"
)

// GetSealedCredentials читает зашифрованные секреты. Расшифровка в secrets.Loader.
func (r *Repo) GetSealedCredentials(ctx context.Context, tenantID string) (*secrets.Record, error) {
	query := `
		SELECT tenant_id, currency, mail_host, mail_username, mail_from, model_name,
		       mail_password, payment_key, model_api_key
		FROM tenant_credentials
		WHERE tenant_id = $1`

	rec := &secrets.Record{}
	err := r.pool.QueryRow(ctx, query, tenantID).Scan(
		&rec.TenantID, &rec.Currency, &rec.MailHost, &rec.MailUsername, &rec.MailFrom, &rec.ModelName,
		&rec.MailPassword, &rec.PaymentKey, &rec.ModelAPIKey,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to get credentials: %w", err)
	}
	return rec, nil
}

// SaveSealedCredentials записывает уже зашифрованную запись (провижининг).
func (r *Repo) SaveSealedCredentials(ctx context.Context, rec *secrets.Record) error {
	query := `
		INSERT INTO tenant_credentials (tenant_id, currency, mail_host, mail_username, mail_from, model_name,
		                                mail_password, payment_key, model_api_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id) DO UPDATE SET
			currency = EXCLUDED.currency,
			mail_host = EXCLUDED.mail_host,
			mail_username = EXCLUDED.mail_username,
			mail_from = EXCLUDED.mail_from,
			model_name = EXCLUDED.model_name,
			mail_password = EXCLUDED.mail_password,
			payment_key = EXCLUDED.payment_key,
			model_api_key = EXCLUDED.model_api_key`

	_, err := r.pool.Exec(ctx, query,
		rec.TenantID, rec.Currency, rec.MailHost, rec.MailUsername, rec.MailFrom, rec.ModelName,
		rec.MailPassword, rec.PaymentKey, rec.ModelAPIKey,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to save credentials: %w", err)
	}
	return nil
}
