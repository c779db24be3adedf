package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testplanit/issuebridge/pkg/domain"
)

const authColumns = `id, user_id, integration_id, access_token, COALESCE(refresh_token, ''), token_expires_at, is_active, created_at, updated_at`

// UserIntegrationAuthRepository stores OAuth sessions. Token columns hold
// ciphertext produced by the encryption service.
type UserIntegrationAuthRepository struct {
	db DB
}

func NewUserIntegrationAuthRepository(db DB) *UserIntegrationAuthRepository {
	return &UserIntegrationAuthRepository{db: db}
}

func (r *UserIntegrationAuthRepository) GetActive(ctx context.Context, userID, integrationID string) (domain.UserIntegrationAuth, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+authColumns+` FROM user_integration_auths
		WHERE user_id = $1 AND integration_id = $2 AND is_active
		ORDER BY updated_at DESC LIMIT 1`,
		userID, integrationID,
	)

	auth, err := scanAuth(row)
	if err != nil {
		return domain.UserIntegrationAuth{}, notFound(err, "oauth session", userID+"/"+integrationID)
	}

	return auth, nil
}

func (r *UserIntegrationAuthRepository) GetLatestActive(ctx context.Context, integrationID string) (domain.UserIntegrationAuth, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+authColumns+` FROM user_integration_auths
		WHERE integration_id = $1 AND is_active
		ORDER BY updated_at DESC LIMIT 1`,
		integrationID,
	)

	auth, err := scanAuth(row)
	if err != nil {
		return domain.UserIntegrationAuth{}, notFound(err, "oauth session", integrationID)
	}

	return auth, nil
}

func (r *UserIntegrationAuthRepository) DeactivateAll(ctx context.Context, userID, integrationID string) error {
	return deactivateSessions(ctx, r.db, userID, integrationID)
}

// ReplaceActive swaps the user's active session for auth in one transaction.
// The advisory lock orders concurrent replacements for the same user, so the
// last one wins instead of tripping the unique active index.
func (r *UserIntegrationAuthRepository) ReplaceActive(ctx context.Context, auth domain.UserIntegrationAuth) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
			auth.UserID+"/"+auth.IntegrationID,
		)
		if err != nil {
			return fmt.Errorf("failed to lock oauth sessions: %w", err)
		}

		if err := deactivateSessions(ctx, tx, auth.UserID, auth.IntegrationID); err != nil {
			return err
		}

		return insertSession(ctx, tx, auth)
	})
}

func deactivateSessions(ctx context.Context, db DB, userID, integrationID string) error {
	_, err := db.Exec(ctx,
		`UPDATE user_integration_auths SET is_active = FALSE, updated_at = now()
		WHERE user_id = $1 AND integration_id = $2 AND is_active`,
		userID, integrationID,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate oauth sessions: %w", err)
	}

	return nil
}

func insertSession(ctx context.Context, db DB, auth domain.UserIntegrationAuth) error {
	now := time.Now().UTC()
	if auth.CreatedAt.IsZero() {
		auth.CreatedAt = now
	}
	if auth.UpdatedAt.IsZero() {
		auth.UpdatedAt = now
	}

	_, err := db.Exec(ctx,
		`INSERT INTO user_integration_auths
		(id, user_id, integration_id, access_token, refresh_token, token_expires_at, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)`,
		auth.ID,
		auth.UserID,
		auth.IntegrationID,
		auth.AccessToken,
		auth.RefreshToken,
		auth.TokenExpiresAt,
		auth.IsActive,
		auth.CreatedAt,
		auth.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create oauth session: %w", err)
	}

	return nil
}

func scanAuth(row pgx.Row) (domain.UserIntegrationAuth, error) {
	var auth domain.UserIntegrationAuth

	err := row.Scan(
		&auth.ID,
		&auth.UserID,
		&auth.IntegrationID,
		&auth.AccessToken,
		&auth.RefreshToken,
		&auth.TokenExpiresAt,
		&auth.IsActive,
		&auth.CreatedAt,
		&auth.UpdatedAt,
	)
	if err != nil {
		return domain.UserIntegrationAuth{}, err
	}

	return auth, nil
}
