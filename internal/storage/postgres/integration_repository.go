package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testplanit/issuebridge/pkg/domain"
)

const integrationColumns = `id, name, provider, auth_type, status, settings, credentials, created_at, updated_at`

type IntegrationRepository struct {
	db DB
}

func NewIntegrationRepository(db DB) *IntegrationRepository {
	return &IntegrationRepository{db: db}
}

func (r *IntegrationRepository) GetByID(ctx context.Context, id string) (domain.Integration, error) {
	row := r.db.QueryRow(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE id = $1`, id)

	integration, err := scanIntegration(row)
	if err != nil {
		return domain.Integration{}, notFound(err, "integration", id)
	}

	return integration, nil
}

func (r *IntegrationRepository) ListActive(ctx context.Context) ([]domain.Integration, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE status = $1 ORDER BY created_at`,
		string(domain.IntegrationStatus_Active),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	defer rows.Close()

	integrations := []domain.Integration{}
	for rows.Next() {
		integration, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		integrations = append(integrations, integration)
	}

	return integrations, rows.Err()
}

func (r *IntegrationRepository) UpdateSettings(ctx context.Context, id string, settings map[string]any) error {
	if settings == nil {
		settings = map[string]any{}
	}

	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE integrations SET settings = $2, updated_at = now() WHERE id = $1`,
		id, settingsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to update integration settings: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Resource: "integration", ID: id}
	}

	return nil
}

func (r *IntegrationRepository) UpdateCredentials(ctx context.Context, id string, credentials json.RawMessage, status domain.IntegrationStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE integrations SET credentials = $2, status = $3, updated_at = now() WHERE id = $1`,
		id, []byte(credentials), string(status),
	)
	if err != nil {
		return fmt.Errorf("failed to update integration credentials: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Resource: "integration", ID: id}
	}

	return nil
}

// PutOAuthState rewrites only the oauthStates key in one statement, so
// concurrent puts and takes on the same integration do not lose each other's
// writes.
func (r *IntegrationRepository) PutOAuthState(ctx context.Context, id, state string, pending domain.PendingOAuthState, now time.Time) error {
	pendingJSON, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("failed to marshal OAuth state: %w", err)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE integrations SET settings = jsonb_set(
			COALESCE(settings, '{}'::jsonb),
			'{oauthStates}',
			COALESCE((
				SELECT jsonb_object_agg(key, value)
				FROM jsonb_each(COALESCE(settings->'oauthStates', '{}'::jsonb))
				WHERE (value->>'expiresAt')::timestamptz > $4
			), '{}'::jsonb) || jsonb_build_object($2::text, $3::jsonb)
		), updated_at = now()
		WHERE id = $1`,
		id, state, pendingJSON, now,
	)
	if err != nil {
		return fmt.Errorf("failed to store OAuth state: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Resource: "integration", ID: id}
	}

	return nil
}

// TakeOAuthState locks the row only when it still holds the state. A second
// caller waiting on the lock re-checks the condition and finds nothing.
func (r *IntegrationRepository) TakeOAuthState(ctx context.Context, id, state string) (domain.PendingOAuthState, error) {
	var pendingJSON []byte

	err := r.db.QueryRow(ctx,
		`WITH taken AS (
			SELECT id, settings->'oauthStates'->$2::text AS pending
			FROM integrations
			WHERE id = $1 AND settings->'oauthStates' ? $2::text
			FOR UPDATE
		)
		UPDATE integrations AS i
		SET settings = i.settings #- ARRAY['oauthStates', $2::text], updated_at = now()
		FROM taken
		WHERE i.id = taken.id
		RETURNING taken.pending`,
		id, state,
	).Scan(&pendingJSON)
	if err != nil {
		return domain.PendingOAuthState{}, notFound(err, "OAuth state", state)
	}

	var pending domain.PendingOAuthState
	if err := json.Unmarshal(pendingJSON, &pending); err != nil {
		return domain.PendingOAuthState{}, fmt.Errorf("failed to decode OAuth state: %w", err)
	}

	return pending, nil
}

func scanIntegration(row pgx.Row) (domain.Integration, error) {
	var (
		integration     domain.Integration
		provider        string
		authType        string
		status          string
		settingsJSON    []byte
		credentialsJSON []byte
	)

	err := row.Scan(
		&integration.ID,
		&integration.Name,
		&provider,
		&authType,
		&status,
		&settingsJSON,
		&credentialsJSON,
		&integration.CreatedAt,
		&integration.UpdatedAt,
	)
	if err != nil {
		return domain.Integration{}, err
	}

	integration.Provider = domain.IntegrationProvider(provider)
	integration.AuthType = domain.IntegrationAuthType(authType)
	integration.Status = domain.IntegrationStatus(status)
	integration.Credentials = json.RawMessage(credentialsJSON)

	integration.Settings = map[string]any{}
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &integration.Settings); err != nil {
			return domain.Integration{}, fmt.Errorf("failed to decode settings of integration %s: %w", integration.ID, err)
		}
	}

	return integration, nil
}
