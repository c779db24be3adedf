package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/testplanit/issuebridge/pkg/domain"
)

const issueColumns = `id, name, title, COALESCE(description, ''), COALESCE(status, ''), COALESCE(priority, ''),
	COALESCE(external_id, ''), COALESCE(external_key, ''), COALESCE(external_url, ''), COALESCE(external_status, ''),
	external_data, COALESCE(issue_type_id, ''), COALESCE(issue_type_name, ''), COALESCE(issue_type_icon_url, ''),
	integration_id, COALESCE(project_id, ''), last_synced_at, created_at, updated_at`

// IssueRepository reads and updates the local mirror rows. Rows are created
// by the host application, never by sync.
type IssueRepository struct {
	db DB
}

func NewIssueRepository(db DB) *IssueRepository {
	return &IssueRepository{db: db}
}

func (r *IssueRepository) GetByID(ctx context.Context, id string) (domain.Issue, error) {
	row := r.db.QueryRow(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = $1`, id)

	issue, err := scanIssue(row)
	if err != nil {
		return domain.Issue{}, notFound(err, "issue", id)
	}

	return issue, nil
}

func (r *IssueRepository) Count(ctx context.Context, filter domain.IssueFilter) (int, error) {
	where, args := issueFilterClause(filter)

	var count int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM issues WHERE `+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count issues: %w", err)
	}

	return count, nil
}

func (r *IssueRepository) List(ctx context.Context, filter domain.IssueFilter, offset, limit int) ([]domain.Issue, error) {
	where, args := issueFilterClause(filter)
	args = append(args, limit, offset)

	query := fmt.Sprintf(`SELECT %s FROM issues WHERE %s ORDER BY created_at, id LIMIT $%d OFFSET $%d`,
		issueColumns, where, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}

	return collectIssues(rows)
}

func (r *IssueRepository) FindByExternalRef(ctx context.Context, integrationID string, refs []string) (domain.Issue, error) {
	candidates := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref != "" {
			candidates = append(candidates, ref)
		}
	}

	if len(candidates) == 0 {
		return domain.Issue{}, &domain.NotFoundError{Resource: "issue", ID: integrationID}
	}

	row := r.db.QueryRow(ctx,
		`SELECT `+issueColumns+` FROM issues
		WHERE integration_id = $1 AND (external_id = ANY($2) OR external_key = ANY($2) OR name = ANY($2))
		ORDER BY updated_at DESC LIMIT 1`,
		integrationID, candidates,
	)

	issue, err := scanIssue(row)
	if err != nil {
		return domain.Issue{}, notFound(err, "issue", candidates[0])
	}

	return issue, nil
}

func (r *IssueRepository) Update(ctx context.Context, id string, update domain.IssueUpdate) error {
	var externalData []byte
	if update.ExternalData != nil {
		encoded, err := json.Marshal(update.ExternalData)
		if err != nil {
			return fmt.Errorf("failed to marshal external data: %w", err)
		}
		externalData = encoded
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE issues SET
			name = $2,
			title = $3,
			description = $4,
			status = $5,
			priority = $6,
			external_id = $7,
			external_key = $8,
			external_url = $9,
			external_status = $10,
			external_data = $11,
			issue_type_id = $12,
			issue_type_name = $13,
			issue_type_icon_url = $14,
			last_synced_at = $15,
			updated_at = now()
		WHERE id = $1`,
		id,
		update.Name,
		update.Title,
		update.Description,
		update.Status,
		update.Priority,
		update.ExternalID,
		update.ExternalKey,
		update.ExternalURL,
		update.ExternalStatus,
		externalData,
		update.IssueTypeID,
		update.IssueTypeName,
		update.IssueTypeIconURL,
		update.LastSyncedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update issue: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Resource: "issue", ID: id}
	}

	return nil
}

func issueFilterClause(filter domain.IssueFilter) (string, []any) {
	if filter.ProjectID == "" {
		return `integration_id = $1`, []any{filter.IntegrationID}
	}
	return `integration_id = $1 AND project_id = $2`, []any{filter.IntegrationID, filter.ProjectID}
}

func collectIssues(rows pgx.Rows) ([]domain.Issue, error) {
	defer rows.Close()

	issues := []domain.Issue{}
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read issues: %w", err)
	}

	return issues, nil
}

func scanIssue(row pgx.Row) (domain.Issue, error) {
	var (
		issue        domain.Issue
		externalData []byte
	)

	err := row.Scan(
		&issue.ID,
		&issue.Name,
		&issue.Title,
		&issue.Description,
		&issue.Status,
		&issue.Priority,
		&issue.ExternalID,
		&issue.ExternalKey,
		&issue.ExternalURL,
		&issue.ExternalStatus,
		&externalData,
		&issue.IssueTypeID,
		&issue.IssueTypeName,
		&issue.IssueTypeIconURL,
		&issue.IntegrationID,
		&issue.ProjectID,
		&issue.LastSyncedAt,
		&issue.CreatedAt,
		&issue.UpdatedAt,
	)
	if err != nil {
		return domain.Issue{}, err
	}

	if len(externalData) > 0 {
		if err := json.Unmarshal(externalData, &issue.ExternalData); err != nil {
			return domain.Issue{}, fmt.Errorf("failed to decode external data of issue %s: %w", issue.ID, err)
		}
	}

	return issue, nil
}
