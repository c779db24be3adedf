package controllers

import (
	"context"
	"strconv"
	"strings"

	"github.com/testplanit/issuebridge/internal/managers"
	"github.com/testplanit/issuebridge/internal/middlewares"
	"github.com/testplanit/issuebridge/pkg/domain"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

type AdapterManager interface {
	GetAdapter(ctx context.Context, integrationID string) (domain.IssueAdapter, error)
	ClearAdapter(integrationID string)
	ValidateIntegration(ctx context.Context, integrationID string) (managers.ValidationResult, error)
}

type CredentialStore interface {
	StoreAPIKey(ctx context.Context, integrationID string, credentials map[string]any) error
}

type IssueSyncService interface {
	QueueSync(ctx context.Context, userID, integrationID, projectID string, opts domain.SyncOptions) (string, error)
	QueueIssueRefresh(ctx context.Context, userID, integrationID, issueID string) (string, error)
	QueueCreateIssue(ctx context.Context, userID, integrationID string, data domain.CreateIssueData) (string, error)
	QueueUpdateIssue(ctx context.Context, userID, integrationID, issueID string, data domain.UpdateIssueData) (string, error)
	PerformCreateIssue(ctx context.Context, userID, integrationID string, data domain.CreateIssueData) (domain.IssueData, error)
	PerformUpdateIssue(ctx context.Context, userID, integrationID, issueID string, data domain.UpdateIssueData) (domain.IssueData, error)
}

type IntegrationControllerDependencies struct {
	Adapters    AdapterManager
	Credentials CredentialStore
	SyncService IssueSyncService
}

// IntegrationController serves issue operations of one integration.
type IntegrationController struct {
	adapters    AdapterManager
	credentials CredentialStore
	sync        IssueSyncService
}

func NewIntegrationController(deps IntegrationControllerDependencies) *IntegrationController {
	return &IntegrationController{
		adapters:    deps.Adapters,
		credentials: deps.Credentials,
		sync:        deps.SyncService,
	}
}

type SyncRequest struct {
	ProjectID       string `json:"projectId"`
	RefreshMetadata bool   `json:"refreshMetadata"`
}

type JobResponse struct {
	JobID string `json:"jobId"`
}

func (c *IntegrationController) Sync(ctx fiber.Ctx) error {
	var req SyncRequest

	if len(ctx.Body()) > 0 {
		if err := ctx.Bind().Body(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
		}
	}

	integrationID := ctx.Params("id")

	jobID, err := c.sync.QueueSync(ctx.RequestCtx(), userID(ctx), integrationID, req.ProjectID, domain.SyncOptions{
		RefreshMetadata: req.RefreshMetadata,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("integration_id", integrationID).
		Str("project_id", req.ProjectID).
		Str("job_id", jobID).
		Msg("Sync queued")

	return ctx.Status(fiber.StatusAccepted).JSON(JobResponse{JobID: jobID})
}

// CreateIssue creates the issue remotely, or queues the creation when
// ?async=true.
func (c *IntegrationController) CreateIssue(ctx fiber.Ctx) error {
	var req domain.CreateIssueData

	if err := ctx.Bind().Body(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	if strings.TrimSpace(req.Title) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "title is required")
	}

	integrationID := ctx.Params("id")

	if isAsync(ctx) {
		jobID, err := c.sync.QueueCreateIssue(ctx.RequestCtx(), userID(ctx), integrationID, req)
		if err != nil {
			return err
		}
		return ctx.Status(fiber.StatusAccepted).JSON(JobResponse{JobID: jobID})
	}

	issue, err := c.sync.PerformCreateIssue(ctx.RequestCtx(), userID(ctx), integrationID, req)
	if err != nil {
		return err
	}

	return ctx.Status(fiber.StatusCreated).JSON(issue)
}

func (c *IntegrationController) UpdateIssue(ctx fiber.Ctx) error {
	var req domain.UpdateIssueData

	if err := ctx.Bind().Body(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	integrationID := ctx.Params("id")
	issueID := ctx.Params("issueID")

	if isAsync(ctx) {
		jobID, err := c.sync.QueueUpdateIssue(ctx.RequestCtx(), userID(ctx), integrationID, issueID, req)
		if err != nil {
			return err
		}
		return ctx.Status(fiber.StatusAccepted).JSON(JobResponse{JobID: jobID})
	}

	issue, err := c.sync.PerformUpdateIssue(ctx.RequestCtx(), userID(ctx), integrationID, issueID, req)
	if err != nil {
		return err
	}

	return ctx.JSON(issue)
}

// RefreshIssue queues a re-sync of one mirror row. issueID is the local row id.
func (c *IntegrationController) RefreshIssue(ctx fiber.Ctx) error {
	jobID, err := c.sync.QueueIssueRefresh(ctx.RequestCtx(), userID(ctx), ctx.Params("id"), ctx.Params("issueID"))
	if err != nil {
		return err
	}

	return ctx.Status(fiber.StatusAccepted).JSON(JobResponse{JobID: jobID})
}

func (c *IntegrationController) SearchIssues(ctx fiber.Ctx) error {
	opts := domain.IssueSearchOptions{
		Query:     ctx.Query("query"),
		ProjectID: ctx.Query("projectId"),
		Status:    splitList(ctx.Query("status")),
		Assignee:  ctx.Query("assignee"),
		Labels:    splitList(ctx.Query("labels")),
	}

	var err error
	if opts.Limit, err = queryInt(ctx, "limit"); err != nil {
		return err
	}
	if opts.Offset, err = queryInt(ctx, "offset"); err != nil {
		return err
	}

	adapter, err := c.adapters.GetAdapter(ctx.RequestCtx(), ctx.Params("id"))
	if err != nil {
		return err
	}

	result, err := adapter.SearchIssues(ctx.RequestCtx(), opts)
	if err != nil {
		return err
	}

	return ctx.JSON(result)
}

func (c *IntegrationController) Validate(ctx fiber.Ctx) error {
	result, err := c.adapters.ValidateIntegration(ctx.RequestCtx(), ctx.Params("id"))
	if err != nil {
		return err
	}

	return ctx.JSON(result)
}

// StoreCredentials saves API key or personal access token credentials.
func (c *IntegrationController) StoreCredentials(ctx fiber.Ctx) error {
	var credentials map[string]any

	if err := ctx.Bind().Body(&credentials); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	if err := c.credentials.StoreAPIKey(ctx.RequestCtx(), ctx.Params("id"), credentials); err != nil {
		return err
	}

	return ctx.SendStatus(fiber.StatusNoContent)
}

func (c *IntegrationController) ClearAdapter(ctx fiber.Ctx) error {
	c.adapters.ClearAdapter(ctx.Params("id"))

	return ctx.SendStatus(fiber.StatusNoContent)
}

func userID(ctx fiber.Ctx) string {
	return ctx.Get(middlewares.HeaderUserID)
}

func isAsync(ctx fiber.Ctx) bool {
	async, _ := strconv.ParseBool(ctx.Query("async"))
	return async
}

func queryInt(ctx fiber.Ctx, key string) (int, error) {
	raw := ctx.Query(key)
	if raw == "" {
		return 0, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, key+" must be a non-negative integer")
	}

	return value, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}

	var values []string
	for _, value := range strings.Split(raw, ",") {
		if value = strings.TrimSpace(value); value != "" {
			values = append(values, value)
		}
	}
	return values
}
