package controllers

import (
	"context"

	"github.com/testplanit/issuebridge/pkg/domain"

	"github.com/gofiber/fiber/v3"
)

type JobReader interface {
	Get(ctx context.Context, jobID string) (domain.SyncJob, error)
}

type JobController struct {
	jobs JobReader
}

func NewJobController(jobs JobReader) *JobController {
	return &JobController{jobs: jobs}
}

func (c *JobController) GetJob(ctx fiber.Ctx) error {
	job, err := c.jobs.Get(ctx.RequestCtx(), ctx.Params("jobID"))
	if err != nil {
		return err
	}

	return ctx.JSON(job)
}
