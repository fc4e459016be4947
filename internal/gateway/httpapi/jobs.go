package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/relay/internal/scheduler"
)

// JobRequest is the JSON body for POST /v1/jobs.
type JobRequest struct {
	Name            string `json:"name,omitempty"`
	Message         string `json:"message"`
	IntervalSeconds int64  `json:"interval_seconds,omitempty"`
	CronExpression  string `json:"cron_expression,omitempty"`
	Enabled         *bool  `json:"enabled,omitempty"` // absent = true
	DeliverResponse bool   `json:"deliver_response"`
	DeliverTo       string `json:"deliver_to,omitempty"`
	DeliverChannel  string `json:"deliver_channel,omitempty"`
}

func (g *Gateway) jobRoutes(v1 *okapi.Group) {
	v1.Post("/jobs", g.handleJobCreate,
		okapi.DocSummary("Create a scheduled job"),
		okapi.DocTags("Jobs"),
		okapi.DocRequestBody(JobRequest{}),
		okapi.DocResponse(http.StatusCreated, scheduler.Job{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	v1.Get("/jobs", g.handleJobList,
		okapi.DocSummary("List scheduled jobs"),
		okapi.DocTags("Jobs"),
		okapi.DocResponse([]scheduler.Job{}),
	)
	v1.Get("/jobs/{id}", g.handleJobGet,
		okapi.DocSummary("Get a job by ID"),
		okapi.DocTags("Jobs"),
		okapi.DocPathParam("id", "string", "Job ID"),
		okapi.DocResponse(scheduler.Job{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	v1.Delete("/jobs/{id}", g.handleJobDelete,
		okapi.DocSummary("Delete a job"),
		okapi.DocTags("Jobs"),
		okapi.DocPathParam("id", "string", "Job ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	v1.Post("/jobs/{id}/trigger", g.handleJobTrigger,
		okapi.DocSummary("Run a job now"),
		okapi.DocTags("Jobs"),
		okapi.DocPathParam("id", "string", "Job ID"),
		okapi.DocResponse(http.StatusAccepted, map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	v1.Post("/jobs/{id}/enable", g.handleJobEnable(true),
		okapi.DocSummary("Enable a job"),
		okapi.DocTags("Jobs"),
		okapi.DocPathParam("id", "string", "Job ID"),
		okapi.DocResponse(scheduler.Job{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	v1.Post("/jobs/{id}/disable", g.handleJobEnable(false),
		okapi.DocSummary("Disable a job"),
		okapi.DocTags("Jobs"),
		okapi.DocPathParam("id", "string", "Job ID"),
		okapi.DocResponse(scheduler.Job{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

func (g *Gateway) handleJobCreate(c *okapi.Context) error {
	var req JobRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	job := &scheduler.Job{
		Name:            req.Name,
		Message:         req.Message,
		Enabled:         enabled,
		IntervalSeconds: req.IntervalSeconds,
		CronExpression:  req.CronExpression,
		DeliverResponse: req.DeliverResponse,
		DeliverTo:       req.DeliverTo,
		DeliverChannel:  req.DeliverChannel,
	}
	if err := g.jobs.AddJob(c.Context(), job); err != nil {
		if errors.Is(err, scheduler.ErrInvalidJob) {
			return c.AbortBadRequest(err.Error())
		}
		g.logger.Error("creating job failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("creating job failed")
	}

	g.logger.Info("job created",
		slog.String("client", c.GetString("client")),
		slog.String("job_id", job.ID),
		slog.String("schedule", job.Schedule()),
	)
	return c.JSON(http.StatusCreated, job)
}

func (g *Gateway) handleJobList(c *okapi.Context) error {
	jobs, err := g.jobs.Jobs(c.Context())
	if err != nil {
		g.logger.Error("listing jobs failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing jobs failed")
	}
	if jobs == nil {
		jobs = []scheduler.Job{}
	}
	return c.OK(jobs)
}

func (g *Gateway) handleJobGet(c *okapi.Context) error {
	job, err := g.jobs.Job(c.Context(), c.Param("id"))
	if err != nil {
		return g.jobError(c, err)
	}
	return c.OK(job)
}

func (g *Gateway) handleJobDelete(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.jobs.RemoveJob(c.Context(), id); err != nil {
		return g.jobError(c, err)
	}
	g.logger.Info("job removed", slog.String("client", c.GetString("client")), slog.String("job_id", id))
	return c.OK(map[string]string{"status": "deleted", "id": id})
}

func (g *Gateway) handleJobTrigger(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.jobs.Trigger(c.Context(), id); err != nil {
		return g.jobError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "triggered", "id": id})
}

func (g *Gateway) handleJobEnable(enabled bool) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		job, err := g.jobs.SetEnabled(c.Context(), c.Param("id"), enabled)
		if err != nil {
			return g.jobError(c, err)
		}
		return c.OK(job)
	}
}

func (g *Gateway) jobError(c *okapi.Context, err error) error {
	if errors.Is(err, scheduler.ErrJobNotFound) {
		return notFound(c, "job not found")
	}
	g.logger.Error("job operation failed", slog.String("error", err.Error()))
	return c.AbortInternalServerError("job operation failed")
}
