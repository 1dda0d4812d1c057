package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/lara-orchestrator/internal/gateway/domain"
	"github.com/cuongbtq/lara-orchestrator/internal/gateway/dto"
	"github.com/cuongbtq/lara-orchestrator/internal/gateway/model"
	"github.com/cuongbtq/lara-orchestrator/internal/gateway/service"
	"github.com/cuongbtq/lara-orchestrator/internal/gateway/storage"
	"github.com/cuongbtq/lara-orchestrator/internal/queue"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SubmitJob handles POST /api/v1/jobs
// Enqueues one task per requested stage and answers 202: the job is
// accepted, not completed.
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	stages, err := queue.ParseStages(req.RequestedStages)
	if err != nil {
		h.logger.Error("Invalid requested stages", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	sub, err := h.submitter.Submit(c.Request.Context(), service.Request{
		SourceReference: req.SourceReference,
		ImageID:         req.ImageID,
		Stages:          stages,
		Source:          domain.SourceAPI,
	})
	if err != nil {
		h.writeSubmitError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, dto.SubmitJobResponse{
		JobID:       sub.JobID,
		Status:      "accepted",
		Stages:      queue.Names(sub.Stages),
		SubmittedAt: sub.SubmittedAt.Format(time.RFC3339),
	})
}

func (h *JobHandler) writeSubmitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
	case errors.Is(err, domain.ErrBrokerUnavailable):
		h.logger.Error("Broker unavailable", slog.String("error", err.Error()))
		body := gin.H{
			"error": "Broker unavailable",
		}
		var partial *domain.PartialEnqueueError
		if errors.As(err, &partial) {
			body["job_id"] = partial.JobID
			body["enqueued_stages"] = partial.Enqueued
		}
		c.JSON(http.StatusServiceUnavailable, body)
	default:
		h.logger.Error("Failed to submit job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to submit job",
		})
	}
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the recorded job and the per-stage write state
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.jobs.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	resp := toJobDTO(job)
	if h.ledger != nil {
		records, err := h.ledger.Get(c.Request.Context(), jobID)
		if err != nil {
			h.logger.Warn("Failed to read ledger", slog.String("job_id", jobID), slog.String("error", err.Error()))
		}
		for _, r := range records {
			resp.Results = append(resp.Results, dto.StageDTO{
				Stage:     r.Stage,
				State:     string(r.State),
				Attempts:  r.Attempts,
				Detail:    r.Detail,
				UpdatedAt: r.UpdatedAt.Format(time.RFC3339),
			})
		}
	}

	c.JSON(http.StatusOK, resp)
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}

	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.jobs.ListJobs(c.Request.Context(), storage.JobFilter{
		ImageID:  req.ImageID,
		Source:   req.Source,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = toJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

func toJobDTO(job *model.Job) dto.JobDTO {
	return dto.JobDTO{
		JobID:           job.JobID,
		SourceReference: job.SourceReference,
		ImageID:         job.ImageID,
		Stages:          job.Stages,
		Source:          job.Source,
		Status:          job.Status,
		CreatedAt:       job.CreatedAt.Format(time.RFC3339),
	}
}
