package http

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"kwenrich/internal/store"
	"kwenrich/internal/worker"
)

func serviceFrom(c *fiber.Ctx) Service {
	return c.Locals("service").(Service)
}

func statsHandler(c *fiber.Ctx) error {
	svc := serviceFrom(c)

	st, err := svc.GetStatus(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "STATS_FAILED",
			Error:   err.Error(),
		})
	}
	return c.JSON(fiber.Map{"success": true, "status": st})
}

func badJobID(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Success: false,
		Code:    "BAD_REQUEST",
		Error:   "invalid job id",
	})
}

func jobNotFound(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
		Success: false,
		Code:    "NOT_FOUND",
		Error:   "job not found",
	})
}

func jobDetailHandler(c *fiber.Ctx) error {
	svc := serviceFrom(c)

	jobID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badJobID(c)
	}

	job, err := svc.JobStatus(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return jobNotFound(c)
		}
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "JOB_LOOKUP_FAILED",
			Error:   err.Error(),
		})
	}

	var percent float64
	if job.Progress.Total > 0 {
		percent = float64(job.Progress.Processed) / float64(job.Progress.Total) * 100
	}
	return c.JSON(JobResponse{Success: true, Job: job, Percent: percent})
}

// jobCancelHandler cancels a job. The optional X-Owner-Id header
// restricts cancellation to jobs of that owner.
func jobCancelHandler(c *fiber.Ctx) error {
	svc := serviceFrom(c)

	jobID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badJobID(c)
	}

	if _, err := svc.JobStatus(c.Context(), jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return jobNotFound(c)
		}
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "JOB_LOOKUP_FAILED",
			Error:   err.Error(),
		})
	}

	n, err := svc.Cancel(c.Context(), jobID, c.Get("X-Owner-Id"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "JOB_CANCEL_FAILED",
			Error:   err.Error(),
		})
	}
	if n == 0 {
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{
			Success: false,
			Code:    "NOT_CANCELLABLE",
			Error:   "job is already finished or owned by someone else",
		})
	}
	return c.JSON(CancelResponse{Success: true, Affected: n})
}

func pauseHandler(c *fiber.Ctx) error {
	svc := serviceFrom(c)
	reason := c.Query("reason", "operator")
	svc.Pause(reason)
	return c.JSON(fiber.Map{"success": true, "paused": true})
}

func resumeHandler(c *fiber.Ctx) error {
	svc := serviceFrom(c)
	svc.Resume()
	return c.JSON(fiber.Map{"success": true, "paused": svc.Paused()})
}

func cleanupHandler(c *fiber.Ctx) error {
	svc := serviceFrom(c)

	days, err := strconv.Atoi(c.Query("days", "30"))
	if err != nil || days <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "days must be a positive integer",
		})
	}

	n, err := svc.Cleanup(c.Context(), days)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "CLEANUP_FAILED",
			Error:   err.Error(),
		})
	}
	return c.JSON(CleanupResponse{Success: true, Deleted: n})
}

func scaleHandler(c *fiber.Ctx) error {
	svc := serviceFrom(c)

	var req ScaleRequest
	if err := c.BodyParser(&req); err != nil || req.Workers <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "workers must be a positive integer",
		})
	}

	n, err := svc.ScaleWorkers(req.Workers)
	if err != nil {
		code := fiber.StatusInternalServerError
		if errors.Is(err, worker.ErrNotRunning) {
			code = fiber.StatusConflict
		}
		return c.Status(code).JSON(ErrorResponse{
			Success: false,
			Code:    "SCALE_FAILED",
			Error:   err.Error(),
		})
	}
	return c.JSON(ScaleResponse{Success: true, Workers: n})
}
