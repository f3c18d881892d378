package handler

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/groovesheet/api/internal/events"
	"github.com/groovesheet/api/internal/model"
	"github.com/groovesheet/api/internal/service"
	ws "github.com/groovesheet/api/internal/websocket"
	"github.com/groovesheet/api/pkg/response"
)

type TranscriptionHandler struct {
	service *service.TranscriptionService
	hub     *ws.Hub
	logger  *zap.Logger
}

func NewTranscriptionHandler(svc *service.TranscriptionService, hub *ws.Hub, logger *zap.Logger) *TranscriptionHandler {
	return &TranscriptionHandler{
		service: svc,
		hub:     hub,
		logger:  logger.With(zap.String("component", "handler")),
	}
}

// Submit handles POST /api/v1/transcribe
func (h *TranscriptionHandler) Submit(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "File is required", nil)
	}

	maxSize := h.service.MaxUploadSize()
	if maxSize > 0 && file.Size > maxSize {
		return response.PayloadTooLarge(c, fmt.Sprintf("File size exceeds the %d byte limit", maxSize))
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return response.ServiceError(c, "Failed to read file")
	}

	result, err := h.service.Submit(c.UserContext(), &model.SubmitRequest{
		Filename:    file.Filename,
		ContentType: file.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		return h.writeError(c, err)
	}
	return response.Accepted(c, result)
}

// Status handles GET /api/v1/status/:jobId
func (h *TranscriptionHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetStatus(c.UserContext(), jobID)
	if err != nil {
		return h.writeError(c, err)
	}
	return response.OK(c, result)
}

// Download handles GET /api/v1/download/:jobId?format=musicxml|midi|audio
func (h *TranscriptionHandler) Download(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}
	kind, ok := model.ParseArtifactKind(strings.ToLower(c.Query("format")))
	if !ok {
		return response.ValidationError(c, "Unsupported format", map[string]interface{}{
			"format":    c.Query("format"),
			"supported": model.ValidArtifactKinds,
		})
	}

	if c.QueryBool("redirect") {
		url, signed, err := h.service.SignedDownloadURL(c.UserContext(), jobID, kind)
		if err != nil {
			return h.writeError(c, err)
		}
		if signed {
			return c.Redirect(url, fiber.StatusFound)
		}
	}

	artifact, err := h.service.Download(c.UserContext(), jobID, kind)
	if err != nil {
		return h.writeError(c, err)
	}
	c.Set(fiber.HeaderContentType, artifact.ContentType)
	c.Attachment(artifact.Filename)
	return c.Send(artifact.Data)
}

// Jobs handles GET /api/v1/jobs?status=queued,processing
func (h *TranscriptionHandler) Jobs(c *fiber.Ctx) error {
	var statuses []model.JobStatus
	for _, s := range strings.Split(c.Query("status"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			statuses = append(statuses, model.JobStatus(strings.ToLower(s)))
		}
	}

	result, err := h.service.List(c.UserContext(), statuses)
	if err != nil {
		return h.writeError(c, err)
	}
	return response.OK(c, result)
}

// UpgradeJob rejects non-WebSocket requests and unknown jobs before the
// upgrade, and stashes the job's current state for the new subscriber.
func (h *TranscriptionHandler) UpgradeJob(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	job, err := h.service.GetJob(c.UserContext(), c.Params("jobId"))
	if err != nil {
		return h.writeError(c, err)
	}
	snapshot, err := events.Snapshot(job)
	if err != nil {
		return response.ServiceError(c, "Failed to encode job state")
	}
	c.Locals("snapshot", snapshot)
	return c.Next()
}

// Stream handles GET /ws/jobs/:jobId
func (h *TranscriptionHandler) Stream() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		snapshot, _ := c.Locals("snapshot").([]byte)
		h.hub.HandleConnection(c, c.Params("jobId"), snapshot)
	})
}

// writeError maps service errors onto HTTP responses.
func (h *TranscriptionHandler) writeError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, model.ErrTooLarge):
		return response.PayloadTooLarge(c, err.Error())
	case errors.Is(err, model.ErrValidation):
		return response.ValidationError(c, err.Error(), nil)
	case errors.Is(err, model.ErrNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, model.ErrConflict):
		return response.Conflict(c, "Job is not completed", nil)
	case model.IsInfrastructure(err):
		h.logger.Error("dependency failure", zap.String("path", c.Path()), zap.Error(err))
		return response.ServiceUnavailable(c, "Service temporarily unavailable")
	default:
		h.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		return response.ServiceError(c, "Internal server error")
	}
}
