package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/lara-orchestrator/internal/cdr"
	"github.com/cuongbtq/lara-orchestrator/internal/gateway/domain"
	"github.com/cuongbtq/lara-orchestrator/internal/gateway/dto"
	"github.com/cuongbtq/lara-orchestrator/internal/gateway/service"
	"github.com/cuongbtq/lara-orchestrator/internal/queue"
	"github.com/gin-gonic/gin"
)

// ProcessEvent handles POST /process_event, the system-of-record webhook.
// A map.process event becomes a job for the default stage set; every other
// event is acknowledged.
func (h *JobHandler) ProcessEvent(c *gin.Context) {
	var evt cdr.Event
	if err := c.ShouldBindJSON(&evt); err != nil {
		h.logger.Error("Invalid event body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid event body",
		})
		return
	}

	h.events.Log("event", evt)
	logger := h.logger.With(slog.String("event", evt.Event), slog.String("event_id", evt.ID))

	switch evt.Event {
	case cdr.EventPing:
		logger.Info("Received ping event")

	case cdr.EventMapProcess:
		var payload cdr.MapEventPayload
		if err := json.Unmarshal(evt.Payload, &payload); err != nil || payload.CogID == "" || payload.CogURL == "" {
			logger.Error("Invalid map event payload", slog.String("payload", string(evt.Payload)))
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "map.process requires cog_id and cog_url",
			})
			return
		}

		sub, err := h.submitter.Submit(c.Request.Context(), service.Request{
			SourceReference: payload.CogURL,
			ImageID:         payload.CogID,
			Stages:          queue.DefaultStages(),
			Source:          domain.SourceEvent,
		})
		if err != nil {
			// a non-2xx makes the system-of-record redeliver the event
			h.writeSubmitError(c, err)
			return
		}

		logger.Info("Map event queued", slog.String("cog_id", payload.CogID), slog.String("job_id", sub.JobID))
		c.JSON(http.StatusOK, dto.EventResponse{OK: "success", JobID: sub.JobID})
		return

	default:
		logger.Info("Received unsupported event")
	}

	c.JSON(http.StatusOK, dto.EventResponse{OK: "success"})
}
