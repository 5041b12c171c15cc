package telephony

import (
	"context"
	"net/http"
	"time"

	"callpipeline/internal/calls"
	"callpipeline/internal/engine"
	"callpipeline/pkg/apperr"
	"callpipeline/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Ingester is satisfied by *engine.Engine.
type Ingester interface {
	IngestTelephonyEvent(ctx context.Context, ev calls.TelephonyEvent) (engine.IngestResult, error)
}

// WebhookHandler converts the PBX callback to a TelephonyEvent and ingests it.
//
// No business logic here.
type WebhookHandler struct {
	Ingester Ingester
	// Location is the zone of the provider's naive timestamps.
	Location *time.Location
}

func (h WebhookHandler) HandleCallback(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Ingester == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "ingestion not configured"})
		return
	}

	form, err := ParseCallback(c.Request)
	if err != nil {
		log.Warn("telephony webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	ev, err := form.ToEvent(h.Location)
	if err != nil {
		log.Warn("telephony webhook rejected", "call_sid", form.CallSid, "err", err)
		c.AbortWithStatusJSON(apperr.Status(err), gin.H{"error": err.Error()})
		return
	}

	res, err := h.Ingester.IngestTelephonyEvent(c.Request.Context(), ev)
	if err != nil {
		status := apperr.Status(err)
		if status >= http.StatusInternalServerError {
			log.Error("telephony ingestion failed", "call_sid", form.CallSid, "err", err)
			c.AbortWithStatusJSON(status, gin.H{"error": "ingestion failed"})
			return
		}
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusOK
	if res.Outcome == calls.OutcomeCreated {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}
