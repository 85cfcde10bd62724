package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/marketledger/internal/payment/domain"
)

// Processor payloads stay far below this.
const maxWebhookBodyBytes = 1 << 20

// HandlePaymentWebhook acknowledges a processor delivery. Replays of an
// already processed event are acknowledged too so the processor stops
// retrying them.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes)
	payload, err := c.GetRawData()
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	err = s.paymentSvc.IngestWebhook(c.Request.Context(), c.Param("provider"), payload, c.Request.Header)
	switch {
	case errors.Is(err, paymentdomain.ErrEventAlreadyProcessed):
		c.JSON(http.StatusOK, gin.H{"status": "ok", "duplicate": true})
	case err != nil:
		AbortWithError(c, err)
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
