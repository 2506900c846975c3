package handler

import (
	"io"
	"net/http"

	"comandapos/internal/apierror"
	"comandapos/internal/broadcast"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type EventsHandler struct{ hub *broadcast.Hub }

func NewEventsHandler(hub *broadcast.Hub) *EventsHandler { return &EventsHandler{hub: hub} }

// Subscribe godoc
// @Summary      Venue ledger event stream
// @Description  Server-Sent Events stream of ledger deltas in commit order. Each event carries the venue seq; heartbeats repeat the last seq so a gap means the terminal must re-fetch.
// @Tags         events
// @Produce      text/event-stream
// @Security     BearerAuth
// @Param        venue_id path string true "Venue id"
// @Success      200
// @Failure      403  {object} apierror.APIError
// @Router       /v1/venues/{venue_id}/events [get]
func (h *EventsHandler) Subscribe(c *gin.Context) {
	venueID, ok := uuidParam(c, "venue_id")
	if !ok {
		return
	}
	op := operator(c)
	if venueID != op.VenueID {
		c.JSON(http.StatusForbidden, apierror.WithReason("forbidden", "token is not valid for this venue"))
		return
	}

	sub := h.hub.Subscribe(venueID)
	defer h.hub.Unsubscribe(sub)
	log.Info().Str("venue_id", venueID.String()).Str("operator_id", op.ID).Msg("events: subscriber attached")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case d, open := <-sub.C:
			if !open {
				// Dropped by the hub; the terminal reconnects and re-fetches.
				return false
			}
			c.SSEvent(string(d.Kind), d)
			if d.Kind == broadcast.KindHeartbeat {
				sub.Ack()
			}
			return true
		}
	})
	log.Info().Str("venue_id", venueID.String()).Str("operator_id", op.ID).Msg("events: subscriber detached")
}
