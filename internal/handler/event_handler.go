package handler

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/procurement-api/internal/models"
	"github.com/noah-isme/procurement-api/internal/service"
	appErrors "github.com/noah-isme/procurement-api/pkg/errors"
	"github.com/noah-isme/procurement-api/pkg/response"
)

const eventBufferSize = 32

type eventSource interface {
	Subscribe(fn service.EventHandler) func()
}

// EventHandler streams request transitions to connected clients over SSE.
type EventHandler struct {
	bus       eventSource
	metrics   *service.MetricsService
	keepAlive time.Duration

	closing   chan struct{}
	closeOnce sync.Once
}

// NewEventHandler builds the stream handler.
func NewEventHandler(bus eventSource, metrics *service.MetricsService, keepAlive time.Duration) *EventHandler {
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	return &EventHandler{bus: bus, metrics: metrics, keepAlive: keepAlive, closing: make(chan struct{})}
}

// Shutdown ends every open stream so http.Server.Shutdown can drain; it waits
// for active connections and never cancels their request contexts.
func (h *EventHandler) Shutdown() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// Stream godoc
// @Summary Stream request transitions
// @Description Server-sent events. Admins receive every transition; students and managers receive transitions of their own requests.
// @Tags Requests
// @Produce text/event-stream
// @Success 200 {string} string "event stream"
// @Router /requests/events [get]
func (h *EventHandler) Stream(c *gin.Context) {
	if h.bus == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "event stream disabled"))
		return
	}
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}

	events := make(chan service.TransitionEvent, eventBufferSize)
	unsubscribe := h.bus.Subscribe(func(evt service.TransitionEvent) {
		if !eventVisibleTo(evt, actor) {
			return
		}
		select {
		case events <- evt:
		default:
			// slow client, drop
		}
	})
	defer unsubscribe()

	h.metrics.StreamClientConnected(1)
	defer h.metrics.StreamClientConnected(-1)

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	c.Header("Cache-Control", "no-store")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent("ready", gin.H{"actor": actor.Email})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-h.closing:
			return false
		case evt := <-events:
			c.SSEvent("transition", evt)
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		}
	})
}

func eventVisibleTo(evt service.TransitionEvent, actor models.Actor) bool {
	switch actor.Role {
	case models.RoleAdmin:
		return true
	case models.RoleManager:
		return models.SameEmail(evt.ManagerEmail, actor.Email) || models.SameEmail(evt.Actor, actor.Email)
	default:
		return models.SameEmail(evt.StudentEmail, actor.Email) || models.SameEmail(evt.Actor, actor.Email)
	}
}
