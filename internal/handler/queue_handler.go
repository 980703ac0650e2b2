package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-relay/internal/preload"
	"github.com/stemsi/exam-relay/internal/response"
	"github.com/stemsi/exam-relay/internal/store"
)

// QueueHandler exposes queue inspection and the manual preload trigger.
// Inspection is read-only: dead-letter queues are reviewed here and
// replayed manually, never auto-consumed.
type QueueHandler struct {
	queue     *store.QueueStore
	preloader *preload.Preloader
	log       zerolog.Logger
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(queue *store.QueueStore, preloader *preload.Preloader, log zerolog.Logger) *QueueHandler {
	return &QueueHandler{
		queue:     queue,
		preloader: preloader,
		log:       log.With().Str("component", "queue_handler").Logger(),
	}
}

// Inspect godoc
// GET /api/v1/queues/:name
// Returns every entry of the named queue without consuming it.
func (h *QueueHandler) Inspect(c *gin.Context) {
	name := c.Param("name")

	entries, err := h.queue.Entries(c.Request.Context(), name)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"queue":   name,
		"length":  len(entries),
		"entries": entries,
	})
}

// TriggerPreload godoc
// POST /api/v1/preload
// Runs one preload pass in the background and returns immediately. The
// pass is detached from the request context so a closed connection does
// not abort the walk.
func (h *QueueHandler) TriggerPreload(c *gin.Context) {
	go func() {
		if err := h.preloader.RunOnce(context.Background()); err != nil {
			h.log.Error().Err(err).Msg("Triggered preload pass failed")
		}
	}()

	response.Success(c, http.StatusAccepted, gin.H{"status": "preload started"})
}
