package webhook

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/brandsignal/batchworks/pkg/store"
)

// completionPayload is the push notification contract external providers
// (or a Pub/Sub push subscription fronting them, per spec.md §6) deliver.
// WorkspaceID is required because the receiver has no other way to tell
// which tenant schema a provider batch id belongs to — providers don't
// know about workspaces, so this field must be round-tripped through
// whatever the provider's own metadata/webhook-config mechanism supports
// (e.g. an OpenAI batch's metadata map, a Pub/Sub topic per workspace).
type completionPayload struct {
	WorkspaceID     string `json:"workspaceId" binding:"required"`
	Provider        string `json:"provider" binding:"required"`
	ProviderBatchID string `json:"providerBatchId"`
	OutputRef       string `json:"outputRef"`
}

// handleBatchCompletion records an external completion signal as a
// BatchNotification row. It never enqueues a processing job itself — the
// Change Router owns a listener_rules binding on the batches table that
// reacts once the status-poll sweep (pkg/batchprocess) drains this
// notification and flips the batch to received.
func (s *Server) handleBatchCompletion(c *gin.Context) {
	var p completionPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	batchRepo, notificationRepo, err := s.workspacePool(c.Request.Context(), p.WorkspaceID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	var batchID string
	if p.ProviderBatchID != "" {
		if batch, err := batchRepo.FindByProviderBatchID(c.Request.Context(), p.ProviderBatchID); err == nil && batch != nil {
			batchID = batch.ID
		}
		// A miss here is tolerated — the poll sweep's drainNotifications
		// already handles a notification with no resolvable batch id by
		// marking it processed as a no-op.
	}

	notification := store.BatchNotification{
		ID:           uuid.New().String(),
		Provider:     p.Provider,
		OutputRef:    p.OutputRef,
		BatchID:      batchID,
		Processed:    false,
		DiscoveredAt: time.Now(),
	}
	if err := notificationRepo.Create(c.Request.Context(), notification); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusNoContent)
}
