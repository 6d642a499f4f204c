package control

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dannyzb/chunkrelay/internal/registry"
	"github.com/dannyzb/chunkrelay/internal/transfer"
)

type handlers struct {
	manager  *transfer.Manager
	registry *registry.Registry
}

// writeError renders the uniform error envelope from spec.md §6.
func writeError(c *gin.Context, err *transfer.Error) {
	c.JSON(httpStatus(err), gin.H{
		"success": false,
		"error": gin.H{
			"code":      string(err.Kind),
			"message":   err.Message,
			"details":   err.Details,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

type startDownloadRequest struct {
	ClientID string `json:"clientId" binding:"required"`
	FilePath string `json:"filePath" binding:"required"`
}

func (h *handlers) startDownload(c *gin.Context) {
	var req startDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, transfer.NewError(transfer.InvalidRequest, err.Error()))
		return
	}

	requestID, terr := h.manager.Start(req.ClientID, req.FilePath)
	if terr != nil {
		writeError(c, terr)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "requestId": requestID, "status": "requested"})
}

func (h *handlers) getDownload(c *gin.Context) {
	view, terr := h.manager.Get(c.Param("requestId"))
	if terr != nil {
		writeError(c, terr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "download": viewToJSON(view)})
}

func (h *handlers) listDownloads(c *gin.Context) {
	views := h.manager.List(c.Query("status"))
	out := make([]gin.H, 0, len(views))
	for _, v := range views {
		out = append(out, viewToJSON(v))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "downloads": out})
}

func (h *handlers) cancelDownload(c *gin.Context) {
	terr := h.manager.Cancel(c.Param("requestId"), "cancelled via control API")
	if terr != nil {
		writeError(c, terr)
		return
	}
	view, terr := h.manager.Get(c.Param("requestId"))
	if terr != nil {
		writeError(c, terr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "download": viewToJSON(view)})
}

func (h *handlers) listClients(c *gin.Context) {
	clients := h.registry.List(nil)
	out := make([]gin.H, 0, len(clients))
	for _, cl := range clients {
		out = append(out, clientToJSON(cl))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "clients": out})
}

func (h *handlers) getClient(c *gin.Context) {
	rec, ok := h.registry.Lookup(c.Param("id"))
	if !ok {
		writeError(c, transfer.NewError(transfer.ClientNotFound, "no such client").WithDetail("clientId", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "client": clientToJSON(rec)})
}

func viewToJSON(v transfer.SessionView) gin.H {
	out := gin.H{
		"requestId":       v.RequestID,
		"clientId":        v.ClientID,
		"filePath":        v.FilePath,
		"status":          v.State,
		"fileSize":        v.FileSize,
		"totalChunks":     v.TotalChunks,
		"fileChecksum":    v.FileChecksum,
		"progress": gin.H{
			"chunksReceived": v.Progress.ChunksReceived,
			"totalChunks":    v.Progress.TotalChunks,
			"percentage":     v.Progress.Percentage,
			"bytesReceived":  v.Progress.BytesReceived,
			"retriedChunks":  v.Progress.RetriedChunks,
		},
		"retryStats": gin.H{
			"totalRetries":    v.RetryStats.TotalRetries,
			"perChunkRetries": v.RetryStats.PerChunkRetries,
		},
		"progressSummary": v.ProgressSummary,
		"startedAt":       v.StartedAt.UTC().Format(time.RFC3339),
		"updatedAt":       v.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if v.CompletedAt != nil {
		out["completedAt"] = v.CompletedAt.UTC().Format(time.RFC3339)
	}
	if v.Error != nil {
		out["error"] = gin.H{"code": string(v.Error.Kind), "message": v.Error.Message, "details": v.Error.Details}
	}
	return out
}

func clientToJSON(rec registry.ClientRecord) gin.H {
	return gin.H{
		"clientId":        rec.ClientID,
		"status":          rec.Status,
		"connectedAt":     rec.ConnectedAt.UTC().Format(time.RFC3339),
		"lastHeartbeatAt": rec.LastHeartbeatAt.UTC().Format(time.RFC3339),
		"metadata":        rec.Metadata,
	}
}
