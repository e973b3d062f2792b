package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/archivejobs/internal/api/middleware"
	"github.com/timmy/archivejobs/internal/domain"
	"github.com/timmy/archivejobs/internal/service"
)

// Downloader starts and cancels download jobs.
type Downloader interface {
	StartDownload(ctx context.Context, req service.StartRequest) (*domain.DownloadJob, error)
	Cancel(ctx context.Context, jobID, requester string) (*domain.DownloadJob, error)
}

// JobQueries answers read-only job questions for a requester.
type JobQueries interface {
	GetStatus(ctx context.Context, jobID, requester string) (*domain.DownloadJob, error)
	GetHistory(ctx context.Context, requester string, status *domain.JobStatus, limit int) ([]domain.DownloadJob, error)
	GetArtifact(ctx context.Context, jobID, requester string) (*service.Artifact, error)
}

// DownloadHandler handles download job endpoints.
type DownloadHandler struct {
	downloads Downloader
	queries   JobQueries
}

// NewDownloadHandler creates a new download handler.
// Parameters:
//   - downloads: orchestrator accepting and cancelling jobs.
//   - queries: read-only job queries.
// Returns:
//   - *DownloadHandler: initialized handler.
func NewDownloadHandler(downloads Downloader, queries JobQueries) *DownloadHandler {
	return &DownloadHandler{downloads: downloads, queries: queries}
}

// StartRequest is the body of POST /api/v1/downloads/start. The archive
// credentials are mosdac_username/mosdac_password; username/password are
// accepted as aliases when the mosdac_ fields are absent.
type StartRequest struct {
	DatasetID      string            `json:"dataset_id" binding:"required"`
	MosdacUsername string            `json:"mosdac_username"`
	MosdacPassword string            `json:"mosdac_password"`
	Username       string            `json:"username"`
	Password       string            `json:"password"`
	Filters        map[string]string `json:"filters"`
}

// credentials returns the archive account, preferring the mosdac_ fields.
func (r StartRequest) credentials() (username, password string, ok bool) {
	username, password = r.MosdacUsername, r.MosdacPassword
	if username == "" && password == "" {
		username, password = r.Username, r.Password
	}
	return username, password, username != "" && password != ""
}

// HistoryResponse is the body of GET /api/v1/downloads/history.
type HistoryResponse struct {
	Jobs  []domain.DownloadJob `json:"jobs"`
	Count int                  `json:"count"`
	Limit int                  `json:"limit"`
}

// Start handles POST /api/v1/downloads/start.
func (h *DownloadHandler) Start(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	username, password, ok := req.credentials()
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: mosdac_username and mosdac_password are required"})
		return
	}

	job, err := h.downloads.StartDownload(c.Request.Context(), service.StartRequest{
		UserID:    middleware.UserID(c),
		DatasetID: req.DatasetID,
		Username:  username,
		Password:  password,
		Filters:   req.Filters,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Location", "/api/v1/downloads/status/"+job.ID)
	c.JSON(http.StatusAccepted, job)
}

// Status handles GET /api/v1/downloads/status/:id.
func (h *DownloadHandler) Status(c *gin.Context) {
	job, err := h.queries.GetStatus(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// History handles GET /api/v1/downloads/history?status=&limit=.
func (h *DownloadHandler) History(c *gin.Context) {
	var status *domain.JobStatus
	if raw := c.Query("status"); raw != "" {
		s, err := domain.ParseJobStatus(raw)
		if err != nil {
			respondError(c, err)
			return
		}
		status = &s
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(c, fmt.Errorf("%w: limit must be an integer", domain.ErrInvalidRequest))
			return
		}
		limit = n
	}
	limit = service.ClampHistoryLimit(limit)

	jobs, err := h.queries.GetHistory(c.Request.Context(), middleware.UserID(c), status, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if jobs == nil {
		jobs = []domain.DownloadJob{}
	}
	c.JSON(http.StatusOK, HistoryResponse{Jobs: jobs, Count: len(jobs), Limit: limit})
}

// File handles GET /api/v1/downloads/file/:id. The zip is streamed from
// local disk; when it is gone but a mirrored copy exists, the client is
// redirected there.
func (h *DownloadHandler) File(c *gin.Context) {
	ctx := c.Request.Context()
	jobID, requester := c.Param("id"), middleware.UserID(c)

	artifact, err := h.queries.GetArtifact(ctx, jobID, requester)
	if errors.Is(err, domain.ErrArtifactMissing) {
		if job, statusErr := h.queries.GetStatus(ctx, jobID, requester); statusErr == nil && job.ArtifactURL != "" {
			c.Redirect(http.StatusFound, job.ArtifactURL)
			return
		}
	}
	if err != nil {
		respondError(c, err)
		return
	}
	defer artifact.Content.Close()

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.Name))
	http.ServeContent(c.Writer, c.Request, artifact.Name, artifact.ModTime, artifact.Content)
}

// Cancel handles POST /api/v1/downloads/:id/cancel.
func (h *DownloadHandler) Cancel(c *gin.Context) {
	job, err := h.downloads.Cancel(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}
