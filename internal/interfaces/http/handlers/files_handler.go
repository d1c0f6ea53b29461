package handlers

import (
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentrun/gateway/internal/domain/agent"
	apperrors "github.com/agentrun/gateway/pkg/errors"
)

// FilesHandler serves GET/PUT /agents/files, reading and writing through
// an instance's backend (Docker exec or local process, whichever it was
// cloned against). Grounded on original_source's download_workspace_file /
// upload_workspace_file: absolute-path-only, no ".." segments.
type FilesHandler struct {
	registry *agent.Registry
	logger   *zap.Logger
}

// NewFilesHandler wires the files route handler.
func NewFilesHandler(registry *agent.Registry, logger *zap.Logger) *FilesHandler {
	return &FilesHandler{registry: registry, logger: logger.With(zap.String("handler", "files"))}
}

// validatePath enforces the absolute-path-only, no-".." rule shared by
// both directions.
func validatePath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return apperrors.NewInvalidInputError("path must be an absolute path")
	}
	if strings.Contains(p, "..") {
		return apperrors.NewInvalidInputError("path must not contain '..'")
	}
	return nil
}

// resolveBackendFiles finds the caller's instance for the given agent_id
// (defaulting to the first registered template, as the bare-route
// invoke/stream/resume handlers do) and returns its file backend.
func (h *FilesHandler) resolveBackendFiles(username, agentID string) (agent.FileBackend, error) {
	if agentID == "" {
		templates := h.registry.ListTemplates()
		if len(templates) == 0 {
			return nil, apperrors.NewNotFoundError("no agent templates registered")
		}
		agentID = templates[0].ID
	}
	inst, err := h.registry.GetOrCloneInstance(agentID, username)
	if err != nil {
		return nil, err
	}
	if inst.Backend.Files == nil {
		return nil, apperrors.NewInvalidInputError("agent does not have a backend that supports file transfer")
	}
	return inst.Backend.Files, nil
}

// Download handles GET /agents/files — the file path is taken from the
// query string (`?path=`); the route has no path segment for it.
func (h *FilesHandler) Download(c *gin.Context) {
	filePath := c.Query("path")
	if err := validatePath(filePath); err != nil {
		respondErr(c, h.logger, err)
		return
	}

	files, err := h.resolveBackendFiles(usernameFrom(c), c.Query("agent_id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}

	content, err := files.DownloadFile(c.Request.Context(), filePath)
	if err != nil {
		respondErr(c, h.logger, apperrors.NewNotFoundError("file not found: "+filePath))
		return
	}

	mimeType := mime.TypeByExtension(path.Ext(filePath))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	filename := path.Base(filePath)
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, mimeType, content)
}

// uploadRequest is the PUT /agents/files body.
type uploadRequest struct {
	Path    string `json:"path" binding:"required"`
	Content string `json:"content" binding:"required"`
	AgentID string `json:"agent_id,omitempty"`
}

// Upload handles PUT /agents/files — writes (creating or overwriting)
// a file through the caller's instance backend.
func (h *FilesHandler) Upload(c *gin.Context) {
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, h.logger, apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validatePath(req.Path); err != nil {
		respondErr(c, h.logger, err)
		return
	}

	files, err := h.resolveBackendFiles(usernameFrom(c), req.AgentID)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}

	content := []byte(req.Content)
	if err := files.UploadFile(c.Request.Context(), req.Path, content); err != nil {
		respondErr(c, h.logger, apperrors.NewBackendError("upload failed", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "path": req.Path, "size": len(content)})
}
