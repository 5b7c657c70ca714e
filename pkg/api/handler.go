// Package api exposes the version service over HTTP. Handlers translate
// requests into service calls and the error taxonomy into status codes;
// they hold no domain logic of their own.
package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"docvault/pkg/apperr"
	"docvault/pkg/middleware"
	"docvault/pkg/service"
	"docvault/pkg/types"
)

// Handler bundles the HTTP handlers around the version service.
type Handler struct {
	svc *service.VersionService
}

// NewHandler creates the handler set.
func NewHandler(svc *service.VersionService) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the API under /api behind the auth middleware, and
// the unauthenticated liveness probe at /health.
func (h *Handler) RegisterRoutes(router *gin.Engine, auth gin.HandlerFunc) {
	router.GET("/health", h.health)

	api := router.Group("/api")
	api.Use(auth)

	api.POST("/files", h.createFile)
	api.GET("/files", h.listFiles)
	api.POST("/files/:id/versions", h.addVersion)
	api.GET("/files/:id/versions", h.listVersions)
	api.GET("/files/:id/content", h.getContent)
	api.GET("/versions/digest/:digest", h.getVersionByDigest)
	api.DELETE("/versions/:id", h.deleteVersion)
	api.PUT("/versions/:id/permissions", h.setPermissions)
	api.GET("/versions/:id/grantable-users", h.grantableUsers)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) createFile(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)

	req, closeContent, err := uploadFromForm(c)
	if err != nil {
		respondError(c, err)
		return
	}
	defer closeContent()
	req.URLPath = c.PostForm("url_path")
	req.ContentType = c.PostForm("content_type")

	version, err := h.svc.CreateFile(c.Request.Context(), user.ID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, version)
}

func (h *Handler) addVersion(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)

	req, closeContent, err := uploadFromForm(c)
	if err != nil {
		respondError(c, err)
		return
	}
	defer closeContent()

	version, err := h.svc.AddVersion(c.Request.Context(), user.ID, c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, version)
}

func (h *Handler) listFiles(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)

	files, err := h.svc.ListFiles(c.Request.Context(), user.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	if files == nil {
		files = []*types.File{}
	}
	c.JSON(http.StatusOK, files)
}

func (h *Handler) listVersions(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)

	versions, err := h.svc.ListVersions(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, versions)
}

func (h *Handler) getContent(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)

	revision := 0
	if raw := c.Query("revision"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(c, apperr.New(apperr.KindValidation, "revision must be a positive integer"))
			return
		}
		revision = n
	}

	rc, version, err := h.svc.OpenContent(c.Request.Context(), user.ID, c.Param("id"), revision)
	if err != nil {
		respondError(c, err)
		return
	}
	defer rc.Close()

	disposition := fmt.Sprintf("attachment; filename=%q", version.FileName)
	c.DataFromReader(http.StatusOK, version.Size, "application/octet-stream", rc,
		map[string]string{"Content-Disposition": disposition})
}

func (h *Handler) getVersionByDigest(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)

	version, err := h.svc.GetVersionByDigest(c.Request.Context(), user.ID, c.Param("digest"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, version)
}

func (h *Handler) deleteVersion(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)

	if err := h.svc.DeleteVersion(c.Request.Context(), user.ID, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) setPermissions(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)

	var req types.PermissionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "malformed permissions payload"))
		return
	}

	version, err := h.svc.SetPermissions(c.Request.Context(), user.ID, c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, version)
}

func (h *Handler) grantableUsers(c *gin.Context) {
	users, err := h.svc.GrantableUsers(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if users == nil {
		users = []*types.User{}
	}
	c.JSON(http.StatusOK, users)
}

// uploadFromForm extracts the multipart content field and the optional
// metadata fields shared by the two upload endpoints.
func uploadFromForm(c *gin.Context) (service.UploadRequest, func(), error) {
	fileHeader, err := c.FormFile("content")
	if err != nil {
		return service.UploadRequest{}, nil, apperr.New(apperr.KindValidation, "no file content provided")
	}
	f, err := fileHeader.Open()
	if err != nil {
		return service.UploadRequest{}, nil, apperr.Wrap(apperr.KindValidation, err, "unreadable file content")
	}

	fileName := c.PostForm("file_name")
	if fileName == "" {
		fileName = fileHeader.Filename
	}

	req := service.UploadRequest{
		FileName:    fileName,
		Description: c.PostForm("description"),
		Content:     f,
	}
	return req, func() { f.Close() }, nil
}

// respondError maps the error taxonomy onto HTTP statuses. Conflicts never
// reach here with a retry left; by this point they are internal failures and
// are reported as such, never as a duplicate-number error.
func respondError(c *gin.Context, err error) {
	kind, ok := apperr.KindOf(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "internal error"})
		return
	}
	switch kind {
	case apperr.KindAuthentication:
		c.JSON(http.StatusUnauthorized, types.ErrorResponse{Error: apperr.Message(err)})
	case apperr.KindAuthorization:
		c.JSON(http.StatusForbidden, types.ErrorResponse{Error: apperr.Message(err)})
	case apperr.KindNotFound:
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: apperr.Message(err)})
	case apperr.KindValidation:
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: apperr.Message(err)})
	case apperr.KindConflict:
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "internal error"})
	case apperr.KindStorage:
		c.JSON(http.StatusServiceUnavailable, types.ErrorResponse{Error: apperr.Message(err)})
	default:
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "internal error"})
	}
}
