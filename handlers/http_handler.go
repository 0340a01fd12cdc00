package handlers

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperror "github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/health"
	logger "github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/services"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const (
	DefaultMimeType = "application/octet-stream"
	readyTimeout    = 2 * time.Second
)

type HTTPHandler struct {
	uploadService services.UploadService
	fileService   services.FileService
	checks        []health.ReadinessCheck

	logger logger.Logger
}

func NewHTTPHandler(uploadSvc services.UploadService, fileSvc services.FileService, checks []health.ReadinessCheck, l logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		uploadService: uploadSvc,
		fileService:   fileSvc,
		checks:        checks,
		logger:        l,
	}
}

// NewRouter builds the gin engine with the standard middleware chain.
func NewRouter(h *HTTPHandler, authKey *rsa.PublicKey, tracing bool, serviceName string, l logger.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if tracing {
		r.Use(otelgin.Middleware(serviceName))
	}
	r.Use(RequestID(), RequestLogger(l))

	h.RegisterRoutes(r, Auth(authKey, l))
	return r
}

func (h *HTTPHandler) RegisterRoutes(r *gin.Engine, auth gin.HandlerFunc) {
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)

	files := r.Group("/files", auth)
	{
		files.GET("", h.GetFiles)
		files.POST("/get-urls", h.GetUrls)
		files.POST("/record-chunk", h.RecordChunk)
		files.POST("/complete-upload", h.CompleteUpload)
		files.POST("/download-url", h.DownloadUrl)
		files.GET("/:id/status", h.GetUploadStatus)
	}
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int64

func (n *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("not an integer: %q", s)
	}
	*n = flexInt(v)
	return nil
}

type getUrlsBody struct {
	FileId     string  `json:"file_id"`
	FileName   string  `json:"file_name"`
	MimeType   string  `json:"mime_type"`
	FileType   string  `json:"file_type"` // legacy name of mime_type
	FileSize   flexInt `json:"file_size"`
	UserId     string  `json:"user_id"`
	StorageKey string  `json:"storage_key"`
	S3Key      string  `json:"s3_key"` // legacy name of storage_key
}

type recordChunkBody struct {
	FileId     string  `json:"file_id"`
	ChunkIndex int32   `json:"chunk_index"`
	Size       flexInt `json:"size"`
	ETag       string  `json:"etag"`
	StorageKey string  `json:"storage_key"`
	S3Key      string  `json:"s3_key"`
	UserId     string  `json:"user_id"`
}

type completeUploadBody struct {
	UploadId string                 `json:"uploadId"`
	FileId   string                 `json:"fileId"`
	UserId   string                 `json:"userId"`
	Parts    []models.CompletedPart `json:"parts"`
}

type downloadUrlBody struct {
	FileId string `json:"file_id"`
}

func (h *HTTPHandler) GetUrls(c *gin.Context) {
	var body getUrlsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, fmt.Errorf("%w: %w", apperror.ErrInvalidInput, err))
		return
	}

	ownerId, err := resolveOwner(c, body.UserId)
	if err != nil {
		h.fail(c, err)
		return
	}

	fileId := body.FileId
	if fileId == "" {
		fileId = uuid.NewString()
	}

	resp, err := h.uploadService.StartUpload(c.Request.Context(), models.StartUploadRequest{
		FileId:     fileId,
		FileName:   body.FileName,
		MimeType:   NormalizeMimeType(firstNonEmpty(body.MimeType, body.FileType)),
		FileSize:   int64(body.FileSize),
		OwnerId:    ownerId,
		StorageKey: firstNonEmpty(body.StorageKey, body.S3Key),
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"presignedUrls": resp.PresignedUrls,
		"uploadId":      resp.UploadId,
		"fileId":        resp.FileId,
	})
}

func (h *HTTPHandler) RecordChunk(c *gin.Context) {
	var body recordChunkBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, fmt.Errorf("%w: %w", apperror.ErrInvalidChunk, err))
		return
	}
	ownerId, err := resolveOwner(c, firstNonEmpty(body.UserId, c.Query("user_id")))
	if err != nil {
		h.fail(c, err)
		return
	}

	err = h.uploadService.RecordChunk(c.Request.Context(), models.RecordChunkRequest{
		FileId:     body.FileId,
		ChunkIndex: body.ChunkIndex,
		Size:       int64(body.Size),
		ETag:       body.ETag,
		StorageKey: firstNonEmpty(body.StorageKey, body.S3Key),
		OwnerId:    ownerId,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *HTTPHandler) CompleteUpload(c *gin.Context) {
	var body completeUploadBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, fmt.Errorf("%w: %w", apperror.ErrInvalidInput, err))
		return
	}
	if len(body.Parts) == 0 {
		h.fail(c, fmt.Errorf("%w: parts are required", apperror.ErrInvalidInput))
		return
	}
	ownerId, err := resolveOwner(c, firstNonEmpty(body.UserId, c.Query("user_id")))
	if err != nil {
		h.fail(c, err)
		return
	}

	err = h.uploadService.CompleteUpload(c.Request.Context(), models.CompleteUploadRequest{
		UploadId: body.UploadId,
		FileId:   body.FileId,
		OwnerId:  ownerId,
		Parts:    body.Parts,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "upload completed"})
}

func (h *HTTPHandler) GetFiles(c *gin.Context) {
	ownerId, err := resolveOwner(c, c.Query("user_id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	resp, err := h.fileService.GetFiles(c.Request.Context(), ownerId)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HTTPHandler) DownloadUrl(c *gin.Context) {
	var body downloadUrlBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, fmt.Errorf("%w: %w", apperror.ErrInvalidInput, err))
		return
	}
	ownerId, err := resolveOwner(c, c.Query("user_id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	url, err := h.fileService.GenerateDownloadUrl(c.Request.Context(), ownerId, body.FileId)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (h *HTTPHandler) GetUploadStatus(c *gin.Context) {
	ownerId, err := resolveOwner(c, c.Query("user_id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	resp, err := h.uploadService.GetUploadStatus(c.Request.Context(), ownerId, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HTTPHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HTTPHandler) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()

	failed := health.CheckAll(ctx, h.checks)
	if len(failed) == 0 {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}

	reasons := make(map[string]string, len(failed))
	for name, err := range failed {
		reasons[name] = err.Error()
	}
	h.logger.Warn("readiness check failed", "failed", reasons)
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "failed": reasons})
}

// fail writes err as {success:false, error}. Server side failures are not
// described to the client beyond their kind.
func (h *HTTPHandler) fail(c *gin.Context, err error) {
	status := apperror.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.Request.URL.Path, "request_id", c.GetString(requestIDKey), "error", err)
	}
	abortWithError(c, err)
}

func abortWithError(c *gin.Context, err error) {
	status := apperror.HTTPStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		var appErr *apperror.Error
		if errors.As(err, &appErr) {
			msg = appErr.Msg
		} else {
			msg = "internal server error"
		}
	}
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": msg})
}

// resolveOwner returns the authenticated caller's id. A user id named by the
// request must match it. Without authentication the named id is trusted.
func resolveOwner(c *gin.Context, requested string) (string, error) {
	caller, ok := CallerFrom(c)
	if !ok {
		if requested == "" {
			return "", fmt.Errorf("%w: user_id is required", apperror.ErrInvalidInput)
		}
		return requested, nil
	}
	if requested != "" && requested != caller.UserId {
		return "", apperror.New(apperror.KindForbidden, "user_id does not match the authenticated user")
	}
	return caller.UserId, nil
}

// NormalizeMimeType canonicalizes a declared content type. Well-formed types
// the detector does not know are kept as declared; empty or malformed input
// becomes application/octet-stream.
func NormalizeMimeType(declared string) string {
	mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(declared))
	if err != nil || !strings.Contains(mediaType, "/") {
		return DefaultMimeType
	}
	if m := mimetype.Lookup(mediaType); m != nil {
		return m.String()
	}
	if formatted := mime.FormatMediaType(mediaType, params); formatted != "" {
		return formatted
	}
	return DefaultMimeType
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
