package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"relay/internal/server/config"
	"relay/internal/server/database"
	"relay/internal/server/service"

	"github.com/labstack/echo/v4"
)

// Handler contains the HTTP handlers for the Relay API.
type Handler struct {
	engine *service.Engine
	db     *database.DB
	cfg    *config.Config
}

// NewHandler creates a new handler with the given dependencies.
func NewHandler(engine *service.Engine, db *database.DB, cfg *config.Config) *Handler {
	return &Handler{engine: engine, db: db, cfg: cfg}
}

type fileDescriptor struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

type initRequest struct {
	Files           []fileDescriptor `json:"files"`
	ClientEncrypted bool             `json:"clientEncrypted"`
	Expiry          json.RawMessage  `json:"expiry"` // seconds; absent applies the default, null disables expiry
	MaxDownloads    *int             `json:"maxDownloads"`
}

type presignedUpload struct {
	FileIndex  int    `json:"fileIndex"`
	URL        string `json:"url"`
	StorageKey string `json:"storageKey"`
}

// HandleInitUpload handles POST /upload/init.
// Issues a fresh upload id, token and one presigned PUT URL per declared
// file. Nothing is persisted until /upload/complete.
func (h *Handler) HandleInitUpload(c echo.Context) error {
	var req initRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	expirySeconds, err := h.parseExpiry(req.Expiry)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid expiry"})
	}

	files := make([]service.FileDescriptor, len(req.Files))
	for i, f := range req.Files {
		files[i] = service.FileDescriptor{Name: f.Name, Size: f.Size, ContentType: f.Type}
	}

	result, err := h.engine.InitUpload(c.Request().Context(), files, req.ClientEncrypted, expirySeconds, req.MaxDownloads)
	if err != nil {
		if errors.Is(err, service.ErrBadRequest) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}

	urls := make([]presignedUpload, len(result.Targets))
	for i, t := range result.Targets {
		urls[i] = presignedUpload{FileIndex: t.FileIndex, URL: t.URL, StorageKey: t.StorageKey}
	}

	return c.JSON(http.StatusOK, echo.Map{
		"uploadId":        result.UploadID,
		"token":           result.Token,
		"presignedUrls":   urls,
		"clientEncrypted": result.ClientEncrypted,
		"expiresAt":       epochMillis(result.ExpiresAt),
		"maxDownloads":    result.MaxDownloads,
	})
}

type fileMeta struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Type       string `json:"type"`
	StorageKey string `json:"storageKey"`
}

type completeRequest struct {
	UploadID          string     `json:"uploadId"`
	Token             string     `json:"token"`
	FilesMeta         []fileMeta `json:"filesMeta"`
	ClientEncrypted   bool       `json:"clientEncrypted"`
	ExpiresAt         *int64     `json:"expiresAt"` // epoch millis, null means never
	MaxDownloads      *int       `json:"maxDownloads"`
	PasswordProtected bool       `json:"passwordProtected"`
	Password          string     `json:"password"` // optional, enables server-side verification
}

// HandleCompleteUpload handles POST /upload/complete.
// Persists the share record and returns the public link.
func (h *Handler) HandleCompleteUpload(c echo.Context) error {
	var req completeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"ok": false, "error": "invalid request body"})
	}

	files := make([]database.ShareFile, len(req.FilesMeta))
	for i, f := range req.FilesMeta {
		files[i] = database.ShareFile{Name: f.Name, Size: f.Size, ContentType: f.Type, StorageKey: f.StorageKey}
	}

	link, err := h.engine.CompleteUpload(c.Request().Context(), &service.CompleteRequest{
		UploadID:          req.UploadID,
		Token:             req.Token,
		Files:             files,
		ClientEncrypted:   req.ClientEncrypted,
		ExpiresAt:         fromEpochMillis(req.ExpiresAt),
		MaxDownloads:      req.MaxDownloads,
		PasswordProtected: req.PasswordProtected,
		Password:          req.Password,
	})
	if err != nil {
		if errors.Is(err, service.ErrBadRequest) {
			return c.JSON(http.StatusBadRequest, echo.Map{"ok": false, "error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"ok": false, "error": "internal server error"})
	}

	return c.JSON(http.StatusOK, echo.Map{"ok": true, "publicLink": link})
}

// HandleResolveLink handles GET /link/:token.
// A side-effect-free probe: it never consumes quota. 404 and 410 stay
// distinct on the wire even if a UI collapses them.
func (h *Handler) HandleResolveLink(c echo.Context) error {
	view, err := h.engine.Resolve(c.Request().Context(), c.Param("token"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrShareNotFound):
			return c.JSON(http.StatusNotFound, echo.Map{"valid": false})
		case errors.Is(err, service.ErrShareExpired):
			return c.JSON(http.StatusGone, echo.Map{"valid": false, "reason": "expired"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"valid": false, "error": "internal server error"})
	}

	files := make([]echo.Map, len(view.Files))
	for i, f := range view.Files {
		files[i] = echo.Map{"name": f.Name, "size": f.Size}
	}

	return c.JSON(http.StatusOK, echo.Map{
		"valid":              true,
		"files":              files,
		"passwordProtected":  view.PasswordProtected,
		"expiry":             epochMillis(view.ExpiresAt),
		"remainingDownloads": view.Remaining,
	})
}

type redeemRequest struct {
	Password string `json:"password"`
}

// HandleRedeemLink handles POST /link/:token.
// Consumes one redemption and returns a presigned download URL per file.
func (h *Handler) HandleRedeemLink(c echo.Context) error {
	var req redeemRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"ok": false, "error": "invalid request body"})
		}
	}

	result, err := h.engine.Redeem(c.Request().Context(), c.Param("token"), req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrShareNotFound):
			return c.JSON(http.StatusNotFound, echo.Map{"ok": false})
		case errors.Is(err, service.ErrShareExpired):
			return c.JSON(http.StatusGone, echo.Map{"ok": false, "error": "expired"})
		case errors.Is(err, service.ErrQuotaExhausted):
			return c.JSON(http.StatusTooManyRequests, echo.Map{"ok": false, "error": "max_downloads_reached"})
		case errors.Is(err, service.ErrPasswordRequired):
			return c.JSON(http.StatusUnauthorized, echo.Map{"ok": false, "error": "password_required"})
		case errors.Is(err, service.ErrInvalidPassword):
			return c.JSON(http.StatusForbidden, echo.Map{"ok": false, "error": "invalid_password"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"ok": false, "error": "internal server error"})
	}

	fileUrls := make([]echo.Map, len(result.Files))
	for i, f := range result.Files {
		fileUrls[i] = echo.Map{"name": f.Name, "url": f.URL}
	}

	return c.JSON(http.StatusOK, echo.Map{
		"ok":                 true,
		"fileUrls":           fileUrls,
		"remainingDownloads": result.Remaining,
	})
}

// HandleHealth handles GET /health.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.db.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// HandleStats handles GET /api/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.engine.GetStats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to retrieve stats",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"total_shares":      stats.TotalShares,
		"active_shares":     stats.ActiveShares,
		"total_downloads":   stats.TotalDownloads,
		"bytes_shared":      stats.BytesShared,
		"bytes_shared_human": humanizeBytes(stats.BytesShared),
	})
}

// parseExpiry interprets the raw expiry field of an init request: an absent
// key takes the configured default lifetime, an explicit null disables
// expiry, anything else must be a number of seconds.
func (h *Handler) parseExpiry(raw json.RawMessage) (*int64, error) {
	if len(raw) == 0 {
		secs := int64(h.cfg.DefaultExpiry / time.Second)
		return &secs, nil
	}
	if string(raw) == "null" {
		return nil, nil
	}
	var secs int64
	if err := json.Unmarshal(raw, &secs); err != nil {
		return nil, err
	}
	return &secs, nil
}

func epochMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromEpochMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

// humanizeBytes formats a byte count into a human-readable string.
func humanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
