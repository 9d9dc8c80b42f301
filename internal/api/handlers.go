package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"docchat/internal/auth"
	"docchat/internal/backend"
	"docchat/internal/doclist"
	"docchat/internal/logging"
	"docchat/internal/models"
	"docchat/internal/view"
)

// DocumentBackend binds a caller's token to a backend session.
type DocumentBackend interface {
	WithToken(token string) *backend.Session
}

// Handler wires HTTP routes to the per-user document list controllers.
type Handler struct {
	lists         *doclist.Manager
	backend       DocumentBackend
	auth          *auth.Service
	logger        *zap.Logger
	deleteTimeout time.Duration
	keepAlive     time.Duration
}

// NewHandler constructs a Handler instance.
func NewHandler(lists *doclist.Manager, client DocumentBackend, authService *auth.Service, logger *zap.Logger, deleteTimeout time.Duration) *Handler {
	if deleteTimeout <= 0 {
		deleteTimeout = 30 * time.Second
	}
	return &Handler{
		lists:         lists,
		backend:       client,
		auth:          authService,
		logger:        logging.OrNop(logger),
		deleteTimeout: deleteTimeout,
		keepAlive:     15 * time.Second,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authMW := h.auth.Middleware()
	pages := router.Group("/")
	pages.Use(authMW, h.auth.IssueCSRFCookie(), h.auth.CSRFMiddleware())
	pages.GET("/", h.listPage)
	pages.POST("/refresh", h.refreshPage)
	pages.POST("/doc/:documentid/delete", h.deletePage)
	pages.GET("/doc/:documentid/:conversationid/", h.viewerPage)

	api := router.Group("/api")
	api.Use(authMW, h.auth.CSRFMiddleware())
	api.GET("/doc", h.getDocuments)
	api.POST("/doc/refresh", h.refreshDocuments)
	api.DELETE("/doc/:documentid", h.deleteDocument)
	api.GET("/doc/:documentid/:conversationid", h.getDocument)
	api.GET("/events", h.streamEvents)
}

var errNoSubject = errors.New("authorization required")

// session resolves the caller's controller and authorizes the caller's token
// against it. The list must not be read when err is non-nil.
func (h *Handler) session(c *gin.Context) (*doclist.Controller, error) {
	subject, ok := auth.SubjectFromContext(c)
	if !ok {
		return nil, errNoSubject
	}
	token, _ := auth.AuthTokenFromContext(c)
	ctx := c.Request.Context()
	ctrl := h.lists.Controller(ctx, subject)
	if err := ctrl.Authorize(ctx, tokenKey(token), h.backend.WithToken(token)); err != nil {
		return nil, err
	}
	return ctrl, nil
}

// tokenSession binds the caller's token without touching the list.
func (h *Handler) tokenSession(c *gin.Context) (*backend.Session, bool) {
	if _, ok := auth.SubjectFromContext(c); !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return nil, false
	}
	token, _ := auth.AuthTokenFromContext(c)
	return h.backend.WithToken(token), true
}

func tokenKey(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, doclist.ErrUnknownDocument), errors.Is(err, backend.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, doclist.ErrDeleteInProgress):
		return http.StatusConflict
	case errors.Is(err, errNoSubject), errors.Is(err, backend.ErrUnauthorized), errors.Is(err, doclist.ErrNoBackend):
		return http.StatusUnauthorized
	case errors.Is(err, backend.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// HTML pages

func (h *Handler) listPage(c *gin.Context) {
	ctrl, err := h.session(c)
	if err != nil {
		h.sessionFailedPage(c, err)
		return
	}
	h.renderList(c, http.StatusOK, ctrl.Snapshot())
}

func (h *Handler) renderList(c *gin.Context, code int, snap doclist.Snapshot) {
	page := view.NewListPage(snap, h.auth.CSRFFormField(), auth.CSRFTokenFromContext(c))
	c.HTML(code, view.ListTemplate, page)
}

// sessionFailedPage answers a page request whose session could not list. No
// documents are shown: the caller has not proven access to any.
func (h *Handler) sessionFailedPage(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusUnauthorized {
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	h.renderList(c, code, doclist.Snapshot{Status: doclist.StatusError, Error: err.Error()})
}

func (h *Handler) refreshPage(c *gin.Context) {
	ctrl, err := h.session(c)
	if err != nil {
		h.sessionFailedPage(c, err)
		return
	}
	_ = ctrl.Refresh(c.Request.Context())
	c.Redirect(http.StatusSeeOther, "/")
}

func (h *Handler) deletePage(c *gin.Context) {
	ctrl, err := h.session(c)
	if err != nil {
		h.sessionFailedPage(c, err)
		return
	}
	documentID := c.Param("documentid")
	if err := ctrl.DeleteAsync(documentID, h.deleteTimeout); err != nil {
		h.logger.Info("delete rejected", zap.String("document_id", documentID), zap.Error(err))
	}
	c.Redirect(http.StatusSeeOther, "/")
}

func (h *Handler) viewerPage(c *gin.Context) {
	sess, ok := h.tokenSession(c)
	if !ok {
		return
	}
	detail, err := sess.GetDocument(c.Request.Context(), c.Param("documentid"), c.Param("conversationid"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if detail.Document.DocStatus != models.StatusReady {
		c.Redirect(http.StatusSeeOther, "/")
		return
	}
	c.HTML(http.StatusOK, view.ViewerTemplate, view.NewViewerPage(detail))
}

// JSON API

func (h *Handler) getDocuments(c *gin.Context) {
	ctrl, err := h.session(c)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if force, _ := strconv.ParseBool(c.Query("refresh")); force {
		if err := ctrl.Refresh(c.Request.Context()); err != nil && !ctrl.Snapshot().Loaded {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "snapshot": ctrl.Snapshot()})
			return
		}
	}
	c.JSON(http.StatusOK, ctrl.Snapshot())
}

func (h *Handler) refreshDocuments(c *gin.Context) {
	ctrl, err := h.session(c)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if err := ctrl.Refresh(c.Request.Context()); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "snapshot": ctrl.Snapshot()})
		return
	}
	c.JSON(http.StatusOK, ctrl.Snapshot())
}

func (h *Handler) deleteDocument(c *gin.Context) {
	ctrl, err := h.session(c)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	documentID := c.Param("documentid")
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.deleteTimeout)
	defer cancel()
	if err := ctrl.Delete(ctx, documentID); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getDocument(c *gin.Context) {
	sess, ok := h.tokenSession(c)
	if !ok {
		return
	}
	detail, err := sess.GetDocument(c.Request.Context(), c.Param("documentid"), c.Param("conversationid"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, detail)
}

// streamEvents pushes a snapshot on connect and after every list change.
func (h *Handler) streamEvents(c *gin.Context) {
	ctrl, err := h.session(c)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	release := ctrl.Watch()
	defer release()
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	ctx := c.Request.Context()
	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()
	first := true
	var sent uint64
	for {
		changed := ctrl.Changed()
		snap := ctrl.Snapshot()
		if first || snap.Version != sent {
			if err := sendEvent("snapshot", snap); err != nil {
				return
			}
			first, sent = false, snap.Version
		}
		select {
		case <-ctx.Done():
			return
		case <-changed:
		case <-keepAlive.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
